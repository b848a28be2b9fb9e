package link

// SplitFrames cuts a chunk holding back-to-back link frames into frames,
// using each frame's length byte. It returns nil unless the chunk is exactly
// a sequence of whole frames. The returned frames alias data.
func SplitFrames(data []byte) [][]byte {
	var frames [][]byte
	for len(data) > 0 {
		if !HasStartBytes(data) || len(data) <= OffsetLength {
			return nil
		}
		n := FrameSize(data[OffsetLength])
		if n < 0 || n > len(data) {
			return nil
		}
		frames = append(frames, data[:n])
		data = data[n:]
	}
	return frames
}
