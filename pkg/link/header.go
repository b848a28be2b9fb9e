package link

import "fmt"

// Header holds the fields of a link frame needed to route its segment.
// Header checksums are not verified.
type Header struct {
	Length       uint8        // Length byte as sent
	Control      uint8        // Control byte
	Dir          Direction    // From the control byte's DIR bit
	FunctionCode FunctionCode // Link function
	Destination  uint16       // Destination address
	Source       uint16       // Source address
	Transport    uint8        // Transport header byte
}

// HasStartBytes reports whether data begins with the link start marker.
func HasStartBytes(data []byte) bool {
	return len(data) >= 2 && data[0] == StartByte1 && data[1] == StartByte2
}

// Classify inspects the start of a delivered chunk.
//
// It returns ErrNotDNP3 when the chunk does not begin with the start marker,
// ErrFrameTooShort when it is too short to hold a transport header and
// ErrUnsupportedFunction when the link function carries no user data. In the
// last case the returned Header is still populated.
func Classify(data []byte) (Header, error) {
	if !HasStartBytes(data) {
		return Header{}, ErrNotDNP3
	}
	if len(data) <= OffsetTransport {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}

	h := Header{
		Length:      data[OffsetLength],
		Control:     data[OffsetControl],
		Destination: uint16(data[4]) | uint16(data[5])<<8,
		Source:      uint16(data[6]) | uint16(data[7])<<8,
		Transport:   data[OffsetTransport],
	}
	h.FunctionCode = FunctionCode(h.Control & CtrlFuncMask)
	h.Dir = Direction((h.Control & CtrlDIR) != 0)

	if !h.FunctionCode.CarriesUserData() {
		return h, ErrUnsupportedFunction
	}
	return h, nil
}

// String returns a string representation of the header
func (h Header) String() string {
	return fmt.Sprintf("Header{Dir=%s, Func=%d, Dst=%d, Src=%d, Transport=0x%02X}",
		h.Dir, h.FunctionCode, h.Destination, h.Source, h.Transport)
}
