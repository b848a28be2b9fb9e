package link

import "github.com/sigurn/crc16"

// DNP3 CRC-16 (polynomial 0x3D65, reflected, inverted output)
var crcTable = crc16.MakeTable(crc16.CRC16_DNP)

// CalculateCRC calculates DNP3 CRC-16 for the given data
func CalculateCRC(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// AddCRCs adds CRC bytes to data in 16-byte blocks (DNP3 framing)
// Returns new slice with CRCs inserted every 16 bytes
func AddCRCs(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}

	numBlocks := (len(data) + BlockSize - 1) / BlockSize
	result := make([]byte, 0, len(data)+numBlocks*CRCSize)

	for i := 0; i < len(data); i += BlockSize {
		end := i + BlockSize
		if end > len(data) {
			end = len(data)
		}

		block := data[i:end]
		result = append(result, block...)

		crc := CalculateCRC(block)
		result = append(result, byte(crc), byte(crc>>8))
	}

	return result
}

// StripBlockChecksums appends the user data carried by frame to dst, without
// the transport header byte and without block CRCs, and returns the extended
// slice. CRCs are not checked.
//
// The walk starts at the transport header. Every 18-byte block contributes
// its first 16 bytes, and the last two bytes of the frame are always treated
// as the final block's CRC.
func StripBlockChecksums(dst, frame []byte) []byte {
	n := len(frame) - OffsetTransport
	for i := 1; i < n; i++ {
		if r := i % (BlockSize + CRCSize); r == BlockSize || r == BlockSize+1 {
			continue
		}
		if n-i <= CRCSize {
			break
		}
		dst = append(dst, frame[i+OffsetTransport])
	}
	return dst
}

// StrippedLen returns how many bytes StripBlockChecksums appends for a frame
// of frameLen bytes.
func StrippedLen(frameLen int) int {
	n := frameLen - OffsetTransport - CRCSize
	if n <= 1 {
		return 0
	}
	full := n / (BlockSize + CRCSize)
	rest := n % (BlockSize + CRCSize)
	if rest > BlockSize {
		rest = BlockSize
	}
	return full*BlockSize + rest - 1
}
