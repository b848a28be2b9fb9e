package link

import (
	"bytes"
	"fmt"
)

// Frame represents a DNP3 link layer frame to be put on the wire
type Frame struct {
	Control     uint8  // Control byte
	Destination uint16 // Destination address
	Source      uint16 // Source address

	Dir          Direction    // Direction (master->outstation or outstation->master)
	FunctionCode FunctionCode // Function code

	UserData []byte // User data (without CRCs), starting with the transport header
}

// NewFrame creates a new primary link frame
func NewFrame(dir Direction, fc FunctionCode, dst, src uint16, data []byte) *Frame {
	frame := &Frame{
		Dir:          dir,
		FunctionCode: fc,
		Destination:  dst,
		Source:       src,
		UserData:     data,
	}
	frame.buildControl()
	return frame
}

// buildControl builds the control byte from frame fields
func (f *Frame) buildControl() {
	f.Control = uint8(f.FunctionCode)&CtrlFuncMask | CtrlPRM
	if f.Dir == DirectionMasterToOutstation {
		f.Control |= CtrlDIR
	}
}

// Serialize converts frame to wire format with CRCs
func (f *Frame) Serialize() ([]byte, error) {
	dataLen := len(f.UserData)
	if dataLen > MaxDataSize {
		return nil, ErrFrameTooLong
	}

	header := make([]byte, AddressedSize, HeaderSize)
	header[0] = StartByte1
	header[1] = StartByte2
	header[2] = byte(dataLen + 5) // Length includes control + addresses
	header[3] = f.Control
	header[4] = byte(f.Destination)
	header[5] = byte(f.Destination >> 8)
	header[6] = byte(f.Source)
	header[7] = byte(f.Source >> 8)

	headerCRC := CalculateCRC(header)
	header = append(header, byte(headerCRC), byte(headerCRC>>8))

	if dataLen == 0 {
		return header, nil
	}

	return append(header, AddCRCs(f.UserData)...), nil
}

// FrameSize returns the on-wire size of a frame whose length byte is
// lengthByte, or -1 if the length byte is below the 5-byte minimum.
func FrameSize(lengthByte uint8) int {
	if lengthByte < 5 {
		return -1
	}
	dataLen := int(lengthByte) - 5
	numBlocks := (dataLen + BlockSize - 1) / BlockSize
	return HeaderSize + dataLen + numBlocks*CRCSize
}

// String returns a string representation of the frame
func (f *Frame) String() string {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("Frame{Dir=%s, ", f.Dir))
	buf.WriteString(fmt.Sprintf("Func=%d, ", f.FunctionCode))
	buf.WriteString(fmt.Sprintf("Dst=%d, Src=%d, ", f.Destination, f.Source))
	buf.WriteString(fmt.Sprintf("DataLen=%d}", len(f.UserData)))
	return buf.String()
}
