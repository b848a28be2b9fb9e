package link

import "errors"

// DNP3 Link Layer Constants

// Start bytes
const (
	StartByte1 uint8 = 0x05 // First start byte
	StartByte2 uint8 = 0x64 // Second start byte
)

// Frame sizes
const (
	HeaderSize    = 10  // Size of link header (including start bytes and header CRC)
	AddressedSize = 8   // Link header without its CRC; kept at the front of a reassembled message
	MaxFrameSize  = 292 // Maximum frame size; every non-final segment of a message is framed at this size
	MaxDataSize   = 250 // Maximum user data in a frame
	BlockSize     = 16  // CRC block size
	CRCSize       = 2   // Trailing CRC of every block
)

// Byte offsets within a frame
const (
	OffsetLength    = 2
	OffsetControl   = 3
	OffsetTransport = 10 // First user data byte: the transport header
)

// Function codes
type FunctionCode uint8

const (
	FuncResetLink           FunctionCode = 0x00 // Reset link
	FuncResetUserProcess    FunctionCode = 0x01 // Reset user process
	FuncTestLinkStates      FunctionCode = 0x02 // Test link states
	FuncUserDataConfirmed   FunctionCode = 0x03 // User data with confirmation
	FuncUserDataUnconfirmed FunctionCode = 0x04 // User data without confirmation
	FuncRequestLinkStatus   FunctionCode = 0x09 // Request link status
)

// CarriesUserData reports whether frames with this function code hold a
// transport segment.
func (fc FunctionCode) CarriesUserData() bool {
	return fc == FuncUserDataConfirmed || fc == FuncUserDataUnconfirmed
}

// Control field bits
const (
	CtrlDIR      uint8 = 0x80 // Direction bit (1=master to outstation, 0=outstation to master)
	CtrlPRM      uint8 = 0x40 // Primary bit (1=from primary station)
	CtrlFuncMask uint8 = 0x0F // Function code mask (lower 4 bits)
)

// Errors
var (
	ErrNotDNP3             = errors.New("not a DNP3 link frame")
	ErrFrameTooShort       = errors.New("frame too short")
	ErrFrameTooLong        = errors.New("frame too long")
	ErrUnsupportedFunction = errors.New("link function carries no user data")
)

// Direction indicates frame direction
type Direction bool

const (
	DirectionMasterToOutstation Direction = true
	DirectionOutstationToMaster Direction = false
)

// IsRequest reports whether the frame travels master to outstation.
func (d Direction) IsRequest() bool {
	return bool(d)
}

// String returns string representation of Direction
func (d Direction) String() string {
	if d {
		return "Master->Outstation"
	}
	return "Outstation->Master"
}
