// Package app decodes the application header of reconstructed DNP3
// messages. Object headers are left as raw bytes.
package app

import (
	"bytes"
	"errors"
	"fmt"
)

// Application Control Field bits
const (
	AppCtrlFIR     uint8 = 0x80 // First fragment
	AppCtrlFIN     uint8 = 0x40 // Final fragment
	AppCtrlCON     uint8 = 0x20 // Confirm required
	AppCtrlUNS     uint8 = 0x10 // Unsolicited response
	AppCtrlSeqMask uint8 = 0x0F // Sequence number mask (4 bits)
)

// linkHeaderSize is the link header kept at the front of a reconstructed message
const linkHeaderSize = 8

var (
	ErrAPDUTooShort = errors.New("APDU too short")
	ErrMissingIIN   = errors.New("response APDU too short for IIN")
)

// APDU represents an Application Protocol Data Unit
type APDU struct {
	// Application Control field
	Control  uint8 // Control byte
	FIR      bool  // First fragment
	FIN      bool  // Final fragment
	CON      bool  // Confirm required
	UNS      bool  // Unsolicited
	Sequence uint8 // Sequence number (0-15)

	// Function and IIN
	FunctionCode FunctionCode // Function code
	IIN          IIN          // Internal Indications (only in responses)

	// Object headers and data, undecoded
	Objects []byte
}

// NewRequestAPDU creates a new single-fragment request APDU
func NewRequestAPDU(fc FunctionCode, seq uint8, objects []byte) *APDU {
	return &APDU{
		FunctionCode: fc,
		Sequence:     seq & AppCtrlSeqMask,
		FIR:          true,
		FIN:          true,
		Objects:      objects,
	}
}

// NewResponseAPDU creates a new single-fragment response APDU
func NewResponseAPDU(seq uint8, iin IIN, objects []byte) *APDU {
	return &APDU{
		FunctionCode: FuncResponse,
		Sequence:     seq & AppCtrlSeqMask,
		FIR:          true,
		FIN:          true,
		IIN:          iin,
		Objects:      objects,
	}
}

func (a *APDU) buildControl() {
	a.Control = a.Sequence & AppCtrlSeqMask

	if a.FIR {
		a.Control |= AppCtrlFIR
	}
	if a.FIN {
		a.Control |= AppCtrlFIN
	}
	if a.CON {
		a.Control |= AppCtrlCON
	}
	if a.UNS {
		a.Control |= AppCtrlUNS
	}
}

func (a *APDU) parseControl() {
	a.FIR = (a.Control & AppCtrlFIR) != 0
	a.FIN = (a.Control & AppCtrlFIN) != 0
	a.CON = (a.Control & AppCtrlCON) != 0
	a.UNS = (a.Control & AppCtrlUNS) != 0
	a.Sequence = a.Control & AppCtrlSeqMask
}

// Serialize converts APDU to wire format
func (a *APDU) Serialize() []byte {
	a.buildControl()

	var buf bytes.Buffer
	buf.WriteByte(a.Control)
	buf.WriteByte(uint8(a.FunctionCode))
	if a.FunctionCode.IsResponse() {
		buf.WriteByte(a.IIN.IIN1)
		buf.WriteByte(a.IIN.IIN2)
	}
	buf.Write(a.Objects)

	return buf.Bytes()
}

// Parse parses wire format data into APDU. Objects aliases data.
func Parse(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrAPDUTooShort, len(data))
	}

	apdu := &APDU{
		Control:      data[0],
		FunctionCode: FunctionCode(data[1]),
	}
	apdu.parseControl()

	offset := 2
	if apdu.FunctionCode.IsResponse() {
		if len(data) < 4 {
			return nil, ErrMissingIIN
		}
		apdu.IIN.IIN1 = data[2]
		apdu.IIN.IIN2 = data[3]
		offset = 4
	}

	if offset < len(data) {
		apdu.Objects = data[offset:]
	}

	return apdu, nil
}

// ParseMessage parses the APDU of a reconstructed message, skipping the
// link header at its front.
func ParseMessage(msg []byte) (*APDU, error) {
	if len(msg) < linkHeaderSize {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrAPDUTooShort, len(msg))
	}
	return Parse(msg[linkHeaderSize:])
}

// IsResponse returns true if this is a response APDU
func (a *APDU) IsResponse() bool {
	return a.FunctionCode.IsResponse()
}

// IsRequest returns true if this is a request APDU
func (a *APDU) IsRequest() bool {
	return a.FunctionCode.IsRequest()
}

// String returns string representation of APDU
func (a *APDU) String() string {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("APDU{Func=%s, Seq=%d", a.FunctionCode, a.Sequence))

	if a.FIR {
		buf.WriteString(", FIR")
	}
	if a.FIN {
		buf.WriteString(", FIN")
	}
	if a.CON {
		buf.WriteString(", CON")
	}
	if a.UNS {
		buf.WriteString(", UNS")
	}

	if a.IsResponse() {
		buf.WriteString(fmt.Sprintf(", IIN=[%02X,%02X]", a.IIN.IIN1, a.IIN.IIN2))
	}

	buf.WriteString(fmt.Sprintf(", ObjectsLen=%d}", len(a.Objects)))
	return buf.String()
}
