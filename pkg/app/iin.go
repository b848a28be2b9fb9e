package app

import "strings"

// IIN holds the two internal indication bytes of a response
type IIN struct {
	IIN1 uint8
	IIN2 uint8
}

// IIN1 bit masks
const (
	IIN1AllStations   uint8 = 0x01 // Broadcast message received
	IIN1Class1Events  uint8 = 0x02 // Class 1 events available
	IIN1Class2Events  uint8 = 0x04 // Class 2 events available
	IIN1Class3Events  uint8 = 0x08 // Class 3 events available
	IIN1NeedTime      uint8 = 0x10 // Device needs time synchronization
	IIN1LocalControl  uint8 = 0x20 // Device in local control mode
	IIN1DeviceTrouble uint8 = 0x40 // Device trouble or malfunction
	IIN1DeviceRestart uint8 = 0x80 // Device restart detected
)

// IIN2 bit masks
const (
	IIN2NoFuncCodeSupport   uint8 = 0x01 // Function code not supported
	IIN2ObjectUnknown       uint8 = 0x02 // Object unknown
	IIN2ParameterError      uint8 = 0x04 // Parameter error
	IIN2EventBufferOverflow uint8 = 0x08 // Event buffer overflow
	IIN2AlreadyExecuting    uint8 = 0x10 // Operation already executing
	IIN2ConfigCorrupt       uint8 = 0x20 // Configuration corrupt
)

var iin1Names = [8]string{
	"AllStations", "Class1Events", "Class2Events", "Class3Events",
	"NeedTime", "LocalControl", "DeviceTrouble", "DeviceRestart",
}

var iin2Names = [8]string{
	"NoFuncCodeSupport", "ObjectUnknown", "ParameterError", "EventBufferOverflow",
	"AlreadyExecuting", "ConfigCorrupt", "Reserved1", "Reserved2",
}

// HasAnyClassEvents returns true if events of any class are available
func (iin IIN) HasAnyClassEvents() bool {
	return iin.IIN1&(IIN1Class1Events|IIN1Class2Events|IIN1Class3Events) != 0
}

// Flags returns the names of the set indication bits, IIN1 first
func (iin IIN) Flags() []string {
	var flags []string
	for bit := 0; bit < 8; bit++ {
		if iin.IIN1&(1<<bit) != 0 {
			flags = append(flags, iin1Names[bit])
		}
	}
	for bit := 0; bit < 8; bit++ {
		if iin.IIN2&(1<<bit) != 0 {
			flags = append(flags, iin2Names[bit])
		}
	}
	return flags
}

// String returns the set indication bits separated by '|'
func (iin IIN) String() string {
	flags := iin.Flags()
	if len(flags) == 0 {
		return "None"
	}
	return strings.Join(flags, "|")
}
