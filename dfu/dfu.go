// Package dfu implements the wire layer of the USB Device Firmware
// Upgrade class protocol (versions 1.0 and 1.1): the functional
// descriptor, the class-specific control requests and their encoding,
// and the status/state vocabulary the protocol state machine is
// built on.
//
// The package is pure - it converts between raw bytes and typed
// values and never touches an actual USB transport.
package dfu

// Request is a DFU class-specific bRequest code.
type Request uint8

const (
	Detach    Request = 0x00
	Dnload    Request = 0x01
	Upload    Request = 0x02
	GetStatus Request = 0x03
	ClrStatus Request = 0x04
	GetState  Request = 0x05
	Abort     Request = 0x06
)

func (r Request) String() string {
	switch r {
	case Detach:
		return "DFU_DETACH"
	case Dnload:
		return "DFU_DNLOAD"
	case Upload:
		return "DFU_UPLOAD"
	case GetStatus:
		return "DFU_GETSTATUS"
	case ClrStatus:
		return "DFU_CLRSTATUS"
	case GetState:
		return "DFU_GETSTATE"
	case Abort:
		return "DFU_ABORT"
	}
	return "UNKNOWN"
}

// Attributes is the bmAttributes bitmask of the functional descriptor.
type Attributes uint8

const (
	CanDownload           Attributes = 0x01
	CanUpload             Attributes = 0x02
	ManifestationTolerant Attributes = 0x04
	WillDetach            Attributes = 0x08
)

func (a Attributes) Has(bit Attributes) bool {
	return a&bit != 0
}
