package dfu

import (
	"encoding/binary"
	"fmt"
)

// bmRequestType values for DFU class requests: class type, interface
// recipient, plus the direction bit.
const (
	RequestTypeOut = 0x21 // host to device
	RequestTypeIn  = 0xA1 // device to host
)

// Standard (non-class) request bits used to fetch the configuration
// descriptor that carries the DFU functional descriptor.
const (
	requestTypeStandardIn = 0x80
	requestGetDescriptor  = 0x06
	descriptorTypeConfig  = 0x02
)

// SetupSize is the length of a packed USB setup packet.
const SetupSize = 8

// ControlRequest carries the parameters of one control transfer, as
// handed to the transport collaborator. For OUT requests the payload
// travels alongside it; for IN requests Length says how many bytes
// the host expects back.
type ControlRequest struct {
	RequestType uint8
	Request     Request
	Value       uint16
	Index       uint16
	Length      uint16
}

// In reports whether the data stage is device-to-host.
func (cr ControlRequest) In() bool {
	return cr.RequestType&0x80 != 0
}

// Pack serializes the request as the 8-byte setup packet
// (bmRequestType, bRequest, wValue, wIndex, wLength, little-endian).
func (cr ControlRequest) Pack() []byte {
	b := make([]byte, SetupSize)
	b[0] = cr.RequestType
	b[1] = uint8(cr.Request)
	binary.LittleEndian.PutUint16(b[2:4], cr.Value)
	binary.LittleEndian.PutUint16(b[4:6], cr.Index)
	binary.LittleEndian.PutUint16(b[6:8], cr.Length)
	return b
}

// UnpackControlRequest is the inverse of Pack.
func UnpackControlRequest(b []byte) (ControlRequest, error) {
	if len(b) < SetupSize {
		return ControlRequest{}, fmt.Errorf("%w: setup packet is %d bytes", ErrTruncatedResponse, len(b))
	}
	return ControlRequest{
		RequestType: b[0],
		Request:     Request(b[1]),
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// DownloadRequest encodes DFU_DNLOAD for one firmware block.
// wValue carries the block number, wLength the block size; a
// zero-length block signals the end of the image.
func DownloadRequest(iface, block uint16, n int) ControlRequest {
	return ControlRequest{
		RequestType: RequestTypeOut,
		Request:     Dnload,
		Value:       block,
		Index:       iface,
		Length:      uint16(n),
	}
}

// UploadRequest encodes DFU_UPLOAD for one firmware block.
func UploadRequest(iface, block uint16, n int) ControlRequest {
	return ControlRequest{
		RequestType: RequestTypeIn,
		Request:     Upload,
		Value:       block,
		Index:       iface,
		Length:      uint16(n),
	}
}

// GetStatusRequest encodes DFU_GETSTATUS.
func GetStatusRequest(iface uint16) ControlRequest {
	return ControlRequest{
		RequestType: RequestTypeIn,
		Request:     GetStatus,
		Index:       iface,
		Length:      DeviceStatusSize,
	}
}

// ClearStatusRequest encodes DFU_CLRSTATUS.
func ClearStatusRequest(iface uint16) ControlRequest {
	return ControlRequest{
		RequestType: RequestTypeOut,
		Request:     ClrStatus,
		Index:       iface,
	}
}

// GetStateRequest encodes DFU_GETSTATE.
func GetStateRequest(iface uint16) ControlRequest {
	return ControlRequest{
		RequestType: RequestTypeIn,
		Request:     GetState,
		Index:       iface,
		Length:      1,
	}
}

// AbortRequest encodes DFU_ABORT.
func AbortRequest(iface uint16) ControlRequest {
	return ControlRequest{
		RequestType: RequestTypeOut,
		Request:     Abort,
		Index:       iface,
	}
}

// DetachRequest encodes DFU_DETACH. wValue carries the timeout in
// milliseconds within which the device must detach.
func DetachRequest(iface, timeout uint16) ControlRequest {
	return ControlRequest{
		RequestType: RequestTypeOut,
		Request:     Detach,
		Value:       timeout,
		Index:       iface,
	}
}

// GetConfigDescriptorRequest encodes a standard GET_DESCRIPTOR for
// the active configuration, reading n bytes. The engine uses it to
// locate the DFU functional descriptor itself, since that is the one
// piece of enumeration data the protocol cannot run without.
func GetConfigDescriptorRequest(n uint16) ControlRequest {
	return ControlRequest{
		RequestType: requestTypeStandardIn,
		Request:     Request(requestGetDescriptor),
		Value:       descriptorTypeConfig << 8,
		Length:      n,
	}
}
