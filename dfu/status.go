package dfu

import (
	"errors"
	"fmt"
	"time"
)

// Status is a bStatus code from a DFU_GETSTATUS reply.
type Status uint8

const (
	StatusOK             Status = 0x00
	StatusErrTarget      Status = 0x01
	StatusErrFile        Status = 0x02
	StatusErrWrite       Status = 0x03
	StatusErrErase       Status = 0x04
	StatusErrCheckErased Status = 0x05
	StatusErrProg        Status = 0x06
	StatusErrVerify      Status = 0x07
	StatusErrAddress     Status = 0x08
	StatusErrNotDone     Status = 0x09
	StatusErrFirmware    Status = 0x0A
	StatusErrVendor      Status = 0x0B
	StatusErrUsbr        Status = 0x0C
	StatusErrPor         Status = 0x0D
	StatusErrUnknown     Status = 0x0E
	StatusErrStalledPkt  Status = 0x0F
)

const statusMax = StatusErrStalledPkt

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrTarget:
		return "errTARGET"
	case StatusErrFile:
		return "errFILE"
	case StatusErrWrite:
		return "errWRITE"
	case StatusErrErase:
		return "errERASE"
	case StatusErrCheckErased:
		return "errCHECK_ERASED"
	case StatusErrProg:
		return "errPROG"
	case StatusErrVerify:
		return "errVERIFY"
	case StatusErrAddress:
		return "errADDRESS"
	case StatusErrNotDone:
		return "errNOTDONE"
	case StatusErrFirmware:
		return "errFIRMWARE"
	case StatusErrVendor:
		return "errVENDOR"
	case StatusErrUsbr:
		return "errUSBR"
	case StatusErrPor:
		return "errPOR"
	case StatusErrUnknown:
		return "errUNKNOWN"
	case StatusErrStalledPkt:
		return "errSTALLEDPKT"
	}
	return fmt.Sprintf("status 0x%02x", uint8(s))
}

// State is a bState code: the device-side protocol state.
type State uint8

const (
	AppIdle              State = 0x00
	AppDetach            State = 0x01
	DfuIdle              State = 0x02
	DfuDnloadSync        State = 0x03
	DfuDnBusy            State = 0x04
	DfuDnloadIdle        State = 0x05
	DfuManifestSync      State = 0x06
	DfuManifest          State = 0x07
	DfuManifestWaitReset State = 0x08
	DfuUploadIdle        State = 0x09
	DfuError             State = 0x0A
)

const stateMax = DfuError

func (s State) String() string {
	switch s {
	case AppIdle:
		return "appIDLE"
	case AppDetach:
		return "appDETACH"
	case DfuIdle:
		return "dfuIDLE"
	case DfuDnloadSync:
		return "dfuDNLOAD-SYNC"
	case DfuDnBusy:
		return "dfuDNBUSY"
	case DfuDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case DfuManifestSync:
		return "dfuMANIFEST-SYNC"
	case DfuManifest:
		return "dfuMANIFEST"
	case DfuManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case DfuUploadIdle:
		return "dfuUPLOAD-IDLE"
	case DfuError:
		return "dfuERROR"
	}
	return fmt.Sprintf("state 0x%02x", uint8(s))
}

// ErrTruncatedResponse means a reply was shorter than the fixed size
// the protocol defines for it.
var ErrTruncatedResponse = errors.New("truncated DFU response")

// UnrecognizedStatusError reports a bStatus byte outside the
// enumerated range. Kept distinct from device errors so callers can
// tell protocol drift from a genuine failure.
type UnrecognizedStatusError struct {
	Raw uint8
}

func (e *UnrecognizedStatusError) Error() string {
	return fmt.Sprintf("unrecognized DFU status code 0x%02x", e.Raw)
}

// UnrecognizedStateError reports a bState byte outside the enumerated
// range.
type UnrecognizedStateError struct {
	Raw uint8
}

func (e *UnrecognizedStateError) Error() string {
	return fmt.Sprintf("unrecognized DFU state code 0x%02x", e.Raw)
}

// DeviceStatusSize is the exact length of a DFU_GETSTATUS reply.
const DeviceStatusSize = 6

// maxPollTimeout is the largest value the 24-bit bwPollTimeout field
// can carry, in milliseconds.
const maxPollTimeout = 1<<24 - 1

// DeviceStatus is the decoded DFU_GETSTATUS reply.
type DeviceStatus struct {
	Status      Status
	PollTimeout uint32 // milliseconds, 24-bit on the wire
	State       State
	StringIndex uint8
}

// PollDuration returns the device-requested minimum wait before the
// next status-relevant request.
func (ds *DeviceStatus) PollDuration() time.Duration {
	return time.Duration(ds.PollTimeout) * time.Millisecond
}

// DecodeDeviceStatus decodes the 6-byte DFU_GETSTATUS reply.
// bwPollTimeout is a 3-byte little-endian field in bytes 1-3; it is
// unpacked explicitly rather than through a bitfield so the layout is
// identical everywhere.
func DecodeDeviceStatus(b []byte) (*DeviceStatus, error) {
	if len(b) < DeviceStatusSize {
		return nil, fmt.Errorf("%w: GETSTATUS returned %d bytes", ErrTruncatedResponse, len(b))
	}
	if b[0] > uint8(statusMax) {
		return nil, &UnrecognizedStatusError{Raw: b[0]}
	}
	if b[4] > uint8(stateMax) {
		return nil, &UnrecognizedStateError{Raw: b[4]}
	}
	return &DeviceStatus{
		Status:      Status(b[0]),
		PollTimeout: uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16,
		State:       State(b[4]),
		StringIndex: b[5],
	}, nil
}

// Encode packs the status back into its 6-byte wire form. It is the
// inverse of DecodeDeviceStatus; device-side implementations and the
// emulator use it.
func (ds *DeviceStatus) Encode() ([]byte, error) {
	if ds.PollTimeout > maxPollTimeout {
		return nil, fmt.Errorf("poll timeout %d exceeds 24 bits", ds.PollTimeout)
	}
	return []byte{
		uint8(ds.Status),
		uint8(ds.PollTimeout),
		uint8(ds.PollTimeout >> 8),
		uint8(ds.PollTimeout >> 16),
		uint8(ds.State),
		ds.StringIndex,
	}, nil
}

// DecodeState decodes the 1-byte DFU_GETSTATE reply.
func DecodeState(b []byte) (State, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("%w: GETSTATE returned 0 bytes", ErrTruncatedResponse)
	}
	if b[0] > uint8(stateMax) {
		return 0, &UnrecognizedStateError{Raw: b[0]}
	}
	return State(b[0]), nil
}
