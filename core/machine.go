package core

import (
	"fmt"

	"github.com/usbdfu/dfud-go/dfu"
)

// The DFU state machine. Transition is a pure function over
// (state, attributes, event); Machine is the small stateful wrapper
// the rest of the core drives. Events invalid for the current state
// come back as IllegalTransitionError, never as a silent no-op -
// the caller decides whether that is fatal.

type EventKind int

const (
	// KindRequest - a control request was (or is about to be) sent.
	KindRequest EventKind = iota
	// KindStatus - a GETSTATUS reply arrived.
	KindStatus
	// KindShortFrame - an UPLOAD reply was shorter than requested,
	// which is how the device signals the end of an upload.
	KindShortFrame
	// KindReset - the transport observed a USB reset. Out-of-band;
	// moves appDETACH to dfuIDLE (re-enumeration into DFU mode) and
	// dfuMANIFEST-WAIT-RESET back to appIDLE.
	KindReset
	// KindTimeout - a device-timed phase ran out. Only meaningful in
	// dfuMANIFEST on manifestation-intolerant devices, which proceed
	// to dfuMANIFEST-WAIT-RESET without answering another GETSTATUS.
	KindTimeout
)

type Event struct {
	Kind   EventKind
	Op     dfu.Request       // KindRequest
	Length int               // KindRequest: data stage length (DNLOAD)
	Status *dfu.DeviceStatus // KindStatus
}

func RequestEvent(op dfu.Request, length int) Event {
	return Event{Kind: KindRequest, Op: op, Length: length}
}

func StatusEvent(ds *dfu.DeviceStatus) Event {
	return Event{Kind: KindStatus, Status: ds}
}

func ShortFrameEvent() Event {
	return Event{Kind: KindShortFrame}
}

func ResetEvent() Event {
	return Event{Kind: KindReset}
}

func TimeoutEvent() Event {
	return Event{Kind: KindTimeout}
}

func (ev Event) String() string {
	switch ev.Kind {
	case KindRequest:
		if ev.Op == dfu.Dnload {
			return fmt.Sprintf("%v(%d)", ev.Op, ev.Length)
		}
		return ev.Op.String()
	case KindStatus:
		return fmt.Sprintf("status(%v, %v)", ev.Status.Status, ev.Status.State)
	case KindShortFrame:
		return "short frame"
	case KindReset:
		return "usb reset"
	case KindTimeout:
		return "timeout"
	}
	return "unknown event"
}

// IllegalTransitionError reports an event the current state does not
// admit. A conformant device would stall the request.
type IllegalTransitionError struct {
	State dfu.State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %v in state %v", e.Event, e.State)
}

// Transition computes the next device state. It never invents a
// state: either the event is admitted and the result is from the
// transition table, or the error is IllegalTransitionError.
func Transition(state dfu.State, attrs dfu.Attributes, ev Event) (dfu.State, error) {
	switch ev.Kind {
	case KindRequest:
		return requestTransition(state, attrs, ev)
	case KindStatus:
		return statusTransition(state, ev)
	case KindShortFrame:
		if state == dfu.DfuUploadIdle {
			return dfu.DfuIdle, nil
		}
	case KindReset:
		switch state {
		case dfu.AppDetach:
			return dfu.DfuIdle, nil
		case dfu.DfuManifestWaitReset:
			return dfu.AppIdle, nil
		}
	case KindTimeout:
		if state == dfu.DfuManifest && !attrs.Has(dfu.ManifestationTolerant) {
			return dfu.DfuManifestWaitReset, nil
		}
	}
	return state, &IllegalTransitionError{State: state, Event: ev}
}

func requestTransition(state dfu.State, attrs dfu.Attributes, ev Event) (dfu.State, error) {
	switch ev.Op {
	case dfu.Detach:
		// Valid only in application mode. Whether the device detaches
		// itself (bitWillDetach) or waits for a host-issued reset is a
		// transport concern; both land in appDETACH first.
		if state == dfu.AppIdle {
			return dfu.AppDetach, nil
		}

	case dfu.Dnload:
		switch state {
		case dfu.DfuIdle:
			// a download must start with data; the zero-length block
			// only terminates one
			if ev.Length > 0 && attrs.Has(dfu.CanDownload) {
				return dfu.DfuDnloadSync, nil
			}
		case dfu.DfuDnloadIdle:
			if ev.Length > 0 {
				return dfu.DfuDnloadSync, nil
			}
			return dfu.DfuManifestSync, nil
		}

	case dfu.Upload:
		switch state {
		case dfu.DfuIdle:
			if attrs.Has(dfu.CanUpload) {
				return dfu.DfuUploadIdle, nil
			}
		case dfu.DfuUploadIdle:
			return dfu.DfuUploadIdle, nil
		}

	case dfu.GetStatus:
		switch state {
		case dfu.AppIdle, dfu.AppDetach,
			dfu.DfuIdle, dfu.DfuDnloadSync, dfu.DfuDnBusy, dfu.DfuDnloadIdle,
			dfu.DfuManifestSync, dfu.DfuUploadIdle, dfu.DfuError:
			// the state resolves when the reply arrives
			return state, nil
		case dfu.DfuManifest:
			if attrs.Has(dfu.ManifestationTolerant) {
				return state, nil
			}
		}

	case dfu.ClrStatus:
		if state == dfu.DfuError {
			return dfu.DfuIdle, nil
		}

	case dfu.GetState:
		switch state {
		case dfu.AppIdle, dfu.AppDetach,
			dfu.DfuIdle, dfu.DfuDnloadSync, dfu.DfuDnloadIdle,
			dfu.DfuManifestSync, dfu.DfuUploadIdle, dfu.DfuError:
			return state, nil
		}

	case dfu.Abort:
		switch state {
		case dfu.DfuIdle, dfu.DfuDnloadSync, dfu.DfuDnloadIdle,
			dfu.DfuManifestSync, dfu.DfuUploadIdle:
			return dfu.DfuIdle, nil
		}
	}
	return state, &IllegalTransitionError{State: state, Event: ev}
}

// statusTransition adopts the state a GETSTATUS reply carries, after
// checking the device did not jump somewhere the table does not
// reach from here. A non-OK status always lands in dfuERROR.
func statusTransition(state dfu.State, ev Event) (dfu.State, error) {
	if ev.Status.Status != dfu.StatusOK {
		return dfu.DfuError, nil
	}

	reported := ev.Status.State
	for _, allowed := range statusSuccessors(state) {
		if reported == allowed {
			return reported, nil
		}
	}
	return state, &IllegalTransitionError{State: state, Event: ev}
}

func statusSuccessors(state dfu.State) []dfu.State {
	switch state {
	case dfu.DfuDnloadSync:
		// still programming, or ready for the next block
		return []dfu.State{dfu.DfuDnBusy, dfu.DfuDnloadIdle}
	case dfu.DfuDnBusy:
		// polls while busy are idempotent
		return []dfu.State{dfu.DfuDnBusy, dfu.DfuDnloadIdle}
	case dfu.DfuManifestSync:
		return []dfu.State{dfu.DfuManifest, dfu.DfuManifestWaitReset, dfu.DfuIdle}
	case dfu.DfuManifest:
		return []dfu.State{dfu.DfuManifest, dfu.DfuManifestWaitReset, dfu.DfuIdle}
	case dfu.AppIdle, dfu.AppDetach, dfu.DfuIdle, dfu.DfuDnloadIdle,
		dfu.DfuUploadIdle, dfu.DfuError:
		return []dfu.State{state}
	}
	return nil
}

// Machine tracks one device's protocol state. It is owned by a
// single session and is not safe for concurrent use; the session
// call guard serializes access.
type Machine struct {
	state dfu.State
	attrs dfu.Attributes
}

func NewMachine(state dfu.State, attrs dfu.Attributes) *Machine {
	return &Machine{state: state, attrs: attrs}
}

func (m *Machine) State() dfu.State {
	return m.state
}

func (m *Machine) Attributes() dfu.Attributes {
	return m.attrs
}

// Apply validates the event against the current state and advances.
func (m *Machine) Apply(ev Event) error {
	next, err := Transition(m.state, m.attrs, ev)
	if err != nil {
		return err
	}
	m.state = next
	return nil
}

// Permits reports whether the event would be admitted, without
// advancing.
func (m *Machine) Permits(ev Event) bool {
	_, err := Transition(m.state, m.attrs, ev)
	return err == nil
}
