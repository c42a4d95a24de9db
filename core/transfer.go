package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/usbdfu/dfud-go/dfu"
)

// The transfer orchestrator. A transfer is a strictly sequential
// request/reply walk, so it is expressed as a step engine: Next says
// what I/O the caller owes the device, the Observe/Ack methods feed
// the outcome back. The caller owns the actual transport and the
// poll-timeout sleeps; nothing here blocks.

type TransferMode int

const (
	ModeDownload TransferMode = iota
	ModeUpload
)

func (m TransferMode) String() string {
	if m == ModeUpload {
		return "upload"
	}
	return "download"
}

type ActionKind int

const (
	// ActionSendDnload - send the Chunk as a DNLOAD block (an empty
	// Chunk is the terminating zero-length block).
	ActionSendDnload ActionKind = iota
	// ActionSendUpload - request Length bytes with UPLOAD.
	ActionSendUpload
	// ActionSendGetStatus - poll GETSTATUS.
	ActionSendGetStatus
	// ActionWait - sleep at least Wait before the next GETSTATUS.
	// The device-reported poll timeout is a minimum, not a target.
	ActionWait
	// ActionComplete - the transfer finished; the session is dead.
	ActionComplete
	// ActionFailed - the device reported Status; the session is dead.
	// Recovery (CLRSTATUS) is a separate, explicit caller action.
	ActionFailed
)

type Action struct {
	Kind   ActionKind
	Chunk  []byte
	Length int
	Wait   time.Duration
	Status dfu.Status
}

var (
	ErrWrongState  = errors.New("wrong device state")
	ErrNotCapable  = errors.New("descriptor does not declare the capability")
	errDeadSession = errors.New("transfer session already finished")
)

type transferPhase int

const (
	phaseSend transferPhase = iota
	phaseSync
	phaseWait
	phaseDone
	phaseFailed
)

// TransferSession drives one download or upload. Exactly one may be
// active per device; it is destroyed on completion, abort or error.
type TransferSession struct {
	mode    TransferMode
	machine *Machine
	chunk   int

	block     uint16 // wValue of the next DNLOAD/UPLOAD; wraps
	remaining []byte // download: data not yet sent
	collected []byte // upload: data received so far
	sentFinal bool   // the zero-length DNLOAD went out

	phase     transferPhase
	wait      time.Duration
	afterWait transferPhase
	failure   dfu.Status
}

func beginDownload(m *Machine, desc *dfu.FunctionalDescriptor, firmware []byte) (*TransferSession, error) {
	if m.State() != dfu.DfuIdle {
		return nil, fmt.Errorf("%w: download needs dfuIDLE, device is %v", ErrWrongState, m.State())
	}
	if !desc.Attributes.Has(dfu.CanDownload) {
		return nil, fmt.Errorf("%w: bitCanDnload is clear", ErrNotCapable)
	}
	if len(firmware) == 0 {
		return nil, errors.New("empty firmware image")
	}
	return &TransferSession{
		mode:      ModeDownload,
		machine:   m,
		chunk:     int(desc.TransferSize),
		remaining: firmware,
		phase:     phaseSend,
	}, nil
}

func beginUpload(m *Machine, desc *dfu.FunctionalDescriptor) (*TransferSession, error) {
	if m.State() != dfu.DfuIdle {
		return nil, fmt.Errorf("%w: upload needs dfuIDLE, device is %v", ErrWrongState, m.State())
	}
	if !desc.Attributes.Has(dfu.CanUpload) {
		return nil, fmt.Errorf("%w: bitCanUpload is clear", ErrNotCapable)
	}
	return &TransferSession{
		mode:    ModeUpload,
		machine: m,
		chunk:   int(desc.TransferSize),
		phase:   phaseSend,
	}, nil
}

// Block is the wValue for the block the next Send action refers to.
func (s *TransferSession) Block() uint16 {
	return s.block
}

// Collected is the uploaded image. Valid once the session completed.
func (s *TransferSession) Collected() []byte {
	return s.collected
}

// Next reports the action the caller owes the device. It does not
// advance the session; calling it twice yields the same action.
func (s *TransferSession) Next() Action {
	switch s.phase {
	case phaseSend:
		if s.mode == ModeUpload {
			return Action{Kind: ActionSendUpload, Length: s.chunk}
		}
		n := len(s.remaining)
		if n > s.chunk {
			n = s.chunk
		}
		return Action{Kind: ActionSendDnload, Chunk: s.remaining[:n]}
	case phaseSync:
		return Action{Kind: ActionSendGetStatus}
	case phaseWait:
		return Action{Kind: ActionWait, Wait: s.wait}
	case phaseFailed:
		return Action{Kind: ActionFailed, Status: s.failure}
	}
	return Action{Kind: ActionComplete}
}

// AckSent records that the pending DNLOAD block went out on the wire.
func (s *TransferSession) AckSent() error {
	if s.phase != phaseSend || s.mode != ModeDownload {
		return errDeadSession
	}
	n := len(s.remaining)
	if n > s.chunk {
		n = s.chunk
	}
	if err := s.machine.Apply(RequestEvent(dfu.Dnload, n)); err != nil {
		s.phase = phaseFailed
		return err
	}
	if n == 0 {
		s.sentFinal = true
	}
	s.remaining = s.remaining[n:]
	s.block++
	s.phase = phaseSync
	return nil
}

// Waited records that the caller slept out the pending poll timeout.
func (s *TransferSession) Waited() error {
	if s.phase != phaseWait {
		return errDeadSession
	}
	if s.afterWait == phaseDone {
		// manifestation-intolerant device timing out its manifest
		// phase; it will not answer further requests
		if err := s.machine.Apply(TimeoutEvent()); err != nil {
			s.phase = phaseFailed
			return err
		}
	}
	s.phase = s.afterWait
	return nil
}

// ObserveStatus feeds a GETSTATUS reply into the session.
//
// A device-reported error does not return an error here: it parks the
// session in ActionFailed so the caller sees the failure through the
// step loop. Protocol violations (states the table does not reach)
// do return an error.
func (s *TransferSession) ObserveStatus(ds *dfu.DeviceStatus) error {
	if s.phase != phaseSync {
		return errDeadSession
	}
	if err := s.machine.Apply(RequestEvent(dfu.GetStatus, 0)); err != nil {
		s.phase = phaseFailed
		return err
	}
	if err := s.machine.Apply(StatusEvent(ds)); err != nil {
		s.phase = phaseFailed
		return err
	}
	if ds.Status != dfu.StatusOK {
		s.phase = phaseFailed
		s.failure = ds.Status
		return nil
	}

	switch s.machine.State() {
	case dfu.DfuDnBusy:
		// block-level idempotence: only the phase cycles here,
		// block number and remaining data stay put
		s.wait = ds.PollDuration()
		s.afterWait = phaseSync
		s.phase = phaseWait
	case dfu.DfuDnloadIdle:
		s.phase = phaseSend
	case dfu.DfuManifest:
		s.wait = ds.PollDuration()
		if s.machine.Attributes().Has(dfu.ManifestationTolerant) {
			s.afterWait = phaseSync
		} else {
			s.afterWait = phaseDone
		}
		s.phase = phaseWait
	case dfu.DfuManifestWaitReset:
		s.phase = phaseDone
	case dfu.DfuIdle:
		// tolerant manifestation finished, ready for another cycle
		s.phase = phaseDone
	case dfu.DfuUploadIdle:
		s.phase = phaseSend
	default:
		s.phase = phaseFailed
		return fmt.Errorf("unexpected state %v after status", s.machine.State())
	}
	return nil
}

// ObserveUpload feeds an UPLOAD reply into the session. A block
// shorter than the negotiated transfer size ends the upload.
func (s *TransferSession) ObserveUpload(b []byte) error {
	if s.phase != phaseSend || s.mode != ModeUpload {
		return errDeadSession
	}
	if err := s.machine.Apply(RequestEvent(dfu.Upload, 0)); err != nil {
		s.phase = phaseFailed
		return err
	}
	s.collected = append(s.collected, b...)
	s.block++
	if len(b) < s.chunk {
		if err := s.machine.Apply(ShortFrameEvent()); err != nil {
			s.phase = phaseFailed
			return err
		}
		s.phase = phaseDone
		return nil
	}
	// learn the next poll timeout before the next block
	s.phase = phaseSync
	return nil
}

// Cancel tears the session down, as if an ABORT had been
// acknowledged. The caller is responsible for actually sending the
// ABORT where the state machine permits one.
func (s *TransferSession) Cancel() {
	if s.machine.Permits(RequestEvent(dfu.Abort, 0)) {
		// ignore the error, Permits just said it cannot happen
		_ = s.machine.Apply(RequestEvent(dfu.Abort, 0))
	}
	s.phase = phaseDone
	s.remaining = nil
	s.collected = nil
}

// Done reports whether the session reached a terminal phase.
func (s *TransferSession) Done() bool {
	return s.phase == phaseDone || s.phase == phaseFailed
}
