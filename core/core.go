package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usbdfu/dfud-go/dfu"
	"github.com/usbdfu/dfud-go/memorywriter"
	"github.com/usbdfu/dfud-go/types"
)

// Package with the "core logic" of driving DFU transfers
// and dealing with sessions, mutexes, ...
//
// USB package is not imported - the transports use cgo and take long
// to build, so this package works against abstract interfaces and the
// transports are implemented in the usb package.

// Transport is the control-transfer primitive the engine runs on.
// The engine never opens, enumerates or resets the USB connection
// itself; it hands over the request parameters and expects the raw
// data stage back (nil for host-to-device requests).
type Transport interface {
	SubmitControlTransfer(req dfu.ControlRequest, data []byte) ([]byte, error)
	Close(disconnected bool) error
}

// Bus connects to devices by path. Discovery is out of scope here;
// callers name the device they want.
type Bus interface {
	Connect(path string) (Transport, error)
	Has(path string) bool
}

type session struct {
	path    string
	id      string
	dev     Transport
	desc    *dfu.FunctionalDescriptor
	machine *Machine
	call    int32 // atomic
}

type Core struct {
	bus Bus

	sessions      map[string]*session
	sessionsMutex sync.Mutex // for atomic access to sessions

	iface uint16 // DFU interface number, goes into wIndex

	log *memorywriter.MemoryWriter
}

var (
	ErrWrongPrevSession = errors.New("wrong previous session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrOtherCall        = errors.New("other call in progress")
)

// DeviceError is a non-OK status the device reported. It ends the
// transfer; clearing it (CLRSTATUS) is an explicit caller action.
type DeviceError struct {
	Status dfu.Status
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported %v", e.Status)
}

func New(bus Bus, iface uint16, log *memorywriter.MemoryWriter) *Core {
	return &Core{
		bus:      bus,
		sessions: make(map[string]*session),
		iface:    iface,
		log:      log,
	}
}

func (c *Core) Log(s string) {
	c.log.Println("core - " + s)
}

func (c *Core) findPrevSession(path string) string {
	// note - sessionsMutex must be locked before entering this
	for _, ss := range c.sessions {
		if ss.path == path {
			return ss.id
		}
	}
	return ""
}

// Acquire connects to a device, reads its DFU functional descriptor
// and initial state, and opens a session. A session already open on
// the same path must be named in prev, or the acquire fails.
func (c *Core) Acquire(path, prev string) (string, error) {
	c.Log("acquire - locking sessionsMutex")
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	c.Log(fmt.Sprintf("acquire - input path %s prev %s", path, prev))

	prevSession := c.findPrevSession(path)
	if prevSession != prev {
		return "", ErrWrongPrevSession
	}

	if prev != "" {
		c.Log("acquire - releasing previous")
		err := c.release(prev, false)
		if err != nil {
			return "", err
		}
	}

	c.Log("acquire - trying to connect")
	dev, err := c.tryConnect(path)
	if err != nil {
		return "", err
	}

	desc, err := c.fetchFunctional(dev)
	if err != nil {
		_ = dev.Close(false)
		return "", err
	}
	c.Log(fmt.Sprintf("acquire - descriptor attrs 0x%02x transfer size %d", uint8(desc.Attributes), desc.TransferSize))

	state, err := c.fetchState(dev)
	if err != nil {
		_ = dev.Close(false)
		return "", err
	}
	c.Log(fmt.Sprintf("acquire - device state %v", state))

	id := c.newSession()
	sess := &session{
		path:    path,
		id:      id,
		dev:     dev,
		desc:    desc,
		machine: NewMachine(state, desc.Attributes),
	}

	c.Log(fmt.Sprintf("acquire - new session is %s", id))
	c.sessions[id] = sess
	return id, nil
}

// Bad timing after a device re-enumerates can produce an error on
// bus.Connect. Try 3 times with a 100ms delay.
func (c *Core) tryConnect(path string) (Transport, error) {
	tries := 0
	for {
		c.Log(fmt.Sprintf("tryConnect - try number %d", tries))
		dev, err := c.bus.Connect(path)
		if err != nil {
			if tries < 3 {
				c.Log("tryConnect - sleeping")
				tries++
				time.Sleep(100 * time.Millisecond)
			} else {
				c.Log("tryConnect - too many times, exiting")
				return nil, err
			}
		} else {
			return dev, nil
		}
	}
}

var latestSessionID = 0

func (c *Core) newSession() string {
	latestSessionID++
	return strconv.Itoa(latestSessionID)
}

func (c *Core) Release(session string) error {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()
	return c.release(session, false)
}

func (c *Core) release(session string, disconnected bool) error {
	c.Log(fmt.Sprintf("inner release - session %s", session))
	acquired := c.sessions[session]
	if acquired == nil {
		c.Log("inner release - session not found")
		return ErrSessionNotFound
	}
	delete(c.sessions, session)

	c.Log("inner release - transport close")
	return acquired.dev.Close(disconnected)
}

// Sessions lists open sessions for the status page.
func (c *Core) Sessions() []types.SessionEntry {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	entries := make([]types.SessionEntry, 0, len(c.sessions))
	for _, ss := range c.sessions {
		entries = append(entries, types.SessionEntry{
			Path:    ss.path,
			Session: ss.id,
			State:   ss.machine.State().String(),
		})
	}
	return entries
}

// acquireCall looks the session up and takes its call guard; only
// one call may run against a device at a time.
func (c *Core) acquireCall(session string) (*session, func(), error) {
	c.sessionsMutex.Lock()
	acquired := c.sessions[session]
	c.sessionsMutex.Unlock()

	if acquired == nil {
		return nil, nil, ErrSessionNotFound
	}
	if !atomic.CompareAndSwapInt32(&acquired.call, 0, 1) {
		return nil, nil, ErrOtherCall
	}
	return acquired, func() {
		atomic.StoreInt32(&acquired.call, 0)
	}, nil
}

// Descriptor returns the functional descriptor cached at Acquire.
func (c *Core) Descriptor(session string) (*dfu.FunctionalDescriptor, error) {
	s, done, err := c.acquireCall(session)
	if err != nil {
		return nil, err
	}
	defer done()
	d := *s.desc
	return &d, nil
}

// Status issues GETSTATUS and feeds the reply through the machine.
func (c *Core) Status(session string) (*dfu.DeviceStatus, error) {
	s, done, err := c.acquireCall(session)
	if err != nil {
		return nil, err
	}
	defer done()
	return c.getStatus(s)
}

func (c *Core) getStatus(s *session) (*dfu.DeviceStatus, error) {
	if err := s.machine.Apply(RequestEvent(dfu.GetStatus, 0)); err != nil {
		return nil, err
	}
	b, err := s.dev.SubmitControlTransfer(dfu.GetStatusRequest(c.iface), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	ds, err := dfu.DecodeDeviceStatus(b)
	if err != nil {
		return nil, err
	}
	if err := s.machine.Apply(StatusEvent(ds)); err != nil {
		return nil, err
	}
	return ds, nil
}

// State issues GETSTATE.
func (c *Core) State(session string) (dfu.State, error) {
	s, done, err := c.acquireCall(session)
	if err != nil {
		return 0, err
	}
	defer done()

	if err := s.machine.Apply(RequestEvent(dfu.GetState, 0)); err != nil {
		return 0, err
	}
	return c.fetchState(s.dev)
}

// ClearStatus issues CLRSTATUS; valid only in dfuERROR.
func (c *Core) ClearStatus(sessionID string) error {
	return c.simpleRequest(sessionID, func(s *session) (dfu.ControlRequest, Event) {
		return dfu.ClearStatusRequest(c.iface), RequestEvent(dfu.ClrStatus, 0)
	})
}

// Abort issues ABORT, returning the device to dfuIDLE without
// completing the transfer.
func (c *Core) Abort(sessionID string) error {
	return c.simpleRequest(sessionID, func(s *session) (dfu.ControlRequest, Event) {
		return dfu.AbortRequest(c.iface), RequestEvent(dfu.Abort, 0)
	})
}

// Detach asks an application-mode device to re-enumerate into DFU
// mode. Detecting the re-enumeration is the caller's job; the old
// session stays bound to the runtime device and should be released.
func (c *Core) Detach(sessionID string, timeout uint16) error {
	return c.simpleRequest(sessionID, func(s *session) (dfu.ControlRequest, Event) {
		return dfu.DetachRequest(c.iface, timeout), RequestEvent(dfu.Detach, 0)
	})
}

func (c *Core) simpleRequest(sessionID string, build func(*session) (dfu.ControlRequest, Event)) error {
	s, done, err := c.acquireCall(sessionID)
	if err != nil {
		return err
	}
	defer done()

	req, ev := build(s)
	c.Log(fmt.Sprintf("request - %v in state %v", req.Request, s.machine.State()))
	// validate first, advance only once the device has seen the
	// request; a transport failure must not desync the machine
	if _, err := Transition(s.machine.State(), s.machine.Attributes(), ev); err != nil {
		return err
	}
	if _, err := s.dev.SubmitControlTransfer(req, nil); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return s.machine.Apply(ev)
}

// Download writes the firmware image to the device and drives the
// manifestation sequence. The context cancels between steps; a
// cancel is treated as a caller abort.
func (c *Core) Download(ctx context.Context, session string, firmware []byte) error {
	c.Log(fmt.Sprintf("download - start, %d bytes", len(firmware)))
	s, done, err := c.acquireCall(session)
	if err != nil {
		return err
	}
	defer done()

	ts, err := beginDownload(s.machine, s.desc, firmware)
	if err != nil {
		return err
	}
	return c.run(ctx, s, ts)
}

// Upload reads the firmware image out of the device.
func (c *Core) Upload(ctx context.Context, session string) ([]byte, error) {
	c.Log("upload - start")
	s, done, err := c.acquireCall(session)
	if err != nil {
		return nil, err
	}
	defer done()

	ts, err := beginUpload(s.machine, s.desc)
	if err != nil {
		return nil, err
	}
	if err := c.run(ctx, s, ts); err != nil {
		return nil, err
	}
	return ts.Collected(), nil
}

// run is the I/O loop around the step engine: it performs the action
// the session asks for and feeds the outcome back, until the session
// dies.
func (c *Core) run(ctx context.Context, s *session, ts *TransferSession) error {
	for {
		select {
		case <-ctx.Done():
			c.cancel(s, ts)
			return ctx.Err()
		default:
		}

		a := ts.Next()
		switch a.Kind {
		case ActionSendDnload:
			c.Log(fmt.Sprintf("download - block %d, %d bytes", ts.Block(), len(a.Chunk)))
			req := dfu.DownloadRequest(c.iface, ts.Block(), len(a.Chunk))
			if _, err := s.dev.SubmitControlTransfer(req, a.Chunk); err != nil {
				return fmt.Errorf("transport: %w", err)
			}
			if err := ts.AckSent(); err != nil {
				return err
			}

		case ActionSendUpload:
			c.Log(fmt.Sprintf("upload - block %d", ts.Block()))
			req := dfu.UploadRequest(c.iface, ts.Block(), a.Length)
			b, err := s.dev.SubmitControlTransfer(req, nil)
			if err != nil {
				return fmt.Errorf("transport: %w", err)
			}
			if err := ts.ObserveUpload(b); err != nil {
				return err
			}

		case ActionSendGetStatus:
			b, err := s.dev.SubmitControlTransfer(dfu.GetStatusRequest(c.iface), nil)
			if err != nil {
				return fmt.Errorf("transport: %w", err)
			}
			ds, err := dfu.DecodeDeviceStatus(b)
			if err != nil {
				return err
			}
			if err := ts.ObserveStatus(ds); err != nil {
				return err
			}

		case ActionWait:
			c.Log(fmt.Sprintf("transfer - waiting %v", a.Wait))
			select {
			case <-ctx.Done():
				c.cancel(s, ts)
				return ctx.Err()
			case <-time.After(a.Wait):
			}
			if err := ts.Waited(); err != nil {
				return err
			}

		case ActionComplete:
			c.Log("transfer - complete")
			return nil

		case ActionFailed:
			c.Log(fmt.Sprintf("transfer - device reported %v", a.Status))
			return &DeviceError{Status: a.Status}
		}
	}
}

// cancel maps a context cancellation to an ABORT where the machine
// permits one; errors are only logged, the session dies either way.
func (c *Core) cancel(s *session, ts *TransferSession) {
	c.Log("transfer - canceled by caller")
	abortable := s.machine.Permits(RequestEvent(dfu.Abort, 0))
	ts.Cancel()
	if abortable {
		if _, err := s.dev.SubmitControlTransfer(dfu.AbortRequest(c.iface), nil); err != nil {
			c.Log(fmt.Sprintf("transfer - abort failed: %s", err))
		}
	}
}

// descriptor header is enough to learn wTotalLength
const configHeaderSize = 9

// fetchFunctional reads the active configuration descriptor through
// the transport and digs the DFU functional descriptor out of it.
func (c *Core) fetchFunctional(dev Transport) (*dfu.FunctionalDescriptor, error) {
	head, err := dev.SubmitControlTransfer(dfu.GetConfigDescriptorRequest(configHeaderSize), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if len(head) < 4 {
		return nil, fmt.Errorf("%w: config descriptor header is %d bytes", dfu.ErrTruncatedResponse, len(head))
	}
	total := binary.LittleEndian.Uint16(head[2:4])
	if total < configHeaderSize {
		return nil, fmt.Errorf("%w: wTotalLength %d", dfu.ErrMalformedDescriptor, total)
	}

	full, err := dev.SubmitControlTransfer(dfu.GetConfigDescriptorRequest(total), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return dfu.FindFunctional(full)
}

func (c *Core) fetchState(dev Transport) (dfu.State, error) {
	b, err := dev.SubmitControlTransfer(dfu.GetStateRequest(c.iface), nil)
	if err != nil {
		return 0, fmt.Errorf("transport: %w", err)
	}
	return dfu.DecodeState(b)
}
