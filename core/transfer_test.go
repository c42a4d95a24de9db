package core

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/usbdfu/dfud-go/dfu"
)

func testDescriptor(attrs dfu.Attributes) *dfu.FunctionalDescriptor {
	return &dfu.FunctionalDescriptor{
		Length:         7,
		DescriptorType: dfu.FunctionalDescriptorType,
		Attributes:     attrs,
		DetachTimeout:  255,
		TransferSize:   64,
	}
}

func okStatus(state dfu.State, poll uint32) *dfu.DeviceStatus {
	return &dfu.DeviceStatus{Status: dfu.StatusOK, State: state, PollTimeout: poll}
}

// Walk a download of a 300-byte image with a 64-byte transfer size:
// exactly 5 data blocks (64*4 + 44), one zero-length block, then the
// manifestation sequence.
func TestDownloadBlockSequence(t *testing.T) {
	firmware := make([]byte, 300)
	for i := range firmware {
		firmware[i] = byte(i)
	}

	m := NewMachine(dfu.DfuIdle, dfu.CanDownload|dfu.ManifestationTolerant)
	ts, err := beginDownload(m, testDescriptor(dfu.CanDownload|dfu.ManifestationTolerant), firmware)
	if err != nil {
		t.Fatalf("beginDownload failed: %v", err)
	}

	var blocks [][]byte
	sent := 0
	for i := 0; i < 100 && !ts.Done(); i++ {
		a := ts.Next()
		switch a.Kind {
		case ActionSendDnload:
			if ts.Block() != uint16(len(blocks)) {
				t.Fatalf("block number %d, expected %d", ts.Block(), len(blocks))
			}
			blocks = append(blocks, append([]byte{}, a.Chunk...))
			sent += len(a.Chunk)
			if err := ts.AckSent(); err != nil {
				t.Fatalf("AckSent failed: %v", err)
			}
		case ActionSendGetStatus:
			var reply *dfu.DeviceStatus
			switch m.State() {
			case dfu.DfuDnloadSync:
				reply = okStatus(dfu.DfuDnloadIdle, 0)
			case dfu.DfuManifestSync:
				// tolerant device, ready for another cycle
				reply = okStatus(dfu.DfuIdle, 0)
			default:
				t.Fatalf("unexpected GETSTATUS in %v", m.State())
			}
			if err := ts.ObserveStatus(reply); err != nil {
				t.Fatalf("ObserveStatus failed: %v", err)
			}
		case ActionWait:
			if err := ts.Waited(); err != nil {
				t.Fatalf("Waited failed: %v", err)
			}
		default:
			t.Fatalf("unexpected action %v", a.Kind)
		}
	}

	if ts.Next().Kind != ActionComplete {
		t.Fatalf("transfer did not complete: %v", ts.Next().Kind)
	}
	// 5 data blocks plus the terminating zero-length one
	if len(blocks) != 6 {
		t.Fatalf("sent %d blocks, expected 6", len(blocks))
	}
	for i := 0; i < 4; i++ {
		if len(blocks[i]) != 64 {
			t.Errorf("block %d is %d bytes", i, len(blocks[i]))
		}
	}
	if len(blocks[4]) != 44 {
		t.Errorf("final data block is %d bytes, expected 44", len(blocks[4]))
	}
	if len(blocks[5]) != 0 {
		t.Errorf("terminating block is %d bytes", len(blocks[5]))
	}
	if sent != 300 {
		t.Errorf("sent %d bytes", sent)
	}
	if !bytes.Equal(bytes.Join(blocks, nil), firmware) {
		t.Errorf("reassembled image differs from input")
	}
	if m.State() != dfu.DfuIdle {
		t.Errorf("machine ended in %v", m.State())
	}
}

// An intolerant device walks dfuMANIFEST into WAIT-RESET and the
// session still completes; and completion must not be reported
// before the manifestation resolves.
func TestDownloadIntolerantManifestation(t *testing.T) {
	m := NewMachine(dfu.DfuIdle, dfu.CanDownload)
	ts, err := beginDownload(m, testDescriptor(dfu.CanDownload), make([]byte, 10))
	if err != nil {
		t.Fatalf("beginDownload failed: %v", err)
	}

	// data block
	if err := ts.AckSent(); err != nil {
		t.Fatal(err)
	}
	if err := ts.ObserveStatus(okStatus(dfu.DfuDnloadIdle, 0)); err != nil {
		t.Fatal(err)
	}
	// terminating block
	if a := ts.Next(); a.Kind != ActionSendDnload || len(a.Chunk) != 0 {
		t.Fatalf("expected zero-length DNLOAD, got %+v", a)
	}
	if err := ts.AckSent(); err != nil {
		t.Fatal(err)
	}
	if ts.Done() {
		t.Fatalf("complete before manifestation resolved")
	}
	// manifestation begins
	if err := ts.ObserveStatus(okStatus(dfu.DfuManifest, 500)); err != nil {
		t.Fatal(err)
	}
	a := ts.Next()
	if a.Kind != ActionWait || a.Wait != 500*time.Millisecond {
		t.Fatalf("expected Wait(500ms), got %+v", a)
	}
	if err := ts.Waited(); err != nil {
		t.Fatal(err)
	}
	if ts.Next().Kind != ActionComplete {
		t.Fatalf("expected Complete, got %v", ts.Next().Kind)
	}
	if m.State() != dfu.DfuManifestWaitReset {
		t.Errorf("machine ended in %v", m.State())
	}
}

// Repeated GETSTATUS polls in dfuDNBUSY with identical replies must
// not touch the block counter or the remaining data.
func TestBusyPollIdempotence(t *testing.T) {
	m := NewMachine(dfu.DfuIdle, dfu.CanDownload)
	ts, err := beginDownload(m, testDescriptor(dfu.CanDownload), make([]byte, 128))
	if err != nil {
		t.Fatalf("beginDownload failed: %v", err)
	}
	if err := ts.AckSent(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := ts.ObserveStatus(okStatus(dfu.DfuDnBusy, 10)); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if ts.Block() != 1 {
			t.Fatalf("poll %d moved block to %d", i, ts.Block())
		}
		if len(ts.remaining) != 64 {
			t.Fatalf("poll %d touched remaining data: %d", i, len(ts.remaining))
		}
		if a := ts.Next(); a.Kind != ActionWait || a.Wait != 10*time.Millisecond {
			t.Fatalf("poll %d: expected Wait(10ms), got %+v", i, a)
		}
		if err := ts.Waited(); err != nil {
			t.Fatal(err)
		}
	}

	// programming finishes
	if err := ts.ObserveStatus(okStatus(dfu.DfuDnloadIdle, 0)); err != nil {
		t.Fatal(err)
	}
	if a := ts.Next(); a.Kind != ActionSendDnload || len(a.Chunk) != 64 {
		t.Fatalf("expected next data block, got %+v", a)
	}
}

// errWRITE while busy fails the session, leaves the machine in
// dfuERROR, and CLRSTATUS recovers.
func TestDownloadDeviceError(t *testing.T) {
	m := NewMachine(dfu.DfuIdle, dfu.CanDownload)
	ts, err := beginDownload(m, testDescriptor(dfu.CanDownload), make([]byte, 32))
	if err != nil {
		t.Fatalf("beginDownload failed: %v", err)
	}
	if err := ts.AckSent(); err != nil {
		t.Fatal(err)
	}
	if err := ts.ObserveStatus(okStatus(dfu.DfuDnBusy, 0)); err != nil {
		t.Fatal(err)
	}
	if err := ts.Waited(); err != nil {
		t.Fatal(err)
	}

	reply := &dfu.DeviceStatus{Status: dfu.StatusErrWrite, State: dfu.DfuError}
	if err := ts.ObserveStatus(reply); err != nil {
		t.Fatalf("device error is not a protocol error: %v", err)
	}
	a := ts.Next()
	if a.Kind != ActionFailed || a.Status != dfu.StatusErrWrite {
		t.Fatalf("expected Failed(errWRITE), got %+v", a)
	}
	if m.State() != dfu.DfuError {
		t.Fatalf("machine in %v, expected dfuERROR", m.State())
	}

	// recovery is a separate, explicit step
	if err := m.Apply(RequestEvent(dfu.ClrStatus, 0)); err != nil {
		t.Fatal(err)
	}
	if m.State() != dfu.DfuIdle {
		t.Errorf("after CLRSTATUS: %v", m.State())
	}
}

func TestUploadSession(t *testing.T) {
	m := NewMachine(dfu.DfuIdle, dfu.CanUpload)
	ts, err := beginUpload(m, testDescriptor(dfu.CanUpload))
	if err != nil {
		t.Fatalf("beginUpload failed: %v", err)
	}

	image := make([]byte, 100)
	for i := range image {
		image[i] = byte(0xA0 ^ i)
	}

	// first block: full 64 bytes
	if a := ts.Next(); a.Kind != ActionSendUpload || a.Length != 64 {
		t.Fatalf("expected SendUpload(64), got %+v", a)
	}
	if err := ts.ObserveUpload(image[:64]); err != nil {
		t.Fatal(err)
	}
	if a := ts.Next(); a.Kind != ActionSendGetStatus {
		t.Fatalf("expected GETSTATUS between blocks, got %v", a.Kind)
	}
	if err := ts.ObserveStatus(okStatus(dfu.DfuUploadIdle, 0)); err != nil {
		t.Fatal(err)
	}

	// second block is short and ends the upload
	if err := ts.ObserveUpload(image[64:]); err != nil {
		t.Fatal(err)
	}
	if ts.Next().Kind != ActionComplete {
		t.Fatalf("expected Complete, got %v", ts.Next().Kind)
	}
	if !bytes.Equal(ts.Collected(), image) {
		t.Errorf("collected image differs")
	}
	if m.State() != dfu.DfuIdle {
		t.Errorf("machine ended in %v", m.State())
	}
}

func TestBeginRequiresIdle(t *testing.T) {
	desc := testDescriptor(dfu.CanDownload | dfu.CanUpload)

	m := NewMachine(dfu.DfuError, desc.Attributes)
	if _, err := beginDownload(m, desc, []byte{1}); !errors.Is(err, ErrWrongState) {
		t.Errorf("expected ErrWrongState, got %v", err)
	}
	if _, err := beginUpload(m, desc); !errors.Is(err, ErrWrongState) {
		t.Errorf("expected ErrWrongState, got %v", err)
	}

	m = NewMachine(dfu.DfuIdle, 0)
	if _, err := beginDownload(m, testDescriptor(0), []byte{1}); !errors.Is(err, ErrNotCapable) {
		t.Errorf("expected ErrNotCapable, got %v", err)
	}
	if _, err := beginUpload(m, testDescriptor(0)); !errors.Is(err, ErrNotCapable) {
		t.Errorf("expected ErrNotCapable, got %v", err)
	}
}

func TestCancelTearsDownSession(t *testing.T) {
	m := NewMachine(dfu.DfuIdle, dfu.CanDownload)
	ts, err := beginDownload(m, testDescriptor(dfu.CanDownload), make([]byte, 128))
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.AckSent(); err != nil {
		t.Fatal(err)
	}
	if err := ts.ObserveStatus(okStatus(dfu.DfuDnloadIdle, 0)); err != nil {
		t.Fatal(err)
	}

	ts.Cancel()
	if !ts.Done() {
		t.Errorf("session still alive after cancel")
	}
	if m.State() != dfu.DfuIdle {
		t.Errorf("abort should return to dfuIDLE, machine in %v", m.State())
	}
}
