package dfu

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeDeviceStatus(t *testing.T) {
	ds, err := DecodeDeviceStatus([]byte{0x00, 0x10, 0x00, 0x00, 0x02, 0x00})
	if err != nil {
		t.Fatalf("DecodeDeviceStatus failed: %v", err)
	}
	if ds.Status != StatusOK {
		t.Errorf("status: expected OK, got %v", ds.Status)
	}
	if ds.PollTimeout != 16 {
		t.Errorf("poll timeout: expected 16, got %d", ds.PollTimeout)
	}
	if ds.State != DfuIdle {
		t.Errorf("state: expected dfuIDLE, got %v", ds.State)
	}
	if ds.StringIndex != 0 {
		t.Errorf("string index: expected 0, got %d", ds.StringIndex)
	}
	if ds.PollDuration() != 16*time.Millisecond {
		t.Errorf("poll duration: got %v", ds.PollDuration())
	}
}

func TestDeviceStatusTruncated(t *testing.T) {
	_, err := DecodeDeviceStatus([]byte{0x00, 0x10, 0x00, 0x00, 0x02})
	if !errors.Is(err, ErrTruncatedResponse) {
		t.Errorf("expected ErrTruncatedResponse, got %v", err)
	}
}

func TestDeviceStatusUnrecognized(t *testing.T) {
	var statusErr *UnrecognizedStatusError
	_, err := DecodeDeviceStatus([]byte{0x10, 0x00, 0x00, 0x00, 0x02, 0x00})
	if !errors.As(err, &statusErr) || statusErr.Raw != 0x10 {
		t.Errorf("expected UnrecognizedStatusError{0x10}, got %v", err)
	}

	var stateErr *UnrecognizedStateError
	_, err = DecodeDeviceStatus([]byte{0x00, 0x00, 0x00, 0x00, 0x0B, 0x00})
	if !errors.As(err, &stateErr) || stateErr.Raw != 0x0B {
		t.Errorf("expected UnrecognizedStateError{0x0B}, got %v", err)
	}
}

// Encode must invert DecodeDeviceStatus over the whole 24-bit poll
// timeout range. Boundaries are checked exactly, the rest by stride.
func TestPollTimeoutRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 16, 255, 256, 65535, 65536, 1<<24 - 2, 1<<24 - 1}
	for v := uint32(0); v < 1<<24; v += 4099 {
		values = append(values, v)
	}
	for _, v := range values {
		in := &DeviceStatus{Status: StatusOK, PollTimeout: v, State: DfuDnBusy}
		b, err := in.Encode()
		if err != nil {
			t.Fatalf("Encode(%d) failed: %v", v, err)
		}
		out, err := DecodeDeviceStatus(b)
		if err != nil {
			t.Fatalf("DecodeDeviceStatus(% x) failed: %v", b, err)
		}
		if out.PollTimeout != v {
			t.Fatalf("round trip broke: %d -> %d", v, out.PollTimeout)
		}
	}
}

func TestEncodeOverflow(t *testing.T) {
	ds := &DeviceStatus{PollTimeout: 1 << 24}
	if _, err := ds.Encode(); err == nil {
		t.Errorf("expected error for poll timeout over 24 bits")
	}
}

func TestDecodeState(t *testing.T) {
	s, err := DecodeState([]byte{0x09})
	if err != nil || s != DfuUploadIdle {
		t.Errorf("expected dfuUPLOAD-IDLE, got %v, %v", s, err)
	}

	_, err = DecodeState(nil)
	if !errors.Is(err, ErrTruncatedResponse) {
		t.Errorf("expected ErrTruncatedResponse, got %v", err)
	}

	var stateErr *UnrecognizedStateError
	_, err = DecodeState([]byte{0x42})
	if !errors.As(err, &stateErr) || stateErr.Raw != 0x42 {
		t.Errorf("expected UnrecognizedStateError{0x42}, got %v", err)
	}
}
