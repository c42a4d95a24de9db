package dfu

import (
	"errors"
	"testing"
)

func TestParseFunctionalShort(t *testing.T) {
	d, err := ParseFunctional([]byte{0x07, 0x21, 0x01, 0xFF, 0x00, 0x40, 0x00})
	if err != nil {
		t.Fatalf("ParseFunctional failed: %v", err)
	}
	if d.Length != 7 || d.DescriptorType != FunctionalDescriptorType {
		t.Errorf("wrong header: %+v", d)
	}
	if d.Attributes != CanDownload {
		t.Errorf("attributes: expected 0x01, got 0x%02x", uint8(d.Attributes))
	}
	if d.DetachTimeout != 255 {
		t.Errorf("detach timeout: expected 255, got %d", d.DetachTimeout)
	}
	if d.TransferSize != 64 {
		t.Errorf("transfer size: expected 64, got %d", d.TransferSize)
	}
	if d.Version != nil {
		t.Errorf("version: expected nil for 7-byte descriptor, got 0x%04x", *d.Version)
	}
}

func TestParseFunctionalLong(t *testing.T) {
	d, err := ParseFunctional([]byte{0x09, 0x21, 0x0B, 0x00, 0x01, 0x00, 0x04, 0x00, 0x01})
	if err != nil {
		t.Fatalf("ParseFunctional failed: %v", err)
	}
	if !d.Attributes.Has(CanDownload) || !d.Attributes.Has(CanUpload) || !d.Attributes.Has(WillDetach) {
		t.Errorf("attributes: got 0x%02x", uint8(d.Attributes))
	}
	if d.Attributes.Has(ManifestationTolerant) {
		t.Errorf("attributes: tolerant bit should be clear, got 0x%02x", uint8(d.Attributes))
	}
	if d.DetachTimeout != 256 {
		t.Errorf("detach timeout: expected 256, got %d", d.DetachTimeout)
	}
	if d.TransferSize != 1024 {
		t.Errorf("transfer size: expected 1024, got %d", d.TransferSize)
	}
	if d.Version == nil || *d.Version != 0x0100 {
		t.Errorf("version: expected 0x0100, got %v", d.Version)
	}
}

func TestParseFunctionalMalformed(t *testing.T) {
	testcases := [][]byte{
		// too short to carry a header
		{0x07},
		// bLength neither 7 nor 9
		{0x08, 0x21, 0x01, 0xFF, 0x00, 0x40, 0x00, 0x00},
		// wrong descriptor type
		{0x07, 0x22, 0x01, 0xFF, 0x00, 0x40, 0x00},
		// buffer shorter than bLength
		{0x09, 0x21, 0x01, 0xFF, 0x00, 0x40, 0x00},
		// zero wTransferSize
		{0x07, 0x21, 0x01, 0xFF, 0x00, 0x00, 0x00},
	}
	for _, tc := range testcases {
		if _, err := ParseFunctional(tc); !errors.Is(err, ErrMalformedDescriptor) {
			t.Errorf("ParseFunctional(% x): expected ErrMalformedDescriptor, got %v", tc, err)
		}
	}
}

func TestFindFunctional(t *testing.T) {
	config := []byte{
		// configuration descriptor header
		0x09, 0x02, 0x24, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
		// interface descriptor, DFU class
		0x09, 0x04, 0x00, 0x00, 0x00, 0xFE, 0x01, 0x02, 0x00,
		// DFU functional descriptor
		0x09, 0x21, 0x05, 0xFF, 0x00, 0x00, 0x04, 0x10, 0x01,
	}
	d, err := FindFunctional(config)
	if err != nil {
		t.Fatalf("FindFunctional failed: %v", err)
	}
	if d.TransferSize != 1024 || !d.Attributes.Has(ManifestationTolerant) {
		t.Errorf("wrong descriptor found: %+v", d)
	}
	if d.Version == nil || *d.Version != 0x0110 {
		t.Errorf("version: expected 0x0110, got %v", d.Version)
	}

	_, err = FindFunctional(config[:18])
	if !errors.Is(err, ErrNoFunctional) {
		t.Errorf("expected ErrNoFunctional, got %v", err)
	}

	broken := append([]byte{}, config...)
	broken[9] = 0 // zero-length record breaks the chain
	_, err = FindFunctional(broken)
	if !errors.Is(err, ErrMalformedDescriptor) {
		t.Errorf("expected ErrMalformedDescriptor, got %v", err)
	}
}
