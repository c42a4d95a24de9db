package dfu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FunctionalDescriptorType is the bDescriptorType of the DFU
// functional descriptor found inside a configuration descriptor.
const FunctionalDescriptorType = 0x21

// The descriptor comes in two sizes: 7 bytes (DFU 1.0, no version
// field) and 9 bytes (DFU 1.1, trailing bcdDFUVersion).
const (
	funcDescSizeShort = 7
	funcDescSizeLong  = 9
)

var (
	ErrMalformedDescriptor = errors.New("malformed DFU functional descriptor")
	ErrNoFunctional        = errors.New("no DFU functional descriptor in configuration")
)

// FunctionalDescriptor is the typed form of the DFU functional
// descriptor.
//
// Version is nil for the 7-byte form. It is informational only;
// behavior keys off Attributes, since real devices report 1.0
// semantics in 9-byte descriptors and vice versa.
type FunctionalDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Attributes     Attributes
	DetachTimeout  uint16 // milliseconds
	TransferSize   uint16 // max bytes per DNLOAD/UPLOAD block
	Version        *uint16
}

// ParseFunctional parses a raw DFU functional descriptor.
// Fields are little-endian per the USB spec.
func ParseFunctional(b []byte) (*FunctionalDescriptor, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedDescriptor, len(b))
	}
	length := b[0]
	if length != funcDescSizeShort && length != funcDescSizeLong {
		return nil, fmt.Errorf("%w: bLength %d", ErrMalformedDescriptor, length)
	}
	if b[1] != FunctionalDescriptorType {
		return nil, fmt.Errorf("%w: bDescriptorType 0x%02x", ErrMalformedDescriptor, b[1])
	}
	if len(b) < int(length) {
		return nil, fmt.Errorf("%w: %d bytes for bLength %d", ErrMalformedDescriptor, len(b), length)
	}

	d := &FunctionalDescriptor{
		Length:         length,
		DescriptorType: b[1],
		Attributes:     Attributes(b[2]),
		DetachTimeout:  binary.LittleEndian.Uint16(b[3:5]),
		TransferSize:   binary.LittleEndian.Uint16(b[5:7]),
	}
	if d.TransferSize == 0 {
		return nil, fmt.Errorf("%w: zero wTransferSize", ErrMalformedDescriptor)
	}
	if length == funcDescSizeLong {
		v := binary.LittleEndian.Uint16(b[7:9])
		d.Version = &v
	}
	return d, nil
}

// FindFunctional walks a raw configuration descriptor blob and parses
// the first DFU functional descriptor in it. USB descriptors are a
// flat sequence of (bLength, bDescriptorType, ...) records.
func FindFunctional(config []byte) (*FunctionalDescriptor, error) {
	i := 0
	for i+2 <= len(config) {
		length := int(config[i])
		if length < 2 || i+length > len(config) {
			return nil, fmt.Errorf("%w: descriptor chain broken at offset %d", ErrMalformedDescriptor, i)
		}
		if config[i+1] == FunctionalDescriptorType {
			return ParseFunctional(config[i : i+length])
		}
		i += length
	}
	return nil, ErrNoFunctional
}
