package usb

import (
	"errors"

	"github.com/usbdfu/dfud-go/core"
)

var (
	ErrNotFound = errors.New("device not found")
)

// USB multiplexes several buses behind the single core.Bus the engine
// wants; a path belongs to whichever bus claims it.
type USB struct {
	buses []core.Bus
}

func Init(buses ...core.Bus) *USB {
	return &USB{
		buses: buses,
	}
}

func (b *USB) Has(path string) bool {
	for _, b := range b.buses {
		if b.Has(path) {
			return true
		}
	}
	return false
}

func (b *USB) Connect(path string) (core.Transport, error) {
	for _, b := range b.buses {
		if b.Has(path) {
			return b.Connect(path)
		}
	}
	return nil, ErrNotFound
}

var errClosedDevice = errors.New("closed device")
var errEndpointStall = errors.New("endpoint stalled")
