package usb

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"

	"github.com/usbdfu/dfud-go/core"
	"github.com/usbdfu/dfud-go/dfu"
	"github.com/usbdfu/dfud-go/memorywriter"
)

const libusbPrefix = "lib"

// LibUSB reaches real devices through gousb. Paths look like
// "lib1:4", bus number and device address as the kernel assigns them.
type LibUSB struct {
	ctx    *gousb.Context
	mw     *memorywriter.MemoryWriter
	detach bool
}

func InitLibUSB(mw *memorywriter.MemoryWriter, detach bool) (*LibUSB, error) {
	mw.Println("libusb - initing")
	return &LibUSB{
		ctx:    gousb.NewContext(),
		mw:     mw,
		detach: detach,
	}, nil
}

func (b *LibUSB) Close() {
	_ = b.ctx.Close()
}

func parseLibusbPath(path string) (bus, address int, err error) {
	if !strings.HasPrefix(path, libusbPrefix) {
		return 0, 0, ErrNotFound
	}
	parts := strings.SplitN(strings.TrimPrefix(path, libusbPrefix), ":", 2)
	if len(parts) != 2 {
		return 0, 0, ErrNotFound
	}
	bus, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, ErrNotFound
	}
	address, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, ErrNotFound
	}
	return bus, address, nil
}

func (b *LibUSB) Has(path string) bool {
	_, _, err := parseLibusbPath(path)
	return err == nil
}

func (b *LibUSB) Connect(path string) (core.Transport, error) {
	busNum, address, err := parseLibusbPath(path)
	if err != nil {
		return nil, err
	}

	b.mw.Println(fmt.Sprintf("libusb - connecting to bus %d address %d", busNum, address))
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == busNum && desc.Address == address
	})
	// OpenDevices can error on unrelated devices and still return ours
	if len(devs) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}

	if b.detach {
		if err := dev.SetAutoDetach(true); err != nil {
			b.mw.Println("libusb - cannot set auto-detach: " + err.Error())
		}
	}

	return &LibUSBDevice{
		dev: dev,
		mw:  b.mw,
	}, nil
}

type LibUSBDevice struct {
	dev *gousb.Device
	mw  *memorywriter.MemoryWriter

	closed int32 // atomic
	// control transfers are serialized; the engine does this too, but
	// the transport should not rely on it
	transferMutex sync.Mutex
}

func (d *LibUSBDevice) SubmitControlTransfer(req dfu.ControlRequest, data []byte) ([]byte, error) {
	if atomic.LoadInt32(&d.closed) == 1 {
		return nil, errClosedDevice
	}
	d.transferMutex.Lock()
	defer d.transferMutex.Unlock()

	if req.In() {
		buf := make([]byte, req.Length)
		n, err := d.dev.Control(req.RequestType, uint8(req.Request), req.Value, req.Index, buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}

	_, err := d.dev.Control(req.RequestType, uint8(req.Request), req.Value, req.Index, data)
	return nil, err
}

func (d *LibUSBDevice) Close(disconnected bool) error {
	d.mw.Println("libusb - closing")
	atomic.StoreInt32(&d.closed, 1)
	if disconnected {
		// the handle is dead already, closing it can only fail
		_ = d.dev.Close()
		return nil
	}
	return d.dev.Close()
}
