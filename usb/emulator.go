package usb

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/usbdfu/dfud-go/core"
	"github.com/usbdfu/dfud-go/dfu"
	"github.com/usbdfu/dfud-go/memorywriter"
)

const (
	emulatorPrefix  = "emulator"
	emulatorNetwork = "udp"
	emulatorTimeout = 2 * time.Second
)

var (
	emulatorPing = []byte("PINGPING")
	emulatorPong = []byte("PONGPONG")
)

// UDP talks to device emulators listening on localhost UDP ports.
// One datagram per control transfer: the 8-byte setup packet plus the
// host-to-device payload out, one result byte plus the device-to-host
// payload back.
type UDP struct {
	ports []int
	mw    *memorywriter.MemoryWriter
}

func InitUDP(ports []int, mw *memorywriter.MemoryWriter) (*UDP, error) {
	return &UDP{
		ports: ports,
		mw:    mw,
	}, nil
}

func (b *UDP) Has(path string) bool {
	for _, port := range b.ports {
		if emulatorPrefix+strconv.Itoa(port) == path {
			return true
		}
	}
	return false
}

func (b *UDP) Connect(path string) (core.Transport, error) {
	if !b.Has(path) {
		return nil, ErrNotFound
	}
	port := strings.TrimPrefix(path, emulatorPrefix)

	b.mw.Println("emulator - connecting to port " + port)
	conn, err := net.Dial(emulatorNetwork, "127.0.0.1:"+port)
	if err != nil {
		return nil, err
	}

	d := &UDPDevice{
		conn: conn,
		mw:   b.mw,
	}
	if err := d.ping(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return d, nil
}

type UDPDevice struct {
	conn net.Conn
	mw   *memorywriter.MemoryWriter

	closed int32 // atomic
}

// ping checks the emulator is actually listening; UDP connect alone
// succeeds even with nothing on the other side.
func (d *UDPDevice) ping() error {
	if _, err := d.conn.Write(emulatorPing); err != nil {
		return err
	}
	if err := d.conn.SetReadDeadline(time.Now().Add(emulatorTimeout)); err != nil {
		return err
	}
	response := make([]byte, len(emulatorPong))
	if _, err := d.conn.Read(response); err != nil {
		return err
	}
	if !bytes.Equal(response, emulatorPong) {
		return fmt.Errorf("emulator - unexpected ping reply %v", response)
	}
	return nil
}

func (d *UDPDevice) SubmitControlTransfer(req dfu.ControlRequest, data []byte) ([]byte, error) {
	if atomic.LoadInt32(&d.closed) == 1 {
		return nil, errClosedDevice
	}

	d.mw.Println(fmt.Sprintf("emulator - submitting %v", req.Request))
	packet := append(req.Pack(), data...)
	if _, err := d.conn.Write(packet); err != nil {
		return nil, err
	}

	if err := d.conn.SetReadDeadline(time.Now().Add(emulatorTimeout)); err != nil {
		return nil, err
	}
	reply := make([]byte, 1+int(req.Length))
	n, err := d.conn.Read(reply)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("emulator - empty reply")
	}
	if reply[0] != 0 {
		return nil, errEndpointStall
	}
	return reply[1:n], nil
}

func (d *UDPDevice) Close(disconnected bool) error {
	d.mw.Println("emulator - closing")
	atomic.StoreInt32(&d.closed, 1)
	return d.conn.Close()
}
