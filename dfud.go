package main

import (
	"fmt"

	"github.com/usbdfu/dfud-go/core"
	"github.com/usbdfu/dfud-go/server"
	"github.com/usbdfu/dfud-go/usb"
)

const version = "0.1.0"

func main() {
	options := parseFlags()

	if options.versionFlag {
		fmt.Printf("dfud version %s\n", version)
		return
	}

	stderrWriter, stderrLogger, shortMemoryWriter, longMemoryWriter := initLoggers(
		options.logfile, options.verbose,
	)

	stderrLogger.Print("dfud is starting.")

	var buses []core.Bus

	if options.withusb {
		longMemoryWriter.Println("main - initing libusb")
		b, err := usb.InitLibUSB(longMemoryWriter, options.detach)
		if err != nil {
			stderrLogger.Fatalf("libusb: %s", err)
		}
		defer b.Close()
		buses = append(buses, b)
	}

	longMemoryWriter.Println(fmt.Sprintf("main - UDP port count - %d", len(options.ports)))

	if len(options.ports) > 0 {
		e, err := usb.InitUDP(options.ports, longMemoryWriter)
		if err != nil {
			stderrLogger.Fatalf("udp: %s", err)
		}
		buses = append(buses, e)
	}

	if len(buses) == 0 {
		stderrLogger.Fatalf("no transports enabled")
	}

	b := usb.Init(buses...)
	c := core.New(b, uint16(options.iface), longMemoryWriter)

	longMemoryWriter.Println("main - creating HTTP server")
	s, err := server.New(c, stderrWriter, shortMemoryWriter, longMemoryWriter, version)
	if err != nil {
		stderrLogger.Fatalf("https: %s", err)
	}

	longMemoryWriter.Println("main - running HTTP server")
	err = s.Run()
	if err != nil {
		stderrLogger.Fatalf("https: %s", err)
	}

	longMemoryWriter.Println("main - ended successfully")
}
