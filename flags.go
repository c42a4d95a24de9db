package main

import (
	"flag"
	"strconv"
)

type udpPorts []int

func (i *udpPorts) String() string {
	res := ""
	for i, p := range *i {
		if i > 0 {
			res += ","
		}
		res += strconv.Itoa(p)
	}
	return res
}

func (i *udpPorts) Set(value string) error {
	p, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*i = append(*i, p)
	return nil
}

type initOptions struct {
	logfile     string
	ports       udpPorts
	withusb     bool
	detach      bool
	iface       int
	verbose     bool
	versionFlag bool
}

func parseFlags() initOptions {
	var options initOptions
	flag.StringVar(
		&(options.logfile),
		"l",
		"",
		"Log into a file, rotating after 20MB",
	)
	flag.Var(
		&(options.ports),
		"e",
		"Use UDP port for emulator. Can be repeated for more ports. Example: dfud -e 21324 -e 21326",
	)
	flag.BoolVar(
		&(options.withusb),
		"u",
		true,
		"Use USB devices. Can be disabled for testing environments. Example: dfud -e 21324 -u=false",
	)
	flag.BoolVar(
		&(options.detach),
		"d",
		true,
		"Detach kernel drivers from the claimed interface. "+
			"Enabled by default; set to false if another driver should keep the device.",
	)
	flag.IntVar(
		&(options.iface),
		"i",
		0,
		"Interface number of the DFU interface, goes into wIndex of every request",
	)
	flag.BoolVar(
		&(options.verbose),
		"v",
		false,
		"Write verbose logs to either stderr or logfile",
	)
	flag.BoolVar(
		&(options.versionFlag),
		"version",
		false,
		"Write version",
	)
	flag.Parse()
	return options
}
