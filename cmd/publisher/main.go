//go:build !no_serial
// +build !no_serial

package main

import (
	"flag"
	"time"

	"github.com/tarm/serial"

	"github.com/iotpulse/internal/devicesim"
)

func main() {
	f := commonFlags()
	port := flag.String("port", "/dev/ttyUSB0", "serial port of the detector")
	baud := flag.Int("baud", 9600, "serial baud rate")
	flag.Parse()

	ctx, stop := signalContext()
	defer stop()

	dev, err := connect(ctx, f)
	if err != nil {
		fatal(err)
	}
	defer dev.client.Close()

	sampler := devicesim.NewSampler(f.deviceID, f.diskPath, dev.log)

	if f.sim {
		frames := devicesim.NewSimulator(uint64(time.Now().UnixNano()), f.minConf).Stream(ctx, f.capture)
		if err := dev.pub.Run(ctx, sampler, frames); err != nil {
			fatal(err)
		}
		return
	}

	s, err := serial.OpenPort(&serial.Config{Name: *port, Baud: *baud})
	if err != nil {
		fatal(err)
	}
	defer s.Close()
	dev.log.Info().Str("port", *port).Int("baud", *baud).Msg("reading detector")

	frames := devicesim.ScanDetector(ctx, s, f.minConf, dev.log)
	if err := dev.pub.Run(ctx, sampler, frames); err != nil {
		fatal(err)
	}
}
