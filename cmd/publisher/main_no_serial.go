//go:build no_serial
// +build no_serial

package main

import (
	"flag"
	"time"

	"github.com/iotpulse/internal/devicesim"
)

func main() {
	f := commonFlags()
	flag.Parse()

	ctx, stop := signalContext()
	defer stop()

	dev, err := connect(ctx, f)
	if err != nil {
		fatal(err)
	}
	defer dev.client.Close()

	var frames <-chan devicesim.Frame
	if f.sim {
		frames = devicesim.NewSimulator(uint64(time.Now().UnixNano()), f.minConf).Stream(ctx, f.capture)
	}
	if err := dev.pub.Run(ctx, devicesim.NewSampler(f.deviceID, f.diskPath, dev.log), frames); err != nil {
		fatal(err)
	}
}
