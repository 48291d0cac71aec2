//go:build linux

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/MeneDev/scard-reader-service/hotplug"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	monitor, err := hotplug.UsbDeviceMonitorNew(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot monitor USB devices")
	}
	defer monitor.Close()

	events, err := monitor.Monitor()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot monitor USB devices")
	}

	for e := range events {
		log.Info().
			Str("device", e.Device.ID()).
			Str("vendor", e.Device.Vendor.String()).
			Str("product", e.Device.Product.String()).
			Stringer("presence", e.Presence).
			Msg("USB device")
	}
}
