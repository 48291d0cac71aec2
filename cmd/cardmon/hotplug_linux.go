package main

import (
	"context"

	"github.com/MeneDev/scard-reader-service/hotplug"
	"github.com/rs/zerolog/log"
)

// watchHotplug rescans r whenever a USB device comes or goes.
func watchHotplug(ctx context.Context, r hotplug.Rescanner) {
	monitor, err := hotplug.UsbDeviceMonitorNew(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("USB hotplug detection unavailable, relying on polling")
		return
	}
	events, err := monitor.Monitor()
	if err != nil {
		log.Warn().Err(err).Msg("USB hotplug detection unavailable, relying on polling")
		monitor.Close()
		return
	}

	go func() {
		defer monitor.Close()
		hotplug.Forward(ctx, events, nil, r)
	}()
}
