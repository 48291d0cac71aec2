package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/MeneDev/scard-reader-service/apdu"
	"github.com/MeneDev/scard-reader-service/crashreport"
	"github.com/MeneDev/scard-reader-service/libnfc"
	"github.com/MeneDev/scard-reader-service/pcsc"
	"github.com/MeneDev/scard-reader-service/plugin"
	"github.com/MeneDev/scard-reader-service/service"
	"github.com/MeneDev/scard-reader-service/stub"
	"github.com/getsentry/sentry-go"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			evt := log.Error()

			switch v := r.(type) {
			case string:
				evt.Str("error", v)
			case error:
				evt.Err(v)
			default:
				evt.Str("error", fmt.Sprintf("%v", v))
			}

			evt.Msg("panicked")
		}
	}()

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		NoColor:    true,
		TimeFormat: "2006/01/02 15:04:05", // mimic golang log output
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var opts Options
	_, err := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash).Parse()
	if opts.ShowVersion {
		showVersion()
		os.Exit(0)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("cannot parse flags")
	}

	if opts.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	reporter, err := crashreport.New(sentry.ClientOptions{
		Dsn:              opts.Sentry,
		Release:          "cardmon@" + Version,
		AttachStacktrace: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("crash reporting disabled")
		reporter = crashreport.Disabled()
	}
	defer reporter.Flush(2 * time.Second)
	defer reporter.Recover("cardmon")

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		log.Debug().Msg("Canceling root context")
		cancel()
	}()

	registry := service.NewRegistry(&plugin.Config{MonitoringCycle: opts.MonitoringCycle})
	defer registry.Shutdown()

	driver := newDriver(opts)
	p, err := registry.RegisterPlugin(driver)
	if err != nil {
		log.Error().Err(err).Str("plugin", opts.Plugin).Msg("cannot register plugin")
		return
	}

	monitor, err := newCardMonitor(registry, reporter, opts)
	if err != nil {
		log.Error().Err(err).Msg("invalid options")
		return
	}
	if err := monitor.watchPlugin(p, reporter); err != nil {
		log.Error().Err(err).Msg("cannot observe plugin")
		return
	}

	if rescanner, ok := p.(*plugin.ObservableLocalPlugin); ok {
		watchHotplug(ctx, rescanner)
		if pcscDriver, ok := driver.(*pcsc.Plugin); ok {
			readerMon := pcsc.ReaderMonNew(ctx, pcscDriver)
			go func() {
				for range readerMon.ChangeChannel() {
					rescanner.Rescan()
				}
			}()
		}
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt)

	select {
	case <-ctx.Done():
		log.Debug().Msg("Context.Done()")
	case <-interruptChan:
		log.Info().Msg("Received Interrupt, shutting down")
	}
}

func newDriver(opts Options) interface{} {
	switch opts.Plugin {
	case "libnfc":
		config := libnfc.DefaultConfig()
		config.MonitoringCycle = opts.MonitoringCycle
		return libnfc.NewPlugin(config)
	case "stub":
		return newDemoDriver(opts)
	}

	config := pcsc.DefaultConfig()
	config.MonitoringCycle = opts.MonitoringCycle
	return pcsc.NewPlugin(config)
}

// newDemoDriver serves a single virtual reader holding a card that answers
// the selection of every configured AID.
func newDemoDriver(opts Options) *stub.Plugin {
	demoCard := stub.NewCard("3B8880010000000000718100F9", opts.Protocol)
	for _, aid := range opts.Aids {
		demoCard.SetResponse(selectCommand(aid), "6F009000")
	}
	driver := stub.NewPlugin("StubPlugin", opts.MonitoringCycle, nil)
	driver.PlugReader(stub.NewPollingReader("Stub Reader", 0, stub.WithContactless(true), stub.WithCard(demoCard)))
	return driver
}

// selectCommand returns the SELECT APDU for aidHex as the readers send it,
// or an empty string when aidHex is no valid AID.
func selectCommand(aidHex string) string {
	aid, err := apdu.FromHex(aidHex)
	if err != nil {
		return ""
	}
	cmd, err := apdu.SelectApplication(aid, 0x00)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(cmd)
}
