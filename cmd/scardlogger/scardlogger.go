package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/MeneDev/scard-reader-service/crashreport"
	"github.com/MeneDev/scard-reader-service/pcsc"
	"github.com/MeneDev/scard-reader-service/plugin"
	"github.com/MeneDev/scard-reader-service/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type readerLogger struct{}

func (readerLogger) OnPluginEvent(event plugin.PluginEvent) {
	log.Info().Stringer("event", event.Type).Strs("readers", event.ReaderNames).Msg("PC/SC readers changed")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := service.NewRegistry(nil)
	defer registry.Shutdown()

	driver := pcsc.NewPlugin(pcsc.DefaultConfig())
	p, err := registry.RegisterPlugin(driver)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot connect to the PC/SC service")
	}
	log.Info().Strs("readers", p.ReaderNames()).Msg("PC/SC readers present")

	observable := p.(*plugin.ObservableLocalPlugin)
	if err := observable.SetPluginObservationExceptionHandler(crashreport.Disabled()); err != nil {
		log.Fatal().Err(err).Msg("cannot observe readers")
	}
	if err := observable.AddObserver(readerLogger{}); err != nil {
		log.Fatal().Err(err).Msg("cannot observe readers")
	}

	readerMon := pcsc.ReaderMonNew(ctx, driver)
	go func() {
		for range readerMon.ChangeChannel() {
			observable.Rescan()
		}
	}()

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt)
	<-interruptChan
}
