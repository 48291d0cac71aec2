package plugin

import (
	"context"
	"time"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/observation"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ObservablePlugin notifies observers of reader connections.
type ObservablePlugin interface {
	Plugin
	SetPluginObservationExceptionHandler(handler ObservationExceptionHandler) error
	AddObserver(observer Observer) error
	RemoveObserver(observer Observer)
	ClearObservers()
	CountObservers() int
}

// pluginObservation is the observer bookkeeping shared by the observable
// plugin flavours.
type pluginObservation struct {
	pluginName string
	manager    *observation.Manager[Observer, ObservationExceptionHandler]
}

func newPluginObservation(pluginName string) pluginObservation {
	return pluginObservation{
		pluginName: pluginName,
		manager:    observation.NewManager[Observer, ObservationExceptionHandler](pluginName),
	}
}

func (o *pluginObservation) SetPluginObservationExceptionHandler(handler ObservationExceptionHandler) error {
	return o.manager.SetExceptionHandler(handler)
}

func (o *pluginObservation) CountObservers() int {
	return o.manager.CountObservers()
}

func (o *pluginObservation) notify(eventType PluginEventType, readerNames []string) {
	event := newPluginEvent(o.pluginName, eventType, readerNames)
	log.Debug().Str("plugin", o.pluginName).Stringer("event", eventType).Strs("readers", event.ReaderNames).Msg("Notifying observers")
	o.manager.Notify(
		func(observer Observer) { observer.OnPluginEvent(event) },
		o.forwardError,
	)
}

func (o *pluginObservation) handleError(err error) {
	o.manager.HandleError(err, o.forwardError)
}

func (o *pluginObservation) forwardError(handler ObservationExceptionHandler, err error) {
	handler.OnPluginObservationError(o.pluginName, err)
}

var _ ObservablePlugin = (*ObservableLocalPlugin)(nil)

// ObservableLocalPlugin polls its driver for the list of reader names while
// at least one observer is registered.
type ObservableLocalPlugin struct {
	*LocalPlugin
	pluginObservation
	observableSpi spi.ObservablePluginSpi
	cycle         time.Duration

	monitorMu     syncutil.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	rescan        chan struct{}
}

func NewObservableLocalPlugin(pluginSpi spi.ObservablePluginSpi, config *Config) *ObservableLocalPlugin {
	return &ObservableLocalPlugin{
		LocalPlugin:       NewLocalPlugin(pluginSpi, config),
		pluginObservation: newPluginObservation(pluginSpi.Name()),
		observableSpi:     pluginSpi,
		cycle:             config.monitoringCycle(pluginSpi.MonitoringCycleDuration()),
		rescan:            make(chan struct{}, 1),
	}
}

// AddObserver starts reader discovery with the first observer.
func (p *ObservableLocalPlugin) AddObserver(observer Observer) error {
	if err := p.checkStatus(); err != nil {
		return err
	}
	count, err := p.manager.AddObserver(observer)
	if err != nil {
		return err
	}
	if count == 1 {
		p.startMonitoring()
	}
	return nil
}

// RemoveObserver stops reader discovery with the last observer.
func (p *ObservableLocalPlugin) RemoveObserver(observer Observer) {
	if p.manager.RemoveObserver(observer) == 0 {
		p.stopMonitoring(false)
	}
}

func (p *ObservableLocalPlugin) ClearObservers() {
	p.manager.ClearObservers()
	p.stopMonitoring(false)
}

// Rescan makes a running discovery loop look for readers right away instead
// of at the end of its cycle.
func (p *ObservableLocalPlugin) Rescan() {
	select {
	case p.rescan <- struct{}{}:
	default:
	}
}

func (p *ObservableLocalPlugin) IsMonitoring() bool {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()
	return p.monitorCancel != nil
}

// Unregister stops discovery and notifies UNAVAILABLE before the readers are
// unregistered. It must not be called from an observer callback.
func (p *ObservableLocalPlugin) Unregister() {
	p.stopMonitoring(true)
	p.notify(UNAVAILABLE, p.ReaderNames())
	p.manager.ClearObservers()
	p.LocalPlugin.Unregister()
}

func (p *ObservableLocalPlugin) startMonitoring() {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()
	if p.monitorCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.monitorCancel = cancel
	p.monitorDone = done
	log.Debug().Str("plugin", p.Name()).Dur("cycle", p.cycle).Msg("Starting reader discovery")
	go p.monitor(ctx, done)
}

// stopMonitoring cancels the discovery loop; with wait it also waits for the
// loop to end, which must not be done from the loop itself.
func (p *ObservableLocalPlugin) stopMonitoring(wait bool) {
	p.monitorMu.Lock()
	cancel, done := p.monitorCancel, p.monitorDone
	p.monitorCancel = nil
	p.monitorDone = nil
	p.monitorMu.Unlock()

	if cancel == nil {
		return
	}
	log.Debug().Str("plugin", p.Name()).Msg("Stopping reader discovery")
	cancel()
	if wait {
		<-done
	}
}

// loopEnded clears the loop bookkeeping when the loop stops on its own.
func (p *ObservableLocalPlugin) loopEnded(done chan struct{}) {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()
	if p.monitorDone == done {
		p.monitorCancel()
		p.monitorCancel = nil
		p.monitorDone = nil
	}
}

func (p *ObservableLocalPlugin) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if v := recover(); v != nil {
			p.handleError(errors.Errorf("reader discovery panicked: %v", v))
			p.loopEnded(done)
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.rescan:
		}

		names, err := p.observableSpi.SearchAvailableReaderNames()
		if err != nil {
			p.handleError(errors.Wrapf(err, "reader discovery of plugin %s", p.Name()))
			p.loopEnded(done)
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.reconcile(names)
		timer.Reset(p.cycle)
	}
}

// reconcile drops the readers no longer listed, then adds the new ones.
func (p *ObservableLocalPlugin) reconcile(names []string) {
	listed := make(map[string]struct{}, len(names))
	for _, name := range names {
		listed[name] = struct{}{}
	}

	var disconnected []string
	for _, name := range p.ReaderNames() {
		if _, ok := listed[name]; !ok {
			p.removeReader(name)
			disconnected = append(disconnected, name)
		}
	}
	if len(disconnected) > 0 {
		log.Info().Str("plugin", p.Name()).Strs("readers", disconnected).Msg("Readers disconnected")
		p.notify(READER_DISCONNECTED, disconnected)
	}

	var connected []string
	for _, name := range names {
		if p.hasReader(name) {
			continue
		}
		readerSpi, err := p.observableSpi.SearchReader(name)
		if err != nil {
			p.handleError(errors.Wrapf(err, "connecting reader %s", name))
			continue
		}
		if readerSpi == nil {
			log.Debug().Str("plugin", p.Name()).Str("reader", name).Msg("Reader vanished before it could be connected")
			continue
		}
		r, err := newReader(readerSpi, p.Name(), p.config.readerConfig())
		if err != nil {
			p.handleError(err)
			continue
		}
		p.addReader(r)
		connected = append(connected, name)
	}
	if len(connected) > 0 {
		log.Info().Str("plugin", p.Name()).Strs("readers", connected).Msg("Readers connected")
		p.notify(READER_CONNECTED, connected)
	}
}
