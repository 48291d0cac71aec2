package stub

import (
	"sort"
	"time"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/rs/zerolog/log"
)

// ReaderFactory builds the reader plugged by AddReaderName.
type ReaderFactory func(name string) CardReader

// PollingReaders is the default ReaderFactory.
func PollingReaders(cycle time.Duration) ReaderFactory {
	return func(name string) CardReader {
		return NewPollingReader(name, cycle)
	}
}

// readerSet is the reader bookkeeping shared by the stub plugins.
type readerSet struct {
	factory ReaderFactory

	mu      syncutil.Mutex
	readers map[string]CardReader
}

func newReaderSet(factory ReaderFactory) readerSet {
	if factory == nil {
		factory = PollingReaders(0)
	}
	return readerSet{factory: factory, readers: make(map[string]CardReader)}
}

func (s *readerSet) plug(readers ...CardReader) []CardReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plugged []CardReader
	for _, r := range readers {
		if _, ok := s.readers[r.Name()]; ok {
			continue
		}
		s.readers[r.Name()] = r
		plugged = append(plugged, r)
	}
	return plugged
}

func (s *readerSet) create(names []string) []CardReader {
	readers := make([]CardReader, 0, len(names))
	for _, name := range names {
		readers = append(readers, s.factory(name))
	}
	return s.plug(readers...)
}

func (s *readerSet) unplug(names []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unplugged []string
	for _, name := range names {
		if _, ok := s.readers[name]; ok {
			delete(s.readers, name)
			unplugged = append(unplugged, name)
		}
	}
	return unplugged
}

func (s *readerSet) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.readers))
	for name := range s.readers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *readerSet) reader(name string) CardReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers[name]
}

func (s *readerSet) all() []spi.ReaderSpi {
	names := s.names()
	s.mu.Lock()
	defer s.mu.Unlock()
	readers := make([]spi.ReaderSpi, 0, len(names))
	for _, name := range names {
		readers = append(readers, s.readers[name])
	}
	return readers
}

var _ spi.ObservablePluginSpi = (*Plugin)(nil)

// Plugin is a virtual plugin whose reader list is changed by the caller and
// polled by the service.
type Plugin struct {
	name  string
	cycle time.Duration
	readerSet

	failMu     syncutil.Mutex
	searchFail error
}

// NewPlugin creates a plugin building its readers with factory, nil selects
// polling readers. A zero cycle selects the configured discovery cycle.
func NewPlugin(name string, cycle time.Duration, factory ReaderFactory) *Plugin {
	return &Plugin{name: name, cycle: cycle, readerSet: newReaderSet(factory)}
}

func (p *Plugin) Name() string {
	return p.name
}

func (p *Plugin) MonitoringCycleDuration() time.Duration {
	return p.cycle
}

// AddReaderName plugs a new reader for every name not yet known.
func (p *Plugin) AddReaderName(names ...string) {
	plugged := p.create(names)
	log.Debug().Str("plugin", p.name).Int("count", len(plugged)).Strs("readers", names).Msg("Stub readers plugged")
}

// PlugReader adds readers built by the caller.
func (p *Plugin) PlugReader(readers ...CardReader) {
	p.plug(readers...)
}

func (p *Plugin) RemoveReaderName(names ...string) {
	unplugged := p.unplug(names)
	log.Debug().Str("plugin", p.name).Strs("readers", unplugged).Msg("Stub readers unplugged")
}

func (p *Plugin) Reader(name string) CardReader {
	return p.reader(name)
}

// FailSearch makes reader discovery fail with err until it is called with nil.
func (p *Plugin) FailSearch(err error) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.searchFail = err
}

func (p *Plugin) searchError() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	if p.searchFail == nil {
		return nil
	}
	return spi.NewPluginIOError(p.searchFail, "stub plugin %s", p.name)
}

func (p *Plugin) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	if err := p.searchError(); err != nil {
		return nil, err
	}
	return p.all(), nil
}

func (p *Plugin) SearchAvailableReaderNames() ([]string, error) {
	if err := p.searchError(); err != nil {
		return nil, err
	}
	return p.names(), nil
}

// SearchReader returns nil when name is no longer plugged.
func (p *Plugin) SearchReader(name string) (spi.ReaderSpi, error) {
	r := p.reader(name)
	if r == nil {
		return nil, nil
	}
	if v, ok := r.(revivable); ok {
		v.revive()
	}
	return r, nil
}

func (p *Plugin) OnUnregister() {
	log.Debug().Str("plugin", p.name).Msg("Stub plugin unregistered")
}

type revivable interface {
	revive()
}

var _ spi.AutonomousObservablePluginSpi = (*AutonomousPlugin)(nil)

// AutonomousPlugin pushes reader connections to the service as soon as the
// caller plugs or unplugs readers.
type AutonomousPlugin struct {
	name string
	readerSet

	apiMu syncutil.Mutex
	api   spi.AutonomousObservablePluginApi
}

func NewAutonomousPlugin(name string, factory ReaderFactory) *AutonomousPlugin {
	return &AutonomousPlugin{name: name, readerSet: newReaderSet(factory)}
}

func (p *AutonomousPlugin) Name() string {
	return p.name
}

func (p *AutonomousPlugin) Connect(api spi.AutonomousObservablePluginApi) {
	p.apiMu.Lock()
	defer p.apiMu.Unlock()
	p.api = api
}

func (p *AutonomousPlugin) connected() spi.AutonomousObservablePluginApi {
	p.apiMu.Lock()
	defer p.apiMu.Unlock()
	return p.api
}

func (p *AutonomousPlugin) AddReaderName(names ...string) {
	p.report(p.create(names))
}

// PlugReader adds readers built by the caller.
func (p *AutonomousPlugin) PlugReader(readers ...CardReader) {
	p.report(p.plug(readers...))
}

func (p *AutonomousPlugin) report(plugged []CardReader) {
	if len(plugged) == 0 {
		return
	}
	readerSpis := make([]spi.ReaderSpi, 0, len(plugged))
	for _, r := range plugged {
		readerSpis = append(readerSpis, r)
	}
	if api := p.connected(); api != nil {
		api.OnReaderConnected(readerSpis)
	}
}

func (p *AutonomousPlugin) RemoveReaderName(names ...string) {
	unplugged := p.unplug(names)
	if len(unplugged) == 0 {
		return
	}
	if api := p.connected(); api != nil {
		api.OnReaderDisconnected(unplugged)
	}
}

func (p *AutonomousPlugin) Reader(name string) CardReader {
	return p.reader(name)
}

func (p *AutonomousPlugin) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	return p.all(), nil
}

func (p *AutonomousPlugin) OnUnregister() {
	log.Debug().Str("plugin", p.name).Msg("Stub plugin unregistered")
}
