// Package plugin groups readers under a named driver and keeps the reader
// list in sync with what the driver reports.
package plugin

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/reader"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// MonitoringCycle is the reader discovery period of observable plugins
	// whose driver does not announce one.
	MonitoringCycle time.Duration
	Reader          *reader.Config
}

func DefaultConfig() *Config {
	return &Config{
		MonitoringCycle: 100 * time.Millisecond,
		Reader:          reader.DefaultConfig(),
	}
}

func (c *Config) readerConfig() *reader.Config {
	if c == nil || c.Reader == nil {
		return reader.DefaultConfig()
	}
	return c.Reader
}

func (c *Config) monitoringCycle(driver time.Duration) time.Duration {
	if driver > 0 {
		return driver
	}
	if c != nil && c.MonitoringCycle > 0 {
		return c.MonitoringCycle
	}
	return DefaultConfig().MonitoringCycle
}

type Plugin interface {
	Name() string
	IsRegistered() bool
	Register() error
	Unregister()
	ReaderNames() []string
	Readers() []reader.Reader
	Reader(name string) (reader.Reader, error)
}

var _ Plugin = (*LocalPlugin)(nil)

// LocalPlugin holds the readers found by a PluginSpi at registration.
type LocalPlugin struct {
	spi    spi.PluginSpi
	config *Config

	registered atomic.Bool

	mu      syncutil.RWMutex
	readers map[string]reader.Reader
}

func NewLocalPlugin(pluginSpi spi.PluginSpi, config *Config) *LocalPlugin {
	return &LocalPlugin{
		spi:     pluginSpi,
		config:  config,
		readers: make(map[string]reader.Reader),
	}
}

func (p *LocalPlugin) Name() string {
	return p.spi.Name()
}

func (p *LocalPlugin) IsRegistered() bool {
	return p.registered.Load()
}

func (p *LocalPlugin) checkStatus() error {
	if !p.registered.Load() {
		return errors.Wrapf(readererror.ErrorPluginNotRegistered, "plugin %s", p.Name())
	}
	return nil
}

// Register creates a reader for every reader the driver currently sees.
func (p *LocalPlugin) Register() error {
	if p.registered.Load() {
		return errors.Wrapf(readererror.ErrorPluginAlreadyRegistered, "plugin %s", p.Name())
	}

	readerSpis, err := p.spi.SearchAvailableReaders()
	if err != nil {
		return errors.Wrapf(err, "searching the readers of plugin %s", p.Name())
	}
	for _, readerSpi := range readerSpis {
		r, err := newReader(readerSpi, p.Name(), p.config.readerConfig())
		if err != nil {
			p.dropReaders()
			return err
		}
		p.addReader(r)
	}

	p.registered.Store(true)
	log.Info().Str("plugin", p.Name()).Strs("readers", p.ReaderNames()).Msg("Plugin registered")
	return nil
}

// Unregister unregisters every reader, then releases the driver.
func (p *LocalPlugin) Unregister() {
	p.registered.Store(false)
	p.dropReaders()
	p.spi.OnUnregister()
	log.Info().Str("plugin", p.Name()).Msg("Plugin unregistered")
}

// dropReaders forgets and unregisters every reader.
func (p *LocalPlugin) dropReaders() {
	p.mu.Lock()
	readers := p.readers
	p.readers = make(map[string]reader.Reader)
	p.mu.Unlock()

	for _, r := range readers {
		r.Unregister()
	}
}

func (p *LocalPlugin) ReaderNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.readers))
	for name := range p.readers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *LocalPlugin) Readers() []reader.Reader {
	names := p.ReaderNames()
	p.mu.RLock()
	defer p.mu.RUnlock()
	readers := make([]reader.Reader, 0, len(names))
	for _, name := range names {
		if r, ok := p.readers[name]; ok {
			readers = append(readers, r)
		}
	}
	return readers
}

func (p *LocalPlugin) Reader(name string) (reader.Reader, error) {
	if err := p.checkStatus(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.readers[name]
	if !ok {
		return nil, errors.Wrapf(readererror.ErrorReaderNotFound, "reader %s in plugin %s", name, p.Name())
	}
	return r, nil
}

func (p *LocalPlugin) addReader(r reader.Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers[r.Name()] = r
}

// removeReader forgets and unregisters the reader called name.
func (p *LocalPlugin) removeReader(name string) bool {
	p.mu.Lock()
	r, ok := p.readers[name]
	delete(p.readers, name)
	p.mu.Unlock()

	if ok {
		r.Unregister()
	}
	return ok
}

func (p *LocalPlugin) hasReader(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.readers[name]
	return ok
}

// newReader wraps readerSpi in an observable reader when the driver is
// observable, in a plain reader otherwise. An observable driver that offers
// no way to detect insertion or removal cannot be used at all.
func newReader(readerSpi spi.ReaderSpi, pluginName string, config *reader.Config) (reader.Reader, error) {
	if observableSpi, ok := readerSpi.(spi.ObservableReaderSpi); ok {
		r, err := reader.NewObservableLocalReader(observableSpi, pluginName, config)
		if err != nil {
			return nil, errors.Wrapf(err, "reader %s of plugin %s", readerSpi.Name(), pluginName)
		}
		r.Register()
		return r, nil
	}
	r := reader.NewLocalReader(readerSpi, pluginName)
	r.Register()
	return r, nil
}
