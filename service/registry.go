// Package service keeps the registered plugins of an application and gives
// access to their readers.
package service

import (
	"regexp"
	"sort"
	"sync"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/plugin"
	"github.com/MeneDev/scard-reader-service/reader"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/MeneDev/scard-reader-service/selection"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Registry holds plugins by name. Callers normally create one and pass it
// around; Global exists for applications that want a process-wide one.
type Registry struct {
	config *plugin.Config

	mu      syncutil.RWMutex
	plugins map[string]plugin.Plugin
}

func NewRegistry(config *plugin.Config) *Registry {
	if config == nil {
		config = plugin.DefaultConfig()
	}
	return &Registry{config: config, plugins: make(map[string]plugin.Plugin)}
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide registry, created with the default
// configuration on first use.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry(nil)
	})
	return global
}

// RegisterPlugin wraps driver in the plugin flavour matching its
// capabilities and registers it. driver must implement one of the plugin
// SPIs of package spi.
func (s *Registry) RegisterPlugin(driver interface{}) (plugin.Plugin, error) {
	p, err := s.newPlugin(driver)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[p.Name()]; ok {
		return nil, errors.Wrapf(readererror.ErrorPluginAlreadyRegistered, "plugin %s", p.Name())
	}
	if err := p.Register(); err != nil {
		return nil, err
	}
	s.plugins[p.Name()] = p
	log.Info().Str("plugin", p.Name()).Msg("Plugin added to registry")
	return p, nil
}

func (s *Registry) newPlugin(driver interface{}) (plugin.Plugin, error) {
	switch d := driver.(type) {
	case spi.AutonomousObservablePluginSpi:
		return plugin.NewAutonomousObservableLocalPlugin(d, s.config), nil
	case spi.ObservablePluginSpi:
		return plugin.NewObservableLocalPlugin(d, s.config), nil
	case spi.PoolPluginSpi:
		return plugin.NewLocalPoolPlugin(d, s.config), nil
	case spi.PluginSpi:
		return plugin.NewLocalPlugin(d, s.config), nil
	case nil:
		return nil, errors.Wrap(readererror.ErrorInvalidArgument, "plugin driver is nil")
	}
	return nil, errors.Wrapf(readererror.ErrorInvalidArgument, "%T is not a plugin driver", driver)
}

// UnregisterPlugin unregisters the plugin and all of its readers.
func (s *Registry) UnregisterPlugin(name string) error {
	s.mu.Lock()
	p, ok := s.plugins[name]
	delete(s.plugins, name)
	s.mu.Unlock()

	if !ok {
		return errors.Wrapf(readererror.ErrorPluginNotRegistered, "plugin %s", name)
	}
	p.Unregister()
	log.Info().Str("plugin", name).Msg("Plugin removed from registry")
	return nil
}

func (s *Registry) Plugin(name string) (plugin.Plugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plugins[name]
	if !ok {
		return nil, errors.Wrapf(readererror.ErrorPluginNotRegistered, "plugin %s", name)
	}
	return p, nil
}

func (s *Registry) PluginNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.plugins))
	for name := range s.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plugins returns the registered plugins ordered by name.
func (s *Registry) Plugins() []plugin.Plugin {
	names := s.PluginNames()
	s.mu.RLock()
	defer s.mu.RUnlock()
	plugins := make([]plugin.Plugin, 0, len(names))
	for _, name := range names {
		if p, ok := s.plugins[name]; ok {
			plugins = append(plugins, p)
		}
	}
	return plugins
}

// Reader looks name up in every registered plugin.
func (s *Registry) Reader(name string) (reader.Reader, error) {
	for _, p := range s.Plugins() {
		for _, r := range p.Readers() {
			if r.Name() == name {
				return r, nil
			}
		}
	}
	return nil, errors.Wrapf(readererror.ErrorReaderNotFound, "reader %s", name)
}

// FindReader returns the first reader, by plugin then reader name, whose
// name matches expr.
func (s *Registry) FindReader(expr string) (reader.Reader, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(readererror.ErrorInvalidArgument, "reader name pattern %q: %v", expr, err)
	}
	for _, p := range s.Plugins() {
		for _, r := range p.Readers() {
			if re.MatchString(r.Name()) {
				return r, nil
			}
		}
	}
	return nil, errors.Wrapf(readererror.ErrorReaderNotFound, "no reader matches %q", expr)
}

func (s *Registry) CreateCardSelectionManager() *selection.CardSelectionManager {
	return selection.NewCardSelectionManager()
}

// Shutdown unregisters every plugin.
func (s *Registry) Shutdown() {
	for _, name := range s.PluginNames() {
		if err := s.UnregisterPlugin(name); err != nil {
			log.Debug().Str("plugin", name).Err(err).Msg("Plugin already gone")
		}
	}
}
