package plugin

import (
	"github.com/MeneDev/scard-reader-service/spi"
)

var _ ObservablePlugin = (*AutonomousObservableLocalPlugin)(nil)
var _ spi.AutonomousObservablePluginApi = (*AutonomousObservableLocalPlugin)(nil)

// AutonomousObservableLocalPlugin is told about reader connections by its
// driver instead of polling for them.
type AutonomousObservableLocalPlugin struct {
	*LocalPlugin
	pluginObservation
}

func NewAutonomousObservableLocalPlugin(pluginSpi spi.AutonomousObservablePluginSpi, config *Config) *AutonomousObservableLocalPlugin {
	p := &AutonomousObservableLocalPlugin{
		LocalPlugin:       NewLocalPlugin(pluginSpi, config),
		pluginObservation: newPluginObservation(pluginSpi.Name()),
	}
	pluginSpi.Connect(p)
	return p
}

func (p *AutonomousObservableLocalPlugin) AddObserver(observer Observer) error {
	if err := p.checkStatus(); err != nil {
		return err
	}
	_, err := p.manager.AddObserver(observer)
	return err
}

func (p *AutonomousObservableLocalPlugin) RemoveObserver(observer Observer) {
	p.manager.RemoveObserver(observer)
}

func (p *AutonomousObservableLocalPlugin) ClearObservers() {
	p.manager.ClearObservers()
}

// OnReaderConnected registers the new readers, names already known are
// skipped.
func (p *AutonomousObservableLocalPlugin) OnReaderConnected(readers []spi.ReaderSpi) {
	var connected []string
	for _, readerSpi := range readers {
		if p.hasReader(readerSpi.Name()) {
			continue
		}
		r, err := newReader(readerSpi, p.Name(), p.config.readerConfig())
		if err != nil {
			p.handleError(err)
			continue
		}
		p.addReader(r)
		connected = append(connected, readerSpi.Name())
	}
	if len(connected) > 0 {
		p.notify(READER_CONNECTED, connected)
	}
}

func (p *AutonomousObservableLocalPlugin) OnReaderDisconnected(names []string) {
	var disconnected []string
	for _, name := range names {
		if p.removeReader(name) {
			disconnected = append(disconnected, name)
		}
	}
	if len(disconnected) > 0 {
		p.notify(READER_DISCONNECTED, disconnected)
	}
}

func (p *AutonomousObservableLocalPlugin) Unregister() {
	p.notify(UNAVAILABLE, p.ReaderNames())
	p.manager.ClearObservers()
	p.LocalPlugin.Unregister()
}
