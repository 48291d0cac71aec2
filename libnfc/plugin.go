package libnfc

import (
	"sort"
	"time"

	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/clausecker/nfc/v2"
	"github.com/rs/zerolog/log"
)

const PluginName = "LibnfcPlugin"

var _ spi.ObservablePluginSpi = (*Plugin)(nil)

type Config struct {
	MonitoringCycle time.Duration
	// PollCycle is used for both insertion and removal polling. Zero selects
	// the reader default.
	PollCycle time.Duration
	// TransceiveTimeout of zero waits forever.
	TransceiveTimeout time.Duration
	Modulations       []nfc.Modulation
	Manager           Manager
}

func DefaultConfig() *Config {
	return &Config{
		MonitoringCycle:   2 * time.Second,
		PollCycle:         300 * time.Millisecond,
		TransceiveTimeout: time.Second,
		Modulations:       DefaultModulations(),
		Manager:           DefaultManager(),
	}
}

func (c *Config) modulations() []nfc.Modulation {
	if len(c.Modulations) == 0 {
		return DefaultModulations()
	}
	return c.Modulations
}

func (c *Config) transceiveTimeout() int {
	return int(c.TransceiveTimeout / time.Millisecond)
}

func (c *Config) manager() Manager {
	if c.Manager == nil {
		return DefaultManager()
	}
	return c.Manager
}

// Plugin exposes every device libnfc can find, named by connection string.
type Plugin struct {
	config *Config
}

func NewPlugin(config *Config) *Plugin {
	if config == nil {
		config = DefaultConfig()
	}
	return &Plugin{config: config}
}

func (p *Plugin) Name() string {
	return PluginName
}

func (p *Plugin) MonitoringCycleDuration() time.Duration {
	return p.config.MonitoringCycle
}

func (p *Plugin) SearchAvailableReaderNames() ([]string, error) {
	names, err := p.config.manager().ListDevices()
	if err != nil {
		return nil, spi.NewPluginIOError(err, "listing libnfc devices")
	}
	sort.Strings(names)
	return names, nil
}

func (p *Plugin) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	names, err := p.SearchAvailableReaderNames()
	if err != nil {
		return nil, err
	}
	readers := make([]spi.ReaderSpi, 0, len(names))
	for _, name := range names {
		r, err := p.open(name)
		if err != nil {
			log.Warn().Str("device", name).Err(err).Msg("Skipping device")
			continue
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// SearchReader opens the device called name. A device that is listed but
// cannot be opened, usually because another process holds it, is reported
// as absent.
func (p *Plugin) SearchReader(name string) (spi.ReaderSpi, error) {
	names, err := p.SearchAvailableReaderNames()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n != name {
			continue
		}
		r, err := p.open(name)
		if err != nil {
			log.Warn().Str("device", name).Err(err).Msg("Could not open device")
			return nil, nil
		}
		return r, nil
	}
	return nil, nil
}

func (p *Plugin) open(name string) (*Reader, error) {
	device, err := p.config.manager().OpenDevice(name)
	if err != nil {
		return nil, spi.NewReaderIOError(err, "opening %s", name)
	}
	log.Info().Str("device", name).Str("name", device.String()).Msg("libnfc device opened")
	return newReader(name, device, p.config), nil
}

func (p *Plugin) OnUnregister() {
	log.Debug().Str("plugin", PluginName).Msg("Plugin unregistered")
}
