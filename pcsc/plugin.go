package pcsc

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const PluginName = "PcscPlugin"

var _ spi.ObservablePluginSpi = (*Plugin)(nil)

type Config struct {
	MonitoringCycle time.Duration
	// ContactlessReaderFilter matches the names of contactless readers.
	ContactlessReaderFilter *regexp.Regexp
	ShareMode               scard.ShareMode
	// Disposition is applied to the card when the channel is closed.
	Disposition    scard.Disposition
	ProtocolRules  []ProtocolRule
	ContextFactory ContextFactory
}

func DefaultConfig() *Config {
	return &Config{
		MonitoringCycle:         time.Second,
		ContactlessReaderFilter: regexp.MustCompile(`(?i)(contactless|-cl|picc|acr122|nfc)`),
		ShareMode:               scard.ShareShared,
		Disposition:             scard.LeaveCard,
		ProtocolRules:           DefaultProtocolRules(),
		ContextFactory:          EstablishContext,
	}
}

func (c *Config) isContactless(name string) bool {
	return c.ContactlessReaderFilter != nil && c.ContactlessReaderFilter.MatchString(name)
}

func (c *Config) contextFactory() ContextFactory {
	if c.ContextFactory == nil {
		return EstablishContext
	}
	return c.ContextFactory
}

func (c *Config) protocolRules() []ProtocolRule {
	if c.ProtocolRules == nil {
		return DefaultProtocolRules()
	}
	return c.ProtocolRules
}

// Plugin lists the readers known to the PC/SC daemon. The context is
// established lazily and re-established after the daemon went away.
type Plugin struct {
	config *Config

	mu  syncutil.Mutex
	ctx Context
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

func (p *Plugin) context() (Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		ctx, err := p.config.contextFactory()()
		if err != nil {
			return nil, spi.NewPluginIOError(err, "establishing the PC/SC context")
		}
		p.ctx = ctx
	}
	return p.ctx, nil
}

// dropContext releases ctx so that the next call establishes a new one.
func (p *Plugin) dropContext(ctx Context) {
	p.mu.Lock()
	if p.ctx == ctx {
		p.ctx = nil
	}
	p.mu.Unlock()
	if err := ctx.Release(); err != nil {
		log.Debug().Err(err).Msg("Could not release scard context")
	}
}

func (p *Plugin) SearchAvailableReaderNames() ([]string, error) {
	ctx, err := p.context()
	if err != nil {
		return nil, err
	}
	names, err := ctx.ListReaders()
	switch {
	case errors.Is(err, scard.ErrNoReadersAvailable):
		return []string{}, nil
	case errors.Is(err, scard.ErrNoService), errors.Is(err, scard.ErrServiceStopped), errors.Is(err, scard.ErrInvalidHandle):
		log.Warn().Err(err).Msg("PC/SC context broken, dropping it")
		p.dropContext(ctx)
		return nil, spi.NewPluginIOError(err, "listing PC/SC readers")
	case err != nil:
		return nil, spi.NewPluginIOError(err, "listing PC/SC readers")
	}
	sort.Strings(names)
	return names, nil
}

func (p *Plugin) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	names, err := p.SearchAvailableReaderNames()
	if err != nil {
		return nil, err
	}
	ctx, err := p.context()
	if err != nil {
		return nil, err
	}
	readers := make([]spi.ReaderSpi, 0, len(names))
	for _, name := range names {
		readers = append(readers, newReader(name, ctx, p.config))
	}
	return readers, nil
}

// SearchReader returns nil when the daemon does not know name.
func (p *Plugin) SearchReader(name string) (spi.ReaderSpi, error) {
	names, err := p.SearchAvailableReaderNames()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n != name {
			continue
		}
		ctx, err := p.context()
		if err != nil {
			return nil, err
		}
		return newReader(name, ctx, p.config), nil
	}
	return nil, nil
}

func (p *Plugin) OnUnregister() {
	p.mu.Lock()
	ctx := p.ctx
	p.ctx = nil
	p.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := ctx.Release(); err != nil {
		log.Debug().Err(err).Msg("Could not release scard context")
	}
}

// WatchReaders blocks on the PnP pseudo reader and calls onChange whenever
// the daemon reports a reader being plugged or unplugged. It returns when
// ctx is done.
func (p *Plugin) WatchReaders(ctx context.Context, onChange func()) error {
	factory := p.config.contextFactory()

	var scardCtx Context
	var scardMu syncutil.Mutex
	closeContext := func() {
		scardMu.Lock()
		defer scardMu.Unlock()
		if scardCtx == nil {
			return
		}
		if err := scardCtx.Cancel(); err != nil {
			log.Debug().Err(err).Msg("Could not cancel scard context")
		}
		if err := scardCtx.Release(); err != nil {
			log.Debug().Err(err).Msg("Could not release scard context")
		}
		scardCtx = nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeContext()
		case <-done:
		}
	}()
	defer closeContext()

	states := []scard.ReaderState{{Reader: pnpNotification, CurrentState: scard.StateUnaware}}
	for {
		if ctx.Err() != nil {
			return nil
		}

		scardMu.Lock()
		if scardCtx == nil {
			c, err := factory()
			if err != nil {
				scardMu.Unlock()
				log.Debug().Err(err).Msg("Could not establish scard context")
				if !sleep(ctx, 100*time.Millisecond) {
					return nil
				}
				continue
			}
			scardCtx = c
		}
		c := scardCtx
		scardMu.Unlock()

		err := c.GetStatusChange(states, infinite)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, scard.ErrCancelled), errors.Is(err, scard.ErrTimeout):
			continue
		case err != nil:
			log.Debug().Err(err).Msg("GetStatusChange on PnP notification failed, assuming broken context")
			closeContext()
			if !sleep(ctx, 100*time.Millisecond) {
				return nil
			}
			continue
		}

		if states[0].EventState&scard.StateChanged != 0 {
			log.Debug().Msg("Pseudo device reported change")
			onChange()
		}
		states[0].CurrentState = states[0].EventState &^ scard.StateChanged
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
