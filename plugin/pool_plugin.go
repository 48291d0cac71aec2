package plugin

import (
	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/reader"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PoolPlugin hands out readers from groups on demand.
type PoolPlugin interface {
	Plugin
	ReaderGroupReferences() ([]string, error)
	AllocateReader(groupReference string) (reader.Reader, error)
	ReleaseReader(r reader.Reader) error
}

var _ PoolPlugin = (*LocalPoolPlugin)(nil)

type LocalPoolPlugin struct {
	*LocalPlugin
	poolSpi spi.PoolPluginSpi

	spisMu syncutil.Mutex
	spis   map[string]spi.ReaderSpi
}

// poolSearch adapts a PoolPluginSpi to the registration of a LocalPlugin: a
// pool starts without readers.
type poolSearch struct {
	spi.PoolPluginSpi
}

func (poolSearch) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	return nil, nil
}

func NewLocalPoolPlugin(poolSpi spi.PoolPluginSpi, config *Config) *LocalPoolPlugin {
	return &LocalPoolPlugin{
		LocalPlugin: NewLocalPlugin(poolSearch{poolSpi}, config),
		poolSpi:     poolSpi,
		spis:        make(map[string]spi.ReaderSpi),
	}
}

func (p *LocalPoolPlugin) ReaderGroupReferences() ([]string, error) {
	if err := p.checkStatus(); err != nil {
		return nil, err
	}
	groups, err := p.poolSpi.ReaderGroupReferences()
	if err != nil {
		return nil, errors.Wrapf(err, "listing the reader groups of plugin %s", p.Name())
	}
	return groups, nil
}

// AllocateReader asks the driver for a reader of groupReference and
// registers it.
func (p *LocalPoolPlugin) AllocateReader(groupReference string) (reader.Reader, error) {
	if err := p.checkStatus(); err != nil {
		return nil, err
	}
	readerSpi, err := p.poolSpi.AllocateReader(groupReference)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating a reader of group %s", groupReference)
	}
	if readerSpi == nil {
		return nil, errors.Wrapf(readererror.ErrorReaderNotFound, "no reader available in group %s", groupReference)
	}

	r, err := newReader(readerSpi, p.Name(), p.config.readerConfig())
	if err != nil {
		if releaseErr := p.poolSpi.ReleaseReader(readerSpi); releaseErr != nil {
			log.Warn().Str("plugin", p.Name()).Err(releaseErr).Msg("Could not give back unusable reader")
		}
		return nil, err
	}
	p.addReader(r)
	p.spisMu.Lock()
	p.spis[r.Name()] = readerSpi
	p.spisMu.Unlock()

	log.Debug().Str("plugin", p.Name()).Str("group", groupReference).Str("reader", r.Name()).Msg("Reader allocated")
	return r, nil
}

// ReleaseReader gives r back to the driver and unregisters it.
func (p *LocalPoolPlugin) ReleaseReader(r reader.Reader) error {
	if err := p.checkStatus(); err != nil {
		return err
	}
	if r == nil {
		return errors.Wrap(readererror.ErrorInvalidArgument, "reader is nil")
	}

	p.spisMu.Lock()
	readerSpi, ok := p.spis[r.Name()]
	delete(p.spis, r.Name())
	p.spisMu.Unlock()
	if !ok {
		return errors.Wrapf(readererror.ErrorReaderNotFound, "reader %s was not allocated by plugin %s", r.Name(), p.Name())
	}

	err := p.poolSpi.ReleaseReader(readerSpi)
	p.removeReader(r.Name())
	if err != nil {
		return errors.Wrapf(err, "releasing reader %s", r.Name())
	}
	log.Debug().Str("plugin", p.Name()).Str("reader", r.Name()).Msg("Reader released")
	return nil
}

func (p *LocalPoolPlugin) Unregister() {
	p.spisMu.Lock()
	p.spis = make(map[string]spi.ReaderSpi)
	p.spisMu.Unlock()
	p.LocalPlugin.Unregister()
}
