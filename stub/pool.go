package stub

import (
	"sort"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var _ spi.PoolPluginSpi = (*PoolPlugin)(nil)

// PoolPlugin hands out the readers plugged into its groups, one allocation
// at a time per reader.
type PoolPlugin struct {
	name string

	mu        syncutil.Mutex
	groups    map[string][]CardReader
	allocated map[string]bool
}

func NewPoolPlugin(name string) *PoolPlugin {
	return &PoolPlugin{
		name:      name,
		groups:    make(map[string][]CardReader),
		allocated: make(map[string]bool),
	}
}

func (p *PoolPlugin) Name() string {
	return p.name
}

// PlugPoolReader adds r to groupReference.
func (p *PoolPlugin) PlugPoolReader(groupReference string, r CardReader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[groupReference] = append(p.groups[groupReference], r)
}

func (p *PoolPlugin) ReaderGroupReferences() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	groups := make([]string, 0, len(p.groups))
	for group := range p.groups {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups, nil
}

// AllocateReader returns the first free reader of groupReference, nil when
// all are allocated.
func (p *PoolPlugin) AllocateReader(groupReference string) (spi.ReaderSpi, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	readers, ok := p.groups[groupReference]
	if !ok {
		return nil, spi.NewPluginIOError(nil, "unknown reader group %s", groupReference)
	}
	for _, r := range readers {
		if p.allocated[r.Name()] {
			continue
		}
		p.allocated[r.Name()] = true
		if v, ok := r.(revivable); ok {
			v.revive()
		}
		log.Debug().Str("plugin", p.name).Str("group", groupReference).Str("reader", r.Name()).Msg("Stub reader allocated")
		return r, nil
	}
	return nil, nil
}

func (p *PoolPlugin) ReleaseReader(r spi.ReaderSpi) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r == nil || !p.allocated[r.Name()] {
		return errors.New("reader is not allocated")
	}
	delete(p.allocated, r.Name())
	return nil
}

func (p *PoolPlugin) OnUnregister() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocated = make(map[string]bool)
}
