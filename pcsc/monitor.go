package pcsc

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ReaderMonitor announces that the PC/SC reader list changed.
type ReaderMonitor interface {
	// ChangeChannel delivers one value per batch of changes and is closed
	// when the monitor's context is done.
	ChangeChannel() <-chan struct{}
}

type readerMonitor struct {
	changes chan struct{}
}

// ReaderMonNew watches the readers of p until ctx is done.
func ReaderMonNew(ctx context.Context, p *Plugin) ReaderMonitor {
	mon := &readerMonitor{changes: make(chan struct{}, 1)}
	go func() {
		defer close(mon.changes)
		if err := p.WatchReaders(ctx, mon.signal); err != nil {
			log.Warn().Err(err).Msg("PC/SC reader notifications stopped")
		}
	}()
	return mon
}

func (mon *readerMonitor) ChangeChannel() <-chan struct{} {
	return mon.changes
}

// signal coalesces changes the consumer has not picked up yet.
func (mon *readerMonitor) signal() {
	select {
	case mon.changes <- struct{}{}:
	default:
	}
}
