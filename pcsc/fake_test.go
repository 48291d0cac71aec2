package pcsc

import (
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// fakeDaemon plays the PC/SC daemon: a set of readers, each maybe holding a
// card given by its ATR.
type fakeDaemon struct {
	mu       sync.Mutex
	readers  map[string][]byte
	changed  chan struct{}
	pnp      int
	listErr  error
	contexts int
	protocol scard.Protocol
	sent     [][]byte
	answer   []byte
	txErr    error
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		readers:  make(map[string][]byte),
		changed:  make(chan struct{}),
		protocol: scard.ProtocolT1,
		answer:   []byte{0x90, 0x00},
	}
}

func (d *fakeDaemon) signal() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *fakeDaemon) plug(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers[name] = nil
	d.pnp++
	d.signal()
}

func (d *fakeDaemon) unplug(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.readers, name)
	d.pnp++
	d.signal()
}

func (d *fakeDaemon) insert(name string, atr []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers[name] = atr
	d.signal()
}

func (d *fakeDaemon) remove(name string) {
	d.insert(name, nil)
}

func (d *fakeDaemon) sentApdus() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *fakeDaemon) factory() (Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contexts++
	return &fakeContext{daemon: d, cancel: make(chan struct{})}, nil
}

// state returns the flags of name, the pseudo reader counting plug events
// in the upper bits like pcsc-lite does.
func (d *fakeDaemon) state(name string) scard.StateFlag {
	if name == pnpNotification {
		return scard.StateFlag(d.pnp << 16)
	}
	atr, ok := d.readers[name]
	switch {
	case !ok:
		return scard.StateUnknown
	case atr == nil:
		return scard.StateEmpty
	}
	return scard.StatePresent
}

type fakeContext struct {
	daemon *fakeDaemon

	mu       sync.Mutex
	cancel   chan struct{}
	released bool
}

func (c *fakeContext) ListReaders() ([]string, error) {
	d := c.daemon
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	if len(d.readers) == 0 {
		return nil, scard.ErrNoReadersAvailable
	}
	names := make([]string, 0, len(d.readers))
	for name := range d.readers {
		names = append(names, name)
	}
	return names, nil
}

func (c *fakeContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	d := c.daemon
	for {
		d.mu.Lock()
		changedAny := false
		for i := range states {
			event := d.state(states[i].Reader)
			if event != states[i].CurrentState&^scard.StateChanged {
				event |= scard.StateChanged
				changedAny = true
			}
			states[i].EventState = event
		}
		changed := d.changed
		d.mu.Unlock()

		if changedAny {
			return nil
		}
		if timeout == 0 {
			return scard.ErrTimeout
		}
		select {
		case <-changed:
		case <-cancel:
			return scard.ErrCancelled
		}
	}
}

func (c *fakeContext) Connect(reader string, mode scard.ShareMode, protocol scard.Protocol) (Card, error) {
	d := c.daemon
	d.mu.Lock()
	defer d.mu.Unlock()
	atr, ok := d.readers[reader]
	switch {
	case !ok:
		return nil, scard.ErrUnknownReader
	case atr == nil:
		return nil, scard.ErrNoSmartcard
	}
	return &fakeCard{daemon: d, reader: reader, atr: atr}, nil
}

func (c *fakeContext) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.cancel)
	c.cancel = make(chan struct{})
	return nil
}

func (c *fakeContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	return nil
}

func (c *fakeContext) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeCard struct {
	daemon *fakeDaemon
	reader string
	atr    []byte

	disposition  scard.Disposition
	disconnected bool
}

func (c *fakeCard) Status() (*scard.CardStatus, error) {
	c.daemon.mu.Lock()
	defer c.daemon.mu.Unlock()
	return &scard.CardStatus{Reader: c.reader, ActiveProtocol: c.daemon.protocol, Atr: c.atr}, nil
}

func (c *fakeCard) Transmit(cmd []byte) ([]byte, error) {
	d := c.daemon
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readers[c.reader] == nil {
		return nil, scard.ErrRemovedCard
	}
	if d.txErr != nil {
		return nil, d.txErr
	}
	d.sent = append(d.sent, cmd)
	return d.answer, nil
}

func (c *fakeCard) Disconnect(disposition scard.Disposition) error {
	c.disposition = disposition
	c.disconnected = true
	return nil
}
