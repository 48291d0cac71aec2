package pcsc

import (
	"encoding/hex"
	"strings"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var _ spi.ObservableReaderSpi = (*Reader)(nil)
var _ spi.ConfigurableReaderSpi = (*Reader)(nil)
var _ spi.CardInsertionBlockingSpi = (*Reader)(nil)
var _ spi.CardRemovalBlockingSpi = (*Reader)(nil)

// Reader is a PC/SC reader. Insertion and removal are awaited with
// GetStatusChange on a context of its own so that stopping a wait does not
// disturb the exchanges.
type Reader struct {
	name        string
	contactless bool
	ctx         Context
	factory     ContextFactory
	shareMode   scard.ShareMode
	disposition scard.Disposition
	rules       []ProtocolRule

	mu              syncutil.Mutex
	card            Card
	atr             []byte
	activeProtocol  scard.Protocol
	activeProtocols map[string]bool

	waitMu  syncutil.Mutex
	waitCtx Context
}

func newReader(name string, ctx Context, config *Config) *Reader {
	return &Reader{
		name:            name,
		contactless:     config.isContactless(name),
		ctx:             ctx,
		factory:         config.contextFactory(),
		shareMode:       config.ShareMode,
		disposition:     config.Disposition,
		rules:           config.protocolRules(),
		activeProtocols: make(map[string]bool),
	}
}

func (r *Reader) Name() string {
	return r.name
}

func (r *Reader) IsContactless() bool {
	return r.contactless
}

func (r *Reader) OpenPhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card != nil {
		return nil
	}

	card, err := r.ctx.Connect(r.name, r.shareMode, scard.ProtocolAny)
	if err != nil {
		return r.ioError(err, "connecting to the card")
	}
	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return r.ioError(err, "reading the card status")
	}

	r.card = card
	r.atr = status.Atr
	r.activeProtocol = status.ActiveProtocol
	log.Debug().Str("reader", r.name).Hex("atr", r.atr).Uint32("protocol", uint32(r.activeProtocol)).Msg("Card connected")
	return nil
}

func (r *Reader) ClosePhysicalChannel() error {
	r.mu.Lock()
	card := r.card
	r.card = nil
	r.mu.Unlock()

	if card == nil {
		return nil
	}
	if err := card.Disconnect(r.disposition); err != nil {
		return r.ioError(err, "disconnecting the card")
	}
	log.Debug().Str("reader", r.name).Msg("Card disconnected")
	return nil
}

func (r *Reader) IsPhysicalChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card != nil
}

func (r *Reader) CheckCardPresence() (bool, error) {
	states := []scard.ReaderState{{Reader: r.name, CurrentState: scard.StateUnaware}}
	if err := r.ctx.GetStatusChange(states, 0); err != nil && !errors.Is(err, scard.ErrTimeout) {
		return false, spi.NewReaderIOError(err, "reading the state of reader %s", r.name)
	}
	return states[0].EventState&scard.StatePresent != 0, nil
}

func (r *Reader) PowerOnData() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.ToUpper(hex.EncodeToString(r.atr))
}

func (r *Reader) TransmitApdu(cmd []byte) ([]byte, error) {
	r.mu.Lock()
	card := r.card
	r.mu.Unlock()

	if card == nil {
		return nil, spi.NewCardIOError(nil, "no card connected in reader %s", r.name)
	}
	rsp, err := card.Transmit(cmd)
	if err != nil {
		return nil, r.ioError(err, "transmitting APDU")
	}
	return rsp, nil
}

func (r *Reader) OnStartDetection() {
	log.Debug().Str("reader", r.name).Msg("PC/SC card detection started")
}

func (r *Reader) OnStopDetection() {
	log.Debug().Str("reader", r.name).Msg("PC/SC card detection stopped")
}

// OnUnregister disconnects the card and releases the wait context.
func (r *Reader) OnUnregister() {
	if err := r.ClosePhysicalChannel(); err != nil {
		log.Debug().Str("reader", r.name).Err(err).Msg("Could not disconnect card")
	}

	r.waitMu.Lock()
	waitCtx := r.waitCtx
	r.waitCtx = nil
	r.waitMu.Unlock()
	if waitCtx == nil {
		return
	}
	if err := waitCtx.Cancel(); err != nil {
		log.Debug().Str("reader", r.name).Err(err).Msg("Could not cancel scard context")
	}
	if err := waitCtx.Release(); err != nil {
		log.Debug().Str("reader", r.name).Err(err).Msg("Could not release scard context")
	}
}

func (r *Reader) IsProtocolSupported(readerProtocol string) bool {
	return hasRule(r.rules, readerProtocol)
}

func (r *Reader) ActivateProtocol(readerProtocol string) error {
	if !r.IsProtocolSupported(readerProtocol) {
		return &spi.ProtocolNotSupportedError{Protocol: readerProtocol}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeProtocols[readerProtocol] = true
	return nil
}

func (r *Reader) DeactivateProtocol(readerProtocol string) error {
	if !r.IsProtocolSupported(readerProtocol) {
		return &spi.ProtocolNotSupportedError{Protocol: readerProtocol}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeProtocols, readerProtocol)
	return nil
}

// IsCurrentProtocol reports whether the connected card was identified as
// readerProtocol and that protocol is active.
func (r *Reader) IsCurrentProtocol(readerProtocol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil || !r.activeProtocols[readerProtocol] {
		return false
	}
	return identify(r.rules, strings.ToUpper(hex.EncodeToString(r.atr)), r.activeProtocol) == readerProtocol
}

func (r *Reader) WaitForCardInsertion() (spi.WaitResult, error) {
	return r.waitForPresence(true)
}

func (r *Reader) StopWaitForCardInsertion() {
	r.cancelWait()
}

func (r *Reader) WaitForCardRemoval() (spi.WaitResult, error) {
	return r.waitForPresence(false)
}

func (r *Reader) StopWaitForCardRemoval() {
	r.cancelWait()
}

func (r *Reader) waitContext() (Context, error) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	if r.waitCtx == nil {
		ctx, err := r.factory()
		if err != nil {
			return nil, err
		}
		r.waitCtx = ctx
	}
	return r.waitCtx, nil
}

func (r *Reader) cancelWait() {
	r.waitMu.Lock()
	waitCtx := r.waitCtx
	r.waitMu.Unlock()
	if waitCtx == nil {
		return
	}
	if err := waitCtx.Cancel(); err != nil {
		log.Debug().Str("reader", r.name).Err(err).Msg("Could not cancel scard context")
	}
}

// waitForPresence blocks until the card presence of the reader equals
// present.
func (r *Reader) waitForPresence(present bool) (spi.WaitResult, error) {
	ctx, err := r.waitContext()
	if err != nil {
		return spi.WaitCancelled, spi.NewReaderIOError(err, "establishing a context for reader %s", r.name)
	}

	states := []scard.ReaderState{{Reader: r.name, CurrentState: scard.StateUnaware}}
	for {
		err := ctx.GetStatusChange(states, infinite)
		switch {
		case errors.Is(err, scard.ErrCancelled):
			return spi.WaitCancelled, nil
		case errors.Is(err, scard.ErrTimeout):
			continue
		case err != nil:
			return spi.WaitCancelled, spi.NewReaderIOError(err, "waiting on reader %s", r.name)
		}

		event := states[0].EventState &^ scard.StateChanged
		log.Trace().Str("reader", r.name).Str("state", formatStateFlags(event)).Msg("Reader state")
		if event&(scard.StateUnknown|scard.StateUnavailable) != 0 {
			return spi.WaitCancelled, spi.NewReaderIOError(nil, "reader %s is gone", r.name)
		}
		if (event&scard.StatePresent != 0) == present {
			return spi.CardDetected, nil
		}
		states[0].CurrentState = event
	}
}

// ioError tells card failures from reader failures.
func (r *Reader) ioError(err error, what string) error {
	switch errors.Cause(err) {
	case scard.ErrRemovedCard, scard.ErrResetCard, scard.ErrNoSmartcard, scard.ErrUnpoweredCard, scard.ErrUnresponsiveCard:
		return spi.NewCardIOError(err, "%s on reader %s", what, r.name)
	}
	return spi.NewReaderIOError(err, "%s on reader %s", what, r.name)
}

func formatStateFlags(flags scard.StateFlag) string {
	names := []struct {
		flag scard.StateFlag
		name string
	}{
		{scard.StateIgnore, "StateIgnore"},
		{scard.StateChanged, "StateChanged"},
		{scard.StateUnknown, "StateUnknown"},
		{scard.StateUnavailable, "StateUnavailable"},
		{scard.StateEmpty, "StateEmpty"},
		{scard.StatePresent, "StatePresent"},
		{scard.StateAtrmatch, "StateAtrmatch"},
		{scard.StateExclusive, "StateExclusive"},
		{scard.StateInuse, "StateInuse"},
		{scard.StateMute, "StateMute"},
		{scard.StateUnpowered, "StateUnpowered"},
	}
	if flags == scard.StateUnaware {
		return "StateUnaware"
	}
	used := make([]string, 0)
	for _, n := range names {
		if flags&n.flag != 0 {
			used = append(used, n.name)
		}
	}
	return strings.Join(used, " | ")
}
