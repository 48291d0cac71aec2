package stub

import (
	"time"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/rs/zerolog/log"
)

// CardReader is implemented by every stub reader flavour.
type CardReader interface {
	spi.ReaderSpi
	InsertCard(card *Card)
	RemoveCard()
	Card() *Card
}

type ReaderOption func(r *Reader)

func WithContactless(contactless bool) ReaderOption {
	return func(r *Reader) {
		r.contactless = contactless
	}
}

func WithCard(card *Card) ReaderOption {
	return func(r *Reader) {
		r.card = card
	}
}

var _ CardReader = (*Reader)(nil)
var _ spi.ConfigurableReaderSpi = (*Reader)(nil)

// Reader is a stub reader without card detection. The flavours embedding it
// add one detection capability each.
type Reader struct {
	name        string
	contactless bool

	mu              syncutil.Mutex
	card            *Card
	physicalOpen    bool
	activeProtocols map[string]bool
	changed         chan struct{}
	unregistered    bool
}

func NewReader(name string, opts ...ReaderOption) *Reader {
	r := &Reader{
		name:            name,
		activeProtocols: make(map[string]bool),
		changed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) Name() string {
	return r.name
}

func (r *Reader) IsContactless() bool {
	return r.contactless
}

// InsertCard replaces the card of the reader, nil removes it.
func (r *Reader) InsertCard(card *Card) {
	if card == nil {
		r.RemoveCard()
		return
	}
	r.mu.Lock()
	r.card = card
	r.physicalOpen = false
	r.signal()
	r.mu.Unlock()
	log.Debug().Str("reader", r.name).Str("powerOnData", card.PowerOnData()).Msg("Stub card inserted")
}

func (r *Reader) RemoveCard() {
	r.mu.Lock()
	r.card = nil
	r.physicalOpen = false
	r.signal()
	r.mu.Unlock()
	log.Debug().Str("reader", r.name).Msg("Stub card removed")
}

func (r *Reader) Card() *Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card
}

// signal wakes every pending wait. r.mu must be held.
func (r *Reader) signal() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Reader) OpenPhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unregistered {
		return spi.NewReaderIOError(nil, "reader %s is unregistered", r.name)
	}
	if r.card == nil {
		return spi.NewCardIOError(nil, "no card in reader %s", r.name)
	}
	r.physicalOpen = true
	return nil
}

func (r *Reader) ClosePhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.physicalOpen = false
	return nil
}

func (r *Reader) IsPhysicalChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.physicalOpen
}

func (r *Reader) CheckCardPresence() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unregistered {
		return false, spi.NewReaderIOError(nil, "reader %s is unregistered", r.name)
	}
	return r.card != nil, nil
}

func (r *Reader) PowerOnData() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return ""
	}
	return r.card.PowerOnData()
}

func (r *Reader) TransmitApdu(command []byte) ([]byte, error) {
	r.mu.Lock()
	card, unregistered := r.card, r.unregistered
	r.mu.Unlock()
	if unregistered {
		return nil, spi.NewReaderIOError(nil, "reader %s is unregistered", r.name)
	}
	if card == nil {
		return nil, spi.NewCardIOError(nil, "no card in reader %s", r.name)
	}
	rsp := card.process(command)
	log.Trace().Str("reader", r.name).Hex("command", command).Hex("response", rsp).Msg("Stub APDU")
	return rsp, nil
}

// OnUnregister cancels every pending wait, later calls fail with a
// ReaderIOError until the reader is revived.
func (r *Reader) OnUnregister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = true
	r.physicalOpen = false
	r.signal()
}

func (r *Reader) revive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = false
}

func (r *Reader) IsProtocolSupported(readerProtocol string) bool {
	return readerProtocol != ""
}

func (r *Reader) ActivateProtocol(readerProtocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeProtocols[readerProtocol] = true
	return nil
}

func (r *Reader) DeactivateProtocol(readerProtocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeProtocols, readerProtocol)
	return nil
}

func (r *Reader) IsCurrentProtocol(readerProtocol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card != nil && r.activeProtocols[readerProtocol] && r.card.Protocol() == readerProtocol
}

// waitFor blocks until card presence equals present, the reader is
// unregistered or stop is closed.
func (r *Reader) waitFor(present bool, stop <-chan struct{}) spi.WaitResult {
	for {
		r.mu.Lock()
		if r.unregistered {
			r.mu.Unlock()
			return spi.WaitCancelled
		}
		if (r.card != nil) == present {
			r.mu.Unlock()
			return spi.CardDetected
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-stop:
			return spi.WaitCancelled
		}
	}
}

// waitSlot hands out a stop channel per pending wait. Stopping while nothing
// waits has no effect on the next wait.
type waitSlot struct {
	mu   syncutil.Mutex
	stop chan struct{}
}

func (w *waitSlot) begin() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop = make(chan struct{})
	return w.stop
}

func (w *waitSlot) end(stop chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop == stop {
		w.stop = nil
	}
}

func (w *waitSlot) cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
}

func (w *waitSlot) wait(r *Reader, present bool) spi.WaitResult {
	stop := w.begin()
	defer w.end(stop)
	return r.waitFor(present, stop)
}

// detection counts the start and stop notifications of the observable
// flavours.
type detection struct {
	mu      syncutil.Mutex
	started int
	stopped int
}

func (d *detection) OnStartDetection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started++
}

func (d *detection) OnStopDetection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
}

// DetectionCounts returns how often detection was started and stopped.
func (d *detection) DetectionCounts() (started int, stopped int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started, d.stopped
}

var _ spi.ObservableReaderSpi = (*PollingReader)(nil)
var _ spi.CardInsertionNonBlockingSpi = (*PollingReader)(nil)
var _ spi.CardRemovalNonBlockingSpi = (*PollingReader)(nil)

// PollingReader is polled for insertion and pinged for removal.
type PollingReader struct {
	*Reader
	detection
	cycle time.Duration
}

// NewPollingReader uses cycle for both insertion and removal polling, zero
// selects the configured default.
func NewPollingReader(name string, cycle time.Duration, opts ...ReaderOption) *PollingReader {
	return &PollingReader{Reader: NewReader(name, opts...), cycle: cycle}
}

func (r *PollingReader) CardInsertionPollCycle() time.Duration {
	return r.cycle
}

func (r *PollingReader) CardRemovalPollCycle() time.Duration {
	return r.cycle
}

var _ spi.ObservableReaderSpi = (*BlockingReader)(nil)
var _ spi.CardInsertionBlockingSpi = (*BlockingReader)(nil)
var _ spi.CardRemovalBlockingSpi = (*BlockingReader)(nil)
var _ spi.CardRemovalDuringProcessingBlockingSpi = (*BlockingReader)(nil)

// BlockingReader blocks in its waits until the card state changes.
type BlockingReader struct {
	*Reader
	detection
	insertion  waitSlot
	removal    waitSlot
	processing waitSlot
}

func NewBlockingReader(name string, opts ...ReaderOption) *BlockingReader {
	return &BlockingReader{Reader: NewReader(name, opts...)}
}

func (r *BlockingReader) WaitForCardInsertion() (spi.WaitResult, error) {
	return r.insertion.wait(r.Reader, true), nil
}

func (r *BlockingReader) StopWaitForCardInsertion() {
	r.insertion.cancel()
}

func (r *BlockingReader) WaitForCardRemoval() (spi.WaitResult, error) {
	return r.removal.wait(r.Reader, false), nil
}

func (r *BlockingReader) StopWaitForCardRemoval() {
	r.removal.cancel()
}

func (r *BlockingReader) WaitForCardRemovalDuringProcessing() (spi.WaitResult, error) {
	return r.processing.wait(r.Reader, false), nil
}

func (r *BlockingReader) StopWaitForCardRemovalDuringProcessing() {
	r.processing.cancel()
}

var _ spi.ObservableReaderSpi = (*AutonomousReader)(nil)
var _ spi.CardInsertionAutonomousSpi = (*AutonomousReader)(nil)
var _ spi.CardRemovalAutonomousSpi = (*AutonomousReader)(nil)

// AutonomousReader pushes insertions and removals to the listeners it was
// connected to.
type AutonomousReader struct {
	*Reader
	detection

	listenersMu       syncutil.Mutex
	insertionListener spi.CardInsertionListener
	removalListener   spi.CardRemovalListener
}

func NewAutonomousReader(name string, opts ...ReaderOption) *AutonomousReader {
	return &AutonomousReader{Reader: NewReader(name, opts...)}
}

func (r *AutonomousReader) ConnectInsertionListener(listener spi.CardInsertionListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.insertionListener = listener
}

func (r *AutonomousReader) ConnectRemovalListener(listener spi.CardRemovalListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.removalListener = listener
}

func (r *AutonomousReader) InsertCard(card *Card) {
	r.Reader.InsertCard(card)
	r.listenersMu.Lock()
	listener := r.insertionListener
	r.listenersMu.Unlock()
	if listener != nil {
		listener.OnCardInserted()
	}
}

func (r *AutonomousReader) RemoveCard() {
	r.Reader.RemoveCard()
	r.listenersMu.Lock()
	listener := r.removalListener
	r.listenersMu.Unlock()
	if listener != nil {
		listener.OnCardRemoved()
	}
}
