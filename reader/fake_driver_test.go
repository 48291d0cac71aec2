package reader

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/MeneDev/scard-reader-service/spi"
)

// fakeReaderSpi answers APDUs from a queue of scripted responses and records
// what was sent.
type fakeReaderSpi struct {
	name string

	mu              sync.Mutex
	present         bool
	channelOpen     bool
	powerOnData     string
	script          [][]byte
	byCommand       map[string][]byte
	errOn           map[string]error
	sent            [][]byte
	transmitErr     error
	presenceErr     error
	startDetections int
	stopDetections  int
	unregistered    bool
}

var _ spi.ObservableReaderSpi = (*fakeReaderSpi)(nil)

func newFakeReaderSpi(name string) *fakeReaderSpi {
	return &fakeReaderSpi{name: name, byCommand: map[string][]byte{}, errOn: map[string]error{}}
}

func (f *fakeReaderSpi) enqueue(rsps ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rsp := range rsps {
		b, _ := hex.DecodeString(rsp)
		f.script = append(f.script, b)
	}
}

func (f *fakeReaderSpi) answer(cmd, rsp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := hex.DecodeString(rsp)
	f.byCommand[cmd] = b
}

func (f *fakeReaderSpi) failOn(cmd string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errOn[cmd] = err
}

func (f *fakeReaderSpi) setPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = present
}

func (f *fakeReaderSpi) setTransmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transmitErr = err
}

func (f *fakeReaderSpi) sentHex() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, hex.EncodeToString(s))
	}
	return out
}

func (f *fakeReaderSpi) detections() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startDetections, f.stopDetections
}

func (f *fakeReaderSpi) Name() string        { return f.name }
func (f *fakeReaderSpi) IsContactless() bool { return true }

func (f *fakeReaderSpi) OpenPhysicalChannel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present {
		return spi.NewCardIOError(nil, "no card")
	}
	f.channelOpen = true
	return nil
}

func (f *fakeReaderSpi) ClosePhysicalChannel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelOpen = false
	return nil
}

func (f *fakeReaderSpi) IsPhysicalChannelOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channelOpen
}

func (f *fakeReaderSpi) CheckCardPresence() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present, f.presenceErr
}

func (f *fakeReaderSpi) PowerOnData() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powerOnData
}

func (f *fakeReaderSpi) TransmitApdu(cmd []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte{}, cmd...))
	if f.transmitErr != nil {
		return nil, f.transmitErr
	}
	if !f.present {
		return nil, spi.NewCardIOError(nil, "no card")
	}
	if err, ok := f.errOn[hex.EncodeToString(cmd)]; ok {
		return nil, err
	}
	if rsp, ok := f.byCommand[hex.EncodeToString(cmd)]; ok {
		return rsp, nil
	}
	if len(f.script) == 0 {
		return []byte{0x6D, 0x00}, nil
	}
	rsp := f.script[0]
	f.script = f.script[1:]
	return rsp, nil
}

func (f *fakeReaderSpi) OnUnregister() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = true
}

func (f *fakeReaderSpi) OnStartDetection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startDetections++
}

func (f *fakeReaderSpi) OnStopDetection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopDetections++
}

// pollingReaderSpi is polled for insertion and pinged for removal.
type pollingReaderSpi struct {
	*fakeReaderSpi
}

func (p *pollingReaderSpi) CardInsertionPollCycle() time.Duration { return 5 * time.Millisecond }
func (p *pollingReaderSpi) CardRemovalPollCycle() time.Duration   { return 5 * time.Millisecond }

// configurablePollingReaderSpi adds protocol configuration.
type configurablePollingReaderSpi struct {
	pollingReaderSpi
	supported map[string]bool
	active    map[string]bool
	current   string
}

func newConfigurablePollingReaderSpi(name string, supported ...string) *configurablePollingReaderSpi {
	c := &configurablePollingReaderSpi{
		pollingReaderSpi: pollingReaderSpi{newFakeReaderSpi(name)},
		supported:        map[string]bool{},
		active:           map[string]bool{},
	}
	for _, s := range supported {
		c.supported[s] = true
	}
	return c
}

func (c *configurablePollingReaderSpi) IsProtocolSupported(p string) bool { return c.supported[p] }
func (c *configurablePollingReaderSpi) ActivateProtocol(p string) error {
	c.active[p] = true
	return nil
}
func (c *configurablePollingReaderSpi) DeactivateProtocol(p string) error {
	delete(c.active, p)
	return nil
}
func (c *configurablePollingReaderSpi) IsCurrentProtocol(p string) bool { return c.current == p }

// waitSlot lets a stop request reach the wait currently in progress only.
type waitSlot struct {
	mu     sync.Mutex
	cancel chan struct{}
}

func (w *waitSlot) begin() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel = make(chan struct{})
	return w.cancel
}

func (w *waitSlot) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		close(w.cancel)
		w.cancel = nil
	}
}

// blockingReaderSpi blocks in its wait primitives until the test moves the
// card or the wait is stopped.
type blockingReaderSpi struct {
	*fakeReaderSpi
	inserted chan struct{}
	removed  chan struct{}

	insertionWait  waitSlot
	removalWait    waitSlot
	processingWait waitSlot
}

func newBlockingReaderSpi(name string) *blockingReaderSpi {
	return &blockingReaderSpi{
		fakeReaderSpi: newFakeReaderSpi(name),
		inserted:      make(chan struct{}, 1),
		removed:       make(chan struct{}, 1),
	}
}

func (b *blockingReaderSpi) insert() {
	b.setPresent(true)
	b.inserted <- struct{}{}
}

func (b *blockingReaderSpi) remove() {
	b.setPresent(false)
	b.removed <- struct{}{}
}

func (b *blockingReaderSpi) WaitForCardInsertion() (spi.WaitResult, error) {
	cancel := b.insertionWait.begin()
	select {
	case <-b.inserted:
		return spi.CardDetected, nil
	case <-cancel:
		return spi.WaitCancelled, nil
	}
}

func (b *blockingReaderSpi) StopWaitForCardInsertion() {
	b.insertionWait.stop()
}

func (b *blockingReaderSpi) WaitForCardRemoval() (spi.WaitResult, error) {
	cancel := b.removalWait.begin()
	select {
	case <-b.removed:
		return spi.CardDetected, nil
	case <-cancel:
		return spi.WaitCancelled, nil
	}
}

func (b *blockingReaderSpi) StopWaitForCardRemoval() {
	b.removalWait.stop()
}

// blockingProcessingReaderSpi also watches for removal while the card is
// being processed.
type blockingProcessingReaderSpi struct {
	*blockingReaderSpi
}

func (b *blockingProcessingReaderSpi) WaitForCardRemovalDuringProcessing() (spi.WaitResult, error) {
	cancel := b.processingWait.begin()
	select {
	case <-b.removed:
		return spi.CardDetected, nil
	case <-cancel:
		return spi.WaitCancelled, nil
	}
}

func (b *blockingProcessingReaderSpi) StopWaitForCardRemovalDuringProcessing() {
	b.processingWait.stop()
}

// autonomousReaderSpi pushes card movements through the listeners.
type autonomousReaderSpi struct {
	*fakeReaderSpi
	insertion spi.CardInsertionListener
	removal   spi.CardRemovalListener
}

func (a *autonomousReaderSpi) ConnectInsertionListener(l spi.CardInsertionListener) { a.insertion = l }
func (a *autonomousReaderSpi) ConnectRemovalListener(l spi.CardRemovalListener)     { a.removal = l }

// recordingObserver collects events and optionally reacts to them.
type recordingObserver struct {
	mu      sync.Mutex
	events  []ReaderEvent
	onEvent func(ReaderEvent)
}

func (o *recordingObserver) OnReaderEvent(event ReaderEvent) {
	o.mu.Lock()
	o.events = append(o.events, event)
	hook := o.onEvent
	o.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

func (o *recordingObserver) types() []ReaderEventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ReaderEventType, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Type)
	}
	return out
}

func (o *recordingObserver) last() ReaderEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[len(o.events)-1]
}

type panickingObserver struct{}

func (panickingObserver) OnReaderEvent(ReaderEvent) {
	panic("observer failure")
}

type recordingHandler struct {
	mu   sync.Mutex
	errs []error
}

func (h *recordingHandler) OnReaderObservationError(_ string, _ string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}
