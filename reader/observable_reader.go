package reader

import (
	"context"

	"github.com/MeneDev/scard-reader-service/apdu"
	"github.com/MeneDev/scard-reader-service/card"
	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/observation"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ObservableReader is a Reader reporting card insertion and removal to its
// observers.
type ObservableReader interface {
	Reader
	SetReaderObservationExceptionHandler(handler ObservationExceptionHandler) error
	AddObserver(observer Observer) error
	RemoveObserver(observer Observer)
	ClearObservers()
	CountObservers() int
	StartCardDetection(mode DetectionMode) error
	StopCardDetection()
	FinalizeCardProcessing()
	ScheduleCardSelectionScenario(scenario *card.CardSelectionScenario, mode NotificationMode)
}

var _ ObservableReader = (*ObservableLocalReader)(nil)
var _ spi.CardInsertionListener = (*ObservableLocalReader)(nil)
var _ spi.CardRemovalListener = (*ObservableLocalReader)(nil)

// ObservableLocalReader adds card detection to a LocalReader. Detection is a
// four state machine driven by the monitoring jobs its driver supports.
type ObservableLocalReader struct {
	*LocalReader
	observableSpi spi.ObservableReaderSpi
	observation   *observation.Manager[Observer, ObservationExceptionHandler]
	strategies    MonitoringStrategies
	stateService  *stateService

	mu               syncutil.RWMutex
	detectionMode    DetectionMode
	notificationMode NotificationMode
	scenario         *card.CardSelectionScenario
}

// NewObservableLocalReader fails with readererror.ErrorUnsupportedCapability
// when the driver can neither report insertion nor removal in any way.
func NewObservableLocalReader(readerSpi spi.ObservableReaderSpi, pluginName string, config *Config) (*ObservableLocalReader, error) {
	strategies, err := ProbeMonitoringStrategies(readerSpi, config)
	if err != nil {
		return nil, err
	}

	r := &ObservableLocalReader{
		LocalReader:   NewLocalReader(readerSpi, pluginName),
		observableSpi: readerSpi,
		observation:   observation.NewManager[Observer, ObservationExceptionHandler](readerSpi.Name()),
		strategies:    strategies,
		detectionMode: REPEATING,
	}
	r.stateService = newStateService(r, strategies)

	if autonomous, ok := readerSpi.(spi.CardInsertionAutonomousSpi); ok {
		autonomous.ConnectInsertionListener(r)
	}
	if autonomous, ok := readerSpi.(spi.CardRemovalAutonomousSpi); ok {
		autonomous.ConnectRemovalListener(r)
	}

	log.Debug().Str("reader", r.Name()).
		Stringer("insertion", strategies.Insertion.Kind).
		Stringer("processing", strategies.Processing.Kind).
		Stringer("removal", strategies.Removal.Kind).
		Msg("Observable reader created")
	return r, nil
}

func (r *ObservableLocalReader) MonitoringStrategies() MonitoringStrategies {
	return r.strategies
}

func (r *ObservableLocalReader) CurrentMonitoringState() MonitoringState {
	return r.stateService.currentState()
}

func (r *ObservableLocalReader) DetectionMode() DetectionMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detectionMode
}

func (r *ObservableLocalReader) NotificationMode() NotificationMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notificationMode
}

func (r *ObservableLocalReader) SetReaderObservationExceptionHandler(handler ObservationExceptionHandler) error {
	return r.observation.SetExceptionHandler(handler)
}

// AddObserver requires an exception handler to be set first.
func (r *ObservableLocalReader) AddObserver(observer Observer) error {
	_, err := r.observation.AddObserver(observer)
	return err
}

func (r *ObservableLocalReader) RemoveObserver(observer Observer) {
	r.observation.RemoveObserver(observer)
}

func (r *ObservableLocalReader) ClearObservers() {
	r.observation.ClearObservers()
}

func (r *ObservableLocalReader) CountObservers() int {
	return r.observation.CountObservers()
}

func (r *ObservableLocalReader) StartCardDetection(mode DetectionMode) error {
	if err := r.checkStatus(); err != nil {
		return err
	}
	if mode != REPEATING && mode != SINGLESHOT {
		return errors.Wrapf(readererror.ErrorInvalidArgument, "detection mode %d", mode)
	}
	log.Debug().Str("reader", r.Name()).Stringer("mode", mode).Msg("Start card detection")

	r.mu.Lock()
	r.detectionMode = mode
	r.mu.Unlock()

	r.stateService.onEvent(EV_START_DETECT)
	return nil
}

func (r *ObservableLocalReader) StopCardDetection() {
	log.Debug().Str("reader", r.Name()).Msg("Stop card detection")
	r.stateService.onEvent(EV_STOP_DETECT)
}

// FinalizeCardProcessing tells the reader the application is done with the
// inserted card.
func (r *ObservableLocalReader) FinalizeCardProcessing() {
	log.Debug().Str("reader", r.Name()).Msg("Card processing finalized")
	r.stateService.onEvent(EV_CARD_PROCESSED)
}

// ScheduleCardSelectionScenario makes every subsequent card insertion run
// scenario before observers are notified.
func (r *ObservableLocalReader) ScheduleCardSelectionScenario(scenario *card.CardSelectionScenario, mode NotificationMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenario = scenario
	r.notificationMode = mode
}

// OnCardInserted is called by drivers with autonomous insertion detection.
func (r *ObservableLocalReader) OnCardInserted() {
	r.stateService.onEvent(EV_CARD_INSERTED)
}

// OnCardRemoved is called by drivers with autonomous removal detection.
func (r *ObservableLocalReader) OnCardRemoved() {
	r.stateService.onEvent(EV_CARD_REMOVED)
}

// Unregister stops detection, releases the driver, waits for the monitoring
// jobs to end and finally tells observers the reader is gone. It must not be
// called from an observer callback.
func (r *ObservableLocalReader) Unregister() {
	r.StopCardDetection()
	r.LocalReader.Unregister()
	r.stateService.shutdown()
	r.notifyObservers(r.event(UNAVAILABLE, nil))
	r.ClearObservers()
}

// processCardInserted runs the scheduled scenario and builds the event to
// report, or nil when nothing is to be reported.
func (r *ObservableLocalReader) processCardInserted() *ReaderEvent {
	r.mu.RLock()
	scenario, mode := r.scenario, r.notificationMode
	r.mu.RUnlock()

	if scenario == nil {
		event := r.event(CARD_INSERTED, nil)
		return &event
	}

	responses, err := r.TransmitCardSelectionRequests(scenario.Requests(), scenario.MultiSelectionProcessing(), scenario.ChannelControl())
	if err != nil {
		var cardBroken *readererror.CardBrokenCommunicationError
		if errors.As(err, &cardBroken) {
			log.Debug().Str("reader", r.Name()).Err(err).Msg("Card removed during selection")
			r.closeLogicalAndPhysicalChannelsSilently()
			return nil
		}
		r.handleObservationError(errors.Wrap(err, "card selection scenario failed"))
		return nil
	}

	scheduled := &card.ScheduledCardSelectionsResponse{CardSelectionResponses: responses}
	for _, response := range responses {
		if response.HasMatched {
			log.Debug().Str("reader", r.Name()).Msg("Card matched the selection scenario")
			event := r.event(CARD_MATCHED, scheduled)
			return &event
		}
	}

	if mode == MATCHED_ONLY {
		log.Debug().Str("reader", r.Name()).Msg("Card did not match, no notification")
		return nil
	}
	event := r.event(CARD_INSERTED, scheduled)
	return &event
}

// isCardPresentPing reports whether a card still answers a neutral APDU.
// Reader failures are reported and count as present.
func (r *ObservableLocalReader) isCardPresentPing() bool {
	request := card.NewApduRequest(apdu.PingCardPresence).SetInfo("Ping card presence")
	_, err := r.processApduRequest(request)
	if err == nil {
		return true
	}
	if spi.IsCardIOError(err) {
		log.Trace().Str("reader", r.Name()).Err(err).Msg("Card did not answer the ping")
		return false
	}
	r.handleObservationError(errors.Wrap(err, "card presence ping failed"))
	return true
}

func (r *ObservableLocalReader) notifyCardRemoved() {
	r.notifyObservers(r.event(CARD_REMOVED, nil))
}

func (r *ObservableLocalReader) event(eventType ReaderEventType, scheduled *card.ScheduledCardSelectionsResponse) ReaderEvent {
	return newReaderEvent(r.PluginName(), r.Name(), eventType, scheduled)
}

func (r *ObservableLocalReader) notifyObservers(event ReaderEvent) {
	log.Debug().Str("reader", r.Name()).Stringer("event", event.Type).Int("observers", r.CountObservers()).Msg("Notifying observers")
	r.observation.Notify(
		func(o Observer) { o.OnReaderEvent(event) },
		r.forwardError,
	)
}

func (r *ObservableLocalReader) handleObservationError(err error) {
	r.observation.HandleError(err, r.forwardError)
}

func (r *ObservableLocalReader) forwardError(handler ObservationExceptionHandler, err error) {
	handler.OnReaderObservationError(r.PluginName(), r.Name(), err)
}

// handleWaitError treats reader I/O failures of blocking waits as benign.
func (r *ObservableLocalReader) handleWaitError(err error, what string) {
	if spi.IsReaderIOError(err) {
		log.Warn().Str("reader", r.Name()).Err(err).Msgf("Waiting for %s failed", what)
		return
	}
	r.handleObservationError(errors.Wrapf(err, "waiting for %s", what))
}

func (r *ObservableLocalReader) recoverJobPanic() {
	if v := recover(); v != nil {
		r.handleObservationError(errors.Errorf("monitoring job panicked: %v", v))
	}
}

// raise feeds event to the state machine unless the raising job was
// cancelled in the meantime.
func (r *ObservableLocalReader) raise(ctx context.Context, event InternalEvent) {
	if ctx.Err() != nil {
		log.Trace().Str("reader", r.Name()).Stringer("event", event).Msg("Dropping event of cancelled job")
		return
	}
	r.stateService.onEvent(event)
}
