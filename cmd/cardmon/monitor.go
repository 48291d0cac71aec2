package main

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/plugin"
	"github.com/MeneDev/scard-reader-service/reader"
	"github.com/MeneDev/scard-reader-service/selection"
	"github.com/MeneDev/scard-reader-service/service"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var _ plugin.Observer = (*cardMonitor)(nil)
var _ reader.Observer = (*cardMonitor)(nil)

// cardMonitor follows the readers of the registered plugins, schedules the
// configured selection on each and reports what it finds.
type cardMonitor struct {
	registry *service.Registry
	handler  reader.ObservationExceptionHandler
	filter   *regexp.Regexp
	opts     Options

	detectionMode    reader.DetectionMode
	notificationMode reader.NotificationMode

	// onCard is called with every card that matched a selection.
	onCard func(readerName string, smartCard selection.SmartCard)

	mu       syncutil.Mutex
	managers map[string]*selection.CardSelectionManager
}

func newCardMonitor(registry *service.Registry, handler reader.ObservationExceptionHandler, opts Options) (*cardMonitor, error) {
	filter, err := regexp.Compile(opts.ReaderFilter)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid reader filter %q", opts.ReaderFilter)
	}
	// the selection is validated once up front
	if _, err := newSelectionManager(opts); err != nil {
		return nil, err
	}

	m := &cardMonitor{
		registry:         registry,
		handler:          handler,
		filter:           filter,
		opts:             opts,
		detectionMode:    reader.REPEATING,
		notificationMode: reader.ALWAYS,
		onCard:           func(string, selection.SmartCard) {},
		managers:         make(map[string]*selection.CardSelectionManager),
	}
	if opts.DetectionMode == "singleshot" {
		m.detectionMode = reader.SINGLESHOT
	}
	if opts.NotificationMode == "matched-only" {
		m.notificationMode = reader.MATCHED_ONLY
	}
	return m, nil
}

// newSelectionManager prepares one selection per AID. Without AIDs a single
// selection filters on protocol and power-on data only. Without any filter
// it returns nil and cards are reported without selection.
func newSelectionManager(opts Options) (*selection.CardSelectionManager, error) {
	if len(opts.Aids) == 0 && opts.Protocol == "" && opts.PowerOnData == "" {
		return nil, nil
	}
	if opts.PowerOnData != "" {
		if _, err := regexp.Compile(opts.PowerOnData); err != nil {
			return nil, errors.Wrapf(err, "invalid power-on data filter %q", opts.PowerOnData)
		}
	}

	newSelection := func() *selection.GenericCardSelection {
		s := selection.NewGenericCardSelection()
		if opts.Protocol != "" {
			s.FilterByCardProtocol(opts.Protocol)
		}
		if opts.PowerOnData != "" {
			s.FilterByPowerOnData(opts.PowerOnData)
		}
		return s
	}

	manager := selection.NewCardSelectionManager()
	if opts.Multi {
		manager.SetMultipleSelectionMode()
	}
	if len(opts.Aids) == 0 {
		if _, err := manager.PrepareSelection(newSelection()); err != nil {
			return nil, err
		}
		return manager, nil
	}
	for _, aidHex := range opts.Aids {
		aid, err := hex.DecodeString(strings.ReplaceAll(aidHex, " ", ""))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid AID %q", aidHex)
		}
		if _, err := manager.PrepareSelection(newSelection().FilterByDfName(aid)); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

// watchPlugin observes p and all of its current readers.
func (m *cardMonitor) watchPlugin(p plugin.Plugin, handler plugin.ObservationExceptionHandler) error {
	for _, r := range p.Readers() {
		m.watchReader(r)
	}
	observable, ok := p.(plugin.ObservablePlugin)
	if !ok {
		return nil
	}
	if err := observable.SetPluginObservationExceptionHandler(handler); err != nil {
		return err
	}
	return observable.AddObserver(m)
}

func (m *cardMonitor) OnPluginEvent(event plugin.PluginEvent) {
	log.Info().Str("plugin", event.PluginName).Stringer("event", event.Type).Strs("readers", event.ReaderNames).Msg("Plugin event")
	if event.Type != plugin.READER_CONNECTED {
		if event.Type == plugin.READER_DISCONNECTED {
			m.forget(event.ReaderNames)
		}
		return
	}

	p, err := m.registry.Plugin(event.PluginName)
	if err != nil {
		log.Warn().Str("plugin", event.PluginName).Err(err).Msg("Plugin vanished")
		return
	}
	for _, name := range event.ReaderNames {
		r, err := p.Reader(name)
		if err != nil {
			log.Warn().Str("reader", name).Err(err).Msg("Reader vanished")
			continue
		}
		m.watchReader(r)
	}
}

func (m *cardMonitor) forget(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		delete(m.managers, name)
	}
}

func (m *cardMonitor) watchReader(r reader.Reader) {
	logger := log.With().Str("plugin", r.PluginName()).Str("reader", r.Name()).Logger()
	if !m.filter.MatchString(r.Name()) {
		logger.Debug().Msg("Reader ignored by filter")
		return
	}
	observable, ok := r.(reader.ObservableReader)
	if !ok {
		logger.Warn().Msg("Reader cannot detect cards")
		return
	}

	if m.opts.Protocol != "" {
		if err := r.ActivateProtocol(m.opts.Protocol, m.opts.Protocol); err != nil {
			logger.Warn().Err(err).Msg("Could not activate protocol")
		}
	}

	manager, err := newSelectionManager(m.opts)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid selection")
		return
	}
	if manager != nil {
		if err := manager.ScheduleCardSelectionScenario(observable, m.notificationMode); err != nil {
			logger.Error().Err(err).Msg("Could not schedule selection")
			return
		}
		m.mu.Lock()
		m.managers[r.Name()] = manager
		m.mu.Unlock()
	}

	if err := observable.SetReaderObservationExceptionHandler(m.handler); err != nil {
		logger.Error().Err(err).Msg("Could not set exception handler")
		return
	}
	if err := observable.AddObserver(m); err != nil {
		logger.Error().Err(err).Msg("Could not observe reader")
		return
	}
	if err := observable.StartCardDetection(m.detectionMode); err != nil {
		logger.Error().Err(err).Msg("Could not start card detection")
		return
	}
	logger.Info().Stringer("mode", m.detectionMode).Msg("Watching reader")
}

func (m *cardMonitor) OnReaderEvent(event reader.ReaderEvent) {
	log.Info().Str("reader", event.ReaderName).Stringer("event", event.Type).Msg("Reader event")

	switch event.Type {
	case reader.CARD_INSERTED, reader.CARD_MATCHED:
	default:
		return
	}

	if event.ScheduledCardSelectionsResponse != nil {
		m.reportSelection(event)
	}

	r, err := m.registry.Reader(event.ReaderName)
	if err != nil {
		log.Debug().Str("reader", event.ReaderName).Err(err).Msg("Reader gone before processing ended")
		return
	}
	if observable, ok := r.(reader.ObservableReader); ok {
		observable.FinalizeCardProcessing()
	}
}

func (m *cardMonitor) reportSelection(event reader.ReaderEvent) {
	m.mu.Lock()
	manager := m.managers[event.ReaderName]
	m.mu.Unlock()
	if manager == nil {
		return
	}

	result, err := manager.ParseScheduledCardSelectionsResponse(event.ScheduledCardSelectionsResponse)
	if err != nil {
		log.Warn().Str("reader", event.ReaderName).Err(err).Msg("Could not parse selection")
		return
	}
	smartCard := result.ActiveSmartCard()
	if smartCard == nil {
		log.Info().Str("reader", event.ReaderName).Msg("Card did not match")
		return
	}
	log.Info().
		Str("reader", event.ReaderName).
		Int("selection", result.ActiveSelectionIndex()).
		Str("powerOnData", smartCard.PowerOnData()).
		Hex("fci", smartCard.SelectApplicationResponse()).
		Msg("Card matched")
	m.onCard(event.ReaderName, smartCard)
}
