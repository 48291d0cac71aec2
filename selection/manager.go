// Package selection prepares card selection scenarios, runs them on a reader
// right away or on the next card insertion, and turns the responses into
// smart cards.
package selection

import (
	"github.com/MeneDev/scard-reader-service/card"
	"github.com/MeneDev/scard-reader-service/reader"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SmartCard is a card that passed a selection.
type SmartCard interface {
	PowerOnData() string
	// SelectApplicationResponse is empty when no application was selected.
	SelectApplicationResponse() []byte
}

// CardSelection is implemented by card extensions. It builds the request of
// one selection and parses the matching response into a SmartCard.
type CardSelection interface {
	CardSelectionRequest() (*card.CardSelectionRequest, error)
	ParseCardSelectionResponse(response *card.CardSelectionResponse) (SmartCard, error)
}

// CardSelectionManager collects selections in order; their index in the
// manager is their index in the result.
type CardSelectionManager struct {
	selections     []CardSelection
	requests       []*card.CardSelectionRequest
	multi          card.MultiSelectionProcessing
	channelControl card.ChannelControl
}

// NewCardSelectionManager stops at the first match and keeps the channel
// open by default.
func NewCardSelectionManager() *CardSelectionManager {
	return &CardSelectionManager{
		multi:          card.FIRST_MATCH,
		channelControl: card.KEEP_OPEN,
	}
}

// SetMultipleSelectionMode makes every selection run, whether or not a
// previous one matched.
func (m *CardSelectionManager) SetMultipleSelectionMode() {
	m.multi = card.PROCESS_ALL
}

// PrepareSelection appends s and returns its index.
func (m *CardSelectionManager) PrepareSelection(s CardSelection) (int, error) {
	if s == nil {
		return -1, errors.Wrap(readererror.ErrorInvalidArgument, "card selection is nil")
	}
	request, err := s.CardSelectionRequest()
	if err != nil {
		return -1, errors.Wrap(err, "preparing card selection")
	}
	m.selections = append(m.selections, s)
	m.requests = append(m.requests, request)
	return len(m.selections) - 1, nil
}

// PrepareReleaseChannel releases the physical channel once the scenario ran.
func (m *CardSelectionManager) PrepareReleaseChannel() {
	m.channelControl = card.CLOSE_AFTER
}

func (m *CardSelectionManager) scenario() (*card.CardSelectionScenario, error) {
	if len(m.requests) == 0 {
		return nil, errors.Wrap(readererror.ErrorIllegalState, "no card selection prepared")
	}
	return card.NewCardSelectionScenario(m.requests, m.multi, m.channelControl), nil
}

// ProcessCardSelectionScenario runs the prepared selections on the card
// currently in r.
func (m *CardSelectionManager) ProcessCardSelectionScenario(r reader.Reader) (*CardSelectionResult, error) {
	if r == nil {
		return nil, errors.Wrap(readererror.ErrorInvalidArgument, "reader is nil")
	}
	scenario, err := m.scenario()
	if err != nil {
		return nil, err
	}

	log.Debug().Str("reader", r.Name()).Int("selections", len(m.requests)).Stringer("multi", m.multi).Stringer("channel", m.channelControl).Msg("Processing card selection scenario")
	responses, err := r.TransmitCardSelectionRequests(scenario.Requests(), scenario.MultiSelectionProcessing(), scenario.ChannelControl())
	if err != nil {
		return nil, errors.Wrapf(err, "card selection on reader %s", r.Name())
	}
	return m.processResponses(responses)
}

// ScheduleCardSelectionScenario makes r run the prepared selections on every
// card insertion and report them in its CARD_INSERTED or CARD_MATCHED events.
func (m *CardSelectionManager) ScheduleCardSelectionScenario(r reader.ObservableReader, mode reader.NotificationMode) error {
	if r == nil {
		return errors.Wrap(readererror.ErrorInvalidArgument, "reader is nil")
	}
	scenario, err := m.scenario()
	if err != nil {
		return err
	}
	r.ScheduleCardSelectionScenario(scenario, mode)
	log.Debug().Str("reader", r.Name()).Stringer("notification", mode).Msg("Card selection scenario scheduled")
	return nil
}

// ParseScheduledCardSelectionsResponse turns the responses carried by a
// reader event into a result.
func (m *CardSelectionManager) ParseScheduledCardSelectionsResponse(response *card.ScheduledCardSelectionsResponse) (*CardSelectionResult, error) {
	if response == nil {
		return nil, errors.Wrap(readererror.ErrorInvalidArgument, "scheduled card selections response is nil")
	}
	return m.processResponses(response.CardSelectionResponses)
}

func (m *CardSelectionManager) processResponses(responses []*card.CardSelectionResponse) (*CardSelectionResult, error) {
	if len(responses) > len(m.selections) {
		return nil, errors.Wrapf(readererror.ErrorInvalidArgument, "%d responses for %d selections", len(responses), len(m.selections))
	}

	result := newCardSelectionResult()
	for index, response := range responses {
		if response == nil || !response.HasMatched {
			continue
		}
		smartCard, err := m.selections[index].ParseCardSelectionResponse(response)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing the response of selection %d", index)
		}
		result.add(index, smartCard)
	}
	log.Debug().Int("matched", len(result.smartCards)).Int("active", result.activeIndex).Msg("Card selection processed")
	return result, nil
}
