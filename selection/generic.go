package selection

import (
	"github.com/MeneDev/scard-reader-service/card"
	"github.com/pkg/errors"
)

var _ CardSelection = (*GenericCardSelection)(nil)

// GenericCardSelection selects any card by protocol, power-on data and AID
// and optionally sends APDUs once the card matched.
type GenericCardSelection struct {
	opts               []card.SelectorOption
	apdus              []*card.ApduRequest
	stopOnUnsuccessful bool
}

func NewGenericCardSelection() *GenericCardSelection {
	return &GenericCardSelection{}
}

func (s *GenericCardSelection) FilterByCardProtocol(protocol string) *GenericCardSelection {
	s.opts = append(s.opts, card.WithCardProtocol(protocol))
	return s
}

// FilterByPowerOnData keeps cards whose hex power-on data matches expr as a
// whole.
func (s *GenericCardSelection) FilterByPowerOnData(expr string) *GenericCardSelection {
	s.opts = append(s.opts, card.WithPowerOnDataRegex(expr))
	return s
}

func (s *GenericCardSelection) FilterByDfName(aid []byte) *GenericCardSelection {
	s.opts = append(s.opts, card.WithAid(aid))
	return s
}

func (s *GenericCardSelection) SetFileOccurrence(occurrence card.FileOccurrence) *GenericCardSelection {
	s.opts = append(s.opts, card.WithFileOccurrence(occurrence))
	return s
}

func (s *GenericCardSelection) SetFileControlInformation(fci card.FileControlInformation) *GenericCardSelection {
	s.opts = append(s.opts, card.WithFileControlInformation(fci))
	return s
}

// AddSuccessfulSelectionStatusWord makes SELECT answers with sw count as a
// match, 6283 for instance accepts invalidated applications.
func (s *GenericCardSelection) AddSuccessfulSelectionStatusWord(sw uint16) *GenericCardSelection {
	s.opts = append(s.opts, card.WithSuccessfulStatusWords(sw))
	return s
}

// PrepareApdu queues cmd to be sent after a successful selection.
func (s *GenericCardSelection) PrepareApdu(cmd []byte, successfulStatusWords ...uint16) *GenericCardSelection {
	request := card.NewApduRequest(cmd)
	for _, sw := range successfulStatusWords {
		request.AddSuccessfulStatusWord(sw)
	}
	s.apdus = append(s.apdus, request)
	return s
}

// StopOnUnsuccessfulStatusWord stops the queued APDUs at the first
// unsuccessful answer.
func (s *GenericCardSelection) StopOnUnsuccessfulStatusWord() *GenericCardSelection {
	s.stopOnUnsuccessful = true
	return s
}

func (s *GenericCardSelection) CardSelectionRequest() (*card.CardSelectionRequest, error) {
	selector, err := card.NewCardSelector(s.opts...)
	if err != nil {
		return nil, errors.Wrap(err, "invalid card selector")
	}
	request := &card.CardSelectionRequest{Selector: selector}
	if len(s.apdus) > 0 {
		request.CardRequest = card.NewCardRequest(s.stopOnUnsuccessful, s.apdus...)
	}
	return request, nil
}

func (s *GenericCardSelection) ParseCardSelectionResponse(response *card.CardSelectionResponse) (SmartCard, error) {
	if response == nil {
		return nil, errors.New("card selection response is nil")
	}
	smartCard := &GenericSmartCard{powerOnData: response.PowerOnData}
	if response.SelectApplicationResponse != nil {
		smartCard.selectApplicationResponse = response.SelectApplicationResponse.Apdu()
	}
	if response.CardResponse != nil {
		smartCard.apduResponses = response.CardResponse.ApduResponses
	}
	return smartCard, nil
}

var _ SmartCard = (*GenericSmartCard)(nil)

type GenericSmartCard struct {
	powerOnData               string
	selectApplicationResponse []byte
	apduResponses             []*card.ApduResponse
}

func (c *GenericSmartCard) PowerOnData() string {
	return c.powerOnData
}

func (c *GenericSmartCard) SelectApplicationResponse() []byte {
	return c.selectApplicationResponse
}

// ApduResponses are the answers to the APDUs prepared with the selection.
func (c *GenericSmartCard) ApduResponses() []*card.ApduResponse {
	return c.apduResponses
}
