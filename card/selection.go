package card

// MultiSelectionProcessing tells whether a batch of selections stops at the
// first matching card application.
type MultiSelectionProcessing int

const (
	FIRST_MATCH MultiSelectionProcessing = iota
	PROCESS_ALL
)

func (m MultiSelectionProcessing) String() string {
	switch m {
	case FIRST_MATCH:
		return "FIRST_MATCH"
	case PROCESS_ALL:
		return "PROCESS_ALL"
	}
	return "unknown"
}

// ChannelControl tells whether the physical channel is released after an
// exchange.
type ChannelControl int

const (
	KEEP_OPEN ChannelControl = iota
	CLOSE_AFTER
)

func (c ChannelControl) String() string {
	switch c {
	case KEEP_OPEN:
		return "KEEP_OPEN"
	case CLOSE_AFTER:
		return "CLOSE_AFTER"
	}
	return "unknown"
}

type CardSelectionRequest struct {
	Selector    *CardSelector
	CardRequest *CardRequest
}

// SelectionStatus is the outcome of the filtering phase of a selection.
type SelectionStatus struct {
	PowerOnData               string
	SelectApplicationResponse *ApduResponse
	HasMatched                bool
}

type CardSelectionResponse struct {
	PowerOnData               string
	SelectApplicationResponse *ApduResponse
	HasMatched                bool
	CardResponse              *CardResponse
}

// CardSelectionScenario is a fixed batch of selections to run on the next
// card insertion.
type CardSelectionScenario struct {
	requests                 []*CardSelectionRequest
	multiSelectionProcessing MultiSelectionProcessing
	channelControl           ChannelControl
}

func NewCardSelectionScenario(requests []*CardSelectionRequest, multi MultiSelectionProcessing, channelControl ChannelControl) *CardSelectionScenario {
	return &CardSelectionScenario{
		requests:                 append([]*CardSelectionRequest{}, requests...),
		multiSelectionProcessing: multi,
		channelControl:           channelControl,
	}
}

func (s *CardSelectionScenario) Requests() []*CardSelectionRequest {
	return append([]*CardSelectionRequest{}, s.requests...)
}

func (s *CardSelectionScenario) MultiSelectionProcessing() MultiSelectionProcessing {
	return s.multiSelectionProcessing
}

func (s *CardSelectionScenario) ChannelControl() ChannelControl {
	return s.channelControl
}

// ScheduledCardSelectionsResponse bundles the responses of a scenario run
// triggered by a card insertion.
type ScheduledCardSelectionsResponse struct {
	CardSelectionResponses []*CardSelectionResponse
}
