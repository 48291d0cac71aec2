package reader

import (
	"github.com/MeneDev/scard-reader-service/card"
	"github.com/google/uuid"
)

type ReaderEventType int

const (
	_             ReaderEventType = iota
	CARD_INSERTED ReaderEventType = iota
	CARD_MATCHED  ReaderEventType = iota
	CARD_REMOVED  ReaderEventType = iota
	UNAVAILABLE   ReaderEventType = iota
)

func (t ReaderEventType) String() string {
	switch t {
	case CARD_INSERTED:
		return "CARD_INSERTED"
	case CARD_MATCHED:
		return "CARD_MATCHED"
	case CARD_REMOVED:
		return "CARD_REMOVED"
	case UNAVAILABLE:
		return "UNAVAILABLE"
	}
	return "unknown"
}

// ReaderEvent is what observers of an observable reader receive.
// ScheduledCardSelectionsResponse is only set for CARD_INSERTED and
// CARD_MATCHED events produced by a scheduled selection scenario.
type ReaderEvent struct {
	ID                              string
	PluginName                      string
	ReaderName                      string
	Type                            ReaderEventType
	ScheduledCardSelectionsResponse *card.ScheduledCardSelectionsResponse
}

func newReaderEvent(pluginName string, readerName string, eventType ReaderEventType, scheduled *card.ScheduledCardSelectionsResponse) ReaderEvent {
	return ReaderEvent{
		ID:                              uuid.NewString(),
		PluginName:                      pluginName,
		ReaderName:                      readerName,
		Type:                            eventType,
		ScheduledCardSelectionsResponse: scheduled,
	}
}

type Observer interface {
	OnReaderEvent(event ReaderEvent)
}

// ObservationExceptionHandler receives errors raised while observing a
// reader: observer panics, driver failures in background jobs.
type ObservationExceptionHandler interface {
	OnReaderObservationError(pluginName string, readerName string, err error)
}

type DetectionMode int

const (
	_          DetectionMode = iota
	REPEATING  DetectionMode = iota
	SINGLESHOT DetectionMode = iota
)

func (m DetectionMode) String() string {
	switch m {
	case REPEATING:
		return "REPEATING"
	case SINGLESHOT:
		return "SINGLESHOT"
	}
	return "unknown"
}

type NotificationMode int

const (
	ALWAYS NotificationMode = iota
	MATCHED_ONLY
)

func (m NotificationMode) String() string {
	switch m {
	case ALWAYS:
		return "ALWAYS"
	case MATCHED_ONLY:
		return "MATCHED_ONLY"
	}
	return "unknown"
}

// MonitoringState is a state of the card detection state machine. The values
// double as state names of the underlying fsm.
type MonitoringState string

const (
	WAIT_FOR_START_DETECTION MonitoringState = "WAIT_FOR_START_DETECTION"
	WAIT_FOR_CARD_INSERTION  MonitoringState = "WAIT_FOR_CARD_INSERTION"
	WAIT_FOR_CARD_PROCESSING MonitoringState = "WAIT_FOR_CARD_PROCESSING"
	WAIT_FOR_CARD_REMOVAL    MonitoringState = "WAIT_FOR_CARD_REMOVAL"
)

var allMonitoringStates = []MonitoringState{
	WAIT_FOR_START_DETECTION,
	WAIT_FOR_CARD_INSERTION,
	WAIT_FOR_CARD_PROCESSING,
	WAIT_FOR_CARD_REMOVAL,
}

// InternalEvent drives the state machine. They come from the application
// (start, stop, processed) or from monitoring jobs and drivers.
type InternalEvent int

const (
	_                 InternalEvent = iota
	EV_CARD_INSERTED  InternalEvent = iota
	EV_CARD_REMOVED   InternalEvent = iota
	EV_CARD_PROCESSED InternalEvent = iota
	EV_START_DETECT   InternalEvent = iota
	EV_STOP_DETECT    InternalEvent = iota
	EV_TIME_OUT       InternalEvent = iota
)

func (e InternalEvent) String() string {
	switch e {
	case EV_CARD_INSERTED:
		return "CARD_INSERTED"
	case EV_CARD_REMOVED:
		return "CARD_REMOVED"
	case EV_CARD_PROCESSED:
		return "CARD_PROCESSED"
	case EV_START_DETECT:
		return "START_DETECT"
	case EV_STOP_DETECT:
		return "STOP_DETECT"
	case EV_TIME_OUT:
		return "TIME_OUT"
	}
	return "unknown"
}
