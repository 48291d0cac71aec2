package reader

import "github.com/rs/zerolog/log"

func (s *stateService) ignore(state MonitoringState, event InternalEvent) {
	log.Trace().Str("reader", s.reader.Name()).Str("state", string(state)).Stringer("event", event).Msg("Event ignored")
}

// afterRemoval is the state the reader returns to once a card is gone.
func (s *stateService) afterRemoval() MonitoringState {
	if s.reader.DetectionMode() == REPEATING {
		return WAIT_FOR_CARD_INSERTION
	}
	return WAIT_FOR_START_DETECTION
}

func onWaitForStartDetectionEvent(s *stateService, event InternalEvent) {
	switch event {
	case EV_START_DETECT:
		s.switchState(WAIT_FOR_CARD_INSERTION)
	default:
		s.ignore(WAIT_FOR_START_DETECTION, event)
	}
}

func onWaitForCardInsertionEvent(s *stateService, event InternalEvent) {
	switch event {
	case EV_CARD_INSERTED:
		readerEvent := s.reader.processCardInserted()
		if readerEvent == nil {
			// nothing to report, wait until the card is gone
			s.switchState(WAIT_FOR_CARD_REMOVAL)
			return
		}
		// the state is switched first so observers may finalize processing
		s.switchState(WAIT_FOR_CARD_PROCESSING)
		s.reader.notifyObservers(*readerEvent)
	case EV_STOP_DETECT:
		s.switchState(WAIT_FOR_START_DETECTION)
	case EV_CARD_REMOVED:
		s.switchState(s.afterRemoval())
	default:
		s.ignore(WAIT_FOR_CARD_INSERTION, event)
	}
}

func onWaitForCardProcessingEvent(s *stateService, event InternalEvent) {
	switch event {
	case EV_CARD_PROCESSED:
		if s.reader.DetectionMode() == REPEATING {
			s.switchState(WAIT_FOR_CARD_REMOVAL)
			return
		}
		s.reader.closeLogicalAndPhysicalChannelsSilently()
		s.switchState(WAIT_FOR_START_DETECTION)
		s.reader.notifyCardRemoved()
	case EV_CARD_REMOVED:
		s.reader.closeLogicalAndPhysicalChannelsSilently()
		s.switchState(s.afterRemoval())
		s.reader.notifyCardRemoved()
	case EV_STOP_DETECT:
		s.reader.closeLogicalAndPhysicalChannelsSilently()
		s.switchState(WAIT_FOR_START_DETECTION)
		s.reader.notifyCardRemoved()
	default:
		s.ignore(WAIT_FOR_CARD_PROCESSING, event)
	}
}

func onWaitForCardRemovalEvent(s *stateService, event InternalEvent) {
	switch event {
	case EV_CARD_REMOVED:
		s.reader.closeLogicalAndPhysicalChannelsSilently()
		s.switchState(s.afterRemoval())
		s.reader.notifyCardRemoved()
	case EV_STOP_DETECT:
		s.reader.closeLogicalAndPhysicalChannelsSilently()
		s.switchState(WAIT_FOR_START_DETECTION)
		s.reader.notifyCardRemoved()
	default:
		s.ignore(WAIT_FOR_CARD_REMOVAL, event)
	}
}
