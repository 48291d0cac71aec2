package reader

import (
	"github.com/MeneDev/scard-reader-service/executor"
	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
)

// monitoringState is one node of the detection state machine together with
// the job it runs while current.
type monitoringState struct {
	id      MonitoringState
	job     monitoringJob
	onEvent func(service *stateService, event InternalEvent)

	task        *executor.Task
	active      bool
	activations int
}

func (st *monitoringState) activate(exec *executor.Executor) {
	st.active = true
	st.activations++
	if st.job == nil {
		return
	}
	task, err := exec.Submit(st.job.task())
	if err != nil {
		log.Debug().Str("state", string(st.id)).Err(err).Msg("Monitoring job not started")
		return
	}
	st.task = task
}

func (st *monitoringState) deactivate() {
	st.active = false
	if st.task != nil && !st.task.IsDone() {
		st.job.stop()
		st.task.Cancel()
	}
	st.task = nil
}

// stateService owns the detection state machine of an observable reader.
// Transitions happen under mu; state handlers run outside of it so observers
// may feed events back, e.g. by finalizing card processing from a callback.
type stateService struct {
	reader   *ObservableLocalReader
	executor *executor.Executor

	mu      syncutil.Mutex
	states  map[MonitoringState]*monitoringState
	current *monitoringState
	machine *fsm.FSM
}

func switchEventName(state MonitoringState) string {
	return "switch_to_" + string(state)
}

func newStateService(reader *ObservableLocalReader, strategies MonitoringStrategies) *stateService {
	s := &stateService{
		reader:   reader,
		executor: executor.New(reader.Name()),
		states:   make(map[MonitoringState]*monitoringState),
	}

	s.states[WAIT_FOR_START_DETECTION] = &monitoringState{
		id:      WAIT_FOR_START_DETECTION,
		onEvent: onWaitForStartDetectionEvent,
	}
	s.states[WAIT_FOR_CARD_INSERTION] = &monitoringState{
		id:      WAIT_FOR_CARD_INSERTION,
		job:     s.insertionJob(strategies.Insertion),
		onEvent: onWaitForCardInsertionEvent,
	}
	s.states[WAIT_FOR_CARD_PROCESSING] = &monitoringState{
		id:      WAIT_FOR_CARD_PROCESSING,
		job:     s.removalJob(strategies.Processing),
		onEvent: onWaitForCardProcessingEvent,
	}
	s.states[WAIT_FOR_CARD_REMOVAL] = &monitoringState{
		id:      WAIT_FOR_CARD_REMOVAL,
		job:     s.removalJob(strategies.Removal),
		onEvent: onWaitForCardRemovalEvent,
	}

	sources := make([]string, 0, len(allMonitoringStates))
	for _, state := range allMonitoringStates {
		sources = append(sources, string(state))
	}
	events := fsm.Events{}
	for _, state := range allMonitoringStates {
		events = append(events, fsm.EventDesc{Name: switchEventName(state), Src: sources, Dst: string(state)})
	}

	s.machine = fsm.NewFSM(
		string(WAIT_FOR_START_DETECTION),
		events,
		fsm.Callbacks{
			"leave_state": func(e *fsm.Event) {
				s.states[MonitoringState(e.Src)].deactivate()
			},
			"enter_state": func(e *fsm.Event) {
				log.Debug().Str("reader", s.reader.Name()).Str("from", e.Src).Str("to", e.Dst).Msg("Switching monitoring state")
				s.current = s.states[MonitoringState(e.Dst)]
				s.current.activate(s.executor)
			},
		},
	)

	s.current = s.states[WAIT_FOR_START_DETECTION]
	s.current.activate(s.executor)
	return s
}

func (s *stateService) insertionJob(strategy MonitoringStrategy) monitoringJob {
	switch strategy.Kind {
	case ActivePolling:
		return &cardPresenceActiveJob{reader: s.reader, cycle: strategy.Cycle, monitorInsertion: true}
	case BlockingWait:
		return &cardInsertionPassiveJob{reader: s.reader, driver: s.reader.spi.(spi.CardInsertionBlockingSpi)}
	}
	return nil
}

func (s *stateService) removalJob(strategy MonitoringStrategy) monitoringJob {
	switch strategy.Kind {
	case ActivePolling:
		return &cardRemovalPingJob{reader: s.reader, cycle: strategy.Cycle}
	case BlockingWait:
		return newCardRemovalPassiveJob(s.reader, strategy.DuringProcessing)
	}
	return nil
}

// onEvent forwards the driver notifications of detection start and stop, then
// hands event to the current state.
func (s *stateService) onEvent(event InternalEvent) {
	s.mu.Lock()
	switch event {
	case EV_START_DETECT:
		s.reader.observableSpi.OnStartDetection()
	case EV_STOP_DETECT:
		s.reader.observableSpi.OnStopDetection()
	}
	current := s.current
	s.mu.Unlock()

	log.Debug().Str("reader", s.reader.Name()).Str("state", string(current.id)).Stringer("event", event).Msg("Internal event")
	current.onEvent(s, event)
}

// switchState leaves the current state and enters target. Switching to the
// current state restarts its job.
func (s *stateService) switchState(target MonitoringState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.machine.Event(switchEventName(target))
	switch err.(type) {
	case nil:
	case fsm.NoTransitionError:
		log.Debug().Str("reader", s.reader.Name()).Str("state", string(target)).Msg("Restarting monitoring state")
		s.current.deactivate()
		s.current.activate(s.executor)
	default:
		log.Error().Str("reader", s.reader.Name()).Str("state", string(target)).Err(err).Msg("Could not switch monitoring state")
	}
}

func (s *stateService) currentState() MonitoringState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.id
}

// shutdown stops the current job and waits for the executor to drain. It must
// not be called from a monitoring job or observer callback.
func (s *stateService) shutdown() {
	s.mu.Lock()
	s.current.deactivate()
	s.mu.Unlock()
	s.executor.Shutdown()
}
