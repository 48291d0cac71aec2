package reader

import (
	"context"
	"time"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/rs/zerolog/log"
)

// monitoringJob is the background work of a monitoring state. task returns
// the function submitted to the reader executor on activation; stop makes a
// running task return promptly and is safe to call when nothing runs.
type monitoringJob interface {
	task() func(ctx context.Context)
	stop()
}

// stopSignal is a resettable stop channel shared by the polling jobs.
type stopSignal struct {
	mu syncutil.Mutex
	ch chan struct{}
}

func (s *stopSignal) arm() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan struct{})
	return s.ch
}

func (s *stopSignal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

// sleep waits for cycle and reports whether the job should go on.
func sleep(ctx context.Context, stop <-chan struct{}, cycle time.Duration) bool {
	timer := time.NewTimer(cycle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// blockingWait runs a driver wait primitive. Once ctx is cancelled stopWait
// is repeated until the wait returns, so a wait entered just after the state
// was left cannot block the executor.
func blockingWait(ctx context.Context, wait func() (spi.WaitResult, error), stopWait func()) (spi.WaitResult, error) {
	returned := make(chan struct{})
	defer close(returned)

	go func() {
		select {
		case <-returned:
			return
		case <-ctx.Done():
		}
		ticker := time.NewTicker(stopRetryInterval)
		defer ticker.Stop()
		for {
			stopWait()
			select {
			case <-returned:
				return
			case <-ticker.C:
			}
		}
	}()

	return wait()
}

const stopRetryInterval = 20 * time.Millisecond

// cardPresenceActiveJob polls the driver presence flag. It raises
// CARD_INSERTED once a card shows up, or CARD_REMOVED once the card is gone
// when watching for removal.
type cardPresenceActiveJob struct {
	reader           *ObservableLocalReader
	cycle            time.Duration
	monitorInsertion bool
	signal           stopSignal
}

var _ monitoringJob = (*cardPresenceActiveJob)(nil)

func (j *cardPresenceActiveJob) task() func(ctx context.Context) {
	stop := j.signal.arm()
	return func(ctx context.Context) {
		defer j.reader.recoverJobPanic()
		log.Debug().Str("reader", j.reader.Name()).Bool("insertion", j.monitorInsertion).Dur("cycle", j.cycle).Msg("Polling card presence")

		for {
			present, err := j.reader.spi.CheckCardPresence()
			if err != nil {
				j.reader.handleObservationError(err)
				return
			}
			if j.monitorInsertion && present {
				j.reader.raise(ctx, EV_CARD_INSERTED)
				return
			}
			if !j.monitorInsertion && !present {
				j.reader.raise(ctx, EV_CARD_REMOVED)
				return
			}
			if !sleep(ctx, stop, j.cycle) {
				return
			}
		}
	}
}

func (j *cardPresenceActiveJob) stop() {
	j.signal.fire()
}

// cardRemovalPingJob probes the card with a neutral APDU until it stops
// answering.
type cardRemovalPingJob struct {
	reader *ObservableLocalReader
	cycle  time.Duration
	signal stopSignal
}

var _ monitoringJob = (*cardRemovalPingJob)(nil)

func (j *cardRemovalPingJob) task() func(ctx context.Context) {
	stop := j.signal.arm()
	return func(ctx context.Context) {
		defer j.reader.recoverJobPanic()
		log.Debug().Str("reader", j.reader.Name()).Dur("cycle", j.cycle).Msg("Pinging card for removal")

		for {
			if ctx.Err() != nil {
				return
			}
			if !j.reader.isCardPresentPing() {
				j.reader.raise(ctx, EV_CARD_REMOVED)
				return
			}
			if !sleep(ctx, stop, j.cycle) {
				return
			}
		}
	}
}

func (j *cardRemovalPingJob) stop() {
	j.signal.fire()
}

// cardInsertionPassiveJob blocks in the driver until a card is inserted.
type cardInsertionPassiveJob struct {
	reader *ObservableLocalReader
	driver spi.CardInsertionBlockingSpi
}

var _ monitoringJob = (*cardInsertionPassiveJob)(nil)

func (j *cardInsertionPassiveJob) task() func(ctx context.Context) {
	return func(ctx context.Context) {
		defer j.reader.recoverJobPanic()
		if ctx.Err() != nil {
			return
		}

		result, err := blockingWait(ctx, j.driver.WaitForCardInsertion, j.driver.StopWaitForCardInsertion)
		if err != nil {
			j.reader.handleWaitError(err, "card insertion")
			return
		}
		if result == spi.WaitCancelled {
			log.Debug().Str("reader", j.reader.Name()).Msg("Waiting for card insertion cancelled")
			return
		}
		j.reader.raise(ctx, EV_CARD_INSERTED)
	}
}

func (j *cardInsertionPassiveJob) stop() {
	log.Trace().Str("reader", j.reader.Name()).Msg("Stop waiting for card insertion")
	j.driver.StopWaitForCardInsertion()
}

// cardRemovalPassiveJob blocks in the driver until the card is removed,
// using the primitive that tolerates APDU traffic when duringProcessing.
type cardRemovalPassiveJob struct {
	reader           *ObservableLocalReader
	wait             func() (spi.WaitResult, error)
	stopWait         func()
	duringProcessing bool
}

var _ monitoringJob = (*cardRemovalPassiveJob)(nil)

func newCardRemovalPassiveJob(reader *ObservableLocalReader, duringProcessing bool) *cardRemovalPassiveJob {
	job := &cardRemovalPassiveJob{reader: reader, duringProcessing: duringProcessing}
	if duringProcessing {
		driver := reader.spi.(spi.CardRemovalDuringProcessingBlockingSpi)
		job.wait = driver.WaitForCardRemovalDuringProcessing
		job.stopWait = driver.StopWaitForCardRemovalDuringProcessing
	} else {
		driver := reader.spi.(spi.CardRemovalBlockingSpi)
		job.wait = driver.WaitForCardRemoval
		job.stopWait = driver.StopWaitForCardRemoval
	}
	return job
}

func (j *cardRemovalPassiveJob) task() func(ctx context.Context) {
	return func(ctx context.Context) {
		defer j.reader.recoverJobPanic()
		if ctx.Err() != nil {
			return
		}

		result, err := blockingWait(ctx, j.wait, j.stopWait)
		if err != nil {
			j.reader.handleWaitError(err, "card removal")
			return
		}
		if result == spi.WaitCancelled {
			log.Debug().Str("reader", j.reader.Name()).Bool("duringProcessing", j.duringProcessing).Msg("Waiting for card removal cancelled")
			return
		}
		j.reader.raise(ctx, EV_CARD_REMOVED)
	}
}

func (j *cardRemovalPassiveJob) stop() {
	log.Trace().Str("reader", j.reader.Name()).Bool("duringProcessing", j.duringProcessing).Msg("Stop waiting for card removal")
	j.stopWait()
}
