package reader

import (
	"context"
	"testing"
	"time"

	"github.com/MeneDev/scard-reader-service/apdu"
	"github.com/MeneDev/scard-reader-service/card"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func observableReader(t *testing.T, driver spi.ObservableReaderSpi) (*ObservableLocalReader, *recordingObserver, *recordingHandler) {
	r, err := NewObservableLocalReader(driver, "plugin", DefaultConfig())
	require.NoError(t, err)
	r.Register()

	handler := &recordingHandler{}
	observer := &recordingObserver{}
	require.NoError(t, r.SetReaderObservationExceptionHandler(handler))
	require.NoError(t, r.AddObserver(observer))

	t.Cleanup(r.Unregister)
	return r, observer, handler
}

func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, waitFor, tick, msg)
}

func inState(r *ObservableLocalReader, state MonitoringState) func() bool {
	return func() bool { return r.CurrentMonitoringState() == state }
}

func assertSingleActiveState(t *testing.T, r *ObservableLocalReader) {
	t.Helper()
	s := r.stateService
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for id, st := range s.states {
		if st.active {
			active++
			assert.Equal(t, s.current.id, id)
		}
	}
	assert.Equal(t, 1, active)
}

func TestProbeMonitoringStrategies(t *testing.T) {
	t.Run("polling driver", func(t *testing.T) {
		strategies, err := ProbeMonitoringStrategies(&pollingReaderSpi{newFakeReaderSpi("r")}, DefaultConfig())

		require.NoError(t, err)
		assert.Equal(t, MonitoringStrategy{Kind: ActivePolling, Cycle: 5 * time.Millisecond}, strategies.Insertion)
		assert.Equal(t, NoMonitoring, strategies.Processing.Kind)
		assert.Equal(t, MonitoringStrategy{Kind: ActivePolling, Cycle: 5 * time.Millisecond}, strategies.Removal)
	})

	t.Run("blocking driver", func(t *testing.T) {
		strategies, err := ProbeMonitoringStrategies(&blockingProcessingReaderSpi{newBlockingReaderSpi("r")}, DefaultConfig())

		require.NoError(t, err)
		assert.Equal(t, BlockingWait, strategies.Insertion.Kind)
		assert.Equal(t, MonitoringStrategy{Kind: BlockingWait, DuringProcessing: true}, strategies.Processing)
		assert.Equal(t, MonitoringStrategy{Kind: BlockingWait}, strategies.Removal)
	})

	t.Run("autonomous driver", func(t *testing.T) {
		strategies, err := ProbeMonitoringStrategies(&autonomousReaderSpi{fakeReaderSpi: newFakeReaderSpi("r")}, DefaultConfig())

		require.NoError(t, err)
		assert.Equal(t, Autonomous, strategies.Insertion.Kind)
		assert.Equal(t, Autonomous, strategies.Removal.Kind)
	})

	t.Run("driver without capabilities", func(t *testing.T) {
		_, err := ProbeMonitoringStrategies(newFakeReaderSpi("r"), DefaultConfig())

		assert.True(t, errors.Is(err, readererror.ErrorUnsupportedCapability))
	})

	t.Run("zero driver cycle falls back to the configuration", func(t *testing.T) {
		config := &Config{InsertionPollCycle: time.Second, RemovalPollCycle: 2 * time.Second}

		assert.Equal(t, time.Second, config.insertionCycle(0))
		assert.Equal(t, 2*time.Second, config.removalCycle(0))
		assert.Equal(t, time.Millisecond, config.removalCycle(time.Millisecond))
	})
}

func TestObservableLocalReader_RepeatingPolling(t *testing.T) {
	driver := &pollingReaderSpi{newFakeReaderSpi("r")}
	r, observer, handler := observableReader(t, driver)

	assert.Equal(t, WAIT_FOR_START_DETECTION, r.CurrentMonitoringState())
	require.NoError(t, r.StartCardDetection(REPEATING))
	eventually(t, inState(r, WAIT_FOR_CARD_INSERTION), "insertion not awaited")

	driver.setPresent(true)
	eventually(t, inState(r, WAIT_FOR_CARD_PROCESSING), "card not detected")
	eventually(t, func() bool { return len(observer.types()) == 1 }, "no event")
	assert.Equal(t, CARD_INSERTED, observer.last().Type)
	assert.Equal(t, "r", observer.last().ReaderName)
	assert.Equal(t, "plugin", observer.last().PluginName)
	assertSingleActiveState(t, r)

	r.FinalizeCardProcessing()
	eventually(t, inState(r, WAIT_FOR_CARD_REMOVAL), "removal not awaited")

	driver.setPresent(false)
	eventually(t, inState(r, WAIT_FOR_CARD_INSERTION), "removal not detected")
	eventually(t, func() bool { return len(observer.types()) == 2 }, "no removal event")
	assert.Equal(t, []ReaderEventType{CARD_INSERTED, CARD_REMOVED}, observer.types())
	assert.Contains(t, driver.sentHex(), "00c0000000")
	assertSingleActiveState(t, r)

	start, _ := driver.detections()
	assert.Equal(t, 1, start)
	assert.Zero(t, handler.count())
}

func TestObservableLocalReader_SingleShotBlocking(t *testing.T) {
	driver := newBlockingReaderSpi("r")
	r, observer, _ := observableReader(t, driver)

	require.NoError(t, r.StartCardDetection(SINGLESHOT))
	driver.insert()
	eventually(t, func() bool { return len(observer.types()) == 1 }, "card not detected")

	r.FinalizeCardProcessing()

	assert.Equal(t, WAIT_FOR_START_DETECTION, r.CurrentMonitoringState())
	assert.Equal(t, []ReaderEventType{CARD_INSERTED, CARD_REMOVED}, observer.types())
	assertSingleActiveState(t, r)
}

func TestObservableLocalReader_RemovalDuringProcessing(t *testing.T) {
	driver := &blockingProcessingReaderSpi{newBlockingReaderSpi("r")}
	r, observer, _ := observableReader(t, driver)

	require.NoError(t, r.StartCardDetection(REPEATING))
	driver.insert()
	eventually(t, func() bool { return len(observer.types()) == 1 }, "card not detected")
	assert.Equal(t, WAIT_FOR_CARD_PROCESSING, r.CurrentMonitoringState())

	driver.remove()
	eventually(t, inState(r, WAIT_FOR_CARD_INSERTION), "removal not detected")
	eventually(t, func() bool { return len(observer.types()) == 2 }, "no removal event")
	assert.Equal(t, CARD_REMOVED, observer.last().Type)

	driver.insert()
	eventually(t, func() bool { return len(observer.types()) == 3 }, "card not detected again")
}

func TestObservableLocalReader_StopDetection(t *testing.T) {
	t.Run("while waiting for insertion", func(t *testing.T) {
		driver := newBlockingReaderSpi("r")
		r, observer, _ := observableReader(t, driver)

		require.NoError(t, r.StartCardDetection(REPEATING))
		r.StopCardDetection()

		assert.Equal(t, WAIT_FOR_START_DETECTION, r.CurrentMonitoringState())
		assert.Empty(t, observer.types())
		start, stop := driver.detections()
		assert.Equal(t, 1, start)
		assert.Equal(t, 1, stop)
	})

	t.Run("while processing notifies removal", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		r, observer, _ := observableReader(t, driver)

		require.NoError(t, r.StartCardDetection(REPEATING))
		driver.setPresent(true)
		eventually(t, func() bool { return len(observer.types()) == 1 }, "card not detected")

		r.StopCardDetection()

		assert.Equal(t, WAIT_FOR_START_DETECTION, r.CurrentMonitoringState())
		assert.Equal(t, []ReaderEventType{CARD_INSERTED, CARD_REMOVED}, observer.types())
	})

	t.Run("start requires registration", func(t *testing.T) {
		r, err := NewObservableLocalReader(newBlockingReaderSpi("r"), "plugin", nil)
		require.NoError(t, err)

		assert.True(t, errors.Is(r.StartCardDetection(REPEATING), readererror.ErrorReaderNotRegistered))
	})
}

func TestObservableLocalReader_FinalizeFromObserver(t *testing.T) {
	driver := &pollingReaderSpi{newFakeReaderSpi("r")}
	r, observer, _ := observableReader(t, driver)
	observer.onEvent = func(event ReaderEvent) {
		if event.Type == CARD_INSERTED {
			r.FinalizeCardProcessing()
		}
	}

	require.NoError(t, r.StartCardDetection(REPEATING))
	driver.setPresent(true)

	eventually(t, inState(r, WAIT_FOR_CARD_REMOVAL), "processing not finalized")
}

func TestObservableLocalReader_Scenario(t *testing.T) {
	aid := apdu.MustHex("A000000291")
	selectCommand := "00a4040005a00000029100"

	scenario := func(t *testing.T) *card.CardSelectionScenario {
		return card.NewCardSelectionScenario(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithAid(aid))},
			card.FIRST_MATCH, card.KEEP_OPEN)
	}

	t.Run("matching card", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		driver.answer(selectCommand, "6f0a8408a0000002910000009000")
		r, observer, _ := observableReader(t, driver)
		r.ScheduleCardSelectionScenario(scenario(t), MATCHED_ONLY)

		require.NoError(t, r.StartCardDetection(REPEATING))
		driver.setPresent(true)

		eventually(t, func() bool { return len(observer.types()) == 1 }, "no event")
		event := observer.last()
		assert.Equal(t, CARD_MATCHED, event.Type)
		require.NotNil(t, event.ScheduledCardSelectionsResponse)
		require.Len(t, event.ScheduledCardSelectionsResponse.CardSelectionResponses, 1)
		assert.True(t, event.ScheduledCardSelectionsResponse.CardSelectionResponses[0].HasMatched)
		assert.True(t, r.IsLogicalChannelOpen())
	})

	t.Run("non matching card with matched only notification", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		driver.answer(selectCommand, "6a82")
		r, observer, _ := observableReader(t, driver)
		r.ScheduleCardSelectionScenario(scenario(t), MATCHED_ONLY)

		require.NoError(t, r.StartCardDetection(REPEATING))
		driver.setPresent(true)

		eventually(t, inState(r, WAIT_FOR_CARD_REMOVAL), "rejected card removal not awaited")
		assert.Empty(t, observer.types())
	})

	t.Run("non matching card with always notification", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		driver.answer(selectCommand, "6a82")
		r, observer, _ := observableReader(t, driver)
		r.ScheduleCardSelectionScenario(scenario(t), ALWAYS)

		require.NoError(t, r.StartCardDetection(REPEATING))
		driver.setPresent(true)

		eventually(t, func() bool { return len(observer.types()) == 1 }, "no event")
		event := observer.last()
		assert.Equal(t, CARD_INSERTED, event.Type)
		require.NotNil(t, event.ScheduledCardSelectionsResponse)
		assert.False(t, event.ScheduledCardSelectionsResponse.CardSelectionResponses[0].HasMatched)
		assert.Equal(t, WAIT_FOR_CARD_PROCESSING, r.CurrentMonitoringState())
	})

	t.Run("reader failure during selection is reported", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		driver.failOn(selectCommand, spi.NewReaderIOError(nil, "reader unplugged"))
		r, observer, handler := observableReader(t, driver)
		r.ScheduleCardSelectionScenario(scenario(t), ALWAYS)

		require.NoError(t, r.StartCardDetection(REPEATING))
		driver.setPresent(true)

		eventually(t, inState(r, WAIT_FOR_CARD_REMOVAL), "reader did not settle")
		eventually(t, func() bool { return handler.count() == 1 }, "error not reported")
		assert.Empty(t, observer.types())
	})

	t.Run("card failure during selection is silent", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		driver.failOn(selectCommand, spi.NewCardIOError(nil, "card pulled"))
		r, observer, handler := observableReader(t, driver)
		r.ScheduleCardSelectionScenario(scenario(t), ALWAYS)

		require.NoError(t, r.StartCardDetection(REPEATING))
		driver.setPresent(true)

		eventually(t, inState(r, WAIT_FOR_CARD_REMOVAL), "reader did not settle")
		assert.Zero(t, handler.count())
		assert.Empty(t, observer.types())
		assert.False(t, driver.IsPhysicalChannelOpen())
	})
}

func TestObservableLocalReader_ObserverIsolation(t *testing.T) {
	driver := &autonomousReaderSpi{fakeReaderSpi: newFakeReaderSpi("r")}
	r, observer, handler := observableReader(t, driver)
	require.NoError(t, r.AddObserver(panickingObserver{}))
	second := &recordingObserver{}
	require.NoError(t, r.AddObserver(second))

	require.NoError(t, r.StartCardDetection(REPEATING))
	driver.setPresent(true)
	driver.insertion.OnCardInserted()

	assert.Equal(t, []ReaderEventType{CARD_INSERTED}, observer.types())
	assert.Equal(t, []ReaderEventType{CARD_INSERTED}, second.types())
	assert.Equal(t, 1, handler.count())
	assert.Equal(t, WAIT_FOR_CARD_PROCESSING, r.CurrentMonitoringState())
}

type labelledObserver struct {
	labels []string
}

func (labelledObserver) OnReaderEvent(ReaderEvent) {}

func TestObservableLocalReader_ValueObservers(t *testing.T) {
	driver := &autonomousReaderSpi{fakeReaderSpi: newFakeReaderSpi("r")}
	r, _, _ := observableReader(t, driver)

	assert.NotPanics(t, func() {
		require.NoError(t, r.AddObserver(labelledObserver{labels: []string{"a"}}))
		require.NoError(t, r.AddObserver(labelledObserver{labels: []string{"b"}}))
	})
	assert.Equal(t, 3, r.CountObservers())
}

func TestObservableLocalReader_Autonomous(t *testing.T) {
	driver := &autonomousReaderSpi{fakeReaderSpi: newFakeReaderSpi("r")}
	r, observer, _ := observableReader(t, driver)

	require.NoError(t, r.StartCardDetection(REPEATING))
	driver.setPresent(true)
	driver.insertion.OnCardInserted()
	r.FinalizeCardProcessing()
	assert.Equal(t, WAIT_FOR_CARD_REMOVAL, r.CurrentMonitoringState())

	driver.setPresent(false)
	driver.removal.OnCardRemoved()

	assert.Equal(t, WAIT_FOR_CARD_INSERTION, r.CurrentMonitoringState())
	assert.Equal(t, []ReaderEventType{CARD_INSERTED, CARD_REMOVED}, observer.types())

	t.Run("removal while waiting for insertion restarts the wait", func(t *testing.T) {
		before := r.stateService.states[WAIT_FOR_CARD_INSERTION].activations
		driver.removal.OnCardRemoved()

		assert.Equal(t, WAIT_FOR_CARD_INSERTION, r.CurrentMonitoringState())
		assert.Equal(t, before+1, r.stateService.states[WAIT_FOR_CARD_INSERTION].activations)
		assertSingleActiveState(t, r)
	})

	t.Run("events out of place are ignored", func(t *testing.T) {
		r.FinalizeCardProcessing()

		assert.Equal(t, WAIT_FOR_CARD_INSERTION, r.CurrentMonitoringState())
	})
}

func TestObservableLocalReader_Unregister(t *testing.T) {
	driver := newBlockingReaderSpi("r")
	r, err := NewObservableLocalReader(driver, "plugin", DefaultConfig())
	require.NoError(t, err)
	r.Register()
	handler := &recordingHandler{}
	observer := &recordingObserver{}
	require.NoError(t, r.SetReaderObservationExceptionHandler(handler))
	require.NoError(t, r.AddObserver(observer))

	require.NoError(t, r.StartCardDetection(REPEATING))
	// let the insertion job block in the driver
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Unregister()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("unregister did not return")
	}
	assert.Equal(t, []ReaderEventType{UNAVAILABLE}, observer.types())
	assert.Zero(t, r.CountObservers())
	assert.False(t, r.IsRegistered())
	assert.True(t, driver.unregistered)
	assert.True(t, r.stateService.executor.IsShutdown())
}

func TestMonitoringJobs(t *testing.T) {
	t.Run("presence polling reports driver failures", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		driver.presenceErr = spi.NewReaderIOError(nil, "gone")
		r, _, handler := observableReader(t, driver)

		require.NoError(t, r.StartCardDetection(REPEATING))

		eventually(t, func() bool { return handler.count() == 1 }, "failure not reported")
		assert.Equal(t, WAIT_FOR_CARD_INSERTION, r.CurrentMonitoringState())
	})

	t.Run("inverse presence polling raises removal", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		r, _, _ := observableReader(t, driver)
		require.NoError(t, r.StartCardDetection(REPEATING))
		before := func() int {
			r.stateService.mu.Lock()
			defer r.stateService.mu.Unlock()
			return r.stateService.states[WAIT_FOR_CARD_INSERTION].activations
		}
		initial := before()

		job := &cardPresenceActiveJob{reader: r, cycle: tick}
		job.task()(context.Background())

		assert.Equal(t, initial+1, before())
	})

	t.Run("cancelled job does not raise", func(t *testing.T) {
		driver := &pollingReaderSpi{newFakeReaderSpi("r")}
		driver.setPresent(true)
		r, observer, _ := observableReader(t, driver)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		job := &cardPresenceActiveJob{reader: r, cycle: tick, monitorInsertion: true}
		job.task()(ctx)

		assert.Empty(t, observer.types())
	})

	t.Run("reader failure in a blocking wait is benign", func(t *testing.T) {
		driver := newBlockingReaderSpi("r")
		r, _, handler := observableReader(t, driver)

		r.handleWaitError(spi.NewReaderIOError(nil, "wait failed"), "card insertion")
		r.handleWaitError(errors.New("driver bug"), "card insertion")

		assert.Equal(t, 1, handler.count())
	})

	t.Run("blocking wait survives a stop sent before the wait", func(t *testing.T) {
		driver := newBlockingReaderSpi("r")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := blockingWait(ctx, driver.WaitForCardInsertion, driver.StopWaitForCardInsertion)

		require.NoError(t, err)
		assert.Equal(t, spi.WaitCancelled, result)
	})
}
