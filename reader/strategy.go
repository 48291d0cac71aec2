package reader

import (
	"time"

	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
)

// StrategyKind tells how a monitoring state learns about card movements.
type StrategyKind int

const (
	_ StrategyKind = iota
	// NoMonitoring: the state runs no job.
	NoMonitoring StrategyKind = iota
	// Autonomous: the driver pushes events through a listener.
	Autonomous StrategyKind = iota
	// ActivePolling: a job polls the driver every Cycle.
	ActivePolling StrategyKind = iota
	// BlockingWait: a job blocks in a driver wait primitive.
	BlockingWait StrategyKind = iota
)

func (k StrategyKind) String() string {
	switch k {
	case NoMonitoring:
		return "none"
	case Autonomous:
		return "autonomous"
	case ActivePolling:
		return "active polling"
	case BlockingWait:
		return "blocking wait"
	}
	return "unknown"
}

// MonitoringStrategy is resolved once per reader from the capabilities its
// driver implements.
type MonitoringStrategy struct {
	Kind  StrategyKind
	Cycle time.Duration
	// DuringProcessing selects the removal wait primitive usable while the
	// application still exchanges APDUs.
	DuringProcessing bool
}

// MonitoringStrategies groups the strategies of the three monitored states.
type MonitoringStrategies struct {
	Insertion  MonitoringStrategy
	Processing MonitoringStrategy
	Removal    MonitoringStrategy
}

// ProbeMonitoringStrategies inspects which optional capabilities readerSpi
// implements. Autonomous beats non-blocking which beats blocking. Insertion
// and removal monitoring are mandatory.
func ProbeMonitoringStrategies(readerSpi spi.ReaderSpi, config *Config) (MonitoringStrategies, error) {
	var strategies MonitoringStrategies

	switch s := readerSpi.(type) {
	case spi.CardInsertionAutonomousSpi:
		strategies.Insertion = MonitoringStrategy{Kind: Autonomous}
	case spi.CardInsertionNonBlockingSpi:
		strategies.Insertion = MonitoringStrategy{Kind: ActivePolling, Cycle: config.insertionCycle(s.CardInsertionPollCycle())}
	case spi.CardInsertionBlockingSpi:
		strategies.Insertion = MonitoringStrategy{Kind: BlockingWait}
	default:
		return strategies, errors.Wrapf(readererror.ErrorUnsupportedCapability, "reader %s has no card insertion capability", readerSpi.Name())
	}

	if _, ok := readerSpi.(spi.CardRemovalDuringProcessingBlockingSpi); ok {
		strategies.Processing = MonitoringStrategy{Kind: BlockingWait, DuringProcessing: true}
	} else {
		strategies.Processing = MonitoringStrategy{Kind: NoMonitoring}
	}

	switch s := readerSpi.(type) {
	case spi.CardRemovalAutonomousSpi:
		strategies.Removal = MonitoringStrategy{Kind: Autonomous}
	case spi.CardRemovalNonBlockingSpi:
		strategies.Removal = MonitoringStrategy{Kind: ActivePolling, Cycle: config.removalCycle(s.CardRemovalPollCycle())}
	case spi.CardRemovalBlockingSpi:
		strategies.Removal = MonitoringStrategy{Kind: BlockingWait}
	case spi.CardRemovalDuringProcessingBlockingSpi:
		strategies.Removal = MonitoringStrategy{Kind: BlockingWait, DuringProcessing: true}
	default:
		return strategies, errors.Wrapf(readererror.ErrorUnsupportedCapability, "reader %s has no card removal capability", readerSpi.Name())
	}

	return strategies, nil
}
