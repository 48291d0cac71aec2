// Package spi defines what a reader driver has to provide. Only ReaderSpi is
// mandatory; the other interfaces are capabilities probed at runtime.
package spi

import "time"

// ReaderSpi is the mandatory part of a reader driver.
//
// Failures are reported as *ReaderIOError (the reader is gone or broken) or
// *CardIOError (the card is gone or does not answer).
type ReaderSpi interface {
	Name() string
	IsContactless() bool

	OpenPhysicalChannel() error
	ClosePhysicalChannel() error
	IsPhysicalChannelOpen() bool

	// CheckCardPresence reports an absent card as (false, nil).
	CheckCardPresence() (bool, error)

	// PowerOnData returns the ATR-like data of the present card as hex.
	PowerOnData() string
	TransmitApdu(apdu []byte) ([]byte, error)

	OnUnregister()
}

// ConfigurableReaderSpi is implemented by drivers able to tell which
// low-level protocol the present card uses.
type ConfigurableReaderSpi interface {
	IsProtocolSupported(readerProtocol string) bool
	ActivateProtocol(readerProtocol string) error
	DeactivateProtocol(readerProtocol string) error
	IsCurrentProtocol(readerProtocol string) bool
}

// AutonomousSelectionReaderSpi is implemented by drivers that select
// applications themselves instead of relaying a SELECT APDU.
type AutonomousSelectionReaderSpi interface {
	OpenChannelForAid(aid []byte, p2 byte) ([]byte, error)
	CloseLogicalChannel()
}

// ObservableReaderSpi is implemented by drivers able to report card
// insertion and removal.
type ObservableReaderSpi interface {
	ReaderSpi
	OnStartDetection()
	OnStopDetection()
}

type WaitResult int

const (
	_             = iota
	CardDetected  WaitResult = iota
	WaitCancelled WaitResult = iota
)

func (r WaitResult) String() string {
	switch r {
	case CardDetected:
		return "CardDetected"
	case WaitCancelled:
		return "WaitCancelled"
	}
	return "unknown"
}

type CardInsertionListener interface {
	OnCardInserted()
}

type CardRemovalListener interface {
	OnCardRemoved()
}

// CardInsertionAutonomousSpi drivers push insertions through the listener.
type CardInsertionAutonomousSpi interface {
	ConnectInsertionListener(listener CardInsertionListener)
}

// CardInsertionNonBlockingSpi drivers are polled with CheckCardPresence.
// A zero cycle selects the default.
type CardInsertionNonBlockingSpi interface {
	CardInsertionPollCycle() time.Duration
}

// CardInsertionBlockingSpi drivers block until a card is inserted.
// StopWaitForCardInsertion must make a pending wait return WaitCancelled and
// must be harmless when nothing is waiting.
type CardInsertionBlockingSpi interface {
	WaitForCardInsertion() (WaitResult, error)
	StopWaitForCardInsertion()
}

// CardRemovalAutonomousSpi drivers push removals through the listener.
type CardRemovalAutonomousSpi interface {
	ConnectRemovalListener(listener CardRemovalListener)
}

// CardRemovalNonBlockingSpi drivers are probed with a ping APDU.
// A zero cycle selects the default.
type CardRemovalNonBlockingSpi interface {
	CardRemovalPollCycle() time.Duration
}

type CardRemovalBlockingSpi interface {
	WaitForCardRemoval() (WaitResult, error)
	StopWaitForCardRemoval()
}

// CardRemovalDuringProcessingBlockingSpi drivers can watch for removal while
// the application exchanges APDUs with the card.
type CardRemovalDuringProcessingBlockingSpi interface {
	WaitForCardRemovalDuringProcessing() (WaitResult, error)
	StopWaitForCardRemovalDuringProcessing()
}
