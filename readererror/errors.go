package readererror

import (
	"fmt"

	"github.com/MeneDev/scard-reader-service/card"
)

type ReaderError uint32

const (
	_                            = iota
	ErrorIllegalState            ReaderError = iota
	ErrorReaderNotRegistered     ReaderError = iota
	ErrorPluginNotRegistered     ReaderError = iota
	ErrorPluginAlreadyRegistered ReaderError = iota
	ErrorReaderNotFound          ReaderError = iota
	ErrorNoExceptionHandler      ReaderError = iota
	ErrorInvalidArgument         ReaderError = iota
	ErrorUnsupportedCapability   ReaderError = iota
)

func (e ReaderError) Error() string {
	switch e {
	case ErrorIllegalState:
		return "Illegal state"
	case ErrorReaderNotRegistered:
		return "Reader is not registered"
	case ErrorPluginNotRegistered:
		return "Plugin is not registered"
	case ErrorPluginAlreadyRegistered:
		return "Plugin is already registered"
	case ErrorReaderNotFound:
		return "No reader with the specified name was found"
	case ErrorNoExceptionHandler:
		return "No exception handler defined"
	case ErrorInvalidArgument:
		return "Invalid argument"
	case ErrorUnsupportedCapability:
		return "Reader driver does not expose a usable monitoring capability"
	}
	return "unknown error"
}

// ReaderBrokenCommunicationError reports a transport failure on the reader
// side. CardResponse holds whatever was received before the failure.
type ReaderBrokenCommunicationError struct {
	CardResponse         *card.CardResponse
	AllRequestsProcessed bool
	Message              string
	Err                  error
}

func (e *ReaderBrokenCommunicationError) Error() string {
	return formatCause(e.Message, e.Err)
}

func (e *ReaderBrokenCommunicationError) Unwrap() error {
	return e.Err
}

// CardBrokenCommunicationError reports a transport failure on the card side,
// typically a removed card.
type CardBrokenCommunicationError struct {
	CardResponse         *card.CardResponse
	AllRequestsProcessed bool
	Message              string
	Err                  error
}

func (e *CardBrokenCommunicationError) Error() string {
	return formatCause(e.Message, e.Err)
}

func (e *CardBrokenCommunicationError) Unwrap() error {
	return e.Err
}

// UnexpectedStatusWordError is raised when a response carries a status word
// outside the successful set of its request and the card request asked to
// stop on it.
type UnexpectedStatusWordError struct {
	CardResponse         *card.CardResponse
	AllRequestsProcessed bool
	StatusWord           uint16
}

func (e *UnexpectedStatusWordError) Error() string {
	return fmt.Sprintf("Unexpected status word %04X", e.StatusWord)
}

type ReaderProtocolNotSupportedError struct {
	Protocol string
	Err      error
}

func (e *ReaderProtocolNotSupportedError) Error() string {
	return formatCause(fmt.Sprintf("Reader protocol %s not supported", e.Protocol), e.Err)
}

func (e *ReaderProtocolNotSupportedError) Unwrap() error {
	return e.Err
}

func formatCause(msg string, cause error) string {
	if cause == nil {
		return msg
	}
	return msg + ": " + cause.Error()
}
