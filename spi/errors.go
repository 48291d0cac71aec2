package spi

import (
	"fmt"

	"github.com/pkg/errors"
)

type ReaderIOError struct {
	Message string
	Err     error
}

func (e *ReaderIOError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ReaderIOError) Unwrap() error {
	return e.Err
}

type CardIOError struct {
	Message string
	Err     error
}

func (e *CardIOError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *CardIOError) Unwrap() error {
	return e.Err
}

type PluginIOError struct {
	Message string
	Err     error
}

func (e *PluginIOError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *PluginIOError) Unwrap() error {
	return e.Err
}

type ProtocolNotSupportedError struct {
	Protocol string
}

func (e *ProtocolNotSupportedError) Error() string {
	return fmt.Sprintf("protocol %s not supported", e.Protocol)
}

func NewReaderIOError(err error, format string, args ...interface{}) *ReaderIOError {
	return &ReaderIOError{Message: fmt.Sprintf(format, args...), Err: err}
}

func NewCardIOError(err error, format string, args ...interface{}) *CardIOError {
	return &CardIOError{Message: fmt.Sprintf(format, args...), Err: err}
}

func NewPluginIOError(err error, format string, args ...interface{}) *PluginIOError {
	return &PluginIOError{Message: fmt.Sprintf(format, args...), Err: err}
}

func IsReaderIOError(err error) bool {
	var e *ReaderIOError
	return errors.As(err, &e)
}

func IsCardIOError(err error) bool {
	var e *CardIOError
	return errors.As(err, &e)
}
