package spi

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIOErrorClassification(t *testing.T) {
	readerErr := errors.Wrap(NewReaderIOError(errors.New("usb gone"), "transmit on %s", "r1"), "select")
	cardErr := NewCardIOError(nil, "card removed")

	assert.True(t, IsReaderIOError(readerErr))
	assert.False(t, IsCardIOError(readerErr))
	assert.True(t, IsCardIOError(cardErr))
	assert.False(t, IsReaderIOError(cardErr))
	assert.False(t, IsReaderIOError(nil))

	assert.Equal(t, "select: transmit on r1: usb gone", readerErr.Error())
	assert.Equal(t, "card removed", cardErr.Error())
}

func TestWaitResultString(t *testing.T) {
	assert.Equal(t, "CardDetected", CardDetected.String())
	assert.Equal(t, "WaitCancelled", WaitCancelled.String())
	assert.Equal(t, "unknown", WaitResult(0).String())
}
