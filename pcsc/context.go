// Package pcsc drives PC/SC readers through github.com/ebfe/scard.
package pcsc

import (
	"time"

	"github.com/ebfe/scard"
)

// Card is the part of *scard.Card the driver uses.
type Card interface {
	Status() (*scard.CardStatus, error)
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

// Context is the part of *scard.Context the driver uses.
type Context interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Connect(reader string, mode scard.ShareMode, protocol scard.Protocol) (Card, error)
	Cancel() error
	Release() error
}

// ContextFactory establishes a new PC/SC context.
type ContextFactory func() (Context, error)

type scardContext struct {
	ctx *scard.Context
}

// EstablishContext is the ContextFactory talking to the PC/SC daemon.
func EstablishContext() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &scardContext{ctx: ctx}, nil
}

func (c *scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *scardContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	return c.ctx.GetStatusChange(states, timeout)
}

func (c *scardContext) Connect(reader string, mode scard.ShareMode, protocol scard.Protocol) (Card, error) {
	card, err := c.ctx.Connect(reader, mode, protocol)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (c *scardContext) Cancel() error {
	return c.ctx.Cancel()
}

func (c *scardContext) Release() error {
	return c.ctx.Release()
}

// infinite makes GetStatusChange wait until something changes.
const infinite time.Duration = -1

// pnpNotification is the pseudo reader whose state changes whenever a
// reader is plugged or unplugged.
const pnpNotification = "\\\\?PnP?\\Notification"
