// Package stub provides in-memory plugin and reader drivers. Readers hold a
// virtual card answering scripted APDUs, cards are inserted and removed by
// the caller.
package stub

import (
	"encoding/hex"
	"strings"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
)

// UnknownCommand is answered to commands a Card has no response for.
const UnknownCommand = "6D00"

// Card is a virtual smart card. Responses are looked up by the hex form of
// the whole command APDU, case insensitive.
type Card struct {
	powerOnData string
	protocol    string

	mu        syncutil.Mutex
	responses map[string]string
}

func NewCard(powerOnData string, protocol string) *Card {
	return &Card{
		powerOnData: strings.ToUpper(powerOnData),
		protocol:    protocol,
		responses:   make(map[string]string),
	}
}

func (c *Card) PowerOnData() string {
	return c.powerOnData
}

func (c *Card) Protocol() string {
	return c.protocol
}

// SetResponse makes the card answer commandHex with responseHex.
func (c *Card) SetResponse(commandHex string, responseHex string) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[normalizeHex(commandHex)] = normalizeHex(responseHex)
	return c
}

func (c *Card) ClearResponses() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = make(map[string]string)
}

func (c *Card) process(command []byte) []byte {
	c.mu.Lock()
	rsp, ok := c.responses[strings.ToUpper(hex.EncodeToString(command))]
	c.mu.Unlock()
	if !ok {
		rsp = UnknownCommand
	}
	b, err := hex.DecodeString(rsp)
	if err != nil {
		b, _ = hex.DecodeString(UnknownCommand)
	}
	return b
}

func normalizeHex(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}
