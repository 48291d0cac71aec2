// Package apdu holds the ISO-7816-4 byte layouts used by the reader engine.
package apdu

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

type INS byte

const (
	SELECT       INS = 0xA4
	GET_RESPONSE INS = 0xC0
)

const (
	offsetCla = 0
	offsetIns = 1
	offsetP1  = 2
	offsetP2  = 3
	offsetLc  = 4
)

const (
	sw1Mask uint16 = 0xFF00
	sw2Mask uint16 = 0x00FF

	SW_6100 uint16 = 0x6100
	SW_6C00 uint16 = 0x6C00
	SW_9000 uint16 = 0x9000
)

// MaxAidLength is the largest AID accepted by a SELECT command.
const MaxAidLength = 16

// MaxChainingDepth bounds the number of chained GET RESPONSE / Le correction
// exchanges a single command may trigger.
const MaxChainingDepth = 16

// selectByName is the P1 value of a SELECT by DF name.
const selectByName byte = 0x04

// PingCardPresence is a neutral GET RESPONSE any present card answers.
var PingCardPresence = []byte{0x00, byte(GET_RESPONSE), 0x00, 0x00, 0x00}

// StatusWord returns the two trailing bytes of a response, 0 if the response
// is too short to carry one.
func StatusWord(rsp []byte) uint16 {
	if len(rsp) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(rsp[len(rsp)-2:])
}

// DataOut returns the response without its status word.
func DataOut(rsp []byte) []byte {
	if len(rsp) < 2 {
		return []byte{}
	}
	return rsp[:len(rsp)-2]
}

func SW1(sw uint16) uint16 {
	return sw & sw1Mask
}

func SW2(sw uint16) byte {
	return byte(sw & sw2Mask)
}

// IsCase4 tells whether the command carries both incoming data and an Le byte
// (CLA INS P1 P2 Lc Data Le).
func IsCase4(cmd []byte) bool {
	if len(cmd) <= offsetLc {
		return false
	}
	return int(cmd[offsetLc]) == len(cmd)-6
}

// Le returns the trailing byte of a command.
func Le(cmd []byte) byte {
	if len(cmd) == 0 {
		return 0
	}
	return cmd[len(cmd)-1]
}

// WithLe returns a copy of cmd whose last byte is replaced by le.
func WithLe(cmd []byte, le byte) []byte {
	out := make([]byte, len(cmd))
	copy(out, cmd)
	if len(out) > 0 {
		out[len(out)-1] = le
	}
	return out
}

// GetResponse builds 00 C0 00 00 <le>.
func GetResponse(le byte) []byte {
	return []byte{0x00, byte(GET_RESPONSE), 0x00, 0x00, le}
}

// SelectApplication builds 00 A4 04 <p2> <Lc> <aid> 00.
func SelectApplication(aid []byte, p2 byte) ([]byte, error) {
	if len(aid) > MaxAidLength {
		return nil, errors.Errorf("aid too long: %d bytes (max %d)", len(aid), MaxAidLength)
	}

	cmd := make([]byte, 6+len(aid))
	cmd[offsetCla] = 0x00
	cmd[offsetIns] = byte(SELECT)
	cmd[offsetP1] = selectByName
	cmd[offsetP2] = p2
	cmd[offsetLc] = byte(len(aid))
	copy(cmd[5:], aid)
	cmd[5+len(aid)] = 0x00
	return cmd, nil
}

// FromHex parses a hex string, tolerating blanks between bytes.
func FromHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hex string %q", s)
	}
	return b, nil
}

// MustHex is FromHex for literals.
func MustHex(s string) []byte {
	b, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return b
}
