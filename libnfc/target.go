package libnfc

import (
	"encoding/hex"
	"strings"

	"github.com/clausecker/nfc/v2"
)

// Reader protocol names.
const (
	ISO_14443_4       = "ISO_14443_4"
	MIFARE_ULTRALIGHT = "MIFARE_ULTRALIGHT"
	MIFARE_CLASSIC_1K = "MIFARE_CLASSIC_1K"
	MIFARE_CLASSIC_4K = "MIFARE_CLASSIC_4K"
	FELICA            = "FELICA"
	JEWEL             = "JEWEL"
)

var supportedProtocols = []string{ISO_14443_4, MIFARE_ULTRALIGHT, MIFARE_CLASSIC_1K, MIFARE_CLASSIC_4K, FELICA, JEWEL}

// DefaultModulations are polled in this order.
func DefaultModulations() []nfc.Modulation {
	return []nfc.Modulation{
		{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106},
		{Type: nfc.ISO14443b, BaudRate: nfc.Nbr106},
		{Type: nfc.Felica, BaudRate: nfc.Nbr212},
		{Type: nfc.Felica, BaudRate: nfc.Nbr424},
		{Type: nfc.Jewel, BaudRate: nfc.Nbr106},
	}
}

// storage card names of PC/SC part 3
var storageCardNames = map[string][]byte{
	MIFARE_CLASSIC_1K: {0x00, 0x01},
	MIFARE_CLASSIC_4K: {0x00, 0x02},
	MIFARE_ULTRALIGHT: {0x00, 0x03},
}

// protocolOf names the reader protocol spoken by target.
func protocolOf(target nfc.Target) string {
	switch t := target.(type) {
	case *nfc.ISO14443aTarget:
		switch {
		case t.Sak&0x20 != 0:
			return ISO_14443_4
		case t.Sak == 0x08:
			return MIFARE_CLASSIC_1K
		case t.Sak == 0x18:
			return MIFARE_CLASSIC_4K
		case t.Sak == 0x00:
			return MIFARE_ULTRALIGHT
		}
	case *nfc.ISO14443bTarget:
		return ISO_14443_4
	case *nfc.FelicaTarget:
		return FELICA
	case *nfc.JewelTarget:
		return JEWEL
	}
	return ""
}

// powerOnData builds the ATR a PC/SC reader would report for target, so that
// power-on data filters behave the same with both drivers. FeliCa and Jewel
// tags have no such ATR and report their ID.
func powerOnData(target nfc.Target) string {
	var atr []byte
	switch t := target.(type) {
	case *nfc.ISO14443aTarget:
		if name, ok := storageCardNames[protocolOf(t)]; ok {
			historical := []byte{0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03}
			historical = append(historical, name...)
			historical = append(historical, 0x00, 0x00, 0x00, 0x00)
			atr = contactlessAtr(historical)
		} else {
			atr = contactlessAtr(atsHistoricalBytes(t.Ats[:t.AtsLen]))
		}
	case *nfc.ISO14443bTarget:
		historical := append(append([]byte{}, t.ApplicationData[:]...), t.ProtocolInfo[:]...)
		atr = contactlessAtr(append(historical, 0x00))
	case *nfc.FelicaTarget:
		atr = t.ID[:]
	case *nfc.JewelTarget:
		atr = t.ID[:]
	}
	return strings.ToUpper(hex.EncodeToString(atr))
}

// contactlessAtr wraps historical bytes as 3B 8n 80 01 ... TCK.
func contactlessAtr(historical []byte) []byte {
	if len(historical) > 15 {
		historical = historical[:15]
	}
	atr := []byte{0x3B, 0x80 | byte(len(historical)), 0x80, 0x01}
	atr = append(atr, historical...)
	var tck byte
	for _, b := range atr[1:] {
		tck ^= b
	}
	return append(atr, tck)
}

// atsHistoricalBytes skips the format byte and the interface bytes it
// announces. libnfc hands the ATS over without its length byte.
func atsHistoricalBytes(ats []byte) []byte {
	if len(ats) == 0 {
		return nil
	}
	t0 := ats[0]
	i := 1
	for _, bit := range []byte{0x10, 0x20, 0x40} {
		if t0&bit != 0 {
			i++
		}
	}
	if i >= len(ats) {
		return nil
	}
	return ats[i:]
}
