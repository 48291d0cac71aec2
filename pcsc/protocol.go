package pcsc

import (
	"regexp"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
)

// Reader protocol names understood by the default rules.
const (
	ISO_14443_4        = "ISO_14443_4"
	INNOVATRON_B_PRIME = "INNOVATRON_B_PRIME_CARD"
	MIFARE_ULTRALIGHT  = "MIFARE_ULTRALIGHT"
	MIFARE_CLASSIC_1K  = "MIFARE_CLASSIC_1K"
	MIFARE_CLASSIC_4K  = "MIFARE_CLASSIC_4K"
	ISO_7816_3_T0      = "ISO_7816_3_T0"
	ISO_7816_3_T1      = "ISO_7816_3_T1"
	ISO_7816_3         = "ISO_7816_3"
)

// ProtocolRule identifies a reader protocol from the ATR of the card and,
// when set, the transmission protocol negotiated by PC/SC.
type ProtocolRule struct {
	Protocol       string
	Atr            *regexp.Regexp
	ActiveProtocol scard.Protocol
}

// NewProtocolRule compiles atrExpr, which has to match the whole hex ATR.
func NewProtocolRule(protocol string, atrExpr string, active scard.Protocol) (ProtocolRule, error) {
	re, err := regexp.Compile("^(?:" + atrExpr + ")$")
	if err != nil {
		return ProtocolRule{}, errors.Wrapf(err, "invalid ATR pattern for %s", protocol)
	}
	return ProtocolRule{Protocol: protocol, Atr: re, ActiveProtocol: active}, nil
}

func mustRule(protocol string, atrExpr string, active scard.Protocol) ProtocolRule {
	rule, err := NewProtocolRule(protocol, atrExpr, active)
	if err != nil {
		panic(err)
	}
	return rule
}

// DefaultProtocolRules lists the usual contactless ATR layouts of PC/SC
// part 3 before the contact protocols. The first matching rule wins.
func DefaultProtocolRules() []ProtocolRule {
	return []ProtocolRule{
		mustRule(MIFARE_ULTRALIGHT, "3B8F8001804F0CA0000003060300030000000068", 0),
		mustRule(MIFARE_CLASSIC_1K, "3B8F8001804F0CA000000306030001000000006A", 0),
		mustRule(MIFARE_CLASSIC_4K, "3B8F8001804F0CA0000003060300020000000069", 0),
		mustRule(INNOVATRON_B_PRIME, "3B8F8001805A0A0103200311[0-9A-F]{8}829000[0-9A-F]{2}", 0),
		mustRule(ISO_14443_4, "3B8[0-9A-F]8001[0-9A-F]*", 0),
		mustRule(ISO_7816_3_T0, "3[0-9A-F]*", scard.ProtocolT0),
		mustRule(ISO_7816_3_T1, "3[0-9A-F]*", scard.ProtocolT1),
		mustRule(ISO_7816_3, "3[0-9A-F]*", 0),
	}
}

// identify returns the protocol of the first rule matching atr and active.
func identify(rules []ProtocolRule, atr string, active scard.Protocol) string {
	for _, rule := range rules {
		if rule.ActiveProtocol != 0 && rule.ActiveProtocol != active {
			continue
		}
		if rule.Atr.MatchString(atr) {
			return rule.Protocol
		}
	}
	return ""
}

func hasRule(rules []ProtocolRule, protocol string) bool {
	for _, rule := range rules {
		if rule.Protocol == protocol {
			return true
		}
	}
	return false
}
