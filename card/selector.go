package card

import (
	"regexp"

	"github.com/MeneDev/scard-reader-service/apdu"
	"github.com/pkg/errors"
)

type FileOccurrence byte

const (
	FIRST    FileOccurrence = 0x00
	LAST     FileOccurrence = 0x01
	NEXT     FileOccurrence = 0x02
	PREVIOUS FileOccurrence = 0x03
)

type FileControlInformation byte

const (
	FCI         FileControlInformation = 0x00
	FCP         FileControlInformation = 0x04
	FMD         FileControlInformation = 0x08
	NO_RESPONSE FileControlInformation = 0x0C
)

// CardSelector describes the filters a card has to pass to be selected:
// protocol, power-on data and application identifier.
type CardSelector struct {
	cardProtocol           string
	powerOnDataRegex       *regexp.Regexp
	aid                    []byte
	fileOccurrence         FileOccurrence
	fileControlInformation FileControlInformation
	successfulStatusWords  map[uint16]struct{}
}

type SelectorOption func(*CardSelector) error

// WithCardProtocol restricts the selection to cards using the given
// application protocol name.
func WithCardProtocol(protocol string) SelectorOption {
	return func(s *CardSelector) error {
		if protocol == "" {
			return errors.New("card protocol must not be empty")
		}
		s.cardProtocol = protocol
		return nil
	}
}

// WithPowerOnDataRegex restricts the selection to cards whose hex power-on
// data matches expr as a whole.
func WithPowerOnDataRegex(expr string) SelectorOption {
	return func(s *CardSelector) error {
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return errors.Wrapf(err, "invalid power-on data regex %q", expr)
		}
		s.powerOnDataRegex = re
		return nil
	}
}

// WithAid selects an application by DF name.
func WithAid(aid []byte) SelectorOption {
	return func(s *CardSelector) error {
		if len(aid) > apdu.MaxAidLength {
			return errors.Errorf("aid length %d out of range [0..%d]", len(aid), apdu.MaxAidLength)
		}
		s.aid = append([]byte{}, aid...)
		return nil
	}
}

func WithFileOccurrence(occurrence FileOccurrence) SelectorOption {
	return func(s *CardSelector) error {
		s.fileOccurrence = occurrence
		return nil
	}
}

func WithFileControlInformation(fci FileControlInformation) SelectorOption {
	return func(s *CardSelector) error {
		s.fileControlInformation = fci
		return nil
	}
}

// WithSuccessfulStatusWords widens the set of SELECT status words that count
// as a match. 9000 is always part of the set.
func WithSuccessfulStatusWords(sws ...uint16) SelectorOption {
	return func(s *CardSelector) error {
		for _, sw := range sws {
			s.successfulStatusWords[sw] = struct{}{}
		}
		return nil
	}
}

func NewCardSelector(opts ...SelectorOption) (*CardSelector, error) {
	s := &CardSelector{
		fileOccurrence:         FIRST,
		fileControlInformation: FCI,
		successfulStatusWords:  map[uint16]struct{}{apdu.SW_9000: {}},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *CardSelector) CardProtocol() string {
	return s.cardProtocol
}

func (s *CardSelector) PowerOnDataRegex() *regexp.Regexp {
	return s.powerOnDataRegex
}

// Aid returns nil when no application selection is requested.
func (s *CardSelector) Aid() []byte {
	return s.aid
}

func (s *CardSelector) FileOccurrence() FileOccurrence {
	return s.fileOccurrence
}

func (s *CardSelector) FileControlInformation() FileControlInformation {
	return s.fileControlInformation
}

// P2 combines the file occurrence and control information bits of SELECT.
func (s *CardSelector) P2() byte {
	return byte(s.fileOccurrence) | byte(s.fileControlInformation)
}

func (s *CardSelector) IsSuccessful(sw uint16) bool {
	_, ok := s.successfulStatusWords[sw]
	return ok
}
