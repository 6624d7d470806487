// Package instrument parses and normalizes OKX spot instrument ids.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// idRegex matches: {BASE}-{QUOTE}
// Example: BTC-USDT
var idRegex = regexp.MustCompile(`^([A-Z0-9]{1,20})-([A-Z0-9]{1,20})$`)

var ErrInvalidInstrument = errors.New("instrument: invalid spot instrument id")

// ID is a parsed spot instrument.
type ID struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical BASE-QUOTE form.
func (id ID) String() string {
	return id.Base + "-" + id.Quote
}

// Parse parses a spot instrument id. Case and surrounding whitespace are
// ignored; base and quote must differ.
func Parse(s string) (*ID, error) {
	matches := idRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE-QUOTE)", ErrInvalidInstrument, s)
	}
	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: %q has identical base and quote", ErrInvalidInstrument, s)
	}
	return &ID{Base: matches[1], Quote: matches[2]}, nil
}

// Normalize returns the canonical form of s. An empty input stays empty so
// callers can treat it as "no filter".
func Normalize(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	id, err := Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
