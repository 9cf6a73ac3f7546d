package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionType represents the type of option contract
type OptionType string

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)

// ParseOptionType validates a user supplied option type.
func ParseOptionType(s string) (OptionType, error) {
	switch OptionType(strings.ToLower(strings.TrimSpace(s))) {
	case OptionTypeCall:
		return OptionTypeCall, nil
	case OptionTypePut:
		return OptionTypePut, nil
	}
	return "", fmt.Errorf("invalid option type %q", s)
}

// OptionSymbol is the decoded form of an OCC contract symbol such as SPY240315C00450000.
type OptionSymbol struct {
	Expiration time.Time       `json:"expiration"`
	Underlying string          `json:"symbol"`
	OptionType OptionType      `json:"option_type"`
	Strike     decimal.Decimal `json:"strike"`
}

// ParseOptionSymbol decodes UNDERLYING + YYMMDD + C/P + 8 digit strike (thousandths).
func ParseOptionSymbol(s string) (OptionSymbol, error) {
	sym := strings.TrimSpace(s)
	// shortest valid symbol has a one letter root
	if len(sym) < 16 {
		return OptionSymbol{}, fmt.Errorf("option symbol %q too short", s)
	}

	strikeStart := len(sym) - 8
	strikeDigits := sym[strikeStart:]
	if !isDigits(strikeDigits) {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: strike must be 8 digits", s)
	}

	var typ OptionType
	switch sym[strikeStart-1] {
	case 'C', 'c':
		typ = OptionTypeCall
	case 'P', 'p':
		typ = OptionTypePut
	default:
		return OptionSymbol{}, fmt.Errorf("option symbol %q: missing C/P marker", s)
	}

	expStart := strikeStart - 7
	expDigits := sym[expStart : strikeStart-1]
	if !isDigits(expDigits) {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: expiration must be YYMMDD", s)
	}
	exp, err := time.Parse("060102", expDigits)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: %w", s, err)
	}

	root := sym[:expStart]
	if root == "" || isDigits(root[len(root)-1:]) {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: invalid underlying", s)
	}

	thousandths, err := strconv.ParseInt(strikeDigits, 10, 64)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: %w", s, err)
	}

	return OptionSymbol{
		Underlying: root,
		Expiration: exp,
		OptionType: typ,
		Strike:     decimal.New(thousandths, -3),
	}, nil
}

// Underlying returns the root of an OCC symbol, or "" when it cannot be parsed.
func Underlying(contractSymbol string) string {
	p, err := ParseOptionSymbol(contractSymbol)
	if err != nil {
		return ""
	}
	return p.Underlying
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
