// Package tags issues the correlation tags that link a ledger order to the
// broker events reported for it.
package tags

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Issuer hands out unique, URL-safe correlation tags.
type Issuer interface {
	Next() string
}

// UUIDIssuer issues random v4 UUIDs. The broker rejects tags containing
// anything but letters, digits and dashes, which UUID text satisfies.
type UUIDIssuer struct{}

// Next returns a fresh UUID string.
func (UUIDIssuer) Next() string {
	return uuid.NewString()
}

// Sequence issues prefix-1, prefix-2, ... and is meant for tests and replays.
type Sequence struct {
	prefix string
	n      atomic.Int64
}

// NewSequence creates a Sequence. An empty prefix defaults to "order".
func NewSequence(prefix string) *Sequence {
	if prefix == "" {
		prefix = "order"
	}
	return &Sequence{prefix: prefix}
}

// Next returns the next tag in the sequence.
func (s *Sequence) Next() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1))
}

// Valid reports whether tag only contains characters the broker accepts.
func Valid(tag string) bool {
	if tag == "" || len(tag) > 255 {
		return false
	}
	return strings.IndexFunc(tag, func(r rune) bool {
		return !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	}) < 0
}

var (
	_ Issuer = UUIDIssuer{}
	_ Issuer = (*Sequence)(nil)
)
