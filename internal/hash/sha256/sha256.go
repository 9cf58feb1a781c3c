// Package sha256 computes content signatures for change detection.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Option configures a Hasher.
type Option func(*Hasher)

// WithWhitespaceFolding collapses runs of whitespace and trims the ends
// before hashing, so a reflowed page keeps its signature.
func WithWhitespaceFolding() Option {
	return func(h *Hasher) { h.fold = true }
}

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	fold bool
}

// New returns a SHA-256 hasher.
func New(opts ...Option) *Hasher {
	h := &Hasher{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	if h.fold {
		data = foldWhitespace(data)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func foldWhitespace(data []byte) []byte {
	fields := bytes.Fields(data)
	return bytes.Join(fields, []byte{' '})
}
