// Package xid generates the opaque identifiers used outside the database:
// cart ids, cart line ids, request ids and event ids.
package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns prefix-<uuid v4>, or a bare uuid when prefix is empty.
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Valid reports whether s is a bare uuid or a prefixed one produced by New.
func Valid(s string) bool {
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	idx := strings.IndexByte(s, '-')
	if idx < 1 {
		return false
	}
	_, err := uuid.Parse(s[idx+1:])
	return err == nil
}
