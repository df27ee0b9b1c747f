package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier, prefixed like "prop_..." when a
// prefix is given so ids stay greppable across tables and logs.
func NewID(prefix string) string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	if prefix == "" {
		return hex.EncodeToString(raw)
	}
	return prefix + "_" + hex.EncodeToString(raw)
}
