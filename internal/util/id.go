package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an opaque identifier, optionally namespaced with a prefix
// ("ses" yields "ses_<hex>"). IDs carry no ordering.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
