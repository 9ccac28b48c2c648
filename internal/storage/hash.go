package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// promptHash derives the keyword-cache key from prompt content.
// Whitespace is collapsed and case folded so cosmetic edits still hit
// the cache.
func promptHash(prompt string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
