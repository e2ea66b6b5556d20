// internal/ingest/publicid.go
package ingest

import (
	"crypto/rand"
	"fmt"
)

// publicIDAlphabet is URL-safe and case-sensitive, giving 64^10 possible IDs
// at the default length.
const (
	publicIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	publicIDLength   = 10
)

// newPublicID generates a short URL-safe identifier for a file. Uniqueness is
// enforced by the storage layer's unique constraint, not here; callers retry
// on conflict.
func newPublicID() (string, error) {
	buf := make([]byte, publicIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate public ID: %w", err)
	}
	for i, b := range buf {
		// Alphabet length 64 divides 256, so masking introduces no bias
		buf[i] = publicIDAlphabet[b&63]
	}
	return string(buf), nil
}
