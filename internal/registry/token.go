package registry

import (
	"crypto/rand"
	"encoding/hex"
)

// tokenBytes is the entropy of an instance token (hex encoded on the wire).
const tokenBytes = 32

// NewToken returns an opaque capability token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
