package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is the hex sha256 of a persisted artifact's bytes. Empty input
// yields "".
func Digest(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
