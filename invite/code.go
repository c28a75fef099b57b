package invite

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewCode returns a 26-character base32 invite code with 128 bits of entropy.
func NewCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("invite: generate code: %w", err)
	}
	return codeEncoding.EncodeToString(buf), nil
}

// Digest returns the hex SHA3-256 digest of a code, the form stored at rest
// and used for lookup.
func Digest(code string) string {
	sum := sha3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
