package backends

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// passwordCharset is the alphabet for generated passwords. Symbols are
// restricted to ones accepted by every engine we rotate against.
const passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"

// passwordLength is the generated password size.
const passwordLength = 32

// NewPassword returns a cryptographically random password.
func NewPassword() (string, error) {
	randomBytes := make([]byte, passwordLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}

	out := make([]byte, passwordLength)
	for i := range randomBytes {
		out[i] = passwordCharset[int(randomBytes[i])%len(passwordCharset)]
	}
	return string(out), nil
}

// NewToken returns a 64-character hex token from 32 random bytes.
func NewToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
