package sanitize

import (
	"crypto/rand"
	"fmt"
)

// tokenAlphabet is the alphanumeric alphabet tokens are drawn from. Each
// random byte maps in by modulo; 62 does not divide 256 so the first 8
// characters are marginally more likely, which is acceptable for the
// token lengths used here.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Token draws length bytes from the system CSPRNG and maps them into the
// alphanumeric alphabet. A failure of the random source is a configuration
// error and is returned, never papered over with a weaker source.
func Token(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", length)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secure random source unavailable: %w", err)
	}

	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf), nil
}

// IsTokenFormat reports whether s is entirely drawn from the token
// alphabet and of the expected length. Format check only: it says nothing
// about whether the token matches any stored value.
func IsTokenFormat(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
