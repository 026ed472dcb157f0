package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

const (
	// stateLength is the length of the CSRF state token in characters.
	stateLength = 32

	// stateAlphabet is the uniform alphanumeric alphabet state tokens are
	// drawn from.
	stateAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// StateToken is the one-shot CSRF token stored in the session between flow
// initiation and the provider callback.
type StateToken struct {
	Token string `json:"token"`
}

// NewStateToken draws a 32-character token uniformly from the alphanumeric
// alphabet using the system's secure random source. There is no weaker
// fallback: if crypto/rand fails, the flow fails.
//
// Uniformity uses rejection sampling — a raw byte is discarded unless it
// falls inside the largest multiple of the alphabet size, so no character
// is favored by the modulo.
func NewStateToken() (string, error) {
	const limit = byte(len(stateAlphabet)) * (255 / byte(len(stateAlphabet))) // 248

	out := make([]byte, 0, stateLength)
	buf := make([]byte, stateLength*2)

	for len(out) < stateLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("auth: secure random source unavailable: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, stateAlphabet[int(b)%len(stateAlphabet)])
			if len(out) == stateLength {
				break
			}
		}
	}

	return string(out), nil
}

// stateTokensEqual compares two state tokens in constant time.
func stateTokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
