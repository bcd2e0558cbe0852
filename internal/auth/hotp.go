package auth

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- RFC 4226 mandates HMAC-SHA-1.
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	// DefaultWindow is how many counter steps ahead of the stored value a
	// proof may sit, covering presses that never reached the server.
	DefaultWindow = 20
	// lookbehind bounds the replay scan. A proof matching a consumed
	// counter is expired, not invalid.
	lookbehind = 10
)

// TokenSecret is one physical token enrolled for an actor. Actors carry a
// primary and usually a backup.
type TokenSecret struct {
	ID  string
	Key []byte
}

// CounterStore persists the next expected counter per enrolled token.
type CounterStore interface {
	Counter(tokenID string) (uint64, error)
	SetCounter(tokenID string, next uint64) error
}

// HOTPVerifier implements the gate with RFC 4226 counter-based one-time
// codes. Each accepted proof advances the token counter, so a code can
// be consumed exactly once.
type HOTPVerifier struct {
	mu       sync.Mutex
	secrets  map[string][]TokenSecret
	counters CounterStore
	window   int
}

func NewHOTPVerifier(secrets map[string][]TokenSecret, counters CounterStore, window int) *HOTPVerifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &HOTPVerifier{
		secrets:  secrets,
		counters: counters,
		window:   window,
	}
}

// Verify checks proof against every token enrolled for actor. The counter
// read-advance is serialized so concurrent submissions of the same code
// admit at most one caller.
func (v *HOTPVerifier) Verify(actor, proof string) ProofResult {
	tokens, ok := v.secrets[actor]
	if !ok || len(tokens) == 0 || proof == "" {
		return ProofInvalid
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	replayed := false
	for _, tok := range tokens {
		key := counterKey(actor, tok.ID)
		next, err := v.counters.Counter(key)
		if err != nil {
			continue
		}

		for i := 0; i < v.window; i++ {
			if codeEqual(hotpCode(tok.Key, next+uint64(i)), proof) {
				if err := v.counters.SetCounter(key, next+uint64(i)+1); err != nil {
					// Fails closed: an unpersisted counter would let the
					// same code in twice.
					return ProofInvalid
				}
				return ProofValid
			}
		}

		behind := uint64(lookbehind)
		if next < behind {
			behind = next
		}
		for i := uint64(1); i <= behind; i++ {
			if codeEqual(hotpCode(tok.Key, next-i), proof) {
				replayed = true
				break
			}
		}
	}

	if replayed {
		return ProofExpired
	}
	return ProofInvalid
}

func counterKey(actor, tokenID string) string {
	return actor + "/" + tokenID
}

// hotpCode computes the 6-digit RFC 4226 value for a counter.
func hotpCode(secret []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	return fmt.Sprintf("%06d", code%1_000_000)
}

func codeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
