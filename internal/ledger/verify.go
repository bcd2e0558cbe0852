package ledger

import (
	"crypto/ed25519"
	"errors"

	"github.com/dndnordic/triumvir/internal/crypto"
)

var (
	ErrDecisionDigestMismatch = errors.New("decision digest mismatch")
	ErrDecisionSignature      = errors.New("decision signature invalid")
)

// VerifyEnvelope validates digest consistency and signature of a stored
// decision copy.
func VerifyEnvelope(env DecisionEnvelope, publicKey ed25519.PublicKey) error {
	digestBytes := crypto.DigestBytes(env.BodyJSON)
	digest := crypto.DigestWithPrefix(env.BodyJSON)
	if env.Digest != digest {
		return ErrDecisionDigestMismatch
	}

	ok, err := crypto.VerifyEd25519(publicKey, digestBytes, env.Sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDecisionSignature
	}
	return nil
}
