package ledger

import (
	"crypto/ed25519"
	"fmt"

	"github.com/dndnordic/triumvir/internal/crypto"
)

// Ed25519Signer signs decision digests with the cluster key.
type Ed25519Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

func NewEd25519Signer(keyID string, privateKey ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{
		keyID:      keyID,
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}
}

// LoadSigner reads the cluster signing key from disk.
func LoadSigner(keyID, path string) (*Ed25519Signer, error) {
	priv, _, err := crypto.LoadEd25519PrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return NewEd25519Signer(keyID, priv), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.publicKey }

func (s *Ed25519Signer) SignEd25519(message []byte) ([]byte, error) {
	return crypto.SignEd25519(s.privateKey, message)
}
