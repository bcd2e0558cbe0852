package crypto

import (
	"bytes"
	"encoding/json"
	"testing"
)

// Pinned vector: the canonical form and digest of a decision body must never
// drift, or committed records become unverifiable.
const (
	vectorCanonical = `{"actor":"mikael","created_at":"2025-06-01T12:00:00Z","decision_id":"gd-000000042","kind":"approve","proof_ref":"sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae","proposal_id":"proposal-20250601115500-8c6b170d","reason":"lgtm","schema":"triumvir.decision.v1","seq":42}`
	vectorDigest    = "sha256:2af9f1e50bb89252783216e6140eaf192ac9fb2b790e0d972497ce0d412f155a"
)

func TestDecisionBodyVector(t *testing.T) {
	body := map[string]any{
		"seq":         json.Number("42"),
		"schema":      "triumvir.decision.v1",
		"reason":      "lgtm",
		"proposal_id": "proposal-20250601115500-8c6b170d",
		"proof_ref":   "sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae",
		"kind":        "approve",
		"decision_id": "gd-000000042",
		"created_at":  "2025-06-01T12:00:00Z",
		"actor":       "mikael",
		"note":        nil,
	}

	canonical, err := Canonicalize(body)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(canonical) != vectorCanonical {
		t.Fatalf("canonical mismatch:\n got %s\nwant %s", canonical, vectorCanonical)
	}

	if digest := DigestWithPrefix(canonical); digest != vectorDigest {
		t.Fatalf("digest mismatch: got %s want %s", digest, vectorDigest)
	}

	seed := bytes.Repeat([]byte{0x01}, 32)
	priv, pub, err := KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	sig, err := SignEd25519(priv, DigestBytes(canonical))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ok, err := VerifyEd25519(pub, DigestBytes(canonical), sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestDecisionBodyVectorKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"x": json.Number("1"), "y": "two"}
	b := map[string]any{"y": "two", "x": json.Number("1")}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}

	if DigestHex(ca) != DigestHex(cb) {
		t.Fatalf("digests differ for equivalent bodies: %s vs %s", ca, cb)
	}
}
