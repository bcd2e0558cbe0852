package auth

// ProofResult is the outcome of checking a one-time hardware proof.
type ProofResult int

const (
	ProofInvalid ProofResult = iota
	ProofValid
	ProofExpired
)

func (r ProofResult) String() string {
	switch r {
	case ProofValid:
		return "valid"
	case ProofExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// ProofVerifier checks a one-time proof for an actor. Implementations own
// the token cryptography; callers only see the three-way result.
type ProofVerifier interface {
	Verify(actor, proof string) ProofResult
}

// StaticVerifier accepts a fixed proof per actor. Dev and test use only;
// it has no replay protection.
type StaticVerifier struct {
	Proofs map[string]string
}

func (v *StaticVerifier) Verify(actor, proof string) ProofResult {
	want, ok := v.Proofs[actor]
	if !ok || proof == "" || proof != want {
		return ProofInvalid
	}
	return ProofValid
}
