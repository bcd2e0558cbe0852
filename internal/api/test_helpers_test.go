package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dndnordic/triumvir/internal/auth"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/internal/policy"
	"github.com/dndnordic/triumvir/internal/quorum"
	"github.com/dndnordic/triumvir/internal/verifier"
	"github.com/dndnordic/triumvir/pkg/types"
)

type stubQuorum struct {
	res ledger.QuorumResult
	err error
}

func (s *stubQuorum) Decide(ctx context.Context, req ledger.QuorumRequest) (ledger.QuorumResult, error) {
	if s.err != nil {
		return ledger.QuorumResult{}, s.err
	}
	return s.res, nil
}

type apiFixture struct {
	router   http.Handler
	handler  *Handler
	store    *ledger.InMemoryStore
	vault    *ledger.MemoryBackend
	stream   *ledger.MemoryBackend
	triple   *ledger.TripleStore
	ledger   *ledger.Ledger
	verifier *verifier.Service
	quorum   *stubQuorum
	lockdown *quorum.Lockdown
}

func testTable() policy.Table {
	return policy.Table{
		TableID:      "test",
		TableVersion: "1",
		Defaults: policy.Defaults{
			Tier: map[string]policy.Tier{
				types.CategoryCodeChange:         policy.TierNone,
				types.CategoryCredentialRotation: policy.TierStandard,
				types.CategoryEmergency:          policy.TierCritical,
			},
		},
		Grants: []policy.Grant{
			{ID: "founder", Actor: "mikael", Category: "*", Action: "*"},
			{ID: "engine-code", Actor: "singularity", Category: types.CategoryCodeChange, Action: "approve"},
		},
	}
}

func testTokens() map[string]string {
	return map[string]string{
		"tok-mikael":      "mikael",
		"tok-singularity": "singularity",
		"tok-stranger":    "stranger",
	}
}

func testSigner(t *testing.T, seedByte byte) (*ledger.Ed25519Signer, ed25519.PublicKey) {
	t.Helper()
	seed := bytes.Repeat([]byte{seedByte}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	return ledger.NewEd25519Signer("test-key", priv), priv.Public().(ed25519.PublicKey)
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		store:  ledger.NewInMemoryStore(),
		vault:  ledger.NewMemoryBackend("vault"),
		stream: ledger.NewMemoryBackend("stream"),
		quorum: &stubQuorum{res: ledger.QuorumResult{Committed: true, Respondents: 3, Approvals: 3}},
	}
	f.triple = ledger.NewTripleStore([]ledger.Backend{f.vault, f.stream, f.store}, time.Second, zap.NewNop())
	f.lockdown = quorum.NewLockdown(f.store, zap.NewNop())

	signer, _ := testSigner(t, 0x01)
	table := testTable()
	gate := &auth.StaticVerifier{Proofs: map[string]string{
		"mikael":      "424242",
		"singularity": "777777",
		"stranger":    "111111",
	}}

	led, err := ledger.New(ledger.Params{
		Store:           f.store,
		Triple:          f.triple,
		Signer:          signer,
		Gate:            gate,
		Table:           &table,
		Quorum:          f.quorum,
		Lockdown:        f.lockdown,
		ClusterID:       "alpha",
		ApprovalTimeout: 48 * time.Hour,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	f.ledger = led

	svc, err := verifier.New(verifier.Params{Triple: f.triple, Store: f.store, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	f.verifier = svc

	f.handler = &Handler{
		Auth:     &auth.MultiAuthenticator{Tokens: testTokens()},
		Ledger:   led,
		Verifier: svc,
		Lockdown: f.lockdown,
		Triple:   f.triple,
		Table:    &table,
		Idem:     NewInMemoryIdemStore(),
	}
	f.router = NewRouter(f.handler)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doWithHeaders(t, method, path, token, body, nil)
}

func (f *apiFixture) doWithHeaders(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, res.Body.String())
	}
}

func (f *apiFixture) submit(t *testing.T, token, category string) types.ProposalRecord {
	t.Helper()
	res := f.do(t, http.MethodPost, "/v1/proposals", token, SubmitRequest{
		Title:       "rotate deploy key",
		Category:    category,
		Description: "quarterly rotation of the deploy credentials",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var rec types.ProposalRecord
	decodeBody(t, res, &rec)
	return rec
}

func (f *apiFixture) decide(t *testing.T, proposalID string) DecisionResponse {
	t.Helper()
	res := f.do(t, http.MethodPost, "/v1/proposals/"+proposalID+"/decide", "tok-mikael", DecideRequest{
		Kind:   "approve",
		Proof:  "424242",
		Reason: "looks right",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("decide: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var dec DecisionResponse
	decodeBody(t, res, &dec)
	return dec
}
