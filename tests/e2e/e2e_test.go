//go:build e2e

package e2e

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dndnordic/triumvir/internal/api"
	"github.com/dndnordic/triumvir/internal/auth"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/internal/ledger/sqlstore"
	"github.com/dndnordic/triumvir/internal/ledger/streamstore"
	"github.com/dndnordic/triumvir/internal/ledger/vaultstore"
	"github.com/dndnordic/triumvir/internal/policy"
	"github.com/dndnordic/triumvir/internal/quorum"
	"github.com/dndnordic/triumvir/internal/verifier"
)

// TestE2ECrossClusterDecision runs two clusters against each other: alpha
// originates a standard-tier decision, beta answers the ballot over HTTP, and
// the committed decision lands in alpha's three backends. Then a locked-down
// beta vetoes a critical-tier decision.
func TestE2ECrossClusterDecision(t *testing.T) {
	alphaSigner, alphaPub := signerFor(t, "alpha-2026", 0xa1)
	betaSigner, betaPub := signerFor(t, "beta-2026", 0xb2)

	loaded, err := policy.LoadTable("../../policies/capabilities.yaml")
	if err != nil {
		t.Fatalf("load table: %v", err)
	}

	beta := newVotingPeer(t, betaSigner, &loaded.Table, alphaPub)
	alpha := newPrimary(t, alphaSigner, &loaded.Table, beta.srv.URL, betaPub)

	proposalID := submitCategory(t, alpha.srv.URL, "credential-rotation", "req-1")
	proposalID2 := submitCategory(t, alpha.srv.URL, "credential-rotation", "req-1")
	if proposalID != proposalID2 {
		t.Fatalf("expected idempotent proposal_id, got %s vs %s", proposalID, proposalID2)
	}

	decisionID := decide(t, alpha.srv.URL, proposalID)
	bundleFiles(t, alpha.srv.URL, decisionID)

	// A locked-down peer vetoes every ballot, and any veto blocks the
	// critical tier.
	emergencyID := submitCategory(t, alpha.srv.URL, "emergency", "")
	beta.lockdown.Latch("containment drill", time.Now().UTC())
	if status := decideStatus(t, alpha.srv.URL, emergencyID); status != http.StatusConflict {
		t.Fatalf("expected 409 veto, got %d", status)
	}
}

type testCluster struct {
	srv      *httptest.Server
	lockdown *quorum.Lockdown
}

func signerFor(t *testing.T, keyID string, seedByte byte) (*ledger.Ed25519Signer, ed25519.PublicKey) {
	t.Helper()
	seed := bytes.Repeat([]byte{seedByte}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	return ledger.NewEd25519Signer(keyID, priv), priv.Public().(ed25519.PublicKey)
}

// newVotingPeer builds a cluster that only answers ballots. Its ledger is
// deliberately absent: voting needs the capability table, the cluster key and
// the lockdown latch, nothing else.
func newVotingPeer(t *testing.T, signer *ledger.Ed25519Signer, table *policy.Table, originPub ed25519.PublicKey) testCluster {
	t.Helper()

	lockdown := quorum.NewLockdown(ledger.NewInMemoryStore(), zap.NewNop())
	voter, err := quorum.NewVoter(quorum.VoterParams{
		ClusterID: "beta",
		Signer:    signer,
		Table:     table,
		PeerKeys:  map[string]ed25519.PublicKey{"alpha": originPub},
		Lockdown:  lockdown,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("voter: %v", err)
	}

	router := api.NewRouter(&api.Handler{
		Auth:     &auth.MultiAuthenticator{},
		Voter:    voter,
		Lockdown: lockdown,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return testCluster{srv: srv, lockdown: lockdown}
}

func newPrimary(t *testing.T, signer *ledger.Ed25519Signer, table *policy.Table, peerURL string, peerPub ed25519.PublicKey) testCluster {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlstore.OpenSQLite(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open relational: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := ledger.Migrate(store.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	vault, err := vaultstore.OpenVault(filepath.Join(dir, "vault.db"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	t.Cleanup(func() { _ = vault.Close() })

	stream, err := streamstore.OpenStream(filepath.Join(dir, "stream.db"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	triple := ledger.NewTripleStore([]ledger.Backend{vault, stream, store}, time.Second, zap.NewNop())
	lockdown := quorum.NewLockdown(store, zap.NewNop())

	coordinator, err := quorum.New(quorum.Params{
		ClusterID: "alpha",
		Signer:    signer,
		Peers:     []quorum.Peer{{ID: "beta", URL: peerURL, PublicKey: peerPub}},
		Caller:    quorum.NewHTTPCaller(2 * time.Second),
		Store:     store,
		Lockdown:  lockdown,
		Timeout:   2 * time.Second,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	svc, err := verifier.New(verifier.Params{
		Triple: triple,
		Store:  store,
		Window: 16,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	led, err := ledger.New(ledger.Params{
		Store:           store,
		Triple:          triple,
		Signer:          signer,
		Gate:            &auth.StaticVerifier{Proofs: map[string]string{"mikael": "424242"}},
		Table:           table,
		Quorum:          coordinator,
		Lockdown:        lockdown,
		Scheduler:       svc,
		Audit:           stream,
		ClusterID:       "alpha",
		ApprovalTimeout: 48 * time.Hour,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	router := api.NewRouter(&api.Handler{
		Auth:     &auth.MultiAuthenticator{Tokens: map[string]string{"test-token": "mikael"}},
		Ledger:   led,
		Verifier: svc,
		Lockdown: lockdown,
		Triple:   triple,
		Table:    table,
		Idem:     api.NewInMemoryIdemStore(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return testCluster{srv: srv, lockdown: lockdown}
}

func submitCategory(t *testing.T, baseURL, category, idemKey string) string {
	t.Helper()

	body := fmt.Sprintf(`{"title":"rotate deploy key","category":%q,"description":"quarterly rotation of the deploy credentials"}`, category)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/proposals", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status: %d", res.StatusCode)
	}

	var payload struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ProposalID == "" {
		t.Fatalf("missing proposal_id")
	}
	return payload.ProposalID
}

func decide(t *testing.T, baseURL, proposalID string) string {
	t.Helper()

	body := bytes.NewBufferString(`{"kind":"approve","proof":"424242","reason":"rotation window open"}`)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/proposals/"+proposalID+"/decide", body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(res.Body)
		t.Fatalf("decide status: %d: %s", res.StatusCode, raw)
	}

	var payload struct {
		DecisionID string `json:"decision_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.DecisionID == "" {
		t.Fatalf("missing decision_id")
	}
	return payload.DecisionID
}

func decideStatus(t *testing.T, baseURL, proposalID string) int {
	t.Helper()

	body := bytes.NewBufferString(`{"kind":"approve","proof":"424242","reason":"override drill"}`)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/proposals/"+proposalID+"/decide", body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode
}

func bundleFiles(t *testing.T, baseURL, decisionID string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, baseURL+"/v1/decisions/"+decisionID+"/bundle", nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("bundle status: %d", res.StatusCode)
	}

	zipBytes, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}

	want := map[string]bool{
		"decision.json":  false,
		"proposal.json":  false,
		"votes.json":     false,
		"digests.json":   false,
		"manifest.json":  false,
		"sha256sums.txt": false,
	}
	var votesRaw []byte
	for _, f := range reader.File {
		if _, ok := want[f.Name]; ok {
			want[f.Name] = true
		}
		if f.Name == "votes.json" {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open votes.json: %v", err)
			}
			votesRaw, err = io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				t.Fatalf("read votes.json: %v", err)
			}
		}
	}
	for name, ok := range want {
		if !ok {
			t.Fatalf("missing %s", name)
		}
	}

	var votes []struct {
		ClusterID string `json:"cluster_id"`
		Vote      string `json:"vote"`
	}
	if err := json.Unmarshal(votesRaw, &votes); err != nil {
		t.Fatalf("decode votes.json: %v", err)
	}
	seen := map[string]string{}
	for _, v := range votes {
		seen[v.ClusterID] = v.Vote
	}
	if seen["alpha"] != "approve" || seen["beta"] != "approve" {
		t.Fatalf("expected approvals from both clusters, got %v", seen)
	}
}
