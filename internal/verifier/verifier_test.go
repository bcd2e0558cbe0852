package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/pkg/types"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *ledger.InMemoryStore
	vault  *ledger.MemoryBackend
	stream *ledger.MemoryBackend
	triple *ledger.TripleStore
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  ledger.NewInMemoryStore(),
		vault:  ledger.NewMemoryBackend("vault"),
		stream: ledger.NewMemoryBackend("stream"),
	}
	f.triple = ledger.NewTripleStore([]ledger.Backend{f.vault, f.stream, f.store}, time.Second, zap.NewNop())
	svc, err := New(Params{Triple: f.triple, Store: f.store, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	f.svc = svc
	return f
}

func testEnvelope(id string, seq int64) ledger.DecisionEnvelope {
	body := []byte(fmt.Sprintf(`{"actor":"mikael","created_at":"2026-08-01T12:00:02Z","decision_id":%q,"kind":"approve","proposal_id":"proposal-20260801120000-aaaa0000","proof_ref":"sha256:ref","reason":"looks right","schema":"triumvir.decision.v1","seq":%d}`, id, seq))
	return ledger.DecisionEnvelope{
		DecisionID: id,
		ProposalID: "proposal-20260801120000-aaaa0000",
		Seq:        seq,
		Kind:       "approve",
		CreatedAt:  "2026-08-01T12:00:02Z",
		BodyJSON:   body,
		Digest:     crypto.DigestWithPrefix(body),
		KeyID:      "triumvir-1",
		Sig:        []byte("sig"),
	}
}

func putAll(t *testing.T, f *fixture, env ledger.DecisionEnvelope) {
	t.Helper()
	for _, b := range []ledger.Backend{f.vault, f.stream, f.store} {
		if err := b.PutDecision(context.Background(), env); err != nil {
			t.Fatalf("seed %s: %v", b.Name(), err)
		}
	}
}

func TestSweepConsistentDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	putAll(t, f, testEnvelope("gd-000000001", 1))

	rep, err := f.svc.Sweep(ctx, testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Checked != 1 || rep.Consistent != 1 || rep.Repaired != 0 || rep.Incidents != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if got := f.svc.LastReport(); got.Consistent != 1 || got.SweptAt == "" {
		t.Fatalf("last report: %+v", got)
	}
}

func TestRepairsMissingBackendCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := testEnvelope("gd-000000001", 1)
	putAll(t, f, env)
	f.vault.Drop(env.DecisionID)

	rep, err := f.svc.Sweep(ctx, testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Checked != 1 || rep.Repaired != 1 {
		t.Fatalf("report: %+v", rep)
	}

	got, err := f.vault.GetDecision(ctx, env.DecisionID)
	if err != nil || got.Digest != env.Digest {
		t.Fatalf("vault copy after repair: err=%v env=%+v", err, got)
	}

	rows, err := f.store.ListStorageDigests(env.DecisionID)
	if err != nil {
		t.Fatalf("digest rows: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.Backend == "vault" && row.Digest == env.Digest {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected back-filled digest row, got %+v", rows)
	}

	rep, err = f.svc.Sweep(ctx, testNow)
	if err != nil || rep.Consistent != 1 || rep.Repaired != 0 {
		t.Fatalf("second sweep: err=%v rep=%+v", err, rep)
	}
}

func TestDisagreeingCopiesFreezeDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := testEnvelope("gd-000000001", 1)
	forged := env
	forged.BodyJSON = []byte(`{"actor":"intruder","kind":"approve"}`)
	forged.Digest = crypto.DigestWithPrefix(forged.BodyJSON)

	if err := f.vault.PutDecision(ctx, env); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	if err := f.store.PutDecision(ctx, env); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := f.stream.PutDecision(ctx, forged); err != nil {
		t.Fatalf("seed stream: %v", err)
	}

	out, err := f.svc.Check(ctx, env.DecisionID, testNow)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if out.Status != StatusIncident || out.IncidentID == "" {
		t.Fatalf("outcome: %+v", out)
	}

	inc, ok := f.store.GetIncidentByDecision(env.DecisionID)
	if !ok {
		t.Fatalf("incident row missing")
	}
	if inc.BackendA != "vault" || inc.BackendB != "stream" {
		t.Fatalf("incident pair: %+v", inc)
	}
	if inc.DigestA != env.Digest || inc.DigestB != forged.Digest {
		t.Fatalf("incident digests: %+v", inc)
	}

	// No copy is rewritten, even when outvoted two to one.
	got, _ := f.stream.GetDecision(ctx, env.DecisionID)
	if got.Digest != forged.Digest {
		t.Fatalf("stream copy rewritten: %+v", got)
	}

	due, err := f.store.ListNotificationsDue("2999-01-01T00:00:00Z", 10)
	if err != nil || len(due) != 1 || due[0].Kind != ledger.NotifyIntegrityIncident {
		t.Fatalf("operator notification: err=%v due=%+v", err, due)
	}

	// Frozen afterwards; no duplicate incident.
	out, err = f.svc.Check(ctx, env.DecisionID, testNow)
	if err != nil || out.Status != StatusFrozen {
		t.Fatalf("second check: err=%v out=%+v", err, out)
	}
	incs, err := f.store.ListIncidents(10)
	if err != nil || len(incs) != 1 {
		t.Fatalf("incidents: err=%v n=%d", err, len(incs))
	}
}

func TestUnavailableBackendSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := testEnvelope("gd-000000001", 1)
	putAll(t, f, env)

	f.vault.SetUnavailable(true)
	out, err := f.svc.Check(ctx, env.DecisionID, testNow)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if out.Status != StatusConsistent {
		t.Fatalf("status with one backend down: %+v", out)
	}
	if len(out.Unavailable) != 1 || out.Unavailable[0] != "vault" {
		t.Fatalf("unavailable: %+v", out)
	}

	f.stream.SetUnavailable(true)
	out, err = f.svc.Check(ctx, env.DecisionID, testNow)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if out.Status != StatusUnknown {
		t.Fatalf("status with two backends down: %+v", out)
	}

	if _, ok := f.store.GetIncidentByDecision(env.DecisionID); ok {
		t.Fatalf("no incident expected while backends are unreachable")
	}
}

func TestWatchlistCoversDecisionMissingFromRelational(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The write reached vault and stream; the relational copy was missed,
	// so the sweep window alone would never see this decision.
	env := testEnvelope("gd-000000001", 1)
	if err := f.vault.PutDecision(ctx, env); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	if err := f.stream.PutDecision(ctx, env); err != nil {
		t.Fatalf("seed stream: %v", err)
	}

	f.svc.CheckSoon(env.DecisionID)
	rep, err := f.svc.Sweep(ctx, testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Checked != 1 || rep.Repaired != 1 {
		t.Fatalf("report: %+v", rep)
	}

	if _, err := f.store.GetDecision(ctx, env.DecisionID); err != nil {
		t.Fatalf("relational copy after repair: %v", err)
	}
}

func TestSweepCompletesDeferredStatusFlip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := testEnvelope("gd-000000001", 1)
	prop := ledger.ProposalRecord{
		ProposalID:  env.ProposalID,
		Title:       "rotate deploy key",
		Submitter:   "singularity",
		Category:    types.CategoryCodeChange,
		Description: "quarterly rotation",
		ChangesJSON: []byte("[]"),
		Status:      string(types.ProposalPending),
		SubmittedAt: "2026-08-01T12:00:00Z",
		Deadline:    "2026-08-03T12:00:00Z",
	}
	if err := f.store.PutProposal(prop); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	putAll(t, f, env)

	rep, err := f.svc.Sweep(ctx, testNow)
	if err != nil || rep.Consistent != 1 {
		t.Fatalf("sweep: err=%v rep=%+v", err, rep)
	}

	got, ok := f.store.GetProposal(env.ProposalID)
	if !ok || got.Status != string(types.ProposalApproved) {
		t.Fatalf("status after flip: %+v", got)
	}
	if got.DecidedBy == nil || *got.DecidedBy != "mikael" {
		t.Fatalf("decided_by: %+v", got.DecidedBy)
	}
	if got.DecisionID == nil || *got.DecisionID != env.DecisionID {
		t.Fatalf("decision link: %+v", got.DecisionID)
	}
	if got.Reason == nil || *got.Reason != "looks right" {
		t.Fatalf("reason: %+v", got.Reason)
	}
	if got.DecidedAt == nil || *got.DecidedAt != env.CreatedAt {
		t.Fatalf("decided_at: %+v", got.DecidedAt)
	}
}

func TestVanishedDurableCopiesFreeze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := testEnvelope("gd-000000001", 1)
	putAll(t, f, env)
	nowStr := testNow.UTC().Format(time.RFC3339)
	for _, backend := range []string{"vault", "stream", "relational"} {
		if err := f.store.PutStorageDigest(ledger.StorageDigestRow{
			DecisionID: env.DecisionID,
			Backend:    backend,
			Digest:     env.Digest,
			RecordedAt: nowStr,
		}); err != nil {
			t.Fatalf("seed digest row: %v", err)
		}
	}

	f.vault.Drop(env.DecisionID)
	f.stream.Drop(env.DecisionID)

	out, err := f.svc.Check(ctx, env.DecisionID, testNow)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if out.Status != StatusIncident {
		t.Fatalf("outcome: %+v", out)
	}
	inc, ok := f.store.GetIncidentByDecision(env.DecisionID)
	if !ok || inc.Note != "durable copy vanished" {
		t.Fatalf("incident: ok=%v %+v", ok, inc)
	}
}

func TestUncommittedLeftoverIsNotRepaired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A write that never reached quorum left one copy and no digest rows.
	env := testEnvelope("gd-000000001", 1)
	if err := f.vault.PutDecision(ctx, env); err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	out, err := f.svc.Check(ctx, env.DecisionID, testNow)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if out.Status != StatusUnknown || !strings.Contains(out.Note, "below durability bar") {
		t.Fatalf("outcome: %+v", out)
	}

	if _, err := f.stream.GetDecision(ctx, env.DecisionID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("leftover must not be re-propagated: %v", err)
	}
	if _, ok := f.store.GetIncidentByDecision(env.DecisionID); ok {
		t.Fatalf("no incident for an uncommitted leftover")
	}
}

func TestCheckMissingDecision(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Check(context.Background(), "gd-999999999", testNow); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCorruptSourcePayloadFreezesInsteadOfPropagating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := testEnvelope("gd-000000001", 1)
	corrupt := env
	corrupt.BodyJSON = []byte(`{"actor":"intruder"}`)
	// Digest column intact: both copies agree while the payload lies.
	if err := f.stream.PutDecision(ctx, corrupt); err != nil {
		t.Fatalf("seed stream: %v", err)
	}
	if err := f.store.PutDecision(ctx, corrupt); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	out, err := f.svc.Check(ctx, env.DecisionID, testNow)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if out.Status != StatusIncident {
		t.Fatalf("outcome: %+v", out)
	}
	inc, ok := f.store.GetIncidentByDecision(env.DecisionID)
	if !ok || inc.Note != "stored payload does not match digest" {
		t.Fatalf("incident: ok=%v %+v", ok, inc)
	}
	if _, err := f.vault.GetDecision(ctx, env.DecisionID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("corrupted copy must not be propagated: %v", err)
	}
}

func TestRunServesNudges(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := testEnvelope("gd-000000001", 1)
	if err := f.vault.PutDecision(ctx, env); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	if err := f.stream.PutDecision(ctx, env); err != nil {
		t.Fatalf("seed stream: %v", err)
	}

	done := make(chan struct{})
	go func() {
		// Long interval: only the nudge path should fire.
		f.svc.Run(ctx, time.Hour)
		close(done)
	}()

	f.svc.CheckSoon(env.DecisionID)

	deadline := time.After(2 * time.Second)
	for {
		if _, err := f.store.GetDecision(context.Background(), env.DecisionID); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("nudge did not trigger a repair")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
