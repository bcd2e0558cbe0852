package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dndnordic/triumvir/internal/auth"
	"github.com/dndnordic/triumvir/internal/bundle"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/internal/policy"
	"github.com/dndnordic/triumvir/internal/quorum"
	"github.com/dndnordic/triumvir/internal/verifier"
	"github.com/dndnordic/triumvir/pkg/types"
)

type Handler struct {
	Auth     auth.Authenticator
	Ledger   *ledger.Ledger
	Verifier *verifier.Service
	Voter    *quorum.Voter
	Lockdown *quorum.Lockdown
	Triple   *ledger.TripleStore
	Table    *policy.Table
	Idem     *InMemoryIdemStore
}

type SubmitRequest struct {
	Title                string             `json:"title"`
	Category             string             `json:"category"`
	Description          string             `json:"description"`
	ImpactAssessment     string             `json:"impact_assessment,omitempty"`
	SecurityImplications string             `json:"security_implications,omitempty"`
	Changes              []types.FileChange `json:"changes,omitempty"`
}

type DecideRequest struct {
	Kind   string `json:"kind"`
	Proof  string `json:"proof"`
	Reason string `json:"reason,omitempty"`
}

// DecisionResponse is the API view of a committed decision. Body carries the
// canonical signed bytes so a caller can re-verify the signature offline.
type DecisionResponse struct {
	DecisionID     string                `json:"decision_id"`
	ProposalID     string                `json:"proposal_id"`
	Seq            int64                 `json:"seq"`
	Kind           string                `json:"kind"`
	CreatedAt      string                `json:"created_at"`
	Body           json.RawMessage       `json:"body"`
	Digest         string                `json:"digest"`
	KeyID          string                `json:"key_id"`
	Sig            []byte                `json:"sig"`
	StorageDigests []types.StorageDigest `json:"storage_digests,omitempty"`
}

type StatsResponse struct {
	ledger.Stats
	LastSweep      verifier.Report `json:"last_sweep"`
	LockdownReason string          `json:"lockdown_reason,omitempty"`
	LockdownSince  string          `json:"lockdown_since,omitempty"`
}

type ProposalResponse struct {
	types.ProposalRecord
	NextAction NextAction `json:"next_action"`
}

func newProposalResponse(rec types.ProposalRecord, now time.Time) ProposalResponse {
	return ProposalResponse{ProposalRecord: rec, NextAction: DetermineNextAction(rec, now)}
}

func (h *Handler) Proposals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitProposal(w, r)
	case http.MethodGet:
		h.listProposals(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handler) submitProposal(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Ledger == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	claims, err := h.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.Idem != nil {
		if prev, ok := h.Idem.Get(idemKey); ok {
			if rec, err := h.Ledger.Get(prev.ProposalID); err == nil {
				writeJSON(w, http.StatusCreated, newProposalResponse(rec, now))
				return
			}
		}
	}

	rec, err := h.Ledger.Submit(ledger.SubmitInput{
		Title:                req.Title,
		Submitter:            claims.Subject,
		Category:             req.Category,
		Description:          req.Description,
		ImpactAssessment:     req.ImpactAssessment,
		SecurityImplications: req.SecurityImplications,
		Changes:              req.Changes,
	}, now)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}

	if idemKey != "" && h.Idem != nil {
		h.Idem.Put(IdemRecord{IdemKey: idemKey, ProposalID: rec.ProposalID})
	}

	writeJSON(w, http.StatusCreated, newProposalResponse(rec, now))
}

func (h *Handler) listProposals(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Ledger == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", "pending", "approved", "rejected":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + status})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	claims, err := h.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	recs, err := h.Ledger.List(status, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	visible := make([]ProposalResponse, 0, len(recs))
	for _, rec := range recs {
		if h.canRead(claims.Subject, rec) {
			visible = append(visible, newProposalResponse(rec, now))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": visible})
}

func (h *Handler) ProposalByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/proposals/")
	if strings.HasSuffix(rest, "/decide") {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		h.decideProposal(w, r, strings.TrimSuffix(rest, "/decide"))
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	h.getProposal(w, r, rest)
}

func (h *Handler) getProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Ledger == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}
	if proposalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing proposal_id"})
		return
	}

	claims, err := h.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	rec, err := h.Ledger.Get(proposalID)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	if !h.canRead(claims.Subject, rec) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not permitted"})
		return
	}

	writeJSON(w, http.StatusOK, newProposalResponse(rec, time.Now().UTC()))
}

func (h *Handler) decideProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Ledger == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}
	if proposalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing proposal_id"})
		return
	}

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	claims, err := h.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	stored, err := h.Ledger.Decide(r.Context(), ledger.DecideInput{
		ProposalID: proposalID,
		Kind:       types.DecisionKind(req.Kind),
		Actor:      claims.Subject,
		Proof:      req.Proof,
		Reason:     req.Reason,
	}, time.Now().UTC())
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, newDecisionResponse(stored.Envelope(), nil))
}

func (h *Handler) DecisionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/decisions/")
	switch {
	case strings.HasSuffix(rest, "/verify"):
		h.verifyDecision(w, r, strings.TrimSuffix(rest, "/verify"))
	case strings.HasSuffix(rest, "/bundle"):
		h.bundleDecision(w, r, strings.TrimSuffix(rest, "/bundle"))
	default:
		h.getDecision(w, r, rest)
	}
}

func (h *Handler) getDecision(w http.ResponseWriter, r *http.Request, decisionID string) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Ledger == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}
	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing decision_id"})
		return
	}

	env, digests, err := h.Ledger.Decision(r.Context(), decisionID)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, newDecisionResponse(env, digests))
}

func (h *Handler) verifyDecision(w http.ResponseWriter, r *http.Request, decisionID string) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Verifier == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "verifier not configured"})
		return
	}
	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing decision_id"})
		return
	}

	outcome, err := h.Verifier.Check(r.Context(), decisionID, time.Now().UTC())
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) bundleDecision(w http.ResponseWriter, r *http.Request, decisionID string) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Ledger == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}
	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing decision_id"})
		return
	}

	env, digests, err := h.Ledger.Decision(r.Context(), decisionID)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	prop, err := h.Ledger.Get(env.ProposalID)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	votes, err := h.Ledger.Votes(env.ProposalID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	in := bundle.Input{
		Decision:  env,
		Proposal:  prop,
		Votes:     votes,
		Digests:   digests,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if inc, ok := h.Ledger.Incident(decisionID); ok {
		in.Incident = &inc
	}

	baseURL := ""
	if r.Host != "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		baseURL = scheme + "://" + r.Host
	}

	zipBytes, err := bundle.BuildZip(in, baseURL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename="+decisionID+"-bundle.zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(zipBytes)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Ledger == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}

	stats, err := h.Ledger.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := StatsResponse{Stats: stats}
	if h.Verifier != nil {
		resp.LastSweep = h.Verifier.LastReport()
	}
	if h.Lockdown != nil {
		if locked, reason, since := h.Lockdown.State(); locked {
			resp.LockdownReason = reason
			resp.LockdownSince = since.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// QuorumVote serves peer ballot requests. The ballot signature is the
// authentication: a bearer token proves nothing about a remote cluster.
func (h *Handler) QuorumVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if h.Voter == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "quorum voting not configured"})
		return
	}

	var ballot quorum.SignedBallot
	if err := json.NewDecoder(r.Body).Decode(&ballot); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	vote, err := h.Voter.HandleBallot(ballot, time.Now().UTC())
	switch {
	case err == nil:
	case errors.Is(err, quorum.ErrUnknownCluster), errors.Is(err, quorum.ErrBadSignature):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, vote)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if h.Triple != nil {
		backends := map[string]string{}
		for name, err := range h.Triple.Health(r.Context()) {
			if err != nil {
				backends[name] = err.Error()
				out["status"] = "degraded"
			} else {
				backends[name] = "ok"
			}
		}
		out["backends"] = backends
	}
	if h.Lockdown != nil && h.Lockdown.Locked() {
		out["lockdown"] = true
		out["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, out)
}

// canRead gates proposal reads: a submitter always sees their own work,
// anyone else needs a read grant for the proposal's category.
func (h *Handler) canRead(actor string, rec types.ProposalRecord) bool {
	if actor == rec.Submitter {
		return true
	}
	return h.Table != nil && h.Table.Allows(actor, rec.Category, "read")
}

func (h *Handler) ensureAuth(w http.ResponseWriter, r *http.Request) bool {
	_, err := h.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) Authenticate(r *http.Request) (auth.Claims, error) {
	return h.Auth.Authenticate(r)
}

func newDecisionResponse(env ledger.DecisionEnvelope, digests []ledger.StorageDigestRow) DecisionResponse {
	resp := DecisionResponse{
		DecisionID: env.DecisionID,
		ProposalID: env.ProposalID,
		Seq:        env.Seq,
		Kind:       env.Kind,
		CreatedAt:  env.CreatedAt,
		Body:       json.RawMessage(env.BodyJSON),
		Digest:     env.Digest,
		KeyID:      env.KeyID,
		Sig:        env.Sig,
	}
	for _, row := range digests {
		resp.StorageDigests = append(resp.StorageDigests, types.StorageDigest{
			DecisionID: row.DecisionID,
			Backend:    row.Backend,
			Digest:     row.Digest,
			RecordedAt: row.RecordedAt,
		})
	}
	return resp
}

func statusForError(err error) int {
	var invalid *ledger.ValidationError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyDecided), errors.Is(err, ledger.ErrVetoed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotCommitted):
		return http.StatusBadGateway
	case errors.Is(err, ledger.ErrLockdown),
		errors.Is(err, ledger.ErrQuorumUnavailable),
		errors.Is(err, ledger.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
