package api

import "net/http"

// NewRouter wires the governance endpoints. Two routes skip bearer auth:
// peers authenticate quorum ballots by signature, and the health probe is
// anonymous so a locked-down cluster can still be seen as reachable.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/proposals", h.Proposals)
	mux.HandleFunc("/v1/proposals/", h.ProposalByID)
	mux.HandleFunc("/v1/decisions/", h.DecisionByID)
	mux.HandleFunc("/v1/stats", h.Stats)
	mux.HandleFunc("/v1/quorum/vote", h.QuorumVote)
	mux.HandleFunc("/v1/health", h.Health)
	return mux
}
