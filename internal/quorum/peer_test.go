package quorum

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dndnordic/triumvir/internal/policy"
)

func voteServer(t *testing.T, voter *Voter) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/quorum/vote", func(w http.ResponseWriter, r *http.Request) {
		var signed SignedBallot
		if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vote, err := voter.HandleBallot(signed, time.Now().UTC())
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(vote)
	})
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestQuorumRoundOverHTTP(t *testing.T) {
	f := newQuorumFixture(t)

	table := &policy.Table{
		Grants: []policy.Grant{{ID: "g1", Actor: "mikael", Category: "*", Action: "*"}},
	}
	servers := map[string]*httptest.Server{}
	for _, id := range []string{"beta", "gamma"} {
		voter, err := NewVoter(VoterParams{
			ClusterID: id,
			Signer:    f.signers[id],
			Table:     table,
			PeerKeys:  map[string]ed25519.PublicKey{"alpha": f.pubs["alpha"]},
			Lockdown:  NewLockdown(nil, nil),
		})
		if err != nil {
			t.Fatalf("new voter %s: %v", id, err)
		}
		srv := voteServer(t, voter)
		defer srv.Close()
		servers[id] = srv
	}

	coord, err := New(Params{
		ClusterID: "alpha",
		Signer:    f.signers["alpha"],
		Peers: []Peer{
			{ID: "beta", URL: servers["beta"].URL, PublicKey: f.pubs["beta"]},
			{ID: "gamma", URL: servers["gamma"].URL, PublicKey: f.pubs["gamma"]},
		},
		Caller:   NewHTTPCaller(2 * time.Second),
		Store:    f.store,
		Lockdown: f.lockdown,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	res, err := coord.Decide(context.Background(), stdRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !res.Committed || res.Respondents != 3 || res.Approvals != 3 {
		t.Fatalf("round over http: %+v", res)
	}
}

func TestRequestVoteRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "locked out", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	caller := NewHTTPCaller(time.Second)
	_, err := caller.RequestVote(context.Background(), Peer{ID: "beta", URL: srv.URL}, SignedBallot{})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	caller := NewHTTPCaller(time.Second)
	if err := caller.Ping(context.Background(), Peer{ID: "beta", URL: srv.URL}); err != nil {
		t.Fatalf("ping healthy peer: %v", err)
	}

	srv.Close()
	if err := caller.Ping(context.Background(), Peer{ID: "beta", URL: srv.URL}); err == nil {
		t.Fatalf("ping of closed server should fail")
	}
}
