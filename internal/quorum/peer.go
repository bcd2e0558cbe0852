package quorum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPCaller talks to peers over their vote endpoint. The client timeout is
// a backstop; the coordinator's per-peer context is the real window.
type HTTPCaller struct {
	client *http.Client
}

func NewHTTPCaller(timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = DefaultVoteTimeout
	}
	return &HTTPCaller{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPCaller) RequestVote(ctx context.Context, peer Peer, ballot SignedBallot) (SignedVote, error) {
	body, err := json.Marshal(ballot)
	if err != nil {
		return SignedVote{}, fmt.Errorf("marshal ballot: %w", err)
	}

	url := strings.TrimRight(peer.URL, "/") + "/v1/quorum/vote"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SignedVote{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return SignedVote{}, fmt.Errorf("peer %s: %w", peer.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SignedVote{}, fmt.Errorf("peer %s returned status %d: %s",
			peer.ID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var vote SignedVote
	if err := json.NewDecoder(resp.Body).Decode(&vote); err != nil {
		return SignedVote{}, fmt.Errorf("peer %s: decode vote: %w", peer.ID, err)
	}
	return vote, nil
}

// Ping checks the peer's health endpoint. Any 2xx answer counts as reachable.
func (c *HTTPCaller) Ping(ctx context.Context, peer Peer) error {
	url := strings.TrimRight(peer.URL, "/") + "/v1/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("peer %s health returned status %d", peer.ID, resp.StatusCode)
	}
	return nil
}
