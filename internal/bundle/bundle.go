// Package bundle assembles the downloadable audit bundle for one committed
// decision: the signed decision body, the proposal it decided, the quorum
// votes, the per-backend digests and a plain-text summary, zipped with a
// manifest and checksums.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/pkg/types"
)

const manifestSchema = "triumvir.bundle.v1"

type Input struct {
	Decision ledger.DecisionEnvelope
	Proposal types.ProposalRecord
	Votes    []ledger.VoteRow
	Digests  []ledger.StorageDigestRow
	Incident *ledger.IncidentRow

	// CreatedAt stamps the bundle itself, not the decision.
	CreatedAt string
}

type decisionDoc struct {
	DecisionID string          `json:"decision_id"`
	ProposalID string          `json:"proposal_id"`
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"`
	CreatedAt  string          `json:"created_at"`
	Body       json.RawMessage `json:"body"`
	Digest     string          `json:"digest"`
	KeyID      string          `json:"key_id"`
	Sig        []byte          `json:"sig"`
}

type manifest struct {
	Schema     string   `json:"schema"`
	DecisionID string   `json:"decision_id"`
	ProposalID string   `json:"proposal_id"`
	CreatedAt  string   `json:"created_at,omitempty"`
	VerifyURL  string   `json:"verify_url,omitempty"`
	Files      []string `json:"files"`
}

// BuildFiles renders every bundle artifact. The digest body stays exactly
// the canonical bytes the backends store; everything else is re-marshaled
// for readability.
func BuildFiles(in Input, baseURL string) (map[string][]byte, error) {
	if in.Decision.DecisionID == "" {
		return nil, fmt.Errorf("missing decision")
	}
	if in.Proposal.ProposalID == "" {
		return nil, fmt.Errorf("missing proposal")
	}

	files := map[string][]byte{}

	decision, err := marshal(decisionDoc{
		DecisionID: in.Decision.DecisionID,
		ProposalID: in.Decision.ProposalID,
		Seq:        in.Decision.Seq,
		Kind:       in.Decision.Kind,
		CreatedAt:  in.Decision.CreatedAt,
		Body:       json.RawMessage(in.Decision.BodyJSON),
		Digest:     in.Decision.Digest,
		KeyID:      in.Decision.KeyID,
		Sig:        in.Decision.Sig,
	})
	if err != nil {
		return nil, err
	}
	files["decision.json"] = decision

	proposal, err := marshal(in.Proposal)
	if err != nil {
		return nil, err
	}
	files["proposal.json"] = proposal

	votes := make([]types.QuorumVote, 0, len(in.Votes))
	for _, v := range in.Votes {
		votes = append(votes, types.QuorumVote{
			VoteID:      v.VoteID,
			ClusterID:   v.ClusterID,
			DecisionRef: v.DecisionRef,
			ProposalID:  v.ProposalID,
			Vote:        types.VoteChoice(v.Vote),
			Reason:      v.Reason,
			CastAt:      v.CastAt,
			Sig:         v.Sig,
		})
	}
	voteBytes, err := marshal(votes)
	if err != nil {
		return nil, err
	}
	files["votes.json"] = voteBytes

	digests := make([]types.StorageDigest, 0, len(in.Digests))
	for _, d := range in.Digests {
		digests = append(digests, types.StorageDigest{
			DecisionID: d.DecisionID,
			Backend:    d.Backend,
			Digest:     d.Digest,
			RecordedAt: d.RecordedAt,
		})
	}
	digestBytes, err := marshal(digests)
	if err != nil {
		return nil, err
	}
	files["digests.json"] = digestBytes

	if in.Incident != nil {
		incident, err := marshal(types.IntegrityIncident{
			IncidentID: in.Incident.IncidentID,
			DecisionID: in.Incident.DecisionID,
			Backends:   [2]string{in.Incident.BackendA, in.Incident.BackendB},
			Digests:    [2]string{in.Incident.DigestA, in.Incident.DigestB},
			DetectedAt: in.Incident.DetectedAt,
			Note:       in.Incident.Note,
		})
		if err != nil {
			return nil, err
		}
		files["incident.json"] = incident
	}

	files["summary.txt"] = summaryText(in, baseURL)

	man := manifest{
		Schema:     manifestSchema,
		DecisionID: in.Decision.DecisionID,
		ProposalID: in.Proposal.ProposalID,
		CreatedAt:  in.CreatedAt,
	}
	if baseURL != "" {
		man.VerifyURL = strings.TrimRight(baseURL, "/") + "/v1/decisions/" + in.Decision.DecisionID + "/verify"
	}
	for name := range files {
		man.Files = append(man.Files, name)
	}
	sort.Strings(man.Files)
	manBytes, err := marshal(man)
	if err != nil {
		return nil, err
	}
	files["manifest.json"] = manBytes

	files["sha256sums.txt"] = checksums(files)
	return files, nil
}

// BuildZip renders the bundle as zip bytes.
func BuildZip(in Input, baseURL string) ([]byte, error) {
	files, err := BuildFiles(in, baseURL)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(nil)
	if err := WriteZip(buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteZip writes files into a zip archive in name order.
func WriteZip(w io.Writer, files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(w)
	for _, name := range names {
		f, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := f.Write(files[name]); err != nil {
			return err
		}
	}
	return zw.Close()
}

func summaryText(in Input, baseURL string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Governance decision %s\n\n", in.Decision.DecisionID)

	fmt.Fprintf(&b, "Proposal:  %s (%s)\n", in.Proposal.ProposalID, in.Proposal.Category)
	fmt.Fprintf(&b, "Title:     %s\n", in.Proposal.Title)
	fmt.Fprintf(&b, "Submitted: %s at %s\n", in.Proposal.Submitter, in.Proposal.SubmittedAt)

	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(in.Decision.BodyJSON, &body)
	fmt.Fprintf(&b, "Decision:  %s by %s at %s\n", in.Decision.Kind, body.Actor, in.Decision.CreatedAt)
	if body.Reason != "" {
		fmt.Fprintf(&b, "Reason:    %s\n", body.Reason)
	}
	fmt.Fprintf(&b, "Digest:    %s\n", in.Decision.Digest)

	if len(in.Digests) > 0 {
		fmt.Fprintf(&b, "\nBackend copies:\n")
		for _, d := range in.Digests {
			fmt.Fprintf(&b, "  %-12s %s recorded %s\n", d.Backend, d.Digest, d.RecordedAt)
		}
	}
	if len(in.Votes) > 0 {
		fmt.Fprintf(&b, "\nQuorum votes:\n")
		for _, v := range in.Votes {
			line := fmt.Sprintf("  %-8s %-8s %s", v.ClusterID, v.Vote, v.CastAt)
			if v.Reason != "" {
				line += "  (" + v.Reason + ")"
			}
			fmt.Fprintln(&b, line)
		}
	}
	if in.Incident != nil {
		fmt.Fprintf(&b, "\nOPEN INTEGRITY INCIDENT %s\n", in.Incident.IncidentID)
		fmt.Fprintf(&b, "  %s reports %s\n", in.Incident.BackendA, in.Incident.DigestA)
		fmt.Fprintf(&b, "  %s reports %s\n", in.Incident.BackendB, in.Incident.DigestB)
	}
	if baseURL != "" {
		fmt.Fprintf(&b, "\nVerify: %s/v1/decisions/%s/verify\n",
			strings.TrimRight(baseURL, "/"), in.Decision.DecisionID)
	}
	return []byte(b.String())
}

// checksums renders the sha256sum-compatible digest list for every file
// already in the bundle.
func checksums(files map[string][]byte) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s  %s\n", crypto.DigestHex(files[name]), name)
	}
	return []byte(b.String())
}

func marshal(v any) ([]byte, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
