package ledger

import (
	"fmt"
	"time"

	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/pkg/types"
)

const ProposalSchema = "triumvir.proposal.v1"

// BuildProposal validates a draft and assigns its content-derived identifier.
// The id embeds the submission timestamp plus a short digest of the canonical
// draft, so resubmitting identical content in the same second is idempotent.
func BuildProposal(in SubmitInput, now time.Time, window time.Duration) (types.ProposalRecord, error) {
	var missing []string
	if in.Title == "" {
		missing = append(missing, "title")
	}
	if in.Submitter == "" {
		missing = append(missing, "submitter")
	}
	if in.Description == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return types.ProposalRecord{}, &ValidationError{Missing: missing}
	}

	category := in.Category
	if category == "" {
		category = types.CategoryCodeChange
	}

	submittedAt := now.UTC().Format(time.RFC3339)
	id, err := proposalID(in, category, submittedAt, now)
	if err != nil {
		return types.ProposalRecord{}, err
	}

	return types.ProposalRecord{
		Schema:               ProposalSchema,
		ProposalID:           id,
		Title:                in.Title,
		Submitter:            in.Submitter,
		Category:             category,
		Description:          in.Description,
		ImpactAssessment:     in.ImpactAssessment,
		SecurityImplications: in.SecurityImplications,
		Changes:              in.Changes,
		Status:               types.ProposalPending,
		SubmittedAt:          submittedAt,
		Deadline:             now.UTC().Add(window).Format(time.RFC3339),
	}, nil
}

func proposalID(in SubmitInput, category, submittedAt string, now time.Time) (string, error) {
	view := map[string]any{
		"schema":       ProposalSchema,
		"title":        in.Title,
		"submitter":    in.Submitter,
		"category":     category,
		"description":  in.Description,
		"submitted_at": submittedAt,
	}
	canonical, err := crypto.Canonicalize(view)
	if err != nil {
		return "", fmt.Errorf("canonicalize proposal: %w", err)
	}
	digest := crypto.DigestHex(canonical)
	return fmt.Sprintf("proposal-%s-%s", now.UTC().Format("20060102150405"), digest[:8]), nil
}
