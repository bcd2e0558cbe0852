package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrAlreadyDecided     = errors.New("proposal already decided")
	ErrAuthRejected       = errors.New("hardware proof rejected")
	ErrNotPermitted       = errors.New("actor not permitted for this operation")
	ErrNotCommitted       = errors.New("decision not durable on enough backends")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrQuorumUnavailable  = errors.New("cluster quorum unavailable")
	ErrVetoed             = errors.New("operation vetoed by cluster quorum")
	ErrLockdown           = errors.New("cluster in lockdown: writes disabled")
)

// ValidationError reports the required proposal fields that were absent.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid proposal: missing %s", strings.Join(e.Missing, ", "))
}
