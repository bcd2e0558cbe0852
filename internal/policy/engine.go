package policy

import "github.com/dndnordic/triumvir/pkg/types"

// Allows applies the first matching grant. No match means deny: the table
// is an allowlist and actors start with nothing.
func (t *Table) Allows(actor, category, action string) bool {
	for _, g := range t.Grants {
		if !matchField(g.Actor, actor) {
			continue
		}
		if !matchField(g.Category, category) {
			continue
		}
		if !matchField(g.Action, action) {
			continue
		}
		return !g.Deny
	}
	return false
}

// TierFor resolves the quorum tier for a decision. Emergency overrides are
// always critical regardless of category; unknown categories resolve to
// standard rather than bypassing quorum.
func (t *Table) TierFor(category string, kind types.DecisionKind) Tier {
	if kind == types.DecisionEmergencyOverride {
		return TierCritical
	}
	if tier, ok := t.Defaults.Tier[category]; ok {
		return tier
	}
	return TierStandard
}

func matchField(pattern, value string) bool {
	return pattern == "" || pattern == "*" || pattern == value
}
