package policy

// Tier is the quorum requirement attached to an operation.
type Tier string

const (
	// TierNone commits on the local cluster alone.
	TierNone Tier = "none"
	// TierStandard needs a majority of responding clusters.
	TierStandard Tier = "standard"
	// TierCritical needs a majority and is blocked by any veto.
	TierCritical Tier = "critical"
)

type Table struct {
	TableID      string   `yaml:"table_id"`
	TableVersion string   `yaml:"table_version"`
	Defaults     Defaults `yaml:"defaults"`
	Grants       []Grant  `yaml:"grants"`
}

type Defaults struct {
	// Tier maps proposal category to its quorum tier. Categories absent
	// from the map fall back to standard.
	Tier map[string]Tier `yaml:"tier"`
}

// Grant permits an actor to perform an action on a proposal category.
// Empty or "*" fields match anything. A grant with deny set carves an
// exception and wins like any other first match.
type Grant struct {
	ID       string `yaml:"id"`
	Actor    string `yaml:"actor"`
	Category string `yaml:"category"`
	Action   string `yaml:"action"`
	Deny     bool   `yaml:"deny"`
}
