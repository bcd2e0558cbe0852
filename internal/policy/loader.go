package policy

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dndnordic/triumvir/internal/crypto"
)

type LoadedTable struct {
	Table Table
	Hash  string
	Bytes []byte
}

// LoadTable loads a YAML capability table and computes its hash from raw
// bytes, so any edit changes the hash even when semantics do not.
func LoadTable(path string) (LoadedTable, error) {
	// #nosec G304 -- path comes from operator-configured table path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedTable{}, err
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return LoadedTable{}, err
	}

	return LoadedTable{
		Table: t,
		Hash:  crypto.DigestWithPrefix(data),
		Bytes: data,
	}, nil
}
