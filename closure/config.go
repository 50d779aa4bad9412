package closure

import (
	"fmt"
	"regexp"
)

// Config holds table and column names for the SQL store.
type Config struct {
	// NodesTable is the name of the node table.
	// Default: "arbor_nodes"
	NodesTable string

	// EdgesTable is the name of the closure-edge table.
	// Default: "arbor_edges"
	EdgesTable string

	// ParentColumn is the self-referential parent-pointer column on the
	// node table. NULL marks a root.
	// Default: "parent_id"
	ParentColumn string

	// KeyColumn is the display-key column used by path resolution.
	// Default: "name"
	KeyColumn string

	// ScopeColumns are optional node columns whose values partition the
	// table into independent forests. Default: none.
	ScopeColumns []string
}

// DefaultConfig returns the default table and column names.
func DefaultConfig() Config {
	return Config{
		NodesTable:   "arbor_nodes",
		EdgesTable:   "arbor_edges",
		ParentColumn: "parent_id",
		KeyColumn:    "name",
	}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validate fills in defaults and rejects identifiers that cannot be safely
// interpolated into SQL.
func (c *Config) validate() error {
	if c.NodesTable == "" {
		c.NodesTable = "arbor_nodes"
	}
	if c.EdgesTable == "" {
		c.EdgesTable = "arbor_edges"
	}
	if c.ParentColumn == "" {
		c.ParentColumn = "parent_id"
	}
	if c.KeyColumn == "" {
		c.KeyColumn = "name"
	}

	idents := []string{c.NodesTable, c.EdgesTable, c.ParentColumn, c.KeyColumn}
	idents = append(idents, c.ScopeColumns...)
	for _, ident := range idents {
		if !identPattern.MatchString(ident) {
			return fmt.Errorf("arbor: invalid identifier %q", ident)
		}
	}
	return nil
}
