package dynamo

// Config holds configuration for the DynamoDB-backed Store.
type Config struct {
	// NodesTable is the name of the node table.
	// Default: "arbor_nodes"
	NodesTable string

	// EdgesTable is the name of the closure-edge table.
	// Default: "arbor_edges"
	EdgesTable string

	// ByParentIndex is the nodes-table GSI keyed on (parent attr, key attr),
	// used for child lookups and path resolution.
	// Default: "by_parent"
	ByParentIndex string

	// ByDescendantIndex is the edges-table GSI keyed on
	// (descendant_id, generations), used for ancestor reads.
	// Default: "by_descendant"
	ByDescendantIndex string

	// ParentAttr is the parent-pointer attribute on node items. Absent
	// marks a root.
	// Default: "parent_id"
	ParentAttr string

	// KeyAttr is the display-key attribute used by path resolution.
	// Default: "name"
	KeyAttr string

	// ScopeAttrs are optional node attributes whose values partition the
	// table into independent forests. Default: none.
	ScopeAttrs []string

	// NumShards is the number of shards for the edge table.
	// Higher values spread a large subtree's edges across partitions but
	// require more parallel queries on descendant reads.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int
}

// DefaultConfig returns sensible defaults for small trees.
func DefaultConfig() Config {
	return Config{
		NodesTable:        "arbor_nodes",
		EdgesTable:        "arbor_edges",
		ByParentIndex:     "by_parent",
		ByDescendantIndex: "by_descendant",
		ParentAttr:        "parent_id",
		KeyAttr:           "name",
		NumShards:         1,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.NodesTable == "" {
		c.NodesTable = "arbor_nodes"
	}
	if c.EdgesTable == "" {
		c.EdgesTable = "arbor_edges"
	}
	if c.ByParentIndex == "" {
		c.ByParentIndex = "by_parent"
	}
	if c.ByDescendantIndex == "" {
		c.ByDescendantIndex = "by_descendant"
	}
	if c.ParentAttr == "" {
		c.ParentAttr = "parent_id"
	}
	if c.KeyAttr == "" {
		c.KeyAttr = "name"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
}
