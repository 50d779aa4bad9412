package closure

import "context"

// Node is a single record in the hierarchy.
type Node struct {
	// ID is the node's unique identifier.
	ID string

	// ParentID is the id of the direct parent. Empty for root nodes.
	ParentID string

	// Key is the value of the display-key column, used by path resolution.
	Key string

	// Scope holds the values of the configured scope columns. Nodes with
	// different scope values belong to independent forests.
	Scope Scope
}

// Scope maps scope column names to values. A nil Scope matches nodes whose
// scope columns are all NULL.
type Scope map[string]string

// Edge is one closure-table row: ancestor is Generations parent-hops above
// descendant. Self-edges are never stored, so Generations >= 1.
type Edge struct {
	AncestorID   string
	DescendantID string
	Generations  int
}

// DeletePolicy selects what happens to a deleted node's children.
type DeletePolicy int

const (
	// DeleteSubtree deletes the node together with every descendant.
	DeleteSubtree DeletePolicy = iota

	// ReparentChildren attaches the node's children to its parent before
	// the node is deleted. Children of a deleted root become roots.
	ReparentChildren
)

// DeleteOptions configures DeleteNode behavior.
type DeleteOptions struct {
	Policy DeletePolicy
}

// Hierarchy is the backend-neutral contract for closure-table maintenance.
// Both the SQL store in this package and the DynamoDB store in package
// dynamo satisfy it.
type Hierarchy interface {
	// AncestorsOf returns the strict ancestors of a node, nearest first.
	AncestorsOf(ctx context.Context, id string) ([]Node, error)

	// DescendantsOf returns the strict descendants of a node, nearest first.
	DescendantsOf(ctx context.Context, id string) ([]Node, error)

	// IsLeaf reports whether no closure edge names the node as ancestor.
	IsLeaf(ctx context.Context, id string) (bool, error)

	// IsRoot reports whether the node's parent pointer is unset.
	IsRoot(ctx context.Context, id string) (bool, error)

	// Level returns the node's depth: 0 for roots, otherwise the number of
	// parent-hops to its root.
	Level(ctx context.Context, id string) (int, error)

	// AddChild sets the child's parent pointer and inserts one closure edge
	// per ancestor of the new parent, atomically.
	AddChild(ctx context.Context, parentID, childID string) error

	// Detach removes the node and its entire subtree from the closure
	// table. Parent pointers are left untouched.
	Detach(ctx context.Context, id string) error

	// MoveToChildOf re-homes a subtree under a new parent, atomically.
	MoveToChildOf(ctx context.Context, id, newParentID string) error

	// RebuildAll reconstructs the closure table from parent pointers.
	RebuildAll(ctx context.Context) error

	// OnDestroy must be invoked before a node row is physically deleted.
	OnDestroy(ctx context.Context, id string) error

	// FindByPath walks root→leaf along the given display-key values.
	FindByPath(ctx context.Context, scope Scope, keys []string) (*Node, error)

	// FindOrCreateByPath walks the key path, creating missing nodes.
	FindOrCreateByPath(ctx context.Context, scope Scope, keys []string) (*Node, error)
}
