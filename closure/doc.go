// Package closure maintains a materialized transitive-closure table that
// mirrors a tree encoded by a parent-pointer column, so ancestor, descendant,
// root, leaf and level queries run as indexed lookups instead of recursive
// traversals.
//
// The closure table stores one row per strict ancestor→descendant pair with
// its distance in parent-hops (generations >= 1, never self-edges). The store
// owns the invariant that this enumeration is always complete and correct for
// every node attached through it.
//
// # Operations
//
//   - [Store.AddChild] - attach a node under a parent (parent pointer plus
//     one edge per ancestor, in one transaction)
//   - [Store.Detach] - remove a node and its whole subtree from the closure
//     table without touching node rows
//   - [Store.MoveToChildOf] - re-home a subtree atomically
//   - [Store.RebuildAll] - reconstruct every edge from parent pointers; the
//     only recovery path after out-of-band parent_id edits
//   - [Store.FindOrCreateByPath] - walk or create a chain of children
//     matching a sequence of display-key values
//
// # Configuration
//
// Table and column names are explicit construction-time configuration, never
// process-wide state:
//
//	cfg := closure.DefaultConfig()
//	cfg.ScopeColumns = []string{"tenant"}
//	st, err := closure.New(db, cfg)
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrNotFound] - node or path does not exist
//   - [ErrParentNotFound] - attach named a missing parent
//   - [ErrDuplicateEdge] - edge insert collided; an integrity bug, not a
//     recoverable condition
//   - [ErrCycle] - move would make a node its own ancestor
//
// Everything else is a backing-store failure, propagated wrapped.
package closure
