package closure

import "errors"

var (
	// ErrNotFound is returned when a node lookup or path walk matches nothing.
	ErrNotFound = errors.New("arbor: node not found")

	// ErrParentNotFound is returned when an attach names a missing parent.
	ErrParentNotFound = errors.New("arbor: parent node not found")

	// ErrDuplicateEdge is returned when an edge insert collides with an
	// existing (ancestor, descendant) pair. It signals a missed attach/detach
	// pairing elsewhere and is never retried.
	ErrDuplicateEdge = errors.New("arbor: duplicate closure edge")

	// ErrCycle is returned when a move would make a node an ancestor of
	// itself. Nothing is written.
	ErrCycle = errors.New("arbor: operation would create a cycle")
)
