package closure

import (
	"context"
	"database/sql"
	"fmt"
)

// AddChild makes child a direct child of parent: the parent pointer and one
// closure edge per node in {parent} ∪ ancestors(parent) are written in a
// single transaction, so neither can exist without the other.
func (s *Store) AddChild(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return fmt.Errorf("%w: %s cannot be its own parent", ErrCycle, childID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	descendant, err := s.hasDescendantTx(ctx, tx, childID, parentID)
	if err != nil {
		return err
	}
	if descendant {
		return fmt.Errorf("%w: %s is a descendant of %s", ErrCycle, parentID, childID)
	}

	if err := s.addChildTx(ctx, tx, parentID, childID); err != nil {
		return err
	}
	return tx.Commit()
}

// addChildTx performs the attach inside an existing transaction. Callers are
// responsible for cycle checks.
func (s *Store) addChildTx(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	exists, err := s.nodeExistsTx(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
	}

	if err := s.setParentTx(ctx, tx, childID, parentID); err != nil {
		return err
	}

	if err := s.insertEdgeTx(ctx, tx, parentID, childID, 1); err != nil {
		return err
	}
	ancestors, err := s.ancestorEdgesTx(ctx, tx, parentID)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if err := s.insertEdgeTx(ctx, tx, a.AncestorID, childID, a.Generations+1); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes every closure edge whose descendant is the node or any of
// its descendants. Internal subtree edges go too: a detached subtree exits
// the closure table entirely and must be re-attached or rebuilt. Parent
// pointers are untouched.
func (s *Store) Detach(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.detachTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// detachTx deletes the subtree's edges in one statement so the descendant
// read and the delete cannot interleave with a concurrent attach.
func (s *Store) detachTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, s.qDetachSubtree, id, id); err != nil {
		return fmt.Errorf("detaching subtree of %s: %w", id, err)
	}
	return nil
}

// OnDestroy is the pre-delete hook an owning repository must invoke before
// physically removing a node row. It detaches the node's subtree; whether
// children are themselves deleted or re-homed is the caller's policy.
func (s *Store) OnDestroy(ctx context.Context, id string) error {
	return s.Detach(ctx, id)
}

// MoveToChildOf re-homes the subtree rooted at id under newParentID. The
// move is all-or-nothing: cycle checks run before any write and the whole
// sequence shares one transaction.
func (s *Store) MoveToChildOf(ctx context.Context, id, newParentID string) error {
	if id == newParentID {
		return fmt.Errorf("%w: %s cannot be its own parent", ErrCycle, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.getNodeTx(ctx, tx, id); err != nil {
		return err
	}
	exists, err := s.nodeExistsTx(ctx, tx, newParentID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrParentNotFound, newParentID)
	}

	descendant, err := s.hasDescendantTx(ctx, tx, id, newParentID)
	if err != nil {
		return err
	}
	if descendant {
		return fmt.Errorf("%w: %s is a descendant of %s", ErrCycle, newParentID, id)
	}

	// Detach erased the subtree's internal edges as well, so re-derive them
	// from the parent pointers, which still reflect the internal structure.
	if err := s.detachTx(ctx, tx, id); err != nil {
		return err
	}
	if err := s.addChildTx(ctx, tx, newParentID, id); err != nil {
		return err
	}
	if err := s.reattachChildrenTx(ctx, tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

// reattachChildrenTx re-runs the attach for every child of id, recursively,
// using the current parent pointers.
func (s *Store) reattachChildrenTx(ctx context.Context, tx *sql.Tx, id string) error {
	children, err := s.childIDsTx(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.addChildTx(ctx, tx, id, child); err != nil {
			return err
		}
		if err := s.reattachChildrenTx(ctx, tx, child); err != nil {
			return err
		}
	}
	return nil
}

// RebuildAll reconstructs the whole edge table from parent pointers. It is
// the sole recovery mechanism after out-of-band parent-pointer edits and is
// never invoked automatically.
func (s *Store) RebuildAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.cfg.EdgesTable)); err != nil {
		return fmt.Errorf("truncating edges: %w", err)
	}

	rows, err := tx.QueryContext(ctx, s.qRootIDs)
	if err != nil {
		return err
	}
	var roots []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		roots = append(roots, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, root := range roots {
		if err := s.reattachChildrenTx(ctx, tx, root); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- transactional primitives ---

func (s *Store) nodeExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	stmt := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = ?)", s.cfg.NodesTable)
	var exists bool
	err := tx.QueryRowContext(ctx, stmt, id).Scan(&exists)
	return exists, err
}

func (s *Store) hasDescendantTx(ctx context.Context, tx *sql.Tx, ancestorID, descendantID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, s.qHasDescendant, ancestorID, descendantID).Scan(&exists)
	return exists, err
}

// insertEdgeTx inserts one closure row. A colliding (ancestor, descendant)
// pair fails the transaction with ErrDuplicateEdge: it means an attach ran
// against a node that was never detached, which is an integrity bug.
func (s *Store) insertEdgeTx(ctx context.Context, tx *sql.Tx, ancestorID, descendantID string, generations int) error {
	exists, err := s.hasDescendantTx(ctx, tx, ancestorID, descendantID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: ancestor %s, descendant %s", ErrDuplicateEdge, ancestorID, descendantID)
	}
	if _, err := tx.ExecContext(ctx, s.qInsertEdge, ancestorID, descendantID, generations); err != nil {
		return fmt.Errorf("inserting edge %s -> %s: %w", ancestorID, descendantID, err)
	}
	return nil
}

func (s *Store) ancestorEdgesTx(ctx context.Context, tx *sql.Tx, id string) ([]Edge, error) {
	rows, err := tx.QueryContext(ctx, s.qAncestorEdges, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []Edge
	for rows.Next() {
		e := Edge{DescendantID: id}
		if err := rows.Scan(&e.AncestorID, &e.Generations); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
