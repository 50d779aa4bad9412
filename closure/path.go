package closure

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FindByPath walks from the scope's roots along the given display-key
// values and returns the node the full path names, or ErrNotFound. Candidate
// roots are filtered by the first key before descending, so unrelated
// subtrees are never scanned.
func (s *Store) FindByPath(ctx context.Context, scope Scope, keys []string) (*Node, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}

	query, args := s.rootsQuery(scope, keys[0])
	root, err := s.scanNode(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: path %s", ErrNotFound, strings.Join(keys, "/"))
	}
	if err != nil {
		return nil, err
	}

	return s.descend(ctx, root, keys[1:], keys)
}

// FindByPathFrom walks the key path downward from a given node.
func (s *Store) FindByPathFrom(ctx context.Context, startID string, keys []string) (*Node, error) {
	start, err := s.GetNode(ctx, startID)
	if err != nil {
		return nil, err
	}
	return s.descend(ctx, start, keys, keys)
}

func (s *Store) descend(ctx context.Context, cur *Node, keys, fullPath []string) (*Node, error) {
	for _, key := range keys {
		next, err := s.scanNode(s.db.QueryRowContext(ctx, s.qChildrenByKey, cur.ID, key))
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: path %s", ErrNotFound, strings.Join(fullPath, "/"))
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// FindOrCreateByPath walks the key path from the scope's roots, creating any
// missing nodes along the way, and returns the node the full path names. All
// creations and attachments share one transaction.
func (s *Store) FindOrCreateByPath(ctx context.Context, scope Scope, keys []string) (*Node, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	for col := range scope {
		if !s.isScopeColumn(col) {
			return nil, fmt.Errorf("arbor: unknown scope column %q", col)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query, args := s.rootsQuery(scope, keys[0])
	cur, err := s.scanNode(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		cur = &Node{ID: uuid.New().String(), Key: keys[0], Scope: scope}
		if err := s.insertNodeTx(ctx, tx, cur); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	for _, key := range keys[1:] {
		next, err := s.scanNode(tx.QueryRowContext(ctx, s.qChildrenByKey, cur.ID, key))
		if err == sql.ErrNoRows {
			next = &Node{ID: uuid.New().String(), ParentID: cur.ID, Key: key, Scope: scope}
			if err := s.insertNodeTx(ctx, tx, next); err != nil {
				return nil, err
			}
			if err := s.addChildTx(ctx, tx, cur.ID, next.ID); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		cur = next
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}
