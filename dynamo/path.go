package dynamo

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jacentio/arbor/closure"
)

// FindByPath walks from the scope's roots along the given display-key values
// and returns the node the full path names, or closure.ErrNotFound. The root
// scan is filtered by the first key so unrelated forests are never descended.
func (s *Store) FindByPath(ctx context.Context, scope closure.Scope, keys []string) (*closure.Node, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty path", closure.ErrNotFound)
	}

	roots, err := s.scanRoots(ctx, scope, keys[0])
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: path %s", closure.ErrNotFound, strings.Join(keys, "/"))
	}
	cur := roots[0]

	for _, key := range keys[1:] {
		children, err := s.queryChildren(ctx, cur.ID, key)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("%w: path %s", closure.ErrNotFound, strings.Join(keys, "/"))
		}
		cur = children[0]
	}
	return &cur, nil
}

// FindOrCreateByPath walks the key path from the scope's roots, creating any
// missing nodes along the way. Each created level is one transaction, so a
// concurrent walker either sees the node or loses the conditional put and
// can retry; the path as a whole is not atomic.
func (s *Store) FindOrCreateByPath(ctx context.Context, scope closure.Scope, keys []string) (*closure.Node, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty path", closure.ErrNotFound)
	}
	for attr := range scope {
		if !s.isScopeAttr(attr) {
			return nil, fmt.Errorf("arbor: unknown scope attribute %q", attr)
		}
	}

	roots, err := s.scanRoots(ctx, scope, keys[0])
	if err != nil {
		return nil, err
	}
	var cur closure.Node
	if len(roots) > 0 {
		cur = roots[0]
	} else {
		cur = closure.Node{ID: uuid.New().String(), Key: keys[0], Scope: scope}
		if err := s.createNodeTransact(ctx, cur); err != nil {
			return nil, err
		}
	}

	for _, key := range keys[1:] {
		children, err := s.queryChildren(ctx, cur.ID, key)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			cur = children[0]
			continue
		}
		next := closure.Node{ID: uuid.New().String(), ParentID: cur.ID, Key: key, Scope: scope}
		if err := s.createNodeTransact(ctx, next); err != nil {
			return nil, err
		}
		cur = next
	}
	return &cur, nil
}

func (s *Store) isScopeAttr(attr string) bool {
	for _, a := range s.config.ScopeAttrs {
		if a == attr {
			return true
		}
	}
	return false
}

// FindByPathFrom walks the key path downward from a given node.
func (s *Store) FindByPathFrom(ctx context.Context, startID string, keys []string) (*closure.Node, error) {
	cur, err := s.GetNode(ctx, startID)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		children, err := s.queryChildren(ctx, cur.ID, key)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("%w: path %s", closure.ErrNotFound, strings.Join(keys, "/"))
		}
		cur = &children[0]
	}
	return cur, nil
}
