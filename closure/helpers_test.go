package closure_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/jacentio/arbor/closure"
)

// newStore returns a Store over a fresh in-memory SQLite database. The pool
// is pinned to one connection: each :memory: connection is its own database.
func newStore(t *testing.T, cfg closure.Config) *closure.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := closure.New(db, cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize schema: %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s *closure.Store, parentID, key string) *closure.Node {
	t.Helper()
	n, err := s.CreateNode(context.Background(), parentID, key, nil)
	if err != nil {
		t.Fatalf("create node %q under %q: %v", key, parentID, err)
	}
	return n
}

func mustCreateScoped(t *testing.T, s *closure.Store, parentID, key string, scope closure.Scope) *closure.Node {
	t.Helper()
	n, err := s.CreateNode(context.Background(), parentID, key, scope)
	if err != nil {
		t.Fatalf("create scoped node %q: %v", key, err)
	}
	return n
}

// chain builds root -> a -> b -> ... and returns the nodes top-down.
func chain(t *testing.T, s *closure.Store, keys ...string) []*closure.Node {
	t.Helper()
	nodes := make([]*closure.Node, len(keys))
	parent := ""
	for i, key := range keys {
		nodes[i] = mustCreate(t, s, parent, key)
		parent = nodes[i].ID
	}
	return nodes
}

func ids(nodes []closure.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func containsID(nodes []closure.Node, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}
