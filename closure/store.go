package closure

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides closure-table hierarchy maintenance over a SQL database.
// Node rows and edge rows live in the same database so every mutating
// operation runs as a single transaction.
type Store struct {
	db  *sql.DB
	cfg Config

	// Precomputed statement texts. Table and column names come from the
	// validated Config; values are always bound parameters.
	qGetNode       string
	qAncestors     string
	qDescendants   string
	qChildren      string
	qChildrenByKey string
	qChildIDs      string
	qHasDescendant string
	qEdgeExists    string
	qInsertEdge    string
	qAncestorEdges string
	qDetachSubtree string
	qLevel         string
	qSetParent     string
	qRootIDs       string
}

// New creates a Store over an existing database handle.
func New(db *sql.DB, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Store{db: db, cfg: cfg}

	cols := s.nodeColumns("")
	colsN := s.nodeColumns("n")
	nodes, edges := cfg.NodesTable, cfg.EdgesTable

	s.qGetNode = fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", cols, nodes)
	s.qAncestors = fmt.Sprintf(
		"SELECT %s FROM %s e JOIN %s n ON n.id = e.ancestor_id WHERE e.descendant_id = ? ORDER BY e.generations",
		colsN, edges, nodes)
	s.qDescendants = fmt.Sprintf(
		"SELECT %s FROM %s e JOIN %s n ON n.id = e.descendant_id WHERE e.ancestor_id = ? ORDER BY e.generations",
		colsN, edges, nodes)
	s.qChildren = fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", cols, nodes, cfg.ParentColumn)
	s.qChildrenByKey = fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND %s = ?",
		cols, nodes, cfg.ParentColumn, cfg.KeyColumn)
	s.qChildIDs = fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", nodes, cfg.ParentColumn)
	s.qHasDescendant = fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM %s WHERE ancestor_id = ? AND descendant_id = ?)", edges)
	s.qEdgeExists = s.qHasDescendant
	s.qInsertEdge = fmt.Sprintf(
		"INSERT INTO %s (ancestor_id, descendant_id, generations) VALUES (?, ?, ?)", edges)
	s.qAncestorEdges = fmt.Sprintf(
		"SELECT ancestor_id, generations FROM %s WHERE descendant_id = ? ORDER BY generations", edges)
	s.qDetachSubtree = fmt.Sprintf(
		"DELETE FROM %s WHERE descendant_id IN (SELECT descendant_id FROM %s WHERE ancestor_id = ?) OR descendant_id = ?",
		edges, edges)
	s.qLevel = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE descendant_id = ?", edges)
	s.qSetParent = fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", nodes, cfg.ParentColumn)
	s.qRootIDs = fmt.Sprintf("SELECT id FROM %s WHERE %s IS NULL", nodes, cfg.ParentColumn)

	return s, nil
}

// Open opens a SQLite database at dsn and returns a Store over it. Use New
// to run against a database handle you manage yourself.
func Open(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	s, err := New(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Config returns the store's configuration after defaulting.
func (s *Store) Config() Config {
	return s.cfg
}

// Initialize creates the node and edge tables and their indexes.
func (s *Store) Initialize(ctx context.Context) error {
	nodes, edges := s.cfg.NodesTable, s.cfg.EdgesTable

	nodeCols := []string{
		"id TEXT PRIMARY KEY",
		fmt.Sprintf("%s TEXT REFERENCES %s(id)", s.cfg.ParentColumn, nodes),
		fmt.Sprintf("%s TEXT", s.cfg.KeyColumn),
	}
	for _, col := range s.cfg.ScopeColumns {
		nodeCols = append(nodeCols, col+" TEXT")
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", nodes, strings.Join(nodeCols, ", ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)",
			nodes, s.cfg.ParentColumn, nodes, s.cfg.ParentColumn),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ancestor_id TEXT NOT NULL,
			descendant_id TEXT NOT NULL,
			generations INTEGER NOT NULL CHECK (generations >= 1),
			PRIMARY KEY (ancestor_id, descendant_id)
		)`, edges),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_descendant ON %s(descendant_id)", edges, edges),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// nodeColumns returns the select list for node rows, optionally prefixed
// with a table alias.
func (s *Store) nodeColumns(alias string) string {
	cols := []string{"id", s.cfg.ParentColumn, s.cfg.KeyColumn}
	cols = append(cols, s.cfg.ScopeColumns...)
	if alias != "" {
		for i, c := range cols {
			cols[i] = alias + "." + c
		}
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanNode reads one node row in nodeColumns order.
func (s *Store) scanNode(row rowScanner) (*Node, error) {
	var id string
	var parent, key sql.NullString
	scopeVals := make([]sql.NullString, len(s.cfg.ScopeColumns))

	dest := []any{&id, &parent, &key}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	n := &Node{ID: id, ParentID: parent.String, Key: key.String}
	if len(s.cfg.ScopeColumns) > 0 {
		n.Scope = make(Scope, len(s.cfg.ScopeColumns))
		for i, col := range s.cfg.ScopeColumns {
			if scopeVals[i].Valid {
				n.Scope[col] = scopeVals[i].String
			}
		}
	}
	return n, nil
}

func (s *Store) scanNodes(rows *sql.Rows) ([]Node, error) {
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// --- Node repository ---

// CreateNode inserts a node and, when parentID is non-empty, attaches it in
// the same transaction. The node id is a generated UUID.
func (s *Store) CreateNode(ctx context.Context, parentID, key string, scope Scope) (*Node, error) {
	for col := range scope {
		if !s.isScopeColumn(col) {
			return nil, fmt.Errorf("arbor: unknown scope column %q", col)
		}
	}

	n := &Node{ID: uuid.New().String(), ParentID: parentID, Key: key, Scope: scope}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.insertNodeTx(ctx, tx, n); err != nil {
		return nil, err
	}
	if parentID != "" {
		if err := s.addChildTx(ctx, tx, parentID, n.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return n, nil
}

// insertNodeTx inserts a node row with a NULL parent pointer. Attachment is
// the engine's job so the parent edge and the pointer land together.
func (s *Store) insertNodeTx(ctx context.Context, tx *sql.Tx, n *Node) error {
	cols := []string{"id", s.cfg.KeyColumn}
	args := []any{n.ID, n.Key}
	for col, val := range n.Scope {
		cols = append(cols, col)
		args = append(args, val)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.cfg.NodesTable, strings.Join(cols, ", "), placeholders)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("inserting node %s: %w", n.ID, err)
	}
	return nil
}

func (s *Store) isScopeColumn(col string) bool {
	for _, c := range s.cfg.ScopeColumns {
		if c == col {
			return true
		}
	}
	return false
}

// GetNode returns a node by id, or ErrNotFound.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	n, err := s.scanNode(s.db.QueryRowContext(ctx, s.qGetNode, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, err
}

// UpdateNodeKey changes a node's display-key value.
func (s *Store) UpdateNodeKey(ctx context.Context, id, key string) error {
	stmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", s.cfg.NodesTable, s.cfg.KeyColumn)
	res, err := s.db.ExecContext(ctx, stmt, key, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ChildrenOf returns a node's direct children.
func (s *Store) ChildrenOf(ctx context.Context, id string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, s.qChildren, id)
	if err != nil {
		return nil, err
	}
	return s.scanNodes(rows)
}

// ChildrenByKey returns the direct children of a node whose display key
// matches the given value.
func (s *Store) ChildrenByKey(ctx context.Context, id, key string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, s.qChildrenByKey, id, key)
	if err != nil {
		return nil, err
	}
	return s.scanNodes(rows)
}

// RootsOf returns root nodes matching the given scope. Scope columns absent
// from the map must be NULL on the matched rows.
func (s *Store) RootsOf(ctx context.Context, scope Scope) ([]Node, error) {
	query, args := s.rootsQuery(scope, "")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.scanNodes(rows)
}

// rootsQuery builds the scope-filtered root query, optionally narrowed to a
// display-key value.
func (s *Store) rootsQuery(scope Scope, key string) (string, []any) {
	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s IS NULL",
		s.nodeColumns(""), s.cfg.NodesTable, s.cfg.ParentColumn)
	for _, col := range s.cfg.ScopeColumns {
		if val, ok := scope[col]; ok {
			fmt.Fprintf(&sb, " AND %s = ?", col)
			args = append(args, val)
		} else {
			fmt.Fprintf(&sb, " AND %s IS NULL", col)
		}
	}
	if key != "" {
		fmt.Fprintf(&sb, " AND %s = ?", s.cfg.KeyColumn)
		args = append(args, key)
	}
	return sb.String(), args
}

// DeleteNode removes a node according to the given policy. The closure edges
// of every removed or re-homed node are maintained in the same transaction.
func (s *Store) DeleteNode(ctx context.Context, id string, opts DeleteOptions) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	node, err := s.getNodeTx(ctx, tx, id)
	if err != nil {
		return err
	}

	switch opts.Policy {
	case ReparentChildren:
		children, err := s.childIDsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := s.detachTx(ctx, tx, child); err != nil {
				return err
			}
			if node.ParentID != "" {
				if err := s.addChildTx(ctx, tx, node.ParentID, child); err != nil {
					return err
				}
			} else {
				if err := s.setParentTx(ctx, tx, child, ""); err != nil {
					return err
				}
			}
			if err := s.reattachChildrenTx(ctx, tx, child); err != nil {
				return err
			}
		}
		if err := s.detachTx(ctx, tx, id); err != nil {
			return err
		}
		if err := s.deleteNodeRowsTx(ctx, tx, []string{id}); err != nil {
			return err
		}

	case DeleteSubtree:
		doomed, err := s.descendantIDsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.detachTx(ctx, tx, id); err != nil {
			return err
		}
		if err := s.deleteNodeRowsTx(ctx, tx, append(doomed, id)); err != nil {
			return err
		}

	default:
		return fmt.Errorf("arbor: unknown delete policy %d", opts.Policy)
	}

	return tx.Commit()
}

func (s *Store) getNodeTx(ctx context.Context, tx *sql.Tx, id string) (*Node, error) {
	n, err := s.scanNode(tx.QueryRowContext(ctx, s.qGetNode, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, err
}

func (s *Store) childIDsTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, s.qChildIDs, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		ids = append(ids, child)
	}
	return ids, rows.Err()
}

func (s *Store) descendantIDsTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	stmt := fmt.Sprintf("SELECT descendant_id FROM %s WHERE ancestor_id = ?", s.cfg.EdgesTable)
	rows, err := tx.QueryContext(ctx, stmt, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		ids = append(ids, d)
	}
	return ids, rows.Err()
}

func (s *Store) deleteNodeRowsTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	stmt := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", s.cfg.NodesTable, placeholders)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

// setParentTx writes the parent pointer directly. Empty parent means NULL.
func (s *Store) setParentTx(ctx context.Context, tx *sql.Tx, id, parentID string) error {
	var parent any
	if parentID != "" {
		parent = parentID
	}
	res, err := tx.ExecContext(ctx, s.qSetParent, parent, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// --- Hierarchy reads ---

// AncestorsOf returns the strict ancestors of a node, nearest first.
func (s *Store) AncestorsOf(ctx context.Context, id string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, s.qAncestors, id)
	if err != nil {
		return nil, err
	}
	return s.scanNodes(rows)
}

// DescendantsOf returns the strict descendants of a node, nearest first.
func (s *Store) DescendantsOf(ctx context.Context, id string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, s.qDescendants, id)
	if err != nil {
		return nil, err
	}
	return s.scanNodes(rows)
}

// AncestorEdges returns the closure rows above a node, nearest first.
func (s *Store) AncestorEdges(ctx context.Context, id string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, s.qAncestorEdges, id)
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

// IsLeaf reports whether no edge names the node as ancestor.
func (s *Store) IsLeaf(ctx context.Context, id string) (bool, error) {
	stmt := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE ancestor_id = ?)", s.cfg.EdgesTable)
	var hasDescendants bool
	if err := s.db.QueryRowContext(ctx, stmt, id).Scan(&hasDescendants); err != nil {
		return false, err
	}
	return !hasDescendants, nil
}

// IsRoot reports whether the node's parent pointer is NULL. This is defined
// by the parent pointer alone, never by the edge table.
func (s *Store) IsRoot(ctx context.Context, id string) (bool, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return false, err
	}
	return n.ParentID == "", nil
}

// Level returns the node's depth: the number of closure rows naming it as
// descendant. Roots are level 0.
func (s *Store) Level(ctx context.Context, id string) (int, error) {
	var level int
	if err := s.db.QueryRowContext(ctx, s.qLevel, id).Scan(&level); err != nil {
		return 0, err
	}
	return level, nil
}

var _ Hierarchy = (*Store)(nil)
