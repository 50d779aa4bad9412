package closure

import "testing"

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.NodesTable != "arbor_nodes" {
		t.Errorf("expected NodesTable 'arbor_nodes', got %q", cfg.NodesTable)
	}
	if cfg.EdgesTable != "arbor_edges" {
		t.Errorf("expected EdgesTable 'arbor_edges', got %q", cfg.EdgesTable)
	}
	if cfg.ParentColumn != "parent_id" {
		t.Errorf("expected ParentColumn 'parent_id', got %q", cfg.ParentColumn)
	}
	if cfg.KeyColumn != "name" {
		t.Errorf("expected KeyColumn 'name', got %q", cfg.KeyColumn)
	}
}

func TestConfigValidate_Identifiers(t *testing.T) {
	tests := []struct {
		ident string
		valid bool
	}{
		{"nodes", true},
		{"_private", true},
		{"table_2", true},
		{"UPPER", true},
		{"", false},
		{"1table", false},
		{"with space", false},
		{"with-hyphen", false},
		{"semi;colon", false},
		{`quo"te`, false},
	}

	for _, tt := range tests {
		cfg := Config{NodesTable: tt.ident}
		if tt.ident == "" {
			// Empty defaults rather than failing.
			if err := cfg.validate(); err != nil {
				t.Errorf("identifier %q: expected default, got %v", tt.ident, err)
			}
			continue
		}
		err := cfg.validate()
		if tt.valid && err != nil {
			t.Errorf("identifier %q: expected valid, got %v", tt.ident, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("identifier %q: expected error, got nil", tt.ident)
		}
	}
}

func TestRootsQuery_ScopeColumns(t *testing.T) {
	s := &Store{cfg: Config{
		NodesTable:   "n",
		EdgesTable:   "e",
		ParentColumn: "p",
		KeyColumn:    "k",
		ScopeColumns: []string{"tenant", "region"},
	}}

	query, args := s.rootsQuery(Scope{"tenant": "t1"}, "home")
	want := "SELECT id, p, k, tenant, region FROM n WHERE p IS NULL AND tenant = ? AND region IS NULL AND k = ?"
	if query != want {
		t.Errorf("expected query %q, got %q", want, query)
	}
	if len(args) != 2 || args[0] != "t1" || args[1] != "home" {
		t.Errorf("expected args [t1 home], got %v", args)
	}
}

func TestRootsQuery_NoScopeNoKey(t *testing.T) {
	s := &Store{cfg: Config{
		NodesTable:   "n",
		EdgesTable:   "e",
		ParentColumn: "p",
		KeyColumn:    "k",
	}}

	query, args := s.rootsQuery(nil, "")
	want := "SELECT id, p, k FROM n WHERE p IS NULL"
	if query != want {
		t.Errorf("expected query %q, got %q", want, query)
	}
	if len(args) != 0 {
		t.Errorf("expected no args, got %v", args)
	}
}
