package dynamo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/closure"
)

func TestEdgeRecord_PK(t *testing.T) {
	e := edgeRecord{AncestorID: "a1", DescendantID: "d1", Generations: 2}

	if pk := e.pk(1); pk != "a1#00" {
		t.Errorf("expected pk 'a1#00', got %q", pk)
	}

	// Sharded PKs stay under the ancestor's prefix.
	pk := e.pk(256)
	if len(pk) != len("a1#")+2 {
		t.Errorf("expected 2-char shard suffix, got %q", pk)
	}
}

func TestEdgeRecord_Item(t *testing.T) {
	e := edgeRecord{AncestorID: "a1", DescendantID: "d1", Generations: 3}
	item, err := e.item(1)
	if err != nil {
		t.Fatalf("item: %v", err)
	}

	if v, ok := item["pk"].(*types.AttributeValueMemberS); !ok || v.Value != "a1#00" {
		t.Errorf("expected pk 'a1#00', got %v", item["pk"])
	}
	if v, ok := item["ancestor_id"].(*types.AttributeValueMemberS); !ok || v.Value != "a1" {
		t.Errorf("expected ancestor_id 'a1', got %v", item["ancestor_id"])
	}
	if v, ok := item["descendant_id"].(*types.AttributeValueMemberS); !ok || v.Value != "d1" {
		t.Errorf("expected descendant_id 'd1', got %v", item["descendant_id"])
	}
	if v, ok := item["generations"].(*types.AttributeValueMemberN); !ok || v.Value != "3" {
		t.Errorf("expected generations '3', got %v", item["generations"])
	}
}

func TestEdgeRecord_Key(t *testing.T) {
	e := edgeRecord{AncestorID: "a1", DescendantID: "d1", Generations: 1}
	key := e.key(1)

	if v, ok := key["pk"].(*types.AttributeValueMemberS); !ok || v.Value != "a1#00" {
		t.Errorf("expected pk 'a1#00', got %v", key["pk"])
	}
	if v, ok := key["descendant_id"].(*types.AttributeValueMemberS); !ok || v.Value != "d1" {
		t.Errorf("expected descendant_id 'd1', got %v", key["descendant_id"])
	}
	if len(key) != 2 {
		t.Errorf("expected 2 key attributes, got %d", len(key))
	}
}

func TestNodeItemRoundTrip(t *testing.T) {
	s := New(nil, Config{ScopeAttrs: []string{"tenant"}})

	n := closure.Node{
		ID:       "n1",
		ParentID: "p1",
		Key:      "docs",
		Scope:    closure.Scope{"tenant": "t1"},
	}

	got := s.nodeFromItem(s.nodeItem(n))
	if got.ID != n.ID {
		t.Errorf("expected ID %q, got %q", n.ID, got.ID)
	}
	if got.ParentID != n.ParentID {
		t.Errorf("expected ParentID %q, got %q", n.ParentID, got.ParentID)
	}
	if got.Key != n.Key {
		t.Errorf("expected Key %q, got %q", n.Key, got.Key)
	}
	if got.Scope["tenant"] != "t1" {
		t.Errorf("expected scope tenant 't1', got %v", got.Scope)
	}
}

func TestNodeItem_RootOmitsParentAttr(t *testing.T) {
	s := New(nil, DefaultConfig())

	item := s.nodeItem(closure.Node{ID: "r1", Key: "root"})
	if _, exists := item[s.config.ParentAttr]; exists {
		t.Error("expected root item to omit the parent attribute")
	}

	got := s.nodeFromItem(item)
	if got.ParentID != "" {
		t.Errorf("expected empty ParentID, got %q", got.ParentID)
	}
}

func TestMapTransactError(t *testing.T) {
	s := New(nil, DefaultConfig())

	canceled := func(failedIndex, total int) error {
		reasons := make([]types.CancellationReason, total)
		for i := range reasons {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
		}
		reasons[failedIndex].Code = aws.String("ConditionalCheckFailed")
		return &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil passes through", nil, nil},
		{"parent check failed", canceled(0, 4), closure.ErrParentNotFound},
		{"node write failed", canceled(1, 4), closure.ErrNotFound},
		{"edge put failed", canceled(2, 4), closure.ErrDuplicateEdge},
		{"later edge put failed", canceled(3, 4), closure.ErrDuplicateEdge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.mapTransactError(tt.err, 0, 1, "parent", "node")
			if tt.want == nil {
				if got != nil {
					t.Errorf("expected nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMapTransactError_UnrelatedErrorPassesThrough(t *testing.T) {
	s := New(nil, DefaultConfig())

	err := fmt.Errorf("throttled")
	if got := s.mapTransactError(err, 0, 1, "p", "n"); got != err {
		t.Errorf("expected original error, got %v", got)
	}
}

func TestConfigValidate_Clamping(t *testing.T) {
	tests := []struct {
		name     string
		in       int
		expected int
	}{
		{"zero defaults to 1", 0, 1},
		{"negative defaults to 1", -5, 1},
		{"in range unchanged", 64, 64},
		{"above max clamps to 256", 1000, 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{NumShards: tt.in}
			cfg.validate()
			if cfg.NumShards != tt.expected {
				t.Errorf("expected NumShards %d, got %d", tt.expected, cfg.NumShards)
			}
		})
	}
}
