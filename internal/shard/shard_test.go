package shard

import (
	"strings"
	"testing"
)

func TestEdgePK_SingleShard(t *testing.T) {
	// With numShards=1, all edges should go to shard "00"
	tests := []struct {
		ancestorID   string
		descendantID string
		expected     string
	}{
		{"a1", "d1", "a1#00"},
		{"a1", "d2", "a1#00"},
		{"a2", "d1", "a2#00"},
		{"550e8400-e29b-41d4-a716-446655440000", "x", "550e8400-e29b-41d4-a716-446655440000#00"},
	}

	for _, tt := range tests {
		result := EdgePK(tt.ancestorID, tt.descendantID, 1)
		if result != tt.expected {
			t.Errorf("EdgePK(%q, %q, 1) = %q, want %q",
				tt.ancestorID, tt.descendantID, result, tt.expected)
		}
	}
}

func TestEdgePK_ZeroShards(t *testing.T) {
	// Zero or negative shards should be treated as 1
	result := EdgePK("a1", "d1", 0)
	if result != "a1#00" {
		t.Errorf("expected 'a1#00', got %q", result)
	}

	result = EdgePK("a1", "d1", -1)
	if result != "a1#00" {
		t.Errorf("expected 'a1#00', got %q", result)
	}
}

func TestEdgePK_MultipleShards(t *testing.T) {
	// With numShards=256, different descendants should spread across shards
	ancestorID := "a1"
	numShards := 256

	shardCounts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		descendantID := "d" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		pk := EdgePK(ancestorID, descendantID, numShards)

		if !strings.HasPrefix(pk, ancestorID+"#") {
			t.Errorf("expected prefix %q#, got %q", ancestorID, pk)
		}

		shard := pk[len(ancestorID)+1:]
		shardCounts[shard]++
	}

	if len(shardCounts) < 10 {
		t.Errorf("expected distribution across multiple shards, got only %d unique shards", len(shardCounts))
	}
}

func TestEdgePK_Deterministic(t *testing.T) {
	first := EdgePK("a1", "d1", 256)
	for i := 0; i < 100; i++ {
		result := EdgePK("a1", "d1", 256)
		if result != first {
			t.Errorf("expected deterministic result %q, got %q on iteration %d", first, result, i)
		}
	}
}

func TestEdgePK_HexFormat(t *testing.T) {
	// Shard should be 2-character hex (00-ff)
	result := EdgePK("a1", "some-descendant", 256)
	parts := strings.Split(result, "#")
	if len(parts) < 2 {
		t.Fatalf("expected at least 2 parts, got %d: %q", len(parts), result)
	}

	shard := parts[len(parts)-1]
	if len(shard) != 2 {
		t.Errorf("expected 2-character shard, got %q", shard)
	}

	for _, c := range shard {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("expected hex character, got %c", c)
		}
	}
}

func TestEdgePK_SameDescendantDifferentAncestor(t *testing.T) {
	pk1 := EdgePK("a1", "d1", 256)
	pk2 := EdgePK("a2", "d1", 256)
	if pk1 == pk2 {
		t.Error("expected different PKs for different ancestors")
	}
}

func TestAllPKs_SingleShard(t *testing.T) {
	pks := AllPKs("a1", 1)
	if len(pks) != 1 {
		t.Fatalf("expected 1 pk, got %d", len(pks))
	}
	if pks[0] != "a1#00" {
		t.Errorf("expected 'a1#00', got %q", pks[0])
	}
}

func TestAllPKs_ZeroShards(t *testing.T) {
	pks := AllPKs("a1", 0)
	if len(pks) != 1 || pks[0] != "a1#00" {
		t.Errorf("expected ['a1#00'], got %v", pks)
	}
}

func TestAllPKs_CoversEveryEdgePK(t *testing.T) {
	// Every PK EdgePK can produce must be in the AllPKs fan-out set
	numShards := 16
	all := make(map[string]bool)
	for _, pk := range AllPKs("a1", numShards) {
		all[pk] = true
	}
	if len(all) != numShards {
		t.Fatalf("expected %d distinct pks, got %d", numShards, len(all))
	}

	for i := 0; i < 500; i++ {
		descendantID := "d" + strings.Repeat("x", i%40) + string(rune('a'+i%26))
		pk := EdgePK("a1", descendantID, numShards)
		if !all[pk] {
			t.Errorf("EdgePK produced %q, not covered by AllPKs", pk)
		}
	}
}

func BenchmarkEdgePK_SingleShard(b *testing.B) {
	ancestorID := "550e8400-e29b-41d4-a716-446655440000"
	descendantID := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EdgePK(ancestorID, descendantID, 1)
	}
}

func BenchmarkEdgePK_256Shards(b *testing.B) {
	ancestorID := "550e8400-e29b-41d4-a716-446655440000"
	descendantID := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EdgePK(ancestorID, descendantID, 256)
	}
}
