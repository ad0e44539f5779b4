package shard

import (
	"strings"
	"testing"
)

func TestOf_SingleShard(t *testing.T) {
	// With numShards<=1, all members land on shard 0
	for _, n := range []int{-1, 0, 1} {
		for _, member := range []string{"", "a", "USER#u1", "日本語"} {
			if got := Of(member, n); got != 0 {
				t.Errorf("Of(%q, %d) = %d, want 0", member, n, got)
			}
		}
	}
}

func TestOf_InRange(t *testing.T) {
	for _, n := range []int{2, 3, 16, 256} {
		for i := 0; i < 500; i++ {
			member := "USER#" + strings.Repeat("x", i%17) + string(rune('a'+i%26))
			got := Of(member, n)
			if got < 0 || got >= n {
				t.Fatalf("Of(%q, %d) = %d, out of range", member, n, got)
			}
		}
	}
}

func TestOf_Deterministic(t *testing.T) {
	first := Of("AREA#a1", 256)
	for i := 0; i < 100; i++ {
		if got := Of("AREA#a1", 256); got != first {
			t.Errorf("expected deterministic result %d, got %d on iteration %d", first, got, i)
		}
	}
}

func TestOf_Distribution(t *testing.T) {
	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		member := "USER#" + string(rune('a'+i%26)) + string(rune('0'+i%10)) + strings.Repeat("z", i%7)
		counts[Of(member, 16)]++
	}

	if len(counts) < 8 {
		t.Errorf("expected distribution across multiple shards with 16 shards, got only %d unique shards", len(counts))
	}
}

func TestPartitionKey_HexFormat(t *testing.T) {
	tests := []struct {
		shard    int
		expected string
	}{
		{0, "CATALOG#USER#00"},
		{10, "CATALOG#USER#0a"},
		{255, "CATALOG#USER#ff"},
	}

	for _, tt := range tests {
		if got := PartitionKey("CATALOG#USER", tt.shard); got != tt.expected {
			t.Errorf("PartitionKey(%d) = %q, want %q", tt.shard, got, tt.expected)
		}
	}
}

func TestMemberPK_ListedByAll(t *testing.T) {
	for _, n := range []int{1, 4, 256} {
		all := make(map[string]bool)
		for _, pk := range All("CATALOG#AREA", n) {
			all[pk] = true
		}
		if len(all) != n {
			t.Fatalf("All(%d) returned %d distinct partitions", n, len(all))
		}

		for i := 0; i < 100; i++ {
			pk := MemberPK("CATALOG#AREA", "AREA#"+string(rune('a'+i%26))+string(rune('0'+i%10)), n)
			if !all[pk] {
				t.Errorf("MemberPK produced %q, not listed by All(%d)", pk, n)
			}
		}
	}
}

func TestAll_ZeroShards(t *testing.T) {
	// Zero or negative shards should be treated as 1
	for _, n := range []int{0, -1} {
		pks := All("CATALOG#USER", n)
		if len(pks) != 1 || pks[0] != "CATALOG#USER#00" {
			t.Errorf("All(%d) = %v, want [CATALOG#USER#00]", n, pks)
		}
	}
}

func BenchmarkMemberPK_256Shards(b *testing.B) {
	member := "USER#550e8400-e29b-41d4-a716-446655440000"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MemberPK("CATALOG#USER", member, 256)
	}
}
