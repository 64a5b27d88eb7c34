package cas

import (
	"strings"
	"testing"
)

func TestDigest(t *testing.T) {
	d := Digest([]byte("hello world"))
	if len(d) != DigestLen {
		t.Fatalf("Digest() length = %d, want %d", len(d), DigestLen)
	}
	if d != Digest([]byte("hello world")) {
		t.Error("Digest() is not deterministic for identical input")
	}
	if d == Digest([]byte("hello worlD")) {
		t.Error("Digest() collided on different input")
	}
	if !ValidDigest(d) {
		t.Errorf("ValidDigest(%q) = false for a produced digest", d)
	}
}

func TestValidDigest(t *testing.T) {
	tests := []struct {
		name   string
		digest string
		want   bool
	}{
		{"valid digest", Digest([]byte("x")), true},
		{"empty string", "", false},
		{"too short", "abcdef", false},
		{"non-hex characters", strings.Repeat("zz", 32), false},
		{"uppercase hex is still hex", strings.Repeat("AB", 32), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidDigest(tt.digest); got != tt.want {
				t.Errorf("ValidDigest(%q) = %v, want %v", tt.digest, got, tt.want)
			}
		})
	}
}

func TestShardKey(t *testing.T) {
	digest := Digest([]byte("payload"))
	key := ShardKey(digest, 3)

	want := digest[:PrefixLen] + "/" + digest + ".3.shard"
	if key != want {
		t.Errorf("ShardKey() = %q, want %q", key, want)
	}
}
