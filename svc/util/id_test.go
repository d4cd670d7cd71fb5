package util

import (
	"strings"
	"testing"
)

func TestGenIDLengthAndAlphabet(t *testing.T) {
	id, err := GenID(func(string) bool { return false })
	if err != nil {
		t.Fatalf("GenID failed: %v", err)
	}
	if len(id) != idLen {
		t.Errorf("id length = %d, want %d", len(id), idLen)
	}
	for _, ch := range id {
		if !strings.ContainsRune(base62Chars, ch) {
			t.Errorf("id %q contains non-base62 character %q", id, ch)
		}
	}
}

func TestGenIDRetriesOnCollision(t *testing.T) {
	calls := 0
	id, err := GenID(func(string) bool {
		calls++
		return calls < 3
	})
	if err != nil {
		t.Fatalf("GenID failed: %v", err)
	}
	if id == "" {
		t.Error("GenID returned empty id")
	}
	if calls != 3 {
		t.Errorf("exists called %d times, want 3", calls)
	}
}

func TestGenIDGivesUpAfterRetries(t *testing.T) {
	_, err := GenID(func(string) bool { return true })
	if err == nil {
		t.Error("expected error when every id collides")
	}
}

func TestGenIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := GenID(func(string) bool { return false })
		if err != nil {
			t.Fatalf("GenID failed: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d generations", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestRedactIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.100", "192.168.1.0"},
		{"192.168.1.100:54321", "192.168.1.0"},
		{"10.0.0.1", "10.0.0.0"},
	}
	for _, tt := range tests {
		if got := RedactIP(tt.in); got != tt.want {
			t.Errorf("RedactIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP fallback = %q, want hash: prefix", got)
	}
}

func TestRedactClipContent(t *testing.T) {
	if got := RedactClipContent(""); got != "" {
		t.Errorf("empty content = %q", got)
	}
	if got := RedactClipContent("short"); got != "[REDACTED]" {
		t.Errorf("short content = %q", got)
	}
	long := strings.Repeat("a", 30)
	got := RedactClipContent(long)
	if !strings.Contains(got, "[REDACTED]") || len(got) >= len(long)+10 {
		t.Errorf("long content redaction = %q", got)
	}
}
