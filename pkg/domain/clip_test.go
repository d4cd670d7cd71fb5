package domain

import (
	"testing"
	"time"
)

func TestIsLive(t *testing.T) {
	now := time.Now()
	c := &Clip{
		ID:        "abc",
		Content:   "hello",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}

	if !c.IsLive(now) {
		t.Error("fresh clip should be live")
	}
	if !c.IsLive(now.Add(9 * time.Minute)) {
		t.Error("clip should be live before expiry")
	}
	if c.IsLive(now.Add(10 * time.Minute)) {
		t.Error("clip should not be live at exact expiry instant")
	}
	if c.IsLive(now.Add(11 * time.Minute)) {
		t.Error("clip should not be live after expiry")
	}

	c.Revoked = true
	if c.IsLive(now) {
		t.Error("revoked clip should not be live even before expiry")
	}
}

func TestIsLiveNeverTransitionsBack(t *testing.T) {
	now := time.Now()
	c := &Clip{ExpiresAt: now.Add(time.Minute)}

	// Walk time forward; once false, it must stay false.
	wasLive := true
	for i := 0; i <= 120; i += 10 {
		at := now.Add(time.Duration(i) * time.Second)
		live := c.IsLive(at)
		if live && !wasLive {
			t.Fatalf("clip went from dead back to live at +%ds", i)
		}
		wasLive = live
	}
}

func TestResolveExpiryTokens(t *testing.T) {
	now := time.Now()
	cases := []struct {
		token string
		want  time.Duration
	}{
		{"2min", 2 * time.Minute},
		{"5min", 5 * time.Minute},
		{"10min", 10 * time.Minute},
		{"1hour", time.Hour},
		{"24hour", 24 * time.Hour},
		{"", 10 * time.Minute}, // default
	}
	for _, tc := range cases {
		got, err := ResolveExpiry(tc.token, "", now)
		if err != nil {
			t.Fatalf("token %q: unexpected error %v", tc.token, err)
		}
		if !got.Equal(now.Add(tc.want)) {
			t.Errorf("token %q: got %v, want now+%v", tc.token, got, tc.want)
		}
	}
}

func TestResolveExpiryUnknownToken(t *testing.T) {
	if _, err := ResolveExpiry("3days", "", time.Now()); err != ErrInvalidExpiry {
		t.Errorf("unknown token: got %v, want ErrInvalidExpiry", err)
	}
}

func TestResolveExpiryCustom(t *testing.T) {
	now := time.Now()
	want := now.Add(42 * time.Minute).Truncate(time.Second)

	got, err := ResolveExpiry("", want.Format(time.RFC3339), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Custom wins over a token.
	got, err = ResolveExpiry("2min", want.Format(time.RFC3339), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("custom should win over token: got %v, want %v", got, want)
	}

	if _, err := ResolveExpiry("", "not-a-timestamp", now); err != ErrInvalidExpiry {
		t.Errorf("malformed custom expiry: got %v, want ErrInvalidExpiry", err)
	}
}
