package api

import (
	"clipbin/cfg"
	"clipbin/pkg/domain"
	"clipbin/svc/notify"
	"clipbin/svc/store"
	"clipbin/svc/svc"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newWSTestHub(t *testing.T) (*WSHub, *notify.Hub, *svc.Clip) {
	t.Helper()
	c := &cfg.Cfg{
		Port:              "0",
		Environment:       "test",
		LogLevel:          "error",
		MaxClipSize:       50 * 1024,
		MaxCustomExpiry:   30 * 24 * time.Hour,
		StoreShards:       4,
		SweepInterval:     time.Minute,
		LazySweepDebounce: time.Minute,
		NotifyDoneCap:     128,
		MaxWorkerLoad:     100,
		ContextTimeout:    5 * time.Second,
	}
	hub, err := notify.NewHub(c.NotifyDoneCap)
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(store.Options{
		Shards:            c.StoreShards,
		MaxContentSize:    c.MaxClipSize,
		LazySweepDebounce: c.LazySweepDebounce,
		Notifier:          hub,
	})
	clips := svc.NewClip(st, hub, c)
	return NewWSHub(clips), hub, clips
}

func dialWS(t *testing.T, ts *httptest.Server, clipID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "?clipId=" + clipID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWSDisconnectReleasesSubscription(t *testing.T) {
	ws, hub, clips := newWSTestHub(t)
	defer clips.Shutdown()
	ts := httptest.NewServer(http.HandlerFunc(ws.ServeHTTP))
	defer ts.Close()

	// An id with no clip behind it: without the client hanging up, this
	// subscription would never see an event.
	const clipID = "neverterminates1"

	conn := dialWS(t, ts, clipID)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("handshake frame: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return ws.Count() == 1 }) {
		t.Fatalf("ws.Count() = %d, want 1", ws.Count())
	}
	if hub.Subscribers(clipID) != 1 {
		t.Fatalf("hub.Subscribers = %d, want 1", hub.Subscribers(clipID))
	}

	conn.Close()

	if !waitFor(t, 3*time.Second, func() bool { return ws.Count() == 0 }) {
		t.Errorf("ws.Count() = %d after disconnect, want 0", ws.Count())
	}
	if !waitFor(t, 3*time.Second, func() bool { return hub.Subscribers(clipID) == 0 }) {
		t.Errorf("hub.Subscribers = %d after disconnect, want 0", hub.Subscribers(clipID))
	}
}

func TestWSDisconnectThenTerminalEvent(t *testing.T) {
	ws, hub, clips := newWSTestHub(t)
	defer clips.Shutdown()
	ts := httptest.NewServer(http.HandlerFunc(ws.ServeHTTP))
	defer ts.Close()

	ctx := context.Background()
	clip, err := clips.Create(ctx, domain.CreateParams{Content: "left early", ExpiresAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, ts, clip.ID)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("handshake frame: %v", err)
	}
	conn.Close()

	if !waitFor(t, 3*time.Second, func() bool { return hub.Subscribers(clip.ID) == 0 }) {
		t.Fatalf("subscription survived disconnect")
	}

	// Revoking after the viewer left must not panic or resurrect anything.
	if !clips.Revoke(ctx, clip.ID) {
		t.Fatal("revoke failed")
	}
	if !waitFor(t, 3*time.Second, func() bool { return ws.Count() == 0 }) {
		t.Errorf("ws.Count() = %d, want 0", ws.Count())
	}
}
