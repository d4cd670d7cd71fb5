package api

import (
	"clipbin/metrics"
	"clipbin/svc/notify"
	"clipbin/svc/svc"
	"clipbin/svc/util"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteTimeout is the deadline for a single write to a client.
	wsWriteTimeout = 10 * time.Second

	// wsPongWait is how long to wait for a pong before treating the
	// connection as dead.
	wsPongWait = 60 * time.Second

	// wsPingPeriod must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	wsSendBufSize = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the CORS layer / reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the JSON envelope sent to viewers. Type is
// connection_established, clip_revoked or clip_expired.
type wsFrame struct {
	Type      string    `json:"type"`
	ClipID    string    `json:"clipId"`
	Timestamp time.Time `json:"timestamp"`
}

// WSHub serves live invalidation pushes: a viewer connects with ?clipId=...
// and receives at most one terminal frame for that clip, after which the
// connection is closed. Missed pushes are fine; viewers reconcile with a GET.
type WSHub struct {
	clips *svc.Clip

	mu      sync.Mutex
	conns   map[*wsClient]struct{}
	closing bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewWSHub(clips *svc.Clip) *WSHub {
	return &WSHub{
		clips: clips,
		conns: make(map[*wsClient]struct{}),
	}
}

func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clipID := r.URL.Query().Get("clipId")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}
	if clipID == "" {
		util.Warn().Str("ip", util.RedactIP(r.RemoteAddr)).Msg("websocket rejected: missing clipId")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing clipId"),
			time.Now().Add(wsWriteTimeout))
		conn.Close()
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBufSize),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	defer h.unregister(c)
	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()

	sub := h.clips.Subscribe(clipID)
	defer sub.Cancel()

	c.enqueue(wsFrame{Type: "connection_established", ClipID: clipID, Timestamp: time.Now()})

	done := make(chan struct{})
	go c.writePump()
	go func() {
		defer close(done)
		ev, ok := <-sub.C
		if !ok {
			return
		}
		c.enqueue(terminalFrame(ev))
		// Give the write pump a moment to flush, then drop the connection:
		// the event is terminal, there is nothing left to say.
		time.Sleep(250 * time.Millisecond)
		c.conn.Close()
	}()

	util.Debug().Str("clip_id", clipID).Msg("websocket client connected")
	c.readPump() // blocks until the connection closes
	// The viewer is gone; close the subscription so the goroutine above is
	// not left waiting on an event that may never come.
	sub.Cancel()
	<-done
	util.Debug().Str("clip_id", clipID).Msg("websocket client disconnected")
}

func terminalFrame(ev notify.Event) wsFrame {
	typ := "clip_expired"
	if ev.Type == notify.EventRevoked {
		typ = "clip_revoked"
	}
	return wsFrame{Type: typ, ClipID: ev.ClipID, Timestamp: ev.Timestamp}
}

// Count returns the number of currently connected clients.
func (h *WSHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes all live connections and refuses new ones.
func (h *WSHub) Shutdown() {
	h.mu.Lock()
	h.closing = true
	conns := make([]*wsClient, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

func (h *WSHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
}

// enqueue marshals and queues a frame, dropping it if the client's buffer is
// full. All enqueues happen before unregister closes the send channel: the
// handshake frame is sent synchronously and the handler waits for the
// notifier goroutine before tearing down.
func (c *wsClient) enqueue(f wsFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
