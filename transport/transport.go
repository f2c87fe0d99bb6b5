// Package transport is the streaming transport: an authenticated,
// keep-alive'd bidirectional request channel over gorilla/websocket. It
// delivers server-originated {verb, path, body} requests to a Handler and
// lets the handler respond with a status code.
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Request is one server-initiated request delivered over the stream.
type Request struct {
	ID      uint64          `json:"id"`
	Verb    string          `json:"verb"`
	Path    string          `json:"path"`
	Body    json.RawMessage `json:"body,omitempty"`
	Respond func(code int, reason string)
}

type wireFrame struct {
	ID      uint64          `json:"id,omitempty"`
	Verb    string          `json:"verb,omitempty"`
	Path    string          `json:"path,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Status  int             `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Type    string          `json:"type,omitempty"` // "request" or "response"
}

// Handler processes one incoming Request. It is invoked synchronously from
// the read loop, so requests are delivered in frame-arrival order; a
// handler that needs to do slow work should enqueue it and return.
type Handler func(req Request)

// KeepaliveConfig mirrors the streaming transport contract's keepalive
// shape: a path to ping and whether a missed pong should force a
// disconnect-and-reconnect.
type KeepaliveConfig struct {
	Path             string
	Interval         time.Duration
	DisconnectOnMiss bool
}

// DefaultKeepalive pings on a conservative interval and disconnects on a
// missed response so a dead connection is noticed and redialed.
var DefaultKeepalive = KeepaliveConfig{
	Path:             "/v1/keepalive",
	Interval:         55 * time.Second,
	DisconnectOnMiss: true,
}

// Transport is one websocket connection to the message service's streaming
// endpoint. It is not reconnected internally; the incoming pipeline owns the
// reconnect loop and constructs a fresh Transport per attempt.
type Transport struct {
	URL       string
	Keepalive KeepaliveConfig
	Handler   Handler
	Logger    *logrus.Logger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	closing   bool
	closeOnce sync.Once
	done      chan struct{}

	onClose func(code int, reason string)
	onError func(err error)
}

// OnClose registers the callback invoked once when the socket closes,
// whether initiated locally or by the peer.
func (t *Transport) OnClose(fn func(code int, reason string)) { t.onClose = fn }

// OnError registers the callback invoked for read/dispatch failures that
// do not by themselves close the socket.
func (t *Transport) OnError(fn func(err error)) { t.onError = fn }

// Connect dials the streaming endpoint and starts the read loop and
// keepalive ticker in background goroutines. It returns once the dial
// completes (not once the connection closes).
func (t *Transport) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(t.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}
	t.conn = conn
	t.done = make(chan struct{})

	go t.readLoop()
	if t.Keepalive.Interval > 0 {
		go t.keepaliveLoop()
	}
	return nil
}

// Close terminates the connection. Subsequent close events from the read
// loop are suppressed.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closing = true
		if t.conn != nil {
			_ = t.conn.Close()
		}
	})
	return nil
}

func (t *Transport) readLoop() {
	defer close(t.done)
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if !t.closing && t.onClose != nil {
				code, reason := websocket.CloseNormalClosure, err.Error()
				if ce, ok := err.(*websocket.CloseError); ok {
					code, reason = ce.Code, ce.Text
				}
				t.onClose(code, reason)
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			if t.onError != nil {
				t.onError(fmt.Errorf("transport: decode frame: %w", err))
			}
			continue
		}
		if frame.Verb == "" && frame.Path == "" {
			continue // keepalive response or other non-request frame
		}

		req := Request{
			ID:   frame.ID,
			Verb: frame.Verb,
			Path: frame.Path,
			Body: frame.Body,
		}
		req.Respond = func(code int, reason string) {
			t.send(wireFrame{Type: "response", ID: frame.ID, Status: code, Message: reason})
		}
		if t.Handler != nil {
			t.Handler(req)
		}
	}
}

func (t *Transport) keepaliveLoop() {
	ticker := time.NewTicker(t.Keepalive.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.send(wireFrame{Type: "request", Verb: "GET", Path: t.Keepalive.Path}); err != nil {
				if t.Keepalive.DisconnectOnMiss {
					_ = t.Close()
				}
				return
			}
		}
	}
}

func (t *Transport) send(frame wireFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
