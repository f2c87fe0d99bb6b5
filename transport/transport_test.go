package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// wsServer upgrades one connection and hands it to fn.
func wsServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fn(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnectDeliversRequestAndWritesResponse(t *testing.T) {
	responded := make(chan wireFrame, 1)
	server := wsServer(t, func(conn *websocket.Conn) {
		req, _ := json.Marshal(wireFrame{
			Type: "request",
			ID:   7,
			Verb: http.MethodPut,
			Path: "/api/v1/message",
			Body: json.RawMessage(`"payload"`),
		})
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var resp wireFrame
		assert.NoError(t, json.Unmarshal(raw, &resp))
		responded <- resp
	})
	defer server.Close()

	received := make(chan Request, 1)
	tr := &Transport{
		URL:    wsURL(server),
		Logger: logrus.New(),
		Handler: func(req Request) {
			received <- req
			req.Respond(http.StatusOK, "OK")
		},
	}
	assert.NoError(t, tr.Connect())
	defer tr.Close()

	select {
	case req := <-received:
		assert.Equal(t, uint64(7), req.ID)
		assert.Equal(t, http.MethodPut, req.Verb)
		assert.Equal(t, "/api/v1/message", req.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not delivered to the handler")
	}

	select {
	case resp := <-responded:
		assert.Equal(t, uint64(7), resp.ID)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "response", resp.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("response frame never reached the server")
	}
}

func TestPeerCloseInvokesOnCloseOnce(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.Close()
	})
	defer server.Close()

	closed := make(chan struct{}, 2)
	tr := &Transport{URL: wsURL(server), Logger: logrus.New()}
	tr.OnClose(func(code int, reason string) { closed <- struct{}{} })

	assert.NoError(t, tr.Connect())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not invoked after peer close")
	}
	select {
	case <-closed:
		t.Fatal("OnClose was invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalCloseSuppressesOnClose(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	closed := make(chan struct{}, 1)
	tr := &Transport{URL: wsURL(server), Logger: logrus.New()}
	tr.OnClose(func(code int, reason string) { closed <- struct{}{} })

	assert.NoError(t, tr.Connect())
	assert.NoError(t, tr.Close())

	select {
	case <-closed:
		t.Fatal("OnClose must not fire for a locally initiated close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectFailsForUnreachableEndpoint(t *testing.T) {
	tr := &Transport{URL: "ws://127.0.0.1:1/v1/websocket/", Logger: logrus.New()}
	assert.Error(t, tr.Connect())
}

func TestNonRequestFramesAreIgnored(t *testing.T) {
	delivered := make(chan Request, 1)
	server := wsServer(t, func(conn *websocket.Conn) {
		keepalive, _ := json.Marshal(wireFrame{Type: "response", Status: http.StatusOK})
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, keepalive))

		req, _ := json.Marshal(wireFrame{Type: "request", ID: 1, Verb: http.MethodGet, Path: "/api/v1/queue/empty"})
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tr := &Transport{
		URL:     wsURL(server),
		Logger:  logrus.New(),
		Handler: func(req Request) { delivered <- req },
	}
	assert.NoError(t, tr.Connect())
	defer tr.Close()

	select {
	case req := <-delivered:
		assert.Equal(t, "/api/v1/queue/empty", req.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("request frame after the keepalive was not delivered")
	}
}
