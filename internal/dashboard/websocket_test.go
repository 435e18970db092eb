package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newHubConn(t *testing.T) (*WebsocketHub, *websocket.Conn) {
	t.Helper()
	hub := NewWebsocketHub(noopLogger{})
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Upgrade(w, r); err != nil {
			t.Errorf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	// The handshake response can arrive before the server side finishes
	// registering the client; broadcasts must not start before that.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		registered := len(hub.clients)
		hub.mu.Unlock()
		if registered > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered with the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return hub, conn
}

func TestWebsocketHub_Broadcast(t *testing.T) {
	hub, conn := newHubConn(t)

	hub.Broadcast("observation.created", map[string]interface{}{"id": 1})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var evt struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if evt.Type != "observation.created" || evt.Data["id"].(float64) != 1 {
		t.Fatalf("unexpected event: %s", payload)
	}
}

func TestWebsocketHub_ConcurrentBroadcasts(t *testing.T) {
	hub, conn := newHubConn(t)

	// Fan in from many goroutines, the way one interceptor per in-flight
	// request publishes events. The single connection must receive every
	// frame intact.
	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hub.Broadcast("observation.completed", map[string]interface{}{"id": i})
		}(i)
	}
	wg.Wait()

	seen := make(map[float64]bool, n)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(seen) < n {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed after %d events: %v", len(seen), err)
		}
		var evt struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.Fatalf("corrupt frame: %v\n%s", err, payload)
		}
		if evt.Type != "observation.completed" {
			t.Fatalf("unexpected event type %q", evt.Type)
		}
		id := evt.Data["id"].(float64)
		if seen[id] {
			t.Fatalf("event %v delivered twice", id)
		}
		seen[id] = true
	}
}

func TestWebsocketHub_CloseSendsCloseFrame(t *testing.T) {
	hub, conn := newHubConn(t)

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}
