package clients

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type registryHarness struct {
	registry *Registry
	server   *httptest.Server
}

func newRegistryHarness(t *testing.T, role Role, onMessage func(int, []byte)) *registryHarness {
	t.Helper()
	reg := NewRegistry(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		reg.Accept(conn, role, onMessage)
	}))
	t.Cleanup(srv.Close)
	return &registryHarness{registry: reg, server: srv}
}

func (h *registryHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func TestSingleSubscriberSupersedes(t *testing.T) {
	h := newRegistryHarness(t, RoleSFUAudio, nil)

	first := h.dial(t)
	waitFor(t, func() bool { return h.registry.CountOpen(RoleSFUAudio) == 1 })

	closeCode := make(chan int, 1)
	first.SetCloseHandler(func(code int, text string) error {
		closeCode <- code
		return nil
	})
	go func() {
		for {
			if _, _, err := first.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.dial(t)
	waitFor(t, func() bool { return h.registry.CountOpen(RoleSFUAudio) == 1 })

	select {
	case code := <-closeCode:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("close code = %d, want 1000", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first subscriber was not superseded")
	}
}

func TestViewerRoleIsUnbounded(t *testing.T) {
	h := newRegistryHarness(t, RoleViewer, nil)
	h.dial(t)
	h.dial(t)
	h.dial(t)
	waitFor(t, func() bool { return h.registry.CountOpen(RoleViewer) == 3 })
}

func TestFanOutReachesAllOpenSockets(t *testing.T) {
	h := newRegistryHarness(t, RoleViewer, nil)

	received := make(chan []byte, 2)
	for i := 0; i < 2; i++ {
		conn := h.dial(t)
		go func() {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}()
	}
	waitFor(t, func() bool { return h.registry.CountOpen(RoleViewer) == 2 })

	payload := []byte{0xFF, 0xD8, 0xFF}
	h.registry.FanOut(RoleViewer, websocket.BinaryMessage, payload)

	for i := 0; i < 2; i++ {
		select {
		case got := <-received:
			if string(got) != string(payload) {
				t.Fatalf("fan-out payload = %v, want %v", got, payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("viewer %d did not receive fan-out", i)
		}
	}
}

func TestOnDisconnectFires(t *testing.T) {
	reg := NewRegistry(nil)
	var mu sync.Mutex
	var gone []Role
	reg.OnDisconnect(func(c *Client) {
		mu.Lock()
		gone = append(gone, c.Role)
		mu.Unlock()
	})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Accept(conn, RoleTranscription, nil)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitFor(t, func() bool { return reg.CountOpen(RoleTranscription) == 1 })
	conn.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gone) == 1 && gone[0] == RoleTranscription
	})
}

func TestInboundMessagesReachHandler(t *testing.T) {
	got := make(chan []byte, 1)
	h := newRegistryHarness(t, RoleSFUAudio, func(messageType int, data []byte) {
		if messageType == websocket.BinaryMessage {
			got <- data
		}
	})
	conn := h.dial(t)
	waitFor(t, func() bool { return h.registry.CountOpen(RoleSFUAudio) == 1 })

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	select {
	case data := <-got:
		if len(data) != 4 {
			t.Fatalf("handler data = %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound message never reached handler")
	}
}
