package adapter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/mediabridge/internal/clients"
	"github.com/antoniostano/mediabridge/internal/sfu"
	"github.com/antoniostano/mediabridge/internal/store"
	"github.com/antoniostano/mediabridge/internal/upstream"
)

// fakeSFU is an httptest-backed SFU REST endpoint recording each call.
type fakeSFU struct {
	mu        sync.Mutex
	srv       *httptest.Server
	pushBody  map[string]any
	pullBody  map[string]any
	closes    []string
	sessionN  int
	failClose bool
}

func newFakeSFU(t *testing.T) *fakeSFU {
	t.Helper()
	f := &fakeSFU{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/sessions/new"):
			f.sessionN++
			json.NewEncoder(w).Encode(map[string]string{"sessionId": "sfu-sess"})
		case strings.Contains(path, "/tracks/new"):
			json.NewEncoder(w).Encode(sfu.TracksResponse{
				SessionDescription: &sfu.SessionDescription{Type: "answer", SDP: "v=0"},
				Tracks: []sfu.TrackInfo{
					{TrackName: "mic-1", Kind: "audio"},
					{TrackName: "cam-1", Kind: "video"},
				},
			})
		case strings.HasSuffix(path, "/adapters/websocket/push"):
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.pushBody = body
			json.NewEncoder(w).Encode(map[string]string{"sessionId": "up-1", "adapterId": "ad-push"})
		case strings.HasSuffix(path, "/adapters/websocket/pull"):
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.pullBody = body
			json.NewEncoder(w).Encode(map[string]string{"adapterId": "ad-pull"})
		case strings.HasSuffix(path, "/close"):
			parts := strings.Split(path, "/")
			f.closes = append(f.closes, parts[len(parts)-2])
			if f.failClose {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("sfu down"))
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"status": "closed"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSFU) client(t *testing.T) *sfu.Client {
	t.Helper()
	return sfu.NewClient(sfu.Config{BaseURL: f.srv.URL, AppID: "app", Token: "tok"}, nil)
}

func (f *fakeSFU) closedAdapters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closes...)
}

// fakeProvider is a ws server standing in for the speech engine. It records
// everything received and can push frames down to the link.
type fakeProvider struct {
	mu     sync.Mutex
	srv    *httptest.Server
	conns  []*websocket.Conn
	texts  []string
	stream []byte
	refuse bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	f := &fakeProvider{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		refuse := f.refuse
		f.mu.Unlock()
		if refuse {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go func() {
			for {
				messageType, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f.mu.Lock()
				if messageType == websocket.TextMessage {
					f.texts = append(f.texts, string(data))
				} else {
					f.stream = append(f.stream, data...)
				}
				f.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProvider) wsBase() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeProvider) receivedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeProvider) receivedStream() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.stream...)
}

func (f *fakeProvider) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeProvider) setRefuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	f.mu.Unlock()
}

func (f *fakeProvider) closeAll() {
	f.mu.Lock()
	conns := append([]*websocket.Conn(nil), f.conns...)
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// dialInto spins a ws server that hands the upgraded conn to accept and
// returns the client side.
func dialInto(t *testing.T, accept func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(conn)
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func testDeps(t *testing.T, session string, sfuSrv *fakeSFU, provider *fakeProvider) Deps {
	t.Helper()
	durable := store.NewMemoryStore()
	ss := store.NewStateStore(durable, session, nil, nil)
	if err := ss.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	deps := Deps{
		Session:           session,
		State:             ss,
		Clients:           clients.NewRegistry(nil),
		PublicBaseURL:     "http://bridge.local",
		InactivityTimeout: 10 * time.Minute,
	}
	if sfuSrv != nil {
		deps.SFU = sfuSrv.client(t)
	}
	if provider != nil {
		deps.Provider = upstream.ProviderConfig{
			WSBaseURL:   provider.wsBase(),
			HTTPBaseURL: provider.srv.URL,
			APIToken:    "tok",
			TTSModel:    "aura-2",
			STTModel:    "nova-3",
		}
	}
	return deps
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func past(d time.Duration) *time.Time {
	v := time.Now().Add(-d).UTC()
	return &v
}

func TestScheduleReconnectBackoffSequence(t *testing.T) {
	deps := testDeps(t, "s-backoff", nil, nil)
	var b base
	b.init(deps)
	ctx := context.Background()

	if err := deps.State.Update(ctx, func(s *store.AdapterState) {
		s.AllowReconnect = true
	}, false); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range wantDelays {
		before := time.Now()
		b.scheduleReconnect(ctx)
		snap := deps.State.Snapshot()
		if snap.ReconnectAttempts != i+1 {
			t.Fatalf("attempts = %d, want %d", snap.ReconnectAttempts, i+1)
		}
		if snap.ReconnectDeadline == nil {
			t.Fatalf("reconnect deadline not set on attempt %d", i+1)
		}
		got := snap.ReconnectDeadline.Sub(before)
		if got < want-100*time.Millisecond || got > want+100*time.Millisecond {
			t.Fatalf("attempt %d delay = %v, want ~%v", i+1, got, want)
		}
		// The alarm reducer clears the expired deadline before retrying.
		if err := deps.State.Update(ctx, func(s *store.AdapterState) {
			s.ReconnectDeadline = nil
		}, false); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	// Attempt budget spent: no sixth schedule.
	b.scheduleReconnect(ctx)
	if snap := deps.State.Snapshot(); snap.ReconnectDeadline != nil || snap.ReconnectAttempts != MaxReconnectAttempts {
		t.Fatalf("backoff continued past cap: %+v", snap)
	}
}

func TestScheduleInactivityIsMonotonic(t *testing.T) {
	deps := testDeps(t, "s-inact", nil, nil)
	var b base
	b.init(deps)
	ctx := context.Background()

	b.scheduleInactivity(ctx)
	first := deps.State.Snapshot().InactivityDeadline
	if first == nil {
		t.Fatalf("inactivity deadline not set")
	}

	// A shorter schedule must never pull the deadline earlier.
	b.scheduleInactivityIn(ctx, time.Second)
	second := deps.State.Snapshot().InactivityDeadline
	if !second.Equal(*first) {
		t.Fatalf("inactivity deadline moved earlier: %v -> %v", first, second)
	}
}

func TestScheduleCleanupKeepsEarlierDeadline(t *testing.T) {
	deps := testDeps(t, "s-clean", nil, nil)
	var b base
	b.init(deps)
	ctx := context.Background()

	b.scheduleCleanup(ctx)
	first := deps.State.Snapshot().CleanupDeadline
	if first == nil {
		t.Fatalf("cleanup deadline not set")
	}
	b.scheduleCleanup(ctx)
	second := deps.State.Snapshot().CleanupDeadline
	if second.Before(*first) {
		t.Fatalf("cleanup deadline moved earlier")
	}
}

func TestWSEndpointRewritesScheme(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://bridge.local", "/s1/subscribe", "ws://bridge.local/s1/subscribe"},
		{"https://bridge.example.com/", "/s1/stt/sfu-subscribe", "wss://bridge.example.com/s1/stt/sfu-subscribe"},
	}
	for _, tc := range cases {
		if got := wsEndpoint(tc.base, tc.path); got != tc.want {
			t.Fatalf("wsEndpoint(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}
}
