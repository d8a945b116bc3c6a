package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/mediabridge/internal/audio"
	"github.com/antoniostano/mediabridge/internal/packet"
	"github.com/antoniostano/mediabridge/internal/store"
)

func newTestSTT(t *testing.T, sfuSrv *fakeSFU, provider *fakeProvider) *STT {
	t.Helper()
	return NewSTT(testDeps(t, "s3", sfuSrv, provider))
}

func TestSTTConnectPersistsMicAndStartsKeepAlive(t *testing.T) {
	sfuSrv := newFakeSFU(t)
	provider := newFakeProvider(t)
	a := newTestSTT(t, sfuSrv, provider)

	status, _ := a.Connect(context.Background(), sfuOffer())
	if status != http.StatusOK {
		t.Fatalf("connect status = %d", status)
	}
	snap := a.deps.State.Snapshot()
	if snap.UpstreamSessionID != "sfu-sess" || snap.MicTrackName != "mic-1" {
		t.Fatalf("connect state = %+v", snap)
	}
	if snap.AllowReconnect {
		t.Fatalf("connect enabled reconnect before forwarding")
	}
	if snap.KeepAliveDeadline == nil {
		t.Fatalf("connect did not arm keepalive")
	}
	if snap.SFUCallbackURL == "" || !strings.Contains(snap.SFUCallbackURL, "/stt/sfu-subscribe") {
		t.Fatalf("callback url = %q", snap.SFUCallbackURL)
	}
	// Pre-warm lands on the fake provider.
	waitFor(t, func() bool { return provider.connCount() == 1 })
}

func TestSTTForwardingLifecycle(t *testing.T) {
	sfuSrv := newFakeSFU(t)
	provider := newFakeProvider(t)
	a := newTestSTT(t, sfuSrv, provider)
	ctx := context.Background()

	if status, _ := a.StartForwarding(ctx); status != http.StatusBadRequest {
		t.Fatalf("start-forwarding before connect accepted")
	}

	if status, _ := a.Connect(ctx, sfuOffer()); status != http.StatusOK {
		t.Fatalf("connect failed")
	}

	status, _ := a.StartForwarding(ctx)
	if status != http.StatusOK {
		t.Fatalf("start-forwarding status = %d", status)
	}
	snap := a.deps.State.Snapshot()
	if snap.UpstreamAdapterID != "ad-pull" || !snap.AllowReconnect {
		t.Fatalf("forwarding state = %+v", snap)
	}
	if snap.KeepAliveDeadline != nil {
		t.Fatalf("keepalive still armed while forwarding")
	}

	// Idempotent second start.
	if status, _ := a.StartForwarding(ctx); status != http.StatusOK {
		t.Fatalf("second start-forwarding status = %d", status)
	}
	if snap := a.deps.State.Snapshot(); snap.UpstreamAdapterID != "ad-pull" {
		t.Fatalf("idempotent start changed state: %+v", snap)
	}

	status, _ = a.StopForwarding(ctx)
	if status != http.StatusOK {
		t.Fatalf("stop-forwarding status = %d", status)
	}
	snap = a.deps.State.Snapshot()
	if snap.UpstreamAdapterID != "" {
		t.Fatalf("stop-forwarding left adapter id: %+v", snap)
	}
	if snap.KeepAliveDeadline == nil {
		t.Fatalf("stop-forwarding did not re-arm keepalive")
	}
	closed := sfuSrv.closedAdapters()
	if len(closed) != 1 || closed[0] != "ad-pull" {
		t.Fatalf("closed adapters = %v", closed)
	}

	// A Finalize flushes through once the queue drains; upstream stays open.
	waitFor(t, func() bool {
		for _, txt := range provider.receivedTexts() {
			if strings.Contains(txt, "Finalize") {
				return true
			}
		}
		return false
	})
	if snap := a.deps.State.Snapshot(); snap.PendingFinalize {
		t.Fatalf("pendingFinalize not cleared after send")
	}

	// Second stop is a no-op 2xx.
	if status, _ := a.StopForwarding(ctx); status != http.StatusOK {
		t.Fatalf("second stop-forwarding status = %d", status)
	}
	if got := sfuSrv.closedAdapters(); len(got) != 1 {
		t.Fatalf("idempotent stop hit the SFU again: %v", got)
	}
}

func TestSTTAudioPathTranscodesAndShipsInOrder(t *testing.T) {
	sfuSrv := newFakeSFU(t)
	provider := newFakeProvider(t)
	a := newTestSTT(t, sfuSrv, provider)
	ctx := context.Background()

	if status, _ := a.Connect(ctx, sfuOffer()); status != http.StatusOK {
		t.Fatalf("connect failed")
	}
	if status, _ := a.StartForwarding(ctx); status != http.StatusOK {
		t.Fatalf("start-forwarding failed")
	}

	conn := dialInto(t, a.SFUSubscribe)
	waitFor(t, func() bool { return a.deps.Clients.TotalOpen() == 1 })

	// Stereo 48 kHz frames; every third stereo frame survives as one mono
	// 16 kHz sample. Ship enough to clear the batching low-water mark.
	var want []byte
	expTranscoder := audio.NewTranscoder(48000, 16000, nil)
	seq := uint32(0)
	for i := 0; i < 40; i++ {
		samples := make([]int16, 0, 240)
		for j := 0; j < 120; j++ {
			v := int16(i*120 + j)
			samples = append(samples, v, v)
		}
		payload := pcm16(samples...)
		want = append(want, expTranscoder.Stereo48kToMono16k(payload)...)
		seq++
		frame := packet.Encode(packet.Packet{Seq: seq, Timestamp: seq, Payload: payload})
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	a.queue.RequestFinalize() // flush the sub-batch tail

	waitFor(t, func() bool { return len(provider.receivedStream()) == len(want) })
	got := provider.receivedStream()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("upstream byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSTTTranscriptFanOutAndRingReplay(t *testing.T) {
	a := newTestSTT(t, newFakeSFU(t), newFakeProvider(t))

	received := make(chan map[string]any, 16)
	conn := dialInto(t, a.TranscriptionStream)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				received <- m
			}
		}
	}()
	waitFor(t, func() bool { return a.deps.Clients.TotalOpen() == 1 })

	a.handleTranscript([]byte(`{"transcript":"hello","from_finalize":false}`))
	a.handleTranscript([]byte(`{"transcript":"world","from_finalize":true}`))

	var types []string
	deadline := time.After(2 * time.Second)
	for len(types) < 3 {
		select {
		case m := <-received:
			types = append(types, m["type"].(string))
		case <-deadline:
			t.Fatalf("received types = %v, want 3 events", types)
		}
	}
	if types[0] != "transcription" || types[1] != "transcription" || types[2] != "segment_finalized" {
		t.Fatalf("event order = %v", types)
	}

	// A late joiner gets the ring replayed.
	late := dialInto(t, a.TranscriptionStream)
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	var replayed []map[string]any
	for i := 0; i < 2; i++ {
		_, data, err := late.ReadMessage()
		if err != nil {
			t.Fatalf("replay read failed: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("replay decode failed: %v", err)
		}
		replayed = append(replayed, m)
	}
	if replayed[0]["type"] != "transcription" || replayed[1]["type"] != "transcription" {
		t.Fatalf("replayed = %v", replayed)
	}
}

func TestSTTRingIsBounded(t *testing.T) {
	a := newTestSTT(t, newFakeSFU(t), newFakeProvider(t))
	for i := 0; i < transcriptRingSize+20; i++ {
		a.handleTranscript([]byte(`{"transcript":"x"}`))
	}
	a.ringMu.Lock()
	defer a.ringMu.Unlock()
	if len(a.ring) != transcriptRingSize {
		t.Fatalf("ring len = %d, want %d", len(a.ring), transcriptRingSize)
	}
}

func TestSTTKeepAliveAlarmReArmsInPreForwardingWindow(t *testing.T) {
	sfuSrv := newFakeSFU(t)
	provider := newFakeProvider(t)
	a := newTestSTT(t, sfuSrv, provider)
	ctx := context.Background()

	if status, _ := a.Connect(ctx, sfuOffer()); status != http.StatusOK {
		t.Fatalf("connect failed")
	}
	waitFor(t, func() bool { return provider.connCount() == 1 })

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.KeepAliveDeadline = past(time.Second)
	}, false); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	a.Alarm(ctx)

	waitFor(t, func() bool {
		for _, txt := range provider.receivedTexts() {
			if strings.Contains(txt, "KeepAlive") {
				return true
			}
		}
		return false
	})
	snap := a.deps.State.Snapshot()
	if snap.KeepAliveDeadline == nil {
		t.Fatalf("keepalive not re-armed")
	}
	if until := time.Until(*snap.KeepAliveDeadline); until < 4*time.Second || until > 6*time.Second {
		t.Fatalf("keepalive re-arm delta = %v, want ~5s", until)
	}
}

func TestSTTKeepAliveAlarmClearsOnceForwarding(t *testing.T) {
	sfuSrv := newFakeSFU(t)
	provider := newFakeProvider(t)
	a := newTestSTT(t, sfuSrv, provider)
	ctx := context.Background()

	if status, _ := a.Connect(ctx, sfuOffer()); status != http.StatusOK {
		t.Fatalf("connect failed")
	}
	if status, _ := a.StartForwarding(ctx); status != http.StatusOK {
		t.Fatalf("start-forwarding failed")
	}
	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.KeepAliveDeadline = past(time.Second)
	}, false); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	a.Alarm(ctx)
	if snap := a.deps.State.Snapshot(); snap.KeepAliveDeadline != nil {
		t.Fatalf("keepalive survived into forwarding window")
	}
}

func TestSTTInactivityDrivesCloseStreamAndDone(t *testing.T) {
	sfuSrv := newFakeSFU(t)
	provider := newFakeProvider(t)
	a := newTestSTT(t, sfuSrv, provider)
	ctx := context.Background()

	if status, _ := a.Connect(ctx, sfuOffer()); status != http.StatusOK {
		t.Fatalf("connect failed")
	}
	waitFor(t, func() bool { return provider.connCount() == 1 })

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.InactivityDeadline = past(time.Second)
	}, false); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	a.Alarm(ctx)
	snap := a.deps.State.Snapshot()
	if !snap.PendingClose || !snap.ClosingDueToInactivity {
		t.Fatalf("inactivity did not request close: %+v", snap)
	}

	waitFor(t, func() bool {
		for _, txt := range provider.receivedTexts() {
			if strings.Contains(txt, "CloseStream") {
				return true
			}
		}
		return false
	})

	// Provider closes after CloseStream; the close handler clears the flags.
	provider.closeAll()
	waitFor(t, func() bool {
		s := a.deps.State.Snapshot()
		return !s.ClosingDueToInactivity && !s.PendingClose
	})
}

func TestSTTReconnectUpstreamReportsEmptySession(t *testing.T) {
	a := newTestSTT(t, newFakeSFU(t), newFakeProvider(t))
	status, body := a.ReconnectUpstream(context.Background())
	if status != http.StatusOK {
		t.Fatalf("reconnect-upstream status = %d", status)
	}
	m, ok := body.(map[string]string)
	if !ok || !strings.Contains(m["note"], "No clients connected") {
		t.Fatalf("body = %v, want no-clients note", body)
	}
	snap := a.deps.State.Snapshot()
	if snap.InactivityDeadline == nil {
		t.Fatalf("empty debug restart did not arm the grace deadline")
	}
	if until := time.Until(*snap.InactivityDeadline); until > debugNoClientGrace+time.Second {
		t.Fatalf("grace deadline = %v out, want ~30s", until)
	}
}
