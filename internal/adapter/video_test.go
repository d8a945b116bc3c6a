package adapter

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/antoniostano/mediabridge/internal/packet"
	"github.com/antoniostano/mediabridge/internal/store"
)

func newTestVideo(t *testing.T, sfuSrv *fakeSFU) *Video {
	t.Helper()
	return NewVideo(testDeps(t, "s6", sfuSrv, nil))
}

func TestVideoConnectPersistsVideoTrack(t *testing.T) {
	a := newTestVideo(t, newFakeSFU(t))

	status, _ := a.Connect(context.Background(), sfuOffer())
	if status != http.StatusOK {
		t.Fatalf("connect status = %d", status)
	}
	snap := a.deps.State.Snapshot()
	if snap.UpstreamSessionID != "sfu-sess" || snap.VideoTrackName != "cam-1" {
		t.Fatalf("connect state = %+v", snap)
	}
}

func TestVideoForwardingUsesJPEGCodecAndIsIdempotent(t *testing.T) {
	sfuSrv := newFakeSFU(t)
	a := newTestVideo(t, sfuSrv)
	ctx := context.Background()

	if status, _ := a.StartForwarding(ctx); status != http.StatusBadRequest {
		t.Fatalf("start-forwarding before connect accepted")
	}

	if status, _ := a.Connect(ctx, sfuOffer()); status != http.StatusOK {
		t.Fatalf("connect failed")
	}
	if status, _ := a.StartForwarding(ctx); status != http.StatusOK {
		t.Fatalf("start-forwarding failed")
	}

	sfuSrv.mu.Lock()
	codec := sfuSrv.pullBody["outputCodec"]
	endpoint, _ := sfuSrv.pullBody["endpoint"].(string)
	sfuSrv.mu.Unlock()
	if codec != "jpeg" {
		t.Fatalf("outputCodec = %v, want jpeg", codec)
	}
	if endpoint == "" || !bytes.Contains([]byte(endpoint), []byte("/video/sfu-subscribe")) {
		t.Fatalf("endpoint = %q", endpoint)
	}

	if status, _ := a.StartForwarding(ctx); status != http.StatusOK {
		t.Fatalf("idempotent start status != 200")
	}

	if status, _ := a.StopForwarding(ctx); status != http.StatusOK {
		t.Fatalf("stop-forwarding failed")
	}
	if status, _ := a.StopForwarding(ctx); status != http.StatusOK {
		t.Fatalf("second stop-forwarding failed")
	}
	if got := sfuSrv.closedAdapters(); len(got) != 1 {
		t.Fatalf("idempotent stop hit the SFU again: %v", got)
	}
}

func TestVideoFrameFanOutAndLateJoiner(t *testing.T) {
	a := newTestVideo(t, newFakeSFU(t))

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}

	viewer := dialInto(t, a.Viewer)
	waitFor(t, func() bool { return a.deps.Clients.TotalOpen() == 1 })

	frame := packet.Encode(packet.Packet{Seq: 1, Timestamp: 100, Payload: jpeg})
	a.handleVideoFrame(frame)

	viewer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := viewer.ReadMessage()
	if err != nil {
		t.Fatalf("viewer read failed: %v", err)
	}
	if !bytes.Equal(got, jpeg) {
		t.Fatalf("viewer frame = %v, want raw jpeg", got)
	}

	// A viewer connecting after the frame receives it immediately.
	late := dialInto(t, a.Viewer)
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err = late.ReadMessage()
	if err != nil {
		t.Fatalf("late viewer read failed: %v", err)
	}
	if !bytes.Equal(got, jpeg) {
		t.Fatalf("late viewer frame = %v, want retained jpeg", got)
	}
}

func TestVideoAlarmInactivityClearsDeadline(t *testing.T) {
	a := newTestVideo(t, newFakeSFU(t))
	ctx := context.Background()

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.InactivityDeadline = past(time.Second)
	}, false); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	a.Alarm(ctx)
	if snap := a.deps.State.Snapshot(); snap.InactivityDeadline != nil {
		t.Fatalf("inactivity deadline not cleared")
	}
}

func TestVideoDestroyDropsLastFrame(t *testing.T) {
	a := newTestVideo(t, newFakeSFU(t))

	frame := packet.Encode(packet.Packet{Seq: 1, Timestamp: 1, Payload: []byte{0xFF, 0xD8}})
	a.handleVideoFrame(frame)

	if err := a.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	a.frameMu.Lock()
	defer a.frameMu.Unlock()
	if a.lastFrame != nil {
		t.Fatalf("last frame survived destroy")
	}
}
