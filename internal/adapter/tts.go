package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/mediabridge/internal/audio"
	"github.com/antoniostano/mediabridge/internal/clients"
	"github.com/antoniostano/mediabridge/internal/packet"
	"github.com/antoniostano/mediabridge/internal/sfu"
	"github.com/antoniostano/mediabridge/internal/store"
	"github.com/antoniostano/mediabridge/internal/upstream"
)

// TTS publishes a synthesized audio track into the SFU. Text arrives over
// HTTP, PCM flows back from the speech provider, and the SFU pulls the
// transcoded stream off our subscribe endpoint.
type TTS struct {
	base

	transcoder *audio.Transcoder

	linkMu    sync.Mutex
	link      *upstream.Link
	linkVoice string

	// bufMu guards the in-flight run and the retained late-joiner buffer.
	bufMu    sync.Mutex
	inFlight []byte
	last     []byte

	seq atomic.Uint32
}

func NewTTS(deps Deps) *TTS {
	a := &TTS{}
	a.base.init(deps)
	a.transcoder = audio.NewTranscoder(24000, 48000, a.log)
	a.deps.Clients.OnDisconnect(func(c *clients.Client) {
		a.scheduleCleanup(context.Background())
	})
	return a
}

func (a *TTS) trackName() string {
	return "tts-" + a.deps.Session
}

// ensureLink returns the upstream link for the selected voice, building a
// fresh one when the voice changed since the last publish.
func (a *TTS) ensureLink(voice string) *upstream.Link {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	if a.link != nil && a.linkVoice == voice {
		return a.link
	}
	if a.link != nil {
		a.link.Close()
	}
	a.linkVoice = voice
	a.link = upstream.NewLink(a.deps.Provider.TTSDialer(voice), upstream.Handlers{
		OnConnected: func() { a.clearReconnectState(context.Background()) },
		OnText:      a.handleUpstreamText,
		OnBinary:    a.handleUpstreamChunk,
		OnClose:     a.handleUpstreamClose,
	}, a.log)
	return a.link
}

func (a *TTS) currentLink() *upstream.Link {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	return a.link
}

func (a *TTS) dropLink() {
	a.linkMu.Lock()
	link := a.link
	a.link = nil
	a.linkVoice = ""
	a.linkMu.Unlock()
	if link != nil {
		link.Close()
	}
}

// Publish registers the synthesized track with the SFU and warms the
// upstream link.
func (a *TTS) Publish(ctx context.Context, speaker string) (int, any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.deps.State.Snapshot()
	if snap.UpstreamAdapterID != "" {
		return http.StatusConflict, errorBody("already published")
	}

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.SessionName = a.deps.Session
		s.AllowReconnect = true
		s.SelectedVoice = speaker
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}

	endpoint := wsEndpoint(a.deps.PublicBaseURL, "/"+a.deps.Session+"/subscribe")
	resp, err := a.deps.SFU.PushTrackFromWebSocket(ctx, a.trackName(), endpoint, "pcm", "buffer")
	if err != nil {
		a.countSFUError("push_track")
		return sfuFailure(err)
	}

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.UpstreamSessionID = resp.SessionID
		s.UpstreamAdapterID = resp.AdapterID
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}
	a.scheduleInactivity(ctx)

	// Pre-open is best effort; generate falls back to HTTP if it never
	// lands.
	go func() {
		openCtx, cancel := context.WithTimeout(context.Background(), upstream.OpenTimeout)
		defer cancel()
		if _, err := a.ensureLink(speaker).Ensure(openCtx); err != nil {
			a.log.Warn("tts pre-open failed", slog.String("error", err.Error()))
		}
	}()

	a.countEvent("tts_published")
	return http.StatusOK, json.RawMessage(resp.Raw)
}

// Subscribe adopts the SFU-side socket. A late joiner immediately receives
// the retained finalized run followed by the end-of-stream marker.
func (a *TTS) Subscribe(conn *websocket.Conn) {
	c := a.deps.Clients.Accept(conn, clients.RoleSFUSubscriber, nil)
	a.countEvent("sfu_subscriber_accepted")

	a.bufMu.Lock()
	replay := append([]byte(nil), a.last...)
	a.bufMu.Unlock()
	if len(replay) > 0 {
		a.sendBufferTo(c, replay)
		a.sendEndMarkerTo(c)
	}
}

// Connect proxies a player pull of the published track into a new SFU
// session.
func (a *TTS) Connect(ctx context.Context, offer sfu.SessionDescription) (int, any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.deps.State.Snapshot()
	if snap.UpstreamSessionID == "" {
		return http.StatusBadRequest, errorBody("not published")
	}

	playerSession, err := a.deps.SFU.CreateSession(ctx)
	if err != nil {
		a.countSFUError("create_session")
		return sfuFailure(err)
	}
	resp, err := a.deps.SFU.PullRemoteTrackToPlayer(ctx, playerSession, snap.UpstreamSessionID, a.trackName(), offer)
	if err != nil {
		a.countSFUError("pull_remote_track")
		return sfuFailure(err)
	}
	return http.StatusOK, resp
}

// Generate accepts the text and detaches the synthesis work.
func (a *TTS) Generate(ctx context.Context, text string) (int, any) {
	snap := a.deps.State.Snapshot()
	if snap.UpstreamSessionID == "" {
		return http.StatusBadRequest, errorBody("not published")
	}

	go a.runGenerate(text)
	return http.StatusAccepted, map[string]string{"status": "accepted"}
}

// runGenerate drives the streaming path and falls back to one-shot HTTP
// synthesis when the socket cannot be used.
func (a *TTS) runGenerate(text string) {
	defer a.scheduleInactivity(context.Background())

	snap := a.deps.State.Snapshot()
	voice := snap.SelectedVoice

	openCtx, cancel := context.WithTimeout(context.Background(), upstream.OpenTimeout)
	link := a.ensureLink(voice)
	_, err := link.Ensure(openCtx)
	cancel()
	if err == nil {
		if err = link.Speak(text); err == nil {
			err = link.Flush()
		}
	}
	if err == nil {
		return
	}

	a.log.Warn("streaming synthesis unavailable, using http fallback", slog.String("error", err.Error()))
	pcm, fallbackErr := a.deps.Provider.SpeakOnce(context.Background(), voice, text)
	if fallbackErr != nil {
		a.log.Error("tts fallback failed", slog.String("error", fallbackErr.Error()))
		return
	}
	a.deliverFallback(pcm)
}

// deliverFallback transcodes a complete 24 kHz buffer, broadcasts it, and
// retains it for late joiners.
func (a *TTS) deliverFallback(pcm24k []byte) {
	if len(pcm24k)%2 != 0 {
		pcm24k = pcm24k[:len(pcm24k)-1]
	}
	stereo := audio.MonoToStereo(audio.Upsample24kTo48k(pcm24k))

	a.bufMu.Lock()
	a.inFlight = nil
	a.last = stereo
	a.bufMu.Unlock()

	a.broadcastBuffer(stereo)
	a.broadcastEndMarker()
	a.dumpDebugWAV(pcm24k)
}

func (a *TTS) dumpDebugWAV(pcm24k []byte) {
	if a.deps.DebugDumpDir == "" {
		return
	}
	path := filepath.Join(a.deps.DebugDumpDir, fmt.Sprintf("%s-fallback-%d.wav", a.deps.Session, time.Now().UnixMilli()))
	if err := audio.WriteWAVPCM16LEFile(path, pcm24k, 24000); err != nil {
		a.log.Warn("debug wav dump failed", slog.String("error", err.Error()))
	}
}

// Unpublish tears the track down. The SFU-side close is idempotent.
func (a *TTS) Unpublish(ctx context.Context) (int, any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.deps.State.Snapshot()
	if snap.UpstreamAdapterID == "" && snap.UpstreamSessionID == "" {
		return http.StatusBadRequest, errorBody("not published")
	}

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.AllowReconnect = false
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}
	a.dropLink()

	if snap.UpstreamAdapterID != "" {
		if err := a.deps.SFU.CloseWebSocketAdapter(ctx, snap.UpstreamAdapterID); err != nil {
			a.countSFUError("close_adapter")
			return sfuFailure(err)
		}
	}

	a.deps.Clients.CloseRole(clients.RoleSFUSubscriber, websocket.CloseNormalClosure, "Unpublished")

	a.bufMu.Lock()
	a.inFlight = nil
	a.last = nil
	a.bufMu.Unlock()

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.UpstreamSessionID = ""
		s.UpstreamAdapterID = ""
		s.SelectedVoice = ""
		s.CleanupDeadline = nil
		s.ReconnectDeadline = nil
		s.ReconnectAttempts = 0
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}

	a.countEvent("tts_unpublished")
	return http.StatusOK, map[string]string{"status": "unpublished"}
}

// Destroy hard-stops the adapter: upstream gone, clients closed, state
// wiped, alarm removed.
func (a *TTS) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.AllowReconnect = false
	}, true); err != nil {
		a.log.Warn("destroy state update failed", slog.String("error", err.Error()))
	}
	a.dropLink()
	a.deps.Clients.CloseAll(websocket.CloseNormalClosure, "Session destroyed")

	a.bufMu.Lock()
	a.inFlight = nil
	a.last = nil
	a.bufMu.Unlock()

	return a.deps.State.Wipe(ctx)
}

// handleUpstreamChunk transcodes one provider PCM chunk and fans it out
// immediately.
func (a *TTS) handleUpstreamChunk(data []byte) {
	stereo := a.transcoder.Mono24kToStereo48k(data)
	if len(stereo) == 0 {
		return
	}
	a.bufMu.Lock()
	a.inFlight = append(a.inFlight, stereo...)
	a.bufMu.Unlock()
	a.broadcastBuffer(stereo)
}

// handleUpstreamText finalizes the run on Flushed; anything else is logged
// and ignored.
func (a *TTS) handleUpstreamText(data []byte) {
	msg, err := upstream.ParseTTSServerMessage(data)
	if err != nil {
		a.log.Warn("malformed upstream message", slog.String("error", err.Error()))
		return
	}
	switch m := msg.(type) {
	case upstream.Flushed:
		a.finalizeRun()
	case upstream.TTSInfo:
		a.log.Debug("upstream control message", slog.String("type", m.Type))
	}
}

// finalizeRun retains the finished stream for late joiners and marks
// end-of-stream to every subscriber.
func (a *TTS) finalizeRun() {
	a.bufMu.Lock()
	if len(a.inFlight) > 0 {
		a.last = a.inFlight
	}
	a.inFlight = nil
	a.bufMu.Unlock()

	a.transcoder.Reset()
	a.broadcastEndMarker()
	a.countEvent("tts_run_finalized")
}

func (a *TTS) handleUpstreamClose(err error) {
	snap := a.deps.State.Snapshot()
	if snap.AllowReconnect {
		a.scheduleReconnect(context.Background())
	}
}

// Alarm is the deadline reducer. Deadlines are inspected in a fixed order
// and cleared in one merged write.
func (a *TTS) Alarm(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	snap := a.deps.State.Snapshot()

	var clearCleanup, clearInactivity, clearReconnect bool
	var freshInactivity *time.Time

	if expired(snap.CleanupDeadline, now) {
		a.countAlarm("cleanup")
		clearCleanup = true
		if a.deps.Clients.TotalOpen() == 0 {
			// Last client is gone; let the inactivity machinery wind the
			// session down.
			d := now.Add(a.deps.InactivityTimeout)
			freshInactivity = &d
		}
	}

	if expired(snap.InactivityDeadline, now) {
		a.countAlarm("inactivity")
		clearInactivity = true
		if a.deps.Clients.TotalOpen() == 0 {
			a.log.Info("inactive session, closing upstream and clients")
			a.dropLink()
			a.deps.Clients.CloseAll(websocket.CloseNormalClosure, "Session inactive")
		}
	}

	attemptReconnect := expired(snap.ReconnectDeadline, now) && snap.AllowReconnect
	if attemptReconnect {
		a.countAlarm("reconnect")
		clearReconnect = true
	}

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		if clearCleanup {
			s.CleanupDeadline = nil
		}
		if clearInactivity {
			s.InactivityDeadline = nil
			if a.deps.Clients.TotalOpen() == 0 {
				s.AllowReconnect = false
			}
		}
		if clearReconnect {
			s.ReconnectDeadline = nil
		}
		if freshInactivity != nil {
			if s.InactivityDeadline == nil || freshInactivity.After(*s.InactivityDeadline) {
				s.InactivityDeadline = freshInactivity
			}
		}
	}, false); err != nil {
		a.log.Error("alarm state write failed", slog.String("error", err.Error()))
	}

	if attemptReconnect {
		voice := snap.SelectedVoice
		go func() {
			openCtx, cancel := context.WithTimeout(context.Background(), upstream.OpenTimeout)
			defer cancel()
			if _, err := a.ensureLink(voice).Ensure(openCtx); err != nil {
				a.log.Warn("alarm reconnect failed", slog.String("error", err.Error()))
				a.scheduleReconnect(context.Background())
			} else {
				a.clearReconnectState(context.Background())
			}
		}()
	}
}

// broadcastBuffer fans a stereo 48 kHz buffer out to every SFU subscriber
// in encoded packets of at most fanOutChunkBytes.
func (a *TTS) broadcastBuffer(buf []byte) {
	ts := uint32(a.now().UnixMilli())
	for off := 0; off < len(buf); off += fanOutChunkBytes {
		end := off + fanOutChunkBytes
		if end > len(buf) {
			end = len(buf)
		}
		frame := packet.Encode(packet.Packet{Seq: a.seq.Add(1), Timestamp: ts, Payload: buf[off:end]})
		a.deps.Clients.FanOut(clients.RoleSFUSubscriber, websocket.BinaryMessage, frame)
		a.countFanOut(clients.RoleSFUSubscriber, end-off)
	}
}

func (a *TTS) broadcastEndMarker() {
	frame := packet.Encode(packet.Packet{Seq: a.seq.Add(1), Timestamp: uint32(a.now().UnixMilli())})
	a.deps.Clients.FanOut(clients.RoleSFUSubscriber, websocket.BinaryMessage, frame)
}

func (a *TTS) sendBufferTo(c *clients.Client, buf []byte) {
	ts := uint32(a.now().UnixMilli())
	for off := 0; off < len(buf); off += fanOutChunkBytes {
		end := off + fanOutChunkBytes
		if end > len(buf) {
			end = len(buf)
		}
		frame := packet.Encode(packet.Packet{Seq: a.seq.Add(1), Timestamp: ts, Payload: buf[off:end]})
		if err := c.Send(websocket.BinaryMessage, frame); err != nil {
			a.log.Warn("late joiner replay failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (a *TTS) sendEndMarkerTo(c *clients.Client) {
	frame := packet.Encode(packet.Packet{Seq: a.seq.Add(1), Timestamp: uint32(a.now().UnixMilli())})
	_ = c.Send(websocket.BinaryMessage, frame)
}

func (a *TTS) countEvent(event string) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (a *TTS) countFanOut(role clients.Role, n int) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.FanOutBytes.WithLabelValues(string(role)).Add(float64(n))
	}
}

func (a *TTS) countSFUError(op string) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.SFUErrors.WithLabelValues(op).Inc()
	}
}

// errorBody is the error payload shape shared by all handlers.
func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

// sfuFailure maps an SFU error to a response, surfacing the SFU body.
func sfuFailure(err error) (int, any) {
	var sfuErr *sfu.Error
	if errors.As(err, &sfuErr) {
		return http.StatusInternalServerError, map[string]any{
			"error":     "sfu request failed",
			"sfuStatus": sfuErr.Status,
			"sfuBody":   sfuErr.Body,
		}
	}
	return http.StatusInternalServerError, errorBody(err.Error())
}
