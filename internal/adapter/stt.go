package adapter

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/mediabridge/internal/audio"
	"github.com/antoniostano/mediabridge/internal/clients"
	"github.com/antoniostano/mediabridge/internal/packet"
	"github.com/antoniostano/mediabridge/internal/sendqueue"
	"github.com/antoniostano/mediabridge/internal/sfu"
	"github.com/antoniostano/mediabridge/internal/store"
	"github.com/antoniostano/mediabridge/internal/upstream"
)

// transcriptRingSize bounds the late-joiner replay of recent transcripts.
const transcriptRingSize = 100

// STT pulls the published microphone track out of the SFU as PCM, streams
// it to the recognition engine, and fans transcripts out to subscribed
// clients.
type STT struct {
	base

	transcoder *audio.Transcoder
	link       *upstream.Link
	queue      *sendqueue.Queue

	// ringMu guards the recent-transcript replay buffer.
	ringMu sync.Mutex
	ring   []transcriptEvent
}

type transcriptEvent struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewSTT(deps Deps) *STT {
	a := &STT{}
	a.base.init(deps)
	a.transcoder = audio.NewTranscoder(48000, 16000, a.log)

	a.link = upstream.NewLink(deps.Provider.STTDialer(), upstream.Handlers{
		OnConnected: a.handleUpstreamConnected,
		OnText:      a.handleTranscript,
		OnClose:     a.handleUpstreamClose,
	}, a.log)

	a.queue = sendqueue.New(sttUplink{a}, a.log)
	a.queue.OnControlSent(a.handleControlSent)
	a.queue.OnDrop(func(n int) {
		if a.deps.Metrics != nil {
			a.deps.Metrics.QueueDroppedBytes.Add(float64(n))
		}
	})

	a.deps.Clients.OnDisconnect(func(c *clients.Client) {
		a.scheduleCleanup(context.Background())
	})
	return a
}

// sttUplink adapts the upstream link to the send queue contract.
type sttUplink struct{ a *STT }

func (u sttUplink) EnsureOpen() error {
	ctx, cancel := context.WithTimeout(context.Background(), upstream.OpenTimeout)
	defer cancel()
	_, err := u.a.link.Ensure(ctx)
	return err
}

func (u sttUplink) SendBinary(data []byte) error {
	return u.a.link.SendBinary(data)
}

func (u sttUplink) SendControl(c sendqueue.Control) error {
	if c == sendqueue.ControlFinalize {
		return u.a.link.Finalize()
	}
	return u.a.link.CloseStream()
}

// Connect publishes the microphone track via autoDiscover and warms the
// recognition socket. Forwarding does not start yet; the keepalive cycle
// holds the provider session open.
func (a *STT) Connect(ctx context.Context, offer sfu.SessionDescription) (int, any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sessionID, err := a.deps.SFU.CreateSession(ctx)
	if err != nil {
		a.countSFUError("create_session")
		return sfuFailure(err)
	}
	resp, err := a.deps.SFU.AddTracksAutoDiscover(ctx, sessionID, offer)
	if err != nil {
		a.countSFUError("add_tracks")
		return sfuFailure(err)
	}

	micTrack := ""
	for _, tr := range resp.Tracks {
		if tr.Kind == "audio" && tr.TrackName != "" {
			micTrack = tr.TrackName
			break
		}
	}
	if micTrack == "" {
		return http.StatusBadRequest, errorBody("offer contains no audio track")
	}

	callback := wsEndpoint(a.deps.PublicBaseURL, "/"+a.deps.Session+"/stt/sfu-subscribe")
	keepAlive := a.now().Add(keepAliveInterval).UTC()
	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.SessionName = a.deps.Session
		s.AllowReconnect = false
		s.UpstreamSessionID = sessionID
		s.MicTrackName = micTrack
		s.SFUCallbackURL = callback
		s.KeepAliveDeadline = &keepAlive
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}

	go a.warmUpstream()

	if a.deps.Clients.TotalOpen() == 0 {
		a.scheduleInactivity(ctx)
	}

	a.countEvent("stt_connected")
	return http.StatusOK, resp
}

func (a *STT) warmUpstream() {
	ctx, cancel := context.WithTimeout(context.Background(), upstream.OpenTimeout)
	defer cancel()
	if _, err := a.link.Ensure(ctx); err != nil {
		a.log.Warn("stt pre-warm failed", slog.String("error", err.Error()))
	}
}

// StartForwarding attaches an SFU WebSocket adapter that pushes mic PCM to
// our endpoint. Idempotent while active.
func (a *STT) StartForwarding(ctx context.Context) (int, any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.deps.State.Snapshot()
	if snap.UpstreamSessionID == "" || snap.MicTrackName == "" {
		return http.StatusBadRequest, errorBody("connect must be called first")
	}
	if snap.UpstreamAdapterID != "" {
		return http.StatusOK, map[string]string{"status": "already forwarding"}
	}

	resp, err := a.deps.SFU.PullTrackToWebSocket(ctx, snap.UpstreamSessionID, snap.MicTrackName, snap.SFUCallbackURL, "pcm")
	if err != nil {
		a.countSFUError("pull_track")
		return sfuFailure(err)
	}

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.UpstreamAdapterID = resp.AdapterID
		s.AllowReconnect = true
		s.KeepAliveDeadline = nil
		s.InactivityDeadline = nil
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}

	a.countEvent("stt_forwarding_started")
	return http.StatusOK, map[string]string{"status": "forwarding", "adapterId": resp.AdapterID}
}

// StopForwarding detaches the SFU adapter, flushes recognition through a
// Finalize, and re-enters the pre-forwarding keepalive window. Idempotent.
func (a *STT) StopForwarding(ctx context.Context) (int, any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.deps.State.Snapshot()
	if snap.UpstreamAdapterID == "" {
		return http.StatusOK, map[string]string{"status": "not forwarding"}
	}

	if err := a.deps.SFU.CloseWebSocketAdapter(ctx, snap.UpstreamAdapterID); err != nil {
		a.countSFUError("close_adapter")
		return sfuFailure(err)
	}

	keepAlive := a.now().Add(keepAliveInterval).UTC()
	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.UpstreamAdapterID = ""
		s.AllowReconnect = false
		s.PendingFinalize = true
		s.KeepAliveDeadline = &keepAlive
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}
	a.queue.RequestFinalize()

	go a.warmUpstream()

	if a.deps.Clients.TotalOpen() == 0 {
		a.scheduleInactivity(ctx)
	}

	a.countEvent("stt_forwarding_stopped")
	return http.StatusOK, map[string]string{"status": "stopped"}
}

// ReconnectUpstream is the debug restart: bounce the socket without
// finalizing the recognition session.
func (a *STT) ReconnectUpstream(ctx context.Context) (int, any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	empty := a.deps.Clients.TotalOpen() == 0
	a.link.Close()
	go a.warmUpstream()

	if empty {
		// Give the restarted session a short grace period before the
		// inactivity machinery reaps it.
		a.scheduleInactivityIn(ctx, debugNoClientGrace)
		return http.StatusOK, map[string]string{"status": "reconnecting", "note": "No clients connected"}
	}
	return http.StatusOK, map[string]string{"status": "reconnecting"}
}

// SFUSubscribe adopts the SFU-side audio socket.
func (a *STT) SFUSubscribe(conn *websocket.Conn) {
	a.deps.Clients.Accept(conn, clients.RoleSFUAudio, func(messageType int, data []byte) {
		if messageType != websocket.BinaryMessage {
			return
		}
		a.handleAudioFrame(data)
	})
	a.countEvent("sfu_audio_accepted")
}

// handleAudioFrame decodes one SFU packet, transcodes to 16 kHz mono, and
// queues it for the recognition socket.
func (a *STT) handleAudioFrame(frame []byte) {
	pkt, err := packet.Decode(frame)
	if err != nil {
		a.log.Warn("bad sfu audio frame", slog.String("error", err.Error()))
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}
	mono := a.transcoder.Stereo48kToMono16k(pkt.Payload)
	if len(mono) > 0 {
		a.queue.Enqueue(mono)
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.WSMessages.WithLabelValues("inbound", string(clients.RoleSFUAudio)).Inc()
	}
}

// TranscriptionStream adopts one transcript subscriber and replays the
// recent-transcript ring to it.
func (a *STT) TranscriptionStream(conn *websocket.Conn) {
	c := a.deps.Clients.Accept(conn, clients.RoleTranscription, nil)
	a.countEvent("transcription_stream_accepted")

	a.ringMu.Lock()
	replay := append([]transcriptEvent(nil), a.ring...)
	a.ringMu.Unlock()
	for _, ev := range replay {
		if err := c.SendJSON(ev); err != nil {
			break
		}
	}

	// A live subscriber means the session is active again.
	if err := a.deps.State.Update(context.Background(), func(s *store.AdapterState) {
		s.InactivityDeadline = nil
	}, false); err != nil {
		a.log.Error("cancel inactivity failed", slog.String("error", err.Error()))
	}
}

// handleTranscript fans one recognition result out and remembers it for
// late joiners.
func (a *STT) handleTranscript(data []byte) {
	tr, err := upstream.ParseTranscript(data)
	if err != nil {
		a.log.Warn("malformed transcript, ignoring", slog.String("error", err.Error()))
		return
	}
	now := a.now().UnixMilli()

	ev := transcriptEvent{Type: "transcription", Data: tr.Raw, Timestamp: now}
	a.ringMu.Lock()
	a.ring = append(a.ring, ev)
	if len(a.ring) > transcriptRingSize {
		a.ring = a.ring[len(a.ring)-transcriptRingSize:]
	}
	a.ringMu.Unlock()

	a.deps.Clients.FanOutJSON(clients.RoleTranscription, ev)
	if tr.FromFinalize {
		a.deps.Clients.FanOutJSON(clients.RoleTranscription, transcriptEvent{Type: "segment_finalized", Timestamp: now})
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.UpstreamEvents.WithLabelValues("transcript").Inc()
	}
}

func (a *STT) handleUpstreamConnected() {
	a.clearReconnectState(context.Background())
	a.queue.Nudge()
	if a.deps.Metrics != nil {
		a.deps.Metrics.UpstreamEvents.WithLabelValues("connected").Inc()
	}
}

// handleUpstreamClose runs the inactivity end-of-stream or schedules a
// reconnect, depending on why the socket went away.
func (a *STT) handleUpstreamClose(err error) {
	snap := a.deps.State.Snapshot()

	if snap.ClosingDueToInactivity {
		// Re-check occupancy: clients may have arrived after the timer
		// fired but before the provider closed.
		if a.deps.Clients.TotalOpen() == 0 {
			a.deps.Clients.FanOutJSON(clients.RoleTranscription, transcriptEvent{Type: "stt_done", Timestamp: a.now().UnixMilli()})
			a.deps.Clients.CloseRole(clients.RoleTranscription, websocket.CloseNormalClosure, "Transcription complete")
			a.countEvent("stt_done")
		} else {
			a.log.Info("occupancy recovered before upstream close, keeping clients")
		}
		if updErr := a.deps.State.Update(context.Background(), func(s *store.AdapterState) {
			s.ClosingDueToInactivity = false
			s.PendingClose = false
			s.AllowReconnect = false
		}, false); updErr != nil {
			a.log.Error("clear closing flags failed", slog.String("error", updErr.Error()))
		}
		a.queue.Reset()
		return
	}

	if snap.AllowReconnect {
		a.scheduleReconnect(context.Background())
	}
}

// handleControlSent persists the flag clears after the queue ships a
// control message.
func (a *STT) handleControlSent(c sendqueue.Control) {
	if err := a.deps.State.Update(context.Background(), func(s *store.AdapterState) {
		if c == sendqueue.ControlFinalize {
			s.PendingFinalize = false
		} else {
			s.PendingClose = false
		}
	}, false); err != nil {
		a.log.Error("persist control clear failed", slog.String("error", err.Error()))
	}
}

// Alarm inspects deadlines in the fixed cleanup, keepalive, inactivity,
// reconnect order and writes one merged update.
func (a *STT) Alarm(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	snap := a.deps.State.Snapshot()

	var clearCleanup, clearInactivity, clearReconnect bool
	var freshInactivity, freshKeepAlive *time.Time
	clearKeepAlive := false
	driveClose := false

	if expired(snap.CleanupDeadline, now) {
		a.countAlarm("cleanup")
		clearCleanup = true
		if a.deps.Clients.TotalOpen() == 0 {
			d := now.Add(a.deps.InactivityTimeout)
			freshInactivity = &d
		}
	}

	if expired(snap.KeepAliveDeadline, now) {
		a.countAlarm("keepalive")
		preForwarding := snap.UpstreamSessionID != "" && snap.UpstreamAdapterID == ""
		if preForwarding && a.link.State() == upstream.Connected {
			if err := a.link.KeepAlive(); err != nil {
				a.log.Warn("keepalive send failed", slog.String("error", err.Error()))
			}
			d := now.Add(keepAliveInterval)
			freshKeepAlive = &d
		} else {
			clearKeepAlive = true
		}
	}

	if expired(snap.InactivityDeadline, now) {
		a.countAlarm("inactivity")
		clearInactivity = true
		if a.deps.Clients.TotalOpen() == 0 {
			a.log.Info("inactive session, draining recognition close")
			driveClose = true
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
		if clearKeepAlive {
			s.KeepAliveDeadline = nil
		}
		if freshKeepAlive != nil {
			s.KeepAliveDeadline = freshKeepAlive
		}
		if clearInactivity {
			s.InactivityDeadline = nil
		}
		if driveClose {
			s.PendingClose = true
			s.ClosingDueToInactivity = true
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

	if driveClose {
		a.queue.RequestClose()
	}

	if attemptReconnect {
		go func() {
			openCtx, cancel := context.WithTimeout(context.Background(), upstream.OpenTimeout)
			defer cancel()
			if _, err := a.link.Ensure(openCtx); err != nil {
				a.log.Warn("alarm reconnect failed", slog.String("error", err.Error()))
				a.scheduleReconnect(context.Background())
			} else {
				a.clearReconnectState(context.Background())
			}
		}()
	}
}

// Destroy hard-stops the adapter.
func (a *STT) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.AllowReconnect = false
	}, true); err != nil {
		a.log.Warn("destroy state update failed", slog.String("error", err.Error()))
	}
	a.link.Close()
	a.queue.Reset()
	a.deps.Clients.CloseAll(websocket.CloseNormalClosure, "Session destroyed")

	a.ringMu.Lock()
	a.ring = nil
	a.ringMu.Unlock()

	return a.deps.State.Wipe(ctx)
}

func (a *STT) countEvent(event string) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (a *STT) countSFUError(op string) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.SFUErrors.WithLabelValues(op).Inc()
	}
}
