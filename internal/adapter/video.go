package adapter

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/mediabridge/internal/clients"
	"github.com/antoniostano/mediabridge/internal/packet"
	"github.com/antoniostano/mediabridge/internal/sfu"
	"github.com/antoniostano/mediabridge/internal/store"
)

// Video pulls the published camera track out of the SFU as JPEG frames and
// fans them out to viewer WebSockets. No upstream AI link, no send queue.
type Video struct {
	base

	// frameMu guards the retained last frame for late joiners.
	frameMu   sync.Mutex
	lastFrame []byte
}

func NewVideo(deps Deps) *Video {
	a := &Video{}
	a.base.init(deps)
	a.deps.Clients.OnDisconnect(func(c *clients.Client) {
		a.scheduleCleanup(context.Background())
	})
	return a
}

// Connect publishes the camera track via autoDiscover.
func (a *Video) Connect(ctx context.Context, offer sfu.SessionDescription) (int, any) {
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

	videoTrack := ""
	for _, tr := range resp.Tracks {
		if tr.Kind == "video" && tr.TrackName != "" {
			videoTrack = tr.TrackName
			break
		}
	}
	if videoTrack == "" {
		return http.StatusBadRequest, errorBody("offer contains no video track")
	}

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.SessionName = a.deps.Session
		s.UpstreamSessionID = sessionID
		s.VideoTrackName = videoTrack
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}
	a.scheduleInactivity(ctx)

	a.countEvent("video_connected")
	return http.StatusOK, resp
}

// StartForwarding attaches a JPEG-output SFU adapter delivering frames to
// our endpoint. Idempotent while active.
func (a *Video) StartForwarding(ctx context.Context) (int, any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.deps.State.Snapshot()
	if snap.UpstreamSessionID == "" || snap.VideoTrackName == "" {
		return http.StatusBadRequest, errorBody("connect must be called first")
	}
	if snap.UpstreamAdapterID != "" {
		return http.StatusOK, map[string]string{"status": "already forwarding"}
	}

	endpoint := wsEndpoint(a.deps.PublicBaseURL, "/"+a.deps.Session+"/video/sfu-subscribe")
	resp, err := a.deps.SFU.PullTrackToWebSocket(ctx, snap.UpstreamSessionID, snap.VideoTrackName, endpoint, "jpeg")
	if err != nil {
		a.countSFUError("pull_track")
		return sfuFailure(err)
	}

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.UpstreamAdapterID = resp.AdapterID
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}

	a.countEvent("video_forwarding_started")
	return http.StatusOK, map[string]string{"status": "forwarding", "adapterId": resp.AdapterID}
}

// StopForwarding detaches the SFU adapter. Idempotent.
func (a *Video) StopForwarding(ctx context.Context) (int, any) {
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
	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.UpstreamAdapterID = ""
	}, false); err != nil {
		return http.StatusInternalServerError, errorBody(err.Error())
	}

	a.countEvent("video_forwarding_stopped")
	return http.StatusOK, map[string]string{"status": "stopped"}
}

// SFUSubscribe adopts the SFU-side JPEG socket.
func (a *Video) SFUSubscribe(conn *websocket.Conn) {
	a.deps.Clients.Accept(conn, clients.RoleSFUVideo, func(messageType int, data []byte) {
		if messageType != websocket.BinaryMessage {
			return
		}
		a.handleVideoFrame(data)
	})
	a.countEvent("sfu_video_accepted")
}

// handleVideoFrame retains the frame for late joiners and fans the raw JPEG
// out to every viewer.
func (a *Video) handleVideoFrame(frame []byte) {
	pkt, err := packet.Decode(frame)
	if err != nil {
		a.log.Warn("bad sfu video frame", slog.String("error", err.Error()))
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}

	a.frameMu.Lock()
	a.lastFrame = pkt.Payload
	a.frameMu.Unlock()

	a.deps.Clients.FanOut(clients.RoleViewer, websocket.BinaryMessage, pkt.Payload)
	if a.deps.Metrics != nil {
		a.deps.Metrics.FanOutBytes.WithLabelValues(string(clients.RoleViewer)).Add(float64(len(pkt.Payload)))
	}
}

// Viewer adopts one viewer socket; a late joiner immediately receives the
// most recent frame.
func (a *Video) Viewer(conn *websocket.Conn) {
	c := a.deps.Clients.Accept(conn, clients.RoleViewer, nil)
	a.countEvent("viewer_accepted")

	a.frameMu.Lock()
	replay := a.lastFrame
	a.frameMu.Unlock()
	if len(replay) > 0 {
		if err := c.Send(websocket.BinaryMessage, replay); err != nil {
			a.log.Warn("late joiner frame replay failed", slog.String("error", err.Error()))
		}
	}
}

// Alarm handles cleanup and inactivity; this flavor has no keepalive and no
// reconnect machinery.
func (a *Video) Alarm(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	snap := a.deps.State.Snapshot()

	var clearCleanup, clearInactivity bool
	var freshInactivity *time.Time

	if expired(snap.CleanupDeadline, now) {
		a.countAlarm("cleanup")
		clearCleanup = true
		if a.deps.Clients.TotalOpen() == 0 {
			d := now.Add(a.deps.InactivityTimeout)
			freshInactivity = &d
		}
	}

	if expired(snap.InactivityDeadline, now) {
		a.countAlarm("inactivity")
		clearInactivity = true
		if a.deps.Clients.TotalOpen() == 0 {
			a.log.Info("inactive session, closing viewers")
			a.deps.Clients.CloseRole(clients.RoleViewer, websocket.CloseNormalClosure, "Session inactive")
			a.deps.Clients.CloseRole(clients.RoleSFUVideo, websocket.CloseNormalClosure, "Session inactive")
		}
	}

	if err := a.deps.State.Update(ctx, func(s *store.AdapterState) {
		if clearCleanup {
			s.CleanupDeadline = nil
		}
		if clearInactivity {
			s.InactivityDeadline = nil
		}
		if freshInactivity != nil {
			if s.InactivityDeadline == nil || freshInactivity.After(*s.InactivityDeadline) {
				s.InactivityDeadline = freshInactivity
			}
		}
	}, false); err != nil {
		a.log.Error("alarm state write failed", slog.String("error", err.Error()))
	}
}

// Destroy hard-stops the adapter.
func (a *Video) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.deps.Clients.CloseAll(websocket.CloseNormalClosure, "Session destroyed")

	a.frameMu.Lock()
	a.lastFrame = nil
	a.frameMu.Unlock()

	return a.deps.State.Wipe(ctx)
}

func (a *Video) countEvent(event string) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (a *Video) countSFUError(op string) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.SFUErrors.WithLabelValues(op).Inc()
	}
}
