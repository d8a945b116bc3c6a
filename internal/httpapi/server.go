// Package httpapi is the routing shell: it maps the per-session URL layout
// onto exactly one live instance per session name and hands upgraded
// WebSockets to the right adapter.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/mediabridge/internal/config"
	"github.com/antoniostano/mediabridge/internal/host"
	"github.com/antoniostano/mediabridge/internal/observability"
	"github.com/antoniostano/mediabridge/internal/sfu"
)

type Server struct {
	cfg      config.Config
	sessions *host.Host
	metrics  *observability.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, sessions *host.Host, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		log:      logger,
		static:   newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Non-browser peers (the SFU in particular) omit Origin;
				// allow them. Browsers must match the host unless overridden.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/{session}", func(r chi.Router) {
		r.Get("/publisher", s.handleStaticPage("publisher.html"))
		r.Get("/player", s.handleStaticPage("player.html"))
		r.Delete("/", s.handleDestroy)

		r.Post("/publish", s.handleTTSPublish)
		r.Post("/unpublish", s.handleTTSUnpublish)
		r.Post("/connect", s.handleTTSConnect)
		r.Post("/generate", s.handleTTSGenerate)
		r.Get("/subscribe", s.handleTTSSubscribe)

		r.Route("/stt", func(r chi.Router) {
			r.Post("/connect", s.handleSTTConnect)
			r.Post("/start-forwarding", s.handleSTTStartForwarding)
			r.Post("/stop-forwarding", s.handleSTTStopForwarding)
			r.Post("/reconnect-upstream", s.handleSTTReconnectUpstream)
			r.Get("/sfu-subscribe", s.handleSTTSFUSubscribe)
			r.Get("/transcription-stream", s.handleSTTTranscriptionStream)
		})

		r.Route("/video", func(r chi.Router) {
			r.Post("/connect", s.handleVideoConnect)
			r.Post("/start-forwarding", s.handleVideoStartForwarding)
			r.Post("/stop-forwarding", s.handleVideoStopForwarding)
			r.Get("/sfu-subscribe", s.handleVideoSFUSubscribe)
			r.Get("/viewer", s.handleVideoViewer)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStaticPage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + name
		s.static.ServeHTTP(w, r2)
	}
}

// instance resolves the session instance; a nil return means the response
// has already been written.
func (s *Server) instance(w http.ResponseWriter, r *http.Request) *host.Instance {
	name := strings.TrimSpace(chi.URLParam(r, "session"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "invalid_session", "missing session name")
		return nil
	}
	inst, err := s.sessions.Get(r.Context(), name)
	if err != nil {
		s.log.Error("session resolve failed", slog.String("session", name), slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "session_init_failed", err.Error())
		return nil
	}
	return inst
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "session"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "invalid_session", "missing session name")
		return
	}
	if err := s.sessions.Destroy(r.Context(), name); err != nil {
		s.log.Error("destroy failed", slog.String("session", name), slog.String("error", err.Error()))
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "destroying"})
}

type publishRequest struct {
	Speaker string `json:"speaker"`
}

func (s *Server) handleTTSPublish(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Speaker) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "speaker is required")
		return
	}
	status, body := inst.TTS.Publish(r.Context(), req.Speaker)
	respondJSON(w, status, body)
}

func (s *Server) handleTTSUnpublish(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	status, body := inst.TTS.Unpublish(r.Context())
	respondJSON(w, status, body)
}

type connectRequest struct {
	SessionDescription sfu.SessionDescription `json:"sessionDescription"`
}

func (s *Server) handleTTSConnect(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionDescription.SDP == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "sessionDescription is required")
		return
	}
	status, body := inst.TTS.Connect(r.Context(), req.SessionDescription)
	respondJSON(w, status, body)
}

type generateRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTTSGenerate(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	status, body := inst.TTS.Generate(r.Context(), req.Text)
	respondJSON(w, status, body)
}

func (s *Server) handleTTSSubscribe(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	inst.TTS.Subscribe(conn)
}

func (s *Server) handleSTTConnect(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionDescription.SDP == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "sessionDescription is required")
		return
	}
	status, body := inst.STT.Connect(r.Context(), req.SessionDescription)
	respondJSON(w, status, body)
}

func (s *Server) handleSTTStartForwarding(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	status, body := inst.STT.StartForwarding(r.Context())
	respondJSON(w, status, body)
}

func (s *Server) handleSTTStopForwarding(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	status, body := inst.STT.StopForwarding(r.Context())
	respondJSON(w, status, body)
}

func (s *Server) handleSTTReconnectUpstream(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	status, body := inst.STT.ReconnectUpstream(r.Context())
	respondJSON(w, status, body)
}

func (s *Server) handleSTTSFUSubscribe(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	inst.STT.SFUSubscribe(conn)
}

func (s *Server) handleSTTTranscriptionStream(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	inst.STT.TranscriptionStream(conn)
}

func (s *Server) handleVideoConnect(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionDescription.SDP == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "sessionDescription is required")
		return
	}
	status, body := inst.Video.Connect(r.Context(), req.SessionDescription)
	respondJSON(w, status, body)
}

func (s *Server) handleVideoStartForwarding(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	status, body := inst.Video.StartForwarding(r.Context())
	respondJSON(w, status, body)
}

func (s *Server) handleVideoStopForwarding(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	status, body := inst.Video.StopForwarding(r.Context())
	respondJSON(w, status, body)
}

func (s *Server) handleVideoSFUSubscribe(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	inst.Video.SFUSubscribe(conn)
}

func (s *Server) handleVideoViewer(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(w, r)
	if inst == nil {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	inst.Video.Viewer(conn)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
