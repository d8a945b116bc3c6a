// Package sfu is the REST client for the upstream media router. It covers
// only the operations the session adapters consume: session creation, track
// negotiation, and the WebSocket adapter lifecycle.
package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Error carries a non-2xx SFU response so handlers can surface the body.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sfu: status %d: %s", e.Status, e.Body)
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type TrackInfo struct {
	TrackName        string `json:"trackName,omitempty"`
	Mid              string `json:"mid,omitempty"`
	Kind             string `json:"kind,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

type TracksResponse struct {
	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks             []TrackInfo         `json:"tracks,omitempty"`
}

type AdapterResponse struct {
	SessionID string          `json:"sessionId,omitempty"`
	AdapterID string          `json:"adapterId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

type Config struct {
	BaseURL string
	AppID   string
	Token   string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}

// CreateSession opens a fresh SFU session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/new", nil, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("sfu: create session returned no sessionId")
	}
	return out.SessionID, nil
}

// AddTracksAutoDiscover publishes all tracks present in the offer and
// returns the SFU answer plus the discovered track list.
func (c *Client) AddTracksAutoDiscover(ctx context.Context, sessionID string, offer SessionDescription) (*TracksResponse, error) {
	body := map[string]any{
		"sessionDescription": offer,
		"autoDiscover":       true,
	}
	var out TracksResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/tracks/new", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullRemoteTrackToPlayer negotiates pulling one published track into the
// player's session.
func (c *Client) PullRemoteTrackToPlayer(ctx context.Context, playerSessionID, publisherSessionID, trackName string, offer SessionDescription) (*TracksResponse, error) {
	body := map[string]any{
		"sessionDescription": offer,
		"tracks": []map[string]any{{
			"location":  "remote",
			"sessionId": publisherSessionID,
			"trackName": trackName,
		}},
	}
	var out TracksResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+playerSessionID+"/tracks/new", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushTrackFromWebSocket registers a track whose media the SFU pulls from
// our WebSocket endpoint.
func (c *Client) PushTrackFromWebSocket(ctx context.Context, trackName, endpoint, inputCodec, mode string) (*AdapterResponse, error) {
	if inputCodec == "" {
		inputCodec = "pcm"
	}
	if mode == "" {
		mode = "buffer"
	}
	body := map[string]any{
		"trackName":  trackName,
		"endpoint":   endpoint,
		"inputCodec": inputCodec,
		"mode":       mode,
	}
	return c.adapterCall(ctx, "/adapters/websocket/push", body)
}

// PullTrackToWebSocket registers an adapter that delivers one published
// track's payloads to our WebSocket endpoint.
func (c *Client) PullTrackToWebSocket(ctx context.Context, sessionID, trackName, endpoint, outputCodec string) (*AdapterResponse, error) {
	if outputCodec == "" {
		outputCodec = "pcm"
	}
	body := map[string]any{
		"sessionId":   sessionID,
		"trackName":   trackName,
		"endpoint":    endpoint,
		"outputCodec": outputCodec,
	}
	return c.adapterCall(ctx, "/adapters/websocket/pull", body)
}

// CloseWebSocketAdapter tears an adapter down. A 503 whose body reports
// adapter_not_found means it is already gone and counts as success.
func (c *Client) CloseWebSocketAdapter(ctx context.Context, adapterID string) error {
	status, raw, err := c.doRaw(ctx, http.MethodPost, "/adapters/websocket/"+adapterID+"/close", nil)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusServiceUnavailable {
		var body TracksResponse
		if json.Unmarshal(raw, &body) == nil && len(body.Tracks) > 0 && body.Tracks[0].ErrorCode == "adapter_not_found" {
			c.log.Info("adapter already closed", slog.String("adapter_id", adapterID))
			return nil
		}
	}
	return &Error{Status: status, Body: string(raw)}
}

func (c *Client) adapterCall(ctx context.Context, path string, body any) (*AdapterResponse, error) {
	status, raw, err := c.doRaw(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &Error{Status: status, Body: string(raw)}
	}
	var out AdapterResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sfu: decode adapter response: %w", err)
	}
	out.Raw = raw
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	status, raw, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &Error{Status: status, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("sfu: decode response: %w", err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body any) (int, []byte, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/apps/" + c.cfg.AppID + path

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("sfu: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sfu: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("sfu: read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}
