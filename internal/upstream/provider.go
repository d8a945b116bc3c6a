package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/mediabridge/internal/reliability"
)

// ProviderConfig addresses the streaming speech provider. The provider
// refuses credentials in the WebSocket handshake query, so every dial sends
// an Authorization bearer header.
type ProviderConfig struct {
	WSBaseURL   string
	HTTPBaseURL string
	AccountID   string
	APIToken    string
	TTSModel    string
	STTModel    string
}

// TTSDialer returns the dial for the synthesis socket of one voice.
func (p ProviderConfig) TTSDialer(voice string) DialFunc {
	return func(ctx context.Context) (*websocket.Conn, error) {
		u, err := url.Parse(strings.TrimRight(p.WSBaseURL, "/") + "/v1/speak")
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("encoding", "linear16")
		q.Set("container", "none")
		q.Set("speaker", voice)
		if p.TTSModel != "" {
			q.Set("model", p.TTSModel)
		}
		u.RawQuery = q.Encode()
		return p.dial(ctx, u.String())
	}
}

// STTDialer returns the dial for the recognition socket.
func (p ProviderConfig) STTDialer() DialFunc {
	return func(ctx context.Context) (*websocket.Conn, error) {
		u, err := url.Parse(strings.TrimRight(p.WSBaseURL, "/") + "/v1/listen")
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("encoding", "linear16")
		q.Set("sample_rate", "16000")
		if p.STTModel != "" {
			q.Set("model", p.STTModel)
		}
		u.RawQuery = q.Encode()
		return p.dial(ctx, u.String())
	}
}

func (p ProviderConfig) dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.APIToken)
	dialer := websocket.Dialer{HandshakeTimeout: OpenTimeout}
	conn, _, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial speech websocket: %w", err)
	}
	return conn, nil
}

// SpeakOnce is the non-streaming synthesis fallback: one HTTP call returning
// the complete 24 kHz mono PCM buffer. Retryable statuses get one more try.
func (p ProviderConfig) SpeakOnce(ctx context.Context, voice, text string) ([]byte, error) {
	u, err := url.Parse(strings.TrimRight(p.HTTPBaseURL, "/") + "/v1/speak")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("container", "none")
	q.Set("speaker", voice)
	if p.TTSModel != "" {
		q.Set("model", p.TTSModel)
	}
	u.RawQuery = q.Encode()

	body := fmt.Sprintf(`{"text":%q}`, text)
	client := &http.Client{Timeout: 30 * time.Second}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.APIToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return nil, readErr
			}
			return raw, nil
		}
		lastErr = fmt.Errorf("speech fallback: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}
