package upstream

import (
	"encoding/json"
	"errors"
)

// Outbound control messages. The provider keys everything on "type".
type speakRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type controlRequest struct {
	Type string `json:"type"`
}

// Speak queues text for synthesis on the TTS socket.
func (l *Link) Speak(text string) error {
	return l.SendJSON(speakRequest{Type: "Speak", Text: text})
}

// Flush asks the TTS engine to synthesize everything queued so far.
func (l *Link) Flush() error {
	return l.SendJSON(controlRequest{Type: "Flush"})
}

// Finalize flushes recognition partials into finals; the socket stays open.
func (l *Link) Finalize() error {
	return l.SendJSON(controlRequest{Type: "Finalize"})
}

// CloseStream ends the recognition session; the provider will close.
func (l *Link) CloseStream() error {
	return l.SendJSON(controlRequest{Type: "CloseStream"})
}

// KeepAlive is the zero-audio heartbeat for the pre-forwarding window.
func (l *Link) KeepAlive() error {
	return l.SendJSON(controlRequest{Type: "KeepAlive"})
}

// TTSServerMessage is a decoded text frame from the synthesis socket.
type TTSServerMessage interface{ isTTSServer() }

// Flushed signals that the current synthesis run is complete.
type Flushed struct{}

func (Flushed) isTTSServer() {}

// TTSInfo is any other control frame; logged and otherwise ignored.
type TTSInfo struct {
	Type string
	Raw  json.RawMessage
}

func (TTSInfo) isTTSServer() {}

var errNoType = errors.New("upstream: message without type field")

// ParseTTSServerMessage decodes one synthesis text frame into its variant.
func ParseTTSServerMessage(data []byte) (TTSServerMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errNoType
	}
	if env.Type == "Flushed" {
		return Flushed{}, nil
	}
	return TTSInfo{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Transcript is one decoded recognition result. Raw preserves the provider
// payload verbatim for the client fan-out; FromFinalize marks results forced
// out by a Finalize. A "created" field in the payload carries no completion
// meaning and is deliberately not modeled.
type Transcript struct {
	Raw          json.RawMessage
	FromFinalize bool
}

// ParseTranscript decodes one recognition text frame.
func ParseTranscript(data []byte) (Transcript, error) {
	var probe struct {
		FromFinalize bool `json:"from_finalize"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Transcript{}, err
	}
	return Transcript{
		Raw:          append(json.RawMessage(nil), data...),
		FromFinalize: probe.FromFinalize,
	}, nil
}
