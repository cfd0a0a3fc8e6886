package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxmux/voxmux/internal/logging"
)

// ErrCapabilityUnavailable marks a capability with no configured
// provider. Reported once per process; the capability then stays down.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// DecisionModel turns instructions + context + utterance into the raw
// structured-decision text, parsed elsewhere.
type DecisionModel interface {
	Decide(ctx context.Context, systemInstructions, contextText, utterance string) (string, error)
}

// HTTPProviders implements the three capability contracts against
// JSON-over-HTTP endpoints. Any endpoint left unconfigured makes that
// capability unavailable without affecting the others.
type HTTPProviders struct {
	TranscribeURL string
	SynthesizeURL string
	DecisionURL   string
	APIKey        string

	HTTPClient *http.Client

	log        *logrus.Entry
	reportOnce sync.Map
}

func NewHTTPProviders(transcribeURL, synthesizeURL, decisionURL, apiKey string) *HTTPProviders {
	return &HTTPProviders{
		TranscribeURL: transcribeURL,
		SynthesizeURL: synthesizeURL,
		DecisionURL:   decisionURL,
		APIKey:        apiKey,
		HTTPClient:    &http.Client{Timeout: 60 * time.Second},
		log:           logging.NewLogger("voice-providers"),
	}
}

func (p *HTTPProviders) unavailable(capability string) error {
	if _, loaded := p.reportOnce.LoadOrStore(capability, true); !loaded {
		p.log.WithField("capability", capability).Warn("no provider configured")
	}
	return fmt.Errorf("%s: %w", capability, ErrCapabilityUnavailable)
}

func (p *HTTPProviders) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if p.TranscribeURL == "" {
		return "", p.unavailable("transcription")
	}
	var out struct {
		Text string `json:"text"`
	}
	err := p.post(ctx, p.TranscribeURL, map[string]any{
		"audio":     base64.StdEncoding.EncodeToString(audio),
		"mime_type": mimeType,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return out.Text, nil
}

func (p *HTTPProviders) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if p.SynthesizeURL == "" {
		return nil, p.unavailable("speech synthesis")
	}
	var out struct {
		Audio string `json:"audio"`
	}
	if err := p.post(ctx, p.SynthesizeURL, map[string]any{"text": text}, &out); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(out.Audio)
	if err != nil {
		return nil, fmt.Errorf("synthesize: decode audio: %w", err)
	}
	return audio, nil
}

func (p *HTTPProviders) Decide(ctx context.Context, systemInstructions, contextText, utterance string) (string, error) {
	if p.DecisionURL == "" {
		return "", p.unavailable("decision model")
	}
	var out struct {
		Text string `json:"text"`
	}
	err := p.post(ctx, p.DecisionURL, map[string]any{
		"system":    systemInstructions,
		"context":   contextText,
		"utterance": utterance,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("decide: %w", err)
	}
	return out.Text, nil
}

// Summarize reuses the decision endpoint for memory compaction.
func (p *HTTPProviders) Summarize(ctx context.Context, instructions, text string) (string, error) {
	return p.Decide(ctx, instructions, "", text)
}

func (p *HTTPProviders) post(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("provider status %d", resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}
