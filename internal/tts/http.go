package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxHTTPResponse    = 64 << 20
)

// HTTPOption configures an HTTP synthesizer.
type HTTPOption func(*httpSynth)

// WithHTTPClient replaces the default client, e.g. to share a transport.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *httpSynth) { h.client = c }
}

// WithHTTPTimeout sets the per-request timeout. Zero keeps the default.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(h *httpSynth) {
		if d > 0 {
			h.client.Timeout = d
		}
	}
}

type httpSynth struct {
	endpoint string
	client   *http.Client
}

type httpRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// NewHTTPSynth posts each sentence to a remote synthesis server and expects
// an audio/wav body in response.
func NewHTTPSynth(endpoint string, opts ...HTTPOption) (Synthesizer, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("tts endpoint empty")
	}
	h := &httpSynth{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	data, err := json.Marshal(httpRequest{Text: req.Text, Voice: req.Voice, Speed: req.Speed})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", h.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("POST %s returned status %d: %s", h.endpoint, resp.StatusCode, bytes.TrimSpace(detail))
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponse))
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if len(payload) == 0 {
		return nil, errors.New("tts server returned an empty body")
	}
	return payload, nil
}
