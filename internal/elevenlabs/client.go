// Package elevenlabs synthesizes voice-overs with the ElevenLabs
// text-to-speech API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/snapline/internal/stages"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultModelID = "eleven_multilingual_v2"
	outputFormat   = "mp3_44100_128"

	// Long scripts take minutes to synthesize.
	defaultHTTPTimeout = 5 * time.Minute
)

// Config holds the API credentials and model.
type Config struct {
	APIKey  string
	ModelID string
	BaseURL string
}

// Client generates speech.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{cfg: cfg, httpClient: &http.Client{Timeout: defaultHTTPTimeout}, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type ttsRequest struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	OutputFormat string `json:"output_format"`
}

// Generate converts text to MP3 audio with the given voice.
func (c *Client) Generate(ctx context.Context, text, voiceID string) (*stages.Speech, error) {
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voice id is required")
	}
	body, err := json.Marshal(ttsRequest{Text: text, ModelID: c.cfg.ModelID, OutputFormat: outputFormat})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}
	endpoint := c.cfg.BaseURL + "/text-to-speech/" + url.PathEscape(voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: new request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("elevenlabs: http %d: %s", resp.StatusCode, strings.TrimSpace(string(audio)))
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: empty audio")
	}
	elapsed := c.now().Sub(start)
	log.Printf("elevenlabs: voice generated: %d bytes | voice=%s | %.1fs", len(audio), voiceID, elapsed.Seconds())
	return &stages.Speech{Audio: audio, Duration: elapsed}, nil
}
