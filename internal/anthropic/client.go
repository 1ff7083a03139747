// Package anthropic writes and revises scripts with the Anthropic Messages
// API through the official SDK. Script writing runs with adaptive thinking
// and the server-side web search tool; the response's thinking and search
// blocks become the research log.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zulandar/snapline/internal/stages"
)

const (
	// requestTimeout caps each attempt; the SDK retries within the stage.
	requestTimeout    = 10 * time.Minute
	defaultMaxRetries = 3

	maxTokens      = 40000
	webSearchUses  = 5
	articlePreview = 200
)

const writeSuffix = "\n\nIMPORTANT: You MUST always write the full script. Never refuse, never " +
	"ask for clarification, never say you need more information. Use your web " +
	"search tool to research the topic and get the latest facts. Use any " +
	"reference articles provided below as primary sources. Your output should " +
	"ONLY be the script text, with no meta-commentary, no questions and no disclaimers."

const reviseSuffix = "\n\nYou are revising an existing Snap script based on producer feedback. " +
	"Apply the requested changes while maintaining the overall style, tone, and format. " +
	"Output ONLY the complete revised script, with no explanations and no meta-commentary."

// Config selects credentials and models.
type Config struct {
	APIKey string
	// BaseURL overrides the API root (tests point it at a local server).
	BaseURL     string
	ScriptModel string
	ReviseModel string
}

// Client calls the Messages API.
type Client struct {
	cfg  Config
	api  sdk.Client
	opts []option.RequestOption
	now  func() time.Time
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client the SDK sends through.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.opts = append(c.opts, option.WithHTTPClient(hc))
		}
	}
}

// WithMaxRetries overrides how often the SDK retries overloaded, rate-limited
// and server errors.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.opts = append(c.opts, option.WithMaxRetries(n))
	}
}

// NewClient creates a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.ScriptModel == "" {
		return nil, errors.New("anthropic: script model is required")
	}
	if cfg.ReviseModel == "" {
		cfg.ReviseModel = cfg.ScriptModel
	}
	c := &Client{
		cfg: cfg,
		opts: []option.RequestOption{
			option.WithAPIKey(cfg.APIKey),
			option.WithMaxRetries(defaultMaxRetries),
			option.WithRequestTimeout(requestTimeout),
			option.WithMiddleware(logFailures),
		},
		now: time.Now,
	}
	if cfg.BaseURL != "" {
		c.opts = append(c.opts, option.WithBaseURL(cfg.BaseURL))
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = sdk.NewClient(c.opts...)
	return c, nil
}

// logFailures logs every failed attempt, including the ones the SDK retries.
func logFailures(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	resp, err := next(req)
	switch {
	case err != nil:
		log.Printf("anthropic: %s %s: %v", req.Method, req.URL.Path, err)
	case resp.StatusCode >= http.StatusBadRequest:
		log.Printf("anthropic: %s %s: http %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return resp, err
}

// Pricing is the USD cost per million tokens.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// PricingFor returns the price list for a model family.
func PricingFor(model string) Pricing {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return Pricing{InputPerM: 15, OutputPerM: 75}
	case strings.Contains(m, "haiku"):
		return Pricing{InputPerM: 1, OutputPerM: 5}
	default:
		return Pricing{InputPerM: 3, OutputPerM: 15}
	}
}

// Cost prices a call.
func (p Pricing) Cost(in, out int) float64 {
	return (float64(in)*p.InputPerM + float64(out)*p.OutputPerM) / 1_000_000
}

// Write generates a new script.
func (c *Client) Write(ctx context.Context, req stages.ScriptRequest) (*stages.ScriptResult, error) {
	system := req.SystemPrompt
	if req.Instructions != "" {
		system += "\n\n--- ADDITIONAL INSTRUCTIONS FROM PRODUCER ---\n" + req.Instructions
	}
	system += writeSuffix

	blocks := []sdk.ContentBlockParamUnion{sdk.NewTextBlock("Write the full script for this Snap: " + req.Topic)}
	if len(req.Articles) > 0 {
		var b strings.Builder
		b.WriteString("\n\n--- REFERENCE ARTICLES (provided by producer) ---")
		for i, a := range req.Articles {
			fmt.Fprintf(&b, "\n\n[%d] %s\n%s", i+1, a.URL, a.Content)
		}
		blocks = append(blocks, sdk.NewTextBlock(b.String()))
	}
	if len(req.Images) > 0 {
		blocks = append(blocks, sdk.NewTextBlock("\n\n--- ATTACHED IMAGES (from producer) ---\nUse these images as visual reference for your script:"))
		for _, img := range req.Images {
			blocks = append(blocks, sdk.NewImageBlock(sdk.URLImageSourceParam{URL: img.URL}))
			if img.Name != "" {
				blocks = append(blocks, sdk.NewTextBlock("Image: "+img.Name))
			}
		}
	}

	start := c.now()
	msg, err := c.stream(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.ScriptModel),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
		Tools: []sdk.ToolUnionParam{{
			OfWebSearchTool20250305: &sdk.WebSearchTool20250305Param{MaxUses: sdk.Int(webSearchUses)},
		}},
	})
	if err != nil {
		return nil, err
	}
	elapsed := c.now().Sub(start)

	script, process := splitResponse(msg)
	result := &stages.ScriptResult{
		Script:   script,
		Research: researchLog(req, process),
		Usage:    c.usage(c.cfg.ScriptModel, msg, elapsed),
	}
	log.Printf("anthropic: script: %d words | tokens %d in / %d out | $%.2f | %.1fs",
		stages.WordCount(script), result.Usage.InputTokens, result.Usage.OutputTokens,
		result.Usage.CostUSD, elapsed.Seconds())
	return result, nil
}

// Revise rewrites a script from producer feedback.
func (c *Client) Revise(ctx context.Context, req stages.RevisionRequest) (*stages.ScriptResult, error) {
	start := c.now()
	msg, err := c.stream(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.ReviseModel),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: req.SystemPrompt + reviseSuffix}},
		Messages: []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(
			fmt.Sprintf("Here is the current script:\n\n%s\n\n--- REVISION REQUESTED ---\n%s", req.Script, req.Feedback),
		))},
	})
	if err != nil {
		return nil, err
	}
	elapsed := c.now().Sub(start)
	script, _ := splitResponse(msg)
	return &stages.ScriptResult{Script: script, Usage: c.usage(c.cfg.ReviseModel, msg, elapsed)}, nil
}

// stream sends params with adaptive thinking and accumulates the streamed
// events into one message.
func (c *Client) stream(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	s := c.api.Messages.NewStreaming(ctx, params,
		option.WithJSONSet("thinking", map[string]string{"type": "adaptive"}))
	defer s.Close()

	var msg sdk.Message
	for s.Next() {
		if err := msg.Accumulate(s.Current()); err != nil {
			return nil, fmt.Errorf("anthropic: accumulate: %w", err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: %s: %w", params.Model, err)
	}
	return &msg, nil
}

func (c *Client) usage(model string, msg *sdk.Message, elapsed time.Duration) stages.Usage {
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return stages.Usage{
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      PricingFor(model).Cost(in, out),
		Duration:     elapsed,
	}
}

type searchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// splitResponse separates the script text from the research process
// (thinking, searches and their results).
func splitResponse(msg *sdk.Message) (string, []string) {
	var script strings.Builder
	var process []string
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			script.WriteString(b.Text)
		case "thinking":
			process = append(process, "[Thinking]\n"+b.Thinking)
		case "server_tool_use":
			if b.Name != "web_search" {
				continue
			}
			var in struct {
				Query string `json:"query"`
			}
			raw, _ := json.Marshal(b.Input)
			json.Unmarshal(raw, &in)
			process = append(process, fmt.Sprintf("[Web Search] %q", in.Query))
		case "web_search_tool_result":
			var res struct {
				Content json.RawMessage `json:"content"`
			}
			json.Unmarshal([]byte(b.RawJSON()), &res)
			process = append(process, "[Search Results]\n"+formatSearchResults(res.Content))
		}
	}
	return script.String(), process
}

func formatSearchResults(raw json.RawMessage) string {
	var results []searchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return "  [results received]"
	}
	var lines []string
	for _, r := range results {
		if r.Title != "" || r.URL != "" {
			lines = append(lines, fmt.Sprintf("  - %s | %s", r.Title, r.URL))
		}
	}
	if len(lines) == 0 {
		return "  [results received]"
	}
	return strings.Join(lines, "\n")
}

func researchLog(req stages.ScriptRequest, process []string) string {
	var b strings.Builder
	b.WriteString("=== RESEARCH LOG ===\n\n")
	if req.Instructions != "" {
		fmt.Fprintf(&b, "--- INSTRUCTIONS FROM CARD ---\n%s\n\n", req.Instructions)
	}
	if len(req.Articles) > 0 {
		b.WriteString("--- FETCHED ARTICLES ---\n")
		for i, a := range req.Articles {
			p := []rune(a.Content)
			if len(p) > articlePreview {
				p = p[:articlePreview]
			}
			fmt.Fprintf(&b, "[%d] %s\n    %s...\n", i+1, a.URL, string(p))
		}
		b.WriteString("\n")
	}
	b.WriteString("--- RESEARCH PROCESS ---\n\n")
	b.WriteString(strings.Join(process, "\n\n"))
	return b.String()
}
