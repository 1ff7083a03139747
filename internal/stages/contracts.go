package stages

import (
	"context"
	"time"
)

// Card is a fresh read of a tracker card. It is never cached.
type Card struct {
	ID     string
	Name   string
	Desc   string
	Labels []string
}

// Attachment is a file attached to a card.
type Attachment struct {
	Name     string
	URL      string
	MimeType string
}

// Cards is the card-tracker contract: reads, label/comment/attachment
// mutations and list moves, all addressed by name.
type Cards interface {
	GetCard(ctx context.Context, cardID string) (*Card, error)
	Attachments(ctx context.Context, cardID string) ([]Attachment, error)
	AttachText(ctx context.Context, cardID, filename, content string) error
	AttachBinary(ctx context.Context, cardID, filename string, data []byte, mimeType string) error
	AddLabel(ctx context.Context, cardID, label string) error
	RemoveLabel(ctx context.Context, cardID, label string) error
	Comment(ctx context.Context, cardID, text string) error
	MoveToList(ctx context.Context, cardID, listName string) error
}

// Article is fetched reference text for a URL found in a card description.
type Article struct {
	URL     string
	Content string
}

// Image is an image attachment passed to the script writer by URL.
type Image struct {
	Name string
	URL  string
}

// ResearchContext is the producer's instructions plus fetched articles.
type ResearchContext struct {
	Instructions string
	Articles     []Article
}

// Researcher turns a card description into research context.
type Researcher interface {
	Prepare(ctx context.Context, description string) (*ResearchContext, error)
}

// ScriptRequest asks for a new script.
type ScriptRequest struct {
	SystemPrompt string
	Topic        string
	Instructions string
	Articles     []Article
	Images       []Image
}

// RevisionRequest asks for a revised script.
type RevisionRequest struct {
	SystemPrompt string
	Script       string
	Feedback     string
}

// Usage reports the cost of one generation call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
}

// ScriptResult is a generated script. Research is the log of sources the
// writer consulted; it may be empty for revisions.
type ScriptResult struct {
	Script   string
	Research string
	Usage    Usage
}

// ScriptWriter is the generative script-writing contract.
type ScriptWriter interface {
	Write(ctx context.Context, req ScriptRequest) (*ScriptResult, error)
	Revise(ctx context.Context, req RevisionRequest) (*ScriptResult, error)
}

// Speech is synthesized audio.
type Speech struct {
	Audio    []byte
	Duration time.Duration
}

// Voice is the text-to-speech contract.
type Voice interface {
	Generate(ctx context.Context, text, voiceID string) (*Speech, error)
}

// Store is the subset of the shared key-value store the stages use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetString(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	MergeJSON(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string) (map[string]any, error)
}
