// Package api serves the pipeline's HTTP surface: the Trello webhook
// receiver, the admin reset endpoint, the health check and the script
// editor page.
package api

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/channels"
	"github.com/zulandar/snapline/internal/pipeline"
	"github.com/zulandar/snapline/internal/stages"
)

// Cards is the subset of the card tracker the HTTP handlers touch.
type Cards interface {
	GetCard(ctx context.Context, cardID string) (*stages.Card, error)
	AttachText(ctx context.Context, cardID, filename, content string) error
	Comment(ctx context.Context, cardID, text string) error
}

// Gate admits one run per (stage, card) and clears keys on reset.
type Gate interface {
	Acquire(ctx context.Context, stage, cardID string) (bool, error)
	Release(ctx context.Context, stage, cardID string) error
	Reset(ctx context.Context, cardID string) (int64, error)
}

// Starter dispatches pipeline chains.
type Starter interface {
	StartScript(ctx context.Context, s pipeline.Start) (string, error)
	StartRevision(ctx context.Context, s pipeline.Start, comment string) (string, error)
	StartVoice(ctx context.Context, s pipeline.Start) (string, error)
}

// Channels yields the current channel registry snapshot.
type Channels interface {
	Current(ctx context.Context) *channels.Snapshot
}

// Store is the subset of the key-value store the editor reads and writes.
type Store interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Opts wires the handlers to their collaborators.
type Opts struct {
	Cards         Cards
	Gate          Gate
	Starter       Starter
	Channels      Channels
	Vocabulary    *cardstate.Vocabulary
	Store         Store
	WebhookSecret string
}

func (o Opts) validate() error {
	switch {
	case o.Cards == nil:
		return fmt.Errorf("api: cards client is required")
	case o.Gate == nil:
		return fmt.Errorf("api: gate is required")
	case o.Starter == nil:
		return fmt.Errorf("api: dispatcher is required")
	case o.Channels == nil:
		return fmt.Errorf("api: channel registry is required")
	case o.Vocabulary == nil:
		return fmt.Errorf("api: label vocabulary is required")
	case o.Store == nil:
		return fmt.Errorf("api: store is required")
	case o.WebhookSecret == "":
		return fmt.Errorf("api: webhook secret is required")
	}
	return nil
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Opts
	Port int
	Out  io.Writer
}

// NewHandler builds the gin engine with every route registered.
func NewHandler(opts Opts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	registerRoutes(router, opts)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	handler, err := NewHandler(opts.Opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// parseTemplates loads the embedded HTML templates.
func parseTemplates() (*template.Template, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}
