// Package stages implements the four pipeline stage executors: write a
// script, revise it, synthesize the voice-over and deliver the results to
// the card. Each executor re-checks its preconditions against the card and
// the shared store, so duplicate or stale jobs are harmless.
package stages

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/channels"
	"github.com/zulandar/snapline/internal/notify"
)

// Stage names.
const (
	StageWriteScript   = "write_script"
	StageReviseScript  = "revise_script"
	StageGenerateVoice = "generate_voice"
	StageDeliver       = "deliver"
)

// MinWords is the smallest plausible script. Shorter output is treated as a
// refusal or error.
const MinWords = 50

// Outcome reports how a successful stage run ended.
type Outcome int

const (
	// Completed means the stage did its work.
	Completed Outcome = iota
	// Skipped means the card had already moved past the stage.
	Skipped
)

func (o Outcome) String() string {
	if o == Skipped {
		return "skipped"
	}
	return "completed"
}

// Job identifies one stage run.
type Job struct {
	ChainID  string
	CardID   string
	Channel  string
	CardName string
	Comment  string // revision feedback
}

// ChannelLookup resolves the channel a job was dispatched for.
type ChannelLookup interface {
	Lookup(ctx context.Context, name string) (channels.Channel, bool)
}

// Executor runs stages.
type Executor struct {
	cards     Cards
	writer    ScriptWriter
	voice     Voice
	research  Researcher
	store     Store
	channels  ChannelLookup
	vocab     *cardstate.Vocabulary
	notifier  notify.Notifier
	publicURL string
	now       func() time.Time
}

// Opts holds the executor's collaborators.
type Opts struct {
	Cards      Cards
	Writer     ScriptWriter
	Voice      Voice
	Researcher Researcher // optional
	Store      Store
	Channels   ChannelLookup
	Vocabulary *cardstate.Vocabulary
	Notifier   notify.Notifier // optional
	PublicURL  string          // base for edit links; empty omits them
	Now        func() time.Time
}

// New creates an Executor.
func New(opts Opts) (*Executor, error) {
	switch {
	case opts.Cards == nil:
		return nil, fmt.Errorf("stages: cards client is required")
	case opts.Writer == nil:
		return nil, fmt.Errorf("stages: script writer is required")
	case opts.Voice == nil:
		return nil, fmt.Errorf("stages: voice client is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("stages: store is required")
	case opts.Channels == nil:
		return nil, fmt.Errorf("stages: channel lookup is required")
	case opts.Vocabulary == nil:
		return nil, fmt.Errorf("stages: label vocabulary is required")
	}
	e := &Executor{
		cards:     opts.Cards,
		writer:    opts.Writer,
		voice:     opts.Voice,
		research:  opts.Researcher,
		store:     opts.Store,
		channels:  opts.Channels,
		vocab:     opts.Vocabulary,
		notifier:  opts.Notifier,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		now:       opts.Now,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Run dispatches job to the named stage.
func (e *Executor) Run(ctx context.Context, stage string, job Job) (Outcome, error) {
	switch stage {
	case StageWriteScript:
		return e.WriteScript(ctx, job)
	case StageReviseScript:
		return Completed, e.ReviseScript(ctx, job)
	case StageGenerateVoice:
		return Completed, e.GenerateVoice(ctx, job)
	case StageDeliver:
		return Completed, e.Deliver(ctx, job)
	}
	return Completed, Permanent(fmt.Errorf("stages: unknown stage %q", stage))
}

func (e *Executor) channel(ctx context.Context, name string) (channels.Channel, error) {
	ch, ok := e.channels.Lookup(ctx, name)
	if !ok {
		return channels.Channel{}, Permanent(fmt.Errorf("%w: %s", ErrUnknownChannel, name))
	}
	return ch, nil
}

func (e *Executor) editLink(cardID string) string {
	if e.publicURL == "" {
		return ""
	}
	return fmt.Sprintf("\n\n[Edit script](%s/script/edit/%s)", e.publicURL, cardID)
}

// swapLabel removes from and adds to.
func (e *Executor) swapLabel(ctx context.Context, cardID string, from, to cardstate.State) error {
	if err := e.cards.RemoveLabel(ctx, cardID, e.vocab.Label(from)); err != nil {
		return err
	}
	return e.cards.AddLabel(ctx, cardID, e.vocab.Label(to))
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func charCount(s string) int {
	return utf8.RuneCountInString(s)
}

// seconds rounds d to tenths of a second.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func megabytes(n int) float64 {
	return float64(n) / (1024 * 1024)
}

func logf(job Job, format string, args ...any) {
	log.Printf("stages: card=%s chain=%s: %s", job.CardID, job.ChainID, fmt.Sprintf(format, args...))
}
