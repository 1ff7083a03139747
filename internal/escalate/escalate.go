// Package escalate surfaces a pipeline chain that ran out of retries: the
// card gets the error label and one explanatory comment, and a chat notice
// goes out.
package escalate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/notify"
)

// cardTimeout bounds the card writes made while escalating.
const cardTimeout = 30 * time.Second

// Failure describes a chain that failed terminally.
type Failure struct {
	ChainID  string
	JobID    string
	Stage    string
	CardID   string
	Channel  string
	CardName string
	Err      error
	Attempts int
}

// Cards is the subset of the card tracker escalation writes to.
type Cards interface {
	AddLabel(ctx context.Context, cardID, label string) error
	Comment(ctx context.Context, cardID, text string) error
}

// Escalator reports terminal failures.
type Escalator struct {
	cards    Cards
	vocab    *cardstate.Vocabulary
	notifier notify.Notifier
}

// New creates an Escalator. A nil notifier sends no chat notices.
func New(cards Cards, vocab *cardstate.Vocabulary, notifier notify.Notifier) (*Escalator, error) {
	if cards == nil {
		return nil, fmt.Errorf("escalate: cards client is required")
	}
	if vocab == nil {
		return nil, fmt.Errorf("escalate: label vocabulary is required")
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Escalator{cards: cards, vocab: vocab, notifier: notifier}, nil
}

// Comment renders the card comment for f.
func Comment(f Failure) string {
	return fmt.Sprintf("**Snap Pipeline Error**\n\nSnap pipeline failed at stage %s (task: %s). Check worker logs for details.",
		f.Stage, f.ChainID)
}

// Escalate labels and comments on the card and sends a notice. It never
// fails; every problem is logged and swallowed.
func (e *Escalator) Escalate(ctx context.Context, f Failure) {
	log.Printf("escalate: card=%s chain=%s stage=%s failed after %d attempt(s): %v",
		f.CardID, f.ChainID, f.Stage, f.Attempts, f.Err)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cardTimeout)
	defer cancel()

	if err := e.cards.AddLabel(ctx, f.CardID, e.vocab.Label(cardstate.Error)); err != nil {
		log.Printf("escalate: card=%s: add error label: %v", f.CardID, err)
	}
	if err := e.cards.Comment(ctx, f.CardID, Comment(f)); err != nil {
		log.Printf("escalate: card=%s: comment: %v", f.CardID, err)
	}

	cause := "unknown error"
	if f.Err != nil {
		cause = f.Err.Error()
	}
	evt := notify.Event{
		Kind:     notify.KindFailed,
		CardID:   f.CardID,
		CardName: f.CardName,
		Channel:  f.Channel,
		Body:     cause,
		Fields: []notify.Field{
			{Name: "Stage", Value: f.Stage, Short: true},
			{Name: "Attempts", Value: fmt.Sprintf("%d", f.Attempts), Short: true},
			{Name: "Chain", Value: f.ChainID},
		},
	}
	if err := e.notifier.Notify(ctx, evt); err != nil {
		log.Printf("escalate: card=%s: notify: %v", f.CardID, err)
	}
}
