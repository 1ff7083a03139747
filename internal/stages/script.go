package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/kvstore"
)

// previewChars is how much of a new script is quoted in the card comment.
const previewChars = 500

// refusalPhrases mark output where the writer declined instead of revising.
var refusalPhrases = []string{
	"i can't revise",
	"i cannot create",
	"i can't create",
	"i appreciate you sharing",
	"crosses an ethical line",
	"deliberately deceives",
	"i'm not able to",
	"i cannot write",
	"i can't write",
	"i need to decline",
	"i must decline",
	"misleading clickbait",
	"i cannot help with",
	"i can't help with",
}

// IsRefusal reports whether text contains a refusal phrase.
func IsRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range refusalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// systemPrompt renders a channel prompt for a card.
func systemPrompt(prompt, cardName string) string {
	return strings.ReplaceAll(prompt, "INSERT TITLE", cardName)
}

// WriteScript researches the card, generates a script and hands the card to
// review. A card that already carries a later-stage label is skipped without
// any mutation.
func (e *Executor) WriteScript(ctx context.Context, job Job) (Outcome, error) {
	start := e.now()

	card, err := e.cards.GetCard(ctx, job.CardID)
	if err != nil {
		logf(job, "could not check card labels (proceeding): %v", err)
	} else {
		set := e.vocab.Parse(card.Labels)
		if set.Any(cardstate.Review, cardstate.Approved, cardstate.GeneratingVoice, cardstate.Done) {
			logf(job, "skipping stale write_script, card is already past writing")
			return Skipped, nil
		}
	}

	ch, err := e.channel(ctx, job.Channel)
	if err != nil {
		return Completed, err
	}

	if err := e.cards.AddLabel(ctx, job.CardID, e.vocab.Label(cardstate.Writing)); err != nil {
		return Completed, fmt.Errorf("stages: write script: add writing label: %w", err)
	}

	var desc string
	if card != nil {
		desc = card.Desc
	} else if c, err := e.cards.GetCard(ctx, job.CardID); err == nil {
		desc = c.Desc
	} else {
		return Completed, fmt.Errorf("stages: write script: get card: %w", err)
	}

	research := &ResearchContext{}
	if e.research != nil {
		rc, err := e.research.Prepare(ctx, desc)
		if err != nil {
			logf(job, "research failed (continuing without it): %v", err)
		} else if rc != nil {
			research = rc
		}
	}
	if len(research.Articles) > 0 {
		logf(job, "fetched %d article(s) from description links", len(research.Articles))
	}

	images, err := e.images(ctx, job.CardID)
	if err != nil {
		return Completed, fmt.Errorf("stages: write script: attachments: %w", err)
	}

	res, err := e.writer.Write(ctx, ScriptRequest{
		SystemPrompt: systemPrompt(ch.Prompt, job.CardName),
		Topic:        job.CardName,
		Instructions: research.Instructions,
		Articles:     research.Articles,
		Images:       images,
	})
	if err != nil {
		return Completed, fmt.Errorf("stages: write script: generate: %w", err)
	}
	words := WordCount(res.Script)
	if words < MinWords {
		return Completed, fmt.Errorf("stages: write script: %w (%d words, want %d)", ErrTooShort, words, MinWords)
	}

	if err := e.store.Set(ctx, kvstore.ScriptKey(job.CardID), []byte(res.Script), kvstore.ScriptTTL); err != nil {
		return Completed, fmt.Errorf("stages: write script: store: %w", err)
	}

	if err := e.cards.AttachText(ctx, job.CardID, "script.txt", res.Script); err != nil {
		return Completed, fmt.Errorf("stages: write script: attach script: %w", err)
	}
	if err := e.cards.AttachText(ctx, job.CardID, "research.txt", res.Research); err != nil {
		return Completed, fmt.Errorf("stages: write script: attach research: %w", err)
	}

	var extra string
	if n := len(research.Articles); n > 0 {
		extra += fmt.Sprintf(" | %d article(s) fetched", n)
	}
	if n := len(images); n > 0 {
		extra += fmt.Sprintf(" | %d image(s)", n)
	}
	comment := fmt.Sprintf("**Snap Script Generated** (%d words, %d chars)\n"+
		"Cost: $%.2f | Tokens: %d in / %d out | Time: %.1fs%s\n\n"+
		"Review the script and add **%s** label when ready.%s\n\n%s",
		words, charCount(res.Script),
		res.Usage.CostUSD, res.Usage.InputTokens, res.Usage.OutputTokens, seconds(res.Usage.Duration), extra,
		e.vocab.Label(cardstate.Approved), e.editLink(job.CardID),
		preview(res.Script, previewChars))
	if err := e.cards.Comment(ctx, job.CardID, comment); err != nil {
		return Completed, fmt.Errorf("stages: write script: comment: %w", err)
	}

	if err := e.swapLabel(ctx, job.CardID, cardstate.Writing, cardstate.Review); err != nil {
		return Completed, fmt.Errorf("stages: write script: move to review: %w", err)
	}

	duration := e.now().Sub(start)
	if err := e.store.MergeJSON(ctx, kvstore.StatsKey(job.CardID), map[string]any{
		"step_script_duration": seconds(duration),
		"script_word_count":    words,
		"script_char_count":    charCount(res.Script),
		"script_input_tokens":  res.Usage.InputTokens,
		"script_output_tokens": res.Usage.OutputTokens,
		"script_cost_usd":      res.Usage.CostUSD,
		"claude_duration":      seconds(res.Usage.Duration),
	}, kvstore.StatsTTL); err != nil {
		logf(job, "could not record stats: %v", err)
	}

	logf(job, "script done: %d words, $%.2f, %.1fs total", words, res.Usage.CostUSD, seconds(duration))
	return Completed, nil
}

// images lists the card's image attachments.
func (e *Executor) images(ctx context.Context, cardID string) ([]Image, error) {
	atts, err := e.cards.Attachments(ctx, cardID)
	if err != nil {
		return nil, err
	}
	var out []Image
	for _, a := range atts {
		if strings.HasPrefix(a.MimeType, "image/") && a.URL != "" {
			out = append(out, Image{Name: a.Name, URL: a.URL})
		}
	}
	return out, nil
}

// ReviseScript rewrites the stored script from producer feedback. The card
// stays in review; the writing label is shown only while the revision runs.
func (e *Executor) ReviseScript(ctx context.Context, job Job) error {
	start := e.now()

	current, ok, err := e.store.GetString(ctx, kvstore.ScriptKey(job.CardID))
	if err != nil {
		return fmt.Errorf("stages: revise script: load: %w", err)
	}
	if !ok || !kvstore.IsScript(current) {
		return Permanent(fmt.Errorf("stages: revise script: %w", ErrScriptExpired))
	}

	ch, err := e.channel(ctx, job.Channel)
	if err != nil {
		return err
	}

	writing := e.vocab.Label(cardstate.Writing)
	if err := e.cards.AddLabel(ctx, job.CardID, writing); err != nil {
		return fmt.Errorf("stages: revise script: add writing label: %w", err)
	}
	defer func() {
		if err := e.cards.RemoveLabel(context.WithoutCancel(ctx), job.CardID, writing); err != nil {
			logf(job, "could not remove writing label: %v", err)
		}
	}()

	res, err := e.writer.Revise(ctx, RevisionRequest{
		SystemPrompt: systemPrompt(ch.Prompt, job.CardName),
		Script:       current,
		Feedback:     job.Comment,
	})
	if err != nil {
		return fmt.Errorf("stages: revise script: generate: %w", err)
	}
	if IsRefusal(res.Script) {
		return fmt.Errorf("stages: revise script: %w", ErrRefusal)
	}
	words := WordCount(res.Script)
	if words < MinWords {
		return fmt.Errorf("stages: revise script: %w (%d words, want %d)", ErrTooShort, words, MinWords)
	}

	if err := e.store.Set(ctx, kvstore.ScriptKey(job.CardID), []byte(res.Script), kvstore.ScriptTTL); err != nil {
		return fmt.Errorf("stages: revise script: store: %w", err)
	}
	if err := e.cards.AttachText(ctx, job.CardID, "script.txt", res.Script); err != nil {
		return fmt.Errorf("stages: revise script: attach script: %w", err)
	}

	comment := fmt.Sprintf("**Snap Script Revised** (%d words)\n"+
		"Cost: $%.4f | Time: %.1fs\n\n"+
		"Review and add **%s** label when ready.%s",
		words, res.Usage.CostUSD, seconds(res.Usage.Duration),
		e.vocab.Label(cardstate.Approved), e.editLink(job.CardID))
	if err := e.cards.Comment(ctx, job.CardID, comment); err != nil {
		return fmt.Errorf("stages: revise script: comment: %w", err)
	}

	stats, err := e.store.GetJSON(ctx, kvstore.StatsKey(job.CardID))
	if err != nil {
		logf(job, "could not read stats: %v", err)
	}
	revisions := 0
	if n, ok := stats["revision_count"].(float64); ok {
		revisions = int(n)
	}
	duration := e.now().Sub(start)
	if err := e.store.MergeJSON(ctx, kvstore.StatsKey(job.CardID), map[string]any{
		"revision_count":         revisions + 1,
		"step_revision_duration": seconds(duration),
		"script_word_count":      words,
		"script_char_count":      charCount(res.Script),
		"revision_cost_usd":      res.Usage.CostUSD,
	}, kvstore.StatsTTL); err != nil {
		logf(job, "could not record stats: %v", err)
	}

	logf(job, "revision done: %d words, $%.4f, %.1fs", words, res.Usage.CostUSD, seconds(duration))
	return nil
}
