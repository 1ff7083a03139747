package stages

import (
	"context"
	"fmt"

	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/kvstore"
	"github.com/zulandar/snapline/internal/notify"
)

// GenerateVoice synthesizes the reviewed script with the channel's voice
// and parks the audio for delivery.
func (e *Executor) GenerateVoice(ctx context.Context, job Job) error {
	start := e.now()

	script, ok, err := e.store.GetString(ctx, kvstore.ScriptKey(job.CardID))
	if err != nil {
		return fmt.Errorf("stages: generate voice: load script: %w", err)
	}
	if !ok || !kvstore.IsScript(script) {
		return Permanent(fmt.Errorf("stages: generate voice: %w", ErrScriptExpired))
	}

	ch, err := e.channel(ctx, job.Channel)
	if err != nil {
		return err
	}

	if err := e.cards.AddLabel(ctx, job.CardID, e.vocab.Label(cardstate.GeneratingVoice)); err != nil {
		return fmt.Errorf("stages: generate voice: add label: %w", err)
	}

	speech, err := e.voice.Generate(ctx, script, ch.VoiceID)
	if err != nil {
		return fmt.Errorf("stages: generate voice: %w", err)
	}
	if err := e.store.Set(ctx, kvstore.AudioKey(job.CardID), speech.Audio, kvstore.AudioTTL); err != nil {
		return fmt.Errorf("stages: generate voice: store audio: %w", err)
	}

	if err := e.store.MergeJSON(ctx, kvstore.StatsKey(job.CardID), map[string]any{
		"voice_duration":   seconds(speech.Duration),
		"audio_size_bytes": len(speech.Audio),
	}, kvstore.StatsTTL); err != nil {
		logf(job, "could not record stats: %v", err)
	}

	logf(job, "voice generated: %.1f MB, voice=%s, %.1fs",
		megabytes(len(speech.Audio)), ch.VoiceID, seconds(e.now().Sub(start)))
	return nil
}

// Deliver attaches the audio and final script to the card, moves it to the
// ready list and marks it done. The audio blob is dropped only after every
// card write succeeded, so a retried delivery still has it.
func (e *Executor) Deliver(ctx context.Context, job Job) error {
	start := e.now()

	audio, ok, err := e.store.Get(ctx, kvstore.AudioKey(job.CardID))
	if err != nil {
		return fmt.Errorf("stages: deliver: load audio: %w", err)
	}
	if !ok || len(audio) == 0 {
		return Permanent(fmt.Errorf("stages: deliver: %w", ErrAudioMissing))
	}
	script, _, err := e.store.GetString(ctx, kvstore.ScriptKey(job.CardID))
	if err != nil {
		return fmt.Errorf("stages: deliver: load script: %w", err)
	}
	if !kvstore.IsScript(script) {
		script = ""
	}

	if err := e.cards.AttachBinary(ctx, job.CardID, "voice.mp3", audio, "audio/mpeg"); err != nil {
		return fmt.Errorf("stages: deliver: attach voice: %w", err)
	}
	if script != "" {
		if err := e.cards.AttachText(ctx, job.CardID, "script.txt", script); err != nil {
			return fmt.Errorf("stages: deliver: attach script: %w", err)
		}
	}

	words := WordCount(script)
	comment := fmt.Sprintf("**Snap Delivered**\n\nVoice: %.1f MB | Script: %d words\nReady for video editing.",
		megabytes(len(audio)), words)
	if err := e.cards.Comment(ctx, job.CardID, comment); err != nil {
		return fmt.Errorf("stages: deliver: comment: %w", err)
	}

	if err := e.cards.MoveToList(ctx, job.CardID, e.vocab.ReadyList()); err != nil {
		return fmt.Errorf("stages: deliver: move card: %w", err)
	}
	for _, label := range e.vocab.Labels(cardstate.Trigger, cardstate.Review, cardstate.Approved, cardstate.GeneratingVoice) {
		if err := e.cards.RemoveLabel(ctx, job.CardID, label); err != nil {
			return fmt.Errorf("stages: deliver: remove %q: %w", label, err)
		}
	}
	if err := e.cards.AddLabel(ctx, job.CardID, e.vocab.Label(cardstate.Done)); err != nil {
		return fmt.Errorf("stages: deliver: add done label: %w", err)
	}

	duration := e.now().Sub(start)
	if err := e.store.MergeJSON(ctx, kvstore.StatsKey(job.CardID), map[string]any{
		"step_deliver_duration": seconds(duration),
	}, kvstore.StatsTTL); err != nil {
		logf(job, "could not record stats: %v", err)
	}
	if _, err := e.store.Delete(ctx, kvstore.AudioKey(job.CardID)); err != nil {
		logf(job, "could not delete audio: %v", err)
	}

	e.announce(ctx, job, words, len(audio))
	logf(job, "snap delivered in %.1fs", seconds(duration))
	return nil
}

func (e *Executor) announce(ctx context.Context, job Job, words, audioBytes int) {
	evt := notify.Event{
		Kind:     notify.KindDelivered,
		CardID:   job.CardID,
		CardName: job.CardName,
		Channel:  job.Channel,
		Body:     "Voice-over and script are attached. Ready for video editing.",
		Fields: []notify.Field{
			{Name: "Script", Value: fmt.Sprintf("%d words", words), Short: true},
			{Name: "Voice", Value: fmt.Sprintf("%.1f MB", megabytes(audioBytes)), Short: true},
		},
	}
	if ch, ok := e.channels.Lookup(ctx, job.Channel); ok {
		evt.RoleID = ch.DiscordRoleID
		evt.Channel = ch.Name
	}
	if err := e.notifier.Notify(ctx, evt); err != nil {
		logf(job, "delivery notice failed: %v", err)
	}
}
