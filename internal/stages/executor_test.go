package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/channels"
	"github.com/zulandar/snapline/internal/config"
	"github.com/zulandar/snapline/internal/kvstore"
	"github.com/zulandar/snapline/internal/notify"
	"github.com/zulandar/snapline/internal/testsupport"
)

// fakeCards records every mutation as a short call string.
type fakeCards struct {
	mu          sync.Mutex
	card        Card
	getErr      error
	attachments []Attachment
	calls       []string
	texts       map[string]string
	binary      []byte
	comments    []string
	failOn      string
}

func newFakeCards(labels ...string) *fakeCards {
	return &fakeCards{
		card:  Card{ID: "C1", Name: "Big News", Desc: "cover this", Labels: labels},
		texts: map[string]string{},
	}
}

func (f *fakeCards) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return fmt.Errorf("trello: %s: boom", call)
	}
	return nil
}

func (f *fakeCards) GetCard(_ context.Context, cardID string) (*Card, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	c := f.card
	return &c, nil
}

func (f *fakeCards) Attachments(context.Context, string) ([]Attachment, error) {
	return f.attachments, nil
}

func (f *fakeCards) AttachText(_ context.Context, _, filename, content string) error {
	f.texts[filename] = content
	return f.record("attach:" + filename)
}

func (f *fakeCards) AttachBinary(_ context.Context, _, filename string, data []byte, _ string) error {
	f.binary = data
	return f.record("attach:" + filename)
}

func (f *fakeCards) AddLabel(_ context.Context, _, label string) error {
	return f.record("add:" + label)
}

func (f *fakeCards) RemoveLabel(_ context.Context, _, label string) error {
	return f.record("remove:" + label)
}

func (f *fakeCards) Comment(_ context.Context, _, text string) error {
	f.comments = append(f.comments, text)
	return f.record("comment")
}

func (f *fakeCards) MoveToList(_ context.Context, _, list string) error {
	return f.record("move:" + list)
}

type fakeWriter struct {
	script    string
	err       error
	writeReqs []ScriptRequest
	reviseReq []RevisionRequest
}

func (w *fakeWriter) result() (*ScriptResult, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &ScriptResult{
		Script:   w.script,
		Research: "=== RESEARCH LOG ===",
		Usage:    Usage{InputTokens: 100, OutputTokens: 200, CostUSD: 0.5, Duration: 12 * time.Second},
	}, nil
}

func (w *fakeWriter) Write(_ context.Context, req ScriptRequest) (*ScriptResult, error) {
	w.writeReqs = append(w.writeReqs, req)
	return w.result()
}

func (w *fakeWriter) Revise(_ context.Context, req RevisionRequest) (*ScriptResult, error) {
	w.reviseReq = append(w.reviseReq, req)
	return w.result()
}

type fakeVoice struct {
	voiceID string
	err     error
}

func (v *fakeVoice) Generate(_ context.Context, text, voiceID string) (*Speech, error) {
	v.voiceID = voiceID
	if v.err != nil {
		return nil, v.err
	}
	return &Speech{Audio: []byte("ID3-audio"), Duration: 3 * time.Second}, nil
}

type fakeResearch struct {
	ctx *ResearchContext
	err error
}

func (r *fakeResearch) Prepare(context.Context, string) (*ResearchContext, error) {
	return r.ctx, r.err
}

type staticChannels struct{ snap *channels.Snapshot }

func (s staticChannels) Lookup(_ context.Context, name string) (channels.Channel, bool) {
	return s.snap.Lookup(name)
}

type recordingNotifier struct{ events []notify.Event }

func (n *recordingNotifier) Notify(_ context.Context, evt notify.Event) error {
	n.events = append(n.events, evt)
	return nil
}

func longScript(words int) string {
	return strings.TrimSpace(strings.Repeat("word ", words))
}

type harness struct {
	exec     *Executor
	cards    *fakeCards
	writer   *fakeWriter
	voice    *fakeVoice
	research *fakeResearch
	store    *kvstore.Store
	notifier *recordingNotifier
}

func newHarness(t *testing.T, labels ...string) *harness {
	t.Helper()
	store, err := kvstore.New(testsupport.OpenDB(t))
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	h := &harness{
		cards:    newFakeCards(labels...),
		writer:   &fakeWriter{script: longScript(120)},
		voice:    &fakeVoice{},
		research: &fakeResearch{ctx: &ResearchContext{Instructions: "be brief"}},
		store:    store,
		notifier: &recordingNotifier{},
	}
	vocab := cardstate.NewVocabulary(config.LabelsConfig{
		Trigger:         "Snap script",
		Writing:         "Snap: Writing Script",
		Review:          "Snap: Script Ready",
		Approved:        "Snap Approved",
		GeneratingVoice: "Snap: Generating Voice",
		Done:            "Snap: Done",
		Error:           "Snap: Error",
		ReadyList:       "Videos in Edit",
		ChannelSuffix:   "(Snap)",
	})
	snap := channels.NewSnapshot([]channels.Channel{
		{Name: "ShowA (Snap)", Prompt: "Write about INSERT TITLE.", VoiceID: "voice-a", DiscordRoleID: "999"},
	})
	h.exec, err = New(Opts{
		Cards:      h.cards,
		Writer:     h.writer,
		Voice:      h.voice,
		Researcher: h.research,
		Store:      store,
		Channels:   staticChannels{snap},
		Vocabulary: vocab,
		Notifier:   h.notifier,
		PublicURL:  "https://snap.example.com/",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

var testJob = Job{ChainID: "chain-1", CardID: "C1", Channel: "ShowA (Snap)", CardName: "Big News"}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Opts{})
	if err == nil || !strings.Contains(err.Error(), "cards client is required") {
		t.Errorf("New(empty) error = %v", err)
	}
}

func TestWriteScript_HappyPath(t *testing.T) {
	h := newHarness(t, "Snap script", "ShowA (Snap)")
	h.research.ctx.Articles = []Article{{URL: "https://a", Content: "text"}}
	h.cards.attachments = []Attachment{
		{Name: "pic.png", URL: "https://img/pic.png", MimeType: "image/png"},
		{Name: "notes.pdf", URL: "https://x/notes.pdf", MimeType: "application/pdf"},
	}
	ctx := context.Background()

	out, err := h.exec.WriteScript(ctx, testJob)
	if err != nil {
		t.Fatalf("WriteScript: %v", err)
	}
	if out != Completed {
		t.Errorf("outcome = %v, want completed", out)
	}

	req := h.writer.writeReqs[0]
	if req.SystemPrompt != "Write about Big News." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if req.Instructions != "be brief" || len(req.Articles) != 1 {
		t.Errorf("request research = %q / %d articles", req.Instructions, len(req.Articles))
	}
	if len(req.Images) != 1 || req.Images[0].Name != "pic.png" {
		t.Errorf("images = %+v, want only pic.png", req.Images)
	}

	got, ok, _ := h.store.GetString(ctx, kvstore.ScriptKey("C1"))
	if !ok || got != h.writer.script {
		t.Error("script was not stored")
	}
	if h.cards.texts["research.txt"] != "=== RESEARCH LOG ===" {
		t.Errorf("research.txt = %q", h.cards.texts["research.txt"])
	}

	want := []string{
		"add:Snap: Writing Script",
		"attach:script.txt",
		"attach:research.txt",
		"comment",
		"remove:Snap: Writing Script",
		"add:Snap: Script Ready",
	}
	if strings.Join(h.cards.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", h.cards.calls, want)
	}

	c := h.cards.comments[0]
	for _, part := range []string{
		"**Snap Script Generated** (120 words",
		"Cost: $0.50 | Tokens: 100 in / 200 out | Time: 12.0s | 1 article(s) fetched | 1 image(s)",
		"add **Snap Approved** label",
		"[Edit script](https://snap.example.com/script/edit/C1)",
	} {
		if !strings.Contains(c, part) {
			t.Errorf("comment missing %q:\n%s", part, c)
		}
	}

	stats, _ := h.store.GetJSON(ctx, kvstore.StatsKey("C1"))
	if stats["script_word_count"] != float64(120) || stats["script_cost_usd"] != 0.5 {
		t.Errorf("stats = %v", stats)
	}
}

func TestWriteScript_StaleCardSkippedWithoutMutation(t *testing.T) {
	for _, label := range []string{"Snap: Script Ready", "snap approved", "Snap: Generating Voice", "Snap: Done"} {
		t.Run(label, func(t *testing.T) {
			h := newHarness(t, "Snap script", "ShowA (Snap)", label)
			out, err := h.exec.WriteScript(context.Background(), testJob)
			if err != nil {
				t.Fatalf("WriteScript: %v", err)
			}
			if out != Skipped {
				t.Errorf("outcome = %v, want skipped", out)
			}
			if len(h.cards.calls) != 0 {
				t.Errorf("card mutated: %v", h.cards.calls)
			}
			if len(h.writer.writeReqs) != 0 {
				t.Error("writer called for a stale card")
			}
		})
	}
}

func TestWriteScript_LabelFetchFailureProceeds(t *testing.T) {
	h := newHarness(t)
	h.cards.getErr = errors.New("timeout")

	_, err := h.exec.WriteScript(context.Background(), testJob)
	if err == nil {
		t.Fatal("expected error once the description cannot be read")
	}
	if IsPermanent(err) {
		t.Error("transient card read must stay retryable")
	}
	if len(h.cards.calls) == 0 || h.cards.calls[0] != "add:Snap: Writing Script" {
		t.Errorf("calls = %v, want writing label added before failing", h.cards.calls)
	}
}

func TestWriteScript_TooShortIsRetryable(t *testing.T) {
	h := newHarness(t, "Snap script")
	h.writer.script = longScript(MinWords - 1)

	_, err := h.exec.WriteScript(context.Background(), testJob)
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("error = %v, want ErrTooShort", err)
	}
	if IsPermanent(err) {
		t.Error("short script must be retryable")
	}
	if _, ok, _ := h.store.Get(context.Background(), kvstore.ScriptKey("C1")); ok {
		t.Error("short script must not be stored")
	}
}

func TestWriteScript_ResearchFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.research.ctx = nil
	h.research.err = errors.New("dns")

	if _, err := h.exec.WriteScript(context.Background(), testJob); err != nil {
		t.Fatalf("WriteScript: %v", err)
	}
	if h.writer.writeReqs[0].Instructions != "" {
		t.Error("expected empty instructions after failed research")
	}
}

func TestWriteScript_UnknownChannelIsPermanent(t *testing.T) {
	h := newHarness(t)
	job := testJob
	job.Channel = "Gone (Snap)"

	_, err := h.exec.WriteScript(context.Background(), job)
	if !errors.Is(err, ErrUnknownChannel) || !IsPermanent(err) {
		t.Errorf("error = %v, want permanent ErrUnknownChannel", err)
	}
}

func TestReviseScript_HappyPath(t *testing.T) {
	h := newHarness(t, "Snap: Script Ready")
	ctx := context.Background()
	h.store.Set(ctx, kvstore.ScriptKey("C1"), []byte("old script"), time.Hour)
	h.store.MergeJSON(ctx, kvstore.StatsKey("C1"), map[string]any{"revision_count": 1}, time.Hour)
	h.writer.script = longScript(80)

	job := testJob
	job.Comment = "make it punchier"
	if err := h.exec.ReviseScript(ctx, job); err != nil {
		t.Fatalf("ReviseScript: %v", err)
	}

	req := h.writer.reviseReq[0]
	if req.Script != "old script" || req.Feedback != "make it punchier" {
		t.Errorf("revision request = %+v", req)
	}
	got, _, _ := h.store.GetString(ctx, kvstore.ScriptKey("C1"))
	if got != h.writer.script {
		t.Error("revised script not stored")
	}
	want := []string{"add:Snap: Writing Script", "attach:script.txt", "comment", "remove:Snap: Writing Script"}
	if strings.Join(h.cards.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", h.cards.calls, want)
	}
	if !strings.HasPrefix(h.cards.comments[0], "**Snap Script Revised** (80 words)\nCost: $0.5000") {
		t.Errorf("comment = %q", h.cards.comments[0])
	}
	stats, _ := h.store.GetJSON(ctx, kvstore.StatsKey("C1"))
	if stats["revision_count"] != float64(2) {
		t.Errorf("revision_count = %v, want 2", stats["revision_count"])
	}
}

func TestReviseScript_MissingOrPlaceholderIsPermanent(t *testing.T) {
	for _, stored := range []string{"", kvstore.InProgress} {
		h := newHarness(t)
		if stored != "" {
			h.store.Set(context.Background(), kvstore.ScriptKey("C1"), []byte(stored), time.Hour)
		}
		err := h.exec.ReviseScript(context.Background(), testJob)
		if !errors.Is(err, ErrScriptExpired) || !IsPermanent(err) {
			t.Errorf("stored=%q: error = %v, want permanent ErrScriptExpired", stored, err)
		}
		if len(h.cards.calls) != 0 {
			t.Errorf("stored=%q: card mutated: %v", stored, h.cards.calls)
		}
	}
}

func TestReviseScript_RefusalIsRetryableAndKeepsScript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Set(ctx, kvstore.ScriptKey("C1"), []byte("old script"), time.Hour)
	h.writer.script = "I Can't Help With that request. " + longScript(60)

	err := h.exec.ReviseScript(ctx, testJob)
	if !errors.Is(err, ErrRefusal) || IsPermanent(err) {
		t.Fatalf("error = %v, want retryable ErrRefusal", err)
	}
	got, _, _ := h.store.GetString(ctx, kvstore.ScriptKey("C1"))
	if got != "old script" {
		t.Errorf("script = %q, want unchanged", got)
	}
	last := h.cards.calls[len(h.cards.calls)-1]
	if last != "remove:Snap: Writing Script" {
		t.Errorf("last call = %q, want writing label removed", last)
	}
}

func TestIsRefusal(t *testing.T) {
	if !IsRefusal("Sorry, I MUST DECLINE.") {
		t.Error("expected case-insensitive match")
	}
	if IsRefusal("A normal script about declining markets.") {
		t.Error("unexpected refusal match")
	}
}

func TestGenerateVoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Set(ctx, kvstore.ScriptKey("C1"), []byte("the script"), time.Hour)

	if err := h.exec.GenerateVoice(ctx, testJob); err != nil {
		t.Fatalf("GenerateVoice: %v", err)
	}
	if h.voice.voiceID != "voice-a" {
		t.Errorf("voice id = %q, want voice-a", h.voice.voiceID)
	}
	audio, ok, _ := h.store.Get(ctx, kvstore.AudioKey("C1"))
	if !ok || string(audio) != "ID3-audio" {
		t.Error("audio not stored")
	}
	if h.cards.calls[0] != "add:Snap: Generating Voice" {
		t.Errorf("calls = %v", h.cards.calls)
	}
	stats, _ := h.store.GetJSON(ctx, kvstore.StatsKey("C1"))
	if stats["audio_size_bytes"] != float64(len("ID3-audio")) {
		t.Errorf("stats = %v", stats)
	}
}

func TestGenerateVoice_MissingScriptIsPermanent(t *testing.T) {
	h := newHarness(t)
	err := h.exec.GenerateVoice(context.Background(), testJob)
	if !IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}

func TestGenerateVoice_TTSFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.store.Set(context.Background(), kvstore.ScriptKey("C1"), []byte("the script"), time.Hour)
	h.voice.err = errors.New("elevenlabs: 503")

	err := h.exec.GenerateVoice(context.Background(), testJob)
	if err == nil || IsPermanent(err) {
		t.Errorf("error = %v, want retryable", err)
	}
}

func TestDeliver_OrderAndCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Set(ctx, kvstore.ScriptKey("C1"), []byte("one two three"), time.Hour)
	h.store.Set(ctx, kvstore.AudioKey("C1"), make([]byte, 2*1024*1024), time.Hour)

	if err := h.exec.Deliver(ctx, testJob); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := []string{
		"attach:voice.mp3",
		"attach:script.txt",
		"comment",
		"move:Videos in Edit",
		"remove:Snap script",
		"remove:Snap: Script Ready",
		"remove:Snap Approved",
		"remove:Snap: Generating Voice",
		"add:Snap: Done",
	}
	if strings.Join(h.cards.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", h.cards.calls, want)
	}
	if h.cards.comments[0] != "**Snap Delivered**\n\nVoice: 2.0 MB | Script: 3 words\nReady for video editing." {
		t.Errorf("comment = %q", h.cards.comments[0])
	}
	if _, ok, _ := h.store.Get(ctx, kvstore.AudioKey("C1")); ok {
		t.Error("audio should be deleted after delivery")
	}
	stats, _ := h.store.GetJSON(ctx, kvstore.StatsKey("C1"))
	if _, ok := stats["step_deliver_duration"]; !ok {
		t.Errorf("stats = %v, want step_deliver_duration", stats)
	}

	if len(h.notifier.events) != 1 {
		t.Fatalf("notices = %d, want 1", len(h.notifier.events))
	}
	evt := h.notifier.events[0]
	if evt.Kind != notify.KindDelivered || evt.RoleID != "999" {
		t.Errorf("notice = %+v, want delivered with role 999", evt)
	}
}

func TestDeliver_WithoutScript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Set(ctx, kvstore.AudioKey("C1"), []byte("mp3"), time.Hour)

	if err := h.exec.Deliver(ctx, testJob); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	for _, c := range h.cards.calls {
		if c == "attach:script.txt" {
			t.Error("script.txt attached without a script")
		}
	}
}

func TestDeliver_FailureKeepsAudioForRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Set(ctx, kvstore.AudioKey("C1"), []byte("mp3"), time.Hour)
	h.cards.failOn = "move:"

	err := h.exec.Deliver(ctx, testJob)
	if err == nil || IsPermanent(err) {
		t.Fatalf("error = %v, want retryable", err)
	}
	if _, ok, _ := h.store.Get(ctx, kvstore.AudioKey("C1")); !ok {
		t.Error("audio must survive a failed delivery")
	}
	if len(h.notifier.events) != 0 {
		t.Error("no notice expected for a failed delivery")
	}
}

func TestDeliver_MissingAudioIsPermanent(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Deliver(context.Background(), testJob)
	if !errors.Is(err, ErrAudioMissing) || !IsPermanent(err) {
		t.Errorf("error = %v, want permanent ErrAudioMissing", err)
	}
	if len(h.cards.calls) != 0 {
		t.Errorf("card mutated: %v", h.cards.calls)
	}
}

func TestRun_UnknownStage(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec.Run(context.Background(), "publish", testJob)
	if !IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}

func TestRun_DispatchesByName(t *testing.T) {
	h := newHarness(t, "Snap: Done")
	out, err := h.exec.Run(context.Background(), StageWriteScript, testJob)
	if err != nil || out != Skipped {
		t.Errorf("Run(write_script) = (%v, %v), want skipped", out, err)
	}
}
