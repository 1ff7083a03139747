package trello

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeBoard is an in-memory Trello board served over httptest.
type fakeBoard struct {
	mu          sync.Mutex
	boardLabels []label
	cardLabels  []label
	lists       []list
	comments    []string
	uploads     map[string]string // filename -> content type
	uploadData  map[string]string
	movedTo     string
	addStatus   int
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		boardLabels: []label{{ID: "l-review", Name: "Snap: Script Ready"}},
		lists:       []list{{ID: "list-1", Name: "Inbox"}, {ID: "list-2", Name: "Videos in Edit"}},
		uploads:     map[string]string{},
		uploadData:  map[string]string{},
	}
}

func (b *fakeBoard) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	check := func(r *http.Request) {
		if r.URL.Query().Get("key") != "k" || r.URL.Query().Get("token") != "tok" {
			t.Errorf("%s %s: missing auth params", r.Method, r.URL.Path)
		}
	}
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /cards/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		check(r)
		writeJSON(w, card{ID: r.PathValue("id"), Name: "Big News", Desc: "desc", Labels: b.cardLabels})
	})
	mux.HandleFunc("GET /cards/{id}/attachments", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		writeJSON(w, []attachment{{ID: "a1", Name: "pic.png", URL: "https://x/pic.png", MimeType: "image/png"}})
	})
	mux.HandleFunc("POST /cards/{id}/attachments", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		check(r)
		file, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		b.uploads[hdr.Filename] = hdr.Header.Get("Content-Type")
		b.uploadData[hdr.Filename] = string(data)
		writeJSON(w, attachment{ID: "new"})
	})
	mux.HandleFunc("GET /boards/{id}/labels", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		check(r)
		writeJSON(w, b.boardLabels)
	})
	mux.HandleFunc("POST /boards/{id}/labels", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		check(r)
		l := label{ID: "l-" + r.URL.Query().Get("name"), Name: r.URL.Query().Get("name"), Color: r.URL.Query().Get("color")}
		b.boardLabels = append(b.boardLabels, l)
		writeJSON(w, l)
	})
	mux.HandleFunc("POST /cards/{id}/idLabels", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		check(r)
		if b.addStatus != 0 {
			w.WriteHeader(b.addStatus)
			return
		}
		var body struct {
			Value string `json:"value"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		for _, l := range b.boardLabels {
			if l.ID == body.Value {
				b.cardLabels = append(b.cardLabels, l)
			}
		}
		writeJSON(w, []string{body.Value})
	})
	mux.HandleFunc("DELETE /cards/{id}/idLabels/{label}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		check(r)
		var kept []label
		for _, l := range b.cardLabels {
			if l.ID != r.PathValue("label") {
				kept = append(kept, l)
			}
		}
		b.cardLabels = kept
		writeJSON(w, map[string]any{})
	})
	mux.HandleFunc("POST /cards/{id}/actions/comments", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		check(r)
		b.comments = append(b.comments, r.URL.Query().Get("text"))
		writeJSON(w, map[string]any{})
	})
	mux.HandleFunc("GET /boards/{id}/lists", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		writeJSON(w, b.lists)
	})
	mux.HandleFunc("PUT /cards/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		check(r)
		b.movedTo = r.URL.Query().Get("idList")
		writeJSON(w, map[string]any{})
	})
	mux.HandleFunc("POST /webhooks", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		writeJSON(w, Webhook{ID: "wh-1", IDModel: r.URL.Query().Get("idModel"), CallbackURL: r.URL.Query().Get("callbackURL"), Active: true})
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeBoard) {
	t.Helper()
	board := newFakeBoard()
	srv := httptest.NewServer(board.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{APIKey: "k", Token: "tok", BoardID: "board-1", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, board
}

func TestNewClient_RequiresBoard(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"})
	if err == nil || !strings.Contains(err.Error(), "board id is required") {
		t.Errorf("error = %v", err)
	}
}

func TestGetCard(t *testing.T) {
	c, board := newTestClient(t)
	board.cardLabels = []label{{ID: "1", Name: "Snap script"}, {ID: "2", Name: "ShowA (Snap)"}}

	cd, err := c.GetCard(context.Background(), "C1")
	if err != nil {
		t.Fatalf("GetCard: %v", err)
	}
	if cd.ID != "C1" || cd.Name != "Big News" || cd.Desc != "desc" {
		t.Errorf("card = %+v", cd)
	}
	if strings.Join(cd.Labels, ",") != "Snap script,ShowA (Snap)" {
		t.Errorf("labels = %v", cd.Labels)
	}
}

func TestAddLabel_ExistingAndCreated(t *testing.T) {
	c, board := newTestClient(t)
	ctx := context.Background()

	if err := c.AddLabel(ctx, "C1", "snap: script ready"); err != nil {
		t.Fatalf("AddLabel existing: %v", err)
	}
	if err := c.AddLabel(ctx, "C1", "Snap: Done"); err != nil {
		t.Fatalf("AddLabel new: %v", err)
	}
	if len(board.boardLabels) != 2 {
		t.Fatalf("board labels = %+v, want one created", board.boardLabels)
	}
	if board.boardLabels[1].Color != "sky" {
		t.Errorf("created label color = %q, want sky", board.boardLabels[1].Color)
	}
	if len(board.cardLabels) != 2 {
		t.Errorf("card labels = %+v", board.cardLabels)
	}
}

func TestAddLabel_ConflictIsOK(t *testing.T) {
	c, board := newTestClient(t)
	board.addStatus = http.StatusConflict
	if err := c.AddLabel(context.Background(), "C1", "Snap: Script Ready"); err != nil {
		t.Errorf("AddLabel on 409 = %v, want nil", err)
	}
}

func TestAddLabel_ServerError(t *testing.T) {
	c, board := newTestClient(t)
	board.addStatus = http.StatusInternalServerError
	err := c.AddLabel(context.Background(), "C1", "Snap: Script Ready")
	if !IsStatus(err, http.StatusInternalServerError) {
		t.Errorf("error = %v, want 500 StatusError", err)
	}
}

func TestRemoveLabel(t *testing.T) {
	c, board := newTestClient(t)
	board.cardLabels = []label{{ID: "l-review", Name: "Snap: Script Ready"}, {ID: "x", Name: "Other"}}
	ctx := context.Background()

	if err := c.RemoveLabel(ctx, "C1", "SNAP: SCRIPT READY"); err != nil {
		t.Fatalf("RemoveLabel: %v", err)
	}
	if len(board.cardLabels) != 1 || board.cardLabels[0].Name != "Other" {
		t.Errorf("card labels = %+v", board.cardLabels)
	}
	if err := c.RemoveLabel(ctx, "C1", "not there"); err != nil {
		t.Errorf("RemoveLabel(missing) = %v, want nil", err)
	}
}

func TestComment(t *testing.T) {
	c, board := newTestClient(t)
	if err := c.Comment(context.Background(), "C1", "**Snap Delivered** & more"); err != nil {
		t.Fatalf("Comment: %v", err)
	}
	if len(board.comments) != 1 || board.comments[0] != "**Snap Delivered** & more" {
		t.Errorf("comments = %v", board.comments)
	}
}

func TestAttachments(t *testing.T) {
	c, board := newTestClient(t)
	ctx := context.Background()

	if err := c.AttachText(ctx, "C1", "script.txt", "hello"); err != nil {
		t.Fatalf("AttachText: %v", err)
	}
	if err := c.AttachBinary(ctx, "C1", "voice.mp3", []byte{0x49, 0x44, 0x33}, "audio/mpeg"); err != nil {
		t.Fatalf("AttachBinary: %v", err)
	}
	if board.uploads["script.txt"] != "text/plain" || board.uploadData["script.txt"] != "hello" {
		t.Errorf("script upload = %q %q", board.uploads["script.txt"], board.uploadData["script.txt"])
	}
	if board.uploads["voice.mp3"] != "audio/mpeg" || board.uploadData["voice.mp3"] != "ID3" {
		t.Errorf("voice upload = %q", board.uploads["voice.mp3"])
	}

	atts, err := c.Attachments(ctx, "C1")
	if err != nil {
		t.Fatalf("Attachments: %v", err)
	}
	if len(atts) != 1 || atts[0].MimeType != "image/png" {
		t.Errorf("attachments = %+v", atts)
	}
}

func TestMoveToList(t *testing.T) {
	c, board := newTestClient(t)
	ctx := context.Background()

	if err := c.MoveToList(ctx, "C1", "videos in edit"); err != nil {
		t.Fatalf("MoveToList: %v", err)
	}
	if board.movedTo != "list-2" {
		t.Errorf("moved to %q, want list-2", board.movedTo)
	}
	if err := c.MoveToList(ctx, "C1", "Archive"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("MoveToList(missing) error = %v", err)
	}
}

func TestRegisterWebhook(t *testing.T) {
	c, _ := newTestClient(t)
	wh, err := c.RegisterWebhook(context.Background(), "https://snap.example.com/webhooks/event", "snapline")
	if err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if wh.IDModel != "board-1" || wh.CallbackURL != "https://snap.example.com/webhooks/event" {
		t.Errorf("webhook = %+v", wh)
	}
}
