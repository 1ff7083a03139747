package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/snapline/internal/kvstore"
	"github.com/zulandar/snapline/internal/stages"
)

const unknownCard = "Unknown Card"

// editorPage is the data rendered into editor.html. Exactly one of Script
// or Message is shown.
type editorPage struct {
	CardID  string
	Title   string
	Script  string
	Message string
}

func handleEditorPage(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		cardID := c.Param("card_id")

		script, ok, err := opts.Store.GetString(ctx, kvstore.ScriptKey(cardID))
		if err != nil {
			log.Printf("api: editor read %s: %v", cardID, err)
			c.HTML(http.StatusInternalServerError, "editor.html", editorPage{Message: "Could not load the script. Try again shortly."})
			return
		}
		switch {
		case !ok:
			c.HTML(http.StatusOK, "editor.html", editorPage{Message: "Script not found. It may have expired."})
			return
		case script == kvstore.InProgress:
			c.HTML(http.StatusOK, "editor.html", editorPage{Message: "Script is being generated. Refresh in a minute."})
			return
		}

		title := unknownCard
		if card, err := opts.Cards.GetCard(ctx, cardID); err != nil {
			log.Printf("api: editor card name %s: %v", cardID, err)
		} else if card.Name != "" {
			title = card.Name
		}
		c.HTML(http.StatusOK, "editor.html", editorPage{CardID: cardID, Title: title, Script: script})
	}
}

type saveRequest struct {
	Script string `json:"script"`
}

// handleEditorSave replaces a stored script with a manual edit. The card
// is updated best effort; the stored script is the source of truth.
func handleEditorSave(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		cardID := c.Param("card_id")

		var req saveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
			return
		}
		if strings.TrimSpace(req.Script) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Script cannot be empty"})
			return
		}

		key := kvstore.ScriptKey(cardID)
		current, ok, err := opts.Store.GetString(ctx, key)
		switch {
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Store unavailable"})
			return
		case !ok:
			c.JSON(http.StatusNotFound, gin.H{"detail": "Script not found"})
			return
		case current == kvstore.InProgress:
			c.JSON(http.StatusConflict, gin.H{"detail": "Script is being generated"})
			return
		}

		if err := opts.Store.Set(ctx, key, []byte(req.Script), kvstore.ScriptTTL); err != nil {
			log.Printf("api: editor save %s: %v", cardID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Save failed"})
			return
		}

		words := stages.WordCount(req.Script)
		if err := opts.Cards.AttachText(ctx, cardID, "script.txt", req.Script); err != nil {
			log.Printf("api: editor attach %s: %v", cardID, err)
		}
		if err := opts.Cards.Comment(ctx, cardID, manualEditComment(words)); err != nil {
			log.Printf("api: editor comment %s: %v", cardID, err)
		}

		log.Printf("api: script edited via web card=%s words=%d", cardID, words)
		c.JSON(http.StatusOK, gin.H{"status": "saved", "word_count": words})
	}
}

func manualEditComment(words int) string {
	return "**Script Manually Edited** (" + strconv.Itoa(words) + " words)"
}
