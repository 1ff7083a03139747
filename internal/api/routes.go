package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts Opts) {
	wh := handleWebhook(opts)
	for _, path := range []string{"/webhooks/event", "/webhooks/trello"} {
		router.HEAD(path, handleWebhookProbe())
		router.POST(path, wh)
	}

	reset := handleReset(opts.Gate)
	router.POST("/admin/reset/:card_id", reset)
	router.POST("/admin/reset-card/:card_id", reset)

	router.GET("/script/edit/:card_id", handleEditorPage(opts))
	router.POST("/script/edit/:card_id", handleEditorSave(opts))

	router.GET("/health", handleHealth())
}

// handleWebhookProbe answers the HEAD request Trello sends when a webhook
// is registered.
func handleWebhookProbe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Status(http.StatusOK)
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleReset(g Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		cardID := c.Param("card_id")
		n, err := g.Reset(c.Request.Context(), cardID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared", "card_id": cardID, "keys_deleted": n})
	}
}
