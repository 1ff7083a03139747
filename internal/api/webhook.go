package api

import (
	"context"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/snapline/internal/pipeline"
	"github.com/zulandar/snapline/internal/router"
	"github.com/zulandar/snapline/internal/webhook"
)

// maxWebhookBody caps the size of a delivery body.
const maxWebhookBody = 1 << 20

// Response statuses.
const (
	statusIgnored        = "ignored"
	statusScriptEnqueued = "script_enqueued"
	statusRevisionQueued = "revision_queued"
	statusVoiceEnqueued  = "voice_enqueued"
	reasonNoCardID       = "no card_id"
	reasonScriptInFlight = "already processing"
	reasonVoiceInFlight  = "voice already processing"
)

// handleWebhook authenticates a delivery, routes it and dispatches the
// matching pipeline. Only a bad signature is rejected; every other
// non-actionable delivery is acknowledged with an "ignored" status so the
// sender does not retry it.
func handleWebhook(opts Opts) gin.HandlerFunc {
	secret := []byte(opts.WebhookSecret)
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		callbackURL := webhook.CallbackURL(c.Request)
		if !webhook.Verify(secret, body, c.GetHeader(webhook.SignatureHeader), callbackURL) {
			log.Printf("api: rejected webhook with bad signature (callback %s)", callbackURL)
			c.Status(http.StatusUnauthorized)
			return
		}

		ev, err := webhook.Parse(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "detail": "malformed event"})
			return
		}
		action := ev.ActionType()
		if action != router.ActionAddLabel && action != router.ActionComment {
			ignored(c, router.ReasonUnhandledAction)
			return
		}
		cardID := ev.CardID()
		if cardID == "" {
			ignored(c, reasonNoCardID)
			return
		}

		card, err := opts.Cards.GetCard(ctx, cardID)
		if err != nil {
			log.Printf("api: fetch card %s: %v", cardID, err)
			c.JSON(http.StatusBadGateway, gin.H{"status": "error", "detail": "card lookup failed"})
			return
		}
		cardName := card.Name
		if cardName == "" {
			cardName = ev.CardName()
		}

		route := router.Decide(router.Input{
			ActionType: action,
			Labels:     card.Labels,
			Comment:    ev.Comment(),
			AddedLabel: ev.AddedLabel(),
			Vocabulary: opts.Vocabulary,
			Channels:   opts.Channels.Current(ctx),
		})
		if route.Kind == router.Ignore {
			ignored(c, route.Reason)
			return
		}

		if route.Gate != "" {
			won, err := opts.Gate.Acquire(ctx, route.Gate, cardID)
			if err != nil {
				log.Printf("api: gate %s/%s: %v", route.Gate, cardID, err)
				c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "detail": "gate unavailable"})
				return
			}
			if !won {
				reason := reasonScriptInFlight
				if route.Kind == router.StartVoice {
					reason = reasonVoiceInFlight
				}
				ignored(c, reason)
				return
			}
		}

		start := pipeline.Start{CardID: cardID, Channel: route.Channel.Name, CardName: cardName}
		var (
			chainID string
			status  string
		)
		switch route.Kind {
		case router.Revise:
			chainID, err = opts.Starter.StartRevision(ctx, start, ev.Comment())
			status = statusRevisionQueued
		case router.StartVoice:
			chainID, err = opts.Starter.StartVoice(ctx, start)
			status = statusVoiceEnqueued
		default:
			chainID, err = opts.Starter.StartScript(ctx, start)
			status = statusScriptEnqueued
		}
		if err != nil {
			log.Printf("api: dispatch %s for card %s: %v", route.Kind, cardID, err)
			if route.Gate != "" {
				if rerr := opts.Gate.Release(context.WithoutCancel(ctx), route.Gate, cardID); rerr != nil {
					log.Printf("api: %v", rerr)
				}
			}
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "detail": "dispatch failed"})
			return
		}

		log.Printf("api: %s card=%s channel=%q chain=%s", route.Kind, cardID, route.Channel.Name, chainID)
		c.JSON(http.StatusOK, gin.H{
			"status":   status,
			"card_id":  cardID,
			"channel":  route.Channel.Name,
			"chain_id": chainID,
		})
	}
}

func ignored(c *gin.Context, reason string) {
	c.JSON(http.StatusOK, gin.H{"status": statusIgnored, "reason": reason})
}
