// Package webhook authenticates and decodes Trello webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// SignatureHeader carries the sender's signature.
const SignatureHeader = "X-Trello-Webhook"

// Sign returns base64(HMAC-SHA1(secret, body || callbackURL)).
func Sign(secret, body []byte, callbackURL string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	mac.Write([]byte(callbackURL))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature authenticates body delivered to
// callbackURL. The comparison is constant time. Malformed input simply
// fails.
func Verify(secret, body []byte, signature, callbackURL string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(secret, body, callbackURL)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CallbackURL rebuilds the URL the sender signed, preferring the forwarded
// proto and host headers set by a reverse proxy. The result is used
// verbatim; it is never normalized.
func CallbackURL(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "https"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host + r.URL.Path
}

// Event is the subset of the delivery envelope the pipeline reads.
type Event struct {
	Action struct {
		Type string `json:"type"`
		Data struct {
			Card struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"card"`
			Label struct {
				Name string `json:"name"`
			} `json:"label"`
			Text string `json:"text"`
		} `json:"data"`
	} `json:"action"`
}

// ActionType returns action.type.
func (e *Event) ActionType() string { return e.Action.Type }

// CardID returns action.data.card.id.
func (e *Event) CardID() string { return e.Action.Data.Card.ID }

// CardName returns action.data.card.name.
func (e *Event) CardName() string { return e.Action.Data.Card.Name }

// AddedLabel returns action.data.label.name.
func (e *Event) AddedLabel() string { return e.Action.Data.Label.Name }

// Comment returns action.data.text.
func (e *Event) Comment() string { return e.Action.Data.Text }

// Parse decodes a delivery body.
func Parse(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("webhook: parse event: %w", err)
	}
	return &ev, nil
}
