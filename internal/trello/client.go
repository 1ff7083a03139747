// Package trello is a small client for the Trello REST API covering what the
// pipeline touches: cards, labels by name, comments, attachments, list moves
// and webhook registration.
package trello

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/snapline/internal/stages"
)

const (
	defaultBaseURL       = "https://api.trello.com/1"
	defaultHTTPTimeout   = 15 * time.Second
	defaultUploadTimeout = 60 * time.Second

	// newLabelColor is used when a label has to be created on the board.
	newLabelColor = "sky"
)

// Config holds the credentials and board the client works against.
type Config struct {
	APIKey  string
	Token   string
	BoardID string
	BaseURL string
}

// Client talks to Trello. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	upload *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the client used for every request, uploads
// included.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
			c.upload = hc
		}
	}
}

// NewClient creates a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.BoardID = strings.TrimSpace(cfg.BoardID)
	if cfg.BoardID == "" {
		return nil, fmt.Errorf("trello: board id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: defaultHTTPTimeout},
		upload: &http.Client{Timeout: defaultUploadTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("trello: %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

type label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type card struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Desc   string  `json:"desc"`
	Labels []label `json:"labels"`
}

type attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}

type list struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Webhook is a registered Trello webhook.
type Webhook struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	IDModel     string `json:"idModel"`
	CallbackURL string `json:"callbackURL"`
	Active      bool   `json:"active"`
}

// endpoint builds a URL with auth parameters.
func (c *Client) endpoint(path string, params url.Values) string {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("key", c.cfg.APIKey)
	q.Set("token", c.cfg.Token)
	return c.cfg.BaseURL + path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, params url.Values, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, params), body)
	if err != nil {
		return fmt.Errorf("trello: %s %s: new request: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("trello: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("trello: %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("trello: %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, c.http, http.MethodGet, path, params, nil, "", out)
}

func (c *Client) getCard(ctx context.Context, cardID string) (*card, error) {
	var cd card
	if err := c.get(ctx, "/cards/"+url.PathEscape(cardID), nil, &cd); err != nil {
		return nil, err
	}
	return &cd, nil
}

// GetCard fetches a card with its current labels.
func (c *Client) GetCard(ctx context.Context, cardID string) (*stages.Card, error) {
	cd, err := c.getCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	out := &stages.Card{ID: cd.ID, Name: cd.Name, Desc: cd.Desc}
	for _, l := range cd.Labels {
		out.Labels = append(out.Labels, l.Name)
	}
	return out, nil
}

// Attachments lists a card's attachments.
func (c *Client) Attachments(ctx context.Context, cardID string) ([]stages.Attachment, error) {
	var atts []attachment
	if err := c.get(ctx, "/cards/"+url.PathEscape(cardID)+"/attachments", nil, &atts); err != nil {
		return nil, err
	}
	out := make([]stages.Attachment, 0, len(atts))
	for _, a := range atts {
		out = append(out, stages.Attachment{Name: a.Name, URL: a.URL, MimeType: a.MimeType})
	}
	return out, nil
}

// AttachText uploads content as a text/plain file.
func (c *Client) AttachText(ctx context.Context, cardID, filename, content string) error {
	return c.attach(ctx, c.http, cardID, filename, []byte(content), "text/plain")
}

// AttachBinary uploads data with the given MIME type. Uploads get a longer
// timeout than other calls.
func (c *Client) AttachBinary(ctx context.Context, cardID, filename string, data []byte, mimeType string) error {
	return c.attach(ctx, c.upload, cardID, filename, data, mimeType)
}

func (c *Client) attach(ctx context.Context, hc *http.Client, cardID, filename string, data []byte, mimeType string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("trello: attach %s: %w", filename, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("trello: attach %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("trello: attach %s: %w", filename, err)
	}
	return c.do(ctx, hc, http.MethodPost, "/cards/"+url.PathEscape(cardID)+"/attachments", nil, &buf, w.FormDataContentType(), nil)
}

// boardLabelID finds a board label by name (case-insensitive), creating it
// when absent.
func (c *Client) boardLabelID(ctx context.Context, name string) (string, error) {
	var labels []label
	if err := c.get(ctx, "/boards/"+url.PathEscape(c.cfg.BoardID)+"/labels", url.Values{"limit": {"1000"}}, &labels); err != nil {
		return "", err
	}
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return l.ID, nil
		}
	}
	var created label
	err := c.do(ctx, c.http, http.MethodPost, "/boards/"+url.PathEscape(c.cfg.BoardID)+"/labels",
		url.Values{"name": {name}, "color": {newLabelColor}}, nil, "", &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// AddLabel puts the named label on a card. A label already on the card is
// not an error.
func (c *Client) AddLabel(ctx context.Context, cardID, name string) error {
	id, err := c.boardLabelID(ctx, name)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"value": id})
	err = c.do(ctx, c.http, http.MethodPost, "/cards/"+url.PathEscape(cardID)+"/idLabels", nil,
		bytes.NewReader(body), "application/json", nil)
	if IsStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}

// RemoveLabel takes the named label off a card. A missing label is not an
// error.
func (c *Client) RemoveLabel(ctx context.Context, cardID, name string) error {
	cd, err := c.getCard(ctx, cardID)
	if err != nil {
		return err
	}
	for _, l := range cd.Labels {
		if strings.EqualFold(l.Name, name) {
			return c.do(ctx, c.http, http.MethodDelete,
				"/cards/"+url.PathEscape(cardID)+"/idLabels/"+url.PathEscape(l.ID), nil, nil, "", nil)
		}
	}
	return nil
}

// Comment posts a comment on a card.
func (c *Client) Comment(ctx context.Context, cardID, text string) error {
	return c.do(ctx, c.http, http.MethodPost, "/cards/"+url.PathEscape(cardID)+"/actions/comments",
		url.Values{"text": {text}}, nil, "", nil)
}

// MoveToList moves a card to the board list with the given name.
func (c *Client) MoveToList(ctx context.Context, cardID, listName string) error {
	var lists []list
	if err := c.get(ctx, "/boards/"+url.PathEscape(c.cfg.BoardID)+"/lists", nil, &lists); err != nil {
		return err
	}
	for _, l := range lists {
		if strings.EqualFold(l.Name, listName) {
			return c.do(ctx, c.http, http.MethodPut, "/cards/"+url.PathEscape(cardID),
				url.Values{"idList": {l.ID}}, nil, "", nil)
		}
	}
	return fmt.Errorf("trello: list %q not found on board", listName)
}

// RegisterWebhook subscribes callbackURL to events on the board.
func (c *Client) RegisterWebhook(ctx context.Context, callbackURL, description string) (*Webhook, error) {
	var wh Webhook
	err := c.do(ctx, c.http, http.MethodPost, "/webhooks", url.Values{
		"callbackURL": {callbackURL},
		"idModel":     {c.cfg.BoardID},
		"description": {description},
	}, nil, "", &wh)
	if err != nil {
		return nil, err
	}
	return &wh, nil
}

// Webhooks lists the webhooks registered for the client's token.
func (c *Client) Webhooks(ctx context.Context) ([]Webhook, error) {
	var out []Webhook
	if err := c.get(ctx, "/tokens/"+url.PathEscape(c.cfg.Token)+"/webhooks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
