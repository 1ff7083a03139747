// Package research turns a card description into script-writing context:
// the producer's instructions (the description minus its links) and the
// readable text of every linked page.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/snapline/internal/stages"
	"golang.org/x/net/html"
)

const (
	MaxArticleChars = 5000
	MaxURLs         = 15

	defaultFetchTimeout = 10 * time.Second
	defaultOEmbedURL    = "https://publish.twitter.com/oembed"
	userAgent           = "Mozilla/5.0 (compatible; research-bot/1.0)"
	fetchWorkers        = 4
	maxBodyBytes        = 5 << 20
)

var (
	urlPattern       = regexp.MustCompile(`https?://[^\s<>")\]]+`)
	manyNewlines     = regexp.MustCompile(`\n{3,}`)
	horizontalSpaces = regexp.MustCompile(`[ \t]+`)
	blankLines       = regexp.MustCompile(`\n[ \t]*\n`)
)

// skipped elements never contribute text.
var skipped = map[string]bool{
	"script": true, "style": true, "nav": true,
	"footer": true, "header": true, "aside": true,
}

// ExtractURLs returns every http(s) link in text, in order.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// ExtractInstructions returns text with links removed and runs of blank
// lines collapsed.
func ExtractInstructions(text string) string {
	cleaned := urlPattern.ReplaceAllString(text, "")
	cleaned = manyNewlines.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// StripHTML extracts readable text from an HTML document.
func StripHTML(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skipDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tidy(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipped[string(name)] {
				skipDepth++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipped[string(name)] && skipDepth > 0 {
				skipDepth--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func tidy(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = horizontalSpaces.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// IsTweet reports whether raw points at twitter.com or x.com.
func IsTweet(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range []string{"twitter.com", "x.com"} {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Fetcher implements stages.Researcher over HTTP.
type Fetcher struct {
	client    *http.Client
	oembedURL string
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) {
		if hc != nil {
			f.client = hc
		}
	}
}

// WithOEmbedURL overrides the tweet oEmbed endpoint.
func WithOEmbedURL(u string) Option {
	return func(f *Fetcher) {
		if u != "" {
			f.oembedURL = u
		}
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: defaultFetchTimeout},
		oembedURL: defaultOEmbedURL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Prepare extracts instructions from description and fetches up to MaxURLs
// linked pages. Pages that cannot be fetched are skipped; Prepare itself
// never fails.
func (f *Fetcher) Prepare(ctx context.Context, description string) (*stages.ResearchContext, error) {
	out := &stages.ResearchContext{}
	if strings.TrimSpace(description) == "" {
		return out, nil
	}
	out.Instructions = ExtractInstructions(description)

	urls := ExtractURLs(description)
	if len(urls) > MaxURLs {
		urls = urls[:MaxURLs]
	}
	contents := make([]string, len(urls))

	var wg sync.WaitGroup
	sem := make(chan struct{}, fetchWorkers)
	for i, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			text, err := f.Fetch(ctx, u)
			if err != nil {
				log.Printf("research: fetch %s: %v", u, err)
				return
			}
			contents[i] = text
		}()
	}
	wg.Wait()

	for i, u := range urls {
		if contents[i] == "" {
			continue
		}
		out.Articles = append(out.Articles, stages.Article{URL: u, Content: contents[i]})
	}
	return out, nil
}

// Fetch returns the readable text of one link, truncated to
// MaxArticleChars. Non-text content yields an empty string.
func (f *Fetcher) Fetch(ctx context.Context, raw string) (string, error) {
	if IsTweet(raw) {
		return f.fetchTweet(ctx, raw)
	}
	body, contentType, err := f.get(ctx, raw)
	if err != nil {
		return "", err
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "text/plain":
		return truncate(body, MaxArticleChars), nil
	case "text/html":
		return truncate(StripHTML(body), MaxArticleChars), nil
	default:
		log.Printf("research: skipping non-text %s (%s)", raw, contentType)
		return "", nil
	}
}

func (f *Fetcher) fetchTweet(ctx context.Context, raw string) (string, error) {
	q := url.Values{"url": {raw}, "omit_script": {"true"}}
	body, _, err := f.get(ctx, f.oembedURL+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("oembed: %w", err)
	}
	var data struct {
		HTML       string `json:"html"`
		AuthorName string `json:"author_name"`
	}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return "", fmt.Errorf("oembed: decode: %w", err)
	}
	text := StripHTML(data.HTML)
	if text == "" {
		return "", nil
	}
	if data.AuthorName != "" {
		return fmt.Sprintf("Tweet by %s: %s", data.AuthorName, text), nil
	}
	return text, nil
}

func (f *Fetcher) get(ctx context.Context, raw string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", "", fmt.Errorf("http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", "", err
	}
	return string(data), resp.Header.Get("Content-Type"), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
