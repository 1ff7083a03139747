package channels

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultSheetBaseURL = "https://docs.google.com/spreadsheets/d"
	defaultFetchTimeout = 15 * time.Second
)

// SheetSource reads channels from a published Google Sheet exported as
// CSV. The first column holds the channel name; the "Voices ID" (or "Voice
// ID") and "Prompt" columns are located from the header row. A row with an
// empty name continues the previous channel's prompt.
type SheetSource struct {
	SheetID string
	// Suffix restricts loading to names ending with it (case-insensitive).
	Suffix  string
	BaseURL string
	Client  *http.Client
}

// NewSheetSource creates a SheetSource with the default endpoint and a 15s
// timeout.
func NewSheetSource(sheetID, suffix string) *SheetSource {
	return &SheetSource{
		SheetID: sheetID,
		Suffix:  suffix,
		BaseURL: defaultSheetBaseURL,
		Client:  &http.Client{Timeout: defaultFetchTimeout},
	}
}

func (s *SheetSource) Name() string { return "sheet" }

// Fetch downloads and parses the sheet.
func (s *SheetSource) Fetch(ctx context.Context) ([]Channel, error) {
	if s.SheetID == "" {
		return nil, fmt.Errorf("sheet id is required")
	}
	u := fmt.Sprintf("%s/%s/gviz/tq?tqx=out:csv", strings.TrimRight(s.BaseURL, "/"), url.PathEscape(s.SheetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sheet: status %d", resp.StatusCode)
	}
	return parseSheet(resp.Body, s.Suffix)
}

// parseSheet parses the exported CSV.
func parseSheet(r io.Reader, suffix string) ([]Channel, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	voiceIdx, promptIdx := -1, -1
	for i, h := range headers {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "voices id", "voice id":
			voiceIdx = i
		case "prompt":
			promptIdx = i
		}
	}
	if voiceIdx < 0 {
		return nil, fmt.Errorf("no voice id column in header %v", headers)
	}

	suffix = Key(suffix)
	var out []Channel
	current := -1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(row) <= voiceIdx {
			continue
		}
		name := strings.TrimSpace(row[0])
		prompt := ""
		if promptIdx >= 0 && promptIdx < len(row) {
			prompt = strings.TrimSpace(row[promptIdx])
		}

		if name == "" {
			if current >= 0 && prompt != "" {
				out[current].Prompt += "\n" + prompt
			}
			continue
		}
		if suffix != "" && !strings.HasSuffix(Key(name), suffix) {
			current = -1
			continue
		}
		out = append(out, Channel{
			Name:    name,
			VoiceID: strings.TrimSpace(row[voiceIdx]),
			Prompt:  prompt,
		})
		current = len(out) - 1
	}
	return out, nil
}
