// Package presidio provides a Detector that calls a Presidio analyzer
// service over HTTP (POST /analyze). Transport and status failures are
// returned as errors, never as an empty result.
package presidio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"eml-anonymizer/internal/detector"
)

const maxResponse = 10 << 20 // 10 MB

// Client calls the analyzer's /analyze endpoint.
type Client struct {
	url      string
	language string
	http     *http.Client
}

// New creates a Client pointing at the given base URL
// (e.g. "http://presidio-analyzer:3000").
func New(baseURL, language string) *Client {
	if language == "" {
		language = "en"
	}
	return &Client{
		url:      strings.TrimRight(baseURL, "/") + "/analyze",
		language: language,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type analyzeRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Entities []string `json:"entities,omitempty"`
}

type analyzeResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Detect sends text to the analyzer and returns the spans it reports,
// converted from code-point offsets to byte offsets.
// It is safe for concurrent use.
func (c *Client) Detect(ctx context.Context, text string, labels detector.LabelSet) ([]detector.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	body, err := json.Marshal(analyzeRequest{Text: text, Language: c.language, Entities: labels.Strings()})
	if err != nil {
		return nil, fmt.Errorf("presidio: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("presidio: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req) // #nosec G107 -- URL from trusted config
	if err != nil {
		return nil, fmt.Errorf("presidio: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("presidio: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var results []analyzeResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&results); err != nil {
		return nil, fmt.Errorf("presidio: decode: %w", err)
	}

	offsets := runeOffsets(text)
	spans := make([]detector.Span, 0, len(results))
	for _, r := range results {
		if r.Start < 0 || r.End > len(offsets)-1 || r.Start >= r.End {
			continue
		}
		start, end := offsets[r.Start], offsets[r.End]
		spans = append(spans, detector.Span{
			Start: start,
			End:   end,
			Label: detector.Label(r.EntityType),
			Text:  text[start:end],
			Score: r.Score,
		})
	}
	return spans, nil
}

// runeOffsets maps code-point index i to its byte offset; the final entry
// is len(text).
func runeOffsets(text string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}
