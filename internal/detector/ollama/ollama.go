// Package ollama provides a Detector backed by a local Ollama model. The
// model is asked to list the PII it sees; every occurrence of each returned
// string in the text becomes a span.
//
// Queries are synchronous and serialized through a semaphore. Results are
// kept in a bounded S3-FIFO cache keyed by the text hash so identical text
// within a run always yields identical spans, even though the model itself
// is not deterministic.
package ollama

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eml-anonymizer/internal/detector"
	"eml-anonymizer/internal/logger"
)

const (
	maxDetectionCache = 10_000
	maxOllamaResponse = 10 << 20 // 10 MB
)

// legacyTypes maps the short type names small models tend to answer with
// onto detector labels.
var legacyTypes = map[string]detector.Label{
	"name":       detector.Person,
	"person":     detector.Person,
	"email":      detector.EmailAddress,
	"phone":      detector.PhoneNumber,
	"address":    detector.Location,
	"location":   detector.Location,
	"ssn":        detector.USSSN,
	"creditcard": detector.CreditCard,
	"ipaddress":  detector.IPAddress,
	"url":        detector.URL,
	"apikey":     detector.APIKey,
}

// Client queries Ollama's /api/generate endpoint.
type Client struct {
	url       string
	model     string
	threshold float64
	timeout   time.Duration
	http      *http.Client
	log       *logger.Logger

	cache *s3fifo[[]detection] // keyed by sha256(labels, text)
	sem   chan struct{}        // limits concurrent Ollama calls
}

// New creates a Client for the given endpoint and model. Detections below
// threshold are discarded.
func New(endpoint, model string, threshold float64, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		url:       strings.TrimRight(endpoint, "/") + "/api/generate",
		model:     model,
		threshold: threshold,
		timeout:   60 * time.Second,
		http:      &http.Client{},
		log:       log,
		cache:     newS3FIFO[[]detection](maxDetectionCache),
		sem:       make(chan struct{}, 1), // one Ollama query at a time
	}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

type detection struct {
	Original   string  `json:"original"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Detect implements detector.Detector.
func (c *Client) Detect(ctx context.Context, text string, labels detector.LabelSet) ([]detector.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	h := sha256.New()
	h.Write([]byte(strings.Join(labels.Strings(), ",")))
	h.Write([]byte{0})
	h.Write([]byte(text))
	key := hex.EncodeToString(h.Sum(nil))

	detections, hit := c.cache.Get(key)

	if !hit {
		var err error
		detections, err = c.query(ctx, text, labels, key)
		if err != nil {
			return nil, err
		}
	}
	return c.locate(text, detections, labels), nil
}

// locate turns each returned string into spans at every place it occurs.
func (c *Client) locate(text string, detections []detection, labels detector.LabelSet) []detector.Span {
	var spans []detector.Span
	for _, d := range detections {
		if d.Confidence < c.threshold || strings.TrimSpace(d.Original) == "" {
			continue
		}
		label := toLabel(d.Type)
		if !labels.Has(label) {
			continue
		}
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], d.Original)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(d.Original)
			spans = append(spans, detector.Span{Start: start, End: end, Label: label, Text: d.Original, Score: d.Confidence})
			from = end
		}
	}
	return spans
}

func toLabel(t string) detector.Label {
	if l, ok := legacyTypes[strings.ToLower(strings.TrimSpace(t))]; ok {
		return l
	}
	return detector.Label(strings.ToUpper(strings.TrimSpace(t)))
}

// query calls the Ollama API and stores results in the cache.
func (c *Client) query(ctx context.Context, text string, labels detector.LabelSet, key string) ([]detection, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	prompt := fmt.Sprintf(`Analyze the following text for PII (personally identifiable information).
Return ONLY a JSON array of detections. Each item must have:
- "original": the exact text found, copied verbatim
- "type": one of: %s
- "confidence": float 0.0-1.0

Text to analyze:
%s

Return ONLY the JSON array, no explanation. Example: [{"original":"John Smith","type":"PERSON","confidence":0.95}]`,
		strings.Join(labels.Strings(), ", "), text)

	reqBody, err := json.Marshal(ollamaRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req) // #nosec G704 -- URL from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaResponse+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxOllamaResponse {
		return nil, fmt.Errorf("ollama response exceeds %d bytes", maxOllamaResponse)
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("ollama response parse error: %w", err)
	}

	detections, err := parseDetections(ollamaResp.Response)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("ollama_query", "%d detections for %d bytes", len(detections), len(text))
	c.cache.Set(key, detections)
	return detections, nil
}

// parseDetections extracts the JSON array from the model's text response.
// A response that says "[]" or holds no array at all means nothing found.
func parseDetections(response string) ([]detection, error) {
	raw := strings.TrimSpace(response)
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, nil
	}
	var detections []detection
	if err := json.Unmarshal([]byte(raw[start:end+1]), &detections); err != nil {
		return nil, fmt.Errorf("detection parse error: %w", err)
	}
	return detections, nil
}
