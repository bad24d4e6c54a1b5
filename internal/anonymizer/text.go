package anonymizer

import (
	"context"
	"strings"

	"eml-anonymizer/internal/detector"
)

// segmentSeparator joins independent text segments into one detector call.
// Spans that reach across it are discarded.
const segmentSeparator = "\n\n"

// AnonymizeText replaces every detected PII value in text with its
// placeholder from cache.
func (a *Anonymizer) AnonymizeText(ctx context.Context, cache *Cache, text string) (string, error) {
	spans, err := a.detect(ctx, text)
	if err != nil {
		return "", err
	}
	return a.splice(cache, text, spans), nil
}

// splice applies resolved spans back-to-front so earlier offsets stay valid.
func (a *Anonymizer) splice(cache *Cache, text string, spans []detector.Span) string {
	if len(spans) == 0 {
		return text
	}
	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		sp := spans[i]
		out = out[:sp.Start] + cache.Resolve(sp.Label, sp.Text) + out[sp.End:]
	}
	a.metrics.SpansReplaced.Add(int64(len(spans)))
	return out
}

// detectSegments runs one detector call over all segments and returns the
// spans of each segment relative to its own start.
func (a *Anonymizer) detectSegments(ctx context.Context, segments []string) ([][]detector.Span, error) {
	out := make([][]detector.Span, len(segments))
	starts := make([]int, len(segments))
	var b strings.Builder
	for i, s := range segments {
		if i > 0 {
			b.WriteString(segmentSeparator)
		}
		starts[i] = b.Len()
		b.WriteString(s)
	}

	spans, err := a.detect(ctx, b.String())
	if err != nil {
		return nil, err
	}

	seg := 0
	for _, sp := range spans {
		for seg+1 < len(segments) && sp.Start >= starts[seg+1] {
			seg++
		}
		end := starts[seg] + len(segments[seg])
		if sp.Start < starts[seg] || sp.End > end {
			continue
		}
		sp.Start -= starts[seg]
		sp.End -= starts[seg]
		out[seg] = append(out[seg], sp)
	}
	return out, nil
}
