// Package detector defines the entity-detection contract used by the
// anonymizer and ships the concrete detectors it can be wired to:
//
//   - Patterns: regular expressions for structured values (email, phone, SSN)
//   - presidio.Client: a Presidio analyzer REST endpoint
//   - ollama.Client: a local LLM asked to list the PII it sees
//
// Detectors only report spans; they never rewrite text. Resolve turns a raw
// detector result into the sorted, non-overlapping span list processors apply.
package detector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Label classifies a detected entity. The set is open: detectors may report
// labels not listed here and they flow through unchanged.
type Label string

// Well-known labels, named after the Presidio entity types.
const (
	Person          Label = "PERSON"
	EmailAddress    Label = "EMAIL_ADDRESS"
	PhoneNumber     Label = "PHONE_NUMBER"
	Location        Label = "LOCATION"
	USSSN           Label = "US_SSN"
	CreditCard      Label = "CREDIT_CARD"
	IPAddress       Label = "IP_ADDRESS"
	URL             Label = "URL"
	IBANCode        Label = "IBAN_CODE"
	DateTime        Label = "DATE_TIME"
	NRP             Label = "NRP"
	USDriverLicense Label = "US_DRIVER_LICENSE"
	USPassport      Label = "US_PASSPORT"
	USBankNumber    Label = "US_BANK_NUMBER"
	USITIN          Label = "US_ITIN"
	MedicalLicense  Label = "MEDICAL_LICENSE"
	Crypto          Label = "CRYPTO"
)

// DefaultLabels is the label set used when configuration names none.
var DefaultLabels = []Label{Person, EmailAddress, PhoneNumber, Location, USSSN, CreditCard}

// Span is one detected entity occurrence. Start and End are UTF-8 byte
// offsets into the text passed to Detect; End is exclusive.
type Span struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label Label   `json:"label"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Detector finds PII in text. Implementations must be safe for concurrent
// use and deterministic for identical input within one run.
type Detector interface {
	Detect(ctx context.Context, text string, labels LabelSet) ([]Span, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, text string, labels LabelSet) ([]Span, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, text string, labels LabelSet) ([]Span, error) {
	return f(ctx, text, labels)
}

// LabelSet is the set of labels active for a run.
type LabelSet map[Label]bool

// NewLabelSet builds a set from the given labels.
func NewLabelSet(labels ...Label) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[l] = true
	}
	return s
}

// ParseLabels parses names such as "person" or "EMAIL_ADDRESS" into a set.
// Blank names are skipped.
func ParseLabels(names []string) LabelSet {
	s := make(LabelSet, len(names))
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		s[Label(n)] = true
	}
	return s
}

// Has reports whether l is active.
func (s LabelSet) Has(l Label) bool { return s[l] }

// Sorted returns the active labels in lexical order.
func (s LabelSet) Sorted() []Label {
	out := make([]Label, 0, len(s))
	for l, on := range s {
		if on {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the active labels as plain strings, sorted.
func (s LabelSet) Strings() []string {
	labels := s.Sorted()
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}

// Resolve validates raw spans against text and returns them sorted by Start
// with overlaps removed. Spans are dropped when their offsets are out of
// range or split a UTF-8 sequence, when their label is not active, or when
// their score is below minScore. Overlaps are settled by earliest start,
// then longest span, then highest score; later conflicting spans lose.
// Text is always re-sliced from the input so callers can trust it.
func Resolve(text string, spans []Span, labels LabelSet, minScore float64) []Span {
	valid := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if sp.Start < 0 || sp.End > len(text) || sp.Start >= sp.End {
			continue
		}
		if !runeBoundary(text, sp.Start) || !runeBoundary(text, sp.End) {
			continue
		}
		if !labels.Has(sp.Label) || sp.Score < minScore {
			continue
		}
		sp.Text = text[sp.Start:sp.End]
		if strings.TrimSpace(sp.Text) == "" {
			continue
		}
		valid = append(valid, sp)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		a, b := valid[i], valid[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Score > b.Score
	})

	out := valid[:0]
	lastEnd := -1
	for _, sp := range valid {
		if sp.Start < lastEnd {
			continue
		}
		out = append(out, sp)
		lastEnd = sp.End
	}
	return out
}

func runeBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return utf8.RuneStart(s[i])
}

// Chain runs several detectors in order over the same text and concatenates
// their spans. Any detector error fails the whole call.
type Chain []Detector

// Detect implements Detector.
func (c Chain) Detect(ctx context.Context, text string, labels LabelSet) ([]Span, error) {
	var all []Span
	for i, d := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spans, err := d.Detect(ctx, text, labels)
		if err != nil {
			return nil, fmt.Errorf("detector %d (%T): %w", i, d, err)
		}
		all = append(all, spans...)
	}
	return all, nil
}
