package detector

import (
	"context"
	"math/big"
	"regexp"
	"strings"
)

// APIKey labels credentials that follow an api_key / token / secret marker.
const APIKey Label = "API_KEY"

// rule pairs a compiled regex with its label. When group > 0 only that
// submatch is reported. valid, when set, must accept the matched text.
type rule struct {
	re    *regexp.Regexp
	label Label
	score float64
	group int
	valid func(string) bool
}

// Patterns is a regex detector for structured values. It needs no network
// and is always deterministic.
type Patterns struct {
	rules []rule
}

// NewPatterns compiles the built-in pattern set.
func NewPatterns() *Patterns {
	specs := []struct {
		expr  string
		label Label
		score float64
		group int
		valid func(string) bool
	}{
		{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, EmailAddress, 1, 0, nil},
		{`(?:\+?1[\-.\s]?)?(?:\(\d{3}\)\s?|\b\d{3}[\-.\s])\d{3}[\-.\s]\d{4}\b`, PhoneNumber, 0.9, 0, nil},
		{`\b\d{3}-\d{2}-\d{4}\b`, USSSN, 0.9, 0, validSSN},
		{`\b(?:\d{4}[\- ]?){3}\d{4}\b`, CreditCard, 1, 0, luhn},
		{`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`, IPAddress, 0.9, 0, nil},
		{`\bhttps?://[^\s<>"']+`, URL, 0.9, 0, nil},
		{`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){3,7}(?: ?[A-Z0-9]{1,3})?\b`, IBANCode, 1, 0, validIBAN},
		{`(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([a-zA-Z0-9_\-.]{20,})`, APIKey, 0.8, 1, nil},
		{`(?i)\b\d+\s+[A-Za-z][A-Za-z ]*\s(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b`, Location, 0.6, 0, nil},
	}
	p := &Patterns{}
	for _, s := range specs {
		p.rules = append(p.rules, rule{
			re:    regexp.MustCompile(s.expr),
			label: s.label,
			score: s.score,
			group: s.group,
			valid: s.valid,
		})
	}
	return p
}

// Detect implements Detector. Only rules for active labels run.
func (p *Patterns) Detect(ctx context.Context, text string, labels LabelSet) ([]Span, error) {
	var spans []Span
	for _, r := range p.rules {
		if !labels.Has(r.label) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range r.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*r.group], m[2*r.group+1]
			if start < 0 {
				continue
			}
			if r.label == URL {
				end = start + len(strings.TrimRight(text[start:end], ".,;:!?)]}"))
			}
			value := text[start:end]
			if r.valid != nil && !r.valid(value) {
				continue
			}
			spans = append(spans, Span{Start: start, End: end, Label: r.label, Text: value, Score: r.score})
		}
	}
	return spans, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// luhn reports whether the digits of s pass the Luhn checksum.
func luhn(s string) bool {
	d := digitsOnly(s)
	if len(d) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(d) - 1; i >= 0; i-- {
		n := int(d[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// validSSN rejects the all-zero groups the SSA never issues.
func validSSN(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	return parts[0] != "000" && parts[0] != "666" && parts[0][0] != '9' &&
		parts[1] != "00" && parts[2] != "0000"
}

// validIBAN checks the ISO 13616 mod-97 checksum.
func validIBAN(s string) bool {
	s = strings.ReplaceAll(s, " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var num strings.Builder
	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			num.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			num.WriteString(big.NewInt(int64(c - 'A' + 10)).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(num.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
