package anonymizer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// htmlEdit is a pending replacement of src[start:end].
type htmlEdit struct {
	start, end int
	decoded    string
	attr       bool
	verbatim   bool // raw text element content, written back unescaped
	quote      byte // 0 for unquoted attribute values
}

// rawTextElements hold unparsed text up to their end tag. Script and style
// content is copied unchanged; the content of the others is anonymized as
// is, without entity decoding or escaping.
var rawTextElements = map[string]bool{
	"script": false, "style": false,
	"noscript": true, "iframe": true, "xmp": true, "noembed": true,
	"noframes": true, "plaintext": true,
}

// AnonymizeHTML replaces PII in the text and allow-listed attribute values
// of an HTML document. Bytes that carry no PII, including tag and attribute
// names, comments and script or style content, are copied unchanged.
func (a *Anonymizer) AnonymizeHTML(ctx context.Context, cache *Cache, src string) (string, error) {
	edits, err := a.scanHTML(src)
	if err != nil {
		return "", err
	}
	if len(edits) == 0 {
		return src, nil
	}

	segments := make([]string, len(edits))
	for i, e := range edits {
		segments[i] = e.decoded
	}
	perSegment, err := a.detectSegments(ctx, segments)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(src))
	prev := 0
	for i, e := range edits {
		if len(perSegment[i]) == 0 {
			continue
		}
		replaced := a.splice(cache, e.decoded, perSegment[i])
		b.WriteString(src[prev:e.start])
		switch {
		case e.verbatim:
			b.WriteString(replaced)
		case !e.attr:
			b.WriteString(escapeText(replaced))
		case e.quote == 0:
			b.WriteString(`"` + html.EscapeString(replaced) + `"`)
		default:
			b.WriteString(html.EscapeString(replaced))
		}
		prev = e.end
	}
	b.WriteString(src[prev:])
	return b.String(), nil
}

// scanHTML tokenizes src and records the byte range and decoded value of
// every text node and allow-listed attribute value.
func (a *Anonymizer) scanHTML(src string) ([]htmlEdit, error) {
	z := html.NewTokenizer(strings.NewReader(src))
	var edits []htmlEdit
	offset := 0
	rawText := ""

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("%w: html: %v", ErrMalformedInput, err)
			}
			return edits, nil
		}
		// Raw must be copied before TagName, which lower-cases in place.
		raw := string(z.Raw())
		start := offset
		offset += len(raw)

		switch tt {
		case html.TextToken:
			if rawText != "" {
				if rawTextElements[rawText] && strings.TrimSpace(raw) != "" {
					edits = append(edits, htmlEdit{start: start, end: offset, decoded: raw, verbatim: true})
				}
				continue
			}
			decoded := html.UnescapeString(raw)
			if strings.TrimSpace(decoded) == "" {
				continue
			}
			edits = append(edits, htmlEdit{start: start, end: offset, decoded: decoded})
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if _, ok := rawTextElements[string(name)]; ok && tt == html.StartTagToken {
				rawText = string(name)
			}
			for _, av := range scanAttributes(raw) {
				if !a.htmlAttrs[strings.ToLower(av.name)] {
					continue
				}
				decoded := html.UnescapeString(raw[av.start:av.end])
				if strings.TrimSpace(decoded) == "" {
					continue
				}
				edits = append(edits, htmlEdit{
					start:   start + av.start,
					end:     start + av.end,
					decoded: decoded,
					attr:    true,
					quote:   av.quote,
				})
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == rawText {
				rawText = ""
			}
		}
	}
}

// escapeText escapes the characters that would change meaning in an HTML
// text node; quotes are left alone.
func escapeText(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

type attrValue struct {
	name       string
	start, end int // value range within the tag, excluding quotes
	quote      byte
}

// scanAttributes locates attribute values in a raw start tag such as
// `<a HREF="mailto:x@y.z" class=btn>`.
func scanAttributes(tag string) []attrValue {
	var out []attrValue
	i := 1
	for i < len(tag) && !isHTMLSpace(tag[i]) && tag[i] != '>' && tag[i] != '/' {
		i++
	}
	for i < len(tag) {
		for i < len(tag) && (isHTMLSpace(tag[i]) || tag[i] == '/') {
			i++
		}
		if i >= len(tag) || tag[i] == '>' {
			break
		}
		nameStart := i
		for i < len(tag) && !isHTMLSpace(tag[i]) && tag[i] != '=' && tag[i] != '>' && tag[i] != '/' {
			i++
		}
		name := tag[nameStart:i]
		for i < len(tag) && isHTMLSpace(tag[i]) {
			i++
		}
		if i >= len(tag) || tag[i] != '=' {
			continue
		}
		i++
		for i < len(tag) && isHTMLSpace(tag[i]) {
			i++
		}
		if i >= len(tag) {
			break
		}
		if q := tag[i]; q == '"' || q == '\'' {
			end := strings.IndexByte(tag[i+1:], q)
			if end < 0 {
				break
			}
			out = append(out, attrValue{name: name, start: i + 1, end: i + 1 + end, quote: q})
			i += end + 2
			continue
		}
		valStart := i
		for i < len(tag) && !isHTMLSpace(tag[i]) && tag[i] != '>' {
			i++
		}
		if i > valStart {
			out = append(out, attrValue{name: name, start: valStart, end: i})
		}
	}
	return out
}

func isHTMLSpace(c byte) bool {
	return strings.IndexByte(" \t\n\r\f", c) >= 0
}
