package anonymizer

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"eml-anonymizer/internal/detector"
)

// docxTextPart matches the package parts that carry body text.
var docxTextPart = regexp.MustCompile(`^word/(document|header\d*|footer\d*|footnotes|endnotes|comments)\.xml$`)

// docxRelsPart matches the relationship parts of those parts, which hold
// hyperlink targets.
var docxRelsPart = regexp.MustCompile(`^word/_rels/[^/]+\.xml\.rels$`)

const docxCoreProps = "docProps/core.xml"

// docxRun is one <w:t> text node.
type docxRun struct {
	text         string // decoded
	paraOffset   int    // byte offset of text within the paragraph text
	tagEnd       int    // offset just past the start tag's '>'
	contentStart int
	contentEnd   int
	preserve     bool // start tag already has xml:space="preserve"
}

type docxParagraph struct {
	text strings.Builder
	runs []docxRun
}

// byteEdit replaces data[start:end] with text.
type byteEdit struct {
	start, end int
	text       string
}

// AnonymizeDOCX replaces PII in the body, header, footer, footnote,
// endnote and comment parts of a DOCX package, the field codes and external
// hyperlink targets of those parts, plus the author fields of its core
// properties. Parts that cannot be scanned are left unmodified
// and reported as warnings.
func (a *Anonymizer) AnonymizeDOCX(ctx context.Context, cache *Cache, data []byte) ([]byte, []Warning, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: docx: %v", ErrMalformedInput, err)
	}
	hasDocument := false
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			hasDocument = true
			break
		}
	}
	if !hasDocument {
		return nil, nil, fmt.Errorf("%w: docx: no word/document.xml", ErrMalformedInput)
	}

	var warnings []Warning
	replaced := make(map[string][]byte)
	for _, f := range zr.File {
		isText := docxTextPart.MatchString(f.Name)
		isRels := docxRelsPart.MatchString(f.Name)
		if !isText && !isRels && f.Name != docxCoreProps {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		part, err := readZipFile(f)
		if err != nil {
			warnings = append(warnings, Warning{Unit: f.Name, Err: fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)})
			continue
		}

		var out []byte
		switch {
		case isText:
			out, err = a.anonymizeDOCXPart(ctx, cache, part)
		case isRels:
			out, err = a.anonymizeRels(ctx, cache, part)
		default:
			out, err = a.anonymizeCoreProps(cache, part)
		}
		switch {
		case errors.Is(err, ErrDetection), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, nil, err
		case err != nil:
			a.log.Warnf("docx_part_skipped", "%s: %v", f.Name, err)
			warnings = append(warnings, Warning{Unit: f.Name, Err: fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)})
			continue
		}
		if !bytes.Equal(out, part) {
			replaced[f.Name] = out
		}
	}

	if len(replaced) == 0 {
		return data, warnings, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		body, ok := replaced[f.Name]
		if !ok {
			if err := zw.Copy(f); err != nil {
				return nil, nil, fmt.Errorf("docx: copy %s: %w", f.Name, err)
			}
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:          f.Name,
			Method:        f.Method,
			Modified:      f.Modified,
			Comment:       f.Comment,
			ExternalAttrs: f.ExternalAttrs,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("docx: write %s: %w", f.Name, err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, nil, fmt.Errorf("docx: write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("docx: close: %w", err)
	}
	return buf.Bytes(), warnings, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck // read-only
	return io.ReadAll(rc)
}

// anonymizeDOCXPart rewrites one WordprocessingML part. Field codes are
// detected as segments of their own, apart from the paragraph text.
func (a *Anonymizer) anonymizeDOCXPart(ctx context.Context, cache *Cache, data []byte) ([]byte, error) {
	paras, fields, err := scanParagraphs(data)
	if err != nil {
		return nil, err
	}
	if len(paras) == 0 && len(fields) == 0 {
		return data, nil
	}

	segments := make([]string, 0, len(paras)+len(fields))
	for _, p := range paras {
		segments = append(segments, p.text.String())
	}
	for _, f := range fields {
		segments = append(segments, f.text)
	}
	perSegment, err := a.detectSegments(ctx, segments)
	if err != nil {
		return nil, err
	}

	var edits []byteEdit
	for i, p := range paras {
		if len(perSegment[i]) == 0 {
			continue
		}
		edits = append(edits, a.paragraphEdits(cache, p, perSegment[i])...)
		a.metrics.SpansReplaced.Add(int64(len(perSegment[i])))
	}
	for i, f := range fields {
		spans := perSegment[len(paras)+i]
		if len(spans) == 0 {
			continue
		}
		edits = append(edits, byteEdit{start: f.contentStart, end: f.contentEnd, text: escapeText(a.splice(cache, f.text, spans))})
	}
	return applyByteEdits(data, edits), nil
}

// scanParagraphs records every non-empty <w:t> node, grouped by the <w:p>
// that contains it, and every non-empty <w:instrText> field code. Nested
// paragraphs (text boxes) are their own group.
func scanParagraphs(data []byte) ([]*docxParagraph, []docxRun, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var (
		done    []*docxParagraph
		fields  []docxRun
		stack   []*docxParagraph
		inT     bool
		inInstr bool
		run     docxRun
		text    strings.Builder
	)
	current := func() *docxParagraph {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}

	prev := dec.InputOffset()
	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("xml: %w", err)
		}
		off := dec.InputOffset()

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != "w" {
				break
			}
			switch t.Name.Local {
			case "instrText":
				inInstr = true
				text.Reset()
				run = docxRun{tagEnd: int(off), contentStart: int(off)}
			case "p":
				stack = append(stack, &docxParagraph{})
			case "t":
				if current() == nil {
					break
				}
				inT = true
				text.Reset()
				run = docxRun{tagEnd: int(off), contentStart: int(off)}
				for _, attr := range t.Attr {
					if attr.Name.Space == "xml" && attr.Name.Local == "space" && attr.Value == "preserve" {
						run.preserve = true
					}
				}
			case "tab":
				if p := current(); p != nil && !inT {
					p.text.WriteByte('\t')
				}
			case "br", "cr":
				if p := current(); p != nil && !inT {
					p.text.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inT || inInstr {
				text.Write(t)
			}
		case xml.EndElement:
			if t.Name.Space != "w" {
				break
			}
			switch t.Name.Local {
			case "instrText":
				if !inInstr {
					break
				}
				inInstr = false
				run.contentEnd = int(prev)
				run.text = text.String()
				if strings.TrimSpace(run.text) != "" && run.contentEnd > run.contentStart {
					fields = append(fields, run)
				}
			case "t":
				if !inT {
					break
				}
				inT = false
				p := current()
				run.contentEnd = int(prev)
				run.text = text.String()
				// Self-closing <w:t/> has no content range to splice into.
				if run.text == "" || run.contentEnd <= run.contentStart {
					break
				}
				run.paraOffset = p.text.Len()
				p.text.WriteString(run.text)
				p.runs = append(p.runs, run)
			case "p":
				if p := current(); p != nil {
					stack = stack[:len(stack)-1]
					if len(p.runs) > 0 {
						done = append(done, p)
					}
				}
			}
		}
		prev = off
	}
	return done, fields, nil
}

// anonymizeRels rewrites the Target of every external relationship, such
// as a mailto: hyperlink. Internal targets are part names and stay.
func (a *Anonymizer) anonymizeRels(ctx context.Context, cache *Cache, data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	type target struct {
		start, end int
		value      string
	}
	var targets []target
	prev := dec.InputOffset()
	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml: %w", err)
		}
		off := dec.InputOffset()
		if t, ok := tok.(xml.StartElement); ok && t.Name.Local == "Relationship" && relAttr(t, "TargetMode") == "External" {
			tag := string(data[prev:off])
			for _, av := range scanAttributes(tag) {
				if av.name == "Target" && av.quote != 0 {
					targets = append(targets, target{start: int(prev) + av.start, end: int(prev) + av.end, value: relAttr(t, "Target")})
				}
			}
		}
		prev = off
	}
	if len(targets) == 0 {
		return data, nil
	}

	segments := make([]string, len(targets))
	for i, t := range targets {
		segments[i] = t.value
	}
	perTarget, err := a.detectSegments(ctx, segments)
	if err != nil {
		return nil, err
	}
	var edits []byteEdit
	for i, t := range targets {
		if len(perTarget[i]) == 0 {
			continue
		}
		edits = append(edits, byteEdit{start: t.start, end: t.end, text: escapeXML(a.splice(cache, t.value, perTarget[i]))})
	}
	return applyByteEdits(data, edits), nil
}

func relAttr(t xml.StartElement, name string) string {
	for _, attr := range t.Attr {
		if attr.Name.Space == "" && attr.Name.Local == name {
			return attr.Value
		}
	}
	return ""
}

// runEdit replaces [start,end) of a run's decoded text.
type runEdit struct {
	start, end int
	text       string
}

// paragraphEdits maps spans in paragraph text onto per-run text edits and
// returns the resulting byte edits on the part.
func (a *Anonymizer) paragraphEdits(cache *Cache, p *docxParagraph, spans []detector.Span) []byteEdit {
	perRun := make(map[int][]runEdit)
	for _, sp := range spans {
		placeholder := cache.Resolve(sp.Label, sp.Text)
		var hit []int
		for i, r := range p.runs {
			if r.paraOffset < sp.End && r.paraOffset+len(r.text) > sp.Start {
				hit = append(hit, i)
			}
		}
		if len(hit) == 0 {
			continue
		}
		pieces := a.splitPlaceholder(placeholder, p, hit, sp)
		for k, i := range hit {
			r := p.runs[i]
			start := max(sp.Start, r.paraOffset) - r.paraOffset
			end := min(sp.End, r.paraOffset+len(r.text)) - r.paraOffset
			perRun[i] = append(perRun[i], runEdit{start: start, end: end, text: pieces[k]})
		}
	}

	var edits []byteEdit
	for i, re := range perRun {
		r := p.runs[i]
		sort.Slice(re, func(x, y int) bool { return re[x].start > re[y].start })
		text := r.text
		for _, e := range re {
			text = text[:e.start] + e.text + text[e.end:]
		}
		edits = append(edits, byteEdit{start: r.contentStart, end: r.contentEnd, text: escapeXML(text)})
		if !r.preserve && text != strings.TrimFunc(text, unicode.IsSpace) {
			edits = append(edits, byteEdit{start: r.tagEnd - 1, end: r.tagEnd - 1, text: ` xml:space="preserve"`})
		}
	}
	return edits
}

// splitPlaceholder decides what each affected run receives.
func (a *Anonymizer) splitPlaceholder(placeholder string, p *docxParagraph, hit []int, sp detector.Span) []string {
	pieces := make([]string, len(hit))
	if a.docxStrategy != RunDistribute || len(hit) == 1 {
		pieces[0] = placeholder
		return pieces
	}

	weights := make([]int, len(hit))
	total := 0
	for k, i := range hit {
		r := p.runs[i]
		start := max(sp.Start, r.paraOffset)
		end := min(sp.End, r.paraOffset+len(r.text))
		weights[k] = utf8.RuneCountInString(p.runs[i].text[start-r.paraOffset : end-r.paraOffset])
		total += weights[k]
	}
	runes := []rune(placeholder)
	pos := 0
	for k := range hit {
		n := len(runes) * weights[k] / max(total, 1)
		if k == len(hit)-1 || pos+n > len(runes) {
			n = len(runes) - pos
		}
		pieces[k] = string(runes[pos : pos+n])
		pos += n
	}
	return pieces
}

// anonymizeCoreProps replaces the author fields of docProps/core.xml with
// PERSON placeholders when PERSON is active.
func (a *Anonymizer) anonymizeCoreProps(cache *Cache, data []byte) ([]byte, error) {
	if !a.labels.Has(detector.Person) {
		return data, nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var edits []byteEdit
	var (
		inAuthor bool
		start    int
		text     strings.Builder
	)
	prev := dec.InputOffset()
	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml: %w", err)
		}
		off := dec.InputOffset()
		switch t := tok.(type) {
		case xml.StartElement:
			if isAuthorElement(t.Name) {
				inAuthor = true
				start = int(off)
				text.Reset()
			}
		case xml.CharData:
			if inAuthor {
				text.Write(t)
			}
		case xml.EndElement:
			if inAuthor && isAuthorElement(t.Name) {
				inAuthor = false
				value := strings.TrimSpace(text.String())
				if value != "" && int(prev) > start {
					edits = append(edits, byteEdit{start: start, end: int(prev), text: escapeXML(cache.Resolve(detector.Person, value))})
				}
			}
		}
		prev = off
	}
	return applyByteEdits(data, edits), nil
}

func isAuthorElement(n xml.Name) bool {
	return (n.Space == "dc" && n.Local == "creator") || (n.Space == "cp" && n.Local == "lastModifiedBy")
}

// applyByteEdits applies non-overlapping edits back-to-front.
func applyByteEdits(data []byte, edits []byteEdit) []byte {
	if len(edits) == 0 {
		return data
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	out := append([]byte(nil), data...)
	for _, e := range edits {
		tail := append([]byte(e.text), out[e.end:]...)
		out = append(out[:e.start], tail...)
	}
	return out
}

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
