package anonymizer

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/font"
	"golang.org/x/text/encoding/charmap"
)

// This file holds the PDF content-stream side of the PDF processor: a
// lexer, a text-state interpreter that maps shown strings onto page text,
// and the rewriter that produces the redacted stream.

type pdfTokKind int

const (
	tokNumber pdfTokKind = iota
	tokName
	tokString
	tokHexString
	tokArrayStart
	tokArrayEnd
	tokDictStart
	tokDictEnd
	tokKeyword // operators and true/false/null
	tokInlineImage
)

type pdfToken struct {
	kind       pdfTokKind
	start, end int
	val        []byte // decoded bytes for strings, raw text otherwise
}

func isPDFSpace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isPDFDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

// lexContent splits a content stream into tokens.
func lexContent(data []byte) ([]pdfToken, error) {
	var toks []pdfToken
	i := 0
	for i < len(data) {
		c := data[i]
		switch {
		case isPDFSpace(c):
			i++
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '(':
			val, end, err := lexLiteral(data, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, pdfToken{kind: tokString, start: i, end: end, val: val})
			i = end
		case c == '<' && i+1 < len(data) && data[i+1] == '<':
			toks = append(toks, pdfToken{kind: tokDictStart, start: i, end: i + 2})
			i += 2
		case c == '>' && i+1 < len(data) && data[i+1] == '>':
			toks = append(toks, pdfToken{kind: tokDictEnd, start: i, end: i + 2})
			i += 2
		case c == '<':
			end := bytes.IndexByte(data[i:], '>')
			if end < 0 {
				return nil, fmt.Errorf("unterminated hex string at %d", i)
			}
			toks = append(toks, pdfToken{kind: tokHexString, start: i, end: i + end + 1, val: decodeHex(data[i+1 : i+end])})
			i += end + 1
		case c == '[':
			toks = append(toks, pdfToken{kind: tokArrayStart, start: i, end: i + 1})
			i++
		case c == ']':
			toks = append(toks, pdfToken{kind: tokArrayEnd, start: i, end: i + 1})
			i++
		case c == '{' || c == '}' || c == ')' || c == '>':
			toks = append(toks, pdfToken{kind: tokKeyword, start: i, end: i + 1, val: data[i : i+1]})
			i++
		case c == '/':
			j := i + 1
			for j < len(data) && !isPDFSpace(data[j]) && !isPDFDelim(data[j]) {
				j++
			}
			toks = append(toks, pdfToken{kind: tokName, start: i, end: j, val: data[i+1 : j]})
			i = j
		default:
			j := i
			for j < len(data) && !isPDFSpace(data[j]) && !isPDFDelim(data[j]) {
				j++
			}
			word := data[i:j]
			kind := tokKeyword
			if _, err := strconv.ParseFloat(string(word), 64); err == nil {
				kind = tokNumber
			}
			toks = append(toks, pdfToken{kind: kind, start: i, end: j, val: word})
			i = j
			if kind == tokKeyword && string(word) == "ID" {
				end := inlineImageEnd(data, i)
				toks = append(toks, pdfToken{kind: tokInlineImage, start: i, end: end})
				i = end
			}
		}
	}
	return toks, nil
}

// lexLiteral decodes the literal string starting at data[start] == '('.
func lexLiteral(data []byte, start int) ([]byte, int, error) {
	var out []byte
	depth := 0
	for i := start; i < len(data); i++ {
		c := data[i]
		switch c {
		case '(':
			if depth > 0 {
				out = append(out, c)
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return out, i + 1, nil
			}
			out = append(out, c)
		case '\\':
			i++
			if i >= len(data) {
				break
			}
			switch e := data[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if i+1 < len(data) && data[i+1] == '\n' {
					i++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < len(data) && data[i+1] >= '0' && data[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(data[i]-'0')
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return nil, 0, fmt.Errorf("unterminated string at %d", start)
}

func decodeHex(s []byte) []byte {
	var digits []byte
	for _, c := range s {
		if !isPDFSpace(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return out
}

// inlineImageEnd returns the offset of the EI operator ending the inline
// image data that starts after the ID operator at i.
func inlineImageEnd(data []byte, i int) int {
	if i < len(data) && isPDFSpace(data[i]) {
		i++
	}
	for j := i; j+1 < len(data); j++ {
		if data[j] != 'E' || data[j+1] != 'I' {
			continue
		}
		before := j == 0 || isPDFSpace(data[j-1])
		after := j+2 >= len(data) || isPDFSpace(data[j+2]) || isPDFDelim(data[j+2])
		if before && after {
			return j
		}
	}
	return len(data)
}

// encodeLiteral renders b as a PDF literal string.
func encodeLiteral(b []byte) []byte {
	out := []byte{'('}
	for _, c := range b {
		switch {
		case c == '(' || c == ')' || c == '\\':
			out = append(out, '\\', c)
		case c < 0x20 || c > 0x7e:
			out = append(out, []byte(fmt.Sprintf("\\%03o", c))...)
		default:
			out = append(out, c)
		}
	}
	return append(out, ')')
}

func encodeHexString(b []byte) []byte {
	return []byte(fmt.Sprintf("<%X>", b))
}

// --- text-state interpretation ---

type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

// mul returns m × n.
func (m matrix) mul(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

func translate(tx, ty float64) matrix { return matrix{1, 0, 0, 1, tx, ty} }

func (m matrix) apply(x, y float64) (float64, float64) {
	return x*m[0] + y*m[2] + m[4], x*m[1] + y*m[3] + m[5]
}

type textState struct {
	font      *pdfFont
	size      float64
	charSpace float64
	wordSpace float64
	hScale    float64
	leading   float64
	rise      float64
}

// advance is the horizontal displacement of one glyph in text space.
func (ts textState) advance(code uint32) float64 {
	w := ts.font.width(code)/1000*ts.size + ts.charSpace
	if code == ' ' && ts.font.codeLen == 1 {
		w += ts.wordSpace
	}
	return w * ts.hScale
}

type gState struct {
	ctm  matrix
	text textState
}

// pdfRun is one shown string operand.
type pdfRun struct {
	tok      int
	op       string // Tj, ', " or TJ
	opTok    int
	args     []int // operand tokens of op, except for TJ
	raw      []byte
	hex      bool
	ts       textState
	codes    []uint32
	glyphOff []int     // page-text offset of each glyph, plus end
	adv      []float64 // text-space advance before each glyph, plus total
	trm      matrix    // text matrix × CTM at the run start
}

// pdfPage is the interpreted text layer of one content stream.
type pdfPage struct {
	tokens []pdfToken
	runs   []pdfRun
	text   string
	xobjs  []string // names used with Do
}

// errNoFontSupport is returned for fonts whose codes cannot be mapped to
// text.
type errNoFontSupport struct{ font, reason string }

func (e errNoFontSupport) Error() string {
	return fmt.Sprintf("font %s: %s", e.font, e.reason)
}

// interpretContent lexes data and maps every shown string onto page text.
// fontFor resolves a font resource name; a nil font without error means
// the resource is missing.
func interpretContent(data []byte, fontFor func(string) (*pdfFont, error)) (*pdfPage, error) {
	toks, err := lexContent(data)
	if err != nil {
		return nil, err
	}
	page := &pdfPage{tokens: toks}

	var (
		text      strings.Builder
		gs        = gState{ctm: identity, text: textState{font: fallbackFont, hScale: 1}}
		stack     []gState
		tm, tlm   = identity, identity
		operands  []int
		inArray   bool
		pendingNL bool
		pendingSP bool
	)

	nextLine := func(tx, ty float64) {
		tlm = translate(tx, ty).mul(tlm)
		tm = tlm
		if ty != 0 {
			pendingNL = true
		} else if tx != 0 {
			pendingSP = true
		}
	}
	num := func(k int) float64 {
		if k < 0 || k >= len(operands) {
			return 0
		}
		t := toks[operands[k]]
		if t.kind != tokNumber {
			return 0
		}
		v, _ := strconv.ParseFloat(string(t.val), 64)
		return v
	}
	show := func(ti, opTok int, op string) {
		t := toks[ti]
		ts := gs.text
		if text.Len() > 0 {
			if pendingNL {
				text.WriteByte('\n')
			} else if pendingSP {
				text.WriteByte(' ')
			}
		}
		pendingNL, pendingSP = false, false

		run := pdfRun{
			tok:   ti,
			op:    op,
			opTok: opTok,
			raw:   t.val,
			hex:   t.kind == tokHexString,
			ts:    ts,
			codes: ts.font.codes(t.val),
			trm:   tm.mul(gs.ctm),
		}
		if op != "TJ" {
			run.args = append([]int(nil), operands...)
		}
		run.glyphOff = make([]int, 0, len(run.codes)+1)
		run.adv = make([]float64, 0, len(run.codes)+1)
		advance := 0.0
		for _, c := range run.codes {
			run.glyphOff = append(run.glyphOff, text.Len())
			run.adv = append(run.adv, advance)
			text.WriteString(ts.font.decode(c))
			advance += ts.advance(c)
		}
		run.glyphOff = append(run.glyphOff, text.Len())
		run.adv = append(run.adv, advance)
		page.runs = append(page.runs, run)
		tm = translate(advance, 0).mul(tm)
	}

	for i, t := range toks {
		switch t.kind {
		case tokArrayStart:
			inArray = true
			operands = operands[:0]
			continue
		case tokArrayEnd:
			inArray = false
			continue
		case tokKeyword:
		default:
			operands = append(operands, i)
			continue
		}
		if inArray {
			continue
		}

		switch op := string(t.val); op {
		case "q":
			stack = append(stack, gs)
		case "Q":
			if n := len(stack); n > 0 {
				gs = stack[n-1]
				stack = stack[:n-1]
			}
		case "cm":
			gs.ctm = matrix{num(0), num(1), num(2), num(3), num(4), num(5)}.mul(gs.ctm)
		case "BT":
			tm, tlm = identity, identity
			pendingNL = true
		case "ET":
		case "Tf":
			if len(operands) >= 2 && toks[operands[0]].kind == tokName {
				name := string(toks[operands[0]].val)
				f, err := fontFor(name)
				if err != nil {
					return nil, err
				}
				if f == nil {
					f = fallbackFont
				}
				gs.text.font = f
				gs.text.size = num(1)
			}
		case "Tc":
			gs.text.charSpace = num(0)
		case "Tw":
			gs.text.wordSpace = num(0)
		case "Tz":
			gs.text.hScale = num(0) / 100
		case "TL":
			gs.text.leading = num(0)
		case "Ts":
			gs.text.rise = num(0)
		case "Td":
			nextLine(num(0), num(1))
		case "TD":
			gs.text.leading = -num(1)
			nextLine(num(0), num(1))
		case "Tm":
			tm = matrix{num(0), num(1), num(2), num(3), num(4), num(5)}
			tlm = tm
			pendingNL = true
		case "T*":
			nextLine(0, -gs.text.leading)
		case "Tj":
			if k := lastStringOperand(toks, operands); k >= 0 {
				show(k, i, op)
			}
		case "'":
			nextLine(0, -gs.text.leading)
			if k := lastStringOperand(toks, operands); k >= 0 {
				show(k, i, op)
			}
		case "\"":
			gs.text.wordSpace = num(0)
			gs.text.charSpace = num(1)
			nextLine(0, -gs.text.leading)
			if k := lastStringOperand(toks, operands); k >= 0 {
				show(k, i, op)
			}
		case "TJ":
			for _, k := range operands {
				switch toks[k].kind {
				case tokString, tokHexString:
					show(k, i, op)
				case tokNumber:
					v, _ := strconv.ParseFloat(string(toks[k].val), 64)
					tx := -v / 1000 * gs.text.size * gs.text.hScale
					tm = translate(tx, 0).mul(tm)
					if v <= -180 {
						pendingSP = true
					}
				}
			}
		case "Do":
			if len(operands) > 0 && toks[operands[0]].kind == tokName {
				page.xobjs = append(page.xobjs, string(toks[operands[0]].val))
			}
		}
		operands = operands[:0]
	}
	page.text = text.String()
	return page, nil
}

func lastStringOperand(toks []pdfToken, operands []int) int {
	for i := len(operands) - 1; i >= 0; i-- {
		if k := toks[operands[i]].kind; k == tokString || k == tokHexString {
			return operands[i]
		}
	}
	return -1
}

// --- rewriting ---

// pdfRect is an overlay region in default user space.
type pdfRect struct{ x, y, w, h float64 }

// pdfOverlay is the replacement drawn over one redacted span.
type pdfOverlay struct {
	rects       []pdfRect
	placeholder string
	size        float64
}

// glyphRange returns the glyphs of r covered by page-text range [start,end).
func (r *pdfRun) glyphRange(start, end int) (int, int) {
	gi, gj := -1, -1
	for k := range r.codes {
		if r.glyphOff[k] >= start && r.glyphOff[k] < end {
			if gi < 0 {
				gi = k
			}
			gj = k + 1
		}
	}
	return gi, gj
}

// width is the text-space advance of codes shown in the run's state.
func (r *pdfRun) width(codes []byte) float64 {
	w := 0.0
	for _, c := range r.ts.font.codes(codes) {
		w += r.ts.advance(c)
	}
	return w
}

// rect is the user-space box of glyphs [gi,gj).
func (r *pdfRun) rect(gi, gj int) pdfRect {
	sx := math.Hypot(r.trm[0], r.trm[1])
	size := r.userSize()
	x, y := r.trm.apply(r.adv[gi], r.ts.rise)
	return pdfRect{x: x, y: y - 0.22*size, w: (r.adv[gj] - r.adv[gi]) * sx, h: 1.1 * size}
}

func (r *pdfRun) userSize() float64 {
	return r.ts.size * math.Hypot(r.trm[2], r.trm[3])
}

type glyphEdit struct {
	gi, gj  int
	repl    []byte
	replAdv float64
}

// tjPiece is one element of a TJ array: a string or a kerning number.
type tjPiece struct {
	str  []byte
	kern bool
	v    float64
}

// pieces applies edits to the run. Removed glyphs are cut out and their
// advance, less that of the replacement, is restored as a TJ adjustment so
// every following glyph keeps its position.
func (r *pdfRun) pieces(es []glyphEdit) []tjPiece {
	sort.Slice(es, func(i, j int) bool { return es[i].gi < es[j].gi })
	var ps []tjPiece
	add := func(b []byte) {
		if len(b) == 0 {
			return
		}
		if n := len(ps); n > 0 && !ps[n-1].kern {
			ps[n-1].str = append(ps[n-1].str, b...)
			return
		}
		ps = append(ps, tjPiece{str: append([]byte(nil), b...)})
	}
	cl := r.ts.font.codeLen
	denom := r.ts.size * r.ts.hScale
	pos := 0
	for _, e := range es {
		add(r.raw[pos*cl : e.gi*cl])
		add(e.repl)
		if denom != 0 {
			shift := r.adv[e.gj] - r.adv[e.gi] - e.replAdv
			if v := -shift * 1000 / denom; math.Abs(v) >= 0.005 {
				ps = append(ps, tjPiece{kern: true, v: v})
			}
		}
		pos = e.gj
	}
	add(r.raw[pos*cl:])
	return ps
}

func (r *pdfRun) render(ps []tjPiece) string {
	if len(ps) == 0 {
		if r.hex {
			return "<>"
		}
		return "()"
	}
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		switch {
		case p.kern:
			parts = append(parts, pdfNum(p.v))
		case r.hex:
			parts = append(parts, string(encodeHexString(p.str)))
		default:
			parts = append(parts, string(encodeLiteral(p.str)))
		}
	}
	return strings.Join(parts, " ")
}

type tokEdit struct {
	start, end int
	val        string
}

// tokenEdits rewrites the run's operand, turning Tj, ' and " into TJ
// when the result needs kerning.
func (r *pdfRun) tokenEdits(toks []pdfToken, data []byte, ps []tjPiece) []tokEdit {
	str := toks[r.tok]
	body := r.render(ps)
	if r.op == "TJ" || (len(ps) <= 1 && (len(ps) == 0 || !ps[0].kern)) {
		return []tokEdit{{start: str.start, end: str.end, val: body}}
	}
	op := toks[r.opTok]
	switch r.op {
	case "'":
		return []tokEdit{
			{start: str.start, end: str.end, val: "T* [" + body + "]"},
			{start: op.start, end: op.end, val: "TJ"},
		}
	case "\"":
		if len(r.args) >= 3 {
			aw, ac := toks[r.args[0]], toks[r.args[1]]
			return []tokEdit{{
				start: aw.start,
				end:   op.end,
				val: fmt.Sprintf("%s Tw %s Tc T* [%s] TJ",
					data[aw.start:aw.end], data[ac.start:ac.end], body),
			}}
		}
	}
	return []tokEdit{
		{start: str.start, end: str.end, val: "[" + body + "]"},
		{start: op.start, end: op.end, val: "TJ"},
	}
}

// rewriteContent applies spans to the page and returns the new content
// stream. In overlay mode the span glyphs are cut out and the returned
// overlays describe what to paint in their place; in inline mode the
// placeholder is encoded in the run's own font, falling back to an overlay
// when the font has no code for one of its characters.
func rewriteContent(data []byte, page *pdfPage, spans []spanPlaceholder, inline bool) ([]byte, []pdfOverlay) {
	edits := make(map[int][]glyphEdit)
	var overlays []pdfOverlay

	type hit struct{ ri, gi, gj int }
	for _, sp := range spans {
		var hits []hit
		for ri := range page.runs {
			if gi, gj := page.runs[ri].glyphRange(sp.start, sp.end); gi >= 0 {
				hits = append(hits, hit{ri, gi, gj})
			}
		}
		if len(hits) == 0 {
			continue
		}
		overlay := !inline
		var repl []byte
		if inline {
			b, ok := page.runs[hits[0].ri].ts.font.encode(sp.placeholder)
			repl, overlay = b, !ok
		}
		ov := pdfOverlay{placeholder: sp.placeholder}
		for k, h := range hits {
			r := &page.runs[h.ri]
			e := glyphEdit{gi: h.gi, gj: h.gj}
			if overlay {
				ov.rects = append(ov.rects, r.rect(h.gi, h.gj))
				if k == 0 {
					ov.size = r.userSize()
				}
			} else if k == 0 {
				e.repl, e.replAdv = repl, r.width(repl)
			}
			edits[h.ri] = append(edits[h.ri], e)
		}
		if overlay {
			overlays = append(overlays, ov)
		}
	}

	var tes []tokEdit
	for ri, es := range edits {
		r := &page.runs[ri]
		tes = append(tes, r.tokenEdits(page.tokens, data, r.pieces(es))...)
	}
	sort.Slice(tes, func(i, j int) bool { return tes[i].start > tes[j].start })
	out := append([]byte(nil), data...)
	for _, e := range tes {
		out = append(out[:e.start], append([]byte(e.val), out[e.end:]...)...)
	}
	return out, overlays
}

// spanPlaceholder is a resolved span in page-text offsets.
type spanPlaceholder struct {
	start, end  int
	placeholder string
}

// overlayTextWidth is the width of s in Helvetica, in em.
func overlayTextWidth(s string) float64 {
	w := 0
	for _, r := range s {
		if r < 0x80 {
			w += font.CharWidth("Helvetica", r)
		} else {
			w += 556
		}
	}
	return float64(w) / 1000
}

// overlayOps renders overlays as content-stream operators using the font
// resource fontName.
func overlayOps(overlays []pdfOverlay, fontName string, blackbox bool) []byte {
	fill, ink := "1 1 1 rg", "0 0 0 rg"
	if blackbox {
		fill, ink = "0 0 0 rg", "1 1 1 rg"
	}
	var b bytes.Buffer
	for _, ov := range overlays {
		b.WriteString("q " + fill + "\n")
		total := 0.0
		for _, r := range ov.rects {
			fmt.Fprintf(&b, "%s %s %s %s re f\n", pdfNum(r.x), pdfNum(r.y), pdfNum(r.w), pdfNum(r.h))
			total += r.w
		}
		size := ov.size
		if w := overlayTextWidth(ov.placeholder); w > 0 && w*size > total {
			size = total / w
		}
		size = math.Max(size, 4)
		first := ov.rects[0]
		baseline := first.y + 0.22*first.h/1.1
		fmt.Fprintf(&b, "BT %s /%s %s Tf %s %s Td ", ink, fontName, pdfNum(size), pdfNum(first.x), pdfNum(baseline))
		b.Write(encodeLiteral(encodeWinAnsi(ov.placeholder)))
		b.WriteString(" Tj ET Q\n")
	}
	return b.Bytes()
}

func pdfNum(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

// encodeWinAnsi converts s to single-byte WinAnsi codes; runes outside the
// code page become '?'.
func encodeWinAnsi(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := charmap.Windows1252.EncodeRune(r); ok {
			out = append(out, b)
		} else {
			out = append(out, '?')
		}
	}
	return out
}
