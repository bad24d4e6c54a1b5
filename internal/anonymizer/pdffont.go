package anonymizer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/font"
	"golang.org/x/text/encoding/charmap"
)

const replacementChar = "\uFFFD"

// fontSpec holds the entries of a font dictionary that matter for text
// extraction, already dereferenced.
type fontSpec struct {
	subtype      string
	baseFont     string
	encoding     string         // /Encoding name, or /BaseEncoding of an encoding dict
	differences  map[int]string // code -> glyph name
	toUnicode    []byte         // decoded ToUnicode CMap stream
	firstChar    int
	widths       []float64 // simple fonts, glyph space
	missingWidth float64
	cidWidths    map[uint32]float64 // composite fonts, from /W
	defaultWidth float64            // composite fonts, /DW
}

// pdfFont maps the codes of a shown string to text and glyph advances.
type pdfFont struct {
	name    string
	codeLen int
	toUni   map[uint32]string
	widths  map[uint32]float64
	dw      float64
	reverse map[rune]uint32
}

// fallbackFont is used when a string is shown before any Tf or with a
// font missing from the resources.
var fallbackFont = (&pdfFont{
	name:    "fallback",
	codeLen: 1,
	toUni:   encodingTable("WinAnsiEncoding"),
	widths:  map[uint32]float64{},
	dw:      500,
}).indexed()

// newPDFFont builds the decoding tables for one font. Fonts whose codes
// cannot be mapped to text are rejected with errNoFontSupport.
func newPDFFont(name string, s fontSpec) (*pdfFont, error) {
	f := &pdfFont{name: name, codeLen: 1, widths: map[uint32]float64{}}
	base := subsetTrimmed(s.baseFont)

	var cmapLen int
	if len(s.toUnicode) > 0 {
		m, n, err := parseToUnicode(s.toUnicode)
		if err == nil && len(m) > 0 {
			f.toUni, cmapLen = m, n
		}
	}

	switch s.subtype {
	case "Type3":
		return nil, errNoFontSupport{font: name, reason: "Type3 glyph procedures"}
	case "Type0":
		if s.encoding != "Identity-H" {
			return nil, errNoFontSupport{font: name, reason: "composite encoding " + orNone(s.encoding)}
		}
		if f.toUni == nil {
			return nil, errNoFontSupport{font: name, reason: "composite font without ToUnicode"}
		}
		f.codeLen = 2
		if cmapLen == 1 {
			f.codeLen = 1
		}
		for c, w := range s.cidWidths {
			f.widths[c] = w
		}
		f.dw = s.defaultWidth
		if f.dw == 0 {
			f.dw = 1000
		}
	default:
		if f.toUni == nil {
			table, err := simpleEncoding(base, s)
			if err != nil {
				return nil, errNoFontSupport{font: name, reason: err.Error()}
			}
			f.toUni = table
		}
		for i, w := range s.widths {
			f.widths[uint32(s.firstChar+i)] = w
		}
		f.dw = s.missingWidth
		if len(s.widths) == 0 && font.IsCoreFont(base) {
			for c, text := range f.toUni {
				if r := []rune(text); len(r) == 1 && r[0] < 0x80 {
					f.widths[c] = float64(font.CharWidth(base, r[0]))
				}
			}
		}
		if f.dw == 0 {
			f.dw = 500
		}
	}
	return f.indexed(), nil
}

// simpleEncoding returns the code-to-text table of a single-byte font
// without a ToUnicode map.
func simpleEncoding(base string, s fontSpec) (map[uint32]string, error) {
	enc := s.encoding
	if enc == "" {
		switch {
		case base == "Symbol" || base == "ZapfDingbats":
			// Symbolic glyphs carry no text.
			return map[uint32]string{}, nil
		case font.IsCoreFont(base) || len(s.differences) > 0:
			enc = "StandardEncoding"
		default:
			return nil, fmt.Errorf("embedded font %s uses its built-in encoding", orNone(s.baseFont))
		}
	}
	table := encodingTable(enc)
	if table == nil {
		return nil, fmt.Errorf("unknown encoding %s", enc)
	}
	for code, glyph := range s.differences {
		if code < 0 || code > 255 {
			continue
		}
		if r, ok := glyphRune(glyph); ok {
			table[uint32(code)] = r
		} else {
			delete(table, uint32(code))
		}
	}
	return table, nil
}

// encodingTable returns the printable codes of a standard encoding.
func encodingTable(name string) map[uint32]string {
	var cm *charmap.Charmap
	switch name {
	case "WinAnsiEncoding":
		cm = charmap.Windows1252
	case "MacRomanEncoding":
		cm = charmap.Macintosh
	case "StandardEncoding":
		t := make(map[uint32]string, 95)
		for c := 0x20; c < 0x7f; c++ {
			t[uint32(c)] = string(rune(c))
		}
		t[0x27], t[0x60] = "’", "‘"
		return t
	default:
		return nil
	}
	t := make(map[uint32]string, 224)
	for c := 0x20; c < 0x100; c++ {
		if r := cm.DecodeByte(byte(c)); r != '\uFFFD' && r != 0x7f {
			t[uint32(c)] = string(r)
		}
	}
	return t
}

// decode returns the text of code, or U+FFFD when the font has none.
func (f *pdfFont) decode(code uint32) string {
	if s, ok := f.toUni[code]; ok {
		return s
	}
	return replacementChar
}

// width returns the advance of code in glyph space (1/1000 em).
func (f *pdfFont) width(code uint32) float64 {
	if w, ok := f.widths[code]; ok {
		return w
	}
	return f.dw
}

// codes splits a shown string into character codes.
func (f *pdfFont) codes(b []byte) []uint32 {
	n := f.codeLen
	out := make([]uint32, 0, len(b)/n)
	for i := 0; i+n <= len(b); i += n {
		var c uint32
		for _, x := range b[i : i+n] {
			c = c<<8 | uint32(x)
		}
		out = append(out, c)
	}
	return out
}

// indexed fills the rune-to-code table used by encode.
func (f *pdfFont) indexed() *pdfFont {
	f.reverse = make(map[rune]uint32, len(f.toUni))
	for c, text := range f.toUni {
		r := []rune(text)
		if len(r) != 1 {
			continue
		}
		if prev, ok := f.reverse[r[0]]; !ok || c < prev {
			f.reverse[r[0]] = c
		}
	}
	return f
}

// encode renders s in the font's codes. It fails when a rune has no code.
func (f *pdfFont) encode(s string) ([]byte, bool) {
	out := make([]byte, 0, len(s)*f.codeLen)
	for _, r := range s {
		c, ok := f.reverse[r]
		if !ok {
			return nil, false
		}
		for k := f.codeLen - 1; k >= 0; k-- {
			out = append(out, byte(c>>(8*k)))
		}
	}
	return out, true
}

func subsetTrimmed(base string) string {
	if i := strings.IndexByte(base, '+'); i == 6 {
		return base[i+1:]
	}
	return base
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// parseToUnicode reads the bfchar and bfrange sections of a ToUnicode
// CMap. The second result is the code length in bytes.
func parseToUnicode(data []byte) (map[uint32]string, int, error) {
	toks, err := lexContent(data)
	if err != nil {
		return nil, 0, err
	}
	type item struct {
		val  []byte
		list [][]byte
	}
	var (
		m       = map[uint32]string{}
		codeLen int
		section string
		items   []item
	)
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokHexString, tokString:
			if section != "" {
				items = append(items, item{val: t.val})
			}
			continue
		case tokArrayStart:
			var list [][]byte
			for i++; i < len(toks) && toks[i].kind != tokArrayEnd; i++ {
				list = append(list, toks[i].val)
			}
			if section != "" {
				items = append(items, item{list: list})
			}
			continue
		case tokKeyword:
		default:
			continue
		}
		switch op := string(t.val); op {
		case "begincodespacerange", "beginbfchar", "beginbfrange":
			section, items = op, items[:0]
		case "endcodespacerange":
			if len(items) > 0 && codeLen == 0 {
				codeLen = len(items[0].val)
			}
			section = ""
		case "endbfchar":
			for k := 0; k+1 < len(items); k += 2 {
				if codeLen == 0 {
					codeLen = len(items[k].val)
				}
				m[bytesCode(items[k].val)] = utf16Text(items[k+1].val)
			}
			section = ""
		case "endbfrange":
			for k := 0; k+2 < len(items); k += 3 {
				if codeLen == 0 {
					codeLen = len(items[k].val)
				}
				lo, hi := bytesCode(items[k].val), bytesCode(items[k+1].val)
				if hi < lo || hi-lo > 0xffff {
					continue
				}
				dst := items[k+2]
				for c := lo; c <= hi; c++ {
					switch {
					case dst.list != nil:
						if int(c-lo) < len(dst.list) {
							m[c] = utf16Text(dst.list[c-lo])
						}
					case len(dst.val) >= 2:
						units := utf16Units(dst.val)
						units[len(units)-1] += uint16(c - lo)
						m[c] = string(utf16.Decode(units))
					}
				}
			}
			section = ""
		}
	}
	if codeLen == 0 {
		codeLen = 1
	}
	return m, codeLen, nil
}

func bytesCode(b []byte) uint32 {
	var c uint32
	for _, x := range b {
		c = c<<8 | uint32(x)
	}
	return c
}

func utf16Units(b []byte) []uint16 {
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return u
}

func utf16Text(b []byte) string {
	return string(utf16.Decode(utf16Units(b)))
}

// glyphNames covers the Adobe glyph names of printable ASCII that are not
// the character itself.
var glyphNames = map[string]string{
	"space": " ", "exclam": "!", "quotedbl": "\"", "numbersign": "#",
	"dollar": "$", "percent": "%", "ampersand": "&", "quotesingle": "'",
	"quoteright": "’", "quoteleft": "‘", "parenleft": "(",
	"parenright": ")", "asterisk": "*", "plus": "+", "comma": ",",
	"hyphen": "-", "minus": "-", "period": ".", "slash": "/", "zero": "0",
	"one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
	"six": "6", "seven": "7", "eight": "8", "nine": "9", "colon": ":",
	"semicolon": ";", "less": "<", "equal": "=", "greater": ">",
	"question": "?", "at": "@", "bracketleft": "[", "backslash": "\\",
	"bracketright": "]", "asciicircum": "^", "underscore": "_",
	"grave": "`", "braceleft": "{", "bar": "|", "braceright": "}",
	"asciitilde": "~", "endash": "–", "emdash": "—",
	"quotedblleft": "“", "quotedblright": "”", "bullet": "•",
	"fi": "fi", "fl": "fl", "ff": "ff", "ffi": "ffi", "ffl": "ffl",
	"eacute": "é", "egrave": "è", "agrave": "à", "ccedilla": "ç",
	"udieresis": "ü", "odieresis": "ö", "adieresis": "ä", "germandbls": "ß",
}

// glyphRune maps a glyph name from a /Differences array to text.
func glyphRune(name string) (string, bool) {
	if s, ok := glyphNames[name]; ok {
		return s, true
	}
	if len(name) == 1 && name[0] > 0x20 && name[0] < 0x7f {
		return name, true
	}
	for _, prefix := range []string{"uni", "u"} {
		hex := strings.TrimPrefix(name, prefix)
		if hex == name || len(hex) < 4 || len(hex) > 6 {
			continue
		}
		if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return string(rune(v)), true
		}
	}
	return "", false
}
