package anonymizer

import (
	"errors"
	"testing"
)

const testCMap = `/CIDInit /ProcSet findresource begin
12 dict begin
begincmap
1 begincodespacerange
<0000> <FFFF>
endcodespacerange
2 beginbfchar
<0003> <0020>
<0011> <00660069>
endbfchar
2 beginbfrange
<0024> <0026> <0041>
<0030> <0031> [<004A> <006F>]
endbfrange
endcmap
CMapName currentdict /CMap defineresource pop
end
end`

func TestParseToUnicode(t *testing.T) {
	m, codeLen, err := parseToUnicode([]byte(testCMap))
	if err != nil {
		t.Fatal(err)
	}
	if codeLen != 2 {
		t.Errorf("code length %d", codeLen)
	}
	want := map[uint32]string{0x03: " ", 0x11: "fi", 0x24: "A", 0x25: "B", 0x26: "C", 0x30: "J", 0x31: "o"}
	for code, text := range want {
		if m[code] != text {
			t.Errorf("code %04x: got %q, want %q", code, m[code], text)
		}
	}
	if len(m) != len(want) {
		t.Errorf("got %d entries, want %d", len(m), len(want))
	}
}

func TestCompositeFont_DecodesAndRedacts(t *testing.T) {
	f, err := newPDFFont("F2", fontSpec{
		subtype:      "Type0",
		encoding:     "Identity-H",
		toUnicode:    []byte(testCMap),
		cidWidths:    map[uint32]float64{0x30: 400, 0x31: 600},
		defaultWidth: 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("BT /F2 10 Tf <0030003100030024> Tj ET")
	page, err := interpretContent(data, func(string) (*pdfFont, error) { return f, nil })
	if err != nil {
		t.Fatal(err)
	}
	if page.text != "Jo A" {
		t.Fatalf("text: %q", page.text)
	}
	out, _ := rewriteContent(data, page, []spanPlaceholder{{start: 0, end: 2, placeholder: "Person A"}}, false)
	// J and o are 4pt and 6pt wide at 10pt.
	if got := string(out); got != "BT /F2 10 Tf [-1000 <00030024>] TJ ET" {
		t.Errorf("got %s", got)
	}
}

func TestSimpleFont_Encodings(t *testing.T) {
	tests := []struct {
		name string
		spec fontSpec
		code uint32
		want string
	}{
		{"winansi", fontSpec{subtype: "TrueType", encoding: "WinAnsiEncoding"}, 0x93, "“"},
		{"macroman", fontSpec{subtype: "Type1", encoding: "MacRomanEncoding"}, 0x8e, "é"},
		{"differences over standard", fontSpec{subtype: "Type1", baseFont: "ABCDEF+CMR10", differences: map[int]string{12: "fi", 65: "uni0042"}}, 12, "fi"},
		{"differences uniXXXX", fontSpec{subtype: "Type1", baseFont: "ABCDEF+CMR10", differences: map[int]string{65: "uni0042"}}, 65, "B"},
		{"unknown glyph name", fontSpec{subtype: "Type1", baseFont: "ABCDEF+CMR10", differences: map[int]string{65: "g123"}}, 65, replacementChar},
		{"core font default", fontSpec{subtype: "Type1", baseFont: "Times-Roman"}, 'x', "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := newPDFFont("F1", tt.spec)
			if err != nil {
				t.Fatal(err)
			}
			if got := f.decode(tt.code); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSimpleFont_Widths(t *testing.T) {
	f, err := newPDFFont("F1", fontSpec{subtype: "TrueType", encoding: "WinAnsiEncoding", firstChar: 65, widths: []float64{700, 650}, missingWidth: 300})
	if err != nil {
		t.Fatal(err)
	}
	for code, want := range map[uint32]float64{'A': 700, 'B': 650, 'C': 300} {
		if got := f.width(code); got != want {
			t.Errorf("width(%c): got %v, want %v", code, got, want)
		}
	}
	core, err := newPDFFont("F2", fontSpec{subtype: "Type1", baseFont: "Courier"})
	if err != nil {
		t.Fatal(err)
	}
	if got := core.width('i'); got != 600 {
		t.Errorf("Courier width: %v", got)
	}
}

func TestNewPDFFont_Unsupported(t *testing.T) {
	tests := []struct {
		name string
		spec fontSpec
	}{
		{"built-in encoding", fontSpec{subtype: "TrueType", baseFont: "ABCDEF+Calibri"}},
		{"type3", fontSpec{subtype: "Type3"}},
		{"composite without ToUnicode", fontSpec{subtype: "Type0", encoding: "Identity-H"}},
		{"composite vertical", fontSpec{subtype: "Type0", encoding: "Identity-V", toUnicode: []byte(testCMap)}},
		{"unknown encoding", fontSpec{subtype: "Type1", encoding: "PDFDocEncoding"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newPDFFont("F9", tt.spec)
			var nf errNoFontSupport
			if !errors.As(err, &nf) {
				t.Errorf("expected errNoFontSupport, got %v", err)
			}
		})
	}
}

func TestSymbolicFontCarriesNoText(t *testing.T) {
	f, err := newPDFFont("F1", fontSpec{subtype: "Type1", baseFont: "ZapfDingbats"})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.decode('l'); got != replacementChar {
		t.Errorf("got %q", got)
	}
}
