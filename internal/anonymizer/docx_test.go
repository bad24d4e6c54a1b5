package anonymizer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

const wNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

func docxDocument(body string) string {
	return `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<w:document ` + wNS + `><w:body>` + body + `</w:body></w:document>`
}

const testCoreProps = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
	`<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/">` +
	`<dc:title>Report</dc:title><dc:creator>Matthew Booth</dc:creator><cp:lastModifiedBy>Jane Roe</cp:lastModifiedBy></cp:coreProperties>`

var testImage = []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3, 'M', 'a', 't', 't'}

type zipEntry struct {
	name string
	body []byte
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(e.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("output is not a zip: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(rc)
		rc.Close() //nolint:errcheck
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = string(b)
	}
	return out
}

func testDOCX(t *testing.T, body string, extra ...zipEntry) []byte {
	t.Helper()
	entries := []zipEntry{
		{"[Content_Types].xml", []byte(`<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`)},
		{"word/document.xml", []byte(docxDocument(body))},
		{"word/media/image1.png", testImage},
	}
	entries = append(entries, extra...)
	return buildZip(t, entries...)
}

const splitNameBody = `<w:p><w:r><w:rPr><w:b/></w:rPr><w:t>Dear Matt</w:t></w:r><w:r><w:t xml:space="preserve">hew Booth,</w:t></w:r></w:p>` +
	`<w:p><w:r><w:t>Call 555-123-4567 today.</w:t></w:r></w:p>`

func TestAnonymizeDOCX_MergeAcrossRuns(t *testing.T) {
	a := newTestAnonymizer(Options{}, "Matthew Booth")
	in := testDOCX(t, splitNameBody,
		zipEntry{"word/header1.xml", []byte(`<w:hdr ` + wNS + `><w:p><w:r><w:t>Matthew Booth confidential</w:t></w:r></w:p></w:hdr>`)},
		zipEntry{"docProps/core.xml", []byte(testCoreProps)},
	)

	out, warnings, err := a.AnonymizeDOCX(context.Background(), NewCache(StyleSurrogate, nil), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings %v", warnings)
	}
	parts := readZip(t, out)
	doc := parts["word/document.xml"]

	for _, want := range []string{
		`<w:rPr><w:b/></w:rPr><w:t>Dear Person A</w:t>`,
		`<w:t xml:space="preserve">,</w:t>`,
		`<w:t>Call 555-000-0001 today.</w:t>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document.xml missing %s\n%s", want, doc)
		}
	}
	if n := strings.Count(doc, "<w:p>"); n != 2 {
		t.Errorf("paragraph count changed: %d", n)
	}
	if strings.Contains(doc, "Matt") || strings.Contains(doc, "555-123-4567") {
		t.Errorf("original value survived: %s", doc)
	}
	if !strings.Contains(parts["word/header1.xml"], "<w:t>Person A confidential</w:t>") {
		t.Errorf("header not rewritten: %s", parts["word/header1.xml"])
	}
	core := parts["docProps/core.xml"]
	if !strings.Contains(core, "<dc:creator>Person A</dc:creator>") || !strings.Contains(core, "<cp:lastModifiedBy>Person B</cp:lastModifiedBy>") {
		t.Errorf("core properties: %s", core)
	}
	if !strings.Contains(core, "<dc:title>Report</dc:title>") {
		t.Errorf("title must be untouched: %s", core)
	}
	if parts["word/media/image1.png"] != string(testImage) {
		t.Error("binary part changed")
	}
}

func TestAnonymizeDOCX_Distribute(t *testing.T) {
	a := newTestAnonymizer(Options{DOCXStrategy: RunDistribute}, "Matthew Booth")
	out, _, err := a.AnonymizeDOCX(context.Background(), NewCache(StyleSurrogate, nil), testDOCX(t, splitNameBody))
	if err != nil {
		t.Fatal(err)
	}
	doc := readZip(t, out)["word/document.xml"]
	// 4 of the 13 span runes sit in the first run: 8*4/13 = 2 placeholder runes.
	for _, want := range []string{`<w:t>Dear Pe</w:t>`, `<w:t xml:space="preserve">rson A,</w:t>`} {
		if !strings.Contains(doc, want) {
			t.Errorf("missing %s\n%s", want, doc)
		}
	}
}

func TestAnonymizeDOCX_PreserveAddedForEdgeSpace(t *testing.T) {
	a := newTestAnonymizer(Options{DOCXStrategy: RunDistribute}, "Matthew Booth")
	body := `<w:p><w:r><w:t>Dear Matthew Bo</w:t></w:r><w:r><w:t>oth</w:t></w:r></w:p>`
	out, _, err := a.AnonymizeDOCX(context.Background(), NewCache(StyleSurrogate, nil), testDOCX(t, body))
	if err != nil {
		t.Fatal(err)
	}
	doc := readZip(t, out)["word/document.xml"]
	for _, want := range []string{`<w:t>Dear Person</w:t>`, `<w:t xml:space="preserve"> A</w:t>`} {
		if !strings.Contains(doc, want) {
			t.Errorf("missing %s\n%s", want, doc)
		}
	}
}

func TestAnonymizeDOCX_TabsAndEntities(t *testing.T) {
	a := newTestAnonymizer(Options{}, "Ann Lee")
	body := `<w:p><w:r><w:t>Name:</w:t><w:tab/><w:t>Ann Lee &amp; Co</w:t></w:r></w:p>`
	out, _, err := a.AnonymizeDOCX(context.Background(), NewCache(StyleSurrogate, nil), testDOCX(t, body))
	if err != nil {
		t.Fatal(err)
	}
	doc := readZip(t, out)["word/document.xml"]
	if !strings.Contains(doc, `<w:t>Name:</w:t><w:tab/><w:t>Person A &amp; Co</w:t>`) {
		t.Errorf("got %s", doc)
	}
}

func TestAnonymizeDOCX_NoPIIReturnsInput(t *testing.T) {
	a := newTestAnonymizer(Options{})
	in := testDOCX(t, `<w:p><w:r><w:t>Quarterly summary</w:t></w:r></w:p>`)
	out, warnings, err := a.AnonymizeDOCX(context.Background(), NewCache(StyleSurrogate, nil), in)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("err=%v warnings=%v", err, warnings)
	}
	if !bytes.Equal(out, in) {
		t.Error("unchanged document must be returned as is")
	}
}

func TestAnonymizeDOCX_BrokenPartIsWarning(t *testing.T) {
	a := newTestAnonymizer(Options{}, "Ann")
	in := testDOCX(t, `<w:p><w:r><w:t>Ann</w:t></w:r></w:p>`,
		zipEntry{"word/footer1.xml", []byte(`<w:ftr ` + wNS + `><w:p><w:r><w:t>Ann</w:t></w:r></w:p><w:p`)},
	)
	out, warnings, err := a.AnonymizeDOCX(context.Background(), NewCache(StyleSurrogate, nil), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || warnings[0].Unit != "word/footer1.xml" || !errors.Is(warnings[0], ErrUnsupportedContainer) {
		t.Fatalf("warnings: %v", warnings)
	}
	parts := readZip(t, out)
	if !strings.Contains(parts["word/document.xml"], "<w:t>Person A</w:t>") {
		t.Error("healthy part must still be rewritten")
	}
	if !strings.HasSuffix(parts["word/footer1.xml"], "<w:t>Ann</w:t></w:r></w:p><w:p") {
		t.Error("broken part must be copied unmodified")
	}
}

func TestAnonymizeDOCX_Malformed(t *testing.T) {
	a := newTestAnonymizer(Options{})
	cache := NewCache(StyleSurrogate, nil)
	if _, _, err := a.AnonymizeDOCX(context.Background(), cache, []byte("not a zip")); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("not a zip: %v", err)
	}
	noDoc := buildZip(t, zipEntry{"word/styles.xml", []byte("<x/>")})
	if _, _, err := a.AnonymizeDOCX(context.Background(), cache, noDoc); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("no document part: %v", err)
	}
}

func TestAnonymizeDOCX_DetectorFailure(t *testing.T) {
	a := New(failingDetector(), Options{})
	_, _, err := a.AnonymizeDOCX(context.Background(), NewCache(StyleSurrogate, nil), testDOCX(t, `<w:p><w:r><w:t>Ann</w:t></w:r></w:p>`))
	if !errors.Is(err, ErrDetection) {
		t.Errorf("expected ErrDetection, got %v", err)
	}
}

const testRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>` +
	`<Relationship Id="rId5" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/hyperlink" Target="mailto:matthew.booth@company.com?subject=Hi%20there" TargetMode="External"/>` +
	`</Relationships>`

func TestAnonymizeDOCX_HyperlinkTargetsAndFieldCodes(t *testing.T) {
	a := newTestAnonymizer(Options{}, "Matthew Booth")
	body := `<w:p><w:r><w:fldChar w:fldCharType="begin"/></w:r>` +
		`<w:r><w:instrText xml:space="preserve"> HYPERLINK "mailto:matthew.booth@company.com" </w:instrText></w:r>` +
		`<w:r><w:fldChar w:fldCharType="separate"/></w:r><w:r><w:t>Write to Matthew Booth</w:t></w:r>` +
		`<w:r><w:fldChar w:fldCharType="end"/></w:r></w:p>` +
		`<w:p><w:hyperlink r:id="rId5"><w:r><w:t>matthew.booth@company.com</w:t></w:r></w:hyperlink></w:p>`
	in := testDOCX(t, body, zipEntry{"word/_rels/document.xml.rels", []byte(testRels)})

	out, warnings, err := a.AnonymizeDOCX(context.Background(), NewCache(StyleSurrogate, nil), in)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("err=%v warnings=%v", err, warnings)
	}
	parts := readZip(t, out)
	doc := parts["word/document.xml"]
	for _, want := range []string{
		`<w:instrText xml:space="preserve"> HYPERLINK "mailto:persona@example.com" </w:instrText>`,
		`<w:t>Write to Person A</w:t>`,
		`<w:t>persona@example.com</w:t>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document.xml missing %s\n%s", want, doc)
		}
	}
	rels := parts["word/_rels/document.xml.rels"]
	for _, want := range []string{`Target="styles.xml"`, `Target="mailto:persona@example.com?subject=Hi%20there" TargetMode="External"`} {
		if !strings.Contains(rels, want) {
			t.Errorf("rels missing %s\n%s", want, rels)
		}
	}
	if strings.Contains(doc+rels, "matthew") {
		t.Errorf("original address survived:\n%s\n%s", doc, rels)
	}
}
