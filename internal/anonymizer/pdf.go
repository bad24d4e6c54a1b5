package anonymizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/filter"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const overlayFontBase = "AnonHelv"

// AnonymizePDF replaces PII in the text layer of every page. Pages without
// a mappable text layer are left unmodified and reported as warnings; a
// document in which nothing changed is returned byte for byte.
func (a *Anonymizer) AnonymizePDF(ctx context.Context, cache *Cache, data []byte) ([]byte, []Warning, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: pdf: %v", ErrMalformedInput, err)
	}

	var warnings []Warning
	changed := false
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		unit := fmt.Sprintf("page %d", pageNr)
		pageChanged, pageWarnings, err := a.anonymizePDFPage(ctx, pctx, cache, pageNr)
		switch {
		case errors.Is(err, ErrDetection), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, nil, err
		case err != nil:
			a.log.Warnf("pdf_page_skipped", "%s: %v", unit, err)
			warnings = append(warnings, Warning{Unit: unit, Err: fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)})
			continue
		}
		for _, w := range pageWarnings {
			warnings = append(warnings, Warning{Unit: unit, Err: w})
		}
		changed = changed || pageChanged
	}

	if !changed {
		return data, warnings, nil
	}
	var buf bytes.Buffer
	if err := api.WriteContext(pctx, &buf); err != nil {
		return nil, nil, fmt.Errorf("pdf write: %w", err)
	}
	return buf.Bytes(), warnings, nil
}

// anonymizePDFPage rewrites the content of one page. The returned warnings
// describe page content that was left in place.
func (a *Anonymizer) anonymizePDFPage(ctx context.Context, pctx *model.Context, cache *Cache, pageNr int) (bool, []error, error) {
	pageDict, _, inherited, err := pctx.PageDict(pageNr, true)
	if err != nil {
		return false, nil, err
	}
	if pageDict == nil {
		return false, nil, fmt.Errorf("page dict not found")
	}
	var resources types.Dict
	if inherited != nil {
		resources = inherited.Resources
	}
	fonts := a.resourceDict(pctx, resources, "Font")
	xobjects := a.resourceDict(pctx, resources, "XObject")

	content, err := pageContent(pctx, pageNr)
	if err != nil {
		return false, nil, err
	}
	loaded := map[string]*pdfFont{}
	page, err := interpretContent(content, func(name string) (*pdfFont, error) {
		if f, ok := loaded[name]; ok {
			return f, nil
		}
		obj, ok := fonts[name]
		if !ok {
			return nil, nil
		}
		f, err := loadFont(pctx, name, obj)
		if err != nil {
			return nil, err
		}
		loaded[name] = f
		return f, nil
	})
	if err != nil {
		return false, nil, err
	}

	var notes []error
	for _, name := range page.xobjs {
		if dictSubtype(pctx, xobjects[name]) == "Form" {
			notes = append(notes, fmt.Errorf("%w: form xobject %s not rewritten", ErrUnsupportedContainer, name))
		}
	}
	if len(page.runs) == 0 {
		if len(pdfcpu.ImageObjNrs(pctx, pageNr)) > 0 {
			return false, nil, fmt.Errorf("no text layer")
		}
		return false, notes, nil
	}

	spans, err := a.detect(ctx, page.text)
	if err != nil {
		return false, nil, err
	}
	var placed []spanPlaceholder
	for _, sp := range spans {
		ph := cache.Resolve(sp.Label, sp.Text)
		if ph == "" {
			continue
		}
		placed = append(placed, spanPlaceholder{start: sp.Start, end: sp.End, placeholder: ph})
	}
	if len(placed) == 0 {
		return false, notes, nil
	}
	a.metrics.SpansReplaced.Add(int64(len(placed)))

	rewritten, overlays := rewriteContent(content, page, placed, a.pdfStyle == PDFInline)
	if len(overlays) > 0 {
		fontName := overlayFontName(fonts)
		var b bytes.Buffer
		b.WriteString("q\n")
		b.Write(rewritten)
		b.WriteString("\nQ\n")
		b.Write(overlayOps(overlays, fontName, a.pdfStyle == PDFBlackbox))
		rewritten = b.Bytes()
		if err := addOverlayFont(pctx, pageDict, resources, fonts, fontName); err != nil {
			return false, nil, err
		}
	}
	if err := setPageContent(pctx, pageDict, rewritten); err != nil {
		return false, nil, err
	}
	return true, notes, nil
}

func pageContent(pctx *model.Context, pageNr int) ([]byte, error) {
	r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	return io.ReadAll(r)
}

// resourceDict returns the named sub-dictionary of a resource dictionary,
// or an empty dict.
func (a *Anonymizer) resourceDict(pctx *model.Context, res types.Dict, key string) types.Dict {
	if res == nil {
		return types.Dict{}
	}
	obj, ok := res.Find(key)
	if !ok {
		return types.Dict{}
	}
	d, err := pctx.DereferenceDict(obj)
	if err != nil || d == nil {
		a.log.Debugf("pdf_resource", "%s: %v", key, err)
		return types.Dict{}
	}
	return d
}

// dictSubtype reports the /Subtype of a font dict or XObject stream.
func dictSubtype(pctx *model.Context, obj types.Object) string {
	if obj == nil {
		return ""
	}
	o, err := pctx.Dereference(obj)
	if err != nil {
		return ""
	}
	var st *string
	switch v := o.(type) {
	case types.Dict:
		st = v.NameEntry("Subtype")
	case types.StreamDict:
		st = v.NameEntry("Subtype")
	}
	if st == nil {
		return ""
	}
	return *st
}

// loadFont reads the encoding, ToUnicode map and widths of a font
// resource.
func loadFont(pctx *model.Context, name string, obj types.Object) (*pdfFont, error) {
	d, ok := deref(pctx, obj).(types.Dict)
	if !ok {
		return nil, fmt.Errorf("font %s is not a dictionary", name)
	}
	s := fontSpec{
		subtype:   nameOf(d, "Subtype"),
		baseFont:  nameOf(d, "BaseFont"),
		firstChar: int(number(pctx, d["FirstChar"])),
	}
	switch enc := deref(pctx, d["Encoding"]).(type) {
	case types.Name:
		s.encoding = string(enc)
	case types.Dict:
		s.encoding = nameOf(enc, "BaseEncoding")
		if arr, ok := deref(pctx, enc["Differences"]).(types.Array); ok {
			s.differences = differences(pctx, arr)
		}
	}
	if sd, ok := deref(pctx, d["ToUnicode"]).(types.StreamDict); ok {
		if err := sd.Decode(); err == nil {
			s.toUnicode = sd.Content
		}
	}
	if arr, ok := deref(pctx, d["Widths"]).(types.Array); ok {
		for _, o := range arr {
			s.widths = append(s.widths, number(pctx, o))
		}
	}
	if fd, ok := deref(pctx, d["FontDescriptor"]).(types.Dict); ok {
		s.missingWidth = number(pctx, fd["MissingWidth"])
	}
	if arr, ok := deref(pctx, d["DescendantFonts"]).(types.Array); ok && len(arr) > 0 {
		if cid, ok := deref(pctx, arr[0]).(types.Dict); ok {
			s.defaultWidth = number(pctx, cid["DW"])
			if w, ok := deref(pctx, cid["W"]).(types.Array); ok {
				s.cidWidths = cidWidths(pctx, w)
			}
		}
	}
	return newPDFFont(name, s)
}

func deref(pctx *model.Context, o types.Object) types.Object {
	if o == nil {
		return nil
	}
	v, err := pctx.Dereference(o)
	if err != nil {
		return nil
	}
	return v
}

func nameOf(d types.Dict, key string) string {
	if n := d.NameEntry(key); n != nil {
		return *n
	}
	return ""
}

func number(pctx *model.Context, o types.Object) float64 {
	switch v := deref(pctx, o).(type) {
	case types.Integer:
		return float64(v)
	case types.Float:
		return float64(v)
	}
	return 0
}

// differences expands a /Differences array into code -> glyph name.
func differences(pctx *model.Context, arr types.Array) map[int]string {
	m := map[int]string{}
	code := 0
	for _, o := range arr {
		switch v := deref(pctx, o).(type) {
		case types.Integer:
			code = int(v)
		case types.Name:
			m[code] = string(v)
			code++
		}
	}
	return m
}

// cidWidths expands a CIDFont /W array: "c [w1 w2 ...]" and "c1 c2 w".
func cidWidths(pctx *model.Context, arr types.Array) map[uint32]float64 {
	m := map[uint32]float64{}
	for i := 0; i+1 < len(arr); {
		first := uint32(number(pctx, arr[i]))
		if ws, ok := deref(pctx, arr[i+1]).(types.Array); ok {
			for k, w := range ws {
				m[first+uint32(k)] = number(pctx, w)
			}
			i += 2
			continue
		}
		if i+2 >= len(arr) {
			break
		}
		last, w := uint32(number(pctx, arr[i+1])), number(pctx, arr[i+2])
		for c := first; c <= last && c-first < 0x10000; c++ {
			m[c] = w
		}
		i += 3
	}
	return m
}

func overlayFontName(fonts types.Dict) string {
	name := overlayFontBase
	for i := 1; ; i++ {
		if _, taken := fonts[name]; !taken {
			return name
		}
		name = fmt.Sprintf("%s%d", overlayFontBase, i)
	}
}

// addOverlayFont gives the page a private resource dictionary holding a
// Helvetica font under fontName. Inherited and shared resources are left
// untouched.
func addOverlayFont(pctx *model.Context, pageDict, res, fonts types.Dict, fontName string) error {
	fd := types.NewDict()
	fd.InsertName("Type", "Font")
	fd.InsertName("Subtype", "Type1")
	fd.InsertName("BaseFont", "Helvetica")
	fd.InsertName("Encoding", "WinAnsiEncoding")
	ir, err := pctx.IndRefForNewObject(fd)
	if err != nil {
		return err
	}

	newFonts := types.NewDict()
	for k, v := range fonts {
		newFonts[k] = v
	}
	newFonts[fontName] = *ir

	newRes := types.NewDict()
	for k, v := range res {
		newRes[k] = v
	}
	newRes["Font"] = newFonts
	pageDict["Resources"] = newRes
	return nil
}

func newContentStream(content []byte) (types.StreamDict, error) {
	sd := types.StreamDict{
		Dict:           types.NewDict(),
		Content:        content,
		FilterPipeline: []types.PDFFilter{{Name: filter.Flate}},
	}
	sd.InsertName("Filter", filter.Flate)
	if err := sd.Encode(); err != nil {
		return sd, err
	}
	return sd, nil
}

// setPageContent replaces the page's content with content. When /Contents
// is an array the first stream receives the whole content and the rest are
// emptied.
func setPageContent(pctx *model.Context, pageDict types.Dict, content []byte) error {
	sd, err := newContentStream(content)
	if err != nil {
		return err
	}
	obj, _ := pageDict.Find("Contents")
	var refs []types.IndirectRef
	switch v := obj.(type) {
	case types.IndirectRef:
		if arr, err := pctx.DereferenceArray(v); err == nil && arr != nil {
			refs = indirectRefs(arr)
		} else {
			refs = []types.IndirectRef{v}
		}
	case types.Array:
		refs = indirectRefs(v)
	}

	if len(refs) == 0 {
		ir, err := pctx.IndRefForNewObject(sd)
		if err != nil {
			return err
		}
		pageDict["Contents"] = *ir
		return nil
	}
	for i, ref := range refs {
		entry, ok := pctx.Table[ref.ObjectNumber.Value()]
		if !ok || entry == nil {
			return fmt.Errorf("content stream %d missing", ref.ObjectNumber.Value())
		}
		if i == 0 {
			entry.Object = sd
			continue
		}
		empty, err := newContentStream([]byte{})
		if err != nil {
			return err
		}
		entry.Object = empty
	}
	return nil
}

func indirectRefs(arr types.Array) []types.IndirectRef {
	var out []types.IndirectRef
	for _, o := range arr {
		if ir, ok := o.(types.IndirectRef); ok {
			out = append(out, ir)
		}
	}
	return out
}
