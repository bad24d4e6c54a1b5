package anonymizer

import (
	"context"
	"errors"
	"testing"

	"eml-anonymizer/internal/metrics"
)

func TestAnonymizeHTML_PreservesMarkup(t *testing.T) {
	m := metrics.New()
	a := newTestAnonymizer(Options{Metrics: m}, "Matthew Booth")
	in := `<p class="greet">Hi <b>Matthew Booth</b> &amp; co,</p>` +
		`<a HREF="mailto:matthew.booth@company.com" title='Matthew Booth'>write</a>` +
		`<script>var n = "Matthew Booth";</script><!-- Matthew Booth -->`
	want := `<p class="greet">Hi <b>Person A</b> &amp; co,</p>` +
		`<a HREF="mailto:persona@example.com" title='Person A'>write</a>` +
		`<script>var n = "Matthew Booth";</script><!-- Matthew Booth -->`

	got, err := a.AnonymizeHTML(context.Background(), NewCache(StyleSurrogate, m), in)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
	if n := m.DetectorCalls.Load(); n != 1 {
		t.Errorf("expected one detector call per document, got %d", n)
	}
}

func TestAnonymizeHTML_RawTextElements(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"noscript", `<noscript><p>Ann Lee &amp; co</p></noscript>`, `<noscript><p>Person A &amp; co</p></noscript>`},
		{"iframe", `<iframe src="x"><a href="#">Ann Lee</a></iframe>`, `<iframe src="x"><a href="#">Person A</a></iframe>`},
		{"xmp", `<xmp><b>Ann Lee</b> 1 < 2</xmp><p>Ann Lee</p>`, `<xmp><b>Person A</b> 1 < 2</xmp><p>Person A</p>`},
		{"noembed", `<noembed><i>Ann Lee</i></noembed>`, `<noembed><i>Person A</i></noembed>`},
		{"noframes", `<noframes><p>Ann Lee</p></noframes>`, `<noframes><p>Person A</p></noframes>`},
		{"plaintext", `<plaintext><p>Ann Lee</p>`, `<plaintext><p>Person A</p>`},
		{"style untouched", `<style>p::after{content:"Ann Lee"}</style>`, `<style>p::after{content:"Ann Lee"}</style>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnonymizer(Options{}, "Ann Lee")
			got, err := a.AnonymizeHTML(context.Background(), NewCache(StyleSurrogate, nil), tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestAnonymizeHTML_UnquotedAttributeGetsQuoted(t *testing.T) {
	a := newTestAnonymizer(Options{}, "Ann")
	got, err := a.AnonymizeHTML(context.Background(), NewCache(StyleSurrogate, nil), `<img alt=Ann src=a.png>`)
	if err != nil {
		t.Fatal(err)
	}
	if want := `<img alt="Person A" src=a.png>`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestAnonymizeHTML_EscapesPlaceholders(t *testing.T) {
	a := newTestAnonymizer(Options{}, "Ann")
	got, err := a.AnonymizeHTML(context.Background(), NewCache(StyleGeneric, nil), `<p>Ann</p><i title="Ann">x</i>`)
	if err != nil {
		t.Fatal(err)
	}
	if want := `<p>&lt;PERSON&gt;</p><i title="&lt;PERSON&gt;">x</i>`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestAnonymizeHTML_SharesCacheWithText(t *testing.T) {
	a := newTestAnonymizer(Options{}, "Matthew Booth")
	cache := NewCache(StyleSurrogate, nil)
	ctx := context.Background()
	if _, err := a.AnonymizeText(ctx, cache, "From Jane Roe and Matthew Booth"); err != nil {
		t.Fatal(err)
	}
	got, err := a.AnonymizeHTML(ctx, cache, "<div>matthew booth</div>")
	if err != nil {
		t.Fatal(err)
	}
	// The name detector is case-sensitive, so only the exact form is found.
	if got != "<div>matthew booth</div>" {
		t.Errorf("unexpected rewrite %s", got)
	}
	got, err = a.AnonymizeHTML(ctx, cache, "<div>Matthew Booth</div>")
	if err != nil {
		t.Fatal(err)
	}
	if got != "<div>Person A</div>" {
		t.Errorf("got %s", got)
	}
}

func TestAnonymizeHTML_NoPIIReturnsInput(t *testing.T) {
	a := newTestAnonymizer(Options{})
	in := "<html><body><P>Nothing here.</P></body></html>"
	got, err := a.AnonymizeHTML(context.Background(), NewCache(StyleSurrogate, nil), in)
	if err != nil || got != in {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestAnonymizeHTML_DetectorFailure(t *testing.T) {
	a := New(failingDetector(), Options{})
	_, err := a.AnonymizeHTML(context.Background(), NewCache(StyleSurrogate, nil), "<p>Ann</p>")
	if !errors.Is(err, ErrDetection) {
		t.Errorf("expected ErrDetection, got %v", err)
	}
}

func TestScanAttributes(t *testing.T) {
	tag := `<a  HREF = "x y" data-x='q' checked title=plain/>`
	got := scanAttributes(tag)
	want := []struct{ name, value string }{{"HREF", "x y"}, {"data-x", "q"}, {"title", "plain/"}}
	if len(got) != len(want) {
		t.Fatalf("got %d attributes: %+v", len(got), got)
	}
	for i, w := range want {
		if got[i].name != w.name || tag[got[i].start:got[i].end] != w.value {
			t.Errorf("attr %d: got %s=%q", i, got[i].name, tag[got[i].start:got[i].end])
		}
	}
}
