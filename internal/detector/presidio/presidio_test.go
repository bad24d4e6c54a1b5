package presidio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"eml-anonymizer/internal/detector"
)

func TestDetect_ConvertsCodePointOffsets(t *testing.T) {
	text := "Grüße an Jürgen Müller"
	var got analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// "Jürgen Müller" spans code points 9..22.
		_, _ = w.Write([]byte(`[{"entity_type":"PERSON","start":9,"end":22,"score":0.85}]`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "de")
	spans, err := c.Detect(context.Background(), text, detector.NewLabelSet(detector.Person))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Language != "de" || got.Text != text || len(got.Entities) != 1 || got.Entities[0] != "PERSON" {
		t.Errorf("unexpected request body %+v", got)
	}
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %+v", spans)
	}
	if spans[0].Text != "Jürgen Müller" {
		t.Errorf("Text: got %q", spans[0].Text)
	}
	if text[spans[0].Start:spans[0].End] != "Jürgen Müller" {
		t.Errorf("byte offsets wrong: %d..%d", spans[0].Start, spans[0].End)
	}
}

func TestDetect_StatusErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "en").Detect(context.Background(), "hello Ann", detector.NewLabelSet(detector.Person))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestDetect_UnreachableIsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := New(url, "en").Detect(context.Background(), "hello Ann", detector.NewLabelSet(detector.Person)); err == nil {
		t.Error("expected error for unreachable analyzer")
	}
}

func TestDetect_SkipsBadOffsets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"entity_type":"PERSON","start":3,"end":99,"score":0.9},{"entity_type":"PERSON","start":0,"end":3,"score":0.9}]`))
	}))
	defer srv.Close()

	spans, err := New(srv.URL, "en").Detect(context.Background(), "Ann", detector.NewLabelSet(detector.Person))
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 1 || spans[0].Text != "Ann" {
		t.Errorf("got %+v", spans)
	}
}

func TestDetect_BlankTextSkipsCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	spans, err := New(srv.URL, "en").Detect(context.Background(), "  \n", detector.NewLabelSet(detector.Person))
	if err != nil || spans != nil || called {
		t.Errorf("blank text should short-circuit: spans=%v err=%v called=%v", spans, err, called)
	}
}
