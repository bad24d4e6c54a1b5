package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"verbose", LevelInfo}, // default
		{"", LevelInfo},        // default
	}
	for _, c := range cases {
		if got := parseLevel(c.input); got != c.want {
			t.Errorf("parseLevel(%q) = %v, want %v", c.input, got, c.want)
		}
	}
}

func TestLevelGating(t *testing.T) {
	cases := []struct {
		min   string
		emit  func(l *Logger)
		shown bool
	}{
		{"info", func(l *Logger) { l.Debug("a", "payload") }, false},
		{"info", func(l *Logger) { l.Info("a", "payload") }, true},
		{"info", func(l *Logger) { l.Warn("a", "payload") }, true},
		{"warn", func(l *Logger) { l.Info("a", "payload") }, false},
		{"warn", func(l *Logger) { l.Error("a", "payload") }, true},
		{"debug", func(l *Logger) { l.Debugf("a", "pay%s", "load") }, true},
		{"error", func(l *Logger) { l.Warnf("a", "pay%s", "load") }, false},
	}
	for i, c := range cases {
		var buf bytes.Buffer
		c.emit(NewWithWriter("TEST", c.min, &buf))
		if got := strings.Contains(buf.String(), "payload"); got != c.shown {
			t.Errorf("case %d (min=%s): shown=%v, want %v; output %q", i, c.min, got, c.shown, buf.String())
		}
	}
}

func TestSetLevel_ChangesFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("TEST", "error", &buf)

	l.Info("action", "hidden")
	if buf.Len() > 0 {
		t.Fatalf("info suppressed at error level, got: %s", buf.String())
	}

	l.SetLevel("debug")
	l.Info("action", "visible now")
	if !strings.Contains(buf.String(), "visible now") {
		t.Errorf("info should appear after SetLevel(debug), got: %s", buf.String())
	}
}

func TestOutputFormat_Columns(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("pdf", "debug", &buf)
	l.Warnf("page_skipped", "page %d unmapped", 3)

	out := buf.String()
	for _, expected := range []string{"PDF", "page_skipped", "WARN", "page 3 unmapped"} {
		if !strings.Contains(out, expected) {
			t.Errorf("expected %q in log output, got: %s", expected, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("writer-backed logger must not emit color codes: %q", out)
	}
}

func TestNamed_SharesOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter("message", "warn", &buf)
	child := parent.Named("docx")

	child.Info("skip", "below level")
	child.Error("part_failed", "word/document.xml")

	out := buf.String()
	if strings.Contains(out, "below level") {
		t.Errorf("child should inherit warn level, got: %s", out)
	}
	if !strings.Contains(out, "DOCX") || !strings.Contains(out, "word/document.xml") {
		t.Errorf("child entry missing, got: %s", out)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("x", "nothing")
	if l.Enabled(LevelWarn) {
		t.Error("discard logger should gate below error")
	}
}
