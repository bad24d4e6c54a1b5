package detector

import (
	"context"
	"testing"
)

func detectAll(t *testing.T, text string, labels ...Label) []Span {
	t.Helper()
	set := NewLabelSet(labels...)
	spans, err := NewPatterns().Detect(context.Background(), text, set)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	return Resolve(text, spans, set, 0)
}

func TestPatterns_Detects(t *testing.T) {
	cases := []struct {
		text  string
		label Label
		want  string
	}{
		{"Contact matthew.booth@company.com today", EmailAddress, "matthew.booth@company.com"},
		{"or 555-123-4567.", PhoneNumber, "555-123-4567"},
		{"call (555) 123-4567 now", PhoneNumber, "(555) 123-4567"},
		{"dial +1 555.123.4567", PhoneNumber, "+1 555.123.4567"},
		{"SSN 123-45-6789 on file", USSSN, "123-45-6789"},
		{"card 4111 1111 1111 1111 exp", CreditCard, "4111 1111 1111 1111"},
		{"from 192.168.10.7 at noon", IPAddress, "192.168.10.7"},
		{"see https://intranet.example.org/u/mbooth).", URL, "https://intranet.example.org/u/mbooth"},
		{"IBAN GB82 WEST 1234 5698 7654 32 please", IBANCode, "GB82 WEST 1234 5698 7654 32"},
		{"api_key=abcdefghijklmnopqrstuvwx", APIKey, "abcdefghijklmnopqrstuvwx"},
		{"lives at 42 Elm Street now", Location, "42 Elm Street"},
	}
	for _, c := range cases {
		got := detectAll(t, c.text, c.label)
		if len(got) != 1 {
			t.Errorf("%q: expected 1 %s span, got %+v", c.text, c.label, got)
			continue
		}
		if got[0].Text != c.want {
			t.Errorf("%q: got %q, want %q", c.text, got[0].Text, c.want)
		}
	}
}

func TestPatterns_Rejects(t *testing.T) {
	cases := []struct {
		text  string
		label Label
	}{
		{"card 4111 1111 1111 1112", CreditCard}, // Luhn fails
		{"SSN 000-12-3456", USSSN},
		{"IBAN GB00 WEST 1234 5698 7654 32", IBANCode}, // bad checksum
		{"version 999.1.2.3", IPAddress},
		{"order 12345678", PhoneNumber},
	}
	for _, c := range cases {
		if got := detectAll(t, c.text, c.label); len(got) != 0 {
			t.Errorf("%q: expected no %s span, got %+v", c.text, c.label, got)
		}
	}
}

func TestPatterns_OnlyActiveLabels(t *testing.T) {
	text := "mail a@b.com or call 555-123-4567"
	got := detectAll(t, text, PhoneNumber)
	if len(got) != 1 || got[0].Label != PhoneNumber {
		t.Errorf("expected only the phone span, got %+v", got)
	}
}

func TestPatterns_PhoneExcludesLeadingSpace(t *testing.T) {
	text := "or 555-123-4567."
	got := detectAll(t, text, PhoneNumber)
	if len(got) != 1 || got[0].Start != 3 {
		t.Errorf("phone span should start at 3, got %+v", got)
	}
}

func TestLuhn(t *testing.T) {
	if !luhn("4111-1111-1111-1111") {
		t.Error("test Visa number should pass")
	}
	if luhn("1234") {
		t.Error("short input should fail")
	}
}
