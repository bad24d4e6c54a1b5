package anonymizer

import (
	"fmt"
	"strings"

	"eml-anonymizer/internal/config"
	"eml-anonymizer/internal/detector"
)

// Style selects how placeholders are rendered.
type Style string

// Placeholder styles.
const (
	// StyleGeneric renders "<PERSON>" for every person.
	StyleGeneric Style = config.StyleGeneric
	// StyleNumbered renders "<PERSON_1>", "<PERSON_2>", ...
	StyleNumbered Style = config.StyleNumbered
	// StyleSurrogate renders readable stand-ins: "Person A", "persona@example.com".
	StyleSurrogate Style = config.StyleSurrogate
)

// ParseStyle maps a config string onto a Style, defaulting to surrogate.
func ParseStyle(s string) Style {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case StyleGeneric:
		return StyleGeneric
	case StyleNumbered:
		return StyleNumbered
	default:
		return StyleSurrogate
	}
}

// format renders the n-th (1-based) placeholder for label in style.
func format(style Style, label detector.Label, n int) string {
	switch style {
	case StyleGeneric:
		return "<" + string(label) + ">"
	case StyleNumbered:
		return fmt.Sprintf("<%s_%d>", label, n)
	}
	return surrogate(label, n)
}

// surrogate renders a realistic-looking but reserved or obviously fake
// value. Distinct ordinals always render distinct strings.
func surrogate(label detector.Label, n int) string {
	switch label {
	case detector.Person:
		return "Person " + letters(n)
	case detector.EmailAddress:
		return "person" + strings.ToLower(letters(n)) + "@example.com"
	case detector.PhoneNumber:
		return fmt.Sprintf("555-000-%04d", n)
	case detector.Location:
		return "City " + letters(n)
	case detector.NRP:
		return "Group " + letters(n)
	case detector.DateTime:
		return "Date " + letters(n)
	case detector.USSSN:
		return fmt.Sprintf("000-00-%04d", n)
	case detector.USITIN:
		return fmt.Sprintf("9XX-XX-%04d", n)
	case detector.CreditCard:
		return fmt.Sprintf("0000-0000-0000-%04d", n)
	case detector.IBANCode:
		return fmt.Sprintf("XX00 0000 0000 %04d", n)
	case detector.USBankNumber:
		return fmt.Sprintf("000000%04d", n)
	case detector.USDriverLicense:
		return fmt.Sprintf("DL%07d", n)
	case detector.USPassport:
		return fmt.Sprintf("X%08d", n)
	case detector.MedicalLicense:
		return fmt.Sprintf("MED-%06d", n)
	case detector.Crypto:
		return fmt.Sprintf("wallet-%s", strings.ToLower(letters(n)))
	case detector.URL:
		return "https://example.com/" + strings.ToLower(letters(n))
	case detector.IPAddress:
		if ip := documentationIP(n); ip != "" {
			return ip
		}
	}
	return fmt.Sprintf("[REDACTED-%s-%d]", label, n)
}

// letters renders n in bijective base 26: 1=A, 26=Z, 27=AA.
func letters(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append(b, byte('A'+n%26))
		n /= 26
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// documentationIP returns the n-th host in the RFC 5737 documentation
// ranges, or "" once they are exhausted.
func documentationIP(n int) string {
	for _, prefix := range []string{"192.0.2.", "198.51.100.", "203.0.113."} {
		if n <= 254 {
			return fmt.Sprintf("%s%d", prefix, n)
		}
		n -= 254
	}
	return ""
}
