package anonymizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"eml-anonymizer/internal/detector"
)

// normalize returns the cache key form of a detected value. Values that
// differ only in Unicode composition, surrounding or repeated whitespace,
// or (where the label allows) case and separators share one key.
func normalize(label detector.Label, value string) string {
	v := collapseSpace(norm.NFKC.String(value))
	switch label {
	case detector.EmailAddress:
		if at := strings.LastIndexByte(v, '@'); at >= 0 {
			return v[:at+1] + cases.Fold().String(v[at+1:])
		}
		return v
	case detector.PhoneNumber:
		return keepDigits(v)
	case detector.CreditCard, detector.USSSN, detector.IBANCode, detector.USBankNumber, detector.USITIN:
		return strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(v))
	case detector.IPAddress, detector.URL:
		return strings.ToLower(v)
	default:
		return cases.Fold().String(v)
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func keepDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return s
	}
	return b.String()
}
