package message

import (
	"context"
	"errors"
	"mime"
	"net/mail"
	"net/textproto"
	"strings"

	"golang.org/x/net/html/charset"

	"eml-anonymizer/internal/anonymizer"
	"eml-anonymizer/internal/detector"
)

// redacted replaces a header value or body whose anonymization failed.
const redacted = "[REDACTED]"

// addressHeaders hold address lists; their display names and addresses are
// resolved through the cache directly instead of through the detector.
var addressHeaders = map[string]bool{
	"from": true, "to": true, "cc": true, "bcc": true, "reply-to": true,
	"sender": true, "return-path": true, "delivered-to": true,
	"x-original-to": true, "resent-from": true, "resent-to": true,
	"resent-cc": true, "resent-sender": true,
}

var (
	wordDecoder   = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}
	addressParser = &mail.AddressParser{WordDecoder: wordDecoder}
)

var errNotAddressList = errors.New("not an address list")

// anonymizeHeader rewrites one header field in place. The returned error is
// non-nil only when ctx is done.
func (p *Processor) anonymizeHeader(ctx context.Context, cache *anonymizer.Cache, f *field) (ContainerReport, error) {
	name := textproto.CanonicalMIMEHeaderKey(f.name)
	rep := ContainerReport{Container: "header " + name, Kind: KindHeader, Status: StatusOK}
	value := f.value()
	if value == "" {
		return rep, nil
	}

	var (
		out     string
		changed bool
		err     error
	)
	if addressHeaders[strings.ToLower(name)] {
		out, changed, err = p.anonymizeAddresses(ctx, cache, value)
	} else {
		err = errNotAddressList
	}
	if errors.Is(err, errNotAddressList) {
		decoded, derr := wordDecoder.DecodeHeader(value)
		if derr != nil {
			decoded = value
		}
		out, err = p.anon.AnonymizeText(ctx, cache, decoded)
		changed = err == nil && out != decoded
		out = encodeHeaderValue(out)
	}
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		f.raw = " " + redacted
		rep.Status = StatusFailed
		rep.Error = err.Error()
		p.log.Warnf("header_failed", "%s: %v", name, err)
		return rep, nil
	}
	if changed {
		f.raw = " " + out
	}
	return rep, nil
}

// anonymizeAddresses rewrites an address list. Display names map to PERSON
// and addresses to EMAIL_ADDRESS when those labels are active.
func (p *Processor) anonymizeAddresses(ctx context.Context, cache *anonymizer.Cache, value string) (string, bool, error) {
	list, err := addressParser.ParseList(value)
	if err != nil || len(list) == 0 {
		return "", false, errNotAddressList
	}
	labels := p.anon.Labels()
	changed := false
	parts := make([]string, len(list))
	for i, addr := range list {
		name, email := addr.Name, addr.Address
		if name != "" {
			if labels.Has(detector.Person) && !strings.Contains(name, "@") {
				name = cache.Resolve(detector.Person, name)
			} else if name, err = p.anon.AnonymizeText(ctx, cache, name); err != nil {
				return "", false, err
			}
		}
		if email != "" && labels.Has(detector.EmailAddress) {
			email = cache.Resolve(detector.EmailAddress, email)
		}
		if name != addr.Name || email != addr.Address {
			changed = true
		}
		parts[i] = formatAddress(name, email)
	}
	return strings.Join(parts, ", "), changed, nil
}

func formatAddress(name, email string) string {
	if strings.Contains(email, "@") {
		return (&mail.Address{Name: name, Address: email}).String()
	}
	// Generic and numbered placeholders are not addr-specs.
	if name == "" {
		return email
	}
	return encodeHeaderValue(name) + " " + email
}

// encodeHeaderValue applies RFC 2047 Q-encoding to non-ASCII values.
func encodeHeaderValue(s string) string {
	if isASCII(s) {
		return s
	}
	return mime.QEncoding.Encode("utf-8", s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// headerLine flattens s to a single header-safe line.
func headerLine(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	return encodeHeaderValue(s)
}
