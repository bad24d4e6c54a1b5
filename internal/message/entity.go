package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
)

const maxDepth = 20

// field is one header line. raw is the value after the colon exactly as
// read, folding included, so untouched fields are written back verbatim.
type field struct {
	name string
	raw  string
}

func (f field) value() string {
	return strings.TrimSpace(unfold(f.raw))
}

func unfold(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "")
	return strings.ReplaceAll(s, "\n", "")
}

// header keeps fields in their original order.
type header []field

func (h header) get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.name, name) {
			return f.value()
		}
	}
	return ""
}

// set replaces the first field named name, dropping any others, or appends.
func (h *header) set(name, value string) {
	out := (*h)[:0]
	done := false
	for _, f := range *h {
		if !strings.EqualFold(f.name, name) {
			out = append(out, f)
			continue
		}
		if !done {
			out = append(out, field{name: f.name, raw: " " + value})
			done = true
		}
	}
	if !done {
		out = append(out, field{name: name, raw: " " + value})
	}
	*h = out
}

func (h *header) add(name, value string) {
	*h = append(*h, field{name: name, raw: " " + value})
}

func (h *header) del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// readHeader parses the header block at the start of raw and returns it
// with the offset where the body starts.
func readHeader(raw []byte) (header, int, error) {
	var h header
	pos := 0
	for pos < len(raw) {
		end := bytes.IndexByte(raw[pos:], '\n')
		var line []byte
		next := len(raw)
		if end >= 0 {
			line = raw[pos : pos+end+1]
			next = pos + end + 1
		} else {
			line = raw[pos:]
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			return h, next, nil
		}
		if trimmed[0] == ' ' || trimmed[0] == '\t' {
			if len(h) == 0 {
				return nil, 0, fmt.Errorf("continuation line before first header field")
			}
			h[len(h)-1].raw += string(line)
			pos = next
			continue
		}
		colon := bytes.IndexByte(trimmed, ':')
		if colon <= 0 {
			return nil, 0, fmt.Errorf("malformed header line %q", truncate(string(trimmed), 40))
		}
		h = append(h, field{name: string(trimmed[:colon]), raw: string(line[colon+1:])})
		pos = next
	}
	return h, len(raw), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// headerFromMIME orders a multipart part header: content fields first,
// the rest alphabetically.
func headerFromMIME(mh textproto.MIMEHeader) header {
	first := []string{"Content-Type", "Content-Disposition", "Content-Transfer-Encoding", "Content-Id"}
	var h header
	seen := make(map[string]bool)
	for _, k := range first {
		for _, v := range mh[k] {
			h = append(h, field{name: k, raw: " " + v})
		}
		seen[k] = true
	}
	var rest []string
	for k := range mh {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		for _, v := range mh[k] {
			h = append(h, field{name: k, raw: " " + v})
		}
	}
	return h
}

// entity is one node of the MIME tree.
type entity struct {
	header    header
	mediaType string
	params    map[string]string
	children  []*entity // multipart only
	body      []byte    // decoded content of a leaf
	path      string    // "1.2" style position, "" for the root
	omit      bool
}

func (e *entity) multipart() bool {
	return strings.HasPrefix(e.mediaType, "multipart/") && e.params["boundary"] != ""
}

func (e *entity) transferEncoding() string {
	return strings.ToLower(e.header.get("Content-Transfer-Encoding"))
}

// parseEntity builds the subtree for a header and its body.
func parseEntity(h header, body io.Reader, path string, depth int) (*entity, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("MIME nesting deeper than %d", maxDepth)
	}
	e := &entity{header: h, path: path, params: map[string]string{}}
	e.mediaType, e.params = parseContentType(h.get("Content-Type"))

	if e.multipart() {
		mr := multipart.NewReader(body, e.params["boundary"])
		for i := 1; ; i++ {
			part, err := mr.NextRawPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("part %s: %w", childPath(path, i), err)
			}
			child, err := parseEntity(headerFromMIME(part.Header), part, childPath(path, i), depth+1)
			if err != nil {
				return nil, err
			}
			e.children = append(e.children, child)
		}
		return e, nil
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	e.body, err = decodeTransfer(e.transferEncoding(), raw)
	if err != nil {
		return nil, fmt.Errorf("part %s: %w", path, err)
	}
	return e, nil
}

func childPath(parent string, i int) string {
	if parent == "" {
		return fmt.Sprint(i)
	}
	return fmt.Sprintf("%s.%d", parent, i)
}

// parseContentType defaults to text/plain and falls back to
// application/octet-stream for values that do not parse.
func parseContentType(v string) (string, map[string]string) {
	if v == "" {
		return "text/plain", map[string]string{}
	}
	mt, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "application/octet-stream", map[string]string{}
	}
	return mt, params
}

func decodeTransfer(cte string, raw []byte) ([]byte, error) {
	switch cte {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(raw)))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
	default:
		return raw, nil
	}
}

func encodeTransfer(cte string, body []byte, eol string) []byte {
	var b bytes.Buffer
	switch cte {
	case "base64":
		enc := base64.StdEncoding.EncodeToString(body)
		for len(enc) > 76 {
			b.WriteString(enc[:76])
			b.WriteString(eol)
			enc = enc[76:]
		}
		b.WriteString(enc)
		return b.Bytes()
	case "quoted-printable":
		w := quotedprintable.NewWriter(&b)
		_, _ = w.Write(body)
		_ = w.Close()
		if eol == "\n" {
			return bytes.ReplaceAll(b.Bytes(), []byte("\r\n"), []byte("\n"))
		}
		return b.Bytes()
	default:
		return body
	}
}

// writeEntity serializes e with eol line endings.
func writeEntity(w *bytes.Buffer, e *entity, eol string) {
	for _, f := range e.header {
		w.WriteString(f.name)
		w.WriteByte(':')
		raw := f.raw
		if !strings.HasSuffix(raw, "\n") {
			raw += eol
		}
		w.WriteString(raw)
	}
	w.WriteString(eol)

	if e.multipart() {
		boundary := e.params["boundary"]
		for _, c := range e.children {
			if c.omit {
				continue
			}
			w.WriteString("--" + boundary + eol)
			writeEntity(w, c, eol)
			w.WriteString(eol)
		}
		w.WriteString("--" + boundary + "--" + eol)
		return
	}
	w.Write(encodeTransfer(e.transferEncoding(), e.body, eol))
}

// walk visits leaves in document order.
func (e *entity) walk(fn func(*entity)) {
	if e.multipart() {
		for _, c := range e.children {
			c.walk(fn)
		}
		return
	}
	fn(e)
}
