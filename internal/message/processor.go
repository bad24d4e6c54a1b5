// Package message anonymizes a whole RFC 5322 message: every header field
// except the MIME structure and the preserved ones, every text/plain and
// text/html body part, and every attachment. All containers of one message share a single
// anonymizer.Cache, so one value gets one placeholder everywhere.
//
// Headers and body parts are processed sequentially in document order so
// placeholder ordinals are deterministic; attachments then run on a
// bounded worker pool.
package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html/charset"

	"eml-anonymizer/internal/anonymizer"
	"eml-anonymizer/internal/config"
	"eml-anonymizer/internal/logger"
	"eml-anonymizer/internal/metrics"
)

const (
	statusHeader  = "X-Anonymization-Status"
	warningHeader = "X-Anonymization-Warning"
)

// structuralHeaders describe the MIME tree or the anonymization itself and
// are never rewritten.
var structuralHeaders = []string{"content-*", "mime-version", "x-anonymization-*"}

// Options configures a Processor.
type Options struct {
	Style           anonymizer.Style
	PreserveHeaders []string // nil means config.DefaultPreserveHeaders
	Workers         int
	DropUnsupported bool
	Metrics         *metrics.Metrics
	Logger          *logger.Logger
}

// Processor runs one message at a time through an Anonymizer. It holds no
// per-message state and is safe for concurrent use.
type Processor struct {
	anon            *anonymizer.Anonymizer
	style           anonymizer.Style
	preserve        []string
	workers         int
	dropUnsupported bool
	metrics         *metrics.Metrics
	log             *logger.Logger
}

// NewProcessor creates a Processor around a.
func NewProcessor(a *anonymizer.Anonymizer, opts Options) *Processor {
	p := &Processor{
		anon:            a,
		style:           opts.Style,
		workers:         opts.Workers,
		dropUnsupported: opts.DropUnsupported,
		metrics:         opts.Metrics,
		log:             opts.Logger,
	}
	if p.style == "" {
		p.style = anonymizer.StyleSurrogate
	}
	if p.workers < 1 {
		p.workers = 1
	}
	if p.metrics == nil {
		p.metrics = a.Metrics()
	}
	if p.log == nil {
		p.log = logger.Discard()
	}
	names := opts.PreserveHeaders
	if names == nil {
		names = config.DefaultPreserveHeaders
	}
	p.preserve = append([]string(nil), structuralHeaders...)
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			p.preserve = append(p.preserve, n)
		}
	}
	return p
}

// preserved reports whether the header field name is left untouched.
func (p *Processor) preserved(name string) bool {
	name = strings.ToLower(name)
	for _, pat := range p.preserve {
		if prefix, ok := strings.CutSuffix(pat, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		} else if name == pat {
			return true
		}
	}
	return false
}

// NewProcessorFromConfig wires a Processor with the message settings of cfg.
func NewProcessorFromConfig(cfg *config.Config, a *anonymizer.Anonymizer, log *logger.Logger) *Processor {
	return NewProcessor(a, Options{
		Style:           anonymizer.ParseStyle(cfg.PlaceholderStyle),
		PreserveHeaders: cfg.PreserveHeaders,
		Workers:         cfg.Workers,
		DropUnsupported: cfg.DropUnsupported,
		Metrics:         a.Metrics(),
		Logger:          log,
	})
}

// With returns a copy of p using a and style. Zero arguments keep p's.
func (p *Processor) With(a *anonymizer.Anonymizer, style anonymizer.Style) *Processor {
	cp := *p
	if a != nil {
		cp.anon = a
	}
	if style != "" {
		cp.style = style
	}
	return &cp
}

// Anonymizer returns the anonymizer used for content containers.
func (p *Processor) Anonymizer() *anonymizer.Anonymizer { return p.anon }

// Style returns the placeholder style of new caches.
func (p *Processor) Style() anonymizer.Style { return p.style }

// Process anonymizes raw and returns the rewritten message. Unparseable
// input yields anonymizer.ErrMalformedInput; a done ctx yields ctx.Err().
// Failures of single containers are reported in Result.Report instead.
func (p *Processor) Process(ctx context.Context, raw []byte) (*Result, error) {
	start := time.Now()
	p.metrics.MessagesTotal.Add(1)
	defer func() { p.metrics.RecordMessageLatency(time.Since(start)) }()

	root, eol, err := parseMessage(raw)
	if err != nil {
		p.metrics.MessagesRejected.Add(1)
		p.log.Warnf("message_rejected", "%v", err)
		return nil, fmt.Errorf("%w: %v", anonymizer.ErrMalformedInput, err)
	}

	cache := anonymizer.NewCache(p.style, p.metrics)
	res := &Result{}
	if err := p.run(ctx, cache, root, res); err != nil {
		p.metrics.MessagesRejected.Add(1)
		return nil, err
	}

	root.header.del(statusHeader)
	root.header.del(warningHeader)
	if res.Report.Complete() {
		p.metrics.MessagesComplete.Add(1)
	} else {
		p.metrics.MessagesIncomplete.Add(1)
		root.header.add(statusHeader, "incomplete")
		for _, c := range res.Report.Problems() {
			root.header.add(warningHeader, headerLine(c.summary()))
		}
	}
	for _, c := range res.Report.Containers {
		p.metrics.RecordContainer(c.Status)
	}

	var buf bytes.Buffer
	writeEntity(&buf, root, eol)
	res.Message = buf.Bytes()

	p.log.Infof("message_done", "%d containers, %d placeholders, complete=%t, %s",
		len(res.Report.Containers), cache.Len(), res.Report.Complete(), time.Since(start).Round(time.Millisecond))
	return res, nil
}

// parseMessage validates raw with net/mail and builds the MIME tree.
func parseMessage(raw []byte) (*entity, string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, "", err
	}
	if len(msg.Header) == 0 {
		return nil, "", errors.New("message has no header fields")
	}
	hdr, off, err := readHeader(raw)
	if err != nil {
		return nil, "", err
	}
	eol := "\n"
	if bytes.Contains(raw[:off], []byte("\r\n")) {
		eol = "\r\n"
	}
	root, err := parseEntity(hdr, bytes.NewReader(raw[off:]), "", 0)
	if err != nil {
		return nil, "", err
	}
	return root, eol, nil
}

func (p *Processor) run(ctx context.Context, cache *anonymizer.Cache, root *entity, res *Result) error {
	for i := range root.header {
		if p.preserved(root.header[i].name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := p.anonymizeHeader(ctx, cache, &root.header[i])
		if err != nil {
			return err
		}
		res.Report.Containers = append(res.Report.Containers, rep)
	}

	var attachments []*entity
	var bodyErr error
	root.walk(func(e *entity) {
		if bodyErr != nil {
			return
		}
		if isAttachment(e) {
			attachments = append(attachments, e)
			return
		}
		if bodyErr = ctx.Err(); bodyErr != nil {
			return
		}
		var rep ContainerReport
		rep, bodyErr = p.anonymizeBody(ctx, cache, e)
		if bodyErr == nil {
			res.Report.Containers = append(res.Report.Containers, rep)
		}
	})
	if bodyErr != nil {
		return bodyErr
	}

	reports, records, err := p.anonymizeAttachments(ctx, cache, attachments)
	if err != nil {
		return err
	}
	res.Report.Containers = append(res.Report.Containers, reports...)
	res.Attachments = records
	return nil
}

func partName(e *entity) string {
	if e.path == "" {
		return "body"
	}
	return "part " + e.path
}

// anonymizeBody rewrites a text/plain or text/html body part. The returned
// error is non-nil only when ctx is done.
func (p *Processor) anonymizeBody(ctx context.Context, cache *anonymizer.Cache, e *entity) (ContainerReport, error) {
	rep := ContainerReport{Container: partName(e), Kind: KindText, Status: StatusOK}
	if e.mediaType == "text/html" {
		rep.Kind = KindHTML
	}
	text, converted := decodeCharset(e.body, e.params["charset"])

	var out string
	var err error
	if rep.Kind == KindHTML {
		out, err = p.anon.AnonymizeHTML(ctx, cache, text)
	} else {
		out, err = p.anon.AnonymizeText(ctx, cache, text)
	}
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		out, converted = redacted, false
		rep.Status = StatusFailed
		rep.Error = err.Error()
		p.log.Warnf("body_failed", "%s: %v", rep.Container, err)
	}
	if out == text && !converted {
		return rep, nil
	}
	setTextBody(e, out, converted)
	return rep, nil
}

// setTextBody stores out as the part's UTF-8 content and fixes up the
// charset and transfer encoding to match.
func setTextBody(e *entity, out string, converted bool) {
	e.body = []byte(out)
	if converted || !isASCII(out) {
		if strings.HasPrefix(e.mediaType, "text/") {
			e.params["charset"] = "utf-8"
			if ct := mime.FormatMediaType(e.mediaType, e.params); ct != "" {
				e.header.set("Content-Type", ct)
			}
		}
		switch e.transferEncoding() {
		case "", "7bit", "8bit":
			e.header.set("Content-Transfer-Encoding", "quoted-printable")
		}
	}
}

// decodeCharset returns body as UTF-8 and whether a conversion happened.
// Unknown charsets are passed through unchanged.
func decodeCharset(body []byte, label string) (string, bool) {
	switch strings.ToLower(label) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return string(body), false
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return string(body), false
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(body), false
	}
	return string(out), true
}

// isAttachment separates attachments from body parts: an explicit
// attachment disposition, a file name, or a non-text media type.
func isAttachment(e *entity) bool {
	disp, params, _ := mime.ParseMediaType(e.header.get("Content-Disposition"))
	if disp == "attachment" || params["filename"] != "" || e.params["name"] != "" {
		return true
	}
	return e.mediaType != "text/plain" && e.mediaType != "text/html"
}

// anonymizeAttachments runs the attachments on at most p.workers
// goroutines. Reports come back in document order.
func (p *Processor) anonymizeAttachments(ctx context.Context, cache *anonymizer.Cache, atts []*entity) ([]ContainerReport, []Attachment, error) {
	reports := make([]ContainerReport, len(atts))
	records := make([]Attachment, len(atts))
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup

	for i, e := range atts {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, e *entity) {
			defer wg.Done()
			defer func() { <-sem }()
			reports[i], records[i] = p.anonymizeAttachment(ctx, cache, e)
		}(i, e)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return reports, records, nil
}

// anonymizeAttachment renames one attachment and rewrites its content.
// Failed attachments are omitted from the output.
func (p *Processor) anonymizeAttachment(ctx context.Context, cache *anonymizer.Cache, e *entity) (ContainerReport, Attachment) {
	name := attachmentName(e)
	rec := Attachment{OriginalName: name, ContentType: e.mediaType, Original: e.body}
	rep := ContainerReport{Container: "attachment " + partName(e), Status: StatusOK}
	if name != "" {
		rec.NewName = anonymizer.RenameAttachment(name)
		renameAttachment(e, name, rec.NewName)
		p.metrics.AttachmentsRenamed.Add(1)
		rep.Container = "attachment " + rec.NewName
	}
	rep.Kind = attachmentKind(name, e.mediaType)

	var (
		out      []byte
		warnings []anonymizer.Warning
		err      error
	)
	switch rep.Kind {
	case KindPDF:
		out, warnings, err = p.anon.AnonymizePDF(ctx, cache, e.body)
	case KindDOCX:
		out, warnings, err = p.anon.AnonymizeDOCX(ctx, cache, e.body)
	case KindHTML, KindText:
		text, _ := decodeCharset(e.body, e.params["charset"])
		var s string
		if rep.Kind == KindHTML {
			s, err = p.anon.AnonymizeHTML(ctx, cache, text)
		} else {
			s, err = p.anon.AnonymizeText(ctx, cache, text)
		}
		out = []byte(s)
		if err == nil && strings.HasPrefix(e.mediaType, "text/") {
			e.params["charset"] = "utf-8"
			if ct := mime.FormatMediaType(e.mediaType, e.params); ct != "" {
				e.header.set("Content-Type", ct)
			}
		}
	default:
		rep.Status = StatusUnsupported
		if p.dropUnsupported {
			e.omit = true
			rep.Error = "dropped"
		} else {
			rec.Anonymized = e.body
		}
		rec.Status = rep.Status
		return rep, rec
	}

	if err != nil {
		e.omit = true
		rep.Status = StatusFailed
		rep.Error = err.Error()
		rec.Status = rep.Status
		p.log.Warnf("attachment_failed", "%s: %v", rep.Container, err)
		return rep, rec
	}
	for _, w := range warnings {
		rep.Warnings = append(rep.Warnings, w.Error())
	}
	if len(warnings) > 0 {
		rep.Status = StatusFlagged
	}
	e.body = out
	e.header.set("Content-Transfer-Encoding", "base64")
	rec.Anonymized = out
	rec.Status = rep.Status
	return rep, rec
}

// attachmentName returns the decoded file name from Content-Disposition
// or, failing that, the Content-Type name parameter.
func attachmentName(e *entity) string {
	_, params, _ := mime.ParseMediaType(e.header.get("Content-Disposition"))
	name := params["filename"]
	if name == "" {
		name = e.params["name"]
	}
	if decoded, err := wordDecoder.DecodeHeader(name); err == nil {
		name = decoded
	}
	return name
}

// renameAttachment points every name-bearing header field at newName.
// Content-ID is left untouched so cid: references still resolve.
func renameAttachment(e *entity, oldName, newName string) {
	disp, params, err := mime.ParseMediaType(e.header.get("Content-Disposition"))
	if err != nil || disp == "" {
		disp, params = "attachment", map[string]string{}
	}
	params["filename"] = newName
	if v := mime.FormatMediaType(disp, params); v != "" {
		e.header.set("Content-Disposition", v)
	}
	if _, ok := e.params["name"]; ok {
		e.params["name"] = newName
		if v := mime.FormatMediaType(e.mediaType, e.params); v != "" {
			e.header.set("Content-Type", v)
		}
	}
	if desc := e.header.get("Content-Description"); desc != "" && strings.Contains(desc, oldName) {
		e.header.set("Content-Description", newName)
	}
}

var textExtensions = map[string]bool{
	".txt": true, ".csv": true, ".md": true, ".json": true, ".xml": true,
	".log": true, ".eml": true, ".ics": true, ".vcf": true,
}

// attachmentKind picks the processor by extension, then by media type.
func attachmentKind(name, mediaType string) string {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == ".pdf" || mediaType == "application/pdf":
		return KindPDF
	case ext == ".docx" || mediaType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return KindDOCX
	case ext == ".html" || ext == ".htm" || mediaType == "text/html":
		return KindHTML
	case textExtensions[ext], strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json", mediaType == "application/xml",
		mediaType == "message/rfc822":
		return KindText
	}
	return KindBinary
}
