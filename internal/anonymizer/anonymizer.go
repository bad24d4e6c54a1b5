// Package anonymizer replaces PII in the content containers of an email:
// plain text, HTML, PDF and DOCX. Every call takes the message's *Cache so
// one value gets one placeholder across all containers.
//
// Detection is delegated to a detector.Detector; this package only maps
// detected spans back onto each format and rewrites them in place:
//  1. Plain text and header values: spans are spliced back-to-front.
//  2. HTML: text tokens and allow-listed attribute values are rewritten,
//     every other byte of the markup is copied unchanged.
//  3. PDF: string operands in the page content streams are rewritten and a
//     placeholder is drawn over the removed glyphs.
//  4. DOCX: <w:t> run text is rewritten per paragraph; run styling stays.
package anonymizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"eml-anonymizer/internal/config"
	"eml-anonymizer/internal/detector"
	"eml-anonymizer/internal/detector/ollama"
	"eml-anonymizer/internal/detector/presidio"
	"eml-anonymizer/internal/logger"
	"eml-anonymizer/internal/metrics"
)

// PDFStyle selects how PDF spans are redacted.
type PDFStyle string

// PDF redaction styles.
const (
	PDFCover    PDFStyle = config.PDFCover
	PDFBlackbox PDFStyle = config.PDFBlackbox
	PDFInline   PDFStyle = config.PDFInline
)

// RunStrategy selects how a DOCX placeholder is laid over the runs a span
// crosses.
type RunStrategy string

// DOCX run strategies.
const (
	RunMerge      RunStrategy = config.DOCXMerge
	RunDistribute RunStrategy = config.DOCXDistribute
)

// Options configures an Anonymizer. Zero values fall back to defaults.
type Options struct {
	Labels         detector.LabelSet
	MinScore       float64
	HTMLAttributes []string
	PDFStyle       PDFStyle
	DOCXStrategy   RunStrategy
	Metrics        *metrics.Metrics
	Logger         *logger.Logger
}

// Anonymizer holds the detector and the per-format settings. It keeps no
// per-message state and is safe for concurrent use.
type Anonymizer struct {
	detector     detector.Detector
	labels       detector.LabelSet
	minScore     float64
	htmlAttrs    map[string]bool
	pdfStyle     PDFStyle
	docxStrategy RunStrategy
	metrics      *metrics.Metrics
	log          *logger.Logger
}

// DefaultHTMLAttributes are the attributes whose values are anonymized
// when Options.HTMLAttributes is empty.
var DefaultHTMLAttributes = []string{
	"href", "src", "alt", "title", "value", "placeholder", "content",
	"aria-label", "data-email", "data-name",
}

// New creates an Anonymizer around d.
func New(d detector.Detector, opts Options) *Anonymizer {
	a := &Anonymizer{
		detector:     d,
		labels:       opts.Labels,
		minScore:     opts.MinScore,
		pdfStyle:     opts.PDFStyle,
		docxStrategy: opts.DOCXStrategy,
		metrics:      opts.Metrics,
		log:          opts.Logger,
	}
	if len(a.labels) == 0 {
		a.labels = detector.NewLabelSet(detector.DefaultLabels...)
	}
	if a.pdfStyle == "" {
		a.pdfStyle = PDFCover
	}
	if a.docxStrategy == "" {
		a.docxStrategy = RunMerge
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	if a.log == nil {
		a.log = logger.Discard()
	}
	attrs := opts.HTMLAttributes
	if len(attrs) == 0 {
		attrs = DefaultHTMLAttributes
	}
	a.htmlAttrs = make(map[string]bool, len(attrs))
	for _, name := range attrs {
		a.htmlAttrs[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return a
}

// NewFromConfig builds the detector chain and the Anonymizer described by cfg.
func NewFromConfig(cfg *config.Config, m *metrics.Metrics, log *logger.Logger) (*Anonymizer, error) {
	d, err := BuildDetector(cfg, log)
	if err != nil {
		return nil, err
	}
	return New(d, Options{
		Labels:         detector.ParseLabels(cfg.ActiveLabels),
		MinScore:       cfg.MinScore,
		HTMLAttributes: cfg.HTMLAttributes,
		PDFStyle:       PDFStyle(cfg.PDFRedactionStyle),
		DOCXStrategy:   RunStrategy(cfg.DOCXRunStrategy),
		Metrics:        m,
		Logger:         log,
	}), nil
}

// BuildDetector assembles the detectors enabled in cfg, in the order
// patterns, Presidio, Ollama.
func BuildDetector(cfg *config.Config, log *logger.Logger) (detector.Detector, error) {
	if log == nil {
		log = logger.Discard()
	}
	var chain detector.Chain
	if cfg.UsePatterns {
		chain = append(chain, detector.NewPatterns())
	}
	if cfg.PresidioURL != "" {
		chain = append(chain, presidio.New(cfg.PresidioURL, cfg.PresidioLanguage))
		log.Infof("detector_enabled", "presidio at %s", cfg.PresidioURL)
	}
	if cfg.UseAIDetection {
		chain = append(chain, ollama.New(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.AIConfidence, log.Named("ollama")))
		log.Infof("detector_enabled", "ollama %s at %s", cfg.OllamaModel, cfg.OllamaEndpoint)
	}
	switch len(chain) {
	case 0:
		return nil, fmt.Errorf("no detector enabled")
	case 1:
		return chain[0], nil
	}
	return chain, nil
}

// WithLabels returns a copy of a restricted to labels. An empty set
// returns a unchanged.
func (a *Anonymizer) WithLabels(labels detector.LabelSet) *Anonymizer {
	if len(labels) == 0 {
		return a
	}
	cp := *a
	cp.labels = labels
	return &cp
}

// Labels returns the active label set.
func (a *Anonymizer) Labels() detector.LabelSet { return a.labels }

// Metrics returns the metrics sink shared by all calls.
func (a *Anonymizer) Metrics() *metrics.Metrics { return a.metrics }

// detect runs the detector and returns resolved spans for text.
func (a *Anonymizer) detect(ctx context.Context, text string) ([]detector.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	start := time.Now()
	a.metrics.DetectorCalls.Add(1)
	raw, err := a.detector.Detect(ctx, text, a.labels)
	a.metrics.RecordDetectLatency(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.metrics.DetectorErrors.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	return detector.Resolve(text, raw, a.labels, a.minScore), nil
}
