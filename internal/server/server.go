// Package server exposes the anonymizer over HTTP.
//
// Endpoints:
//
//	GET  /status          - health, active labels and detectors
//	GET  /metrics         - counter snapshot
//	POST /anonymize/eml   - raw RFC 5322 message in, anonymized message out
//	POST /anonymize/text  - {"text":"...","format":"text|html"}
//
// Both anonymize endpoints accept ?labels=PERSON,EMAIL_ADDRESS and
// ?style=generic|numbered|surrogate. Every request gets its own cache.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"eml-anonymizer/internal/anonymizer"
	"eml-anonymizer/internal/config"
	"eml-anonymizer/internal/detector"
	"eml-anonymizer/internal/logger"
	"eml-anonymizer/internal/message"
	"eml-anonymizer/internal/metrics"
)

// ReportHeader carries the JSON report of /anonymize/eml.
const ReportHeader = "X-Anonymization-Report"

const maxTextBytes = 1 << 20

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	proc      *message.Processor
	metrics   *metrics.Metrics
	token     string // bearer token for auth; empty = no auth
	maxBytes  int64
	startTime time.Time
	log       *logger.Logger
}

// New creates a server around proc.
func New(cfg *config.Config, proc *message.Processor, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		cfg:       cfg,
		proc:      proc,
		metrics:   proc.Anonymizer().Metrics(),
		token:     cfg.ManagementToken,
		maxBytes:  cfg.MaxMessageBytes,
		startTime: time.Now(),
		log:       log,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = 50 << 20
	}
	if s.token != "" {
		log.Info("auth_enabled", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.authMiddleware)

	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Route("/anonymize", func(r chi.Router) {
		r.Post("/eml", s.handleEML)
		r.Post("/text", s.handleText)
	})
	return r
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("unauthorized", "%s from %s", r.URL.Path, r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugf("request", "%s %s %d %dB %s [%s]", r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
			time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status           string   `json:"status"`
		Uptime           string   `json:"uptime"`
		Labels           []string `json:"activeLabels"`
		PlaceholderStyle string   `json:"placeholderStyle"`
		PDFStyle         string   `json:"pdfRedactionStyle"`
		Detectors        struct {
			Patterns bool   `json:"patterns"`
			Presidio string `json:"presidio,omitempty"`
			Ollama   struct {
				Endpoint string `json:"endpoint"`
				Model    string `json:"model"`
				Enabled  bool   `json:"enabled"`
			} `json:"ollama"`
		} `json:"detectors"`
	}

	resp := response{
		Status:           "running",
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		Labels:           s.proc.Anonymizer().Labels().Strings(),
		PlaceholderStyle: string(s.proc.Style()),
		PDFStyle:         s.cfg.PDFRedactionStyle,
	}
	resp.Detectors.Patterns = s.cfg.UsePatterns
	resp.Detectors.Presidio = s.cfg.PresidioURL
	resp.Detectors.Ollama.Endpoint = s.cfg.OllamaEndpoint
	resp.Detectors.Ollama.Model = s.cfg.OllamaModel
	resp.Detectors.Ollama.Enabled = s.cfg.UseAIDetection

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// processorFor applies the labels and style query overrides.
func (s *Server) processorFor(r *http.Request) (*message.Processor, error) {
	q := r.URL.Query()
	var style anonymizer.Style
	if v := q.Get("style"); v != "" {
		style = anonymizer.Style(strings.ToLower(v))
		switch style {
		case anonymizer.StyleGeneric, anonymizer.StyleNumbered, anonymizer.StyleSurrogate:
		default:
			return nil, fmt.Errorf("unknown style %q", v)
		}
	}
	var a *anonymizer.Anonymizer
	if v := q.Get("labels"); v != "" {
		labels := detector.ParseLabels(strings.Split(v, ","))
		if len(labels) == 0 {
			return nil, fmt.Errorf("labels must name at least one entity type")
		}
		a = s.proc.Anonymizer().WithLabels(labels)
	}
	return s.proc.With(a, style), nil
}

func (s *Server) handleEML(w http.ResponseWriter, r *http.Request) {
	proc, err := s.processorFor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	res, err := proc.Process(r.Context(), raw)
	switch {
	case errors.Is(err, anonymizer.ErrMalformedInput):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.log.Warnf("request_aborted", "%v", err)
		return
	case err != nil:
		s.log.Errorf("process_failed", "%v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set(ReportHeader, res.Report.JSON())
	w.Header().Set("X-Anonymization-Complete", strconv.FormatBool(res.Report.Complete()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Message); err != nil {
		s.log.Warnf("write_failed", "%v", err)
	}
}

type textRequest struct {
	Text   string `json:"text"`
	Format string `json:"format"` // "text" (default) or "html"
}

type textResponse struct {
	Text         string `json:"text"`
	Placeholders int    `json:"placeholders"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	proc, err := s.processorFor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxTextBytes)
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: need {\"text\":\"...\"}", http.StatusBadRequest)
		return
	}

	cache := anonymizer.NewCache(proc.Style(), s.metrics)
	a := proc.Anonymizer()
	var out string
	switch strings.ToLower(req.Format) {
	case "", "text":
		out, err = a.AnonymizeText(r.Context(), cache, req.Text)
	case "html":
		out, err = a.AnonymizeHTML(r.Context(), cache, req.Text)
	default:
		http.Error(w, "format must be text or html", http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, anonymizer.ErrDetection) {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, textResponse{Text: out, Placeholders: cache.Len()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.New("SERVER", "info").Errorf("json_encode", "%v", err)
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening", "HTTP API on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
