// Command anonymizer removes personal data from email messages and their
// PDF, DOCX, HTML and text attachments, replacing every value with a
// placeholder that is consistent across the whole message.
//
// Usage:
//
//	# Anonymize files or directories of .eml files into ./anonymized.
//	# Outputs get random names; "input -> output" lines go to stdout.
//	anonymizer mail1.eml inbox/
//
//	# Also write the anonymized attachments under their new names
//	anonymizer -out clean -attachments -report inbox/
//
//	# HTTP API (see internal/server)
//	anonymizer serve
//
//	# MCP tools on stdin/stdout
//	anonymizer mcp
//
// Settings come from anonymizer-config.yaml / .json, .env and environment
// variables; -labels and -style override them for one run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"eml-anonymizer/internal/anonymizer"
	"eml-anonymizer/internal/config"
	"eml-anonymizer/internal/detector"
	"eml-anonymizer/internal/logger"
	"eml-anonymizer/internal/mcptool"
	"eml-anonymizer/internal/message"
	"eml-anonymizer/internal/metrics"
	"eml-anonymizer/internal/server"
)

const version = "0.4.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath  string
	outDir      string
	labels      string
	style       string
	attachments bool
	report      bool
	parallel    int
	logLevel    string
}

// run is main without the process exit, so it can be driven by tests.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("anonymizer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	fs.StringVar(&o.configPath, "config", "", "config file (default: anonymizer-config.yaml/.yml/.json in the working directory)")
	fs.StringVar(&o.outDir, "out", "anonymized", "output directory for anonymized messages")
	fs.StringVar(&o.labels, "labels", "", "comma-separated entity labels, overriding activeLabels")
	fs.StringVar(&o.style, "style", "", "placeholder style: generic, numbered or surrogate")
	fs.BoolVar(&o.attachments, "attachments", false, "also write anonymized attachments under their new names")
	fs.BoolVar(&o.report, "report", false, "write a JSON report next to each message")
	fs.IntVar(&o.parallel, "parallel", 2, "messages processed concurrently")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: anonymizer [flags] <file.eml|dir>...\n       anonymizer [flags] serve|mcp\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "anonymizer: %v\n", err)
		return 1
	}
	log := logger.New("MAIN", cfg.LogLevel)

	m := metrics.New()
	a, err := anonymizer.NewFromConfig(cfg, m, logger.New("ANONYMIZER", cfg.LogLevel))
	if err != nil {
		log.Errorf("startup", "%v", err)
		return 1
	}
	proc := message.NewProcessorFromConfig(cfg, a, logger.New("MESSAGE", cfg.LogLevel))

	rest := fs.Args()
	switch {
	case len(rest) == 1 && rest[0] == "serve":
		printBanner(stdout, cfg, "serve")
		srv := server.New(cfg, proc, logger.New("SERVER", cfg.LogLevel))
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Errorf("serve", "%v", err)
			return 1
		}
		log.Info("shutdown", "server stopped")
		return 0
	case len(rest) == 1 && rest[0] == "mcp":
		// stdout carries the protocol.
		printBanner(stderr, cfg, "mcp")
		if err := mcptool.Run(ctx, proc, version, logger.New("MCP", cfg.LogLevel)); err != nil && ctx.Err() == nil {
			log.Errorf("mcp", "%v", err)
			return 1
		}
		return 0
	case len(rest) == 0:
		fs.Usage()
		return 2
	}

	files, err := collectInputs(rest)
	if err != nil {
		log.Errorf("inputs", "%v", err)
		return 1
	}
	if err := os.MkdirAll(o.outDir, 0o750); err != nil {
		log.Errorf("output_dir", "%v", err)
		return 1
	}
	names, failed := processFiles(ctx, proc, files, o, log)
	for i, path := range files {
		if names[i] != "" {
			fmt.Fprintf(stdout, "%s -> %s\n", path, names[i])
		}
	}

	s := m.Snapshot()
	fmt.Fprintf(stdout, "%d messages: %d complete, %d incomplete, %d rejected\n",
		s.Messages.Total, s.Messages.Complete, s.Messages.Incomplete, s.Messages.Rejected)
	if ctx.Err() != nil || failed > 0 {
		return 1
	}
	return 0
}

func loadConfig(o options) (*config.Config, error) {
	var cfg *config.Config
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(o.configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Load()
	}
	if o.labels != "" {
		cfg.ActiveLabels = detector.ParseLabels(strings.Split(o.labels, ",")).Strings()
	}
	if o.style != "" {
		cfg.PlaceholderStyle = strings.ToLower(o.style)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, cfg.Validate()
}

// collectInputs expands directories to the .eml files directly inside them.
func collectInputs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.eml"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, errors.New("no .eml files found")
	}
	return files, nil
}

// processFiles runs up to o.parallel messages at once. It returns the output
// name of each input, empty when it failed, and how many failed.
func processFiles(ctx context.Context, proc *message.Processor, files []string, o options, log *logger.Logger) ([]string, int) {
	parallel := o.parallel
	if parallel < 1 {
		parallel = 1
	}
	sem := make(chan struct{}, parallel)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	names := make([]string, len(files))
	for i, path := range files {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			name, err := processFile(ctx, proc, path, o)
			if err != nil {
				log.Errorf("message_failed", "input %d: %v", i+1, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			names[i] = name
		}(i, path)
	}
	wg.Wait()
	return names, failed
}

// processFile anonymizes one message and returns the name it was written
// under. Names are random like attachment names, so nothing of the input
// path reaches the output directory.
func processFile(ctx context.Context, proc *message.Processor, path string, o options) (string, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied input path
	if err != nil {
		return "", err
	}
	res, err := proc.Process(ctx, raw)
	if err != nil {
		return "", err
	}
	name, err := createUnique(o.outDir, res.Message)
	if err != nil {
		return "", err
	}
	base := strings.TrimSuffix(name, ".eml")
	if o.report {
		if err := os.WriteFile(filepath.Join(o.outDir, base+".report.json"), []byte(res.Report.JSON()+"\n"), 0o600); err != nil {
			return "", err
		}
	}
	if o.attachments {
		dir := filepath.Join(o.outDir, base+"_attachments")
		for _, att := range res.Attachments {
			if att.Anonymized == nil || att.NewName == "" {
				continue
			}
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return "", err
			}
			if err := os.WriteFile(filepath.Join(dir, att.NewName), att.Anonymized, 0o600); err != nil {
				return "", err
			}
		}
	}
	return name, nil
}

// createUnique writes data to a new random .eml file in dir and never
// replaces an existing one.
func createUnique(dir string, data []byte) (string, error) {
	for range 8 {
		name := anonymizer.RenameAttachment("message.eml")
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) // #nosec G304 -- generated name
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close() //nolint:errcheck // write error wins
			return "", err
		}
		return name, f.Close()
	}
	return "", errors.New("no free output name")
}

func printBanner(w io.Writer, cfg *config.Config, mode string) {
	detectors := []string{}
	if cfg.UsePatterns {
		detectors = append(detectors, "patterns")
	}
	if cfg.PresidioURL != "" {
		detectors = append(detectors, "presidio ("+cfg.PresidioURL+")")
	}
	if cfg.UseAIDetection {
		detectors = append(detectors, "ollama ("+cfg.OllamaModel+" at "+cfg.OllamaEndpoint+")")
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          EML Anonymizer  v%-27s║
╚══════════════════════════════════════════════════════╝
  Mode            : %s
  Detectors       : %s
  Labels          : %s
  Placeholders    : %s
  PDF redaction   : %s
`, version, mode, strings.Join(detectors, ", "), strings.Join(cfg.ActiveLabels, ","),
		cfg.PlaceholderStyle, cfg.PDFRedactionStyle)

	if mode == "serve" {
		fmt.Fprintf(w, `  Listening on    : %s

  Anonymize a message:
    curl --data-binary @mail.eml http://%s/anonymize/eml
`, cfg.ListenAddr, cfg.ListenAddr)
	}
}
