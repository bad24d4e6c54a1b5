// Package config loads and holds all anonymizer configuration.
// Settings start from built-in defaults, are overridden by
// anonymizer-config.yaml / .yml / .json, then by a .env file, then by
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"eml-anonymizer/internal/logger"
)

// Placeholder styles. The anonymizer package types these values.
const (
	StyleGeneric   = "generic"
	StyleNumbered  = "numbered"
	StyleSurrogate = "surrogate"
)

// PDF redaction styles.
const (
	PDFCover    = "cover"
	PDFBlackbox = "blackbox"
	PDFInline   = "inline"
)

// DOCX run strategies.
const (
	DOCXMerge      = "merge"
	DOCXDistribute = "distribute"
)

// DefaultPreserveHeaders are the header fields left untouched besides the
// MIME structure fields. A trailing "*" matches any suffix.
var DefaultPreserveHeaders = []string{"Date", "DKIM-Signature", "DomainKey-Signature", "ARC-*"}

// DefaultFiles are the config file names Load looks for, in order.
var DefaultFiles = []string{"anonymizer-config.yaml", "anonymizer-config.yml", "anonymizer-config.json"}

var log = logger.New("CONFIG", "info")

// Config holds the full anonymizer configuration.
type Config struct {
	ActiveLabels      []string `json:"activeLabels" yaml:"activeLabels"`
	PlaceholderStyle  string   `json:"placeholderStyle" yaml:"placeholderStyle"`
	MinScore          float64  `json:"minScore" yaml:"minScore"`
	HTMLAttributes    []string `json:"htmlAttributes" yaml:"htmlAttributes"`
	PDFRedactionStyle string   `json:"pdfRedactionStyle" yaml:"pdfRedactionStyle"`
	DOCXRunStrategy   string   `json:"docxRunStrategy" yaml:"docxRunStrategy"`
	PreserveHeaders   []string `json:"preserveHeaders" yaml:"preserveHeaders"`
	DropUnsupported   bool     `json:"dropUnsupported" yaml:"dropUnsupported"`
	Workers           int      `json:"workers" yaml:"workers"`

	UsePatterns      bool    `json:"usePatterns" yaml:"usePatterns"`
	PresidioURL      string  `json:"presidioUrl" yaml:"presidioUrl"`
	PresidioLanguage string  `json:"presidioLanguage" yaml:"presidioLanguage"`
	UseAIDetection   bool    `json:"useAIDetection" yaml:"useAIDetection"`
	OllamaEndpoint   string  `json:"ollamaEndpoint" yaml:"ollamaEndpoint"`
	OllamaModel      string  `json:"ollamaModel" yaml:"ollamaModel"`
	AIConfidence     float64 `json:"aiConfidenceThreshold" yaml:"aiConfidenceThreshold"`

	ListenAddr      string `json:"listenAddr" yaml:"listenAddr"`
	ManagementToken string `json:"managementToken" yaml:"managementToken"`
	MaxMessageBytes int64  `json:"maxMessageBytes" yaml:"maxMessageBytes"`
	LogLevel        string `json:"logLevel" yaml:"logLevel"`
}

// Load returns config with defaults overridden by the first config file
// found in the working directory, a .env file and env vars.
func Load() *Config {
	cfg := defaults()
	for _, name := range DefaultFiles {
		if loadFile(cfg, name) {
			break
		}
	}
	loadDotEnv(".env")
	loadEnv(cfg)
	return cfg
}

// LoadFile is like Load but reads the given config file instead of
// searching for the default names. A missing file is an error.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	cfg := defaults()
	if !loadFile(cfg, path) {
		return nil, fmt.Errorf("config file %s could not be parsed", path)
	}
	loadDotEnv(".env")
	loadEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ActiveLabels:      []string{"PERSON", "EMAIL_ADDRESS", "PHONE_NUMBER", "LOCATION", "US_SSN", "CREDIT_CARD"},
		PlaceholderStyle:  StyleSurrogate,
		MinScore:          0.4,
		HTMLAttributes:    []string{"href", "src", "alt", "title", "value", "placeholder", "content", "aria-label", "data-email", "data-name"},
		PDFRedactionStyle: PDFCover,
		DOCXRunStrategy:   DOCXMerge,
		PreserveHeaders:   append([]string(nil), DefaultPreserveHeaders...),
		Workers:           4,
		UsePatterns:       true,
		PresidioLanguage:  "en",
		OllamaEndpoint:    "http://localhost:11434",
		OllamaModel:       "qwen2.5:3b",
		AIConfidence:      0.7,
		ListenAddr:        "127.0.0.1:8081",
		MaxMessageBytes:   50 << 20,
		LogLevel:          "info",
	}
}

// loadFile merges path into cfg and reports whether it was read and parsed.
func loadFile(cfg *Config, path string) bool {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return false // file is optional
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		log.Warnf("config_parse", "could not parse %s: %v", path, err)
		return false
	}
	log.Infof("config_loaded", "loaded %s", path)
	return true
}

// loadDotEnv exports the variables of a .env file that are not already set.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warnf("dotenv_parse", "could not parse %s: %v", path, err)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("ACTIVE_LABELS"); v != "" {
		cfg.ActiveLabels = splitList(v)
	}
	if v := os.Getenv("PLACEHOLDER_STYLE"); v != "" {
		cfg.PlaceholderStyle = strings.ToLower(v)
	}
	if v := os.Getenv("MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MinScore = f
		}
	}
	if v := os.Getenv("HTML_ATTRIBUTES"); v != "" {
		cfg.HTMLAttributes = splitList(v)
	}
	if v := os.Getenv("PDF_REDACTION_STYLE"); v != "" {
		cfg.PDFRedactionStyle = strings.ToLower(v)
	}
	if v := os.Getenv("DOCX_RUN_STRATEGY"); v != "" {
		cfg.DOCXRunStrategy = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("PRESERVE_HEADERS"); ok {
		cfg.PreserveHeaders = splitList(v)
	}
	if v := os.Getenv("DROP_UNSUPPORTED"); v != "" {
		cfg.DropUnsupported = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("USE_PATTERNS"); v == "false" {
		cfg.UsePatterns = false
	}
	if v := os.Getenv("PRESIDIO_URL"); v != "" {
		cfg.PresidioURL = v
	}
	if v := os.Getenv("PRESIDIO_LANGUAGE"); v != "" {
		cfg.PresidioLanguage = v
	}
	if v := os.Getenv("USE_AI_DETECTION"); v != "" {
		cfg.UseAIDetection = v == "true"
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		cfg.OllamaEndpoint = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.OllamaModel = v
	}
	if v := os.Getenv("AI_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AIConfidence = f
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxMessageBytes = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.PlaceholderStyle {
	case StyleGeneric, StyleNumbered, StyleSurrogate:
	default:
		return fmt.Errorf("placeholderStyle %q: want generic, numbered or surrogate", c.PlaceholderStyle)
	}
	switch c.PDFRedactionStyle {
	case PDFCover, PDFBlackbox, PDFInline:
	default:
		return fmt.Errorf("pdfRedactionStyle %q: want cover, blackbox or inline", c.PDFRedactionStyle)
	}
	switch c.DOCXRunStrategy {
	case DOCXMerge, DOCXDistribute:
	default:
		return fmt.Errorf("docxRunStrategy %q: want merge or distribute", c.DOCXRunStrategy)
	}
	if len(c.ActiveLabels) == 0 {
		return fmt.Errorf("activeLabels must not be empty")
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("minScore %v out of range [0,1]", c.MinScore)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if !c.UsePatterns && c.PresidioURL == "" && !c.UseAIDetection {
		return fmt.Errorf("no detector enabled: set usePatterns, presidioUrl or useAIDetection")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
