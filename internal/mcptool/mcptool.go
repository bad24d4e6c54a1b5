// Package mcptool serves the anonymizer as Model Context Protocol tools.
// Each tool call gets its own replacement cache.
package mcptool

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"eml-anonymizer/internal/anonymizer"
	"eml-anonymizer/internal/detector"
	"eml-anonymizer/internal/logger"
	"eml-anonymizer/internal/message"
)

// ContentInput is the argument of anonymize_text and anonymize_html.
type ContentInput struct {
	Text   string   `json:"text" jsonschema:"the content to anonymize"`
	Labels []string `json:"labels,omitempty" jsonschema:"entity labels to replace, e.g. PERSON or EMAIL_ADDRESS; default is the server configuration"`
	Style  string   `json:"style,omitempty" jsonschema:"placeholder style: generic, numbered or surrogate"`
}

// ContentOutput is the result of anonymize_text and anonymize_html.
type ContentOutput struct {
	Text         string `json:"text"`
	Placeholders int    `json:"placeholders" jsonschema:"number of distinct values replaced"`
}

// MessageInput is the argument of anonymize_eml.
type MessageInput struct {
	Message string   `json:"message" jsonschema:"a complete RFC 5322 message"`
	Labels  []string `json:"labels,omitempty" jsonschema:"entity labels to replace"`
	Style   string   `json:"style,omitempty" jsonschema:"placeholder style: generic, numbered or surrogate"`
}

// MessageOutput is the result of anonymize_eml.
type MessageOutput struct {
	Message  string         `json:"message"`
	Complete bool           `json:"complete"`
	Report   message.Report `json:"report"`
}

// RenameInput is the argument of rename_attachment.
type RenameInput struct {
	Name string `json:"name" jsonschema:"the original attachment file name"`
}

// RenameOutput is the result of rename_attachment.
type RenameOutput struct {
	Name string `json:"name"`
}

type tools struct {
	proc *message.Processor
	log  *logger.Logger
}

// NewServer registers the anonymizer tools on a new MCP server.
func NewServer(proc *message.Processor, version string, log *logger.Logger) *mcp.Server {
	if log == nil {
		log = logger.Discard()
	}
	t := &tools{proc: proc, log: log}
	srv := mcp.NewServer(&mcp.Implementation{Name: "eml-anonymizer", Version: version}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "anonymize_text",
		Description: "Replace personal data in plain text with consistent placeholders.",
	}, t.anonymizeText)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "anonymize_html",
		Description: "Replace personal data in an HTML document; markup is preserved.",
	}, t.anonymizeHTML)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "anonymize_eml",
		Description: "Anonymize a whole email message: headers, bodies and attachments.",
	}, t.anonymizeEML)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "rename_attachment",
		Description: "Return a random file name that keeps only the original extension.",
	}, t.renameAttachment)
	return srv
}

// Run serves the tools over stdin/stdout until ctx is done or the client
// disconnects.
func Run(ctx context.Context, proc *message.Processor, version string, log *logger.Logger) error {
	return NewServer(proc, version, log).Run(ctx, &mcp.StdioTransport{})
}

func (t *tools) processor(labels []string, style string) (*message.Processor, error) {
	var s anonymizer.Style
	if style != "" {
		s = anonymizer.Style(strings.ToLower(style))
		switch s {
		case anonymizer.StyleGeneric, anonymizer.StyleNumbered, anonymizer.StyleSurrogate:
		default:
			return nil, fmt.Errorf("unknown style %q", style)
		}
	}
	var a *anonymizer.Anonymizer
	if len(labels) > 0 {
		a = t.proc.Anonymizer().WithLabels(detector.ParseLabels(labels))
	}
	return t.proc.With(a, s), nil
}

func (t *tools) anonymizeContent(ctx context.Context, in ContentInput, html bool) (ContentOutput, error) {
	proc, err := t.processor(in.Labels, in.Style)
	if err != nil {
		return ContentOutput{}, err
	}
	a := proc.Anonymizer()
	cache := anonymizer.NewCache(proc.Style(), a.Metrics())
	var out string
	if html {
		out, err = a.AnonymizeHTML(ctx, cache, in.Text)
	} else {
		out, err = a.AnonymizeText(ctx, cache, in.Text)
	}
	if err != nil {
		t.log.Warnf("tool_failed", "%v", err)
		return ContentOutput{}, err
	}
	return ContentOutput{Text: out, Placeholders: cache.Len()}, nil
}

func (t *tools) anonymizeText(ctx context.Context, _ *mcp.CallToolRequest, in ContentInput) (*mcp.CallToolResult, ContentOutput, error) {
	out, err := t.anonymizeContent(ctx, in, false)
	return nil, out, err
}

func (t *tools) anonymizeHTML(ctx context.Context, _ *mcp.CallToolRequest, in ContentInput) (*mcp.CallToolResult, ContentOutput, error) {
	out, err := t.anonymizeContent(ctx, in, true)
	return nil, out, err
}

func (t *tools) anonymizeEML(ctx context.Context, _ *mcp.CallToolRequest, in MessageInput) (*mcp.CallToolResult, MessageOutput, error) {
	proc, err := t.processor(in.Labels, in.Style)
	if err != nil {
		return nil, MessageOutput{}, err
	}
	res, err := proc.Process(ctx, []byte(in.Message))
	if err != nil {
		t.log.Warnf("tool_failed", "%v", err)
		return nil, MessageOutput{}, err
	}
	return nil, MessageOutput{Message: string(res.Message), Complete: res.Report.Complete(), Report: res.Report}, nil
}

func (t *tools) renameAttachment(_ context.Context, _ *mcp.CallToolRequest, in RenameInput) (*mcp.CallToolResult, RenameOutput, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, RenameOutput{}, fmt.Errorf("name is required")
	}
	return nil, RenameOutput{Name: anonymizer.RenameAttachment(in.Name)}, nil
}
