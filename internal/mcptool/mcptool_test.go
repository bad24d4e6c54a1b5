package mcptool

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"eml-anonymizer/internal/anonymizer"
	"eml-anonymizer/internal/detector"
	"eml-anonymizer/internal/message"
)

func nameDetector(names ...string) detector.Func {
	return func(_ context.Context, text string, _ detector.LabelSet) ([]detector.Span, error) {
		var spans []detector.Span
		for _, n := range names {
			for from := 0; ; {
				i := strings.Index(text[from:], n)
				if i < 0 {
					break
				}
				start := from + i
				spans = append(spans, detector.Span{Start: start, End: start + len(n), Label: detector.Person, Text: n, Score: 0.9})
				from = start + len(n)
			}
		}
		return spans, nil
	}
}

// connect starts the tool server on an in-memory transport and returns a
// client session to it.
func connect(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	a := anonymizer.New(detector.Chain{detector.NewPatterns(), nameDetector("Matthew Booth")}, anonymizer.Options{})
	srv := NewServer(message.NewProcessor(a, message.Options{}), "test", nil)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatal(err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cs.Close() //nolint:errcheck
		ss.Close() //nolint:errcheck
	})
	return cs
}

// call invokes a tool and decodes its JSON text result into out.
func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if res.IsError || out == nil {
		return res
	}
	if len(res.Content) == 0 {
		t.Fatalf("%s: empty result", name)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("%s: unexpected content %T", name, res.Content[0])
	}
	if err := json.Unmarshal([]byte(text.Text), out); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func TestListTools(t *testing.T) {
	cs := connect(t)
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	for _, want := range []string{"anonymize_text", "anonymize_html", "anonymize_eml", "rename_attachment"} {
		if !strings.Contains(strings.Join(names, ","), want) {
			t.Errorf("missing tool %s in %v", want, names)
		}
	}
}

func TestAnonymizeText(t *testing.T) {
	cs := connect(t)
	var out ContentOutput
	call(t, cs, "anonymize_text", map[string]any{
		"text": "Contact Matthew Booth at matthew.booth@company.com or 555-123-4567.",
	}, &out)
	if want := "Contact Person A at persona@example.com or 555-000-0001."; out.Text != want {
		t.Errorf("got %q, want %q", out.Text, want)
	}
	if out.Placeholders != 3 {
		t.Errorf("placeholders: %d", out.Placeholders)
	}
}

func TestAnonymizeText_Overrides(t *testing.T) {
	cs := connect(t)
	var out ContentOutput
	call(t, cs, "anonymize_text", map[string]any{
		"text":   "Matthew Booth, 555-123-4567",
		"labels": []string{"PERSON"},
		"style":  "numbered",
	}, &out)
	if out.Text != "<PERSON_1>, 555-123-4567" {
		t.Errorf("got %q", out.Text)
	}
}

func TestAnonymizeText_BadStyleIsToolError(t *testing.T) {
	cs := connect(t)
	res := call(t, cs, "anonymize_text", map[string]any{"text": "x", "style": "fancy"}, nil)
	if !res.IsError {
		t.Error("expected a tool error")
	}
}

func TestAnonymizeHTML(t *testing.T) {
	cs := connect(t)
	var out ContentOutput
	call(t, cs, "anonymize_html", map[string]any{"text": `<a title="Matthew Booth">Matthew Booth</a>`}, &out)
	if out.Text != `<a title="Person A">Person A</a>` {
		t.Errorf("got %q", out.Text)
	}
}

func TestAnonymizeEML(t *testing.T) {
	cs := connect(t)
	var out MessageOutput
	call(t, cs, "anonymize_eml", map[string]any{"message": "Subject: Matthew Booth\r\n\r\nHi Matthew Booth\r\n"}, &out)
	if out.Message != "Subject: Person A\r\n\r\nHi Person A\r\n" || !out.Complete {
		t.Errorf("got %+v", out)
	}
}

func TestRenameAttachment(t *testing.T) {
	cs := connect(t)
	var first, second RenameOutput
	call(t, cs, "rename_attachment", map[string]any{"name": "resume.pdf"}, &first)
	call(t, cs, "rename_attachment", map[string]any{"name": "resume.pdf"}, &second)
	re := regexp.MustCompile(`^[0-9a-f]{12}\.pdf$`)
	if !re.MatchString(first.Name) || !re.MatchString(second.Name) {
		t.Errorf("names: %q %q", first.Name, second.Name)
	}
	if first.Name == second.Name {
		t.Error("renames must differ between calls")
	}
}
