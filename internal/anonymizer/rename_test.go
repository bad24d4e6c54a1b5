package anonymizer

import (
	"regexp"
	"testing"
)

var renamedToken = regexp.MustCompile(`^[0-9a-f]{12}`)

func TestRenameAttachment_KeepsExtension(t *testing.T) {
	cases := map[string]string{
		"Matthew Booth CV.pdf":     ".pdf",
		"report.final.DOCX":        ".DOCX",
		"C:\\Users\\ann\\scan.PNG": ".PNG",
		"folder/notes.txt":         ".txt",
		"README":                   "",
		"trailing.":                "",
		"":                         "",
	}
	for in, ext := range cases {
		got := RenameAttachment(in)
		if !renamedToken.MatchString(got) {
			t.Errorf("RenameAttachment(%q) = %q: no hex token", in, got)
			continue
		}
		if got[12:] != ext {
			t.Errorf("RenameAttachment(%q) = %q, want extension %q", in, got, ext)
		}
	}
}

func TestRenameAttachment_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name := RenameAttachment("invoice.pdf")
		if seen[name] {
			t.Fatalf("duplicate name %q after %d renames", name, i)
		}
		seen[name] = true
	}
}
