package extract

import (
	"strings"
	"testing"
)

// TestCanonicalPathologicalCase is the spec's exact worked example: a
// plain backtick-quoted file marker immediately followed by a fenced
// block with no language tag must yield exactly one file.
func TestCanonicalPathologicalCase(t *testing.T) {
	input := "File: `requirements.txt`\n```\npytest>=7.0.0\n```"

	files := Extract(input)
	if len(files) != 1 {
		t.Fatalf("expected exactly 1 file, got %d: %+v", len(files), files)
	}
	if files[0].Path != "requirements.txt" {
		t.Errorf("Path = %q, want requirements.txt", files[0].Path)
	}
	if files[0].Content != "pytest>=7.0.0" {
		t.Errorf("Content = %q, want %q", files[0].Content, "pytest>=7.0.0")
	}
}

func TestBoldFileMarker(t *testing.T) {
	input := "**File: `src/main.py`**\n```python\nprint('hi')\n```"
	files := Extract(input)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Path != "src/main.py" {
		t.Errorf("Path = %q, want src/main.py", files[0].Path)
	}
	if files[0].Content != "print('hi')" {
		t.Errorf("Content = %q", files[0].Content)
	}
}

func TestPlainFileMarkerWithoutBackticks(t *testing.T) {
	input := "File: config.yaml\n```yaml\nkey: value\n```"
	files := Extract(input)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Path != "config.yaml" {
		t.Errorf("Path = %q, want config.yaml", files[0].Path)
	}
}

func TestFencedHeaderWithLangAndFilename(t *testing.T) {
	input := "```python:src/app.py\nprint('app')\n```"
	files := Extract(input)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Path != "src/app.py" {
		t.Errorf("Path = %q, want src/app.py", files[0].Path)
	}
	if files[0].Content != "print('app')" {
		t.Errorf("Content = %q", files[0].Content)
	}
}

// TestNestedFencesInMarkdown is the spec's scenario S6: a generated
// README.md whose own content contains fenced code examples nested
// three levels deep must still be captured as exactly one entry.
func TestNestedFencesInMarkdown(t *testing.T) {
	var b strings.Builder
	b.WriteString("File: `README.md`\n")
	b.WriteString("```\n")
	b.WriteString("# Usage\n")
	b.WriteString("```bash\n")
	b.WriteString("echo hi\n")
	b.WriteString("```python\n")
	b.WriteString("print('nested')\n")
	b.WriteString("```\n")
	b.WriteString("```\n")
	b.WriteString("done\n")
	b.WriteString("```\n") // closes the outer README.md fence

	files := Extract(b.String())
	if len(files) != 1 {
		t.Fatalf("expected exactly 1 file, got %d: %+v", len(files), files)
	}
	if files[0].Path != "README.md" {
		t.Errorf("Path = %q, want README.md", files[0].Path)
	}
	if !strings.Contains(files[0].Content, "echo hi") || !strings.Contains(files[0].Content, "print('nested')") {
		t.Errorf("expected nested fence content to be preserved, got %q", files[0].Content)
	}
}

func TestMultipleFilesInOrder(t *testing.T) {
	input := "File: `a.py`\n```\nA\n```\nFile: `b.py`\n```\nB\n```"
	files := Extract(input)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Path != "a.py" || files[1].Path != "b.py" {
		t.Errorf("unexpected order: %+v", files)
	}
}

func TestExtractorIdempotence(t *testing.T) {
	input := "File: `a.py`\n```\nprint(1)\n```"
	first := Extract(input)
	second := Extract(input)
	if len(first) != len(second) {
		t.Fatalf("non-idempotent: %d vs %d files", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("non-idempotent at index %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestZeroFilesIsNotAnError(t *testing.T) {
	files := Extract("just some prose with no markers or fences")
	if len(files) != 0 {
		t.Errorf("expected 0 files, got %d", len(files))
	}
}

func TestFallbackFilenameSynthesisFromDefName(t *testing.T) {
	input := "```python\ndef handleRequest():\n    pass\n```"
	files := Extract(input)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Path != "handle_request.py" {
		t.Errorf("Path = %q, want handle_request.py", files[0].Path)
	}
}

func TestSanitizePathStripsEscapePrefixes(t *testing.T) {
	cases := map[string]string{
		"/etc/passwd":       "etc/passwd",
		"./src/main.go":     "src/main.go",
		"../../secret.txt":  "secret.txt",
		"src/safe/file.txt": "src/safe/file.txt",
	}
	for in, want := range cases {
		if got := SanitizePath(in); got != want {
			t.Errorf("SanitizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
