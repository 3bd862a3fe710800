package errors

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		code     string
		category Category
		message  string
	}{
		{"D100", CategoryConfig, "Configuration file not found"},
		{"D200", CategoryCLI, "Invalid flag value"},
		{"D300", CategoryCapture, "Capture source unavailable"},
		{"D401", CategoryTransport, "Cannot connect to sender"},
		{"D500", CategorySnapshot, "Snapshot store unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code)
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
			if err.Category != tt.category {
				t.Errorf("Category = %q, want %q", err.Category, tt.category)
			}
			if err.Message != tt.message {
				t.Errorf("Message = %q, want %q", err.Message, tt.message)
			}
		})
	}
}

func TestNewUnknownCode(t *testing.T) {
	err := New("D999")
	if err.Message != "Unknown error" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestRegistryComplete(t *testing.T) {
	for _, code := range Codes() {
		tmpl, ok := Lookup(code)
		if !ok {
			t.Fatalf("Lookup(%q) failed", code)
		}
		if tmpl.Message == "" || tmpl.Category == "" {
			t.Errorf("%s: incomplete template %+v", code, tmpl)
		}
		if !strings.HasPrefix(code, "D") || len(code) != 4 {
			t.Errorf("%s: malformed code", code)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := New("D102").WithDetail("sender.fps must be positive")
	want := "D102: Invalid configuration value: sender.fps must be positive"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	plain := Newf(CategoryCLI, "bad %s", "thing")
	if plain.Error() != "bad thing" {
		t.Errorf("Error() = %q", plain.Error())
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := New("D101").Wrap(cause)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, "D100") != nil {
		t.Error("FromError(nil) should be nil")
	}

	original := New("D102").WithDetail("x")
	if got := FromError(original, "D100"); got != original {
		t.Error("FromError should return an existing *Error unchanged")
	}

	plain := errors.New("boom")
	got := FromError(plain, "D400")
	if got.Code != "D400" || !errors.Is(got, plain) {
		t.Errorf("FromError = %+v", got)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deltacast.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWithLocationContext(t *testing.T) {
	path := writeFile(t, "a\nb\nc\nd\ne\nf\ng\n")

	tests := []struct {
		line      int
		wantStart int
		wantLines []string
	}{
		{4, 2, []string{"b", "c", "d", "e", "f"}},
		{1, 1, []string{"a", "b", "c"}},
		{7, 5, []string{"e", "f", "g"}},
	}
	for _, tt := range tests {
		err := New("D102").WithLocation(path, tt.line, 0)
		if err.ContextStart != tt.wantStart {
			t.Errorf("line %d: ContextStart = %d, want %d", tt.line, err.ContextStart, tt.wantStart)
		}
		if strings.Join(err.Context, ",") != strings.Join(tt.wantLines, ",") {
			t.Errorf("line %d: Context = %v, want %v", tt.line, err.Context, tt.wantLines)
		}
	}
}

func TestWithLocationMissingFile(t *testing.T) {
	err := New("D102").WithLocation(filepath.Join(t.TempDir(), "nope.yaml"), 3, 1)
	if err.Location == nil || err.Location.Line != 3 {
		t.Fatalf("Location = %+v", err.Location)
	}
	if len(err.Context) != 0 {
		t.Errorf("Context = %v, want none", err.Context)
	}
}

func TestWithLocationFromYAML(t *testing.T) {
	path := writeFile(t, "sender:\n  fps: [\n")
	yamlErr := errors.New("yaml: line 2: did not find expected node content")

	err := New("D101").WithLocationFromYAML(path, yamlErr)
	if err.Location == nil || err.Location.Line != 2 {
		t.Fatalf("Location = %+v", err.Location)
	}

	noLine := New("D101").WithLocationFromYAML(path, errors.New("yaml: unmarshal errors"))
	if noLine.Location != nil {
		t.Errorf("Location = %+v, want nil", noLine.Location)
	}
}

func TestLocationString(t *testing.T) {
	tests := []struct {
		loc  *Location
		want string
	}{
		{nil, ""},
		{&Location{File: "a.yaml", Line: 3}, "a.yaml:3"},
		{&Location{File: "a.yaml", Line: 3, Column: 7}, "a.yaml:3:7"},
	}
	for _, tt := range tests {
		if got := tt.loc.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	path := writeFile(t, "sender:\n  address: \":9400\"\n  fps: 0\n  chroma: none\n")
	err := New("D102").
		WithDetail("sender.fps must be between 1 and 240").
		WithLocation(path, 3, 8).
		WithSuggestion("Use 30 or 60")

	out := err.Format()
	for _, want := range []string{
		"ERROR D102: Invalid configuration value",
		path + ":3:8",
		"→    3 │   fps: 0",
		"       │        ^",
		"sender.fps must be between 1 and 240",
		"Hint: Use 30 or 60",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q in:\n%s", want, out)
		}
	}
}

func TestFormatUsesWrappedAsDetail(t *testing.T) {
	DisableColors()
	defer EnableColors()

	out := New("D400").Wrap(errors.New("address already in use")).Format()
	if !strings.Contains(out, "address already in use") {
		t.Errorf("Format() = %q", out)
	}
}

func TestFormatCompact(t *testing.T) {
	err := &Error{Code: "D102", Message: "Invalid configuration value", Location: &Location{File: "c.yaml", Line: 2}}
	if got := err.FormatCompact(); got != "c.yaml:2: D102: Invalid configuration value" {
		t.Errorf("FormatCompact() = %q", got)
	}
}

func TestFormatJSON(t *testing.T) {
	err := New("D102").WithDetail("bad \"value\"").Wrap(errors.New("cause"))
	err.Location = &Location{File: "c.yaml", Line: 2, Column: 4}

	var out map[string]any
	if jerr := json.Unmarshal([]byte(err.FormatJSON()), &out); jerr != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v", jerr)
	}
	if out["code"] != "D102" || out["category"] != "config" || out["detail"] != "bad \"value\"" || out["cause"] != "cause" {
		t.Errorf("FormatJSON = %v", out)
	}
	loc, ok := out["location"].(map[string]any)
	if !ok || loc["line"] != float64(2) {
		t.Errorf("location = %v", out["location"])
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  []string
	}{
		{"", 10, nil},
		{"short", 10, []string{"short"}},
		{"one two three four", 9, []string{"one two", "three", "four"}},
	}
	for _, tt := range tests {
		got := wrapText(tt.text, tt.width)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("wrapText(%q, %d) = %v, want %v", tt.text, tt.width, got, tt.want)
		}
	}
}

func TestPrintError(t *testing.T) {
	DisableColors()
	defer EnableColors()

	var buf bytes.Buffer
	PrintError(&buf, New("D300"))
	if !strings.Contains(buf.String(), "ERROR D300: Capture source unavailable") {
		t.Errorf("PrintError = %q", buf.String())
	}

	buf.Reset()
	PrintError(&buf, errors.New("plain failure"))
	if !strings.Contains(buf.String(), "ERROR: plain failure") {
		t.Errorf("PrintError = %q", buf.String())
	}
}
