package terminal

import (
	"strings"
	"testing"
)

func TestStripIdempotent(t *testing.T) {
	cases := []string{
		"\x1b[1;31mhello\x1b[0m",
		"plain text",
		"\x07bell\x1b[2Kline\r\n",
		"",
		"\x1b]0;title\x07ignored-osc-like-bytes",
	}
	for _, c := range cases {
		once := Strip(c)
		twice := Strip(once)
		if once != twice {
			t.Errorf("Strip not idempotent for %q: once=%q twice=%q", c, once, twice)
		}
	}
}

func TestStripRemovesCSIAndControlChars(t *testing.T) {
	in := "\x1b[1;31merror\x1b[0m: \x1b[32mok\x1b[0m\x00\x7f"
	out := Strip(in)
	if strings.Contains(out, "\x1b") {
		t.Fatalf("expected no escape bytes left, got %q", out)
	}
	if strings.Contains(out, "\x00") || strings.Contains(out, "\x7f") {
		t.Fatalf("expected control chars stripped, got %q", out)
	}
	if !strings.Contains(out, "error") || !strings.Contains(out, "ok") {
		t.Fatalf("expected printable text preserved, got %q", out)
	}
}

func TestStripPreservesTabsAndNewlines(t *testing.T) {
	in := "a\tb\nc"
	if out := Strip(in); out != in {
		t.Fatalf("expected tabs/newlines preserved, got %q", out)
	}
}

func TestColorBalance(t *testing.T) {
	cases := []string{
		"\x1b[31mred\x1b[0m plain \x1b[1;34mbold blue\x1b[0m",
		"\x1b[32munterminated",
		"no color at all",
		"\x1b[0m\x1b[0m",
	}
	for _, c := range cases {
		out := Color(c)
		if strings.Count(out, "<span") != strings.Count(out, "</span>") {
			t.Errorf("unbalanced spans for %q: %q", c, out)
		}
	}
}

func TestColorTranslatesKnownPalette(t *testing.T) {
	out := Color("\x1b[31mred text\x1b[0m")
	if !strings.Contains(out, "#e74c3c") {
		t.Fatalf("expected red hex in output, got %q", out)
	}
	if !strings.Contains(out, "red text") {
		t.Fatalf("expected text preserved, got %q", out)
	}
}

func TestColorBoldAddsWeight(t *testing.T) {
	out := Color("\x1b[1;34mbold blue\x1b[0m")
	if !strings.Contains(out, "font-weight: 600") {
		t.Fatalf("expected bold weight in output, got %q", out)
	}
	if !strings.Contains(out, "#4a90e2") {
		t.Fatalf("expected blue hex in output, got %q", out)
	}
}

func TestFilenameEnrichmentOnlyWithoutExistingMarkup(t *testing.T) {
	out := Color("archive.zip backup.tar.gz")
	if !strings.Contains(out, "<span") {
		t.Fatalf("expected filename enrichment markup, got %q", out)
	}
	if !strings.Contains(out, "#e74c3c") {
		t.Fatalf("expected archive color, got %q", out)
	}
}

func TestFilenameEnrichmentSkippedWhenColorPresent(t *testing.T) {
	out := Color("\x1b[31mred\x1b[0m report.pdf")
	// The only span should be the SGR-derived one; report.pdf stays bare.
	if strings.Count(out, "<span") != 1 {
		t.Fatalf("expected filename enrichment to be skipped, got %q", out)
	}
}

func TestColorRemovesResidualControlSequences(t *testing.T) {
	out := Color("\x1b[2K\x1b[31mred\x1b[0m\x07")
	if strings.Contains(out, "\x1b") || strings.Contains(out, "\x07") {
		t.Fatalf("expected non-SGR sequences removed, got %q", out)
	}
	if !strings.Contains(out, "red") || !strings.Contains(out, "#e74c3c") {
		t.Fatalf("expected colored text preserved, got %q", out)
	}
}

func TestIsPromptLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"user@host:~$ ", true},
		{"root@box:/etc# ", true},
		{"> ", true},
		{"just some output", false},
		{"", false},
		{"user@host:~$ pwd\r", false},
		{"root@box:/etc# ls\r", false},
	}
	for _, tc := range tests {
		if got := IsPromptLine(tc.line); got != tc.want {
			t.Errorf("IsPromptLine(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	s := "first\n\nsecond\n   \nuser@host:~$ \n\n"
	if got := LastNonEmptyLine(s); got != "user@host:~$ " {
		t.Fatalf("got %q", got)
	}
}

func TestNoDataThreshold(t *testing.T) {
	if got := NoDataThreshold(1500_000_000); got != 15 {
		t.Fatalf("got %d, want 15", got)
	}
	if got := NoDataThreshold(2_000_000_000); got != 20 {
		t.Fatalf("got %d, want 20", got)
	}
}
