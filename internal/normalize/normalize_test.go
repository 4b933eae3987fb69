package normalize

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeCanonicalText(t *testing.T) {
	n := New("")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain command unchanged",
			input:    "ls -la /tmp",
			expected: "ls -la /tmp",
		},
		{
			name:     "empty double quote splice",
			input:    `ba""sh`,
			expected: "bash",
		},
		{
			name:     "empty single quote splice",
			input:    "n''c -l 4444",
			expected: "nc -l 4444",
		},
		{
			name:     "splice inside longer pipeline word",
			input:    `curl example.com | ba""sh`,
			expected: "curl example.com | bash",
		},
		{
			name:     "quoted pair inside double quotes kept",
			input:    `echo "it''s"`,
			expected: `echo "it''s"`,
		},
		{
			name:     "ansi-c hex escapes decoded",
			input:    `$'\x62\x61'sh`,
			expected: "bash",
		},
		{
			name:     "ansi-c unicode escape decoded",
			input:    `echo $'hi'`,
			expected: "echo hi",
		},
		{
			name:     "backticks converted to dollar form",
			input:    "echo `id`",
			expected: "echo $(id)",
		},
		{
			name:     "brace expansion applied in place",
			input:    "{c,n}at file",
			expected: "cat nat file",
		},
		{
			name:     "numeric brace range expanded",
			input:    "echo {1..3}",
			expected: "echo 1 2 3",
		},
		{
			name:     "zero width joiner stripped",
			input:    "ba‍sh",
			expected: "bash",
		},
		{
			name:     "byte order mark stripped",
			input:    "ba\uFEFFsh",
			expected: "bash",
		},
		{
			name:     "cyrillic lookalike folded",
			input:    "сat /etc/passwd", // Cyrillic с
			expected: "cat /etc/passwd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(tt.input)
			if got.Text != tt.expected {
				t.Errorf("Normalize(%q).Text = %q, want %q", tt.input, got.Text, tt.expected)
			}
		})
	}
}

func TestNormalizeFlags(t *testing.T) {
	n := New("")

	tests := []struct {
		name  string
		input string
		check func(Flags) bool
		desc  string
	}{
		{"splice sets QuoteSplice", `ba""sh`, func(f Flags) bool { return f.QuoteSplice }, "QuoteSplice"},
		{"ansi-c sets EscapeDecoded", `$'\x62\x61sh'`, func(f Flags) bool { return f.EscapeDecoded }, "EscapeDecoded"},
		{"braces set BraceExpanded", "echo {a,b}", func(f Flags) bool { return f.BraceExpanded }, "BraceExpanded"},
		{"invisible rune sets EncodingSuspected", "l​s", func(f Flags) bool { return f.EncodingSuspected }, "EncodingSuspected"},
		{"oversized brace range sets EncodingSuspected", "echo {1..500}", func(f Flags) bool { return f.EncodingSuspected && !f.BraceExpanded }, "EncodingSuspected without BraceExpanded"},
		{"clean command sets nothing", "ls -la", func(f Flags) bool { return !f.Any() }, "no flags"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(tt.input)
			if !tt.check(got.Flags) {
				t.Errorf("Normalize(%q) flags = %+v, expected %s", tt.input, got.Flags, tt.desc)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := New("")

	inputs := []string{
		"ls -la /tmp",
		`ba""sh`,
		`$'\x62\x61'sh -c 'id'`,
		"echo `whoami` | grep root",
		"{c,n}at file",
		"ba‍sh && сat /etc/shadow",
		"cat <<EOF\nhello\nEOF",
	}

	for _, in := range inputs {
		first := n.Normalize(in)
		second := n.Normalize(first.Text)
		if second.Text != first.Text {
			t.Errorf("not idempotent: %q → %q → %q", in, first.Text, second.Text)
		}
	}
}

func TestNormalizeHereStrings(t *testing.T) {
	n := New("")

	got := n.Normalize("grep token <<<'super secret'")
	if len(got.HereStrings) != 1 || got.HereStrings[0] != "super secret" {
		t.Errorf("HereStrings = %v, want [super secret]", got.HereStrings)
	}

	got = n.Normalize("wc -l <<<hello")
	if len(got.HereStrings) != 1 || got.HereStrings[0] != "hello" {
		t.Errorf("HereStrings = %v, want [hello]", got.HereStrings)
	}
}

func TestNormalizeGlobExpansion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	n := New(dir)

	got := n.Normalize("cat *.txt")
	if !got.Flags.GlobExpanded {
		t.Fatalf("expected GlobExpanded, flags = %+v", got.Flags)
	}
	if got.Text != "cat a.txt b.txt" {
		t.Errorf("Text = %q, want %q", got.Text, "cat a.txt b.txt")
	}

	// Quoted globs must not be expanded.
	got = n.Normalize(`cat '*.txt'`)
	if got.Flags.GlobExpanded {
		t.Errorf("quoted glob should not expand, got %q", got.Text)
	}

	// Non-matching globs stay as written, like bash.
	got = n.Normalize("cat *.nope")
	if got.Text != "cat *.nope" {
		t.Errorf("non-matching glob changed: %q", got.Text)
	}

	// The command word itself is never globbed.
	got = n.Normalize("*.txt")
	if got.Flags.GlobExpanded {
		t.Errorf("command position glob should not expand, got %q", got.Text)
	}
}

func TestNormalizeParseFailure(t *testing.T) {
	n := New("")
	got := n.Normalize("cat <(")
	if !got.ParseFailed {
		t.Error("unparseable input should set ParseFailed")
	}
	if got.Text == "" {
		t.Error("text should survive a parse failure")
	}
}

func TestNormalizeTotalOnGarbage(t *testing.T) {
	n := New("")
	inputs := []string{"", "   ", "\x00", "'", `"""`, "((((", string([]byte{0xF5, 0x62})}
	for _, in := range inputs {
		// Must not panic, must return something.
		_ = n.Normalize(in)
	}
}
