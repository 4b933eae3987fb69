// Package normalize canonicalizes shell commands before validation.
// Pure text transforms only; no execution happens here. The goal is that
// every later layer sees what bash will actually run, not what the user
// typed, so quoting and encoding tricks cannot hide a command.
package normalize

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// braceVariantLimit caps how many words one brace expression may expand to.
// Beyond it the expression is kept unexpanded and the command is flagged.
const braceVariantLimit = 64

// globMatchLimit caps how many paths one glob token may expand to.
const globMatchLimit = 64

// Flags records which obfuscation-relevant transforms fired.
type Flags struct {
	// QuoteSplice: empty quote pairs were removed (ba""sh → bash).
	QuoteSplice bool
	// EscapeDecoded: ANSI-C $'...' escapes were decoded.
	EscapeDecoded bool
	// BraceExpanded: brace expressions were expanded.
	BraceExpanded bool
	// GlobExpanded: glob tokens were resolved against the filesystem.
	GlobExpanded bool
	// EncodingSuspected: confusables, invisible runes, partial ANSI-C
	// sequences, or capped expansions were seen. Raises the obfuscation
	// floor downstream.
	EncodingSuspected bool
}

// Any returns true if any obfuscation-relevant flag fired.
func (f Flags) Any() bool {
	return f.QuoteSplice || f.EscapeDecoded || f.BraceExpanded || f.GlobExpanded || f.EncodingSuspected
}

// Result is the outcome of normalizing one command line.
type Result struct {
	Original string
	// Text is the canonical command. Brace and glob expansions are applied
	// in place, so every variant a pattern could match is present in Text.
	Text string
	// HereStrings holds the body of each <<< redirection found.
	HereStrings []string
	// Annotations are human-readable notes about lossy transforms.
	Annotations []string
	Flags       Flags
	// ParseFailed is true when the canonical text could not be parsed as
	// bash. Expansion steps are skipped in that case.
	ParseFailed bool
}

// Normalizer canonicalizes commands. Glob expansion resolves relative
// patterns against workDir.
type Normalizer struct {
	workDir string
}

// New creates a Normalizer resolving globs against workDir.
func New(workDir string) *Normalizer {
	return &Normalizer{workDir: workDir}
}

// Normalize canonicalizes a command. It is total: it never fails, and on a
// normalized input it returns the same text again.
func (n *Normalizer) Normalize(raw string) Result {
	res := Result{Original: raw}
	text := raw

	// Unicode hygiene first: later transforms assume clean text.
	cleaned, suspicious := cleanUnicode(text)
	if suspicious {
		res.Flags.EncodingSuspected = true
		res.Annotations = append(res.Annotations, "unicode characters normalized")
	}
	text = cleaned

	// ANSI-C quote resolution ($'\x62\x61sh' → bash).
	text = n.resolveANSIC(text, &res)

	// Empty quote pair removal (ba""sh → bash).
	text = n.spliceEmptyQuotes(text, &res)

	// Backtick → $() conversion so substitution analysis sees one form.
	text = n.convertBackticks(text)

	// Structural expansion needs a parse. A failed parse is not fatal here;
	// the analyzer applies its own floor for unparseable commands.
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(text), "")
	if err != nil {
		res.Text = strings.TrimSpace(text)
		res.ParseFailed = true
		return res
	}

	n.expandBraces(file, &res)
	n.expandGlobs(file, &res)
	res.HereStrings = collectHereStrings(file)

	var sb strings.Builder
	printer := syntax.NewPrinter()
	if err := printer.Print(&sb, file); err != nil {
		res.Text = strings.TrimSpace(text)
		return res
	}
	res.Text = strings.TrimSpace(sb.String())
	return res
}

// ---------------------------------------------------------------------------
// Unicode hygiene
// ---------------------------------------------------------------------------

// cleanUnicode strips invisible formatting runes, folds cross-script
// confusables to ASCII, and applies NFKC. Returns the cleaned string and
// whether anything beyond plain NFKC changed.
func cleanUnicode(s string) (string, bool) {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ToValidUTF8(s, "�")
	nfkc := norm.NFKC.String(s)

	stripped := stripInvisible(nfkc)
	folded := stripConfusables(stripped)
	// Folding a non-Latin base char can create new NFKC composition pairs
	// with existing combining marks, so normalize once more.
	folded = norm.NFKC.String(folded)

	return folded, folded != nfkc
}

// ---------------------------------------------------------------------------
// ANSI-C quote resolution
// ---------------------------------------------------------------------------

// ansiCRe matches $'...' strings (ANSI-C quoting).
var ansiCRe = regexp.MustCompile(`\$'([^'\\]*(?:\\.[^'\\]*)*)'`)

// ansiEscapeRe matches one escape sequence inside an ANSI-C string body.
var ansiEscapeRe = regexp.MustCompile(
	`\\(?:x([0-9a-fA-F]{1,2})|([0-7]{1,3})|u([0-9a-fA-F]{4})|U([0-9a-fA-F]{8})|([abeEfnrtv\\'"?]))`)

var ansiNamedEscapes = map[string]string{
	"a": "\a", "b": "\b", "e": "\x1b", "E": "\x1b", "f": "\f",
	"n": "\n", "r": "\r", "t": "\t", "v": "\v",
	`\`: `\`, "'": "'", `"`: `"`, "?": "?",
}

func (n *Normalizer) resolveANSIC(text string, res *Result) string {
	if !strings.Contains(text, "$'") {
		return text
	}

	out := ansiCRe.ReplaceAllStringFunc(text, func(m string) string {
		body := ansiCRe.FindStringSubmatch(m)[1]
		decoded := ansiEscapeRe.ReplaceAllStringFunc(body, decodeANSIEscape)
		// Keep literal semantics: decoded content that bash would otherwise
		// expand goes back inside single quotes.
		if strings.ContainsAny(decoded, "$`") {
			return "'" + strings.ReplaceAll(decoded, "'", `'\''`) + "'"
		}
		return decoded
	})

	if out != text {
		res.Flags.EscapeDecoded = true
		res.Annotations = append(res.Annotations, "ANSI-C quoting decoded")
	}
	if strings.Contains(out, "$'") {
		// Unmatched $' left over: encoding games we could not undo.
		res.Flags.EncodingSuspected = true
		res.Annotations = append(res.Annotations, "partial ANSI-C quoting")
	}
	return out
}

func decodeANSIEscape(m string) string {
	sub := ansiEscapeRe.FindStringSubmatch(m)
	switch {
	case sub[1] != "": // \xHH
		return string(rune(parseUint(sub[1], 16)))
	case sub[2] != "": // \NNN octal
		return string(rune(parseUint(sub[2], 8)))
	case sub[3] != "": // \uHHHH
		return string(rune(parseUint(sub[3], 16)))
	case sub[4] != "": // \UHHHHHHHH
		return string(rune(parseUint(sub[4], 16)))
	case sub[5] != "":
		return ansiNamedEscapes[sub[5]]
	}
	return m
}

func parseUint(s string, base uint32) uint32 {
	var v uint32
	for _, c := range s {
		var d uint32
		switch {
		case c >= '0' && c <= '9':
			d = uint32(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint32(c-'A') + 10
		}
		v = v*base + d
	}
	return v
}

// ---------------------------------------------------------------------------
// Empty quote pair removal
// ---------------------------------------------------------------------------

// spliceEmptyQuotes removes adjacent empty quote pairs that splice a word
// (ba""sh, n''c). Tracks quote state so literal quotes inside the other
// quote type are left alone ("it''s" keeps its two single quotes).
func (n *Normalizer) spliceEmptyQuotes(text string, res *Result) string {
	var sb strings.Builder
	sb.Grow(len(text))

	var inSingle, inDouble, escaped bool
	changed := false
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if escaped {
			sb.WriteRune(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if !inSingle {
				escaped = true
			}
			sb.WriteRune(c)
		case '\'':
			if inDouble {
				sb.WriteRune(c)
				continue
			}
			if !inSingle && i+1 < len(runes) && runes[i+1] == '\'' {
				i++ // drop the empty '' pair
				changed = true
				continue
			}
			inSingle = !inSingle
			sb.WriteRune(c)
		case '"':
			if inSingle {
				sb.WriteRune(c)
				continue
			}
			if !inDouble && i+1 < len(runes) && runes[i+1] == '"' {
				i++ // drop the empty "" pair
				changed = true
				continue
			}
			inDouble = !inDouble
			sb.WriteRune(c)
		default:
			sb.WriteRune(c)
		}
	}

	if changed {
		res.Flags.QuoteSplice = true
		res.Annotations = append(res.Annotations, "empty quote pairs removed")
		return sb.String()
	}
	return text
}

// ---------------------------------------------------------------------------
// Backtick conversion
// ---------------------------------------------------------------------------

// backtickRe matches `...` command substitution (non-nested). Nested
// backticks require escaped inner backticks, which the parser still
// handles; only the common single-level case is rewritten here.
var backtickRe = regexp.MustCompile("`([^`]*)`")

func (n *Normalizer) convertBackticks(text string) string {
	if !strings.Contains(text, "`") {
		return text
	}
	return backtickRe.ReplaceAllString(text, "$$($1)")
}

// ---------------------------------------------------------------------------
// Brace expansion
// ---------------------------------------------------------------------------

// expandBraces applies bash brace expansion in place on every call's
// words, matching what bash does before execution: {c,n}at becomes the
// two words "cat nat". Oversized expansions are kept unexpanded.
func (n *Normalizer) expandBraces(file *syntax.File, res *Result) {
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		out := make([]*syntax.Word, 0, len(call.Args))
		grew := false
		for _, w := range call.Args {
			// The parser leaves braces as plain literals; SplitBraces
			// rewrites them into BraceExp parts expand.Braces acts on.
			if !syntax.SplitBraces(w) {
				out = append(out, w)
				continue
			}
			variants := expand.Braces(w)
			if len(variants) > braceVariantLimit {
				res.Flags.EncodingSuspected = true
				res.Annotations = append(res.Annotations, "brace expansion limit exceeded")
				out = append(out, w)
				continue
			}
			if len(variants) > 1 {
				grew = true
			}
			out = append(out, variants...)
		}
		if grew {
			call.Args = out
			res.Flags.BraceExpanded = true
		}
		return true
	})
}

// ---------------------------------------------------------------------------
// Glob resolution
// ---------------------------------------------------------------------------

// expandGlobs resolves unquoted glob tokens in argument positions to the
// paths they match right now. The command word itself is never globbed,
// and quoted metacharacters are left alone (bash does not expand them).
// Non-matching globs stay as-is, also matching bash.
func (n *Normalizer) expandGlobs(file *syntax.File, res *Result) {
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) < 2 {
			return true
		}
		var args []*syntax.Word
		changed := false
		for i, w := range call.Args {
			if i == 0 {
				args = append(args, w)
				continue
			}
			lit, ok := literalWord(w)
			if !ok || !strings.ContainsAny(lit, "*?[") {
				args = append(args, w)
				continue
			}
			matches := n.globMatches(lit)
			if len(matches) == 0 {
				args = append(args, w)
				continue
			}
			if len(matches) > globMatchLimit {
				res.Flags.EncodingSuspected = true
				res.Annotations = append(res.Annotations,
					"glob expansion capped; the command will operate on more paths than shown")
				matches = matches[:globMatchLimit]
			}
			for _, m := range matches {
				args = append(args, litWord(m))
			}
			changed = true
		}
		if changed {
			call.Args = args
			res.Flags.GlobExpanded = true
		}
		return true
	})
}

func (n *Normalizer) globMatches(pattern string) []string {
	p := pattern
	if !filepath.IsAbs(p) && n.workDir != "" {
		p = filepath.Join(n.workDir, p)
	}
	matches, err := filepath.Glob(p)
	if err != nil || len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	if !filepath.IsAbs(pattern) && n.workDir != "" {
		// Report paths the way the user wrote them.
		for i, m := range matches {
			if rel, err := filepath.Rel(n.workDir, m); err == nil {
				matches[i] = rel
			}
		}
	}
	return matches
}

// ---------------------------------------------------------------------------
// Here-strings
// ---------------------------------------------------------------------------

func collectHereStrings(file *syntax.File) []string {
	var bodies []string
	syntax.Walk(file, func(node syntax.Node) bool {
		r, ok := node.(*syntax.Redirect)
		if !ok || r.Op != syntax.WordHdoc {
			return true
		}
		if body := flattenWord(r.Word); body != "" {
			bodies = append(bodies, body)
		}
		return true
	})
	return bodies
}

// ---------------------------------------------------------------------------
// Word helpers
// ---------------------------------------------------------------------------

// literalWord returns the word's value when it is a single unquoted literal.
func literalWord(w *syntax.Word) (string, bool) {
	if w == nil || len(w.Parts) != 1 {
		return "", false
	}
	lit, ok := w.Parts[0].(*syntax.Lit)
	if !ok {
		return "", false
	}
	return lit.Value, true
}

// flattenWord renders a word's literal content, ignoring expansions.
func flattenWord(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		}
	}
	return sb.String()
}

func litWord(s string) *syntax.Word {
	return &syntax.Word{Parts: []syntax.WordPart{&syntax.Lit{Value: s}}}
}
