package analyzer

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Interpreter and wrapper tables. These drive the execution-position
// detection in analyzeCall.
var (
	shellInterpreters = map[string]bool{
		"bash": true, "sh": true, "dash": true, "zsh": true,
		"ksh": true, "mksh": true, "ash": true,
	}

	scriptInterpreters = map[string]bool{
		"bash": true, "sh": true, "dash": true, "zsh": true,
		"ksh": true, "mksh": true, "ash": true,
		"python": true, "python2": true, "python3": true,
		"node": true, "nodejs": true, "deno": true, "bun": true,
		"ruby": true, "perl": true, "php": true, "lua": true,
		"tclsh": true, "expect": true,
	}

	// Interpreters whose program text arrives via -f.
	fileFlagInterpreters = map[string]bool{
		"awk": true, "gawk": true, "mawk": true, "nawk": true,
		"sed": true, "gsed": true,
	}

	// Flags that consume the following token without it being a script.
	interpreterArgFlags = map[string]bool{
		"-m": true, "-e": true, "-E": true, "-W": true, "-X": true,
		"-o": true, "-O": true,
	}

	// Wrappers that run their trailing arguments as a command.
	commandPrefixes = map[string]bool{
		"env": true, "nohup": true, "nice": true, "ionice": true,
		"time": true, "timeout": true, "strace": true, "ltrace": true,
		"watch": true, "setsid": true, "taskset": true, "numactl": true,
		"chrt": true, "stdbuf": true,
	}

	metaExecBuiltins = map[string]bool{
		"eval": true, "source": true, ".": true,
	}

	pythonVersionedRe = regexp.MustCompile(`^python\d+(\.\d+)?$`)

	// Duration or priority values consumed by timeout, nice and friends.
	wrapperValueRe = regexp.MustCompile(`^\d+(\.\d+)?[smhd]?$`)

	// Commands whose output is their file argument's content.
	readCommands = map[string]bool{
		"cat": true, "head": true, "tail": true,
	}
)

func basename(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// resolveWrappers strips command prefixes like env and timeout, skipping
// their own flags and env assignments, and returns the effective command
// name plus its full word list (name included).
func resolveWrappers(args []*syntax.Word) (string, []*syntax.Word) {
	for len(args) > 0 {
		name, ok := literalWord(args[0])
		if !ok {
			break
		}
		if !commandPrefixes[basename(name)] {
			return name, args
		}
		next := args[1:]
		for len(next) > 0 {
			lit, ok := literalWord(next[0])
			if !ok {
				break
			}
			if strings.HasPrefix(lit, "-") || strings.Contains(lit, "=") ||
				wrapperValueRe.MatchString(lit) {
				next = next[1:]
				continue
			}
			break
		}
		if len(next) == 0 {
			return name, args
		}
		args = next
	}
	if len(args) > 0 {
		return flattenWord(args[0]), args
	}
	return "", nil
}

// literalWord returns the word's value when it consists only of literal
// and quoted-literal parts.
func literalWord(w *syntax.Word) (string, bool) {
	if w == nil {
		return "", false
	}
	var sb strings.Builder
	for _, part := range w.Parts {
		if !appendLiteral(&sb, part) {
			return "", false
		}
	}
	return sb.String(), true
}

func appendLiteral(sb *strings.Builder, part syntax.WordPart) bool {
	switch p := part.(type) {
	case *syntax.Lit:
		sb.WriteString(p.Value)
	case *syntax.SglQuoted:
		sb.WriteString(p.Value)
	case *syntax.DblQuoted:
		for _, inner := range p.Parts {
			if !appendLiteral(sb, inner) {
				return false
			}
		}
	default:
		return false
	}
	return true
}

// flattenWord renders a word back to source-like text, expansions
// included.
func flattenWord(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	if lit, ok := literalWord(w); ok {
		return lit
	}
	var sb strings.Builder
	printer := syntax.NewPrinter()
	_ = printer.Print(&sb, w)
	return sb.String()
}

func literalArgs(args []*syntax.Word) []string {
	if len(args) <= 1 {
		return nil
	}
	out := make([]string, 0, len(args)-1)
	for _, arg := range args[1:] {
		out = append(out, flattenWord(arg))
	}
	return out
}

func wordHasCmdSubst(w *syntax.Word) bool {
	found := false
	syntax.Walk(w, func(node syntax.Node) bool {
		if _, ok := node.(*syntax.CmdSubst); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

func hasProcSubst(w *syntax.Word) bool {
	found := false
	syntax.Walk(w, func(node syntax.Node) bool {
		if _, ok := node.(*syntax.ProcSubst); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// paramName returns the variable name when the word is a single parameter
// expansion, optionally double-quoted.
func paramName(w *syntax.Word) (string, bool) {
	if w == nil || len(w.Parts) != 1 {
		return "", false
	}
	part := w.Parts[0]
	if dq, ok := part.(*syntax.DblQuoted); ok && len(dq.Parts) == 1 {
		part = dq.Parts[0]
	}
	if pe, ok := part.(*syntax.ParamExp); ok && pe.Param != nil {
		return pe.Param.Value, true
	}
	return "", false
}

// anyWordHasVarRef reports whether any word contains a parameter
// expansion, or a single-quoted dollar that would become one after a
// further evaluation round.
func anyWordHasVarRef(words []*syntax.Word) bool {
	for _, w := range words {
		found := false
		syntax.Walk(w, func(node syntax.Node) bool {
			switch p := node.(type) {
			case *syntax.ParamExp:
				found = true
				return false
			case *syntax.SglQuoted:
				if strings.Contains(p.Value, "$") {
					found = true
					return false
				}
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// substText renders the first command substitution inside the word.
func substText(w *syntax.Word) string {
	var cs *syntax.CmdSubst
	syntax.Walk(w, func(node syntax.Node) bool {
		if c, ok := node.(*syntax.CmdSubst); ok && cs == nil {
			cs = c
			return false
		}
		return true
	})
	if cs == nil {
		return ""
	}
	var sb strings.Builder
	printer := syntax.NewPrinter()
	_ = printer.Print(&sb, &syntax.File{Stmts: cs.Stmts})
	return strings.TrimSpace(sb.String())
}

// simpleReadTarget reports whether the substitution body is a plain file
// read like `cat path`, and returns the path.
func simpleReadTarget(body string) (string, bool) {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return "", false
	}
	if !readCommands[basename(fields[0])] {
		return "", false
	}
	path := fields[1]
	if strings.HasPrefix(path, "-") || strings.ContainsAny(path, "$`*?[") {
		return "", false
	}
	return path, true
}

// wordIsQuoted reports whether any part of the heredoc terminator word is
// quoted, which suppresses expansion in the body.
func wordIsQuoted(w *syntax.Word) bool {
	if w == nil {
		return false
	}
	for _, part := range w.Parts {
		switch part.(type) {
		case *syntax.SglQuoted, *syntax.DblQuoted:
			return true
		}
	}
	return false
}

// hasScriptArg reports whether the interpreter invocation names a script
// file rather than reading stdin.
func hasScriptArg(args []*syntax.Word) bool {
	for i := 0; i < len(args); i++ {
		lit, ok := literalWord(args[i])
		if !ok {
			return true
		}
		if lit == "-c" {
			return true
		}
		if interpreterArgFlags[lit] {
			i++
			continue
		}
		if strings.HasPrefix(lit, "-") {
			continue
		}
		return true
	}
	return false
}
