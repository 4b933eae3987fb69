// Package analyzer performs grammar analysis of canonical commands.
// It parses bash syntax, builds the dependency graph of content the
// command will consume (scripts, substitutions, heredocs, redirect
// targets), and flags constructions whose effect cannot be known before
// execution.
package analyzer

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/AgentShepherd/shellward/internal/logger"
)

var log = logger.New("analyzer")

// Kind classifies a content node by whether its content can be known
// before execution.
type Kind int

const (
	// KindStatic content is fully known from the command text.
	KindStatic Kind = iota
	// KindResolvable content can be obtained by reading a file or
	// recursing into analyzable text.
	KindResolvable
	// KindUnresolvable content cannot be known before execution.
	KindUnresolvable
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindResolvable:
		return "resolvable"
	case KindUnresolvable:
		return "unresolvable"
	default:
		return "unknown"
	}
}

// Context classifies where a content node's content flows.
type Context int

const (
	// CtxExecution content will be executed as commands.
	CtxExecution Context = iota
	// CtxArgument content becomes command arguments.
	CtxArgument
	// CtxRedirect content is a redirection target path.
	CtxRedirect
	// CtxHeredoc content is fed to a command's stdin.
	CtxHeredoc
)

func (c Context) String() string {
	switch c {
	case CtxExecution:
		return "execution"
	case CtxArgument:
		return "argument"
	case CtxRedirect:
		return "redirect"
	case CtxHeredoc:
		return "heredoc"
	default:
		return "unknown"
	}
}

// Node is one entry in the dependency graph.
type Node struct {
	Kind    Kind
	Context Context
	// Path is set when the node references a file.
	Path string
	// Command is set when the node carries analyzable command text
	// (substitution bodies, eval strings, shell -c strings).
	Command string
	// Literal is set for heredoc and here-string bodies.
	Literal string
	// Expand marks heredoc bodies subject to parameter expansion
	// (unquoted terminator).
	Expand bool
	Reason string
}

// SimpleCommand is one resolved call with wrappers stripped.
type SimpleCommand struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// Analysis is the full result of analyzing one canonical command.
type Analysis struct {
	Commands []SimpleCommand
	Nodes    []Node
	// Subcommands holds the source text of each top-level segment when
	// the command is compound (;, &&, ||). Pipelines stay whole.
	Subcommands []string
	// ParseFailed means the regex fallback produced this analysis.
	ParseFailed bool
	// Background is set when any statement runs with &.
	Background bool
}

// MostRestrictiveKind returns the worst node kind in the given context.
func (a *Analysis) MostRestrictiveKind(ctx Context) (Kind, *Node) {
	worst := KindStatic
	var worstNode *Node
	for i := range a.Nodes {
		n := &a.Nodes[i]
		if n.Context != ctx {
			continue
		}
		if n.Kind > worst {
			worst = n.Kind
			worstNode = n
		}
	}
	return worst, worstNode
}

// Analyzer analyzes canonical command text. The env lookup lets variable
// references in execution position resolve against the session
// environment instead of being treated as unknowable.
type Analyzer struct {
	env func(string) (string, bool)
}

// New creates an Analyzer. env may be nil.
func New(env func(string) (string, bool)) *Analyzer {
	if env == nil {
		env = func(string) (string, bool) { return "", false }
	}
	return &Analyzer{env: env}
}

// Env looks up a session variable through the analyzer's environment
// function. Callers expanding heredoc bodies share the same view of the
// session the grammar checks used.
func (a *Analyzer) Env(name string) (string, bool) {
	return a.env(name)
}

// Analyze parses and analyzes one canonical command. It never fails: a
// parse error switches to the regex fallback and sets ParseFailed.
func (a *Analyzer) Analyze(command string) Analysis {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		log.Debug("parse failed, using fallback extraction: %v", err)
		return a.fallback(command)
	}

	w := &walker{
		analyzer: a,
		src:      command,
		assigned: map[string]bool{},
		written:  map[string]bool{},
	}
	w.collectAssignments(file)
	w.walkStmts(file.Stmts)
	w.res.Subcommands = collectSegments(file, command)
	return w.res
}

// walker carries per-analysis state through the AST walk.
type walker struct {
	analyzer *Analyzer
	src      string
	res      Analysis
	// assigned holds variable names assigned anywhere in the command,
	// including loop variables and read targets. Assignment order is
	// deliberately ignored: flagging a use before its assignment is the
	// conservative direction.
	assigned map[string]bool
	// written holds redirect target paths seen so far, for
	// write-then-read detection.
	written map[string]bool
}

func (w *walker) hasAssignment() bool {
	return len(w.assigned) > 0
}

// collectAssignments pre-scans for every construct that binds a variable.
func (w *walker) collectAssignments(file *syntax.File) {
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Assign:
			if n.Name != nil {
				w.assigned[n.Name.Value] = true
			}
		case *syntax.ForClause:
			if wc, ok := n.Loop.(*syntax.WordIter); ok && wc.Name != nil {
				w.assigned[wc.Name.Value] = true
			}
		case *syntax.CallExpr:
			// `read VAR` binds VAR.
			if len(n.Args) >= 2 {
				if name, ok := literalWord(n.Args[0]); ok && name == "read" {
					for _, arg := range n.Args[1:] {
						if v, ok := literalWord(arg); ok && !strings.HasPrefix(v, "-") {
							w.assigned[v] = true
						}
					}
				}
			}
		}
		return true
	})
}

func (w *walker) walkStmts(stmts []*syntax.Stmt) {
	for _, stmt := range stmts {
		w.walkStmt(stmt)
	}
}

func (w *walker) walkStmt(stmt *syntax.Stmt) {
	if stmt == nil {
		return
	}
	if stmt.Background {
		w.res.Background = true
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		w.analyzeCall(cmd, stmt.Redirs)
		return
	case *syntax.BinaryCmd:
		w.walkStmt(cmd.X)
		w.walkStmt(cmd.Y)
	case *syntax.Block:
		w.walkStmts(cmd.Stmts)
	case *syntax.Subshell:
		w.walkStmts(cmd.Stmts)
	case *syntax.IfClause:
		w.walkIf(cmd)
	case *syntax.WhileClause:
		w.walkStmts(cmd.Cond)
		w.walkStmts(cmd.Do)
	case *syntax.ForClause:
		w.walkStmts(cmd.Do)
	case *syntax.CaseClause:
		for _, item := range cmd.Items {
			w.walkStmts(item.Stmts)
		}
	case *syntax.FuncDecl:
		w.walkStmt(cmd.Body)
	}
	w.analyzeRedirects(nil, stmt.Redirs)
}

func (w *walker) walkIf(clause *syntax.IfClause) {
	for c := clause; c != nil; c = c.Else {
		w.walkStmts(c.Cond)
		w.walkStmts(c.Then)
	}
}

// analyzeCall handles one simple command: the execution-position checks,
// wrapper stripping, interpreter and meta-exec detection, argument
// substitution scanning, and the call's redirects.
func (w *walker) analyzeCall(call *syntax.CallExpr, redirs []*syntax.Redirect) {
	if len(call.Args) == 0 {
		// Pure assignment, nothing executes.
		w.analyzeRedirects(nil, redirs)
		return
	}

	first := call.Args[0]

	// Command substitution as the command name: whatever it prints runs.
	// A plain file read resolves, so the content that will run can be
	// fetched and judged; anything else is unknowable beforehand.
	if wordHasCmdSubst(first) {
		inner := substText(first)
		if path, ok := simpleReadTarget(inner); ok {
			w.addNode(Node{
				Kind:    KindResolvable,
				Context: CtxExecution,
				Path:    path,
				Command: inner,
				Reason:  "command substitution executes the content of a file",
			})
		} else {
			w.addNode(Node{
				Kind:    KindUnresolvable,
				Context: CtxExecution,
				Command: inner,
				Reason:  "command substitution output used as command name",
			})
		}
		w.scanArgs(call.Args[1:])
		w.analyzeRedirects(call, redirs)
		return
	}

	// Variable as the command name.
	if name, ok := paramName(first); ok {
		w.analyzeVarCommand(name)
		w.scanArgs(call.Args[1:])
		w.analyzeRedirects(call, redirs)
		return
	}

	name, args := resolveWrappers(call.Args)
	w.res.Commands = append(w.res.Commands, SimpleCommand{Name: name, Args: literalArgs(args)})

	base := basename(name)
	switch {
	case metaExecBuiltins[base]:
		w.analyzeMetaExec(base, args)
	case scriptInterpreters[base] || pythonVersionedRe.MatchString(base):
		w.analyzeInterpreter(base, args, redirs)
	case fileFlagInterpreters[base]:
		w.analyzeFileFlagInterpreter(args)
	case strings.Contains(name, "/"):
		// Direct path execution: the file's content is what runs.
		w.addPathNode(name, CtxExecution)
	}

	w.scanArgs(args)
	w.analyzeRedirects(call, redirs)
}

// analyzeVarCommand flags variable expansion in command position. With a
// preceding assignment this is command construction and unknowable before
// execution. Without one, the session environment may already pin the
// value; only then is the command considered known.
func (w *walker) analyzeVarCommand(name string) {
	if w.hasAssignment() {
		w.addNode(Node{
			Kind:    KindUnresolvable,
			Context: CtxExecution,
			Command: "$" + name,
			Reason:  "variable expansion in command position with preceding assignment",
		})
		return
	}
	if _, ok := w.analyzer.env(name); ok {
		// Known environment value; the resolved command text was already
		// visible to earlier layers via the session environment.
		return
	}
	w.addNode(Node{
		Kind:    KindUnresolvable,
		Context: CtxExecution,
		Command: "$" + name,
		Reason:  "variable expansion in command position resolves outside the session environment",
	})
}

// analyzeMetaExec handles eval, source and the dot builtin.
func (w *walker) analyzeMetaExec(name string, args []*syntax.Word) {
	rest := args[1:]
	if w.hasAssignment() && anyWordHasVarRef(rest) {
		w.addNode(Node{
			Kind:    KindUnresolvable,
			Context: CtxExecution,
			Command: name,
			Reason:  "meta-execution builtin '" + name + "' with variable reference after assignment",
		})
		return
	}

	switch name {
	case "eval":
		var parts []string
		for _, arg := range rest {
			parts = append(parts, flattenWord(arg))
		}
		if body := strings.TrimSpace(strings.Join(parts, " ")); body != "" {
			w.addNode(Node{
				Kind:    KindResolvable,
				Context: CtxExecution,
				Command: body,
				Reason:  "eval argument executes as commands",
			})
		}
	case "source", ".":
		if len(rest) > 0 {
			if path, ok := literalWord(rest[0]); ok {
				w.addPathNode(path, CtxExecution)
			} else {
				w.addNode(Node{
					Kind:    KindUnresolvable,
					Context: CtxExecution,
					Reason:  "source target is not a literal path",
				})
			}
		}
	}
}

// analyzeInterpreter handles `bash x.sh`, `python3 x.py`, `bash -c '...'`
// and `bash < file`.
func (w *walker) analyzeInterpreter(base string, args []*syntax.Word, redirs []*syntax.Redirect) {
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		lit, ok := literalWord(rest[i])
		if !ok {
			// An expansion where the script path should be: resolved
			// elsewhere (scanArgs / var analysis).
			return
		}
		if lit == "-c" {
			if i+1 < len(rest) {
				body := flattenWord(rest[i+1])
				if shellInterpreters[base] {
					w.addNode(Node{
						Kind:    KindResolvable,
						Context: CtxExecution,
						Command: body,
						Reason:  "inline " + base + " -c script",
					})
				}
				// Non-shell -c payloads (python, node) are opaque to
				// shell analysis; the classifier sees them as text.
			}
			return
		}
		if interpreterArgFlags[lit] {
			i++ // flag consumes the next token
			continue
		}
		if strings.HasPrefix(lit, "-") {
			continue
		}
		w.addPathNode(lit, CtxExecution)
		return
	}

	// `bash < script` with no positional script argument.
	if shellInterpreters[base] {
		for _, r := range redirs {
			if r.Op == syntax.RdrIn {
				if path, ok := literalWord(r.Word); ok {
					w.addPathNode(path, CtxExecution)
				}
			}
		}
	}
}

// analyzeFileFlagInterpreter handles awk/sed style `-f program-file`.
func (w *walker) analyzeFileFlagInterpreter(args []*syntax.Word) {
	rest := args[1:]
	for i := 0; i < len(rest)-1; i++ {
		if lit, ok := literalWord(rest[i]); ok && lit == "-f" {
			if path, ok := literalWord(rest[i+1]); ok {
				w.addPathNode(path, CtxExecution)
			}
			return
		}
	}
}

// scanArgs inspects argument words for substitutions.
func (w *walker) scanArgs(args []*syntax.Word) {
	for _, arg := range args {
		if hasProcSubst(arg) {
			w.addNode(Node{
				Kind:    KindUnresolvable,
				Context: CtxArgument,
				Reason:  "process substitution produces content only at execution time",
			})
			continue
		}
		if !wordHasCmdSubst(arg) {
			continue
		}
		inner := substText(arg)
		if path, ok := simpleReadTarget(inner); ok {
			w.addNode(Node{
				Kind:    KindResolvable,
				Context: CtxArgument,
				Path:    path,
				Command: inner,
				Reason:  "substitution reads a file",
			})
			continue
		}
		w.addNode(Node{
			Kind:    KindUnresolvable,
			Context: CtxArgument,
			Command: inner,
			Reason:  "command substitution output cannot be known before execution",
		})
	}
}

// analyzeRedirects records heredocs, here-strings and redirect targets.
// call may be nil for compound statements.
func (w *walker) analyzeRedirects(call *syntax.CallExpr, redirs []*syntax.Redirect) {
	feedsShell := false
	if call != nil && len(call.Args) > 0 {
		if name, ok := literalWord(call.Args[0]); ok {
			feedsShell = shellInterpreters[basename(name)] && !hasScriptArg(call.Args[1:])
		}
	}

	for _, r := range redirs {
		switch r.Op {
		case syntax.Hdoc, syntax.DashHdoc:
			body := flattenWord(r.Hdoc)
			node := Node{
				Kind:    KindStatic,
				Context: CtxHeredoc,
				Literal: body,
				Expand:  !wordIsQuoted(r.Word),
			}
			if feedsShell {
				node.Context = CtxExecution
				node.Kind = KindResolvable
				node.Command = body
				node.Reason = "heredoc body executes in a shell"
			}
			w.addNode(node)
		case syntax.WordHdoc:
			body := flattenWord(r.Word)
			node := Node{Kind: KindStatic, Context: CtxHeredoc, Literal: body}
			if feedsShell {
				node.Context = CtxExecution
				node.Kind = KindResolvable
				node.Command = body
				node.Reason = "here-string executes in a shell"
			}
			w.addNode(node)
		case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll:
			if path, ok := literalWord(r.Word); ok {
				w.written[path] = true
				w.addNode(Node{Kind: KindStatic, Context: CtxRedirect, Path: path})
			} else {
				w.addNode(Node{
					Kind:    KindUnresolvable,
					Context: CtxRedirect,
					Reason:  "redirect target is not a literal path",
				})
			}
		}
	}
}

// addPathNode emits a resolvable file node, downgraded to unresolvable
// when the path was written earlier in this same command: its content at
// execution time is not the content on disk now.
func (w *walker) addPathNode(path string, ctx Context) {
	if w.written[path] {
		w.addNode(Node{
			Kind:    KindUnresolvable,
			Context: ctx,
			Path:    path,
			Reason:  "reads a path written earlier in this command",
		})
		return
	}
	w.addNode(Node{Kind: KindResolvable, Context: ctx, Path: path})
}

func (w *walker) addNode(n Node) {
	w.res.Nodes = append(w.res.Nodes, n)
}

// ---------------------------------------------------------------------------
// Compound decomposition
// ---------------------------------------------------------------------------

// collectSegments splits top-level ;, && and || chains into their source
// spans. Pipelines are one unit. Returns nil for simple commands.
func collectSegments(file *syntax.File, src string) []string {
	var segments []string
	var visit func(stmt *syntax.Stmt)
	visit = func(stmt *syntax.Stmt) {
		if bin, ok := stmt.Cmd.(*syntax.BinaryCmd); ok &&
			(bin.Op == syntax.AndStmt || bin.Op == syntax.OrStmt) {
			visit(bin.X)
			visit(bin.Y)
			return
		}
		start, end := int(stmt.Pos().Offset()), int(stmt.End().Offset())
		if start < 0 || end > len(src) || start >= end {
			return
		}
		if seg := strings.TrimSpace(src[start:end]); seg != "" {
			segments = append(segments, seg)
		}
	}
	for _, stmt := range file.Stmts {
		visit(stmt)
	}
	if len(segments) <= 1 {
		return nil
	}
	return segments
}

// ---------------------------------------------------------------------------
// Fallback extraction
// ---------------------------------------------------------------------------

var (
	fallbackSubstRe  = regexp.MustCompile(`\$\(([^)]*)\)`)
	fallbackScriptRe = regexp.MustCompile(`\b(?:bash|sh|zsh|dash|ksh|python[23]?|node|ruby|perl)\s+([^\s;|&<>]+)`)
	fallbackRedirRe  = regexp.MustCompile(`>>?\s*([^\s;|&<>]+)`)
)

// fallback extracts what it can with regexes when the grammar rejects the
// command. Everything found is pessimistic: substitutions are
// unresolvable because their boundaries are uncertain.
func (a *Analyzer) fallback(command string) Analysis {
	res := Analysis{ParseFailed: true}
	for _, m := range fallbackSubstRe.FindAllStringSubmatch(command, -1) {
		res.Nodes = append(res.Nodes, Node{
			Kind:    KindUnresolvable,
			Context: CtxArgument,
			Command: strings.TrimSpace(m[1]),
			Reason:  "substitution in unparseable command",
		})
	}
	for _, m := range fallbackScriptRe.FindAllStringSubmatch(command, -1) {
		if strings.HasPrefix(m[1], "-") {
			continue
		}
		res.Nodes = append(res.Nodes, Node{Kind: KindResolvable, Context: CtxExecution, Path: m[1]})
	}
	for _, m := range fallbackRedirRe.FindAllStringSubmatch(command, -1) {
		res.Nodes = append(res.Nodes, Node{Kind: KindStatic, Context: CtxRedirect, Path: m[1]})
	}
	return res
}
