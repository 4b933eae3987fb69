// Package policy is the decision engine. It drives a command through
// normalization, the static blocklist, grammar analysis, content
// resolution and the external classifier, and folds every layer's
// finding into one verdict. Restriction only accumulates: no later
// layer can soften what an earlier layer decided.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/AgentShepherd/shellward/internal/analyzer"
	"github.com/AgentShepherd/shellward/internal/config"
	"github.com/AgentShepherd/shellward/internal/logger"
	"github.com/AgentShepherd/shellward/internal/normalize"
	"github.com/AgentShepherd/shellward/internal/resolver"
	"github.com/AgentShepherd/shellward/internal/rules"
	"github.com/AgentShepherd/shellward/internal/verdict"
)

var log = logger.New("policy")

// Classifier is the external judgment layer. Implementations may be
// remote models or anything else that can rate a command.
type Classifier interface {
	Classify(ctx context.Context, command string, notes []string) (verdict.Verdict, string, error)
}

// Engine evaluates commands. Construct with New.
type Engine struct {
	cfg        *config.Config
	blocklist  *rules.Blocklist
	resolver   *resolver.Resolver
	classifier Classifier
}

// New builds an Engine. classifier may be nil; evaluation then ends at
// the grammar and resolution layers and the fail mode decides borderline
// commands.
func New(cfg *config.Config, blocklist *rules.Blocklist, res *resolver.Resolver, cl Classifier) *Engine {
	return &Engine{cfg: cfg, blocklist: blocklist, resolver: res, classifier: cl}
}

// Evaluation is the full outcome for one command. The resolution session
// owns the pinned descriptors; callers close it after the command has
// run (or was refused).
type Evaluation struct {
	Original  string
	Canonical string
	Verdict   verdict.Verdict
	Model     string
	Flags     normalize.Flags
	// Commands lists the simple commands the grammar layer saw, for
	// audit and inspection output.
	Commands []analyzer.SimpleCommand
	Session  *resolver.Session
}

// Pinned returns the descriptors resolution kept open, for execution to
// reference instead of re-opening paths.
func (e *Evaluation) Pinned() []*os.File {
	if e.Session == nil {
		return nil
	}
	return e.Session.Pinned()
}

// Close releases the evaluation's pinned descriptors.
func (e *Evaluation) Close() {
	if e.Session != nil {
		e.Session.Close()
	}
}

// Evaluate runs the whole pipeline for one command line. env resolves
// session variables for the grammar layer; workDir anchors relative
// paths. Evaluate itself never fails: every internal failure is folded
// into the verdict by the configured fail mode.
func (e *Engine) Evaluate(ctx context.Context, command, workDir string, env func(string) (string, bool)) *Evaluation {
	eval := &Evaluation{Original: command}

	if max := e.cfg.Validator.MaxCommandLength; max > 0 && len(command) > max {
		eval.Canonical = command
		eval.Verdict = verdict.Block(
			fmt.Sprintf("command length %d exceeds the %d byte limit", len(command), max),
			1.0, verdict.SourcePolicy)
		return eval
	}

	norm := normalize.New(workDir).Normalize(command)
	eval.Canonical = norm.Text
	eval.Flags = norm.Flags

	// The blocklist sees the original and every normalized variant so
	// obfuscation cannot hide a pattern.
	variants := append([]string{command, norm.Text}, norm.HereStrings...)
	if v, hit := e.blocklist.Match(variants...); hit {
		eval.Verdict = v
		log.Debug("static block: %s", v.Reason)
		return eval
	}

	sess := e.resolver.NewSession(ctx, workDir)
	eval.Session = sess

	an := analyzer.New(env)
	v := e.evaluateText(ctx, eval, an, sess, norm.Text, 0)

	if norm.ParseFailed || norm.Flags.EncodingSuspected {
		v = verdict.Floor(v, verdict.ActionWarn,
			"command text resisted normalization", verdict.SourcePolicy)
	} else if norm.Flags.Any() {
		// Normalization had to undo quoting, escape, brace or glob
		// tricks; an external ALLOW is not taken at face value then.
		v = verdict.Floor(v, verdict.ActionWarn,
			"command was obfuscated before normalization", verdict.SourcePolicy)
	}
	eval.Verdict = v
	return eval
}

// evaluateText analyzes one piece of shell text, resolves its content
// dependencies, recurses into nested content and consults the
// classifier. depth counts nesting levels already consumed.
func (e *Engine) evaluateText(ctx context.Context, eval *Evaluation, an *analyzer.Analyzer, sess *resolver.Session, text string, depth int) verdict.Verdict {
	text = strings.TrimSpace(text)
	if text == "" {
		return verdict.Allow("empty command", 1.0, verdict.SourcePolicy)
	}

	if depth > 0 {
		// Nested content gets the same static screening as the top
		// level.
		if v, hit := e.blocklist.Match(text); hit {
			return v
		}
	}

	res := an.Analyze(text)
	// Compound segments re-enter at depth 0; the first analysis saw the
	// whole line and its command list stands.
	if depth == 0 && eval.Commands == nil {
		eval.Commands = res.Commands
	}

	// Compound commands decompose: each segment is judged on its own
	// and the whole is as restrictive as its worst part. A block ends
	// the walk early.
	if len(res.Subcommands) > 1 {
		combined := verdict.Allow("all segments passed", 1.0, verdict.SourcePolicy)
		for _, seg := range res.Subcommands {
			sv := e.evaluateText(ctx, eval, an, sess, seg, depth)
			combined = verdict.MostRestrictive(combined, sv)
			if combined.Action == verdict.ActionBlock {
				return combined
			}
		}
		return e.backgroundFloor(res, combined)
	}

	v := verdict.Allow("no findings", 1.0, verdict.SourcePolicy)
	var notes []string

	for _, node := range res.Nodes {
		nv, note := e.evaluateNode(ctx, eval, an, sess, node, depth)
		if note != "" {
			notes = append(notes, note)
		}
		v = verdict.MostRestrictive(v, nv)
		if v.Action == verdict.ActionBlock {
			return v
		}
	}

	if res.ParseFailed {
		v = verdict.Floor(v, verdict.ActionWarn,
			"command could not be parsed as shell grammar", verdict.SourcePolicy)
	}

	cv := e.classify(ctx, eval, text, notes)
	return e.backgroundFloor(res, verdict.MostRestrictive(v, cv))
}

// backgroundFloor raises the verdict to WARN when the command detaches
// with &: the session loses sight of what it does after the prompt
// returns.
func (e *Engine) backgroundFloor(res analyzer.Analysis, v verdict.Verdict) verdict.Verdict {
	if !res.Background {
		return v
	}
	return verdict.Floor(v, verdict.ActionWarn,
		"command runs in the background", verdict.SourcePolicy)
}

// evaluateNode maps one dependency-graph node to a verdict contribution
// and an optional classifier note.
func (e *Engine) evaluateNode(ctx context.Context, eval *Evaluation, an *analyzer.Analyzer, sess *resolver.Session, node analyzer.Node, depth int) (verdict.Verdict, string) {
	switch node.Kind {
	case analyzer.KindStatic:
		if node.Literal != "" {
			body := node.Literal
			if node.Expand {
				// Unquoted heredoc terminator: the shell expands the
				// body, so later layers must see the expanded bytes.
				body = expandEnv(body, an)
			}
			return verdict.Allow("static content", 1.0, verdict.SourcePolicy),
				"stdin content:\n" + body
		}
		return verdict.Allow("static content", 1.0, verdict.SourcePolicy), ""

	case analyzer.KindUnresolvable:
		if node.Context == analyzer.CtxExecution {
			// Content that executes but cannot be known beforehand is
			// never let through on faith.
			return verdict.Block(node.Reason, 1.0, verdict.SourceResolver), ""
		}
		return verdict.Warn(node.Reason, 1.0, verdict.SourceResolver), ""

	case analyzer.KindResolvable:
		return e.resolveNode(ctx, eval, an, sess, node, depth)
	}
	return verdict.Allow("", 1.0, verdict.SourcePolicy), ""
}

func (e *Engine) resolveNode(ctx context.Context, eval *Evaluation, an *analyzer.Analyzer, sess *resolver.Session, node analyzer.Node, depth int) (verdict.Verdict, string) {
	// Inline analyzable text: eval strings, shell -c bodies, heredocs
	// feeding a shell, substitution bodies.
	if node.Path == "" && node.Command != "" {
		body := node.Command
		if node.Expand {
			body = expandEnv(body, an)
		}
		return e.evaluateText(ctx, eval, an, sess, body, depth+1), ""
	}

	r := sess.ResolveFile(node.Path, depth+1)
	switch r.Status {
	case resolver.StatusBlocked:
		return verdict.Block(r.Reason, 1.0, verdict.SourceResolver), ""
	case resolver.StatusUnresolvable:
		if node.Context == analyzer.CtxExecution {
			// The file would execute and its content cannot be pinned
			// down; same stance as an unresolvable grammar node.
			return verdict.Block(
				fmt.Sprintf("content of %s cannot be verified: %s", node.Path, r.Reason),
				1.0, verdict.SourceResolver), ""
		}
		return verdict.Warn(r.Reason, 1.0, verdict.SourceResolver), ""
	}

	note := fmt.Sprintf("content of %s:\n%s", node.Path, r.Content)
	if node.Context == analyzer.CtxExecution {
		// Script content executes, so it gets the full recursive
		// treatment.
		return e.evaluateText(ctx, eval, an, sess, r.Content, depth+1), note
	}
	return verdict.Allow("resolved content", 1.0, verdict.SourceResolver), note
}

// expandEnv substitutes $VAR and ${VAR} references from the session
// environment, the way an unquoted heredoc terminator makes the shell
// expand the body. Unknown variables become empty, as in the shell.
func expandEnv(text string, an *analyzer.Analyzer) string {
	return os.Expand(text, func(name string) string {
		if v, ok := an.Env(name); ok {
			return v
		}
		return ""
	})
}

// classify consults the external layer and applies the fail mode and the
// confidence floor.
func (e *Engine) classify(ctx context.Context, eval *Evaluation, text string, notes []string) verdict.Verdict {
	if e.classifier == nil {
		return e.failModeVerdict("no external classifier configured")
	}

	cv, model, err := e.classifier.Classify(ctx, text, notes)
	if err != nil {
		log.Warn("classifier failed: %v", err)
		return e.failModeVerdict("external classifier unavailable: " + err.Error())
	}
	eval.Model = model

	if cv.Action == verdict.ActionAllow && cv.Confidence < e.cfg.Validator.ConfidenceThreshold {
		return verdict.Warn(
			fmt.Sprintf("low-confidence approval (%.2f < %.2f): %s",
				cv.Confidence, e.cfg.Validator.ConfidenceThreshold, cv.Reason),
			cv.Confidence, verdict.SourcePolicy)
	}
	return cv
}

func (e *Engine) failModeVerdict(reason string) verdict.Verdict {
	if e.cfg.FailOpen() {
		return verdict.Warn(reason, 0.5, verdict.SourcePolicy)
	}
	return verdict.Block(reason, 1.0, verdict.SourcePolicy)
}
