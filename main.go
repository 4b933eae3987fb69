// shellward is a validating gateway between automated agents and the
// shell. Every command line passes through normalization, a static
// blocklist, grammar analysis with content resolution and an external
// classifier before anything executes, and execution happens inside a
// kernel-enforced gate that cannot spawn a shell.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/AgentShepherd/shellward/internal/analyzer"
	"github.com/AgentShepherd/shellward/internal/audit"
	"github.com/AgentShepherd/shellward/internal/classifier"
	"github.com/AgentShepherd/shellward/internal/config"
	"github.com/AgentShepherd/shellward/internal/logger"
	"github.com/AgentShepherd/shellward/internal/policy"
	"github.com/AgentShepherd/shellward/internal/resolver"
	"github.com/AgentShepherd/shellward/internal/rules"
	"github.com/AgentShepherd/shellward/internal/sandbox"
	"github.com/AgentShepherd/shellward/internal/session"
	"github.com/AgentShepherd/shellward/internal/verdict"
)

// Version is set at build time via ldflags: -X main.Version=x.y.z
var Version = "1.0.0"

// Exit codes for one-shot mode.
const (
	exitBlocked   = 1
	exitCancelled = 2
	exitInterrupt = 130
)

var log = logger.New("main")

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	logLevel := flag.String("log-level", "", "override log level (trace|debug|info|warn|error)")
	noColor := flag.Bool("no-color", false, "disable colored output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("shellward %s\n", Version)
		return 0
	}

	if *configPath == config.DefaultConfigPath() {
		if err := config.WriteDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Shell.LogLevel = *logLevel
	}
	if *noColor {
		cfg.Shell.NoColor = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger.SetGlobalLevelFromString(cfg.Shell.LogLevel)
	logger.SetColored(!cfg.Shell.NoColor && term.IsTerminal(int(os.Stdout.Fd())))

	// Login shells get "-" prepended to argv[0]. Profile and rc scripts
	// are never sourced here, so tell the user up front.
	if strings.HasPrefix(os.Args[0], "-") {
		log.Warn("invoked as a login shell: profile and rc scripts are not executed")
	}

	app, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer app.Close()

	switch flag.Arg(0) {
	case "check":
		return app.check(strings.Join(flag.Args()[1:], " "))
	case "audit":
		return app.recentBlocked()
	case "":
		return app.interactive()
	default:
		// Everything after the program name is one command to validate
		// and run.
		return app.oneShot(strings.Join(flag.Args(), " "))
	}
}

// app wires the validation pipeline, the audit trail and the execution
// gate together for one process lifetime.
type app struct {
	cfg     *config.Config
	secrets *config.Secrets
	engine  *policy.Engine
	box     *sandbox.Sandbox
	trail   *audit.Logger
	store   *audit.Store
	state   *session.State
	// stdin is the single reader over standard input. Prompt lines and
	// warning confirmations share it so no buffered input is lost
	// between the two.
	stdin *bufio.Scanner
}

func newApp(cfg *config.Config) (*app, error) {
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	if err := secrets.ValidateDBKey(); err != nil {
		return nil, err
	}

	pm, err := rules.NewPathMatcher(cfg.Sensitive.Paths, cfg.Sensitive.Globs)
	if err != nil {
		return nil, fmt.Errorf("sensitive paths: %w", err)
	}
	res := resolver.New(resolver.Options{
		Sensitive:     pm,
		MaxDepth:      cfg.Resolver.MaxDepth,
		MaxFileBytes:  cfg.Resolver.MaxFileBytes,
		MaxTotalBytes: cfg.Resolver.MaxTotalBytes,
	})

	var cl policy.Classifier
	if cfg.Classifier.BaseURL != "" {
		client, err := classifier.New(classifier.Options{
			BaseURL:       cfg.Classifier.BaseURL,
			APIKey:        secrets.ClassifierAPIKey,
			Models:        cfg.Classifier.Models,
			Timeout:       time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
			RatePerMinute: cfg.Classifier.RatePerMinute,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		model, err := client.HealthCheck(ctx)
		cancel()
		if err != nil {
			log.Warn("classifier health check failed: %v", err)
			log.Warn("continuing in fail-%s mode", cfg.Validator.FailMode)
		} else {
			log.Info("classifier ready (model %s, key %s)", model, secrets.MaskAPIKey())
			cl = client
		}
	} else {
		log.Warn("no classifier endpoint configured; fail-%s mode applies", cfg.Validator.FailMode)
	}

	box, err := sandbox.New()
	if err != nil {
		return nil, err
	}

	var store *audit.Store
	var trail *audit.Logger
	if cfg.Audit.Enabled {
		if cfg.Audit.DBPath != "" && secrets.HasDBEncryption() {
			store, err = audit.OpenStore(cfg.Audit.DBPath, secrets.AuditDBKey)
			if err != nil {
				return nil, err
			}
		}
		trail, err = audit.NewLogger(cfg.Audit.Dir, cfg.Audit.MaxLogBytes, store)
		if err != nil {
			return nil, err
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	state := session.New(cwd, session.Options{
		Allow:            cfg.Env.Allow,
		AllowPrefixes:    cfg.Env.AllowPrefixes,
		MaxSnapshotBytes: cfg.Env.MaxSnapshotBytes,
	})

	return &app{
		cfg:     cfg,
		secrets: secrets,
		engine:  policy.New(cfg, rules.NewBlocklist(), res, cl),
		box:     box,
		trail:   trail,
		store:   store,
		state:   state,
		stdin:   newStdinScanner(),
	}, nil
}

func (a *app) Close() {
	if a.trail != nil {
		a.trail.Close()
	}
}

func (a *app) record(ev audit.Event) {
	if a.trail != nil {
		a.trail.Record(ev)
	}
}

// evaluate runs the pipeline with the resolver timeout applied.
func (a *app) evaluate(ctx context.Context, command string) *policy.Evaluation {
	timeout := time.Duration(a.cfg.Resolver.TimeoutSeconds) * time.Second
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.engine.Evaluate(evalCtx, command, a.state.Cwd, a.state.Lookup)
}

// execute runs an approved command through the gate and feeds the
// resulting environment snapshot back into the session.
func (a *app) execute(ctx context.Context, eval *policy.Evaluation) int {
	var pinned []sandbox.PinnedFile
	for _, f := range eval.Pinned() {
		pinned = append(pinned, sandbox.PinnedFile{Path: f.Name(), File: f})
	}

	res, err := a.box.Run(ctx, sandbox.RunOptions{
		Command:  eval.Canonical,
		Dir:      a.state.Cwd,
		Env:      a.state.Environ(),
		Pinned:   pinned,
		LastExit: a.state.LastExit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shellward: %v\n", err)
	}
	a.state.ApplySnapshot(res.EnvSnapshot)
	a.state.LastExit = res.ExitCode
	return res.ExitCode
}

// runVerdict applies one verdict: blocks print and refuse, warnings ask
// for confirmation, approvals execute. interact controls whether a
// warning may be confirmed at all.
func (a *app) runVerdict(ctx context.Context, command string, eval *policy.Evaluation, interact bool) int {
	ev := audit.NewEvent(command, eval.Canonical, eval.Verdict, eval.Model)

	switch eval.Verdict.Action {
	case verdict.ActionBlock:
		a.record(ev)
		fmt.Fprintln(os.Stderr, logger.Render(logger.StyleBlocked,
			"blocked: "+eval.Verdict.Reason))
		a.state.LastExit = exitBlocked
		return exitBlocked

	case verdict.ActionWarn:
		fmt.Fprintln(os.Stderr, logger.Render(logger.StyleWarned,
			"warning: "+eval.Verdict.Reason))
		if !interact || !a.confirm("Run anyway?") {
			ev.ExitCode = intPtr(exitCancelled)
			a.record(ev)
			a.state.LastExit = exitCancelled
			return exitCancelled
		}
		ev.Overridden = true
	}

	code := a.execute(ctx, eval)
	ev.ExitCode = &code
	a.record(ev)
	return code
}

// interactive is the session loop: a prompt, bare-cd handling and one
// validated execution per line.
func (a *app) interactive() int {
	fmt.Println(logger.Render(logger.StyleBanner, "shellward "+Version))
	if a.box.Degraded() {
		fmt.Println(logger.Render(logger.StyleBlocked,
			"!! kernel enforcement unavailable: commands run WITHOUT a sandbox"))
	}
	fmt.Println(logger.Render(logger.StyleMuted, `type "exit" to leave`))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := a.stdin

	for {
		prompt := "shellward> "
		if a.box.Degraded() {
			prompt = "shellward(unsafe)> "
		}
		fmt.Print(logger.Render(logger.StylePrompt, prompt))

		if !scanner.Scan() {
			if ctx.Err() != nil {
				return exitInterrupt
			}
			fmt.Println()
			return a.state.LastExit
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return a.state.LastExit
		}

		if target, ok := session.IsBareCd(line); ok {
			if err := a.state.ChangeDir(target); err != nil {
				fmt.Fprintln(os.Stderr, err)
				a.state.LastExit = 1
			} else {
				a.state.LastExit = 0
			}
			continue
		}

		eval := a.evaluate(ctx, line)
		a.runVerdict(ctx, line, eval, true)
		eval.Close()
	}
}

// oneShot validates and runs a single command, agent style: warnings
// cannot be confirmed and count as cancelled.
func (a *app) oneShot(command string) int {
	if command == "" {
		fmt.Fprintln(os.Stderr, "shellward: empty command")
		return exitBlocked
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.box.Degraded() {
		fmt.Fprintln(os.Stderr, logger.Render(logger.StyleBlocked,
			"!! kernel enforcement unavailable: command runs WITHOUT a sandbox"))
	}

	eval := a.evaluate(ctx, command)
	defer eval.Close()
	interact := term.IsTerminal(int(os.Stdin.Fd()))
	return a.runVerdict(ctx, command, eval, interact)
}

// check validates without executing and prints the verdict as JSON.
func (a *app) check(command string) int {
	if command == "" {
		fmt.Fprintln(os.Stderr, "usage: shellward check <command>")
		return exitBlocked
	}
	eval := a.evaluate(context.Background(), command)
	defer eval.Close()

	out, _ := json.MarshalIndent(struct {
		Command   string                   `json:"command"`
		Canonical string                   `json:"canonical"`
		Verdict   verdict.Verdict          `json:"verdict"`
		Model     string                   `json:"model,omitempty"`
		Commands  []analyzer.SimpleCommand `json:"commands,omitempty"`
	}{command, eval.Canonical, eval.Verdict, eval.Model, eval.Commands}, "", "  ")
	fmt.Println(string(out))

	switch eval.Verdict.Action {
	case verdict.ActionAllow:
		return 0
	case verdict.ActionWarn:
		return exitCancelled
	default:
		return exitBlocked
	}
}

// recentBlocked prints the latest blocked commands from the encrypted
// store.
func (a *app) recentBlocked() int {
	if a.store == nil {
		fmt.Fprintln(os.Stderr, "audit store not configured (set audit.db_path and AUDIT_DB_KEY)")
		return 1
	}
	events, err := a.store.RecentBlocked(20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit query: %v\n", err)
		return 1
	}
	for _, ev := range events {
		fmt.Printf("%s  %-40q  %s\n", ev.Time, ev.Command, ev.Reason)
	}
	return 0
}

func newStdinScanner() *bufio.Scanner {
	s := bufio.NewScanner(os.Stdin)
	s.Buffer(make([]byte, 0, 64*1024), 64*1024)
	return s
}

func (a *app) confirm(question string) bool {
	fmt.Fprint(os.Stderr, logger.Render(logger.StyleWarned, question+" [y/N] "))
	if !a.stdin.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(a.stdin.Text()))
	return answer == "y" || answer == "yes"
}

func intPtr(v int) *int { return &v }
