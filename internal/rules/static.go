// Package rules holds the static validation layer: the pattern blocklist
// that fires before any grammar analysis, and the sensitive-path matcher
// used by the content resolver.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/AgentShepherd/shellward/internal/logger"
	"github.com/AgentShepherd/shellward/internal/verdict"
)

var rulesLog = logger.New("rules")

// maxPatternLen bounds user-supplied regex size to limit compile cost.
const maxPatternLen = 4096

// StaticRule is one ordered blocklist entry. The first rule whose pattern
// matches the canonical command text produces a final BLOCK.
type StaticRule struct {
	Name    string
	Pattern string
	Reason  string
}

// DefaultStaticRules returns the built-in blocklist, ordered roughly by
// how unambiguous the pattern is. These are syntactic certainties: no
// legitimate agent workflow writes them.
func DefaultStaticRules() []StaticRule {
	return []StaticRule{
		{"dev-tcp", `/dev/tcp/`, "Reverse shell via /dev/tcp"},
		{"nc-exec", `\bnc\b.*\s-e\s`, "Reverse shell via nc -e"},
		{"ncat-exec", `\bncat\b.*\s-e\s`, "Reverse shell via ncat -e"},
		{"rm-rf-root", `\brm\s+-[^\s]*r[^\s]*f[^\s]*\s+/\*?\s*$`, "Destructive rm -rf /"},
		{"rm-fr-root", `\brm\s+-[^\s]*f[^\s]*r[^\s]*\s+/\*?\s*$`, "Destructive rm -fr /"},
		{"mkfs", `\bmkfs\b`, "Filesystem format via mkfs"},
		{"fork-bomb", `:\(\)\s*\{`, "Fork bomb"},
		{"dd-device", `\bdd\b.*\bof=/dev/(?:sd|hd|nvme|vd|mmcblk)`, "Raw write to block device via dd"},
		{"bare-shell", `^\s*(?:/(?:usr/)?bin/)?(?:bash|sh|dash|zsh|fish|ksh|csh|tcsh|ash|mksh|rbash)\s*(?:-i\s*)?$`,
			"Interactive shell spawn escapes validation"},
		{"pipe-to-shell", `\|\s*(?:/(?:usr/)?bin/)?(?:bash|sh|dash|zsh)\s*$`, "Remote content piped into a shell"},
		{"ld-preload", `\bLD_PRELOAD=`, "Code injection via LD_PRELOAD"},
		{"deferred-exec", `^\s*(?:crontab|at)\b`, "Deferred execution escapes the session sandbox"},
	}
}

// compiledStaticRule is a pre-compiled blocklist entry with hit accounting.
type compiledStaticRule struct {
	name   string
	re     *regexp.Regexp
	reason string
	hits   atomic.Int64
}

// Blocklist matches canonical command text against the ordered rules.
type Blocklist struct {
	rules []*compiledStaticRule
}

// NewBlocklist compiles the default rules. The defaults are known-good, so
// a compile failure here is a programming error.
func NewBlocklist() *Blocklist {
	b, err := NewBlocklistFromRules(DefaultStaticRules())
	if err != nil {
		panic(fmt.Sprintf("builtin static rules failed to compile: %v", err))
	}
	return b
}

// NewBlocklistFromRules compiles an explicit rule set.
func NewBlocklistFromRules(rules []StaticRule) (*Blocklist, error) {
	b := &Blocklist{rules: make([]*compiledStaticRule, 0, len(rules))}
	for _, r := range rules {
		pattern := sanitizePattern(r.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("rule %q: empty pattern after sanitization", r.Name)
		}
		if len(pattern) > maxPatternLen {
			return nil, fmt.Errorf("rule %q: pattern exceeds %d bytes", r.Name, maxPatternLen)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		b.rules = append(b.rules, &compiledStaticRule{name: r.Name, re: re, reason: r.Reason})
	}
	return b, nil
}

// Match checks every given text against the ordered blocklist. The texts
// are the canonical command plus any expansion variants; a hit on any of
// them is final.
func (b *Blocklist) Match(texts ...string) (verdict.Verdict, bool) {
	for _, rule := range b.rules {
		for _, text := range texts {
			if text == "" {
				continue
			}
			if rule.re.MatchString(text) {
				rule.hits.Add(1)
				rulesLog.Debug("static rule %q hit", rule.name)
				return verdict.Block(rule.reason, 1.0, verdict.SourceStatic), true
			}
		}
	}
	return verdict.Verdict{}, false
}

// HitCounts returns per-rule match counts since startup.
func (b *Blocklist) HitCounts() map[string]int64 {
	counts := make(map[string]int64, len(b.rules))
	for _, r := range b.rules {
		counts[r.name] = r.hits.Load()
	}
	return counts
}

// sanitizePattern strips null bytes and control characters that could
// confuse the regex engine or smuggle bytes past review.
func sanitizePattern(p string) string {
	return strings.Map(func(r rune) rune {
		if r == 0 || (r < 0x20 && r != '\t') {
			return -1
		}
		return r
	}, p)
}
