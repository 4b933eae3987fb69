// Package verdict defines the common decision types shared by every
// validation layer.
package verdict

import "fmt"

// Action is the outcome of validating a command.
type Action string

const (
	// ActionAllow permits execution without interaction.
	ActionAllow Action = "allow"
	// ActionWarn permits execution only after user confirmation.
	ActionWarn Action = "warn"
	// ActionBlock refuses execution.
	ActionBlock Action = "block"
)

// Valid returns true if the Action is a known valid value.
func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionWarn || a == ActionBlock
}

// Severity orders actions from least to most restrictive.
func (a Action) Severity() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionWarn:
		return 1
	case ActionBlock:
		return 2
	default:
		// Unknown actions are treated as most restrictive.
		return 3
	}
}

// Source identifies which layer produced a verdict.
type Source string

const (
	// SourceStatic is the static pattern blocklist.
	SourceStatic Source = "static"
	// SourceResolver is the content resolution layer.
	SourceResolver Source = "resolver"
	// SourcePolicy is the decision engine itself (floors, fail modes).
	SourcePolicy Source = "policy"
	// SourceExternal is the external classifier.
	SourceExternal Source = "external"
)

// Verdict is the result of validating a command or a fragment of one.
type Verdict struct {
	Action     Action  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// String returns a compact human-readable form, safe for logging.
func (v Verdict) String() string {
	return fmt.Sprintf("%s (%s, %.2f): %s", v.Action, v.Source, v.Confidence, v.Reason)
}

// Allow builds an ALLOW verdict.
func Allow(reason string, confidence float64, source Source) Verdict {
	return Verdict{Action: ActionAllow, Reason: reason, Confidence: confidence, Source: source}
}

// Warn builds a WARN verdict.
func Warn(reason string, confidence float64, source Source) Verdict {
	return Verdict{Action: ActionWarn, Reason: reason, Confidence: confidence, Source: source}
}

// Block builds a BLOCK verdict.
func Block(reason string, confidence float64, source Source) Verdict {
	return Verdict{Action: ActionBlock, Reason: reason, Confidence: confidence, Source: source}
}

// MostRestrictive returns the more severe of two verdicts.
// On equal severity the first argument wins, so earlier layers keep
// their reason text.
func MostRestrictive(a, b Verdict) Verdict {
	if b.Action.Severity() > a.Action.Severity() {
		return b
	}
	return a
}

// Floor raises v to at least the given action. The reason and source are
// replaced only when the floor actually raises the verdict.
func Floor(v Verdict, min Action, reason string, source Source) Verdict {
	if min.Severity() > v.Action.Severity() {
		return Verdict{Action: min, Reason: reason, Confidence: v.Confidence, Source: source}
	}
	return v
}
