package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AgentShepherd/shellward/internal/fileutil"
	"github.com/AgentShepherd/shellward/internal/logger"
)

var cfgLog = logger.New("config")

// Config represents the shellward session configuration.
// It is loaded once at startup and never reloaded: a session must not
// change its own validation rules mid-flight.
type Config struct {
	Shell      ShellConfig      `yaml:"shell"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Sensitive  SensitiveConfig  `yaml:"sensitive"`
	Env        EnvConfig        `yaml:"env"`
	Audit      AuditConfig      `yaml:"audit"`
}

// ShellConfig holds prompt and logging settings.
type ShellConfig struct {
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	NoColor  bool   `yaml:"no_color"`
}

// ValidatorConfig holds decision engine settings.
type ValidatorConfig struct {
	// FailMode decides the outcome when the external classifier is
	// unavailable: "block" (default) or "warn".
	FailMode string `yaml:"fail_mode" validate:"oneof=block warn"`
	// ConfidenceThreshold demotes external ALLOW verdicts below it to WARN.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	// MaxCommandLength rejects oversized command lines outright.
	MaxCommandLength int `yaml:"max_command_length" validate:"gt=0"`
}

// ResolverConfig bounds content resolution.
type ResolverConfig struct {
	MaxDepth       int   `yaml:"max_depth" validate:"gt=0"`
	MaxFileBytes   int64 `yaml:"max_file_bytes" validate:"gt=0"`
	MaxTotalBytes  int64 `yaml:"max_total_bytes" validate:"gt=0"`
	TimeoutSeconds int   `yaml:"timeout_seconds" validate:"gt=0"`
}

// ClassifierConfig holds external classifier settings.
// The API key is NOT here: it comes from the environment (see Secrets).
type ClassifierConfig struct {
	// BaseURL is an OpenAI-compatible chat completions endpoint.
	BaseURL string `yaml:"base_url"`
	// Models is the ordered fallback chain. The health check pins the
	// first responsive one for the whole session.
	Models         []string `yaml:"models" validate:"min=1"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gt=0"`
	// RatePerMinute caps classifier calls; exceeding it delays, never drops.
	RatePerMinute int `yaml:"rate_per_minute" validate:"gt=0"`
}

// SensitiveConfig lists content the resolver must never read.
type SensitiveConfig struct {
	// Paths are exact file paths (after normalization).
	Paths []string `yaml:"paths"`
	// Globs are gobwas-style patterns matched with '/' as separator.
	Globs []string `yaml:"globs"`
}

// EnvConfig is the environment allowlist applied to every executed command
// and to every post-exit snapshot.
type EnvConfig struct {
	Allow         []string `yaml:"allow"`
	AllowPrefixes []string `yaml:"allow_prefixes"`
	// MaxSnapshotBytes caps the post-exit environment capture.
	MaxSnapshotBytes int64 `yaml:"max_snapshot_bytes" validate:"gt=0"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir holds the JSONL trail and its rotated archives.
	Dir string `yaml:"dir"`
	// MaxLogBytes triggers rotation of the active JSONL file.
	MaxLogBytes int64 `yaml:"max_log_bytes" validate:"gt=0"`
	// DBPath enables the encrypted queryable store when set.
	// Requires AUDIT_DB_KEY in the environment.
	DBPath string `yaml:"db_path"`
}

// DefaultConfigPath returns the default config file path (~/.shellward/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".shellward", "config.yaml")
}

// defaultAuditDir returns the default audit directory under ~/.shellward/.
func defaultAuditDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./audit"
	}
	return filepath.Join(home, ".shellward", "audit")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Shell: ShellConfig{
			LogLevel: "info",
		},
		Validator: ValidatorConfig{
			FailMode:            "block",
			ConfidenceThreshold: 0.6,
			MaxCommandLength:    4096,
		},
		Resolver: ResolverConfig{
			MaxDepth:       3,
			MaxFileBytes:   8192,
			MaxTotalBytes:  65536,
			TimeoutSeconds: 5,
		},
		Classifier: ClassifierConfig{
			BaseURL:        "https://api.openai.com/v1",
			Models:         []string{"gpt-4o-mini"},
			TimeoutSeconds: 15,
			RatePerMinute:  30,
		},
		Sensitive: SensitiveConfig{
			Paths: []string{
				"/etc/shadow",
				"/etc/gshadow",
				"/etc/sudoers",
				"/etc/master.passwd",
			},
			Globs: []string{
				"**/.ssh/id_*",
				"**/.ssh/*_key",
				"/etc/ssl/private/**",
				"**/.aws/credentials",
				"**/.pgpass",
				"**/.my.cnf",
			},
		},
		Env: EnvConfig{
			Allow: []string{
				"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM",
				"LANG", "TMPDIR", "TZ", "PWD", "OLDPWD", "EDITOR", "PAGER",
			},
			AllowPrefixes:    []string{"LC_", "XDG_", "SHELLWARD_"},
			MaxSnapshotBytes: 1 << 20,
		},
		Audit: AuditConfig{
			Enabled:     true,
			Dir:         defaultAuditDir(),
			MaxLogBytes: 10 << 20,
		},
	}
}

// Validate checks all Config fields. Call this after any overrides have
// been applied, not during Load().
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var errs validator.ValidationErrors
		if ok := asValidationErrors(err, &errs); ok {
			var sb strings.Builder
			sb.WriteString("config validation failed:\n")
			for i, fe := range errs {
				fmt.Fprintf(&sb, "  %d. %s: failed %q constraint\n", i+1, fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%s", sb.String())
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Structural checks the tag validator cannot express.
	if c.Classifier.BaseURL != "" {
		if u, err := url.Parse(c.Classifier.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("classifier.base_url: must be a valid http/https URL (got %q)", c.Classifier.BaseURL)
		}
	}
	for _, p := range c.Sensitive.Paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("sensitive.paths: %q must be absolute", p)
		}
	}
	if c.Resolver.MaxFileBytes > c.Resolver.MaxTotalBytes {
		return fmt.Errorf("resolver.max_file_bytes (%d) must not exceed resolver.max_total_bytes (%d)",
			c.Resolver.MaxFileBytes, c.Resolver.MaxTotalBytes)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// isUnknownFieldError returns true if the error is from yaml.Decoder.KnownFields(true)
// detecting an unrecognized key (e.g. typo like "validatr:").
func isUnknownFieldError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found in type")
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Load does NOT call Validate(); callers apply overrides first, then
// call cfg.Validate() themselves.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// Try strict decode to warn about unknown fields (typos)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if isUnknownFieldError(err) {
			cfgLog.Warn("config has unknown fields (ignored): %v", err)
			// Re-parse without strict mode for forward compatibility
			cfg = DefaultConfig()
			if err2 := yaml.Unmarshal(data, cfg); err2 != nil {
				return nil, fmt.Errorf("config parse error: %w", err2)
			}
		} else {
			return nil, fmt.Errorf("config parse error: %w", err)
		}
	}

	return cfg, nil
}

// WriteDefault writes the default configuration to path so a fresh
// install has an editable file. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Lstat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	if err := fileutil.SecureMkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	return fileutil.SecureWriteFile(path, data)
}

// FailOpen reports whether classifier unavailability degrades to WARN
// instead of BLOCK.
func (c *Config) FailOpen() bool {
	return c.Validator.FailMode == "warn"
}
