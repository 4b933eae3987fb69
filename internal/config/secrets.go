package config

import (
	"errors"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Secrets holds sensitive configuration loaded from environment variables
// SECURITY: Use environment variables instead of CLI flags for secrets
// CLI flags are visible in process listings (ps auxww)
type Secrets struct {
	// ClassifierAPIKey authenticates against the classifier endpoint
	// Env: SHELLWARD_API_KEY
	ClassifierAPIKey string `envconfig:"SHELLWARD_API_KEY"`

	// AuditDBKey is the SQLCipher encryption key for the audit store
	// Env: AUDIT_DB_KEY
	AuditDBKey string `envconfig:"AUDIT_DB_KEY"`
}

// LoadSecrets loads secrets from environment variables
func LoadSecrets() (*Secrets, error) {
	var s Secrets
	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("failed to load secrets from environment: %w", err)
	}
	return &s, nil
}

// Validate validates that required secrets are set
func (s *Secrets) Validate() error {
	if s.ClassifierAPIKey == "" {
		return errors.New("classifier API key is required (set SHELLWARD_API_KEY)")
	}
	// Note: No minimum length validation - local LLM setups (vLLM, Ollama) may use dummy keys
	return nil
}

// ValidateDBKey validates the audit store encryption key if set
func (s *Secrets) ValidateDBKey() error {
	if s.AuditDBKey != "" && len(s.AuditDBKey) < 16 {
		return errors.New("audit store encryption key must be at least 16 characters")
	}
	return nil
}

// HasDBEncryption returns true if audit store encryption is configured
func (s *Secrets) HasDBEncryption() bool {
	return s.AuditDBKey != ""
}

// MaskAPIKey returns a masked version of the classifier API key for logging
func (s *Secrets) MaskAPIKey() string {
	if s.ClassifierAPIKey == "" {
		return "(not set)"
	}
	if len(s.ClassifierAPIKey) <= 8 {
		return "****"
	}
	return s.ClassifierAPIKey[:4] + "****" + s.ClassifierAPIKey[len(s.ClassifierAPIKey)-4:]
}
