package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// tenantIDPattern mirrors what the sync engine accepts as a tenant id.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateAPIKey validates an embedding API key format
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

// ValidateTenantID validates a configured tenant identifier
func (v *Validator) ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant id %q (lowercase alphanumeric, dash or underscore, max 64 chars)", tenantID)
	}
	return nil
}

// ValidateBackend validates a memstore backend name
func (v *Validator) ValidateBackend(backend string) error {
	validBackends := []string{"sqlite", "redis"}
	for _, valid := range validBackends {
		if backend == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
}

// ValidateRedisAddr validates a redis address
func (v *Validator) ValidateRedisAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	// host:port
	pattern := regexp.MustCompile(`^[^\s:]+:\d+$`)
	if !pattern.MatchString(addr) {
		return fmt.Errorf("invalid redis address format (expected host:port)")
	}
	return nil
}

// ValidateEmbeddingModel validates an embedding model name
func (v *Validator) ValidateEmbeddingModel(model string) error {
	if model == "" {
		return fmt.Errorf("embedding model cannot be empty")
	}

	knownModels := []string{
		"text-embedding-3-small",
		"text-embedding-3-large",
		"text-embedding-ada-002",
	}
	for _, known := range knownModels {
		if model == known {
			return nil
		}
	}

	// Allow custom models (just warn)
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, tenantID := range cfg.Knowledge.Tenants {
		if err := v.ValidateTenantID(tenantID); err != nil {
			errors = append(errors, fmt.Errorf("knowledge.tenants[%d]: %w", i, err))
		}
	}

	if cfg.Memstore.Backend != "" {
		if err := v.ValidateBackend(cfg.Memstore.Backend); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Memstore.Backend == "redis" || cfg.Sync.LeaseBackend == "redis" {
		if err := v.ValidateRedisAddr(cfg.Memstore.Redis.Addr); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Memstore.Embedding.Enabled {
		if err := v.ValidateAPIKey(cfg.Memstore.Embedding.APIKey); err != nil {
			errors = append(errors, fmt.Errorf("memstore.embedding: %w", err))
		}
		if err := v.ValidateEmbeddingModel(cfg.Memstore.Embedding.Model); err != nil {
			errors = append(errors, fmt.Errorf("memstore.embedding: %w", err))
		}
	}

	if cfg.Sync.RetryAttempts < 0 {
		errors = append(errors, fmt.Errorf("sync.retry_attempts must be >= 0"))
	}
	if cfg.Sync.RetryBaseDelayMs < 0 {
		errors = append(errors, fmt.Errorf("sync.retry_base_delay_ms must be >= 0"))
	}
	if cfg.Sync.MaxItems < 0 {
		errors = append(errors, fmt.Errorf("sync.max_items must be >= 0"))
	}

	if cfg.Scheduler.StalenessThresholdSeconds < 0 {
		errors = append(errors, fmt.Errorf("scheduler.staleness_threshold_seconds must be >= 0"))
	}
	if cfg.Scheduler.SessionThreshold < 0 {
		errors = append(errors, fmt.Errorf("scheduler.session_threshold must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
