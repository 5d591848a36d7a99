package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Namespace.MinReplication > cfg.Namespace.MaxReplication {
		return fmt.Errorf("namespace: min_replication (%d) exceeds max_replication (%d)",
			cfg.Namespace.MinReplication, cfg.Namespace.MaxReplication)
	}

	if cfg.Lease.HardLimit < cfg.Lease.SoftLimit {
		return fmt.Errorf("lease: hard_limit (%v) is shorter than soft_limit (%v)",
			cfg.Lease.HardLimit, cfg.Lease.SoftLimit)
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == 0 {
		return fmt.Errorf("server.metrics: port is required when metrics are enabled")
	}

	if cfg.Store.Type == "badger" {
		if path, _ := cfg.Store.Badger["db_path"].(string); path == "" {
			return fmt.Errorf("store.badger: db_path is required")
		}
	}

	if cfg.Checkpoint.Enabled || cfg.Checkpoint.RestoreOnStart {
		switch cfg.Checkpoint.Type {
		case "filesystem":
			if path, _ := cfg.Checkpoint.Filesystem["path"].(string); path == "" {
				return fmt.Errorf("checkpoint.filesystem: path is required")
			}
		case "s3":
			if bucket, _ := cfg.Checkpoint.S3["bucket"].(string); bucket == "" {
				return fmt.Errorf("checkpoint.s3: bucket is required")
			}
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Return the first validation error with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
