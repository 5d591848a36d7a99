package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// sectionComments are written above each top-level key of a generated file.
var sectionComments = map[string]string{
	"logging": "Logging\n  level: DEBUG, INFO, WARN, ERROR\n  format: text, json\n  output: stdout, stderr or a file path",
	"server":  "Server-wide settings\n  metrics.enabled exposes /metrics and /healthz on metrics.port",
	"store": "Record store holding the namespace\n" +
		"  type: memory (ephemeral) or badger (persistent)\n" +
		"  Only the section matching the type is used",
	"namespace": "Namespace limits and permissions\n" +
		"  locking: global (one lock) or fine (per-path locks)\n" +
		"  max_dir_items and max_objects: 0 = unlimited\n" +
		"  access_time_precision: negative disables access time updates",
	"lease":    "Write leases\n  soft_limit: another client may recover the lease after this\n  hard_limit: the server recovers the lease after this",
	"safemode": "Startup safe mode\n  threshold: fraction of blocks that must be reported (> 1 = manual leave only)",
	"deletion": "Deferred block deletion\n  blocks_per_second: 0 = unlimited",
	"checkpoint": "Namespace images\n" +
		"  type: filesystem or s3\n" +
		"  restore_on_start loads the newest image into an empty store",
}

// InitConfig writes a commented default configuration file to the default
// location.
//
// Parameters:
//   - force: overwrite an existing file
//
// Returns:
//   - string: path of the written file
//   - error: if the file exists and force is false, or writing fails
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a commented default configuration file to path,
// creating parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	data, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and one comment
// block per section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	// doc is a mapping node: keys and values alternate
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}
	doc.HeadComment = "DittoNS Configuration File\n" +
		"Values can be overridden with DITTONS_* environment variables,\n" +
		"e.g. DITTONS_LOGGING_LEVEL=DEBUG"

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	return buf.String(), nil
}
