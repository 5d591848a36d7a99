package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// useTempHome points the default config location at a temporary directory.
func useTempHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
}

func TestInitConfig_Success(t *testing.T) {
	useTempHome(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# DittoNS Configuration File",
		"logging:",
		"server:",
		"store:",
		"namespace:",
		"lease:",
		"safemode:",
		"deletion:",
		"checkpoint:",
	}
	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	var raw map[string]any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	useTempHome(t)

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestInitConfig_ForceOverwrite(t *testing.T) {
	useTempHome(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}
	if err := os.WriteFile(configPath, []byte("# Modified"), 0644); err != nil {
		t.Fatalf("Failed to modify config: %v", err)
	}

	newPath, err := InitConfig(true)
	if err != nil {
		t.Fatalf("Force InitConfig failed: %v", err)
	}
	if newPath != configPath {
		t.Errorf("Expected same path, got different: %s vs %s", configPath, newPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if !strings.Contains(string(content), "# DittoNS Configuration File") {
		t.Error("Config file was not properly overwritten")
	}
}

func TestInitConfigToPath_AlreadyExists(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("existing"), 0644); err != nil {
		t.Fatalf("Failed to create existing file: %v", err)
	}

	err := InitConfigToPath(configPath, false)
	if err == nil {
		t.Fatal("Expected error when file already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestGenerateYAMLWithComments(t *testing.T) {
	out, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		t.Fatalf("generateYAMLWithComments failed: %v", err)
	}

	for _, want := range []string{
		"# Record store holding the namespace",
		"soft_limit: 1m0s",
		"locking: fine",
		"superuser: root",
		"level: INFO",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Generated YAML missing %q", want)
		}
	}
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "custom", "dittons.yaml")
	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("Failed to generate config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load generated config: %v", err)
	}

	want := GetDefaultConfig()
	if cfg.Lease != want.Lease {
		t.Errorf("Lease section changed on round trip: %+v vs %+v", cfg.Lease, want.Lease)
	}
	if cfg.Namespace != want.Namespace {
		t.Errorf("Namespace section changed on round trip: %+v vs %+v", cfg.Namespace, want.Namespace)
	}
	if cfg.Checkpoint.Filesystem["path"] != want.Checkpoint.Filesystem["path"] {
		t.Errorf("Checkpoint path changed on round trip: %v", cfg.Checkpoint.Filesystem["path"])
	}
}
