package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "installer.yaml")
	content := []byte(`api_url: https://catalog.example.com/api/apks
download_dir: /tmp/apks
workers: 2
install_command: ["adb", "install", "-r", "{path}"]
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LUDDITE_API_KEY", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIURL != "https://catalog.example.com/api/apks" {
		t.Fatalf("unexpected api_url: %s", cfg.APIURL)
	}
	if cfg.APIKey != "from-env" {
		t.Fatalf("expected api_key from env, got %q", cfg.APIKey)
	}
	if cfg.Workers != 2 {
		t.Fatalf("expected workers 2, got %d", cfg.Workers)
	}
	if len(cfg.InstallCommand) != 4 || cfg.InstallCommand[3] != "{path}" {
		t.Fatalf("unexpected install_command: %v", cfg.InstallCommand)
	}
	// Keys absent from the file keep their defaults.
	if cfg.DownloadTimeoutSeconds != 3600 {
		t.Fatalf("expected default download timeout, got %d", cfg.DownloadTimeoutSeconds)
	}
	if cfg.InstallAction != DefaultInstallAction {
		t.Fatalf("expected default install action, got %q", cfg.InstallAction)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "installer.yaml")

	cfg := Default()
	cfg.APIKey = "secret"
	cfg.StorageBucketURL = "s3://apks"
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.APIKey != "secret" || loaded.StorageBucketURL != "s3://apks" {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}

func TestRedactedMasksSecretsOnly(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "secret"
	cfg.B2AccountID = "acct"
	cfg.B2ApplicationKey = "b2-key"
	cfg.InstallCommand = []string{"adb", "install", "{path}"}

	red := cfg.Redacted()
	if red.APIKey != "********" || red.B2ApplicationKey != "********" {
		t.Fatalf("secrets not masked: %+v", red)
	}
	if red.B2AccountID != "acct" {
		t.Fatalf("account id should stay visible, got %q", red.B2AccountID)
	}
	if red.S3SecretAccessKey != "" {
		t.Fatalf("empty secrets should stay empty, got %q", red.S3SecretAccessKey)
	}
	if cfg.APIKey != "secret" {
		t.Fatal("Redacted modified the original")
	}
	red.InstallCommand[0] = "changed"
	if cfg.InstallCommand[0] != "adb" {
		t.Fatal("Redacted shares the install command slice")
	}
}
