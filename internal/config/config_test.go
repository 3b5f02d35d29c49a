package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadDerivesDirsFromDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PIPELINE_CONFIG", writeFile(t, dir, "empty.yaml", "{}\n"))
	t.Setenv("PIPELINE_DATA_DIR", dir)
	t.Setenv("PIPELINE_SALT", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ExportDir != filepath.Join(dir, "DATA-EXPORT") {
		t.Fatalf("ExportDir = %q", cfg.ExportDir)
	}
	if cfg.WaitDir != filepath.Join(dir, "PROCESSES", "005_submitter", "A_WAIT") {
		t.Fatalf("WaitDir = %q", cfg.WaitDir)
	}
	if !cfg.SignVerification {
		t.Fatal("signature verification should default to on")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline.yaml", `
addr: ":9000"
paths:
  data: /var/lib/pipeline
  export: /srv/export
callback:
  base_url: http://file.example/
  salt: from-file
  sign_verification: false
token_defaults:
  language: cs
`)
	t.Setenv("PIPELINE_CONFIG", path)
	t.Setenv("PIPELINE_CALLBACK_BASE_URL", "http://env.example/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q, want :9000", cfg.Addr)
	}
	if cfg.ExportDir != "/srv/export" {
		t.Fatalf("ExportDir = %q", cfg.ExportDir)
	}
	if cfg.TemplatesDir != filepath.Join("/var/lib/pipeline", "TEMPLATES", "BLOCKSET") {
		t.Fatalf("TemplatesDir = %q", cfg.TemplatesDir)
	}
	if cfg.SignVerification {
		t.Fatal("file should have disabled signature verification")
	}
	if cfg.Salt != "from-file" {
		t.Fatalf("Salt = %q", cfg.Salt)
	}

	defaults := cfg.TokenDefaults()
	if defaults["callback_base_url"] != "http://env.example/" {
		t.Fatalf("callback_base_url = %q", defaults["callback_base_url"])
	}
	if defaults["language"] != "cs" {
		t.Fatalf("language = %q", defaults["language"])
	}
	if defaults["sge_priority"] != "0" {
		t.Fatalf("sge_priority = %q", defaults["sge_priority"])
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		Addr:             ":8080",
		DataDir:          "/d",
		TemplatesDir:     "/d/t",
		ExportDir:        "/d/e",
		WaitDir:          "/d/w",
		Salt:             "x",
		SignVerification: true,
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty salt", mutate: func(c *Config) { c.Salt = "" }, wantErr: true},
		{name: "empty salt without verification", mutate: func(c *Config) { c.Salt = ""; c.SignVerification = false }},
		{name: "no wait dir", mutate: func(c *Config) { c.WaitDir = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
