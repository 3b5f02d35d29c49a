package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Addr             string
	DataDir          string
	TemplatesDir     string
	ExportDir        string
	WaitDir          string
	Salt             string
	SignVerification bool
	CallbackBaseURL  string
	DatadirBaseURL   string
	WatchQueue       bool
	// ExtraDefaults are merged into every token's values below caller values.
	ExtraDefaults map[string]string
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, later sources winning.
func Load() (Config, error) {
	cfg := Config{
		Addr:             ":8080",
		DataDir:          filepath.Join("..", "local-data"),
		SignVerification: true,
		CallbackBaseURL:  "http://localhost:8080/",
		ExtraDefaults:    map[string]string{},
	}

	fc, _, err := FindAndLoadFile(os.Getenv("PIPELINE_CONFIG"))
	if err != nil {
		return Config{}, err
	}
	fc.ApplyTo(&cfg)

	cfg.Addr = getenv("PIPELINE_ADDR", cfg.Addr)
	cfg.DataDir = getenv("PIPELINE_DATA_DIR", cfg.DataDir)
	cfg.TemplatesDir = getenv("PIPELINE_TEMPLATES_DIR", cfg.TemplatesDir)
	cfg.ExportDir = getenv("PIPELINE_EXPORT_DIR", cfg.ExportDir)
	cfg.WaitDir = getenv("PIPELINE_WAIT_DIR", cfg.WaitDir)
	cfg.Salt = getenv("PIPELINE_SALT", cfg.Salt)
	cfg.SignVerification = getenvBool("PIPELINE_SIGN_VERIFICATION", cfg.SignVerification)
	cfg.CallbackBaseURL = getenv("PIPELINE_CALLBACK_BASE_URL", cfg.CallbackBaseURL)
	cfg.DatadirBaseURL = getenv("PIPELINE_DATADIR_BASE_URL", cfg.DatadirBaseURL)
	cfg.WatchQueue = getenvBool("PIPELINE_WATCH_QUEUE", cfg.WatchQueue)

	if cfg.TemplatesDir == "" {
		cfg.TemplatesDir = filepath.Join(cfg.DataDir, "TEMPLATES", "BLOCKSET")
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = filepath.Join(cfg.DataDir, "DATA-EXPORT")
	}
	if cfg.WaitDir == "" {
		cfg.WaitDir = filepath.Join(cfg.DataDir, "PROCESSES", "005_submitter", "A_WAIT")
	}
	return cfg, nil
}

// Validate reports configuration that would make every submission or
// callback fail.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	for name, dir := range map[string]string{
		"data dir":      c.DataDir,
		"templates dir": c.TemplatesDir,
		"export dir":    c.ExportDir,
		"wait dir":      c.WaitDir,
	} {
		if strings.TrimSpace(dir) == "" {
			errs = append(errs, fmt.Errorf("%s is not set", name))
		}
	}
	if c.SignVerification && c.Salt == "" {
		errs = append(errs, errors.New("signature verification is on but PIPELINE_SALT is empty"))
	}
	return errors.Join(errs...)
}

// TokenDefaults returns the values every submitted token starts from.
func (c Config) TokenDefaults() map[string]string {
	out := map[string]string{
		"callback_base_url": c.CallbackBaseURL,
		"sge_priority":      "0",
	}
	if c.DatadirBaseURL != "" {
		out["datadir_base_url"] = c.DatadirBaseURL
	}
	for k, v := range c.ExtraDefaults {
		out[k] = v
	}
	return out
}

// EnsureDirs creates the directories the pipeline writes into.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.TemplatesDir, c.ExportDir, c.WaitDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
