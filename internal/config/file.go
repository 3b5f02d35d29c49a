package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML configuration file. Every field may be
// omitted; environment variables still override it.
type FileConfig struct {
	Addr string `yaml:"addr,omitempty"`

	Paths *PathsConfig `yaml:"paths,omitempty"`

	Callback *CallbackConfig `yaml:"callback,omitempty"`

	// TokenDefaults are extra template values applied to every submission.
	TokenDefaults map[string]string `yaml:"token_defaults,omitempty"`

	WatchQueue *bool `yaml:"watch_queue,omitempty"`
}

type PathsConfig struct {
	Data      string `yaml:"data,omitempty"`
	Templates string `yaml:"templates,omitempty"`
	Export    string `yaml:"export,omitempty"`
	Wait      string `yaml:"wait,omitempty"`
}

type CallbackConfig struct {
	BaseURL          string `yaml:"base_url,omitempty"`
	DatadirBaseURL   string `yaml:"datadir_base_url,omitempty"`
	Salt             string `yaml:"salt,omitempty"`
	SignVerification *bool  `yaml:"sign_verification,omitempty"`
}

func DefaultFilePaths() []string {
	paths := []string{"pipeline.yaml", "pipeline.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lecture-pipeline", "config.yaml"))
	}
	return paths
}

// LoadFile parses the YAML file at path. A missing file yields nil, nil.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse YAML %s: %w", path, err)
	}
	return &fc, nil
}

// FindAndLoadFile loads configPath when given (it must exist), otherwise the
// first file found in DefaultFilePaths. Nothing found yields nil.
func FindAndLoadFile(configPath string) (*FileConfig, string, error) {
	if configPath != "" {
		fc, err := LoadFile(configPath)
		if err != nil {
			return nil, "", err
		}
		if fc == nil {
			return nil, "", fmt.Errorf("config file not found: %s", configPath)
		}
		return fc, configPath, nil
	}
	for _, path := range DefaultFilePaths() {
		fc, err := LoadFile(path)
		if err != nil {
			return nil, "", err
		}
		if fc != nil {
			return fc, path, nil
		}
	}
	return nil, "", nil
}

func (fc *FileConfig) ApplyTo(cfg *Config) {
	if fc == nil {
		return
	}
	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if p := fc.Paths; p != nil {
		if p.Data != "" {
			cfg.DataDir = p.Data
		}
		if p.Templates != "" {
			cfg.TemplatesDir = p.Templates
		}
		if p.Export != "" {
			cfg.ExportDir = p.Export
		}
		if p.Wait != "" {
			cfg.WaitDir = p.Wait
		}
	}
	if cb := fc.Callback; cb != nil {
		if cb.BaseURL != "" {
			cfg.CallbackBaseURL = cb.BaseURL
		}
		if cb.DatadirBaseURL != "" {
			cfg.DatadirBaseURL = cb.DatadirBaseURL
		}
		if cb.Salt != "" {
			cfg.Salt = cb.Salt
		}
		if cb.SignVerification != nil {
			cfg.SignVerification = *cb.SignVerification
		}
	}
	if fc.WatchQueue != nil {
		cfg.WatchQueue = *fc.WatchQueue
	}
	if cfg.ExtraDefaults == nil {
		cfg.ExtraDefaults = map[string]string{}
	}
	for k, v := range fc.TokenDefaults {
		cfg.ExtraDefaults[k] = v
	}
}
