package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name:    "empty config takes defaults",
			yaml:    "{}\n",
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "replyd" {
					t.Errorf("service.name = %q", cfg.Service.Name)
				}
				if cfg.Webhook.Path != "/webhooks/social" {
					t.Errorf("webhook.path = %q", cfg.Webhook.Path)
				}
				if cfg.Automation.CooldownTTL != 12*time.Hour {
					t.Errorf("cooldown_ttl = %v, want 12h", cfg.Automation.CooldownTTL)
				}
				if cfg.Automation.FallbackName != "there" {
					t.Errorf("fallback_name = %q", cfg.Automation.FallbackName)
				}
				if cfg.Platform.Timeout != 5*time.Second {
					t.Errorf("platform.timeout = %v", cfg.Platform.Timeout)
				}
				if cfg.Webhook.AllowUnverified {
					t.Error("allow_unverified must default to false")
				}
				if cfg.Webhook.MaxBodyBytes() != DefaultMaxBodySize {
					t.Errorf("max body = %d", cfg.Webhook.MaxBodyBytes())
				}
			},
		},
		{
			name: "explicit values and env var interpolation",
			yaml: `
service:
  log_level: DEBUG
state:
  path: ${REPLYD_DB}
webhook:
  listen: 127.0.0.1:8088
  verify_token: ${REPLYD_VERIFY}
  app_secret: ${REPLYD_SECRET}
  max_body_size: 512KB
platform:
  base_url: https://graph.example.com/v21.0/
  access_token: ${REPLYD_TOKEN}
  page_id: "1784"
crm:
  enabled: true
  api_key: ${REPLYD_CRM}
automation:
  cooldown_ttl: 1h
  record_suppressed: true
  templates:
    story_reply_template: "Thanks {first_name}!"
workers:
  count: 4
`,
			env: map[string]string{
				"REPLYD_DB":     "/tmp/replyd-test.db",
				"REPLYD_VERIFY": "verify-me",
				"REPLYD_SECRET": "s3cret",
				"REPLYD_TOKEN":  "tok",
				"REPLYD_CRM":    "crm-key",
			},
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log_level not normalised: %q", cfg.Service.LogLevel)
				}
				if cfg.State.Path != "/tmp/replyd-test.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				if cfg.Webhook.VerifyToken != "verify-me" || cfg.Webhook.AppSecret != "s3cret" {
					t.Error("webhook secrets not interpolated")
				}
				if cfg.Webhook.MaxBodyBytes() != 512*1024 {
					t.Errorf("max body = %d", cfg.Webhook.MaxBodyBytes())
				}
				if cfg.Platform.BaseURL != "https://graph.example.com/v21.0" {
					t.Errorf("base_url trailing slash not trimmed: %q", cfg.Platform.BaseURL)
				}
				if !cfg.CRM.Enabled || cfg.CRM.APIKey != "crm-key" {
					t.Error("crm not parsed")
				}
				if cfg.Automation.CooldownTTL != time.Hour || !cfg.Automation.RecordSuppressed {
					t.Error("automation not parsed")
				}
				if cfg.Automation.Templates["story_reply_template"] != "Thanks {first_name}!" {
					t.Error("templates not parsed")
				}
				if cfg.Workers.Count != 4 || cfg.Workers.MaxAttempts != 4 {
					t.Error("workers not parsed or defaulted")
				}
			},
		},
		{
			name: "unresolved secret",
			yaml: `
webhook:
  app_secret: ${REPLYD_UNSET_SECRET_FOR_TEST}
`,
			wantErr: true,
		},
		{
			name: "crm enabled without api key",
			yaml: `
crm:
  enabled: true
`,
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: chatty
`,
			wantErr: true,
		},
		{
			name: "invalid max body size",
			yaml: `
webhook:
  max_body_size: lots
`,
			wantErr: true,
		},
		{
			name: "api shares webhook listener",
			yaml: `
webhook:
  listen: 127.0.0.1:8080
api:
  enabled: true
  listen: 127.0.0.1:8080
`,
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [unterminated\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			cfgPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(cfgPath, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(cfgPath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.SourcePath != filepath.Join(tmpDir, "config.yaml") {
		t.Errorf("SourcePath = %q", cfg.SourcePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("REPLYD_TEST_VAR", "value")

	tests := []struct {
		in   string
		want string
	}{
		{"${REPLYD_TEST_VAR}", "value"},
		{"prefix-${REPLYD_TEST_VAR}-suffix", "prefix-value-suffix"},
		{"${REPLYD_UNDEFINED_FOR_TEST}", "${REPLYD_UNDEFINED_FOR_TEST}"},
		{"$REPLYD_TEST_VAR", "$REPLYD_TEST_VAR"},
		{"no vars", "no vars"},
	}
	for _, tt := range tests {
		if got := interpolateEnv(tt.in); got != tt.want {
			t.Errorf("interpolateEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", DefaultMaxBodySize, false},
		{"2048", 2048, false},
		{"1kb", 1024, false},
		{"2MB", 2 << 20, false},
		{"1GB", 1 << 30, false},
		{"0", 0, true},
		{"-5MB", 0, true},
		{"big", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseByteSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestYAMLPath(t *testing.T) {
	if got := yamlPath("Config.Webhook.MaxBodySize"); got != "webhook.max_body_size" {
		t.Errorf("yamlPath = %q", got)
	}
	if got := yamlPath("Config.CRM.APIKey"); got != "crm.api_key" {
		t.Errorf("yamlPath = %q", got)
	}
}
