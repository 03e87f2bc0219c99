package config

import "time"

// Config represents the complete replyd configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Platform   PlatformConfig   `yaml:"platform"`
	CRM        CRMConfig        `yaml:"crm"`
	Automation AutomationConfig `yaml:"automation"`
	Workers    WorkersConfig    `yaml:"workers"`
	API        APIConfig        `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// WebhookConfig defines the inbound webhook listener.
type WebhookConfig struct {
	Listen      string `yaml:"listen" validate:"required"`
	Path        string `yaml:"path" validate:"required,startswith=/"`
	VerifyToken string `yaml:"verify_token"`
	AppSecret   string `yaml:"app_secret"`
	// AllowUnverified lets unsigned or mis-signed deliveries through. Development only.
	AllowUnverified bool   `yaml:"allow_unverified"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// PlatformConfig defines the messaging platform (Graph API) client.
type PlatformConfig struct {
	BaseURL       string        `yaml:"base_url" validate:"required,url"`
	AlternateURL  string        `yaml:"alternate_url" validate:"omitempty,url"`
	AccessToken   string        `yaml:"access_token"`
	PageID        string        `yaml:"page_id"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	RateLimit     float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst         int           `yaml:"burst" validate:"gte=1"`
	ProfileFields string        `yaml:"profile_fields"`
}

// CRMConfig defines the CRM client used for conversation logging.
type CRMConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BaseURL        string        `yaml:"base_url" validate:"required_if=Enabled true"`
	APIKey         string        `yaml:"api_key" validate:"required_if=Enabled true"`
	HandleProperty string        `yaml:"handle_property"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
}

// AutomationConfig defines cooldown-gated auto reply behavior.
type AutomationConfig struct {
	CooldownTTL      time.Duration     `yaml:"cooldown_ttl" validate:"gt=0"`
	FallbackName     string            `yaml:"fallback_name" validate:"required"`
	RecordSuppressed bool              `yaml:"record_suppressed"`
	WelcomeFirstDM   bool              `yaml:"welcome_first_dm"`
	SettingsCacheTTL time.Duration     `yaml:"settings_cache_ttl" validate:"gte=0"`
	Templates        map[string]string `yaml:"templates,omitempty"`
}

// WorkersConfig defines the background task pool.
type WorkersConfig struct {
	Count           int           `yaml:"count" validate:"gte=1,lte=64"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1"`
	BackoffBase     time.Duration `yaml:"backoff_base" validate:"gt=0"`
	JobTimeout      time.Duration `yaml:"job_timeout" validate:"gt=0"`
	JobLogRetention time.Duration `yaml:"job_log_retention" validate:"gte=0"`
}

// APIConfig defines the operational HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
	APIKey  string `yaml:"api_key"`
}

// ChecksumManifest is the on-disk .checksums file written by `config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "replyd",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/replyd.db",
		},
		Webhook: WebhookConfig{
			Listen:      "0.0.0.0:8080",
			Path:        "/webhooks/social",
			MaxBodySize: "1MB",
		},
		Platform: PlatformConfig{
			BaseURL:       "https://graph.facebook.com/v21.0",
			Timeout:       5 * time.Second,
			RateLimit:     20,
			Burst:         5,
			ProfileFields: "name,first_name,last_name,profile_pic,profile_picture_url,username",
		},
		CRM: CRMConfig{
			BaseURL:        "https://api.hubapi.com",
			HandleProperty: "instagram",
			Timeout:        10 * time.Second,
		},
		Automation: AutomationConfig{
			CooldownTTL:      12 * time.Hour,
			FallbackName:     "there",
			SettingsCacheTTL: 30 * time.Second,
		},
		Workers: WorkersConfig{
			Count:           2,
			PollInterval:    time.Second,
			MaxAttempts:     4,
			BackoffBase:     30 * time.Second,
			JobTimeout:      60 * time.Second,
			JobLogRetention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
	}
}
