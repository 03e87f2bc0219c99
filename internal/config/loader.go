package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultMaxBodySize caps webhook request bodies when max_body_size is unset.
const DefaultMaxBodySize int64 = 1 << 20

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validate = validator.New()

// Load reads, verifies, interpolates and validates the config file at configPath.
// A directory may be passed, in which case config.yaml inside it is used.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	applyConfigDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("%s failed %q constraint (value %v)", yamlPath(fe.Namespace()), fe.Tag(), redact(fe))
		}
		return err
	}

	for field, value := range map[string]string{
		"webhook.verify_token":  c.Webhook.VerifyToken,
		"webhook.app_secret":    c.Webhook.AppSecret,
		"platform.access_token": c.Platform.AccessToken,
		"crm.api_key":           c.CRM.APIKey,
		"api.api_key":           c.API.APIKey,
	} {
		if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}

	if _, err := ParseByteSize(c.Webhook.MaxBodySize); err != nil {
		return fmt.Errorf("webhook.max_body_size %q: %w", c.Webhook.MaxBodySize, err)
	}
	if c.API.Enabled && c.API.Listen == c.Webhook.Listen {
		return fmt.Errorf("api.listen and webhook.listen must differ (both %q)", c.API.Listen)
	}
	return nil
}

// MaxBodyBytes returns the parsed webhook body limit.
func (w WebhookConfig) MaxBodyBytes() int64 {
	n, err := ParseByteSize(w.MaxBodySize)
	if err != nil {
		return DefaultMaxBodySize
	}
	return n
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Webhook.Listen == "" {
		cfg.Webhook.Listen = defaults.Webhook.Listen
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = defaults.Webhook.Path
	}
	if cfg.Webhook.MaxBodySize == "" {
		cfg.Webhook.MaxBodySize = defaults.Webhook.MaxBodySize
	}

	if cfg.Platform.BaseURL == "" {
		cfg.Platform.BaseURL = defaults.Platform.BaseURL
	}
	cfg.Platform.BaseURL = strings.TrimRight(cfg.Platform.BaseURL, "/")
	cfg.Platform.AlternateURL = strings.TrimRight(cfg.Platform.AlternateURL, "/")
	if cfg.Platform.Timeout == 0 {
		cfg.Platform.Timeout = defaults.Platform.Timeout
	}
	if cfg.Platform.RateLimit == 0 {
		cfg.Platform.RateLimit = defaults.Platform.RateLimit
	}
	if cfg.Platform.Burst == 0 {
		cfg.Platform.Burst = defaults.Platform.Burst
	}
	if cfg.Platform.ProfileFields == "" {
		cfg.Platform.ProfileFields = defaults.Platform.ProfileFields
	}

	if cfg.CRM.BaseURL == "" {
		cfg.CRM.BaseURL = defaults.CRM.BaseURL
	}
	cfg.CRM.BaseURL = strings.TrimRight(cfg.CRM.BaseURL, "/")
	if cfg.CRM.HandleProperty == "" {
		cfg.CRM.HandleProperty = defaults.CRM.HandleProperty
	}
	if cfg.CRM.Timeout == 0 {
		cfg.CRM.Timeout = defaults.CRM.Timeout
	}

	if cfg.Automation.CooldownTTL == 0 {
		cfg.Automation.CooldownTTL = defaults.Automation.CooldownTTL
	}
	if cfg.Automation.FallbackName == "" {
		cfg.Automation.FallbackName = defaults.Automation.FallbackName
	}
	if cfg.Automation.SettingsCacheTTL == 0 {
		cfg.Automation.SettingsCacheTTL = defaults.Automation.SettingsCacheTTL
	}

	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = defaults.Workers.Count
	}
	if cfg.Workers.PollInterval == 0 {
		cfg.Workers.PollInterval = defaults.Workers.PollInterval
	}
	if cfg.Workers.MaxAttempts == 0 {
		cfg.Workers.MaxAttempts = defaults.Workers.MaxAttempts
	}
	if cfg.Workers.BackoffBase == 0 {
		cfg.Workers.BackoffBase = defaults.Workers.BackoffBase
	}
	if cfg.Workers.JobTimeout == 0 {
		cfg.Workers.JobTimeout = defaults.Workers.JobTimeout
	}
	if cfg.Workers.JobLogRetention == 0 {
		cfg.Workers.JobLogRetention = defaults.Workers.JobLogRetention
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// ParseByteSize parses size strings like "1MB", "512KB" or "2048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseByteSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"KB", 1 << 10},
		{"MB", 1 << 20},
		{"GB", 1 << 30},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}

// yamlPath turns a validator namespace like Config.Webhook.MaxBodySize into a
// snake_case yaml path for error messages.
func yamlPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	switch s {
	case "CRM":
		return "crm"
	case "API":
		return "api"
	case "BaseURL":
		return "base_url"
	case "AlternateURL":
		return "alternate_url"
	case "APIKey":
		return "api_key"
	case "CooldownTTL":
		return "cooldown_ttl"
	case "SettingsCacheTTL":
		return "settings_cache_ttl"
	case "WelcomeFirstDM":
		return "welcome_first_dm"
	}
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func redact(fe validator.FieldError) any {
	switch fe.Field() {
	case "AppSecret", "AccessToken", "APIKey", "VerifyToken":
		return "<redacted>"
	}
	return fe.Value()
}
