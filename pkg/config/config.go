// Package config loads the snapverify configuration from YAML, a .env file
// and the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/webhook"
)

// DefaultPath is the configuration file looked up in the working directory.
const DefaultPath = "snapverify.yaml"

// Config is the complete snapverify configuration. It is loaded once and
// passed explicitly to every component constructor.
type Config struct {
	Backup      BackupConfig   `yaml:"backup"`
	Advisor     AdvisorConfig  `yaml:"advisor"`
	Console     ConsoleConfig  `yaml:"console"`
	Guest       GuestConfig    `yaml:"guest"`
	Output      OutputConfig   `yaml:"output"`
	Logging     LoggingConfig  `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Webhooks    webhook.Config `yaml:"webhooks"`
	Concurrency int            `yaml:"concurrency"`
}

// BackupConfig configures the backup-management API client.
type BackupConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BootTimeout    time.Duration `yaml:"boot_timeout"`
	VMName         string        `yaml:"vm_name"`
	CPU            int           `yaml:"cpu,omitempty"`
	MemoryMB       int           `yaml:"memory_mb,omitempty"`
	ViewerURL      string        `yaml:"viewer_url"`
	PageSize       int           `yaml:"page_size"`
}

// VMNamePrefix returns the literal prefix of VMName before its first placeholder.
func (b BackupConfig) VMNamePrefix() string {
	if i := strings.Index(b.VMName, "{"); i >= 0 {
		return b.VMName[:i]
	}
	return b.VMName
}

// AdvisorConfig configures the OpenAI-compatible chat endpoint.
type AdvisorConfig struct {
	BaseURL               string        `yaml:"base_url"`
	APIKey                string        `yaml:"api_key"`
	Model                 string        `yaml:"model"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	MaxTokens             int           `yaml:"max_tokens"`
	SummaryTemperature    float64       `yaml:"summary_temperature"`
	CommandTemperature    float64       `yaml:"command_temperature"`
	MaxSummaryScreenshots int           `yaml:"max_summary_screenshots"`
}

// ConsoleConfig selects and tunes the remote-console driver.
type ConsoleConfig struct {
	Driver         string        `yaml:"driver"` // rfb, browser
	Headless       bool          `yaml:"headless"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BrowserPath    string        `yaml:"browser_path,omitempty"`
	WindowWidth    int           `yaml:"window_width"`
	WindowHeight   int           `yaml:"window_height"`
}

// GuestConfig configures how the Windows guest is driven.
type GuestConfig struct {
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	LoginRetries       int           `yaml:"login_retries"`
	LoginScreenTimeout time.Duration `yaml:"login_screen_timeout"`
	LoginPollInterval  time.Duration `yaml:"login_poll_interval"`
	PostLoginDelay     time.Duration `yaml:"post_login_delay"`
	InputDelay         time.Duration `yaml:"input_delay"`
	SettleDelay        time.Duration `yaml:"settle_delay"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	CommandPoll        time.Duration `yaml:"command_poll"`
	SecureAttention    string        `yaml:"secure_attention"` // auto, always, never
	RevealPause        bool          `yaml:"reveal_pause"`
	RevealDuration     time.Duration `yaml:"reveal_duration"`
	DisableScreenLock  bool          `yaml:"disable_screen_lock"`
}

// OutputConfig configures where artifacts are written.
type OutputConfig struct {
	ReportDir     string `yaml:"report_dir"`
	ScreenshotDir string `yaml:"screenshot_dir"`
	HistoryDB     string `yaml:"history_db"`
	TrailDir      string `yaml:"trail_dir"`
	HTML          bool   `yaml:"html"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	hooks := webhook.DefaultConfig()
	hooks.Enabled = false
	return &Config{
		Backup: BackupConfig{
			BaseURL:        "https://api.slide.tech",
			RequestTimeout: 60 * time.Second,
			PollInterval:   5 * time.Second,
			BootTimeout:    300 * time.Second,
			VMName:         "snapverify-{agent}-{stamp}",
			ViewerURL:      "https://slide.recipes/mcpTools/vncViewer.php",
			PageSize:       50,
		},
		Advisor: AdvisorConfig{
			BaseURL:               "https://api.openai.com/v1",
			Model:                 "gpt-4-turbo-preview",
			RequestTimeout:        60 * time.Second,
			MaxTokens:             1000,
			SummaryTemperature:    0.5,
			CommandTemperature:    0.2,
			MaxSummaryScreenshots: 4,
		},
		Console: ConsoleConfig{
			Driver:         "rfb",
			Headless:       true,
			ConnectTimeout: 60 * time.Second,
			WindowWidth:    1280,
			WindowHeight:   1024,
		},
		Guest: GuestConfig{
			Username:           "Administrator",
			LoginRetries:       3,
			LoginScreenTimeout: 120 * time.Second,
			LoginPollInterval:  10 * time.Second,
			PostLoginDelay:     15 * time.Second,
			InputDelay:         50 * time.Millisecond,
			SettleDelay:        2 * time.Second,
			CommandTimeout:     60 * time.Second,
			CommandPoll:        3 * time.Second,
			SecureAttention:    "auto",
			RevealDuration:     30 * time.Second,
			DisableScreenLock:  true,
		},
		Output: OutputConfig{
			ReportDir:     "reports",
			ScreenshotDir: "screenshots",
			HistoryDB:     "reports/history.db",
			TrailDir:      "reports/trails",
			HTML:          true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Webhooks:    *hooks,
		Concurrency: 2,
	}
}

// Load loads configuration from path on top of the defaults.
// Returns default config if the file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// EnvLookup returns a LookupFunc that prefers the process environment and
// falls back to values read from envFile. A missing envFile is not an error.
func EnvLookup(envFile string) (LookupFunc, error) {
	fileVars := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		if vars != nil {
			fileVars = vars
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides cfg fields from the environment.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	secs := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errclass.ErrConfigInvalid.WithMessagef("%s: %q is not a number of seconds", key, v)
		}
		*dst = time.Duration(n) * time.Second
		return nil
	}

	str("SLIDE_API_KEY", &c.Backup.APIKey)
	str("SLIDE_API_BASE_URL", &c.Backup.BaseURL)
	str("OPENAI_API_KEY", &c.Advisor.APIKey)
	str("OPENAI_API_BASE_URL", &c.Advisor.BaseURL)
	str("OPENAI_MODEL", &c.Advisor.Model)
	str("WINDOWS_USERNAME", &c.Guest.Username)
	str("WINDOWS_PASSWORD", &c.Guest.Password)
	str("REPORT_OUTPUT_DIR", &c.Output.ReportDir)
	str("SCREENSHOT_DIR", &c.Output.ScreenshotDir)

	for key, dst := range map[string]*time.Duration{
		"VM_BOOT_TIMEOUT":         &c.Backup.BootTimeout,
		"VM_OPERATION_TIMEOUT":    &c.Guest.CommandTimeout,
		"VM_LOGIN_SCREEN_TIMEOUT": &c.Guest.LoginScreenTimeout,
	} {
		if err := secs(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch {
	case c.Backup.APIKey == "":
		return errclass.ErrConfigInvalid.WithMessage("backup api key is required (SLIDE_API_KEY)")
	case c.Advisor.APIKey == "":
		return errclass.ErrConfigInvalid.WithMessage("advisor api key is required (OPENAI_API_KEY)")
	case c.Guest.Password == "":
		return errclass.ErrConfigInvalid.WithMessage("guest password is required (WINDOWS_PASSWORD)")
	case c.Guest.LoginRetries < 1:
		return errclass.ErrConfigInvalid.WithMessagef("login_retries must be at least 1, got %d", c.Guest.LoginRetries)
	case c.Backup.BootTimeout <= 0:
		return errclass.ErrConfigInvalid.WithMessage("boot_timeout must be positive")
	case c.Backup.PollInterval <= 0:
		return errclass.ErrConfigInvalid.WithMessage("poll_interval must be positive")
	case c.Guest.CommandTimeout <= 0:
		return errclass.ErrConfigInvalid.WithMessage("command_timeout must be positive")
	case c.Concurrency < 1:
		return errclass.ErrConfigInvalid.WithMessagef("concurrency must be at least 1, got %d", c.Concurrency)
	}
	switch c.Console.Driver {
	case "rfb", "browser":
	default:
		return errclass.ErrConfigInvalid.WithMessagef("unknown console driver %q", c.Console.Driver)
	}
	switch c.Guest.SecureAttention {
	case "auto", "always", "never":
	default:
		return errclass.ErrConfigInvalid.WithMessagef("secure_attention must be auto, always or never, got %q", c.Guest.SecureAttention)
	}
	return nil
}

const redacted = "****"

// Redacted returns a copy of c with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out.Backup.APIKey = mask(c.Backup.APIKey)
	out.Advisor.APIKey = mask(c.Advisor.APIKey)
	out.Guest.Password = mask(c.Guest.Password)
	out.Webhooks.Hooks = make([]webhook.HookConfig, len(c.Webhooks.Hooks))
	for i, h := range c.Webhooks.Hooks {
		h.Secret = mask(h.Secret)
		out.Webhooks.Hooks[i] = h
	}
	return &out
}
