package cli

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/internal/backup"
	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/logging"
	"github.com/snapverify-project/snapverify/pkg/metrics"
)

// loadConfig merges defaults, the config file, the env file and the
// process environment, then applies the global log flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	lookup, err := config.EnvLookup(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

// setupLogger installs the process logger described by cfg.
func setupLogger(cfg *config.Config) (logr.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return logr.Discard(), errclass.ErrConfigInvalid.WithMessage(err.Error())
	}
	return logging.Setup(logging.Options{Level: level, Format: cfg.Logging.Format})
}

// requireConfig loads the configuration and logger or exits with an error.
func requireConfig() (*config.Config, logr.Logger) {
	cfg, err := loadConfig()
	if err != nil {
		fmtErr("load config: %v", err)
		os.Exit(1)
	}
	log, err := setupLogger(cfg)
	if err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
	return cfg, log
}

// newBackupClient returns the backup API client, or an error naming the
// missing key.
func newBackupClient(cfg *config.Config, log logr.Logger) (*backup.Client, error) {
	if cfg.Backup.APIKey == "" {
		return nil, errclass.ErrConfigInvalid.WithMessage("backup api key is required\n  " + suggestConfig("SLIDE_API_KEY"))
	}
	return backup.NewClient(cfg.Backup, log), nil
}

// newAdvisor returns nil when no advisor key is configured; runs then
// degrade to unverified steps and the placeholder summary.
func newAdvisor(cfg *config.Config, log logr.Logger, reg *metrics.Registry) *advisor.Client {
	if cfg.Advisor.APIKey == "" {
		return nil
	}
	return advisor.NewClient(cfg.Advisor, log, reg)
}

func fmtErr(format string, args ...any) {
	prefix := "snapverify: "
	if color.Enabled() {
		prefix = color.Error("snapverify:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
