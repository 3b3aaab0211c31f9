package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"

	"kproc/pkg/kernel"
	"kproc/pkg/process"
)

// envPrefix prefixes the environment variables that override flags, as
// in KPROC_LOG_LEVEL.
const envPrefix = "KPROC"

// settings are resolved from flags, KPROC_* variables and the optional
// config file, in that order of precedence.
type settings struct {
	Manifest        string        `mapstructure:"manifest"`
	LogLevel        string        `mapstructure:"log-level"`
	Metrics         bool          `mapstructure:"metrics"`
	MetricsInterval time.Duration `mapstructure:"metrics-interval"`
	Shell           string        `mapstructure:"shell"`
	MaxProcesses    int           `mapstructure:"max-processes"`
	MaxThreads      int           `mapstructure:"max-threads"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func addSettingsFlags(cmd *cobra.Command) {
	limits := process.DefaultLimits()
	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (toml, yaml or json)")
	pf.String("log-level", "warn", "log level: debug, info, warn or error")
	pf.Bool("metrics", false, "export kernel metrics to stdout")
	pf.Duration("metrics-interval", 10*time.Second, "interval between metric exports")
	pf.String("shell", "/bin/sh", "interpreter for images that are neither ELF nor #! scripts")
	pf.Int("max-processes", limits.MaxProcesses, "maximum number of processes (0 for no limit)")
	pf.Int("max-threads", limits.MaxThreads, "maximum number of threads per process (0 for no limit)")
	pf.Duration("timeout", 30*time.Second, "how long to wait for init to exit")
}

// loadSettings resolves the settings of cmd.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if s.MaxProcesses < 0 || s.MaxThreads < 0 {
		return nil, fmt.Errorf("limits must not be negative")
	}
	return &s, nil
}

func (s *settings) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", s.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func (s *settings) kernelConfig(log *slog.Logger, meter metric.Meter) *kernel.Config {
	cfg := kernel.DefaultConfig()
	cfg.Shell = s.Shell
	cfg.Limits = &process.Limits{
		MaxProcesses: s.MaxProcesses,
		MaxThreads:   s.MaxThreads,
	}
	cfg.Logger = log.With("component", "kernel")
	cfg.Meter = meter
	return cfg
}
