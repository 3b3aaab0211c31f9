package kernel

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"kproc/pkg/mm"
	"kproc/pkg/process"
	"kproc/pkg/vfs"
)

// DefaultShell runs images that are neither ELF executables nor scripts.
const DefaultShell = "/usr/bin/busybox"

// maxInterpDepth bounds the chain of #! interpreters.
const maxInterpDepth = 4

// Config holds kernel configuration.
type Config struct {
	// Shell is exec'd as "sh <path>" for images that are neither ELF nor
	// #! scripts.
	Shell string
	// Cwd is the working directory of init when its environment carries
	// no PWD.
	Cwd      string
	MaxFiles int
	Limits   *process.Limits
	Loader   mm.Loader
	Logger   *slog.Logger
	Meter    metric.Meter
}

// DefaultConfig returns the default kernel configuration.
func DefaultConfig() *Config {
	return &Config{
		Shell:    DefaultShell,
		Cwd:      "/",
		MaxFiles: vfs.DefaultMaxFiles,
		Limits:   process.DefaultLimits(),
		Loader:   mm.NewELFLoader(),
		Logger:   slog.Default().With("component", "kernel"),
		Meter:    otel.Meter(instrumentationScope),
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.Shell == "" {
		out.Shell = d.Shell
	}
	if out.Cwd == "" {
		out.Cwd = d.Cwd
	}
	if out.MaxFiles <= 0 {
		out.MaxFiles = d.MaxFiles
	}
	if out.Limits == nil {
		out.Limits = d.Limits
	}
	if out.Loader == nil {
		out.Loader = d.Loader
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	if out.Meter == nil {
		out.Meter = d.Meter
	}
	return &out
}
