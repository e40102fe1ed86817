package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"thumbq/internal/config"
	"thumbq/internal/observability/debug"
	"thumbq/internal/rescan"
	"thumbq/internal/storage"
	"thumbq/internal/transform/imaging"
	logx "thumbq/pkg/logx"
)

const (
	defaultOutputRoot  = "./public/static"
	defaultParallelism = 4
	defaultJPEGQuality = 80
)

// schedulerSettings are the resolved scheduler.* values.
type schedulerSettings struct {
	Workers      int
	DrainTimeout time.Duration
}

type progressSettings struct {
	Mode     string
	LogEvery time.Duration
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	out := schedulerSettings{Workers: cfg.Scheduler.Workers}
	if out.Workers < 0 {
		return out, fmt.Errorf("scheduler.workers must be >= 0")
	}
	if out.Workers == 0 {
		out.Workers = 1
	}
	d, err := config.ParseDurationField("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout)
	if err != nil {
		return out, err
	}
	out.DrainTimeout = d
	return out, nil
}

func mapOutputRoot(cfg *config.Config) (string, error) {
	root := strings.TrimSpace(cfg.Output.Root)
	if root == "" {
		root = defaultOutputRoot
	}
	return filepath.Abs(root)
}

func mapTransformConfig(cfg *config.Config, log logx.Logger) imaging.Config {
	out := imaging.Config{
		Parallelism: cfg.Transform.Parallelism,
		JPEGQuality: cfg.Transform.JPEGQuality,
		Log:         log,
	}
	if out.Parallelism <= 0 {
		out.Parallelism = defaultParallelism
	}
	if out.JPEGQuality <= 0 {
		out.JPEGQuality = defaultJPEGQuality
	}
	return out
}

func mapProgressConfig(cfg *config.Config) (progressSettings, error) {
	every, err := config.ParseDurationOrDefault("progress.log_every", cfg.Progress.LogEvery, 2*time.Second)
	if err != nil {
		return progressSettings{}, err
	}
	return progressSettings{Mode: cfg.Progress.Mode, LogEvery: every}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./data/thumbq.json"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapDebugConfig validates and converts the debug section. It never starts
// the server.
func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Prefix:               strings.TrimSpace(dc.Prefix),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		Metrics:              dc.Metrics,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 keeps /profile and /trace usable.
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if out.MutexProfileFraction < 0 {
		return out, fmt.Errorf("debug.mutex_profile_fraction must be >= 0")
	}
	if out.BlockProfileRate < 0 {
		return out, fmt.Errorf("debug.block_profile_rate must be >= 0")
	}

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !isLoopback(out.Addr) {
			return out, fmt.Errorf("debug: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func mapRescanConfig(cfg *config.Config, manifestPath string) (rescan.Config, error) {
	out := rescan.Config{
		Cron:  strings.TrimSpace(cfg.Rescan.Cron),
		Watch: cfg.Rescan.Watch,
		Path:  manifestPath,
	}
	d, err := config.ParseDurationField("rescan.debounce", cfg.Rescan.Debounce)
	if err != nil {
		return out, err
	}
	out.Debounce = d
	if out.Cron != "" {
		if _, err := rescan.ParseSchedule(out.Cron); err != nil {
			return out, fmt.Errorf("rescan.cron: %w", err)
		}
	}
	return out, nil
}

// validateConfig gates both the initial load and every hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapDebugConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRescanConfig(cfg, ""); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return nil
}
