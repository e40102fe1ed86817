package config

import (
	"errors"
	"fmt"
	"strings"

	logx "thumbq/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks field-level constraints. It does not resolve defaults.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	check := func(err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if cfg.Scheduler.Workers < 0 {
		add("scheduler.workers must be >= 0")
	}
	_, err := ParseDurationField("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout)
	check(err)

	if cfg.Transform.Parallelism < 0 {
		add("transform.parallelism must be >= 0")
	}
	if q := cfg.Transform.JPEGQuality; q < 0 || q > 100 {
		add("transform.jpeg_quality must be within 0..100 (got %d)", q)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Progress.Mode)) {
	case "", "auto", "bar", "log", "off":
	default:
		add("progress.mode: unknown mode %q", cfg.Progress.Mode)
	}
	_, err = ParseDurationField("progress.log_every", cfg.Progress.LogEvery)
	check(err)

	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required when storage.driver=%s", d)
			}
		default:
			add("unknown storage.driver: %s", s.Driver)
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		check(err)
	}

	for _, f := range []struct{ key, raw string }{
		{"debug.read_timeout", cfg.Debug.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout},
		{"debug.idle_timeout", cfg.Debug.IdleTimeout},
		{"rescan.debounce", cfg.Rescan.Debounce},
	} {
		_, err = ParseDurationField(f.key, f.raw)
		check(err)
	}

	return errors.Join(errs...)
}
