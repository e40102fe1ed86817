package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls batch execution.
	Scheduler SchedulerConfig `json:"scheduler"`

	Output    OutputConfig    `json:"output"`
	Transform TransformConfig `json:"transform"`
	Progress  ProgressConfig  `json:"progress"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
	Rescan  RescanConfig   `json:"rescan,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the derivative job scheduler.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1 (batches run one at a time)
//   - drain_timeout: "0s" (wait forever)
type SchedulerConfig struct {
	Workers int `json:"workers,omitempty"`

	// DrainTimeout bounds how long a one-shot run waits for the queue to empty.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// OutputConfig controls where derivatives are written.
type OutputConfig struct {
	// Root is the directory derivative paths are resolved under. Default: "./public/static".
	Root string `json:"root"`
}

// TransformConfig controls the image transform.
//
// Defaults:
//   - parallelism: 4 (variants of one input encoded concurrently)
//   - jpeg_quality: 80
type TransformConfig struct {
	Parallelism int `json:"parallelism,omitempty"`
	JPEGQuality int `json:"jpeg_quality,omitempty"`
}

// ProgressConfig controls backlog progress reporting.
//
// Mode is one of auto|bar|log|off. auto renders a bar on a terminal and
// periodic log lines otherwise.
type ProgressConfig struct {
	Mode string `json:"mode,omitempty"`
	// LogEvery is the minimum interval between progress log lines (log mode).
	LogEvery string `json:"log_every,omitempty"`
}

// StorageConfig controls the optional job-tracking store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./thumbq.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server (pprof, metrics, health).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Metrics exposes Prometheus metrics on /metrics.
	Metrics bool `json:"metrics,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// RescanConfig controls daemon-mode resubmission of the manifest.
type RescanConfig struct {
	// Cron is a cron spec (5 or 6 fields, seconds optional). Empty disables periodic rescans.
	Cron string `json:"cron,omitempty"`
	// Watch resubmits when the manifest file changes.
	Watch bool `json:"watch,omitempty"`
	// Debounce delays a watch-triggered rescan. Default: "500ms".
	Debounce string `json:"debounce,omitempty"`
}
