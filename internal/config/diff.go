package config

import (
	"reflect"
	"sort"
	"strings"

	logx "thumbq/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes the debug token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.drain_timeout", strings.TrimSpace(newCfg.Scheduler.DrainTimeout)),
		)
	}

	if strings.TrimSpace(oldCfg.Output.Root) != strings.TrimSpace(newCfg.Output.Root) {
		changed = append(changed, "output")
		attrs = append(attrs, logx.String("output.root", strings.TrimSpace(newCfg.Output.Root)))
	}

	if oldCfg.Transform != newCfg.Transform {
		changed = append(changed, "transform")
		attrs = append(attrs,
			logx.Int("transform.parallelism", newCfg.Transform.Parallelism),
			logx.Int("transform.jpeg_quality", newCfg.Transform.JPEGQuality),
		)
	}

	if oldCfg.Progress != newCfg.Progress {
		changed = append(changed, "progress")
		attrs = append(attrs,
			logx.String("progress.mode", strings.TrimSpace(newCfg.Progress.Mode)),
			logx.String("progress.log_every", strings.TrimSpace(newCfg.Progress.LogEvery)),
		)
	}

	// Debug server (never log token)
	oD, nD := oldCfg.Debug, newCfg.Debug
	oTokenSet, nTokenSet := strings.TrimSpace(oD.Token) != "", strings.TrimSpace(nD.Token) != ""
	oD.Token, nD.Token = "", ""
	if oD != nD || oTokenSet != nTokenSet {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("debug.metrics", nD.Metrics),
			logx.Bool("debug.token_set", nTokenSet),
			logx.Bool("debug.allow_insecure", nD.AllowInsecure),
		)
	}

	if oldCfg.Rescan != newCfg.Rescan {
		changed = append(changed, "rescan")
		attrs = append(attrs,
			logx.String("rescan.cron", strings.TrimSpace(newCfg.Rescan.Cron)),
			logx.Bool("rescan.watch", newCfg.Rescan.Watch),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that cannot be applied to a running process.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "output", "transform", "scheduler":
			out = append(out, s)
		}
	}
	return out
}
