package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeChange lists the changed sections and safe attributes to log
// with them. DSNs are never logged since they may carry credentials.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_changed", oldCfg.Storage.DSN != newCfg.Storage.DSN),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.Int("scheduler.thread_count", newCfg.Scheduler.ThreadCount),
			logx.String("scheduler.polling_interval", newCfg.Scheduler.PollingInterval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if tasks := changedTasks(oldCfg.Tasks, newCfg.Tasks); len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.changed", strings.Join(tasks, ",")))
	}
	return changed, attrs
}

// RestartRequired reports whether the change touches anything the running
// scheduler cannot pick up in place. Logging and debug apply live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" && s != "debug" {
			return true
		}
	}
	return false
}

func changedTasks(a, b map[string]TaskConfig) []string {
	var out []string
	for name, tb := range b {
		if ta, ok := a[name]; !ok || !reflect.DeepEqual(ta, tb) {
			out = append(out, name)
		}
	}
	for name := range a {
		if _, ok := b[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
