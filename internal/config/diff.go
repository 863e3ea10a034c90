package config

import (
	"sort"
	"strings"

	logx "momentkit/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (weather api_key) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.App != newCfg.App {
		changed = append(changed, "app")
		attrs = append(attrs,
			logx.String("app.id", newCfg.App.ID),
			logx.String("app.version", newCfg.App.Version),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.json", newCfg.Logging.JSON),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.async_timeout", strings.TrimSpace(newCfg.Registry.AsyncTimeout)),
			logx.Int("registry.max_concurrent_async", newCfg.Registry.MaxConcurrentAsync),
			logx.Bool("registry.strict_schema", newCfg.Registry.StrictSchema),
		)
	}

	if providersChanged(oldCfg.Providers, newCfg.Providers) {
		changed = append(changed, "providers")
		p := newCfg.Providers
		attrs = append(attrs,
			logx.Bool("providers.location_set", p.Location != nil),
			logx.Bool("providers.weather_enabled", p.Weather != nil && p.Weather.Enabled),
			logx.Bool("providers.weather_key_set", p.Weather != nil && strings.TrimSpace(p.Weather.APIKey) != ""),
			logx.Bool("providers.geoip_enabled", p.GeoIP != nil && p.GeoIP.Enabled),
			logx.Bool("providers.reachability_enabled", p.Reachability != nil && p.Reachability.Enabled),
			logx.Int("providers.paths", len(p.Paths)),
			logx.Int("providers.static", len(p.Static)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.namespace", newCfg.Scheduler.Namespace),
			logx.Int("scheduler.max_scheduled", newCfg.Scheduler.MaxScheduled),
			logx.Float64("scheduler.max_calls_per_second", newCfg.Scheduler.MaxCallsPerSecond),
		)
	}

	if oldCfg.Background != newCfg.Background {
		changed = append(changed, "background")
		attrs = append(attrs,
			logx.String("background.task_id", newCfg.Background.TaskID),
			logx.String("background.safety_margin", newCfg.Background.SafetyMargin),
			logx.String("background.retry_after", newCfg.Background.RetryAfter),
		)
	}

	if oldCfg.Host != newCfg.Host {
		changed = append(changed, "host")
		attrs = append(attrs,
			logx.String("host.budget", newCfg.Host.Budget),
			logx.String("host.refresh_cron", newCfg.Host.RefreshCron),
			logx.String("host.deliverer", newCfg.Host.Deliverer),
		)
	}

	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if oldCfg.PlanFile != newCfg.PlanFile || oldCfg.ManifestFile != newCfg.ManifestFile || oldCfg.DevMode != newCfg.DevMode {
		changed = append(changed, "files")
		attrs = append(attrs,
			logx.String("plan_file", newCfg.PlanFile),
			logx.String("manifest_file", newCfg.ManifestFile),
			logx.Bool("dev_mode", newCfg.DevMode),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func providersChanged(a, b ProvidersConfig) bool {
	return HashJSON(a) != HashJSON(b)
}

// RestartRequired reports whether any changed section can only take effect
// on restart. Logging is applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}
