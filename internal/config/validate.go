package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate checks values that strict decoding cannot: durations, enums and ranges.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("registry.async_timeout", cfg.Registry.AsyncTimeout)
	if cfg.Registry.MaxConcurrentAsync < 0 {
		errs = append(errs, errors.New("registry.max_concurrent_async must be >= 0"))
	}

	if loc := cfg.Providers.Location; loc != nil {
		if loc.Latitude < -90 || loc.Latitude > 90 {
			errs = append(errs, fmt.Errorf("providers.location.latitude out of range: %v", loc.Latitude))
		}
		if loc.Longitude < -180 || loc.Longitude > 180 {
			errs = append(errs, fmt.Errorf("providers.location.longitude out of range: %v", loc.Longitude))
		}
	}
	if w := cfg.Providers.Weather; w != nil {
		dur("providers.weather.cache_ttl", w.CacheTTL)
		dur("providers.weather.timeout", w.Timeout)
		if w.Enabled && strings.TrimSpace(w.APIKey) == "" {
			errs = append(errs, errors.New("providers.weather.api_key is required when enabled"))
		}
	}
	if g := cfg.Providers.GeoIP; g != nil {
		dur("providers.geoip.cache_ttl", g.CacheTTL)
	}
	for label := range cfg.Providers.Paths {
		if strings.TrimSpace(label) == "" || strings.ContainsAny(label, " \t.") {
			errs = append(errs, fmt.Errorf("providers.paths: invalid label %q", label))
		}
	}
	for name, v := range cfg.Providers.Static {
		switch v.(type) {
		case string, bool, float64:
		default:
			errs = append(errs, fmt.Errorf("providers.static.%s: unsupported value %T", name, v))
		}
	}

	if ns := strings.TrimSpace(cfg.Scheduler.Namespace); ns != "" && !strings.HasSuffix(ns, ".") {
		errs = append(errs, fmt.Errorf("scheduler.namespace %q must end with '.'", ns))
	}
	if cfg.Scheduler.MaxScheduled < 0 {
		errs = append(errs, errors.New("scheduler.max_scheduled must be >= 0"))
	}
	if cfg.Scheduler.MaxCallsPerSecond < 0 {
		errs = append(errs, errors.New("scheduler.max_calls_per_second must be >= 0"))
	}

	dur("background.safety_margin", cfg.Background.SafetyMargin)
	dur("background.retry_after", cfg.Background.RetryAfter)
	dur("background.idle_interval", cfg.Background.IdleInterval)

	dur("host.budget", cfg.Host.Budget)
	dur("host.min_wake_interval", cfg.Host.MinWakeInterval)
	dur("host.delivery_interval", cfg.Host.DeliveryInterval)
	if spec := strings.TrimSpace(cfg.Host.RefreshCron); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("host.refresh_cron: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Host.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("host.timezone: %w", err))
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Host.Deliverer)) {
	case "", "log", "dbus":
	default:
		errs = append(errs, fmt.Errorf("host.deliverer: unknown %q (want log or dbus)", cfg.Host.Deliverer))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	return errors.Join(errs...)
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
