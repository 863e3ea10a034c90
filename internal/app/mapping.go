package app

import (
	"fmt"
	"strings"
	"time"

	"momentkit/internal/background"
	"momentkit/internal/config"
	"momentkit/internal/host"
	"momentkit/internal/notifyplan"
	"momentkit/internal/property"
	"momentkit/internal/property/builtin"
	"momentkit/internal/storage"
	logx "momentkit/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRegistryConfig(cfg *Config) (property.Config, error) {
	timeout, err := parseDurationOrDefault("registry.async_timeout", cfg.Registry.AsyncTimeout, property.DefaultAsyncTimeout)
	if err != nil {
		return property.Config{}, err
	}
	return property.Config{
		AsyncTimeout:       timeout,
		MaxConcurrentAsync: cfg.Registry.MaxConcurrentAsync,
		Schema:             property.DefaultSchema(),
	}, nil
}

func mapBuiltinOptions(cfg *Config) (builtin.Options, error) {
	pc := cfg.Providers
	opts := builtin.Options{
		AppID:       cfg.App.ID,
		AppVersion:  cfg.App.Version,
		InstallPath: cfg.App.InstallPath,
		SysfsRoot:   pc.SysfsRoot,
		Paths:       pc.Paths,
		Static:      pc.Static,
	}
	if loc := pc.Location; loc != nil {
		opts.Location = &builtin.Location{Latitude: loc.Latitude, Longitude: loc.Longitude}
	}
	if w := pc.Weather; w != nil && w.Enabled {
		ttl, err := parseDurationOrDefault("providers.weather.cache_ttl", w.CacheTTL, 15*time.Minute)
		if err != nil {
			return builtin.Options{}, err
		}
		timeout, err := parseDurationOrDefault("providers.weather.timeout", w.Timeout, 5*time.Second)
		if err != nil {
			return builtin.Options{}, err
		}
		opts.Weather = &builtin.WeatherOptions{Endpoint: w.Endpoint, APIKey: w.APIKey, CacheTTL: ttl, Timeout: timeout}
	}
	if g := pc.GeoIP; g != nil && g.Enabled {
		ttl, err := parseDurationOrDefault("providers.geoip.cache_ttl", g.CacheTTL, time.Hour)
		if err != nil {
			return builtin.Options{}, err
		}
		opts.GeoIP = &builtin.GeoIPOptions{CacheTTL: ttl}
	}
	if r := pc.Reachability; r != nil && r.Enabled {
		opts.Reachability = &builtin.ReachabilityOptions{URL: r.URL}
	}
	return opts, nil
}

func mapSchedulerOptions(cfg *Config) notifyplan.Options {
	return notifyplan.Options{
		Namespace:         cfg.Scheduler.Namespace,
		MaxScheduled:      cfg.Scheduler.MaxScheduled,
		MaxCallsPerSecond: cfg.Scheduler.MaxCallsPerSecond,
	}
}

func mapBackgroundOptions(cfg *Config) (background.Options, error) {
	bc := cfg.Background
	margin, err := parseDurationField("background.safety_margin", bc.SafetyMargin)
	if err != nil {
		return background.Options{}, err
	}
	retry, err := parseDurationOrDefault("background.retry_after", bc.RetryAfter, background.DefaultRetryAfter)
	if err != nil {
		return background.Options{}, err
	}
	idle, err := parseDurationOrDefault("background.idle_interval", bc.IdleInterval, background.DefaultIdleInterval)
	if err != nil {
		return background.Options{}, err
	}
	return background.Options{
		TaskID:       bc.TaskID,
		SafetyMargin: margin,
		RetryAfter:   retry,
		IdleInterval: idle,
		DevMode:      cfg.DevMode,
		ManifestPath: cfg.ManifestFile,
	}, nil
}

func mapHostConfig(cfg *Config) (host.Config, time.Duration, error) {
	hc := cfg.Host
	budget, err := parseDurationOrDefault("host.budget", hc.Budget, host.DefaultBudget)
	if err != nil {
		return host.Config{}, 0, err
	}
	minWake, err := parseDurationOrDefault("host.min_wake_interval", hc.MinWakeInterval, host.DefaultMinWakeInterval)
	if err != nil {
		return host.Config{}, 0, err
	}
	delivery, err := parseDurationOrDefault("host.delivery_interval", hc.DeliveryInterval, host.DefaultDeliveryInterval)
	if err != nil {
		return host.Config{}, 0, err
	}
	return host.Config{
		Budget:          budget,
		MinWakeInterval: minWake,
		RefreshCron:     hc.RefreshCron,
		Timezone:        hc.Timezone,
	}, delivery, nil
}

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}
