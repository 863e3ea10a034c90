package config

// Config is the daemon configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	App        AppConfig        `json:"app"`
	Logging    LoggingConfig    `json:"logging"`
	Registry   RegistryConfig   `json:"registry"`
	Providers  ProvidersConfig  `json:"providers"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Background BackgroundConfig `json:"background"`
	Host       HostConfig       `json:"host"`
	Storage    *StorageConfig   `json:"storage,omitempty"`

	// PlanFile is a JSON or YAML notification plan, watched for changes.
	PlanFile string `json:"plan_file,omitempty"`
	// ManifestFile declares the host's background capabilities (YAML).
	ManifestFile string `json:"manifest_file,omitempty"`
	// DevMode runs the background setup check at startup and fails loudly.
	DevMode bool `json:"dev_mode,omitempty"`
}

// AppConfig identifies the host application to property providers.
type AppConfig struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	// InstallPath is stat'ed for app_install_date. Optional.
	InstallPath string `json:"install_path,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RegistryConfig controls property resolution.
//
// Defaults:
//   - async_timeout: "2s"
//   - max_concurrent_async: 8
type RegistryConfig struct {
	AsyncTimeout       string `json:"async_timeout,omitempty"`
	MaxConcurrentAsync int    `json:"max_concurrent_async,omitempty"`
	// StrictSchema fails startup when a required property has no provider.
	StrictSchema bool `json:"strict_schema,omitempty"`
}

// ProvidersConfig feeds the built-in property providers. Every block is optional;
// a provider without the data it needs resolves to unknown.
type ProvidersConfig struct {
	SysfsRoot    string              `json:"sysfs_root,omitempty"` // default "/sys"
	Location     *LocationConfig     `json:"location,omitempty"`
	Weather      *WeatherConfig      `json:"weather,omitempty"`
	GeoIP        *GeoIPConfig        `json:"geoip,omitempty"`
	Reachability *ReachabilityConfig `json:"reachability,omitempty"`
	// Paths maps a label to a filesystem path; each becomes path_permission_<label>.
	Paths map[string]string `json:"paths,omitempty"`
	// Static registers fixed custom properties (string, number or bool).
	Static map[string]any `json:"static,omitempty"`
}

type LocationConfig struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WeatherConfig points at an OpenWeather-compatible current-weather endpoint.
type WeatherConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // default OpenWeather 2.5 /weather
	APIKey   string `json:"api_key"`
	CacheTTL string `json:"cache_ttl,omitempty"` // default "15m"
	Timeout  string `json:"timeout,omitempty"`   // default "5s"
}

type GeoIPConfig struct {
	Enabled  bool   `json:"enabled"`
	CacheTTL string `json:"cache_ttl,omitempty"` // default "1h"
}

type ReachabilityConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"` // default "https://www.google.com/generate_204"
}

// SchedulerConfig controls the notification plan scheduler.
//
// Defaults:
//   - namespace: "momentkit."
//   - max_scheduled: 64
//   - max_calls_per_second: 50
type SchedulerConfig struct {
	Namespace         string  `json:"namespace,omitempty"`
	MaxScheduled      int     `json:"max_scheduled,omitempty"`
	MaxCallsPerSecond float64 `json:"max_calls_per_second,omitempty"`
}

// BackgroundConfig controls the background task coordinator.
//
// Defaults:
//   - task_id: "momentkit.plan-refresh"
//   - safety_margin: 10% of the granted budget
//   - retry_after: "5m"
//   - idle_interval: "6h"
type BackgroundConfig struct {
	TaskID       string `json:"task_id,omitempty"`
	SafetyMargin string `json:"safety_margin,omitempty"`
	RetryAfter   string `json:"retry_after,omitempty"`
	IdleInterval string `json:"idle_interval,omitempty"`
}

// HostConfig controls the local host that stands in for the OS.
//
// Defaults:
//   - budget: "30s"
//   - min_wake_interval: "1m"
//   - delivery_interval: "15s"
//   - deliverer: "log"
type HostConfig struct {
	Budget          string `json:"budget,omitempty"`
	MinWakeInterval string `json:"min_wake_interval,omitempty"`
	// RefreshCron optionally wakes the coordinator on a cron schedule (robfig/cron spec).
	RefreshCron string `json:"refresh_cron,omitempty"`
	Timezone    string `json:"timezone,omitempty"`

	DeliveryInterval string `json:"delivery_interval,omitempty"`
	// Deliverer is "log" or "dbus" (freedesktop notifications on the session bus).
	Deliverer string `json:"deliverer,omitempty"`
}

// StorageConfig controls persistence of the notification store, event log
// and scheduler journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./momentkit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | file | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}
