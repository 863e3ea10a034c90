// Package builtin supplies the default property providers for a Linux host.
//
// Every provider degrades to unknown: a missing sysfs node, a failed HTTP call
// or an unset environment variable never surfaces as an error.
package builtin

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/afero"

	"momentkit/internal/property"
	"momentkit/pkg/logx"
)

const (
	NamePlatform           = "platform"
	NameAppID              = "app_id"
	NameAppVersion         = "app_version"
	NameOSVersion          = "os_version"
	NameDeviceModel        = "device_model"
	NameDeviceManufacturer = "device_manufacturer"
	NameCPUCount           = "cpu_count"
	NameMemoryUsedPercent  = "memory_used_percent"

	NameLanguageCode = "locale_language_code"
	NameCountryCode  = "locale_country_code"
	NameCurrencyCode = "locale_currency_code"
	NameTimezone     = "timezone"

	NameAppInstallDate = "app_install_date"
	NameDarkMode       = "dark_mode"

	NameBatteryLevel = "device_battery_level"
	NameBatteryState = "device_battery_state"
	NameLowPowerMode = "device_low_power_mode"

	NameHasActiveNetwork      = "has_active_network"
	NameHasWifiConnection     = "has_wifi_connection"
	NameNetworkInterfaceCount = "network_interface_count"
	NameNetworkReachable      = "network_reachable"
	NameNetworkISP            = "network_isp"

	NameLatitude        = "location_latitude"
	NameLongitude       = "location_longitude"
	NameApproxLatitude  = "approx_location_latitude"
	NameApproxLongitude = "approx_location_longitude"
	NameIsDaylight      = "is_daylight"
	NameSunrise         = "sunrise_time"
	NameSunset          = "sunset_time"

	NameWeatherTemperature = "weather_temperature"
	NameWeatherCondition   = "weather_condition"
	NameWeatherCloudCover  = "weather_cloud_cover"

	CapturePermissionPrefix = "capture_permission_"
	PathPermissionPrefix    = "path_permission_"
)

// Location is a fixed observer position.
type Location struct {
	Latitude  float64
	Longitude float64
}

type WeatherOptions struct {
	Endpoint string
	APIKey   string
	CacheTTL time.Duration
	Timeout  time.Duration
}

type GeoIPOptions struct {
	CacheTTL time.Duration
}

type ReachabilityOptions struct {
	URL string
}

// Options configures RegisterDefaults. Zero values disable the optional groups.
type Options struct {
	AppID       string
	AppVersion  string
	InstallPath string

	// Fs backs sysfs, /etc and install-date reads. Defaults to the OS filesystem.
	Fs        afero.Fs
	SysfsRoot string

	Location     *Location
	Weather      *WeatherOptions
	GeoIP        *GeoIPOptions
	Reachability *ReachabilityOptions
	Paths        map[string]string
	Static       map[string]any

	HTTPClient *http.Client
	Getenv     func(string) string
	Now        func() time.Time
}

func (o *Options) setDefaults() {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.SysfsRoot == "" {
		o.SysfsRoot = "/sys"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Getenv == nil {
		o.Getenv = osGetenv
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// registrar collects hard errors and logs duplicate warnings.
type registrar struct {
	r    *property.Registry
	log  logx.Logger
	errs []error
}

func (g *registrar) add(name string, p property.Provider) {
	g.check(name, g.r.Register(name, p))
}

func (g *registrar) check(name string, err error) {
	switch {
	case err == nil:
	case property.IsWarning(err):
		g.log.Warn("builtin provider shadowed", logx.String("name", name))
	default:
		g.errs = append(g.errs, fmt.Errorf("register %s: %w", name, err))
	}
}

// RegisterDefaults registers every built-in provider that opts allows.
func RegisterDefaults(r *property.Registry, opts Options, log logx.Logger) error {
	opts.setDefaults()
	g := &registrar{r: r, log: log.With(logx.String("comp", "builtin"))}

	registerApp(g, opts)
	registerHost(g, opts)
	registerLocale(g, opts)
	registerBattery(g, opts)
	registerNetwork(g, opts)
	registerDisplay(g, opts)
	registerLocation(g, opts)
	registerPermissions(g, opts)
	if opts.Weather != nil {
		registerWeather(g, opts)
	}
	if opts.GeoIP != nil {
		registerGeoIP(g, opts, newSpeedtestFetcher())
	}
	if opts.Reachability != nil {
		registerReachability(g, opts)
	}
	registerStatic(g, opts.Static)

	return errors.Join(g.errs...)
}

func registerApp(g *registrar, opts Options) {
	if opts.AppID != "" {
		g.add(NameAppID, property.Static(property.StringValue(opts.AppID)))
	}
	if opts.AppVersion != "" {
		g.check(NameAppVersion, g.r.RegisterVersion(NameAppVersion, opts.AppVersion))
	}
	if opts.InstallPath != "" {
		fs, path := opts.Fs, opts.InstallPath
		g.add(NameAppInstallDate, property.SyncFunc(property.KindTimestamp, func() property.Value {
			fi, err := fs.Stat(path)
			if err != nil {
				return property.UnknownValue(property.KindTimestamp)
			}
			return property.TimestampValue(fi.ModTime())
		}))
	}
}

// registerStatic registers config-supplied custom values. JSON numbers arrive
// as float64; whole numbers become Int64.
func registerStatic(g *registrar, static map[string]any) {
	names := make([]string, 0, len(static))
	for name := range static {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var v property.Value
		switch x := static[name].(type) {
		case string:
			v = property.StringValue(x)
		case bool:
			v = property.BoolValue(x)
		case float64:
			if x == float64(int64(x)) {
				v = property.Int64Value(int64(x))
			} else {
				v = property.Float64Value(x)
			}
		default:
			g.errs = append(g.errs, fmt.Errorf("static %s: unsupported value %T", name, x))
			continue
		}
		g.add(name, property.Static(v))
	}
}
