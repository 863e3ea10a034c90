package builtin

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	st "github.com/showwin/speedtest-go/speedtest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"momentkit/internal/property"
	"momentkit/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRegistry() *property.Registry {
	return property.NewRegistry(property.Config{AsyncTimeout: time.Second, Schema: property.DefaultSchema()}, logx.Nop(), nil)
}

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

// stubHost replaces gopsutil lookups for the duration of a test.
func stubHost(t *testing.T) {
	t.Helper()
	oldInfo, oldCPU, oldMem, oldNet := hostInfo, cpuCounts, virtualMemory, netInterfaces
	hostInfo = func() (*host.InfoStat, error) {
		return &host.InfoStat{OS: "linux", PlatformVersion: "24.04", KernelVersion: "6.8.0"}, nil
	}
	cpuCounts = func(bool) (int, error) { return 8, nil }
	virtualMemory = func() (*mem.VirtualMemoryStat, error) { return &mem.VirtualMemoryStat{UsedPercent: 37.5}, nil }
	netInterfaces = func() (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback", "running"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
			{Name: "wlan0", Flags: []string{"up", "broadcast", "multicast", "running"}, Addrs: psnet.InterfaceAddrList{{Addr: "192.168.1.20/24"}}},
			{Name: "eth0", Flags: []string{"broadcast", "multicast"}},
		}, nil
	}
	t.Cleanup(func() { hostInfo, cpuCounts, virtualMemory, netInterfaces = oldInfo, oldCPU, oldMem, oldNet })
}

func sysfs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/sys/class/power_supply/AC/type":        "Mains\n",
		"/sys/class/power_supply/BAT0/type":      "Battery\n",
		"/sys/class/power_supply/BAT0/capacity":  "42\n",
		"/sys/class/power_supply/BAT0/status":    "Discharging\n",
		"/sys/firmware/acpi/platform_profile":    "low-power\n",
		"/sys/class/dmi/id/product_name":         "ThinkPad X1 Carbon\n",
		"/sys/class/dmi/id/sys_vendor":           "LENOVO\n",
		"/etc/timezone":                          "Europe/Oslo\n",
		"/opt/notes/installed":                   "",
	}
	for p, body := range files {
		require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
	}
	require.NoError(t, fs.MkdirAll("/sys/class/net/wlan0/wireless", 0o755))
	install := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, fs.Chtimes("/opt/notes/installed", install, install))
	return fs
}

func TestRegisterDefaultsSatisfiesSchema(t *testing.T) {
	stubHost(t)
	r := newRegistry()
	err := RegisterDefaults(r, Options{
		AppID:       "com.example.notes",
		AppVersion:  "1.4.2",
		InstallPath: "/opt/notes/installed",
		Fs:          sysfs(t),
		Getenv:      env(map[string]string{"LANG": "nb_NO.UTF-8", "GTK_THEME": "Adwaita:dark"}),
		Static:      map[string]any{"beta_user": true, "plan_tier": "pro", "seats": float64(3), "ratio": 0.25},
	}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Validate())

	res := r.Resolve(context.Background(), []string{
		NamePlatform, "os_version_major", "app_version_patch", NameDeviceModel, NameDeviceManufacturer,
		NameCPUCount, NameMemoryUsedPercent, NameLanguageCode, NameCountryCode, NameCurrencyCode,
		NameTimezone, NameDarkMode, NameAppInstallDate,
		NameHasActiveNetwork, NameHasWifiConnection, NameNetworkInterfaceCount,
		"beta_user", "plan_tier", "seats", "ratio",
	})

	assert.Equal(t, property.StringValue("linux"), res[NamePlatform].Value)
	assert.Equal(t, property.Int64Value(24), res["os_version_major"].Value)
	assert.Equal(t, property.Int64Value(2), res["app_version_patch"].Value)
	assert.Equal(t, property.StringValue("ThinkPad X1 Carbon"), res[NameDeviceModel].Value)
	assert.Equal(t, property.StringValue("LENOVO"), res[NameDeviceManufacturer].Value)
	assert.Equal(t, property.Int64Value(8), res[NameCPUCount].Value)
	assert.Equal(t, property.Float64Value(37.5), res[NameMemoryUsedPercent].Value)
	assert.Equal(t, property.StringValue("nb"), res[NameLanguageCode].Value)
	assert.Equal(t, property.StringValue("NO"), res[NameCountryCode].Value)
	assert.Equal(t, property.StringValue("NOK"), res[NameCurrencyCode].Value)
	assert.Equal(t, property.StringValue("Europe/Oslo"), res[NameTimezone].Value)
	assert.Equal(t, property.BoolValue(true), res[NameDarkMode].Value)

	installed, ok := res[NameAppInstallDate].AsTimestamp()
	require.True(t, ok)
	assert.True(t, installed.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	assert.Equal(t, property.BoolValue(true), res[NameHasActiveNetwork].Value)
	assert.Equal(t, property.BoolValue(true), res[NameHasWifiConnection].Value)
	assert.Equal(t, property.Int64Value(1), res[NameNetworkInterfaceCount].Value)

	assert.Equal(t, property.BoolValue(true), res["beta_user"].Value)
	assert.Equal(t, property.StringValue("pro"), res["plan_tier"].Value)
	assert.Equal(t, property.Int64Value(3), res["seats"].Value)
	assert.Equal(t, property.Float64Value(0.25), res["ratio"].Value)
}

func TestBatteryFromSysfs(t *testing.T) {
	b := battery{fs: sysfs(t), root: "/sys"}

	level, ok := b.level().AsFloat64()
	require.True(t, ok)
	assert.InDelta(t, 0.42, level, 1e-9)
	assert.Equal(t, property.StringValue(BatteryUnplugged), b.state())
	assert.Equal(t, property.BoolValue(true), b.lowPower())
}

func TestBatteryMissingIsUnknown(t *testing.T) {
	b := battery{fs: afero.NewMemMapFs(), root: "/sys"}
	assert.False(t, b.level().Known())
	assert.False(t, b.state().Known())
	assert.False(t, b.lowPower().Known())
}

func TestBatteryUnreadableStatusIsUnknown(t *testing.T) {
	fs := sysfs(t)
	require.NoError(t, fs.Remove("/sys/class/power_supply/BAT0/status"))
	b := battery{fs: fs, root: "/sys"}

	assert.True(t, b.level().Known())
	st := b.state()
	assert.False(t, st.Known())
	assert.Equal(t, property.KindString, st.Kind)
}

func TestLocaleFallbacks(t *testing.T) {
	tag, ok := localeTag(env(map[string]string{"LC_ALL": "C", "LANG": "en_US.UTF-8"}))
	require.True(t, ok)
	assert.Equal(t, "en-US", tag.String())

	_, ok = localeTag(env(map[string]string{"LANG": "POSIX"}))
	assert.False(t, ok)

	// A bare language has no trustworthy region.
	_, ok = localeRegion(env(map[string]string{"LANG": "de"}))
	assert.False(t, ok)
}

func TestDarkMode(t *testing.T) {
	assert.False(t, darkMode(env(nil)).Known())
	assert.Equal(t, property.BoolValue(false), darkMode(env(map[string]string{"GTK_THEME": "Adwaita"})))
	assert.Equal(t, property.BoolValue(true), darkMode(env(map[string]string{"GTK_THEME": "Arc-Dark"})))
}

func TestIsDaylight(t *testing.T) {
	noonUTC := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)
	midnightUTC := time.Date(2025, 12, 21, 0, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name string
		now  time.Time
		want bool
	}{
		{"summer noon", noonUTC, true},
		{"winter midnight", midnightUTC, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegistry()
			g := &registrar{r: r, log: logx.Nop()}
			// Greenwich: solar noon is close to 12:00 UTC.
			registerLocation(g, Options{Location: &Location{Latitude: 51.48, Longitude: 0}, Now: func() time.Time { return tc.now }})
			require.Empty(t, g.errs)

			b, ok := r.Lookup(context.Background(), NameIsDaylight).AsBool()
			require.True(t, ok)
			assert.Equal(t, tc.want, b)
		})
	}
}

const openWeatherBody = `{
  "weather": [{"id": 803, "main": "Clouds", "description": "broken clouds", "icon": "04d"}],
  "main": {"temp": 14.55, "feels_like": 13.88},
  "clouds": {"all": 75}
}`

func TestWeatherSharesOneFetch(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodGet, "https://weather.test/data/2.5/weather",
		httpmock.NewStringResponder(http.StatusOK, openWeatherBody))

	r := newRegistry()
	g := &registrar{r: r, log: logx.Nop()}
	registerWeather(g, Options{
		HTTPClient: &http.Client{Transport: mt},
		Location:   &Location{Latitude: 60.17, Longitude: 24.94},
		Weather:    &WeatherOptions{Endpoint: "https://weather.test/data/2.5/weather", APIKey: "k"},
	})
	require.Empty(t, g.errs)

	names := []string{NameWeatherTemperature, NameWeatherCondition, NameWeatherCloudCover}
	res := r.Resolve(context.Background(), names)

	temp, ok := res[NameWeatherTemperature].AsFloat64()
	require.True(t, ok)
	assert.InDelta(t, 14.55, temp, 0.001)
	assert.Equal(t, property.StringValue("clouds"), res[NameWeatherCondition].Value)
	cover, ok := res[NameWeatherCloudCover].AsFloat64()
	require.True(t, ok)
	assert.InDelta(t, 0.75, cover, 1e-9)

	// A second batch is served from cache.
	r.Resolve(context.Background(), names)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestWeatherErrorIsUnknown(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodGet, "https://weather.test/weather",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"cod":401}`))

	r := newRegistry()
	g := &registrar{r: r, log: logx.Nop()}
	registerWeather(g, Options{
		HTTPClient: &http.Client{Transport: mt},
		Location:   &Location{Latitude: 1, Longitude: 2},
		Weather:    &WeatherOptions{Endpoint: "https://weather.test/weather", APIKey: "bad"},
	})

	p := r.Lookup(context.Background(), NameWeatherTemperature)
	assert.False(t, p.Known())
	assert.Equal(t, property.KindFloat64, p.Kind)
}

func TestWeatherWithoutLocationIsNotRegistered(t *testing.T) {
	r := newRegistry()
	g := &registrar{r: r, log: logx.Nop()}
	registerWeather(g, Options{Weather: &WeatherOptions{APIKey: "k"}})
	assert.Empty(t, r.Names())
}

func TestGeoIPProviders(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context) (*st.User, error) {
		calls.Add(1)
		return &st.User{IP: "203.0.113.7", Lat: "59.9127", Lon: "10.7461", Isp: "Example Fiber"}, nil
	}
	r := newRegistry()
	g := &registrar{r: r, log: logx.Nop()}
	registerGeoIP(g, Options{GeoIP: &GeoIPOptions{}}, fetch)

	res := r.Resolve(context.Background(), []string{NameApproxLatitude, NameApproxLongitude, NameNetworkISP})
	lat, ok := res[NameApproxLatitude].AsFloat64()
	require.True(t, ok)
	assert.InDelta(t, 59.9127, lat, 1e-6)
	assert.Equal(t, property.StringValue("Example Fiber"), res[NameNetworkISP].Value)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGeoIPFailureIsUnknown(t *testing.T) {
	r := newRegistry()
	g := &registrar{r: r, log: logx.Nop()}
	registerGeoIP(g, Options{GeoIP: &GeoIPOptions{}}, func(ctx context.Context) (*st.User, error) {
		return nil, errors.New("offline")
	})
	assert.False(t, r.Lookup(context.Background(), NameNetworkISP).Known())
}

func TestReachability(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodHead, "https://probe.test/204", httpmock.NewStringResponder(http.StatusNoContent, ""))
	mt.RegisterResponder(http.MethodHead, "https://probe.test/down", httpmock.NewErrorResponder(errors.New("connection refused")))
	hc := &http.Client{Transport: mt}

	for _, tc := range []struct {
		url  string
		want bool
	}{
		{"https://probe.test/204", true},
		{"https://probe.test/down", false},
	} {
		r := newRegistry()
		g := &registrar{r: r, log: logx.Nop()}
		registerReachability(g, Options{HTTPClient: hc, Reachability: &ReachabilityOptions{URL: tc.url}})
		assert.Equal(t, property.BoolValue(tc.want), r.Lookup(context.Background(), NameNetworkReachable).Value, tc.url)
	}
}

func TestCapturePermission(t *testing.T) {
	oldGlob, oldAccess := globPaths, canAccess
	t.Cleanup(func() { globPaths, canAccess = oldGlob, oldAccess })

	globPaths = func(pattern string) ([]string, error) {
		if pattern == mediaDevices[MediaCamera] {
			return []string{"/dev/video1", "/dev/video0"}, nil
		}
		return nil, nil
	}
	canAccess = func(p string) error {
		if p == "/dev/video1" {
			return nil
		}
		return errors.New("permission denied")
	}
	assert.Equal(t, property.StringValue(PermissionAuthorized), capturePermission(MediaCamera))
	assert.Equal(t, property.StringValue(PermissionUnavailable), capturePermission(MediaMicrophone))

	canAccess = func(string) error { return errors.New("permission denied") }
	assert.Equal(t, property.StringValue(PermissionDenied), capturePermission(MediaCamera))
}

func TestPathPermissionProviders(t *testing.T) {
	oldAccess := canAccess
	t.Cleanup(func() { canAccess = oldAccess })
	canAccess = func(p string) error {
		if p == "/data/shared" {
			return nil
		}
		return errors.New("denied")
	}

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data/shared", 0o755))
	require.NoError(t, fs.MkdirAll("/data/locked", 0o700))

	r := newRegistry()
	g := &registrar{r: r, log: logx.Nop()}
	registerPermissions(g, Options{Fs: fs, Paths: map[string]string{
		"shared":  "/data/shared",
		"locked":  "/data/locked",
		"missing": "/data/missing",
	}})

	res := r.Resolve(context.Background(), []string{"path_permission_shared", "path_permission_locked", "path_permission_missing"})
	assert.Equal(t, property.StringValue(PermissionAuthorized), res["path_permission_shared"].Value)
	assert.Equal(t, property.StringValue(PermissionDenied), res["path_permission_locked"].Value)
	assert.Equal(t, property.StringValue(PermissionUnavailable), res["path_permission_missing"].Value)
}

func TestDuplicateBuiltinIsWarningNotError(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Register(NameAppID, property.Static(property.StringValue("first"))))
	g := &registrar{r: r, log: logx.Nop()}
	registerApp(g, Options{AppID: "second", Fs: afero.NewMemMapFs()})
	assert.Empty(t, g.errs)

	s, _ := r.Lookup(context.Background(), NameAppID).AsString()
	assert.Equal(t, "second", s)
}
