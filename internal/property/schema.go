package property

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrEmptyName     = errors.New("property: empty name")
	ErrInvalid       = errors.New("property: invalid provider")
	ErrSealed        = errors.New("property: registry sealed")
	ErrKindMismatch  = errors.New("property: kind mismatch")
	ErrMissing       = errors.New("property: required property missing")
	ErrVersionFormat = errors.New("property: invalid version string")
)

// DuplicateNameWarning reports that a registration replaced an existing
// provider. The new provider is active.
type DuplicateNameWarning struct {
	Name string
}

func (w *DuplicateNameWarning) Error() string {
	return fmt.Sprintf("property: provider %q registered twice, last registration wins", w.Name)
}

// IsWarning reports whether err is only a DuplicateNameWarning.
func IsWarning(err error) bool {
	var w *DuplicateNameWarning
	return errors.As(err, &w)
}

// Schema lists names with an expected kind. Required names must be registered
// before Validate succeeds; well-known names are only kind-checked.
// Versions are prefixes whose "<prefix>_string" must be registered.
type Schema struct {
	Required  map[string]Kind
	WellKnown map[string]Kind
	Versions  []string
}

// DefaultSchema is the set of names the built-in providers and the host app
// are expected to supply.
func DefaultSchema() Schema {
	return Schema{
		Required: map[string]Kind{
			"platform":              KindString,
			"app_id":                KindString,
			"device_model":          KindString,
			"locale_language_code":  KindString,
			"locale_country_code":   KindString,
			"device_battery_state":  KindString,
			"device_battery_level":  KindFloat64,
			"device_low_power_mode": KindBool,
		},
		WellKnown: map[string]Kind{
			"device_manufacturer":       KindString,
			"locale_currency_code":      KindString,
			"timezone":                  KindString,
			"cpu_count":                 KindInt64,
			"memory_used_percent":       KindFloat64,
			"has_active_network":        KindBool,
			"has_wifi_connection":       KindBool,
			"network_interface_count":   KindInt64,
			"network_reachable":         KindBool,
			"network_isp":               KindString,
			"app_install_date":          KindTimestamp,
			"dark_mode":                 KindBool,
			"is_daylight":               KindBool,
			"sunrise_time":              KindTimestamp,
			"sunset_time":               KindTimestamp,
			"location_latitude":         KindFloat64,
			"location_longitude":        KindFloat64,
			"approx_location_latitude":  KindFloat64,
			"approx_location_longitude": KindFloat64,
			"weather_temperature":       KindFloat64,
			"weather_condition":         KindString,
			"weather_cloud_cover":       KindFloat64,
			"session_start_time":        KindTimestamp,
		},
		Versions: []string{"os_version", "app_version"},
	}
}

func (s Schema) expected(name string) (Kind, bool) {
	if k, ok := s.Required[name]; ok {
		return k, true
	}
	if k, ok := s.WellKnown[name]; ok {
		return k, true
	}
	for _, prefix := range s.Versions {
		if !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		switch strings.TrimPrefix(name, prefix+"_") {
		case "string":
			return KindString, true
		case "major", "minor", "patch", "mini", "micro", "nano", "smol":
			return KindInt64, true
		}
	}
	return KindInvalid, false
}

// MissingError lists required names with no provider.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("property: required properties missing: %s", strings.Join(e.Names, ", "))
}

func (e *MissingError) Unwrap() error { return ErrMissing }

// versionComponents names the integer components in order.
var versionComponents = []string{"major", "minor", "patch", "mini", "micro", "nano", "smol"}

// parseVersion splits "1.2.3" into integer components. Missing components are
// absent, not zero.
func parseVersion(v string) ([]int64, error) {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if v == "" {
		return nil, ErrVersionFormat
	}
	// Drop build metadata and pre-release suffixes.
	if i := strings.IndexAny(v, "-+ "); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) > len(versionComponents) {
		return nil, fmt.Errorf("%w: %q has more than %d components", ErrVersionFormat, v, len(versionComponents))
	}
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrVersionFormat, v)
		}
		out = append(out, n)
	}
	return out, nil
}

func sortedKeys(m map[string]Kind) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
