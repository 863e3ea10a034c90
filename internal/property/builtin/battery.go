package builtin

import (
	"path"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"momentkit/internal/property"
)

// Battery states.
const (
	BatteryUnknown   = "unknown"
	BatteryUnplugged = "unplugged"
	BatteryCharging  = "charging"
	BatteryFull      = "full"
)

// battery reads the first power_supply entry of type Battery.
type battery struct {
	fs   afero.Fs
	root string
}

func (b battery) dir() (string, bool) {
	matches, err := afero.Glob(b.fs, path.Join(b.root, "class", "power_supply", "*"))
	if err != nil {
		return "", false
	}
	for _, m := range matches {
		if t, ok := readAttr(b.fs, path.Join(m, "type")); ok && strings.EqualFold(t, "Battery") {
			return m, true
		}
	}
	return "", false
}

func (b battery) level() property.Value {
	dir, ok := b.dir()
	if !ok {
		return property.UnknownValue(property.KindFloat64)
	}
	raw, ok := readAttr(b.fs, path.Join(dir, "capacity"))
	if !ok {
		return property.UnknownValue(property.KindFloat64)
	}
	pct, err := strconv.Atoi(raw)
	if err != nil || pct < 0 || pct > 100 {
		return property.UnknownValue(property.KindFloat64)
	}
	return property.Float64Value(float64(pct) / 100)
}

func (b battery) state() property.Value {
	dir, ok := b.dir()
	if !ok {
		return property.UnknownValue(property.KindString)
	}
	raw, ok := readAttr(b.fs, path.Join(dir, "status"))
	if !ok {
		return property.UnknownValue(property.KindString)
	}
	switch strings.ToLower(raw) {
	case "charging":
		return property.StringValue(BatteryCharging)
	case "full":
		return property.StringValue(BatteryFull)
	case "discharging", "not charging":
		return property.StringValue(BatteryUnplugged)
	default:
		return property.StringValue(BatteryUnknown)
	}
}

// lowPower follows the ACPI platform profile.
func (b battery) lowPower() property.Value {
	raw, ok := readAttr(b.fs, path.Join(b.root, "firmware", "acpi", "platform_profile"))
	if !ok {
		return property.UnknownValue(property.KindBool)
	}
	return property.BoolValue(raw == "low-power" || raw == "quiet")
}

func registerBattery(g *registrar, opts Options) {
	b := battery{fs: opts.Fs, root: opts.SysfsRoot}
	g.add(NameBatteryLevel, property.SyncFunc(property.KindFloat64, b.level))
	g.add(NameBatteryState, property.SyncFunc(property.KindString, b.state))
	g.add(NameLowPowerMode, property.SyncFunc(property.KindBool, b.lowPower))
}
