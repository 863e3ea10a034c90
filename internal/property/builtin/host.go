package builtin

import (
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/afero"

	"momentkit/internal/property"
)

var osGetenv = os.Getenv

// Indirections over gopsutil for tests.
var (
	hostInfo      = host.Info
	cpuCounts     = cpu.Counts
	virtualMemory = mem.VirtualMemory
)

func registerHost(g *registrar, opts Options) {
	platform := runtime.GOOS
	info, err := hostInfo()
	if err == nil && info.OS != "" {
		platform = info.OS
	}
	g.add(NamePlatform, property.Static(property.StringValue(platform)))
	if err == nil && info.PlatformVersion != "" {
		g.check(NameOSVersion, g.r.RegisterVersion(NameOSVersion, info.PlatformVersion))
	} else if err == nil && info.KernelVersion != "" {
		g.check(NameOSVersion, g.r.RegisterVersion(NameOSVersion, info.KernelVersion))
	}

	dmi := path.Join(opts.SysfsRoot, "class", "dmi", "id")
	g.add(NameDeviceModel, sysfsString(opts.Fs, path.Join(dmi, "product_name")))
	g.add(NameDeviceManufacturer, sysfsString(opts.Fs, path.Join(dmi, "sys_vendor")))

	g.add(NameCPUCount, property.SyncFunc(property.KindInt64, func() property.Value {
		n, err := cpuCounts(true)
		if err != nil || n <= 0 {
			return property.UnknownValue(property.KindInt64)
		}
		return property.Int64Value(int64(n))
	}))
	g.add(NameMemoryUsedPercent, property.SyncFunc(property.KindFloat64, func() property.Value {
		vm, err := virtualMemory()
		if err != nil || vm == nil {
			return property.UnknownValue(property.KindFloat64)
		}
		return property.Float64Value(vm.UsedPercent)
	}))
}

// sysfsString reads a one-line attribute on every resolve.
func sysfsString(fs afero.Fs, p string) property.Provider {
	return property.SyncFunc(property.KindString, func() property.Value {
		s, ok := readAttr(fs, p)
		if !ok {
			return property.UnknownValue(property.KindString)
		}
		return property.StringValue(s)
	})
}

func readAttr(fs afero.Fs, p string) (string, bool) {
	b, err := afero.ReadFile(fs, p)
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(b))
	return s, s != ""
}
