package builtin

import (
	"path"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/spf13/afero"

	"momentkit/internal/property"
)

var netInterfaces = psnet.Interfaces

type network struct {
	fs   afero.Fs
	root string
}

// active returns interfaces that are up, running and not loopback.
func (n network) active() ([]psnet.InterfaceStat, bool) {
	ifaces, err := netInterfaces()
	if err != nil {
		return nil, false
	}
	out := make([]psnet.InterfaceStat, 0, len(ifaces))
	for _, ifc := range ifaces {
		var up, running, loopback bool
		for _, f := range ifc.Flags {
			switch f {
			case "up":
				up = true
			case "running":
				running = true
			case "loopback":
				loopback = true
			}
		}
		if up && running && !loopback {
			out = append(out, ifc)
		}
	}
	return out, true
}

func (n network) wireless(name string) bool {
	ok, _ := afero.DirExists(n.fs, path.Join(n.root, "class", "net", name, "wireless"))
	return ok
}

func registerNetwork(g *registrar, opts Options) {
	n := network{fs: opts.Fs, root: opts.SysfsRoot}

	g.add(NameHasActiveNetwork, property.SyncFunc(property.KindBool, func() property.Value {
		act, ok := n.active()
		if !ok {
			return property.UnknownValue(property.KindBool)
		}
		for _, ifc := range act {
			if len(ifc.Addrs) > 0 {
				return property.BoolValue(true)
			}
		}
		return property.BoolValue(false)
	}))
	g.add(NameHasWifiConnection, property.SyncFunc(property.KindBool, func() property.Value {
		act, ok := n.active()
		if !ok {
			return property.UnknownValue(property.KindBool)
		}
		for _, ifc := range act {
			if n.wireless(ifc.Name) && len(ifc.Addrs) > 0 {
				return property.BoolValue(true)
			}
		}
		return property.BoolValue(false)
	}))
	g.add(NameNetworkInterfaceCount, property.SyncFunc(property.KindInt64, func() property.Value {
		act, ok := n.active()
		if !ok {
			return property.UnknownValue(property.KindInt64)
		}
		return property.Int64Value(int64(len(act)))
	}))
}
