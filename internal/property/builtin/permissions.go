package builtin

import (
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"momentkit/internal/property"
)

// Permission states.
const (
	PermissionAuthorized  = "authorized"
	PermissionDenied      = "denied"
	PermissionUnavailable = "unavailable"
)

// MediaType selects the device nodes checked for capture permission.
type MediaType string

const (
	MediaCamera     MediaType = "camera"
	MediaMicrophone MediaType = "microphone"
)

var mediaDevices = map[MediaType]string{
	MediaCamera:     "/dev/video*",
	MediaMicrophone: "/dev/snd/pcmC*D*c",
}

// Indirections for tests.
var (
	globPaths = filepath.Glob
	canAccess = accessRW
)

// capturePermission reports authorized when any device node for media is
// readable and writable by this process.
func capturePermission(media MediaType) property.Value {
	nodes, err := globPaths(mediaDevices[media])
	if err != nil || len(nodes) == 0 {
		return property.StringValue(PermissionUnavailable)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if canAccess(n) == nil {
			return property.StringValue(PermissionAuthorized)
		}
	}
	return property.StringValue(PermissionDenied)
}

func pathPermission(fs afero.Fs, path string) property.Value {
	if _, err := fs.Stat(path); err != nil {
		return property.StringValue(PermissionUnavailable)
	}
	if canAccess(path) == nil {
		return property.StringValue(PermissionAuthorized)
	}
	return property.StringValue(PermissionDenied)
}

// registerPermissions adds one provider per media type and one per configured path label.
func registerPermissions(g *registrar, opts Options) {
	for _, media := range []MediaType{MediaCamera, MediaMicrophone} {
		media := media
		g.add(CapturePermissionPrefix+string(media), property.SyncFunc(property.KindString, func() property.Value {
			return capturePermission(media)
		}))
	}

	fs := opts.Fs
	labels := make([]string, 0, len(opts.Paths))
	for label := range opts.Paths {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		path := opts.Paths[label]
		g.add(PathPermissionPrefix+label, property.SyncFunc(property.KindString, func() property.Value {
			return pathPermission(fs, path)
		}))
	}
}
