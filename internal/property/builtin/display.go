package builtin

import (
	"strings"

	"momentkit/internal/property"
)

// darkMode infers the desktop color scheme from GTK_THEME ("Adwaita:dark").
func darkMode(getenv func(string) string) property.Value {
	theme := strings.ToLower(strings.TrimSpace(getenv("GTK_THEME")))
	if theme == "" {
		return property.UnknownValue(property.KindBool)
	}
	return property.BoolValue(strings.HasSuffix(theme, ":dark") || strings.HasSuffix(theme, "-dark"))
}

func registerDisplay(g *registrar, opts Options) {
	getenv := opts.Getenv
	g.add(NameDarkMode, property.SyncFunc(property.KindBool, func() property.Value { return darkMode(getenv) }))
}
