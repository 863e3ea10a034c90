package builtin

import (
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"momentkit/internal/property"
)

// localeTag reads the POSIX locale environment in precedence order.
func localeTag(getenv func(string) string) (language.Tag, bool) {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" || raw == "C" || raw == "POSIX" || strings.HasPrefix(raw, "C.") {
			continue
		}
		// en_US.UTF-8@euro -> en-US
		if i := strings.IndexAny(raw, ".@"); i >= 0 {
			raw = raw[:i]
		}
		tag, err := language.Parse(strings.ReplaceAll(raw, "_", "-"))
		if err == nil {
			return tag, true
		}
	}
	return language.Und, false
}

func localeRegion(getenv func(string) string) (language.Region, bool) {
	tag, ok := localeTag(getenv)
	if !ok {
		return language.Region{}, false
	}
	region, conf := tag.Region()
	if conf < language.High {
		return language.Region{}, false
	}
	return region, true
}

func registerLocale(g *registrar, opts Options) {
	getenv := opts.Getenv

	g.add(NameLanguageCode, property.SyncFunc(property.KindString, func() property.Value {
		tag, ok := localeTag(getenv)
		if !ok {
			return property.UnknownValue(property.KindString)
		}
		base, conf := tag.Base()
		if conf == language.No {
			return property.UnknownValue(property.KindString)
		}
		return property.StringValue(base.String())
	}))
	g.add(NameCountryCode, property.SyncFunc(property.KindString, func() property.Value {
		region, ok := localeRegion(getenv)
		if !ok {
			return property.UnknownValue(property.KindString)
		}
		return property.StringValue(region.String())
	}))
	g.add(NameCurrencyCode, property.SyncFunc(property.KindString, func() property.Value {
		region, ok := localeRegion(getenv)
		if !ok {
			return property.UnknownValue(property.KindString)
		}
		unit, ok := currency.FromRegion(region)
		if !ok {
			return property.UnknownValue(property.KindString)
		}
		return property.StringValue(unit.String())
	}))

	fs := opts.Fs
	g.add(NameTimezone, property.SyncFunc(property.KindString, func() property.Value {
		if tz, ok := timezoneName(fs, getenv); ok {
			return property.StringValue(tz)
		}
		return property.UnknownValue(property.KindString)
	}))
}

// timezoneName resolves the IANA zone: $TZ, then /etc/timezone, then the
// /etc/localtime symlink target.
func timezoneName(fs afero.Fs, getenv func(string) string) (string, bool) {
	if tz := strings.TrimPrefix(strings.TrimSpace(getenv("TZ")), ":"); tz != "" {
		return tz, true
	}
	if tz, ok := readAttr(fs, "/etc/timezone"); ok {
		return tz, true
	}
	if lr, ok := fs.(afero.LinkReader); ok {
		target, err := lr.ReadlinkIfPossible("/etc/localtime")
		if err == nil {
			if i := strings.Index(target, "zoneinfo/"); i >= 0 {
				return target[i+len("zoneinfo/"):], true
			}
		}
	}
	return "", false
}
