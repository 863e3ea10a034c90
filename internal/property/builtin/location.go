package builtin

import (
	"time"

	"github.com/sj14/astral/pkg/astral"

	"momentkit/internal/property"
)

// sunTimes returns today's sunrise and sunset at the observer.
// Polar day and night have no events and report !ok.
func sunTimes(obs astral.Observer, now time.Time) (rise, set time.Time, ok bool) {
	rise, err := astral.Sunrise(obs, now)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	set, err = astral.Sunset(obs, now)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return rise, set, true
}

func registerLocation(g *registrar, opts Options) {
	loc := opts.Location
	if loc == nil {
		return
	}
	g.add(NameLatitude, property.Static(property.Float64Value(loc.Latitude)))
	g.add(NameLongitude, property.Static(property.Float64Value(loc.Longitude)))

	obs := astral.Observer{Latitude: loc.Latitude, Longitude: loc.Longitude}
	now := opts.Now

	g.add(NameIsDaylight, property.SyncFunc(property.KindBool, func() property.Value {
		t := now()
		rise, set, ok := sunTimes(obs, t)
		if !ok {
			return property.UnknownValue(property.KindBool)
		}
		return property.BoolValue(!t.Before(rise) && t.Before(set))
	}))
	g.add(NameSunrise, property.SyncFunc(property.KindTimestamp, func() property.Value {
		rise, _, ok := sunTimes(obs, now())
		if !ok {
			return property.UnknownValue(property.KindTimestamp)
		}
		return property.TimestampValue(rise)
	}))
	g.add(NameSunset, property.SyncFunc(property.KindTimestamp, func() property.Value {
		_, set, ok := sunTimes(obs, now())
		if !ok {
			return property.UnknownValue(property.KindTimestamp)
		}
		return property.TimestampValue(set)
	}))
}
