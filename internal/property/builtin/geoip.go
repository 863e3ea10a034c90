package builtin

import (
	"context"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/singleflight"

	"momentkit/internal/property"
)

// userInfoFetcher looks up the public IP's approximate position and ISP.
type userInfoFetcher func(ctx context.Context) (*st.User, error)

// newSpeedtestFetcher uses a dedicated client; speedtest-go keeps
// package-level state in its helpers.
func newSpeedtestFetcher() userInfoFetcher {
	return func(ctx context.Context) (*st.User, error) {
		stc := st.New()
		return stc.FetchUserInfoContext(ctx)
	}
}

type geoInfo struct {
	Latitude, Longitude float64
	hasPosition         bool
	ISP                 string
}

type geoClient struct {
	fetch userInfoFetcher
	cache *gocache.Cache
	group singleflight.Group
}

func newGeoClient(fetch userInfoFetcher, ttl time.Duration) *geoClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &geoClient{fetch: fetch, cache: gocache.New(ttl, 0)}
}

func (c *geoClient) current(ctx context.Context) (geoInfo, error) {
	if v, ok := c.cache.Get("user"); ok {
		return v.(geoInfo), nil
	}
	ch := c.group.DoChan("user", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		u, err := c.fetch(fctx)
		if err != nil {
			return nil, err
		}
		info := geoInfo{ISP: strings.TrimSpace(u.Isp)}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(u.Lat), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(u.Lon), 64)
		if errLat == nil && errLon == nil {
			info.Latitude, info.Longitude, info.hasPosition = lat, lon, true
		}
		c.cache.SetDefault("user", info)
		return info, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return geoInfo{}, res.Err
		}
		return res.Val.(geoInfo), nil
	case <-ctx.Done():
		return geoInfo{}, ctx.Err()
	}
}

func geoProvider(c *geoClient, kind property.Kind, pick func(geoInfo) property.Value) property.Provider {
	return property.AsyncFunc(kind, func(ctx context.Context, p *property.Promise) {
		go func() {
			info, err := c.current(ctx)
			if err != nil {
				p.Fail(err)
				return
			}
			p.Resolve(pick(info))
		}()
	})
}

func registerGeoIP(g *registrar, opts Options, fetch userInfoFetcher) {
	c := newGeoClient(fetch, opts.GeoIP.CacheTTL)

	g.add(NameApproxLatitude, geoProvider(c, property.KindFloat64, func(i geoInfo) property.Value {
		if !i.hasPosition {
			return property.UnknownValue(property.KindFloat64)
		}
		return property.Float64Value(i.Latitude)
	}))
	g.add(NameApproxLongitude, geoProvider(c, property.KindFloat64, func(i geoInfo) property.Value {
		if !i.hasPosition {
			return property.UnknownValue(property.KindFloat64)
		}
		return property.Float64Value(i.Longitude)
	}))
	g.add(NameNetworkISP, geoProvider(c, property.KindString, func(i geoInfo) property.Value {
		if i.ISP == "" {
			return property.UnknownValue(property.KindString)
		}
		return property.StringValue(i.ISP)
	}))
}
