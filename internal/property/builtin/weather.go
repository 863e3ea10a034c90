package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"momentkit/internal/property"
	"momentkit/pkg/logx"
)

const (
	DefaultWeatherEndpoint = "https://api.openweathermap.org/data/2.5/weather"
	weatherUserAgent       = "momentkit"
	weatherCacheKey        = "current"
)

var ErrWeatherNoLocation = errors.New("weather: no location configured")

// openWeatherResponse is the subset of the OpenWeather current-weather payload we read.
type openWeatherResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
}

type weatherReport struct {
	TemperatureC float64
	Condition    string
	CloudCover   float64 // 0..1
}

// weatherClient fetches current weather once per TTL. Concurrent callers
// share one in-flight request.
type weatherClient struct {
	hc       *http.Client
	endpoint string
	apiKey   string
	loc      Location
	timeout  time.Duration

	cache *gocache.Cache
	group singleflight.Group
}

func newWeatherClient(hc *http.Client, loc Location, o WeatherOptions) *weatherClient {
	if o.Endpoint == "" {
		o.Endpoint = DefaultWeatherEndpoint
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 15 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return &weatherClient{
		hc:       hc,
		endpoint: o.Endpoint,
		apiKey:   o.APIKey,
		loc:      loc,
		timeout:  o.Timeout,
		// No janitor goroutine: expired entries are ignored by Get and overwritten.
		cache: gocache.New(o.CacheTTL, 0),
	}
}

func (w *weatherClient) current(ctx context.Context) (weatherReport, error) {
	if v, ok := w.cache.Get(weatherCacheKey); ok {
		return v.(weatherReport), nil
	}
	ch := w.group.DoChan(weatherCacheKey, func() (any, error) {
		// The shared fetch outlives any single caller's cancellation.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()
		rep, err := w.fetch(fctx)
		if err != nil {
			return nil, err
		}
		w.cache.SetDefault(weatherCacheKey, rep)
		return rep, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return weatherReport{}, res.Err
		}
		return res.Val.(weatherReport), nil
	case <-ctx.Done():
		return weatherReport{}, ctx.Err()
	}
}

func (w *weatherClient) fetch(ctx context.Context) (weatherReport, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(w.loc.Latitude, 'f', 4, 64))
	q.Set("lon", strconv.FormatFloat(w.loc.Longitude, 'f', 4, 64))
	q.Set("appid", w.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return weatherReport{}, fmt.Errorf("weather: build request: %w", err)
	}
	req.Header.Set("User-Agent", weatherUserAgent)

	resp, err := w.hc.Do(req)
	if err != nil {
		return weatherReport{}, fmt.Errorf("weather: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return weatherReport{}, fmt.Errorf("weather: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return weatherReport{}, fmt.Errorf("weather: read body: %w", err)
	}
	var data openWeatherResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return weatherReport{}, fmt.Errorf("weather: decode: %w", err)
	}

	rep := weatherReport{
		TemperatureC: data.Main.Temp,
		CloudCover:   float64(data.Clouds.All) / 100,
	}
	if len(data.Weather) > 0 {
		rep.Condition = strings.ToLower(data.Weather[0].Main)
	}
	return rep, nil
}

// weatherProvider resolves one field of the shared report.
func weatherProvider(c *weatherClient, kind property.Kind, pick func(weatherReport) property.Value) property.Provider {
	return property.AsyncFunc(kind, func(ctx context.Context, p *property.Promise) {
		go func() {
			rep, err := c.current(ctx)
			if err != nil {
				p.Fail(err)
				return
			}
			p.Resolve(pick(rep))
		}()
	})
}

func registerWeather(g *registrar, opts Options) {
	if opts.Location == nil {
		g.log.Warn("weather providers disabled", logx.Err(ErrWeatherNoLocation))
		return
	}
	c := newWeatherClient(opts.HTTPClient, *opts.Location, *opts.Weather)

	g.add(NameWeatherTemperature, weatherProvider(c, property.KindFloat64, func(r weatherReport) property.Value {
		return property.Float64Value(r.TemperatureC)
	}))
	g.add(NameWeatherCondition, weatherProvider(c, property.KindString, func(r weatherReport) property.Value {
		if r.Condition == "" {
			return property.UnknownValue(property.KindString)
		}
		return property.StringValue(r.Condition)
	}))
	g.add(NameWeatherCloudCover, weatherProvider(c, property.KindFloat64, func(r weatherReport) property.Value {
		return property.Float64Value(r.CloudCover)
	}))
}
