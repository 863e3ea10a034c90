package builtin

import (
	"context"
	"errors"
	"net/http"

	"momentkit/internal/property"
)

const DefaultReachabilityURL = "https://www.google.com/generate_204"

// probe issues a HEAD request. Any HTTP answer below 500 counts as reachable;
// a transport error counts as unreachable. Cancellation is not an answer.
func probe(ctx context.Context, hc *http.Client, target string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, http.NoBody)
	if err != nil {
		return false, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, ctx.Err()
		}
		return false, nil
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError, nil
}

func registerReachability(g *registrar, opts Options) {
	target := opts.Reachability.URL
	if target == "" {
		target = DefaultReachabilityURL
	}
	hc := opts.HTTPClient
	g.add(NameNetworkReachable, property.AsyncFunc(property.KindBool, func(ctx context.Context, p *property.Promise) {
		go func() {
			ok, err := probe(ctx, hc, target)
			if err != nil {
				p.Fail(err)
				return
			}
			p.Resolve(property.BoolValue(ok))
		}()
	}))
}
