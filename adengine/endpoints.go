package adengine

import (
	"context"
	"fmt"

	"github.com/hazyhaar/adserve/kit"
)

// Endpoints are the service operations as transport-neutral kit endpoints.
// The HTTP and MCP surfaces both call through them, so every call is
// logged the same way whatever the transport.
type Endpoints struct {
	Serve  kit.Endpoint
	Click  kit.Endpoint
	Rank   kit.Endpoint
	Stats  kit.Endpoint
	Reload kit.Endpoint
}

// Endpoints builds the endpoint set, each wrapped with call logging.
func (s *Service) Endpoints() Endpoints {
	wrap := func(name string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(s.logger, name))(ep)
	}
	return Endpoints{
		Serve: wrap("serve", func(ctx context.Context, req any) (any, error) {
			r, ok := req.(*ServeRequest)
			if !ok {
				return nil, badRequestType(req)
			}
			return s.Serve(ctx, r)
		}),
		Click: wrap("click", func(ctx context.Context, req any) (any, error) {
			r, ok := req.(*ClickRequest)
			if !ok {
				return nil, badRequestType(req)
			}
			return s.Click(ctx, r)
		}),
		Rank: wrap("rank", func(ctx context.Context, req any) (any, error) {
			r, ok := req.(*RankRequest)
			if !ok {
				return nil, badRequestType(req)
			}
			return s.Rank(ctx, r)
		}),
		Stats: wrap("stats", func(ctx context.Context, req any) (any, error) {
			r, ok := req.(*StatsRequest)
			if !ok {
				return nil, badRequestType(req)
			}
			return s.Stats(ctx, r.Topic)
		}),
		Reload: wrap("reload", func(ctx context.Context, _ any) (any, error) {
			return s.Reload(ctx)
		}),
	}
}

func badRequestType(req any) error {
	return fmt.Errorf("%w: unexpected request type %T", ErrInvalidInput, req)
}
