package server

import (
	"context"
	"fmt"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/adapter"
	"github.com/quorumhq/quorum/internal/adapter/browser"
	"github.com/quorumhq/quorum/internal/adapter/httpapi"
	"github.com/quorumhq/quorum/internal/session"
)

// BuildAdapters constructs one adapter per enabled service. Browser services
// need the file store for their persistent browser profiles even when the
// session backend is redis.
func BuildAdapters(cfg *config.Config, profiles *session.FileStore, sessions session.Store) (map[string]adapter.ServiceAdapter, error) {
	poller := adapter.StabilityPoller{
		Interval:       cfg.Orchestrator.PollInterval,
		StabilityPolls: cfg.Orchestrator.StabilityPolls,
	}
	adapters := make(map[string]adapter.ServiceAdapter)
	for name, svc := range cfg.Services {
		if !svc.Enabled {
			continue
		}
		switch svc.Type {
		case "browser":
			adapters[name] = browser.New(name, svc, profiles, poller)
		case "httpapi":
			adapters[name] = httpapi.New(name, svc, sessions)
		default:
			return nil, fmt.Errorf("service %s: unknown type %q", name, svc.Type)
		}
	}
	return adapters, nil
}

// adapterProber revalidates a stored session by opening the service and
// checking its authentication markers.
type adapterProber struct {
	adapters map[string]adapter.ServiceAdapter
}

func (p adapterProber) Probe(ctx context.Context, serviceID string) (bool, error) {
	ad, ok := p.adapters[serviceID]
	if !ok {
		return false, fmt.Errorf("no adapter for service %s", serviceID)
	}
	h, err := ad.Open(ctx)
	if err != nil {
		return false, err
	}
	defer h.Close()
	return ad.IsAuthenticated(ctx, h)
}
