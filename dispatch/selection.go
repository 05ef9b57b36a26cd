package dispatch

import (
	"context"
	"sort"

	"github.com/llmlb/llmlb/catalog"
	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/types"
)

// catalogLookup is the subset of catalog.Catalog the dispatcher depends on,
// kept as an interface so dispatch's tests don't need a live
// *gorm.DB-backed Catalog.
type catalogLookup interface {
	Lookup(ctx context.Context, model string) ([]string, error)
	List(ctx context.Context) ([]catalog.Model, error)
}

// resolveModel implements §4.4.1: an unknown model is rejected with
// not_found_error; a model known to the catalog but with no currently
// selectable endpoint is rejected with service_unavailable/no_capable_nodes.
func (d *Dispatcher) resolveModel(ctx context.Context, model string, cap types.Capability) ([]types.Endpoint, *types.Error) {
	endpointIDs, err := d.catalog.Lookup(ctx, model)
	if err != nil {
		return nil, types.NewServerError("failed to resolve model").WithCause(err)
	}
	if len(endpointIDs) == 0 {
		return nil, types.NewNotFoundError("the requested model is not known to any registered endpoint").WithCode("model_not_found")
	}

	known := make(map[string]struct{}, len(endpointIDs))
	for _, id := range endpointIDs {
		known[id] = struct{}{}
	}

	candidates := make([]types.Endpoint, 0, len(endpointIDs))
	for _, ep := range d.store.List(registry.Filter{}) {
		if _, ok := known[ep.ID]; !ok {
			continue
		}
		if ep.Status != types.StatusOnline {
			continue
		}
		if cap != "" && !ep.HasCapability(cap) {
			continue
		}
		if d.exclusions.IsExcluded(ep.ID, model) {
			continue
		}
		if d.breakers.Open(ep.ID) {
			continue
		}
		candidates = append(candidates, ep)
	}

	if len(candidates) == 0 {
		return nil, types.NewServiceUnavailableError("no capable endpoint is currently available for this model").WithCode("no_capable_nodes")
	}

	return candidates, nil
}

// selectEndpoint implements §4.4.2's deterministic tie-break: lowest
// active_requests, then lowest latency_ms, then lowest id. In "round_robin"
// mode (config.RouterConfig.Mode) it instead cycles through the
// id-sorted candidate list, ignoring load and latency entirely.
func (d *Dispatcher) selectEndpoint(candidates []types.Endpoint) types.Endpoint {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if d.mode == "round_robin" {
		idx := d.roundRobin.Add(1) - 1
		return candidates[int(idx)%len(candidates)]
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		loadA := d.load.Active(a.ID, overrideOf(a))
		loadB := d.load.Active(b.ID, overrideOf(b))
		if loadA != loadB {
			return loadA < loadB
		}
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// overrideOf surfaces an endpoint-reported active_requests figure when its
// most recent GPU telemetry carries one, per the Open Question resolution
// recorded in DESIGN.md: the endpoint's own report overrides local tracking
// when present.
func overrideOf(e types.Endpoint) *int {
	if e.GPUSnapshot.ActiveRequests > 0 {
		v := e.GPUSnapshot.ActiveRequests
		return &v
	}
	return nil
}

func asCandidates(endpoints []types.Endpoint) []candidate {
	out := make([]candidate, len(endpoints))
	for i, e := range endpoints {
		out[i] = candidate{ID: e.ID, Override: overrideOf(e)}
	}
	return out
}
