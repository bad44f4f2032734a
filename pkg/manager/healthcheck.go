package manager

import (
	"context"
	"encoding/json"

	"github.com/flotilla-io/flotilla/pkg/endpoint"
	"github.com/flotilla-io/flotilla/pkg/metrics"
	"github.com/flotilla-io/flotilla/pkg/ring"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// updateMetrics pulls the local load-balancer observations, publishes
// them keyed by endpoint, then fuses them with every peer's snapshot.
// The result maps endpoint keys to concatenated sample lists.
func (m *Manager) updateMetrics() map[string][]types.MetricSample {
	observed := m.pool.Metrics()

	// Attribute each observed host to every endpoint key whose backend
	// set contains it.
	local := make(map[string][]types.MetricSample)
	addressesOf := make(map[string]map[string]bool)
	for host, sample := range observed {
		for name, e := range m.endpoints {
			addrs, ok := addressesOf[name]
			if !ok {
				addrs = toSet(m.activeIPs(name))
				addressesOf[name] = addrs
			}
			if addrs[host] {
				key := e.Key()
				local[key] = append(local[key], sample)
			}
		}
	}

	// Publish our snapshot for the peers; ephemeral so it dies with us.
	if blob, err := json.Marshal(local); err == nil {
		if err := m.client.WriteEphemeral(m.paths.ManagerMetricsFor(m.uuid), blob); err != nil {
			metrics.StoreErrorsTotal.Inc()
		}
	}

	// Fuse across managers by concatenating sample lists per key.
	fused := make(map[string][]types.MetricSample)
	for id := range m.managers {
		var snapshot map[string][]types.MetricSample
		if id == m.uuid {
			snapshot = local
		} else {
			blob, err := m.client.Read(m.paths.ManagerMetricsFor(id))
			if err != nil {
				continue
			}
			if err := json.Unmarshal(blob, &snapshot); err != nil {
				m.logger.Debug().Str("peer", id).Err(err).
					Msg("Ignoring bad peer metrics")
				continue
			}
		}
		for key, samples := range snapshot {
			fused[key] = append(fused[key], samples...)
		}
	}
	return fused
}

// loadMetrics assembles the metric vector for one endpoint: the fused
// samples for its key (or its source endpoint's key when inheriting),
// plus operator overrides and per-host samples.
func (m *Manager) loadMetrics(e *endpoint.Endpoint, fused map[string][]types.MetricSample) []types.MetricSample {
	key := e.Key()
	if cfg := e.Config(); cfg.Source != "" {
		// A backend pool can inherit the traffic observed on its front
		// endpoint.
		if src, ok := m.endpoints[cfg.Source]; ok {
			key = src.Key()
		} else {
			key = ring.KeyOf(cfg.Source)
		}
	}
	samples := append([]types.MetricSample(nil), fused[key]...)

	if blob, err := m.client.Read(m.paths.CustomMetrics(e.Name)); err == nil {
		var sample types.MetricSample
		if err := json.Unmarshal(blob, &sample); err != nil {
			m.logger.Warn().Str("endpoint", e.Name).
				Msg("Invalid custom metrics")
		} else {
			samples = append(samples, sample)
		}
	}

	for _, host := range m.activeIPs(e.Name) {
		blob, err := m.client.Read(m.paths.IPMetrics(e.Name, host))
		if err != nil {
			continue
		}
		var sample types.MetricSample
		if err := json.Unmarshal(blob, &sample); err != nil {
			m.logger.Warn().Str("endpoint", e.Name).Str("host", host).
				Msg("Invalid host metrics")
			continue
		}
		samples = append(samples, sample)
	}
	return samples
}

// readState returns the endpoint's operator state, defaulting when unset
func (m *Manager) readState(name string) types.EndpointState {
	data, err := m.client.Read(m.paths.EndpointState(name))
	if err != nil || len(data) == 0 {
		return types.StateDefault
	}
	switch state := types.EndpointState(data); state {
	case types.StateRunning, types.StateStopped, types.StatePaused:
		return state
	default:
		return types.StateDefault
	}
}

// startParams generates per-launch parameters: a machine name and a
// one-time secret the booting instance can use to enroll itself.
func (m *Manager) startParams(name string) map[string]string {
	return map[string]string{
		"name":     "flotilla-" + ring.RandomKeys(1)[0][:12],
		"password": ring.RandomKeys(1)[0],
		"endpoint": name,
	}
}

// healthCheck is the tick: fuse metrics, then run the health and
// reconciliation passes for every owned endpoint. Errors never stop the
// loop; each endpoint is isolated.
func (m *Manager) healthCheck(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	fused := m.updateMetrics()

	for name, e := range m.endpoints {
		if !m.owned[e.Key()] {
			continue
		}

		samples := m.loadMetrics(e, fused)

		// Expose the fused vector for operators and for the admin API.
		if blob, err := json.Marshal(samples); err == nil {
			if err := m.client.WriteEphemeral(m.paths.LiveMetrics(name), blob); err != nil {
				metrics.StoreErrorsTotal.Inc()
			}
		}

		tick := endpoint.Tick{
			Ctx:          ctx,
			Book:         m,
			Metrics:      samples,
			ConfirmedIPs: m.confirmedIPs(name),
			ActiveIPs:    m.activeIPs(name),
			State:        m.readState(name),
			StartParams:  m.startParams(name),
			Refresh:      func() { m.updateLoadBalancer(e, false) },
		}

		e.HealthCheck(tick)

		// The health pass may have changed the confirmed set; re-read
		// before computing the scaling target.
		tick.ConfirmedIPs = m.confirmedIPs(name)
		e.Update(tick)
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// ensure the manager satisfies the reconciler's bookkeeping contract
var _ endpoint.Bookkeeper = (*Manager)(nil)
