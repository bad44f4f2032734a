package manager

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/flotilla-io/flotilla/pkg/endpoint"
	"github.com/flotilla-io/flotilla/pkg/events"
	"github.com/flotilla-io/flotilla/pkg/metrics"
	"github.com/flotilla-io/flotilla/pkg/store"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// endpointChange reconciles the in-memory endpoint set against the store
func (m *Manager) endpointChange(ctx context.Context, names []string) {
	m.logger.Debug().
		Strs("current", names).
		Int("known", len(m.endpoints)).
		Msg("Endpoints changed")

	for _, name := range names {
		if _, known := m.endpoints[name]; !known {
			m.createEndpoint(ctx, name)
		}
	}

	current := toNameSet(names)
	for name := range m.endpoints {
		if !current[name] {
			m.removeEndpoint(name, true)
		}
	}

	metrics.EndpointsTotal.Set(float64(len(m.endpoints)))
}

// createEndpoint loads, decodes and starts tracking one endpoint.
// Malformed configs and unknown driver names are data errors: the
// endpoint is skipped and everything else continues.
func (m *Manager) createEndpoint(ctx context.Context, name string) {
	data, err := m.client.Read(m.paths.Endpoint(name))
	if err != nil && err != store.ErrNotFound {
		metrics.StoreErrorsTotal.Inc()
		m.logger.Warn().Str("endpoint", name).Err(err).
			Msg("Failed to read endpoint config")
		return
	}

	cfg, err := types.ParseEndpointConfig(data)
	if err != nil {
		m.logger.Error().Str("endpoint", name).Err(err).
			Msg("Skipping endpoint with invalid config")
		return
	}

	e, err := endpoint.New(name, cfg)
	if err != nil {
		m.logger.Error().Str("endpoint", name).Err(err).
			Msg("Skipping endpoint")
		return
	}

	m.addEndpoint(ctx, e)

	// Watch the config blob for live updates.
	_, err = m.client.WatchContents(m.paths.Endpoint(name), func(data []byte) {
		m.enqueue(watchEvent{kind: evEndpointConfig, name: name, data: data})
	})
	if err != nil {
		m.logger.Warn().Str("endpoint", name).Err(err).
			Msg("Failed to watch endpoint config")
	}

	m.broker.Publish(&events.Event{
		Type:     events.EventEndpointCreated,
		Message:  "endpoint created",
		Metadata: map[string]string{"endpoint": name},
	})
}

// addEndpoint indexes the endpoint, selects its owner and programs the
// load balancer.
func (m *Manager) addEndpoint(ctx context.Context, e *endpoint.Endpoint) {
	m.endpoints[e.Name] = e
	key := e.Key()
	if !lo.Contains(m.keyToEndpoints[key], e.Name) {
		m.keyToEndpoints[key] = append(m.keyToEndpoints[key], e.Name)
	}

	m.manageSelect(e)
	m.updateLoadBalancer(e, false)
}

// removeEndpoint stops tracking an endpoint, optionally unmanaging it
func (m *Manager) removeEndpoint(name string, unmanage bool) {
	e, ok := m.endpoints[name]
	if !ok {
		return
	}

	m.logger.Info().Str("endpoint", name).Msg("Removing endpoint")
	m.updateLoadBalancer(e, true)

	key := e.Key()
	m.keyToEndpoints[key] = lo.Without(m.keyToEndpoints[key], name)
	if len(m.keyToEndpoints[key]) == 0 {
		delete(m.keyToEndpoints, key)
		delete(m.owned, key)
	}

	if unmanage && m.ownedKey(key) {
		e.Unmanage()
	}
	delete(m.endpoints, name)

	m.broker.Publish(&events.Event{
		Type:     events.EventEndpointRemoved,
		Message:  "endpoint removed",
		Metadata: map[string]string{"endpoint": name},
	})
}

// endpointConfigChange applies a live config update
func (m *Manager) endpointConfigChange(ctx context.Context, name string, data []byte) {
	e, ok := m.endpoints[name]
	if !ok {
		return
	}

	cfg, err := types.ParseEndpointConfig(data)
	if err != nil {
		m.logger.Error().Str("endpoint", name).Err(err).
			Msg("Ignoring invalid endpoint config update")
		return
	}

	oldKey := e.Key()
	oldURL := e.URL()
	oldPort := e.Config().Port
	change, err := e.UpdateConfig(cfg)
	if err != nil {
		m.logger.Error().Str("endpoint", name).Err(err).
			Msg("Ignoring config update with bad cloud binding")
		return
	}

	if change.URLChanged {
		// The endpoint moved to a different front-end: drop it from the
		// old URL's backend set and re-index under the new key.
		m.keyToEndpoints[oldKey] = lo.Without(m.keyToEndpoints[oldKey], name)
		if len(m.keyToEndpoints[oldKey]) == 0 {
			// Nothing serves the old URL anymore; clear its front-end.
			m.pool.Change(oldURL, oldPort, nil, nil)
			m.pool.Save()
			delete(m.keyToEndpoints, oldKey)
			delete(m.owned, oldKey)
		} else {
			m.refreshKey(oldKey)
		}
		m.addEndpoint(ctx, e)
	} else if change.LoadBalancerChanged {
		m.updateLoadBalancer(e, false)
	}

	m.broker.Publish(&events.Event{
		Type:     events.EventEndpointUpdated,
		Message:  "endpoint updated",
		Metadata: map[string]string{"endpoint": name},
	})
}

// manageSelect recomputes ownership of one endpoint and reacts to the
// transition. An ownership change never touches cloud instances; the new
// owner just assumes responsibility for the existing fleet.
func (m *Manager) manageSelect(e *endpoint.Endpoint) {
	key := e.Key()
	wasOwned := m.owned[key]

	owner, ok := m.ring.OwnerOf(key)
	if !ok {
		m.logger.Error().Msg("No managers on the ring")
		m.owned[key] = false
		return
	}

	isOwned := owner == m.uuid
	m.owned[key] = isOwned
	m.logger.Info().
		Str("endpoint", e.Name).
		Str("owner", owner).
		Bool("mine", isOwned).
		Msg("Ownership computed")

	switch {
	case isOwned && !wasOwned:
		e.Manage(m)
		// Informational: operators can ask who owns what.
		if err := m.client.Write(m.paths.EndpointManager(e.Name), []byte(m.uuid)); err != nil {
			metrics.StoreErrorsTotal.Inc()
		}
		m.broker.Publish(&events.Event{
			Type:     events.EventEndpointOwned,
			Message:  "endpoint owned",
			Metadata: map[string]string{"endpoint": e.Name},
		})
	case !isOwned && wasOwned:
		e.Unmanage()
		m.broker.Publish(&events.Event{
			Type:     events.EventEndpointReleased,
			Message:  "endpoint released",
			Metadata: map[string]string{"endpoint": e.Name},
		})
	}

	m.updateOwnedGauge()
}

func (m *Manager) ownedKey(key string) bool {
	return m.owned[key]
}

func (m *Manager) updateOwnedGauge() {
	owned := 0
	for _, e := range m.endpoints {
		if m.owned[e.Key()] {
			owned++
		}
	}
	metrics.EndpointsOwned.Set(float64(owned))
}

// confirmedIPs lists the confirmed addresses for an endpoint
func (m *Manager) confirmedIPs(name string) []string {
	ipsList, err := m.client.Children(m.paths.ConfirmedIPs(name))
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		return nil
	}
	sort.Strings(ipsList)
	return ipsList
}

// activeIPs is the full backend set for an endpoint: confirmed plus
// static addresses. This is exactly what the load balancer serves.
func (m *Manager) activeIPs(name string) []string {
	addrs := m.confirmedIPs(name)
	if e, ok := m.endpoints[name]; ok {
		addrs = append(addrs, e.StaticAddresses()...)
	}
	return addrs
}

// updateLoadBalancer reprograms the front-end for an endpoint's URL with
// the union of backends across every endpoint sharing its key, then
// flushes. With remove set, the given endpoint is excluded from the
// union.
func (m *Manager) updateLoadBalancer(e *endpoint.Endpoint, remove bool) {
	var names []string
	var addrs []string

	for _, name := range m.keyToEndpoints[e.Key()] {
		if remove && name == e.Name {
			continue
		}
		names = append(names, name)
		addrs = append(addrs, m.activeIPs(name)...)
	}
	sort.Strings(names)
	addrs = lo.Uniq(addrs)
	sort.Strings(addrs)

	m.logger.Info().
		Str("url", e.URL()).
		Strs("backends", addrs).
		Msg("Updating load balancer")
	m.pool.Change(e.URL(), e.Config().Port, names, addrs)
	m.pool.Save()
}

// refreshKey reprograms the front-end for a key after membership changed
func (m *Manager) refreshKey(key string) {
	names := m.keyToEndpoints[key]
	if len(names) == 0 {
		return
	}
	if e, ok := m.endpoints[names[0]]; ok {
		m.updateLoadBalancer(e, false)
	}
}

// reloadLoadBalancer clears every driver and reprograms all known URLs
func (m *Manager) reloadLoadBalancer(ctx context.Context) {
	m.pool.Clear()
	done := make(map[string]bool)
	for _, e := range m.endpoints {
		if done[e.Key()] {
			continue
		}
		done[e.Key()] = true
		m.updateLoadBalancer(e, false)
	}
	m.pool.Save()
}

// registerIPs matches announced addresses against owned endpoints. The
// candidate endpoints are scanned in lexicographic name order so
// concurrent managers resolve overlapping address sets identically.
func (m *Manager) registerIPs(ctx context.Context, pending []string) {
	if len(pending) == 0 {
		return
	}

	names := lo.Keys(m.endpoints)
	sort.Strings(names)

	for _, ip := range pending {
		for _, name := range names {
			e := m.endpoints[name]
			if !m.owned[e.Key()] {
				continue
			}
			if !lo.Contains(e.Addresses(ctx), ip) {
				continue
			}

			m.logger.Info().
				Str("ip", ip).
				Str("endpoint", name).
				Msg("Confirming announced IP")

			if err := m.client.Write(m.paths.ConfirmedIP(name, ip), nil); err != nil {
				metrics.StoreErrorsTotal.Inc()
				break
			}
			if err := m.client.Write(m.paths.IPAssociation(ip), []byte(name)); err != nil {
				metrics.StoreErrorsTotal.Inc()
			}
			if err := m.client.Delete(m.paths.NewIP(ip)); err != nil {
				metrics.StoreErrorsTotal.Inc()
			}

			metrics.IPsConfirmedTotal.Inc()
			m.AppendLog(name, "ip "+ip+" confirmed")
			m.broker.Publish(&events.Event{
				Type:    events.EventIPConfirmed,
				Message: "ip confirmed",
				Metadata: map[string]string{
					"endpoint": name,
					"ip":       ip,
				},
			})
			m.updateLoadBalancer(e, false)
			break
		}
		// Unmatched IPs stay pending until an endpoint claims them.
	}
}

// processDropIPs handles operator-requested address removals
func (m *Manager) processDropIPs(ctx context.Context, pending []string) {
	for _, ip := range pending {
		data, err := m.client.Read(m.paths.IPAssociation(ip))
		if err != nil {
			if err != store.ErrNotFound {
				metrics.StoreErrorsTotal.Inc()
				continue
			}
			// Nothing owns it; just consume the request.
			m.client.Delete(m.paths.DropIP(ip))
			continue
		}

		name := string(data)
		e, ok := m.endpoints[name]
		if !ok || !m.owned[e.Key()] {
			continue
		}

		m.logger.Info().Str("ip", ip).Str("endpoint", name).
			Msg("Dropping IP on request")
		if err := m.DropIP(name, ip); err != nil {
			metrics.StoreErrorsTotal.Inc()
			continue
		}
		m.client.Delete(m.paths.DropIP(ip))
		m.updateLoadBalancer(e, false)
	}
}

func toNameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}
