package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flotilla-io/flotilla/pkg/endpoint"
	"github.com/flotilla-io/flotilla/pkg/events"
	"github.com/flotilla-io/flotilla/pkg/ips"
	"github.com/flotilla-io/flotilla/pkg/loadbalancer"
	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/metrics"
	"github.com/flotilla-io/flotilla/pkg/ring"
	"github.com/flotilla-io/flotilla/pkg/store"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// Config holds process-level settings for one manager
type Config struct {
	StoreServers []string
	Root         string

	// LoadBalancers is the bootstrap driver list, used until the store
	// provides manager configuration.
	LoadBalancers []types.LoadBalancerConfig
}

// watchKind tags events flowing from store watches into the run loop
type watchKind int

const (
	evManagers watchKind = iota
	evManagerKeys
	evEndpoints
	evEndpointConfig
	evNewIPs
	evDropIPs
	evConfig
)

// watchEvent is one store change, consumed by the single-threaded run
// loop that owns all mutable manager state.
type watchEvent struct {
	kind     watchKind
	name     string
	data     []byte
	children []string
}

// Manager is one control-plane process: a slice of the ownership ring
// plus the reconcilers for every endpoint it currently owns.
type Manager struct {
	uuid   string
	cfg    Config
	paths  *store.Paths
	logger zerolog.Logger

	client   store.Client
	mcfg     types.ManagerConfig
	globalIP string
	domain   string
	vkeys    []string

	ring     *ring.Ring
	managers map[string][]string // uuid -> published virtual keys
	watched  map[string]bool     // key-list nodes with a content watch

	endpoints      map[string]*endpoint.Endpoint
	keyToEndpoints map[string][]string // endpoint key -> names sharing it
	owned          map[string]bool     // endpoint key -> owned here

	pool   loadbalancer.Pool
	broker *events.Broker

	eventCh chan watchEvent
	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a manager with a fresh UUID
func New(cfg Config) *Manager {
	id := uuid.New().String()
	m := &Manager{
		uuid:           id,
		cfg:            cfg,
		paths:          store.NewPaths(cfg.Root),
		logger:         log.WithManagerID(id),
		mcfg:           types.DefaultManagerConfig(),
		ring:           ring.New(),
		managers:       make(map[string][]string),
		watched:        make(map[string]bool),
		endpoints:      make(map[string]*endpoint.Endpoint),
		keyToEndpoints: make(map[string][]string),
		owned:          make(map[string]bool),
		broker:         events.NewBroker(),
		eventCh:        make(chan watchEvent, 128),
		stopCh:         make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	return m
}

// UUID returns the manager's identity
func (m *Manager) UUID() string { return m.uuid }

// Broker returns the event broker for the admin surface
func (m *Manager) Broker() *events.Broker { return m.broker }

// Run connects, registers and loops until Stop. Connection failures
// after the configured retries surface as an error; the command maps
// that to exit code 2. Session expiry triggers a full re-register.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)

	m.broker.Start()
	defer m.broker.Stop()

	for {
		select {
		case <-m.stopCh:
			return nil
		default:
		}

		if err := m.serve(ctx); err != nil {
			return err
		}

		// Kick the load balancer into a known state on (re)start.
		m.reloadLoadBalancer(ctx)

		if done := m.loop(ctx); done {
			return nil
		}

		// The session died. Drop everything ephemeral and reconnect;
		// peers have already re-sharded around us.
		metrics.SessionLossesTotal.Inc()
		m.client.Close()
		m.unmanageAll()
	}
}

// Stop shuts the manager down cleanly, releasing all ephemeral state
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.stopped
	if m.client != nil {
		m.client.Close()
	}
	m.logger.Info().Msg("Manager stopped")
}

// serve establishes the session, registers this manager and arms all
// watches.
func (m *Manager) serve(ctx context.Context) error {
	client, err := store.Connect(store.Config{
		Servers:        m.cfg.StoreServers,
		SessionTimeout: 10 * time.Second,
		ConnectRetries: 5,
		RetryFloor:     m.mcfg.HealthCheckInterval(),
	})
	if err != nil {
		return err
	}
	m.client = client

	if err := m.register(true); err != nil {
		client.Close()
		return err
	}

	m.buildPool()

	// Arm the long-lived watches. Each handler enqueues an event; the
	// run loop owns all mutable state.
	if _, err := client.WatchChildren(m.paths.NewIPs(), func(children []string) {
		m.enqueue(watchEvent{kind: evNewIPs, children: children})
	}); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to watch new IPs")
	}
	if _, err := client.WatchChildren(m.paths.DropIPs(), func(children []string) {
		m.enqueue(watchEvent{kind: evDropIPs, children: children})
	}); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to watch drop IPs")
	}

	managers, err := client.WatchChildren(m.paths.ManagerKeys(), func(children []string) {
		m.enqueue(watchEvent{kind: evManagers, children: children})
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to watch managers")
	}
	m.managerChange(managers)

	endpoints, err := client.WatchChildren(m.paths.Endpoints(), func(children []string) {
		m.enqueue(watchEvent{kind: evEndpoints, children: children})
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to watch endpoints")
	}
	m.endpointChange(ctx, endpoints)

	// Drain anything announced while we were away.
	if pending, err := client.Children(m.paths.NewIPs()); err == nil {
		m.registerIPs(ctx, pending)
	}

	m.logger.Info().
		Str("ip", m.globalIP).
		Int("keys", len(m.vkeys)).
		Msg("Manager serving")
	return nil
}

// loop is the single-threaded event loop: watch events and the periodic
// health-check clock both land here. Returns true on clean stop, false
// on session loss.
func (m *Manager) loop(ctx context.Context) bool {
	interval := m.mcfg.HealthCheckInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-m.stopCh:
			return true

		case <-m.client.SessionLost():
			m.logger.Error().Msg("Session lost, rebuilding")
			return false

		case ev := <-m.eventCh:
			m.dispatch(ctx, ev)

		case <-timer.C:
			started := time.Now()
			m.healthCheck(ctx)
			if elapsed := time.Since(started); elapsed > interval {
				// The next scheduled tick already passed while we were
				// working; it is skipped, not queued.
				metrics.TicksSkipped.Inc()
				m.logger.Warn().Dur("elapsed", elapsed).
					Msg("Health check overran the tick interval")
			}
			timer.Reset(interval)
		}
	}
}

// dispatch routes one watch event
func (m *Manager) dispatch(ctx context.Context, ev watchEvent) {
	switch ev.kind {
	case evManagers:
		m.managerChange(ev.children)
	case evManagerKeys:
		m.managerKeysChange(ev.name)
	case evEndpoints:
		m.endpointChange(ctx, ev.children)
	case evEndpointConfig:
		m.endpointConfigChange(ctx, ev.name, ev.data)
	case evNewIPs:
		m.registerIPs(ctx, ev.children)
	case evDropIPs:
		m.processDropIPs(ctx, ev.children)
	case evConfig:
		if err := m.register(false); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to re-register")
		}
	}
}

func (m *Manager) enqueue(ev watchEvent) {
	select {
	case m.eventCh <- ev:
	case <-m.stopCh:
	}
}

// register publishes this manager's identity: its reachable IP, its
// virtual ring keys (both ephemeral) and loads its effective config.
func (m *Manager) register(initial bool) error {
	globalIP, err := ips.FindGlobal()
	if err != nil {
		return fmt.Errorf("cannot determine manager address: %w", err)
	}
	m.globalIP = globalIP

	cfg := types.DefaultManagerConfig()
	var globalBlob []byte
	if initial {
		globalBlob, _ = m.client.WatchContents(m.paths.Config(), func(data []byte) {
			m.enqueue(watchEvent{kind: evConfig, data: data})
		})
	} else {
		globalBlob, _ = m.client.Read(m.paths.Config())
	}
	if err := cfg.Merge(globalBlob); err != nil {
		m.logger.Warn().Err(err).Msg("Ignoring bad global config")
	}

	var localBlob []byte
	if initial {
		localBlob, _ = m.client.WatchContents(m.paths.ManagerConfig(m.uuid), func(data []byte) {
			m.enqueue(watchEvent{kind: evConfig, data: data})
		})
	} else {
		localBlob, _ = m.client.Read(m.paths.ManagerConfig(m.uuid))
	}
	if err := cfg.Merge(localBlob); err != nil {
		m.logger.Warn().Err(err).Msg("Ignoring bad manager config")
	}
	m.mcfg = cfg

	// The public domain for the admin surface, if the operator set one.
	if domain, err := m.client.Read(m.paths.URL()); err == nil {
		m.domain = string(domain)
	}

	if err := m.client.WriteEphemeral(m.paths.ManagerIP(m.globalIP), []byte(m.uuid)); err != nil {
		return fmt.Errorf("failed to register manager IP: %w", err)
	}

	// Grow or shrink our virtual key set to the configured count, then
	// republish. Existing keys are kept so ownership stays stable.
	for len(m.vkeys) < cfg.Keys {
		m.vkeys = append(m.vkeys, ring.RandomKeys(1)...)
	}
	if len(m.vkeys) > cfg.Keys {
		m.vkeys = m.vkeys[:cfg.Keys]
	}
	keyList := strings.Join(m.vkeys, ",")
	if err := m.client.WriteEphemeral(m.paths.ManagerKeyList(m.uuid), []byte(keyList)); err != nil {
		return fmt.Errorf("failed to publish ring keys: %w", err)
	}

	if !initial {
		// Config changed underneath us; recompute every ownership.
		for _, e := range m.endpoints {
			m.manageSelect(e)
		}
	}
	return nil
}

// buildPool constructs the load-balancer drivers from the effective
// config, falling back to the bootstrap list.
func (m *Manager) buildPool() {
	configs := m.mcfg.LoadBalancers
	if len(configs) == 0 {
		configs = m.cfg.LoadBalancers
	}

	var pool loadbalancer.Pool
	for _, lbCfg := range configs {
		driver, err := loadbalancer.New(lbCfg.Name,
			loadbalancer.Config(lbCfg.Config),
			loadbalancer.Deps{Locker: m})
		if err != nil {
			m.logger.Error().Str("driver", lbCfg.Name).Err(err).
				Msg("Skipping load balancer driver")
			continue
		}
		pool = append(pool, driver)
	}
	m.pool = pool
}

// managerChange rebuilds the ring from the current manager set
func (m *Manager) managerChange(current []string) {
	seen := make(map[string]bool, len(current))
	for _, id := range current {
		seen[id] = true
		if _, known := m.managers[id]; known {
			continue
		}
		keys := m.readManagerKeys(id)
		m.logger.Info().Str("peer", id).Int("keys", len(keys)).
			Msg("Found manager")
		m.managers[id] = keys
		m.watchManagerKeys(id)
		m.broker.Publish(&events.Event{
			Type:     events.EventManagerJoined,
			Message:  "manager joined",
			Metadata: map[string]string{"manager": id},
		})
	}

	for id := range m.managers {
		if !seen[id] {
			m.logger.Info().Str("peer", id).Msg("Removing manager")
			delete(m.managers, id)
			m.broker.Publish(&events.Event{
				Type:     events.EventManagerLeft,
				Message:  "manager left",
				Metadata: map[string]string{"manager": id},
			})
		}
	}

	m.rebuildRing()
}

// managerKeysChange refreshes one manager's published key list
func (m *Manager) managerKeysChange(id string) {
	if _, known := m.managers[id]; !known {
		return
	}
	m.managers[id] = m.readManagerKeys(id)
	m.rebuildRing()
}

func (m *Manager) readManagerKeys(id string) []string {
	data, err := m.client.Read(m.paths.ManagerKeyList(id))
	if err != nil {
		if err != store.ErrNotFound {
			metrics.StoreErrorsTotal.Inc()
		}
		return nil
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// watchManagerKeys arms a content watch on a peer's key list so key
// count changes re-shard promptly.
func (m *Manager) watchManagerKeys(id string) {
	node := m.paths.ManagerKeyList(id)
	if m.watched[node] {
		return
	}
	m.watched[node] = true
	_, err := m.client.WatchContents(node, func([]byte) {
		m.enqueue(watchEvent{kind: evManagerKeys, name: id})
	})
	if err != nil {
		m.logger.Debug().Str("peer", id).Err(err).
			Msg("Failed to watch peer keys")
	}
}

// rebuildRing recomputes the wheel and every endpoint's ownership
func (m *Manager) rebuildRing() {
	m.ring.Update(m.managers)
	metrics.ManagersTotal.Set(float64(len(m.managers)))
	metrics.RingKeysTotal.Set(float64(m.ring.Size()))

	for _, e := range m.endpoints {
		m.manageSelect(e)
	}
}

// unmanageAll drops all in-memory ownership state after a session loss.
// Cloud instances are untouched; the next owner picks them up.
func (m *Manager) unmanageAll() {
	for key, owned := range m.owned {
		if !owned {
			continue
		}
		for _, name := range m.keyToEndpoints[key] {
			if e, ok := m.endpoints[name]; ok {
				e.Unmanage()
			}
		}
	}
	m.owned = make(map[string]bool)
	m.managers = make(map[string][]string)
	m.watched = make(map[string]bool)
	m.endpoints = make(map[string]*endpoint.Endpoint)
	m.keyToEndpoints = make(map[string][]string)
	m.ring = ring.New()
	metrics.EndpointsOwned.Set(0)
}
