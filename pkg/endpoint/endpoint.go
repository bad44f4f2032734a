package endpoint

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/flotilla-io/flotilla/pkg/calculator"
	"github.com/flotilla-io/flotilla/pkg/cloud"
	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/metrics"
	"github.com/flotilla-io/flotilla/pkg/ring"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// Bookkeeper is the slice of coordination-store state an endpoint needs
// during a tick. The manager implements it; tests substitute a fake.
type Bookkeeper interface {
	// Decommission records an instance as decommissioned with its
	// addresses.
	Decommission(endpoint, id string, addrs []string) error

	// DropDecommissioned removes a decommissioned-instance record.
	DropDecommissioned(endpoint, id string) error

	// DecommissionedInstances lists recorded decommissioned instance ids.
	DecommissionedInstances(endpoint string) ([]string, error)

	// MarkedInstances lists instance ids with outstanding mark counters.
	MarkedInstances(endpoint string) ([]string, error)

	// Mark increments the labelled counter for an instance and reports
	// whether the threshold was reached (which also clears the counter).
	Mark(endpoint, id, label string, maximum int) (bool, error)

	// DropMarked removes all mark counters for an instance.
	DropMarked(endpoint, id string) error

	// DropIP drops a confirmed address and its reverse mapping.
	DropIP(endpoint, ip string) error

	// AppendLog appends one line to the endpoint's event log.
	AppendLog(endpoint, message string)
}

// Tick carries everything one reconciliation pass needs. The endpoint
// holds no reference to the manager; each tick arrives self-contained.
type Tick struct {
	Ctx          context.Context
	Book         Bookkeeper
	Metrics      []types.MetricSample
	ConfirmedIPs []string
	ActiveIPs    []string
	State        types.EndpointState
	StartParams  map[string]string

	// Refresh reprograms the load balancer for this endpoint's URL.
	Refresh func()
}

// Endpoint is the per-endpoint reconciler: it owns the decommissioned
// set and drives the cloud toward the rule-derived instance target. Its
// mutex guards the config and the decommissioned set; the manager loop
// runs the passes of all endpoints one after another.
type Endpoint struct {
	Name string

	mu             sync.Mutex
	config         types.EndpointConfig
	fleet          *cloud.Fleet
	decommissioned []string
	logger         zerolog.Logger
}

// New builds an endpoint from its decoded config. Unknown cloud driver
// names are data errors: the caller skips this endpoint and carries on.
func New(name string, cfg types.EndpointConfig) (*Endpoint, error) {
	driver, err := cloud.Lookup(cfg.Cloud)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		Name:   name,
		config: cfg,
		fleet:  cloud.NewFleet(driver, cloud.Config(cfg.CloudConfig), name),
		logger: log.WithEndpoint(name),
	}, nil
}

// Key returns the stable hash of the endpoint's URL. Endpoints sharing a
// URL share a key and therefore a load-balancer front-end.
func (e *Endpoint) Key() string {
	return ring.KeyOf(e.URL())
}

// URL returns the configured URL or a synthetic one for pool-only
// endpoints.
func (e *Endpoint) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.EndpointURL(e.Name)
}

// Config returns a copy of the current configuration
func (e *Endpoint) Config() types.EndpointConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// StaticAddresses returns the always-active configured addresses
func (e *Endpoint) StaticAddresses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.config.StaticIPs...)
}

// ConfigChange describes what a configuration update invalidated
type ConfigChange struct {
	URLChanged          bool
	LoadBalancerChanged bool
}

// UpdateConfig swaps in a new configuration, rebuilding the cloud fleet
// if the binding changed. The caller re-keys and refreshes the load
// balancer according to the returned change set.
func (e *Endpoint) UpdateConfig(cfg types.EndpointConfig) (ConfigChange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.config
	change := ConfigChange{
		URLChanged: old.EndpointURL(e.Name) != cfg.EndpointURL(e.Name),
	}
	if old.Port != cfg.Port ||
		old.Public != cfg.Public ||
		old.Enabled != cfg.Enabled ||
		!sameStrings(old.StaticIPs, cfg.StaticIPs) {
		change.LoadBalancerChanged = true
	}

	if old.Cloud != cfg.Cloud || !mapsEqual(old.CloudConfig, cfg.CloudConfig) {
		driver, err := cloud.Lookup(cfg.Cloud)
		if err != nil {
			return change, err
		}
		e.fleet = cloud.NewFleet(driver, cloud.Config(cfg.CloudConfig), e.Name)
	}

	e.config = cfg
	return change, nil
}

// Manage loads the decommissioned set from the store and takes
// responsibility for the existing fleet. Nothing in the cloud is touched:
// ownership changes move bookkeeping, not instances.
func (e *Endpoint) Manage(book Bookkeeper) {
	ids, err := book.DecommissionedInstances(e.Name)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to load decommissioned set")
	}

	e.mu.Lock()
	e.decommissioned = ids
	e.mu.Unlock()

	e.logger.Info().Int("decommissioned", len(ids)).Msg("Endpoint managed")
	book.AppendLog(e.Name, "managed")
}

// Unmanage drops in-memory state. Cloud instances and store records are
// left for the next owner.
func (e *Endpoint) Unmanage() {
	e.mu.Lock()
	e.decommissioned = nil
	e.mu.Unlock()
	e.logger.Info().Msg("Endpoint unmanaged")
}

// Instances lists the current cloud instances. With filter set, the
// decommissioned ones are excluded.
func (e *Endpoint) Instances(ctx context.Context, filter bool) []types.Instance {
	instances := e.fleet.List(ctx)
	if !filter {
		return instances
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.Filter(instances, func(instance types.Instance, _ int) bool {
		return !lo.Contains(e.decommissioned, instance.ID)
	})
}

// Addresses returns the addresses of all live (non-decommissioned)
// instances.
func (e *Endpoint) Addresses(ctx context.Context) []string {
	return cloud.Addresses(e.Instances(ctx, true))
}

// Update runs one reconciliation pass: compute the target range from
// metrics and config, then close the gap with at most ramp_limit actions.
func (e *Endpoint) Update(t Tick) {
	cfg := e.Config()
	if !cfg.Enabled || t.State == types.StatePaused {
		e.logger.Debug().Str("state", string(t.State)).
			Msg("Scaling suspended")
		return
	}

	live := e.Instances(t.Ctx, true)
	num := len(live)

	targetMin, targetMax := e.targetRange(t.Metrics, len(t.ConfirmedIPs))
	if t.State == types.StateStopped {
		targetMin, targetMax = 0, 0
	}

	var target int
	switch {
	case targetMin > targetMax:
		// Undefined or conflicting metrics: hold.
		target = num
	case num >= targetMin && num <= targetMax:
		target = num
	default:
		target = (targetMin + targetMax) / 2
	}

	e.logger.Debug().
		Int("current", num).
		Int("target", target).
		Int("target_min", targetMin).
		Int("target_max", targetMax).
		Msg("Reconcile target computed")

	actions := 0
	ramp := cfg.RampLimit

	for num < target && actions < ramp {
		e.launch(t)
		num++
		actions++
	}

	var toDecommission []types.Instance
	for num > target && actions < ramp {
		// Pop from the tail: most recently created goes first.
		toDecommission = append(toDecommission, live[len(live)-1])
		live = live[:len(live)-1]
		num--
		actions++
	}
	e.decommission(t, toDecommission, "scaling down to target")
}

// targetRange intersects the rule-derived ideal range with the configured
// bounds, saturating deterministically when they do not overlap.
func (e *Endpoint) targetRange(samples []types.MetricSample, confirmed int) (int, int) {
	cfg := e.Config()

	idealMin, idealMax := calculator.IdealRange(cfg.Rules, samples, confirmed)
	if idealMax < idealMin {
		// Conflicting rules; surface the inverted range so the caller
		// holds.
		e.logger.Warn().
			Int("ideal_min", idealMin).
			Int("ideal_max", idealMax).
			Msg("Scaling rules conflict")
		return idealMin, idealMax
	}

	targetMin := max(idealMin, cfg.MinInstances)
	targetMax := min(idealMax, cfg.MaxInstances)
	if targetMax >= targetMin {
		return targetMin, targetMax
	}

	if idealMin > cfg.MaxInstances {
		// Demand exceeds allowance: saturate high.
		return cfg.MaxInstances, cfg.MaxInstances
	}
	// Demand below allowance: saturate low.
	return cfg.MinInstances, cfg.MinInstances
}

// launch starts one instance. The address only enters the load balancer
// once the instance announces itself.
func (e *Endpoint) launch(t Tick) {
	e.logger.Info().Msg("Launching instance")
	e.fleet.Start(t.Ctx, t.StartParams)
	metrics.LaunchesTotal.WithLabelValues(e.Name).Inc()
	t.Book.AppendLog(e.Name, "instance launched")
}

// decommission removes instances from tracking and the load balancer but
// leaves them running so in-flight sessions drain.
func (e *Endpoint) decommission(t Tick, instances []types.Instance, reason string) {
	for _, instance := range instances {
		e.logger.Info().
			Str("instance_id", instance.ID).
			Str("reason", reason).
			Msg("Decommissioning instance")

		if err := t.Book.Decommission(e.Name, instance.ID, instance.Addresses); err != nil {
			e.logger.Warn().Err(err).Str("instance_id", instance.ID).
				Msg("Failed to record decommission")
		}

		e.mu.Lock()
		if !lo.Contains(e.decommissioned, instance.ID) {
			e.decommissioned = append(e.decommissioned, instance.ID)
		}
		e.mu.Unlock()

		metrics.DecommissionsTotal.WithLabelValues(e.Name).Inc()
		t.Book.AppendLog(e.Name, "instance "+instance.ID+" decommissioned")
	}

	// The instances stay alive for draining. From the next health pass on
	// their confirmed addresses are dropped as orphans, which takes them
	// out of the balancer.
	if len(instances) > 0 && t.Refresh != nil {
		t.Refresh()
	}
}

// delete removes a decommissioned instance from the cloud and from all
// bookkeeping.
func (e *Endpoint) delete(t Tick, id string) {
	e.logger.Info().Str("instance_id", id).Msg("Deleting instance")
	e.fleet.Delete(t.Ctx, id)

	if err := t.Book.DropDecommissioned(e.Name, id); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", id).
			Msg("Failed to drop decommissioned record")
	}

	e.mu.Lock()
	e.decommissioned = lo.Without(e.decommissioned, id)
	e.mu.Unlock()

	metrics.DeletesTotal.WithLabelValues(e.Name).Inc()
	t.Book.AppendLog(e.Name, "instance "+id+" deleted")
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, item := range a {
		seen[item]++
	}
	for _, item := range b {
		seen[item]--
		if seen[item] < 0 {
			return false
		}
	}
	return true
}
