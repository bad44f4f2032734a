package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/metrics"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// Config is the opaque per-endpoint driver configuration
type Config map[string]string

// Driver enumerates, launches and terminates instances for one endpoint
// configuration. Implementations may return errors; the Fleet boundary
// logs and swallows them so the reconciler always sees best-effort
// results.
type Driver interface {
	// Name identifies the driver in endpoint configs.
	Name() string

	// ListInstances returns the current instances sorted by creation time
	// ascending.
	ListInstances(ctx context.Context, cfg Config) ([]types.Instance, error)

	// StartInstance launches one instance with the given start parameters.
	StartInstance(ctx context.Context, cfg Config, params map[string]string) error

	// DeleteInstance terminates the instance with the given id.
	DeleteInstance(ctx context.Context, cfg Config, id string) error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() (Driver, error))
)

// Register makes a driver constructor available by name
func Register(name string, factory func() (Driver, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup constructs the named driver. An unknown name is a data error:
// the endpoint carrying it is skipped, not the process.
func Lookup(name string) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cloud driver %q", name)
	}
	return factory()
}

// Fleet binds a driver to one endpoint's configuration and enforces the
// driver boundary: errors from the underlying cloud API are logged and
// swallowed, and the reconciler relies on the next tick to observe
// reality.
type Fleet struct {
	driver Driver
	cfg    Config
	logger zerolog.Logger
}

// NewFleet wraps a driver and its endpoint configuration
func NewFleet(driver Driver, cfg Config, endpoint string) *Fleet {
	return &Fleet{
		driver: driver,
		cfg:    cfg,
		logger: log.WithEndpoint(endpoint).With().
			Str("cloud", driver.Name()).Logger(),
	}
}

// DriverName returns the name of the wrapped driver
func (f *Fleet) DriverName() string {
	return f.driver.Name()
}

// List returns the current instances, sorted by creation time then id.
// On error an empty list is returned.
func (f *Fleet) List(ctx context.Context) []types.Instance {
	timer := metrics.NewTimer()
	instances, err := f.driver.ListInstances(ctx, f.cfg)
	timer.ObserveDurationVec(metrics.CloudOpDuration, "list")
	if err != nil {
		metrics.CloudErrorsTotal.Inc()
		f.logger.Warn().Err(err).Msg("Failed to list instances")
		return nil
	}

	sort.SliceStable(instances, func(i, j int) bool {
		if !instances[i].Created.Equal(instances[j].Created) {
			return instances[i].Created.Before(instances[j].Created)
		}
		return instances[i].ID < instances[j].ID
	})
	return instances
}

// Start launches one instance. Failures are logged; the next tick
// re-evaluates the fleet either way.
func (f *Fleet) Start(ctx context.Context, params map[string]string) {
	timer := metrics.NewTimer()
	err := f.driver.StartInstance(ctx, f.cfg, params)
	timer.ObserveDurationVec(metrics.CloudOpDuration, "start")
	if err != nil {
		metrics.CloudErrorsTotal.Inc()
		f.logger.Warn().Err(err).Msg("Failed to start instance")
	}
}

// Delete terminates an instance by id
func (f *Fleet) Delete(ctx context.Context, id string) {
	timer := metrics.NewTimer()
	err := f.driver.DeleteInstance(ctx, f.cfg, id)
	timer.ObserveDurationVec(metrics.CloudOpDuration, "delete")
	if err != nil {
		metrics.CloudErrorsTotal.Inc()
		f.logger.Warn().Str("instance_id", id).Err(err).
			Msg("Failed to delete instance")
	}
}

// Addresses returns the flattened address list of the given instances
func Addresses(instances []types.Instance) []string {
	var addrs []string
	for _, instance := range instances {
		addrs = append(addrs, instance.Addresses...)
	}
	return addrs
}

// listCacheTTL bounds how stale a cached instance list may be. Mutating
// calls invalidate the cache immediately.
const listCacheTTL = 5 * time.Second
