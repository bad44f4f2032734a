package loadbalancer

import (
	"fmt"
	"sync"

	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// Config is the opaque per-driver configuration
type Config map[string]string

// IPLocker lets a driver claim shared front-end IPs through the
// coordination store so that two managers on one host never fight over
// the same address.
type IPLocker interface {
	// TryLockIP claims an address for the named driver. Returns false if
	// another manager holds it.
	TryLockIP(driver, ip string) (bool, error)

	// UnlockIP releases a claimed address.
	UnlockIP(driver, ip string) error
}

// Deps carries the collaborators a driver may need at construction time
type Deps struct {
	Locker IPLocker
}

// Driver programs one load-balancer back-end with URL to backend-set
// mappings and reports per-backend traffic metrics. Implementations must
// be idempotent under repeated Change calls with identical arguments.
type Driver interface {
	// Name identifies the driver in endpoint and manager configs.
	Name() string

	// Clear drops every URL this driver manages.
	Clear() error

	// Change installs or replaces the backend set for a URL. An empty
	// backend list removes the URL.
	Change(url string, port int, names []string, backends []string) error

	// Save flushes pending changes to the underlying process, signalling
	// a reload if one is needed.
	Save() error

	// Metrics returns per-backend-host observations.
	Metrics() (map[string]types.MetricSample, error)

	// DropSession evicts a sticky session, if the back-end supports it.
	DropSession(client, backend string) error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func(Config, Deps) (Driver, error))
)

// Register makes a driver constructor available by name
func Register(name string, factory func(Config, Deps) (Driver, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New constructs the named driver with its configuration
func New(name string, cfg Config, deps Deps) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown load balancer driver %q", name)
	}
	return factory(cfg, deps)
}

// Pool fans every operation out to all active drivers. Metrics are merged
// by host: where two drivers observe the same backend, the weighted values
// combine into one sample with summed weight.
type Pool []Driver

// Clear drops all managed URLs on every driver
func (p Pool) Clear() {
	for _, driver := range p {
		if err := driver.Clear(); err != nil {
			log.WithDriver(driver.Name()).Warn().Err(err).
				Msg("Failed to clear load balancer")
		}
	}
}

// Change programs the URL on every driver
func (p Pool) Change(url string, port int, names []string, backends []string) {
	for _, driver := range p {
		if err := driver.Change(url, port, names, backends); err != nil {
			log.WithDriver(driver.Name()).Warn().
				Str("url", url).Err(err).
				Msg("Failed to change load balancer")
		}
	}
}

// Save flushes every driver
func (p Pool) Save() {
	for _, driver := range p {
		if err := driver.Save(); err != nil {
			log.WithDriver(driver.Name()).Warn().Err(err).
				Msg("Failed to save load balancer")
		}
	}
}

// Metrics merges per-host samples across drivers with weight-weighted
// averaging.
func (p Pool) Metrics() map[string]types.MetricSample {
	merged := make(map[string]types.MetricSample)
	for _, driver := range p {
		samples, err := driver.Metrics()
		if err != nil {
			log.WithDriver(driver.Name()).Warn().Err(err).
				Msg("Failed to read load balancer metrics")
			continue
		}
		for host, sample := range samples {
			existing, ok := merged[host]
			if !ok {
				merged[host] = sample
				continue
			}
			for name, value := range sample {
				old, ok := existing[name]
				if !ok {
					existing[name] = value
					continue
				}
				weight := old.Weight + value.Weight
				existing[name] = types.MetricValue{
					Weight: weight,
					Value: (old.Value*old.Weight + value.Value*value.Weight) /
						weight,
				}
			}
		}
	}
	return merged
}

// DropSession forwards the eviction to every driver
func (p Pool) DropSession(client, backend string) {
	for _, driver := range p {
		if err := driver.DropSession(client, backend); err != nil {
			log.WithDriver(driver.Name()).Debug().
				Str("client", client).Err(err).
				Msg("Session drop not applied")
		}
	}
}
