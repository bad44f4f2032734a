package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EndpointState represents the operator-visible state of an endpoint
type EndpointState string

const (
	// StateDefault means the endpoint follows its configured scaling rules.
	StateDefault EndpointState = "default"

	// StateRunning behaves like default; kept distinct so operators can
	// tell an explicitly started endpoint from one never touched.
	StateRunning EndpointState = "running"

	// StateStopped pins the instance target to zero.
	StateStopped EndpointState = "stopped"

	// StatePaused suspends scaling actions but keeps health bookkeeping.
	StatePaused EndpointState = "paused"
)

// RuleOp is the comparison operator of a scaling rule
type RuleOp string

const (
	OpGreater      RuleOp = ">"
	OpGreaterEqual RuleOp = ">="
	OpLess         RuleOp = "<"
	OpLessEqual    RuleOp = "<="
)

// Rule constrains the ideal instance count for an endpoint.
// A ">" rule raises the floor when the per-instance average exceeds the
// threshold; a "<" rule lowers the ceiling when it falls below.
type Rule struct {
	Metric string  `json:"metric"`
	Op     RuleOp  `json:"op"`
	Value  float64 `json:"value"`
}

// Validate checks the rule for config-time errors
func (r Rule) Validate() error {
	if r.Metric == "" {
		return fmt.Errorf("rule has empty metric name")
	}
	switch r.Op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
	default:
		return fmt.Errorf("rule for metric %q has unknown operator %q", r.Metric, r.Op)
	}
	if r.Value < 0 {
		return fmt.Errorf("rule for metric %q has negative threshold", r.Metric)
	}
	return nil
}

// EndpointConfig is the decoded form of the JSON blob stored under an
// endpoint's node. Decoding happens once at the store boundary; everything
// past that point operates on this struct.
type EndpointConfig struct {
	URL           string            `json:"url"`
	Port          int               `json:"port"`
	Cloud         string            `json:"cloud"`
	CloudConfig   map[string]string `json:"cloud_config,omitempty"`
	LoadBalancers []string          `json:"loadbalancer,omitempty"`
	MinInstances  int               `json:"min_instances"`
	MaxInstances  int               `json:"max_instances"`
	RampLimit     int               `json:"ramp_limit"`
	MarkMaximum   int               `json:"mark_maximum"`
	Rules         []Rule            `json:"rules,omitempty"`
	Source        string            `json:"source,omitempty"`
	StaticIPs     []string          `json:"static_ips,omitempty"`
	Enabled       bool              `json:"enabled"`
	Public        bool              `json:"public"`
}

// DefaultEndpointConfig returns an EndpointConfig with usable defaults
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		RampLimit:   5,
		MarkMaximum: 36,
		Enabled:     true,
	}
}

// ParseEndpointConfig decodes and validates a stored endpoint config blob
func ParseEndpointConfig(data []byte) (EndpointConfig, error) {
	cfg := DefaultEndpointConfig()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode endpoint config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config for errors that must be rejected at the
// boundary rather than silently tolerated by the reconciler.
func (c EndpointConfig) Validate() error {
	if c.MinInstances < 0 || c.MaxInstances < 0 {
		return fmt.Errorf("instance bounds must be non-negative")
	}
	if c.MinInstances > c.MaxInstances {
		return fmt.Errorf("min_instances %d exceeds max_instances %d",
			c.MinInstances, c.MaxInstances)
	}
	if c.RampLimit < 1 {
		return fmt.Errorf("ramp_limit must be at least 1")
	}
	if c.MarkMaximum < 1 {
		return fmt.Errorf("mark_maximum must be at least 1")
	}
	for _, rule := range c.Rules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes the config back to its stored JSON form
func (c EndpointConfig) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// EndpointURL returns the configured URL, or a synthetic one derived from
// the endpoint name for endpoints that exist only as backend pools.
func (c EndpointConfig) EndpointURL(name string) string {
	if c.URL != "" {
		return c.URL
	}
	return "none://" + name
}

// Instance is a single cloud instance as reported by a cloud driver.
// Instances are never mutated by the control plane.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Addresses []string  `json:"addresses"`
	Created   time.Time `json:"created"`
}

// MetricValue is a weighted observation of one metric. The wire form is a
// two-element array [weight, value] to stay compatible with samples written
// by external agents.
type MetricValue struct {
	Weight float64
	Value  float64
}

// MarshalJSON encodes the value as [weight, value]
func (v MetricValue) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{v.Weight, v.Value})
}

// UnmarshalJSON decodes [weight, value]; a bare number is accepted as a
// value with weight 1.
func (v *MetricValue) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err == nil {
		v.Weight = pair[0]
		v.Value = pair[1]
		return nil
	}
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err != nil {
		return fmt.Errorf("metric value must be [weight, value] or number: %w", err)
	}
	v.Weight = 1
	v.Value = scalar
	return nil
}

// MetricSample maps metric names to weighted values for one backend
type MetricSample map[string]MetricValue

// LoadBalancerConfig names a load-balancer driver plus its opaque settings
type LoadBalancerConfig struct {
	Name   string            `json:"name" yaml:"name"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// ManagerConfig holds per-manager settings, merged from the global config
// node and the per-manager override node.
type ManagerConfig struct {
	Keys          int                  `json:"keys"`
	HealthCheck   int                  `json:"health_check"`
	LoadBalancers []LoadBalancerConfig `json:"loadbalancers,omitempty"`
	MarkMaximum   int                  `json:"mark_maximum"`
}

// DefaultManagerConfig returns the built-in manager defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Keys:        64,
		HealthCheck: 10,
		MarkMaximum: 36,
	}
}

// Merge overlays non-zero fields from an override blob onto the config
func (c *ManagerConfig) Merge(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var override ManagerConfig
	if err := json.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("failed to decode manager config: %w", err)
	}
	if override.Keys > 0 {
		c.Keys = override.Keys
	}
	if override.HealthCheck > 0 {
		c.HealthCheck = override.HealthCheck
	}
	if override.MarkMaximum > 0 {
		c.MarkMaximum = override.MarkMaximum
	}
	if len(override.LoadBalancers) > 0 {
		c.LoadBalancers = override.LoadBalancers
	}
	return nil
}

// HealthCheckInterval returns the health check period as a duration
func (c ManagerConfig) HealthCheckInterval() time.Duration {
	if c.HealthCheck <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HealthCheck) * time.Second
}
