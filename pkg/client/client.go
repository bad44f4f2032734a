package client

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flotilla-io/flotilla/pkg/store"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// Client performs admin operations directly against the coordination
// store. Both the CLI and the HTTP API are thin layers over it.
type Client struct {
	store store.Client
	paths *store.Paths
}

// New wraps an established store session
func New(st store.Client, root string) *Client {
	return &Client{store: st, paths: store.NewPaths(root)}
}

// Close releases the underlying session
func (c *Client) Close() error {
	return c.store.Close()
}

// EndpointList returns the names of all configured endpoints
func (c *Client) EndpointList() ([]string, error) {
	return c.store.Children(c.paths.Endpoints())
}

// EndpointManage creates or replaces an endpoint's configuration
func (c *Client) EndpointManage(name string, cfg types.EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	return c.store.Write(c.paths.Endpoint(name), data)
}

// EndpointUnmanage removes an endpoint and all its subsidiary state
func (c *Client) EndpointUnmanage(name string) error {
	return c.store.Delete(c.paths.Endpoint(name))
}

// EndpointConfig reads and decodes an endpoint's configuration
func (c *Client) EndpointConfig(name string) (types.EndpointConfig, error) {
	data, err := c.store.Read(c.paths.Endpoint(name))
	if err != nil {
		return types.EndpointConfig{}, err
	}
	return types.ParseEndpointConfig(data)
}

// EndpointState reads the operator state of an endpoint
func (c *Client) EndpointState(name string) (types.EndpointState, error) {
	data, err := c.store.Read(c.paths.EndpointState(name))
	if err == store.ErrNotFound {
		return types.StateDefault, nil
	}
	if err != nil {
		return "", err
	}
	return types.EndpointState(data), nil
}

// SetEndpointState writes the operator state of an endpoint
func (c *Client) SetEndpointState(name string, state types.EndpointState) error {
	switch state {
	case types.StateDefault, types.StateRunning, types.StateStopped, types.StatePaused:
	default:
		return fmt.Errorf("unknown endpoint state %q", state)
	}
	return c.store.Write(c.paths.EndpointState(name), []byte(state))
}

// EndpointOwner returns the UUID of the manager currently owning the
// endpoint, as last recorded by that manager.
func (c *Client) EndpointOwner(name string) (string, error) {
	data, err := c.store.Read(c.paths.EndpointManager(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EndpointMetrics returns the endpoint's live fused metric vector, or
// the custom override when no owner has published one.
func (c *Client) EndpointMetrics(name string) ([]types.MetricSample, error) {
	if data, err := c.store.Read(c.paths.LiveMetrics(name)); err == nil {
		var samples []types.MetricSample
		if err := json.Unmarshal(data, &samples); err != nil {
			return nil, fmt.Errorf("bad live metrics: %w", err)
		}
		return samples, nil
	}

	data, err := c.store.Read(c.paths.CustomMetrics(name))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sample types.MetricSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("bad custom metrics: %w", err)
	}
	return []types.MetricSample{sample}, nil
}

// SetEndpointMetrics writes operator-supplied metrics: per-host when ip
// is given, the shared custom override otherwise.
func (c *Client) SetEndpointMetrics(name string, sample types.MetricSample, ip string) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	if ip != "" {
		return c.store.Write(c.paths.IPMetrics(name, ip), data)
	}
	return c.store.Write(c.paths.CustomMetrics(name), data)
}

// EndpointIPs returns all addresses associated with the endpoint:
// confirmed plus configured static ones.
func (c *Client) EndpointIPs(name string) ([]string, error) {
	confirmed, err := c.store.Children(c.paths.ConfirmedIPs(name))
	if err != nil {
		return nil, err
	}

	cfg, err := c.EndpointConfig(name)
	if err != nil {
		if err == store.ErrNotFound {
			return confirmed, nil
		}
		return nil, err
	}
	return append(confirmed, cfg.StaticIPs...), nil
}

// EndpointLog returns the decoded event log lines for an endpoint
func (c *Client) EndpointLog(name string) ([]string, error) {
	data, err := c.store.Read(c.paths.EndpointLog(name))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("bad endpoint log encoding: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(decoded), "\n"), "\n")
	return lines, nil
}

// ManagersActive maps registered manager IPs to their UUIDs
func (c *Client) ManagersActive() (map[string]string, error) {
	addrs, err := c.store.Children(c.paths.ManagerIPs())
	if err != nil {
		return nil, err
	}
	managers := make(map[string]string, len(addrs))
	for _, addr := range addrs {
		data, err := c.store.Read(c.paths.ManagerIP(addr))
		if err != nil {
			continue
		}
		managers[addr] = string(data)
	}
	return managers, nil
}

// ManagerConfig reads a manager's persisted override config
func (c *Client) ManagerConfig(uuid string) (types.ManagerConfig, error) {
	cfg := types.DefaultManagerConfig()
	data, err := c.store.Read(c.paths.ManagerConfig(uuid))
	if err == store.ErrNotFound {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	err = cfg.Merge(data)
	return cfg, err
}

// SetManagerConfig writes a manager's override config
func (c *Client) SetManagerConfig(uuid string, cfg types.ManagerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.store.Write(c.paths.ManagerConfig(uuid), data)
}

// ResetManagerConfig removes a manager's override config
func (c *Client) ResetManagerConfig(uuid string) error {
	return c.store.Delete(c.paths.ManagerConfig(uuid))
}

// AuthHash reads the stored shared-secret hash
func (c *Client) AuthHash() (string, error) {
	data, err := c.store.Read(c.paths.Auth())
	if err == store.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetAuthSecret hashes and stores the shared admin secret
func (c *Client) SetAuthSecret(secret string) error {
	return c.store.Write(c.paths.Auth(), []byte(HashSecret(secret)))
}

// HashSecret converts a shared secret into its stored hash form
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// RecordIP announces an address for confirmation, exactly as the agent
// on a booted instance would.
func (c *Client) RecordIP(ip string) error {
	return c.store.Write(c.paths.NewIP(ip), nil)
}

// DropIP queues an address for removal by its owning manager
func (c *Client) DropIP(ip string) error {
	return c.store.Write(c.paths.DropIP(ip), nil)
}

// Sessions maps sticky-session clients to backends for an endpoint
func (c *Client) Sessions(name string) (map[string]string, error) {
	clients, err := c.store.Children(c.paths.Sessions(name))
	if err != nil {
		return nil, err
	}
	sessions := make(map[string]string, len(clients))
	for _, client := range clients {
		data, err := c.store.Read(c.paths.Session(name, client))
		if err != nil {
			continue
		}
		sessions[client] = string(data)
	}
	return sessions, nil
}

// DropSession removes one sticky session
func (c *Client) DropSession(name, client string) error {
	return c.store.Delete(c.paths.Session(name, client))
}
