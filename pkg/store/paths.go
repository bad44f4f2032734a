package store

import "path"

// DefaultRoot is the default coordination store root for all Flotilla state
const DefaultRoot = "/flotilla"

// Paths computes the store layout relative to a configurable root. Every
// node the control plane touches is named here and nowhere else.
type Paths struct {
	Root string
}

// NewPaths returns a Paths rooted at root, falling back to DefaultRoot
func NewPaths(root string) *Paths {
	if root == "" {
		root = DefaultRoot
	}
	return &Paths{Root: path.Clean(root)}
}

// Auth is the shared secret hash used to validate admin requests
func (p *Paths) Auth() string { return path.Join(p.Root, "auth") }

// URL is the public domain for the admin UI
func (p *Paths) URL() string { return path.Join(p.Root, "url") }

// Config is the global manager configuration
func (p *Paths) Config() string { return path.Join(p.Root, "config") }

// Managers is the subtree for manager registration
func (p *Paths) Managers() string { return path.Join(p.Root, "managers") }

// ManagerIPs holds one ephemeral node per reachable manager IP
func (p *Paths) ManagerIPs() string { return path.Join(p.Managers(), "ips") }

// ManagerIP maps a manager IP to its UUID (ephemeral)
func (p *Paths) ManagerIP(ip string) string { return path.Join(p.ManagerIPs(), ip) }

// ManagerConfigs holds persisted per-manager overrides
func (p *Paths) ManagerConfigs() string { return path.Join(p.Managers(), "configs") }

// ManagerConfig is the override blob for one manager
func (p *Paths) ManagerConfig(uuid string) string { return path.Join(p.ManagerConfigs(), uuid) }

// ManagerKeys holds the comma-separated virtual ring keys per manager
// (ephemeral, the basis of failure detection)
func (p *Paths) ManagerKeys() string { return path.Join(p.Managers(), "keys") }

// ManagerKeyList is the key list node for one manager
func (p *Paths) ManagerKeyList(uuid string) string { return path.Join(p.ManagerKeys(), uuid) }

// ManagerMetrics holds the per-tick metrics snapshot per manager (ephemeral)
func (p *Paths) ManagerMetrics() string { return path.Join(p.Managers(), "metrics") }

// ManagerMetricsFor is the metrics snapshot node for one manager
func (p *Paths) ManagerMetricsFor(uuid string) string { return path.Join(p.ManagerMetrics(), uuid) }

// Endpoints is the subtree of endpoint configurations
func (p *Paths) Endpoints() string { return path.Join(p.Root, "endpoints") }

// Endpoint is the JSON config blob for one endpoint
func (p *Paths) Endpoint(name string) string { return path.Join(p.Endpoints(), name) }

// EndpointState is the operator-set state node
func (p *Paths) EndpointState(name string) string { return path.Join(p.Endpoint(name), "state") }

// EndpointManager records the current owner UUID (informational)
func (p *Paths) EndpointManager(name string) string { return path.Join(p.Endpoint(name), "manager") }

// ConfirmedIPs is the set of confirmed addresses for an endpoint
func (p *Paths) ConfirmedIPs(name string) string { return path.Join(p.Endpoint(name), "confirmed_ip") }

// ConfirmedIP is the marker node for one confirmed address
func (p *Paths) ConfirmedIP(name, ip string) string { return path.Join(p.ConfirmedIPs(name), ip) }

// MarkedInstances is the subtree of mark counters
func (p *Paths) MarkedInstances(name string) string { return path.Join(p.Endpoint(name), "marked") }

// MarkedInstance holds the per-label counters for one instance (ephemeral)
func (p *Paths) MarkedInstance(name, instance string) string {
	return path.Join(p.MarkedInstances(name), instance)
}

// DecommissionedInstances is the subtree of decommissioned instance records
func (p *Paths) DecommissionedInstances(name string) string {
	return path.Join(p.Endpoint(name), "decommissioned")
}

// DecommissionedInstance holds the address list of one decommissioned instance
func (p *Paths) DecommissionedInstance(name, instance string) string {
	return path.Join(p.DecommissionedInstances(name), instance)
}

// EndpointInstances is the subtree of driver-specific instance metadata
func (p *Paths) EndpointInstances(name string) string { return path.Join(p.Endpoint(name), "instances") }

// EndpointInstance is the metadata node for one instance
func (p *Paths) EndpointInstance(name, instance string) string {
	return path.Join(p.EndpointInstances(name), instance)
}

// LiveMetrics is the fused metric vector for the endpoint (ephemeral)
func (p *Paths) LiveMetrics(name string) string {
	return path.Join(p.Endpoint(name), "metrics", "live")
}

// CustomMetrics is the operator-supplied metric override node
func (p *Paths) CustomMetrics(name string) string {
	return path.Join(p.Endpoint(name), "metrics", "custom")
}

// IPMetrics is the per-host metric override node
func (p *Paths) IPMetrics(name, ip string) string {
	return path.Join(p.Endpoint(name), "metrics", "ip", ip)
}

// EndpointLog is the hex-encoded ring buffer of endpoint events
func (p *Paths) EndpointLog(name string) string { return path.Join(p.Endpoint(name), "log") }

// Sessions is the subtree of sticky sessions for an endpoint
func (p *Paths) Sessions(name string) string { return path.Join(p.Endpoint(name), "sessions") }

// Session maps a client to its backend (ephemeral)
func (p *Paths) Session(name, client string) string { return path.Join(p.Sessions(name), client) }

// NewIPs is the subtree of addresses pending confirmation
func (p *Paths) NewIPs() string { return path.Join(p.Root, "ips", "new") }

// NewIP is a pending address announced by a booted instance
func (p *Paths) NewIP(ip string) string { return path.Join(p.NewIPs(), ip) }

// DropIPs is the subtree of addresses pending removal
func (p *Paths) DropIPs() string { return path.Join(p.Root, "ips", "drop") }

// DropIP is an address queued for removal
func (p *Paths) DropIP(ip string) string { return path.Join(p.DropIPs(), ip) }

// IPAssociations is the reverse map from address to endpoint name
func (p *Paths) IPAssociations() string { return path.Join(p.Root, "ips", "assoc") }

// IPAssociation is the owning endpoint record for one address
func (p *Paths) IPAssociation(ip string) string { return path.Join(p.IPAssociations(), ip) }

// LoadBalancerIPs is the subtree of front-end IPs claimed by a driver
func (p *Paths) LoadBalancerIPs(driver string) string {
	return path.Join(p.Root, "loadbalancers", driver)
}

// LoadBalancerIP is the lock node for one claimed front-end IP
func (p *Paths) LoadBalancerIP(driver, ip string) string {
	return path.Join(p.LoadBalancerIPs(driver), ip)
}
