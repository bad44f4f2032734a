package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathsLayout(t *testing.T) {
	p := NewPaths("")

	assert.Equal(t, "/flotilla/auth", p.Auth())
	assert.Equal(t, "/flotilla/url", p.URL())
	assert.Equal(t, "/flotilla/config", p.Config())
	assert.Equal(t, "/flotilla/managers/ips/10.0.0.1", p.ManagerIP("10.0.0.1"))
	assert.Equal(t, "/flotilla/managers/configs/u1", p.ManagerConfig("u1"))
	assert.Equal(t, "/flotilla/managers/keys/u1", p.ManagerKeyList("u1"))
	assert.Equal(t, "/flotilla/managers/metrics/u1", p.ManagerMetricsFor("u1"))
	assert.Equal(t, "/flotilla/endpoints/web", p.Endpoint("web"))
	assert.Equal(t, "/flotilla/endpoints/web/state", p.EndpointState("web"))
	assert.Equal(t, "/flotilla/endpoints/web/manager", p.EndpointManager("web"))
	assert.Equal(t, "/flotilla/endpoints/web/confirmed_ip/10.0.0.5", p.ConfirmedIP("web", "10.0.0.5"))
	assert.Equal(t, "/flotilla/endpoints/web/marked/i-1", p.MarkedInstance("web", "i-1"))
	assert.Equal(t, "/flotilla/endpoints/web/decommissioned/i-1", p.DecommissionedInstance("web", "i-1"))
	assert.Equal(t, "/flotilla/endpoints/web/instances/i-1", p.EndpointInstance("web", "i-1"))
	assert.Equal(t, "/flotilla/endpoints/web/metrics/live", p.LiveMetrics("web"))
	assert.Equal(t, "/flotilla/endpoints/web/metrics/custom", p.CustomMetrics("web"))
	assert.Equal(t, "/flotilla/endpoints/web/metrics/ip/10.0.0.5", p.IPMetrics("web", "10.0.0.5"))
	assert.Equal(t, "/flotilla/endpoints/web/log", p.EndpointLog("web"))
	assert.Equal(t, "/flotilla/endpoints/web/sessions/client-1", p.Session("web", "client-1"))
	assert.Equal(t, "/flotilla/ips/new/10.0.0.5", p.NewIP("10.0.0.5"))
	assert.Equal(t, "/flotilla/ips/drop/10.0.0.5", p.DropIP("10.0.0.5"))
	assert.Equal(t, "/flotilla/ips/assoc/10.0.0.5", p.IPAssociation("10.0.0.5"))
	assert.Equal(t, "/flotilla/loadbalancers/dns/10.0.0.8", p.LoadBalancerIP("dns", "10.0.0.8"))
}

func TestPathsCustomRoot(t *testing.T) {
	p := NewPaths("/deploys/staging/")
	assert.Equal(t, "/deploys/staging/auth", p.Auth())
	assert.Equal(t, "/deploys/staging/endpoints/web", p.Endpoint("web"))
}
