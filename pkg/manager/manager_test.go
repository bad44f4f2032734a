package manager

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-io/flotilla/pkg/cloud"
	"github.com/flotilla-io/flotilla/pkg/loadbalancer"
	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/ring"
	"github.com/flotilla-io/flotilla/pkg/store"
	"github.com/flotilla-io/flotilla/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeStore is an in-memory store.Client
type fakeStore struct {
	mu          sync.Mutex
	data        map[string][]byte
	sessionLost chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data:        make(map[string][]byte),
		sessionLost: make(chan struct{}),
	}
}

func (f *fakeStore) Read(p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[p]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) Write(p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[p] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) WriteEphemeral(p string, data []byte) error {
	return f.Write(p, data)
}

func (f *fakeStore) Delete(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, p)
	for key := range f.data {
		if strings.HasPrefix(key, p+"/") {
			delete(f.data, key)
		}
	}
	return nil
}

func (f *fakeStore) Children(p string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	for key := range f.data {
		if !strings.HasPrefix(key, p+"/") {
			continue
		}
		rest := key[len(p)+1:]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		seen[rest] = true
	}
	var children []string
	for child := range seen {
		children = append(children, child)
	}
	sort.Strings(children)
	return children, nil
}

func (f *fakeStore) WatchContents(p string, handler func([]byte)) ([]byte, error) {
	data, err := f.Read(p)
	if err == store.ErrNotFound {
		return nil, nil
	}
	return data, err
}

func (f *fakeStore) WatchChildren(p string, handler func([]string)) ([]string, error) {
	return f.Children(p)
}

func (f *fakeStore) TryLock(p string, data []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.data[p]; held {
		return false, nil
	}
	f.data[p] = append([]byte(nil), data...)
	return true, nil
}

func (f *fakeStore) SessionLost() <-chan struct{} { return f.sessionLost }
func (f *fakeStore) Close() error                 { return nil }

// fakeCloud is a minimal in-memory cloud driver
type fakeCloud struct {
	mu        sync.Mutex
	instances []types.Instance
	launches  int
	deletes   int
}

func (d *fakeCloud) Name() string { return "fake" }

func (d *fakeCloud) ListInstances(context.Context, cloud.Config) ([]types.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Instance(nil), d.instances...), nil
}

func (d *fakeCloud) StartInstance(context.Context, cloud.Config, map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	return nil
}

func (d *fakeCloud) DeleteInstance(context.Context, cloud.Config, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes++
	return nil
}

func (d *fakeCloud) seed(id string, addrs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instances = append(d.instances, types.Instance{
		ID:        id,
		Addresses: addrs,
		Created:   time.Unix(int64(1700000000+len(d.instances)), 0),
	})
}

// recordingLB captures load-balancer programming
type recordingLB struct {
	mu      sync.Mutex
	changes []lbChange
	samples map[string]types.MetricSample
}

type lbChange struct {
	url      string
	port     int
	names    []string
	backends []string
}

func (d *recordingLB) Name() string { return "recording" }
func (d *recordingLB) Clear() error { return nil }
func (d *recordingLB) Change(url string, port int, names, backends []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changes = append(d.changes, lbChange{url, port, names, backends})
	return nil
}
func (d *recordingLB) Save() error { return nil }
func (d *recordingLB) Metrics() (map[string]types.MetricSample, error) {
	return d.samples, nil
}
func (d *recordingLB) DropSession(string, string) error { return nil }

func (d *recordingLB) last() lbChange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changes[len(d.changes)-1]
}

// newTestManager wires a manager to fakes
func newTestManager(t *testing.T) (*Manager, *fakeStore, *recordingLB) {
	t.Helper()
	m := New(Config{})
	st := newFakeStore()
	lb := &recordingLB{}
	m.client = st
	m.pool = loadbalancer.Pool{lb}
	return m, st, lb
}

// registerFakeCloud registers a per-test cloud driver and returns its
// config name.
func registerFakeCloud(t *testing.T, suffix string) (*fakeCloud, string) {
	t.Helper()
	driver := &fakeCloud{}
	name := "fake-" + t.Name() + suffix
	cloud.Register(name, func() (cloud.Driver, error) { return driver, nil })
	return driver, name
}

// writeEndpoint stores an endpoint config blob
func writeEndpoint(t *testing.T, st *fakeStore, paths *store.Paths, name string, cfg types.EndpointConfig) {
	t.Helper()
	if cfg.RampLimit == 0 {
		cfg.RampLimit = 5
	}
	if cfg.MarkMaximum == 0 {
		cfg.MarkMaximum = 36
	}
	cfg.Enabled = true
	data, err := cfg.Encode()
	require.NoError(t, err)
	require.NoError(t, st.Write(paths.Endpoint(name), data))
}

// ownRing puts only this manager on the ring
func ownRing(t *testing.T, m *Manager, st *fakeStore) {
	t.Helper()
	keys := ring.RandomKeys(8)
	require.NoError(t, st.Write(m.paths.ManagerKeyList(m.uuid),
		[]byte(strings.Join(keys, ","))))
	m.managerChange([]string{m.uuid})
}

func TestURLCoalescing(t *testing.T) {
	m, st, lb := newTestManager(t)
	_, cloudA := registerFakeCloud(t, "-a")
	_, cloudB := registerFakeCloud(t, "-b")

	// Two endpoints share one URL; each holds one confirmed IP.
	writeEndpoint(t, st, m.paths, "e1", types.EndpointConfig{
		URL: "http://x/", Cloud: cloudA, MaxInstances: 5,
	})
	writeEndpoint(t, st, m.paths, "e2", types.EndpointConfig{
		URL: "http://x/", Cloud: cloudB, MaxInstances: 5,
	})
	require.NoError(t, st.Write(m.paths.ConfirmedIP("e1", "10.0.0.1"), nil))
	require.NoError(t, st.Write(m.paths.ConfirmedIP("e2", "10.0.0.2"), nil))

	ownRing(t, m, st)
	m.endpointChange(context.Background(), []string{"e1", "e2"})

	change := lb.last()
	assert.Equal(t, "http://x/", change.url)
	assert.Equal(t, []string{"e1", "e2"}, change.names)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, change.backends)
}

func TestOwnershipHandoff(t *testing.T) {
	m, st, _ := newTestManager(t)
	driver, cloudName := registerFakeCloud(t, "")
	driver.seed("i-1", "10.0.0.1")

	writeEndpoint(t, st, m.paths, "web", types.EndpointConfig{
		URL: "http://handoff.example.com/", Cloud: cloudName, MaxInstances: 5,
	})

	// Give the peer a virtual key exactly at the endpoint's key so it
	// owns it deterministically.
	endpointKey := ring.KeyOf("http://handoff.example.com/")
	require.NoError(t, st.Write(m.paths.ManagerKeyList("peer"), []byte(endpointKey)))
	require.NoError(t, st.Write(m.paths.ManagerKeyList(m.uuid),
		[]byte(strings.Join(ring.RandomKeys(4), ","))))

	m.managerChange([]string{m.uuid, "peer"})
	m.endpointChange(context.Background(), []string{"web"})
	require.False(t, m.owned[endpointKey], "peer must own the endpoint initially")

	// The peer dies: its ephemeral key list vanishes and the watch
	// fires with the remaining managers.
	require.NoError(t, st.Delete(m.paths.ManagerKeyList("peer")))
	m.managerChange([]string{m.uuid})

	assert.True(t, m.owned[endpointKey], "survivor must assume ownership")

	// The handoff itself must not touch the fleet.
	assert.Zero(t, driver.launches)
	assert.Zero(t, driver.deletes)

	// The informational owner record points at the survivor.
	data, err := st.Read(m.paths.EndpointManager("web"))
	require.NoError(t, err)
	assert.Equal(t, m.uuid, string(data))
}

func TestRegisterIPLexicographicTiebreak(t *testing.T) {
	m, st, _ := newTestManager(t)
	driverA, cloudA := registerFakeCloud(t, "-a")
	driverB, cloudB := registerFakeCloud(t, "-b")

	// Both endpoints' fleets report the same announced address.
	driverA.seed("i-a", "10.0.0.5")
	driverB.seed("i-b", "10.0.0.5")

	writeEndpoint(t, st, m.paths, "beta", types.EndpointConfig{
		URL: "http://beta.example.com/", Cloud: cloudB, MaxInstances: 5,
	})
	writeEndpoint(t, st, m.paths, "alpha", types.EndpointConfig{
		URL: "http://alpha.example.com/", Cloud: cloudA, MaxInstances: 5,
	})

	ownRing(t, m, st)
	m.endpointChange(context.Background(), []string{"alpha", "beta"})

	require.NoError(t, st.Write(m.paths.NewIP("10.0.0.5"), nil))
	m.registerIPs(context.Background(), []string{"10.0.0.5"})

	// Lexicographically first endpoint wins the overlap.
	_, err := st.Read(m.paths.ConfirmedIP("alpha", "10.0.0.5"))
	assert.NoError(t, err)
	_, err = st.Read(m.paths.ConfirmedIP("beta", "10.0.0.5"))
	assert.Equal(t, store.ErrNotFound, err)

	assoc, err := st.Read(m.paths.IPAssociation("10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(assoc))

	// The pending node is consumed.
	_, err = st.Read(m.paths.NewIP("10.0.0.5"))
	assert.Equal(t, store.ErrNotFound, err)
}

func TestUnmatchedIPStaysPending(t *testing.T) {
	m, st, _ := newTestManager(t)
	_, cloudName := registerFakeCloud(t, "")

	writeEndpoint(t, st, m.paths, "web", types.EndpointConfig{
		URL: "http://web.example.com/", Cloud: cloudName, MaxInstances: 5,
	})
	ownRing(t, m, st)
	m.endpointChange(context.Background(), []string{"web"})

	require.NoError(t, st.Write(m.paths.NewIP("172.16.0.9"), nil))
	m.registerIPs(context.Background(), []string{"172.16.0.9"})

	_, err := st.Read(m.paths.NewIP("172.16.0.9"))
	assert.NoError(t, err, "unmatched IPs remain pending")
}

func TestMarkThresholdClearsAndFires(t *testing.T) {
	m, st, _ := newTestManager(t)

	hit, err := m.Mark("web", "i-1", "unregistered", 3)
	require.NoError(t, err)
	assert.False(t, hit)

	hit, err = m.Mark("web", "i-1", "unregistered", 3)
	require.NoError(t, err)
	assert.False(t, hit)

	// Independent labels do not interfere.
	hit, err = m.Mark("web", "i-1", "decommissioned", 3)
	require.NoError(t, err)
	assert.False(t, hit)

	hit, err = m.Mark("web", "i-1", "unregistered", 3)
	require.NoError(t, err)
	assert.True(t, hit, "third mark reaches the threshold")

	// The record is cleared; counting starts over.
	_, err = st.Read(m.paths.MarkedInstance("web", "i-1"))
	assert.Equal(t, store.ErrNotFound, err)

	hit, err = m.Mark("web", "i-1", "unregistered", 3)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestAppendLogBoundedRing(t *testing.T) {
	m, st, _ := newTestManager(t)

	for i := 0; i < 200; i++ {
		m.AppendLog("web", fmt.Sprintf("event number %04d with some padding text", i))
	}

	data, err := st.Read(m.paths.EndpointLog("web"))
	require.NoError(t, err)
	decoded, err := hex.DecodeString(string(data))
	require.NoError(t, err)

	assert.LessOrEqual(t, len(decoded), logRingSize)
	assert.Contains(t, string(decoded), "event number 0199",
		"newest entries survive truncation")
	assert.NotContains(t, string(decoded), "event number 0000",
		"oldest entries fall off")
}

func TestMetricsFusionAcrossManagers(t *testing.T) {
	m, st, lb := newTestManager(t)
	_, cloudName := registerFakeCloud(t, "")

	writeEndpoint(t, st, m.paths, "web", types.EndpointConfig{
		URL: "http://fused.example.com/", Cloud: cloudName, MaxInstances: 5,
	})
	require.NoError(t, st.Write(m.paths.ConfirmedIP("web", "10.0.0.1"), nil))

	ownRing(t, m, st)
	m.endpointChange(context.Background(), []string{"web"})

	// Local observation for the confirmed backend.
	lb.samples = map[string]types.MetricSample{
		"10.0.0.1": {"rate": {Weight: 1, Value: 100}},
	}

	// A peer already published its own snapshot for the same key.
	key := ring.KeyOf("http://fused.example.com/")
	peerSnapshot := map[string][]types.MetricSample{
		key: {{"rate": {Weight: 2, Value: 300}}},
	}
	blob, err := json.Marshal(peerSnapshot)
	require.NoError(t, err)
	require.NoError(t, st.Write(m.paths.ManagerMetricsFor("peer"), blob))
	require.NoError(t, st.Write(m.paths.ManagerKeyList("peer"),
		[]byte(strings.Join(ring.RandomKeys(4), ","))))
	m.managerChange([]string{m.uuid, "peer"})

	fused := m.updateMetrics()
	require.Len(t, fused[key], 2, "local and peer samples concatenate")

	// Our snapshot was published for the peers as well.
	published, err := st.Read(m.paths.ManagerMetricsFor(m.uuid))
	require.NoError(t, err)
	var snapshot map[string][]types.MetricSample
	require.NoError(t, json.Unmarshal(published, &snapshot))
	assert.Len(t, snapshot[key], 1)
}

func TestMetricSourceInheritance(t *testing.T) {
	m, st, _ := newTestManager(t)
	_, cloudA := registerFakeCloud(t, "-a")
	_, cloudB := registerFakeCloud(t, "-b")

	writeEndpoint(t, st, m.paths, "front", types.EndpointConfig{
		URL: "http://front.example.com/", Cloud: cloudA, MaxInstances: 5,
	})
	writeEndpoint(t, st, m.paths, "pool", types.EndpointConfig{
		URL: "none://pool", Cloud: cloudB, MaxInstances: 5, Source: "front",
	})

	ownRing(t, m, st)
	m.endpointChange(context.Background(), []string{"front", "pool"})

	frontKey := ring.KeyOf("http://front.example.com/")
	fused := map[string][]types.MetricSample{
		frontKey: {{"rate": {Weight: 1, Value: 42}}},
	}

	samples := m.loadMetrics(m.endpoints["pool"], fused)
	require.Len(t, samples, 1, "pool inherits the front endpoint's samples")
	assert.InDelta(t, 42.0, samples[0]["rate"].Value, 0.001)
}

func TestEndpointStateRead(t *testing.T) {
	m, st, _ := newTestManager(t)

	assert.Equal(t, types.StateDefault, m.readState("web"))

	require.NoError(t, st.Write(m.paths.EndpointState("web"), []byte("stopped")))
	assert.Equal(t, types.StateStopped, m.readState("web"))

	require.NoError(t, st.Write(m.paths.EndpointState("web"), []byte("bogus")))
	assert.Equal(t, types.StateDefault, m.readState("web"))
}

func TestInvalidEndpointConfigSkipped(t *testing.T) {
	m, st, _ := newTestManager(t)

	require.NoError(t, st.Write(m.paths.Endpoint("bad"), []byte("{not json")))
	ownRing(t, m, st)
	m.endpointChange(context.Background(), []string{"bad"})

	assert.NotContains(t, m.endpoints, "bad",
		"malformed configs are data errors, not process errors")
}
