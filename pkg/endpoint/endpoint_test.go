package endpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-io/flotilla/pkg/cloud"
	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeDriver is an in-memory cloud: launches append instances with no
// addresses (they appear later, when the test "announces" them).
type fakeDriver struct {
	mu        sync.Mutex
	instances []types.Instance
	launches  int
	deletes   []string
	nextID    int
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) ListInstances(context.Context, cloud.Config) ([]types.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Instance(nil), d.instances...), nil
}

func (d *fakeDriver) StartInstance(context.Context, cloud.Config, map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.launches++
	d.instances = append(d.instances, types.Instance{
		ID:      fmt.Sprintf("i-%d", d.nextID),
		Name:    fmt.Sprintf("instance-%d", d.nextID),
		Created: time.Unix(int64(1700000000+d.nextID), 0),
	})
	return nil
}

func (d *fakeDriver) DeleteInstance(_ context.Context, _ cloud.Config, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes = append(d.deletes, id)
	kept := d.instances[:0]
	for _, instance := range d.instances {
		if instance.ID != id {
			kept = append(kept, instance)
		}
	}
	d.instances = kept
	return nil
}

// seed installs a pre-existing instance with addresses
func (d *fakeDriver) seed(addrs ...string) types.Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	instance := types.Instance{
		ID:        fmt.Sprintf("i-%d", d.nextID),
		Name:      fmt.Sprintf("instance-%d", d.nextID),
		Addresses: addrs,
		Created:   time.Unix(int64(1700000000+d.nextID), 0),
	}
	d.instances = append(d.instances, instance)
	return instance
}

// fakeBook is an in-memory Bookkeeper
type fakeBook struct {
	mu             sync.Mutex
	decommissioned map[string][]string
	marks          map[string]map[string]int
	droppedIPs     []string
	logs           []string
}

func newFakeBook() *fakeBook {
	return &fakeBook{
		decommissioned: make(map[string][]string),
		marks:          make(map[string]map[string]int),
	}
}

func (b *fakeBook) Decommission(_, id string, addrs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decommissioned[id] = addrs
	return nil
}

func (b *fakeBook) DropDecommissioned(_, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.decommissioned, id)
	return nil
}

func (b *fakeBook) DecommissionedInstances(string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id := range b.decommissioned {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *fakeBook) MarkedInstances(string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id := range b.marks {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *fakeBook) Mark(_, id, label string, maximum int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.marks[id] == nil {
		b.marks[id] = make(map[string]int)
	}
	b.marks[id][label]++
	if b.marks[id][label] >= maximum {
		delete(b.marks, id)
		return true, nil
	}
	return false, nil
}

func (b *fakeBook) DropMarked(_, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.marks, id)
	return nil
}

func (b *fakeBook) DropIP(_, ip string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.droppedIPs = append(b.droppedIPs, ip)
	return nil
}

func (b *fakeBook) AppendLog(_, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, message)
}

// newTestEndpoint wires an endpoint to a fresh fake driver
func newTestEndpoint(t *testing.T, cfg types.EndpointConfig) (*Endpoint, *fakeDriver) {
	t.Helper()
	driver := &fakeDriver{}
	driverName := "fake-" + t.Name()
	cloud.Register(driverName, func() (cloud.Driver, error) { return driver, nil })

	cfg.Cloud = driverName
	if cfg.RampLimit == 0 {
		cfg.RampLimit = 5
	}
	if cfg.MarkMaximum == 0 {
		cfg.MarkMaximum = 36
	}
	cfg.Enabled = true
	require.NoError(t, cfg.Validate())

	e, err := New("web", cfg)
	require.NoError(t, err)
	return e, driver
}

func tick(book Bookkeeper) Tick {
	return Tick{
		Ctx:   context.Background(),
		Book:  book,
		State: types.StateDefault,
	}
}

func TestColdStartScaleUp(t *testing.T) {
	// min=2 max=5 ramp=1, no rules, zero instances: three ticks must
	// produce exactly two launches and no decommissions.
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://cold.example.com/",
		MinInstances: 2,
		MaxInstances: 5,
		RampLimit:    1,
	})
	book := newFakeBook()

	for i := 0; i < 3; i++ {
		e.Update(tick(book))
	}

	assert.Equal(t, 2, driver.launches)
	assert.Empty(t, book.decommissioned)
}

func TestMetricScaleUpRespectsRamp(t *testing.T) {
	// One confirmed instance carrying rate 400 against "rate > 100":
	// the target jumps well past the current count, but only ramp_limit
	// launches happen this tick.
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://busy.example.com/",
		MinInstances: 1,
		MaxInstances: 10,
		RampLimit:    2,
		Rules:        []types.Rule{{Metric: "rate", Op: types.OpGreater, Value: 100}},
	})
	driver.seed("10.0.0.1")
	book := newFakeBook()

	tk := tick(book)
	tk.ConfirmedIPs = []string{"10.0.0.1"}
	tk.Metrics = []types.MetricSample{{"rate": {Weight: 1, Value: 400}}}
	e.Update(tk)

	assert.Equal(t, 2, driver.launches)
	assert.Empty(t, book.decommissioned)
}

func TestScaleDownPopsNewestFirst(t *testing.T) {
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://shrink.example.com/",
		MinInstances: 0,
		MaxInstances: 2,
		RampLimit:    2,
	})
	for i := 0; i < 5; i++ {
		driver.seed(fmt.Sprintf("10.0.0.%d", i+1))
	}
	book := newFakeBook()

	e.Update(tick(book))

	// Target is the midpoint of [0,2]; two actions allowed, and the
	// most recently created instances go first.
	assert.Len(t, book.decommissioned, 2)
	assert.Contains(t, book.decommissioned, "i-5")
	assert.Contains(t, book.decommissioned, "i-4")
	assert.Zero(t, driver.launches)
}

func TestRampBoundsActionsPerTick(t *testing.T) {
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://ramp.example.com/",
		MinInstances: 8,
		MaxInstances: 8,
		RampLimit:    3,
	})
	book := newFakeBook()

	e.Update(tick(book))
	assert.Equal(t, 3, driver.launches, "launches per tick bounded by ramp_limit")

	e.Update(tick(book))
	assert.Equal(t, 6, driver.launches)
}

func TestDecommissionedNeverRepromoted(t *testing.T) {
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://drain.example.com/",
		MinInstances: 0,
		MaxInstances: 0,
		RampLimit:    10,
	})
	first := driver.seed("10.0.0.1")
	second := driver.seed("10.0.0.2")
	book := newFakeBook()

	e.Update(tick(book))
	assert.Len(t, book.decommissioned, 2)

	// The instances still exist in the cloud (draining) but are no
	// longer live.
	live := e.Instances(context.Background(), true)
	assert.Empty(t, live)
	all := e.Instances(context.Background(), false)
	assert.Len(t, all, 2)

	// Further ticks neither re-promote nor re-decommission them.
	e.Update(tick(book))
	assert.Zero(t, driver.launches)
	assert.Len(t, book.decommissioned, 2)
	assert.Contains(t, book.decommissioned, first.ID)
	assert.Contains(t, book.decommissioned, second.ID)
}

func TestConflictingRulesHold(t *testing.T) {
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://conflict.example.com/",
		MinInstances: 1,
		MaxInstances: 10,
		RampLimit:    5,
		Rules: []types.Rule{
			{Metric: "rate", Op: types.OpGreater, Value: 100},
			{Metric: "rate", Op: types.OpLess, Value: 300},
		},
	})
	driver.seed("10.0.0.1")
	book := newFakeBook()

	tk := tick(book)
	tk.ConfirmedIPs = []string{"10.0.0.1"}
	tk.Metrics = []types.MetricSample{{"rate": {Weight: 1, Value: 400}}}
	e.Update(tk)

	assert.Zero(t, driver.launches, "conflicting rules must hold the fleet")
	assert.Empty(t, book.decommissioned)
}

func TestStoppedStateDrainsFleet(t *testing.T) {
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://stopped.example.com/",
		MinInstances: 2,
		MaxInstances: 5,
		RampLimit:    10,
	})
	driver.seed("10.0.0.1")
	driver.seed("10.0.0.2")
	book := newFakeBook()

	tk := tick(book)
	tk.State = types.StateStopped
	e.Update(tk)

	assert.Zero(t, driver.launches)
	assert.Len(t, book.decommissioned, 2)
}

func TestPausedStateSuspendsScaling(t *testing.T) {
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://paused.example.com/",
		MinInstances: 3,
		MaxInstances: 3,
		RampLimit:    10,
	})
	book := newFakeBook()

	tk := tick(book)
	tk.State = types.StatePaused
	e.Update(tk)

	assert.Zero(t, driver.launches)
}

func TestOrphanedConfirmedIPDropped(t *testing.T) {
	// A confirmed IP with no backing instance must be dropped and the
	// balancer refreshed within one health-check pass.
	e, _ := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://orphan.example.com/",
		MinInstances: 0,
		MaxInstances: 5,
	})
	book := newFakeBook()

	refreshed := false
	tk := tick(book)
	tk.ConfirmedIPs = []string{"10.0.0.5"}
	tk.Refresh = func() { refreshed = true }
	e.HealthCheck(tk)

	assert.Equal(t, []string{"10.0.0.5"}, book.droppedIPs)
	assert.True(t, refreshed)
}

func TestUnregisteredInstanceCulled(t *testing.T) {
	// An instance whose addresses never intersect the confirmed set is
	// decommissioned after mark_maximum ticks, then deleted once its
	// addresses stay inactive for another run of marks.
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://cull.example.com/",
		MinInstances: 0,
		MaxInstances: 5,
		MarkMaximum:  3,
	})
	instance := driver.seed("10.0.0.9")
	book := newFakeBook()

	// Three passes to hit the unregistered threshold. The third one
	// also records the first decommissioned mark, since the instance's
	// addresses are not active either.
	for i := 0; i < 3; i++ {
		e.HealthCheck(tick(book))
	}
	assert.Contains(t, book.decommissioned, instance.ID)
	assert.Empty(t, driver.deletes)

	// Two more passes reach the decommissioned threshold.
	for i := 0; i < 2; i++ {
		e.HealthCheck(tick(book))
	}
	assert.Equal(t, []string{instance.ID}, driver.deletes)
	assert.NotContains(t, book.decommissioned, instance.ID)
}

func TestConfirmedInstanceNotMarked(t *testing.T) {
	e, driver := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://healthy.example.com/",
		MinInstances: 0,
		MaxInstances: 5,
		MarkMaximum:  2,
	})
	instance := driver.seed("10.0.0.7")
	book := newFakeBook()

	tk := tick(book)
	tk.ConfirmedIPs = []string{"10.0.0.7"}
	tk.ActiveIPs = []string{"10.0.0.7"}
	for i := 0; i < 4; i++ {
		e.HealthCheck(tk)
	}

	assert.Empty(t, book.decommissioned)
	assert.Empty(t, driver.deletes)
	assert.Empty(t, book.marks[instance.ID])
}

func TestOrphanRecordsPruned(t *testing.T) {
	e, _ := newTestEndpoint(t, types.EndpointConfig{
		URL:          "http://prune.example.com/",
		MinInstances: 0,
		MaxInstances: 5,
	})
	book := newFakeBook()
	book.marks["gone"] = map[string]int{MarkUnregistered: 2}
	book.decommissioned["also-gone"] = []string{"10.1.1.1"}

	e.HealthCheck(tick(book))

	assert.NotContains(t, book.marks, "gone")
	assert.NotContains(t, book.decommissioned, "also-gone")
}

func TestTargetRange(t *testing.T) {
	tests := []struct {
		name        string
		min, max    int
		rules       []types.Rule
		metrics     []types.MetricSample
		confirmed   int
		wantMin     int
		wantMax     int
		wantInvalid bool
	}{
		{
			name: "no rules yields config bounds",
			min:  2, max: 5,
			wantMin: 2, wantMax: 5,
		},
		{
			name: "ideal within bounds intersects",
			min:  1, max: 10,
			rules:     []types.Rule{{Metric: "rate", Op: types.OpGreater, Value: 100}},
			metrics:   []types.MetricSample{{"rate": {Weight: 1, Value: 400}}},
			confirmed: 1,
			wantMin:   4, wantMax: 10,
		},
		{
			name: "demand exceeds allowance saturates high",
			min:  1, max: 3,
			rules:     []types.Rule{{Metric: "rate", Op: types.OpGreater, Value: 10}},
			metrics:   []types.MetricSample{{"rate": {Weight: 1, Value: 400}}},
			confirmed: 2,
			wantMin:   3, wantMax: 3,
		},
		{
			name: "demand below allowance saturates low",
			min:  4, max: 8,
			rules:     []types.Rule{{Metric: "rate", Op: types.OpLess, Value: 100}},
			metrics:   []types.MetricSample{{"rate": {Weight: 1, Value: 50}}},
			confirmed: 2,
			wantMin:   4, wantMax: 4,
		},
		{
			name: "conflicting rules stay inverted",
			min:  1, max: 10,
			rules: []types.Rule{
				{Metric: "rate", Op: types.OpGreater, Value: 100},
				{Metric: "rate", Op: types.OpLess, Value: 300},
			},
			metrics:     []types.MetricSample{{"rate": {Weight: 1, Value: 400}}},
			confirmed:   1,
			wantInvalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEndpoint(t, types.EndpointConfig{
				URL:          "http://range.example.com/",
				MinInstances: tt.min,
				MaxInstances: tt.max,
				Rules:        tt.rules,
			})

			gotMin, gotMax := e.targetRange(tt.metrics, tt.confirmed)
			if tt.wantInvalid {
				assert.Greater(t, gotMin, gotMax)
				return
			}
			assert.Equal(t, tt.wantMin, gotMin)
			assert.Equal(t, tt.wantMax, gotMax)
		})
	}
}
