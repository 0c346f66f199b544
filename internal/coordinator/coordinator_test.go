package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crestron2mqtt/internal/calibration"
	"crestron2mqtt/internal/crestron"
	"crestron2mqtt/internal/groups"
	"crestron2mqtt/internal/predictive"
)

type fakeClient struct {
	mu     sync.Mutex
	shades []crestron.Shade
	err    error
	polls  int
}

func (c *fakeClient) Login(ctx context.Context) error { return nil }
func (c *fakeClient) Logout() {}

func (c *fakeClient) Shades(ctx context.Context) ([]crestron.Shade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.err != nil {
		return nil, c.err
	}
	return append([]crestron.Shade(nil), c.shades...), nil
}

func (c *fakeClient) SetShadePositions(ctx context.Context, items []crestron.PositionWrite) (crestron.CommandResponse, error) {
	return crestron.CommandResponse{Status: crestron.StatusSuccess}, nil
}

func (c *fakeClient) setShades(shades []crestron.Shade) {
	c.mu.Lock()
	c.shades = shades
	c.mu.Unlock()
}

func intp(v int) *int { return &v }

func testShade(id string, position int) crestron.Shade {
	return crestron.Shade{ID: id, Name: "Shade " + id, Position: intp(position), Connection: crestron.ConnectionConnected}
}

func newTestRuntime() *predictive.Runtime {
	return predictive.NewRuntime(predictive.NewLearningManager(predictive.DefaultLearning()), predictive.DefaultRuntimeConfig())
}

func newTestCoordinator(client crestron.Client, runtime *predictive.Runtime, grp groups.Config) *Coordinator {
	return New(client, runtime, calibration.Collection{}, grp, Options{})
}

func TestRefreshUpdatesSnapshotAndNotifiesListeners(t *testing.T) {
	client := &fakeClient{shades: []crestron.Shade{testShade("1", 1000), testShade("2", 2000)}}
	c := newTestCoordinator(client, nil, groups.NewConfig())

	var notified map[string]crestron.Shade
	c.AddListener(func(shades map[string]crestron.Shade) { notified = shades })

	require.NoError(t, c.Refresh(context.Background()))

	snapshot := c.Shades()
	assert.Len(t, snapshot, 2)
	assert.Equal(t, 1000, *snapshot["1"].Position)
	require.NotNil(t, notified)
	assert.Len(t, notified, 2)

	shade, ok := c.Shade("2")
	require.True(t, ok)
	assert.Equal(t, "Shade 2", shade.Name)
}

func TestRefreshPropagatesClientError(t *testing.T) {
	client := &fakeClient{err: crestron.ErrCannotConnect}
	c := newTestCoordinator(client, nil, groups.NewConfig())

	assert.ErrorIs(t, c.Refresh(context.Background()), crestron.ErrCannotConnect)
	assert.Empty(t, c.Shades())
}

func TestPositionChangeBoostsPolling(t *testing.T) {
	client := &fakeClient{shades: []crestron.Shade{testShade("1", 1000)}}
	c := newTestCoordinator(client, nil, groups.NewConfig())

	base := time.Now()
	clock := base
	c.now = func() time.Time { return clock }

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, DefaultIdleInterval, c.interval())

	// Same position: still idle.
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, DefaultIdleInterval, c.interval())

	client.setShades([]crestron.Shade{testShade("1", 5000)})
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, DefaultFastInterval, c.interval())

	// The boost window expires back to the idle cadence.
	clock = base.Add(DefaultBoostWindow + time.Second)
	assert.Equal(t, DefaultIdleInterval, c.interval())
}

func TestRefreshFeedsPredictiveRuntime(t *testing.T) {
	client := &fakeClient{shades: []crestron.Shade{testShade("1", 0)}}
	runtime := newTestRuntime()
	c := newTestCoordinator(client, runtime, groups.NewConfig())

	base := time.Now()
	clock := base
	c.now = func() time.Time { return clock }

	require.NoError(t, c.Refresh(context.Background()))

	clock = base.Add(time.Second)
	client.setShades([]crestron.Shade{testShade("1", 13107)}) // ~20% travel
	require.NoError(t, c.Refresh(context.Background()))

	assert.Contains(t, runtime.MovingShades(), "1")
}

func TestDisconnectedShadeDoesNotFeedRuntime(t *testing.T) {
	offline := testShade("1", 0)
	offline.Connection = crestron.ConnectionDisconnected

	client := &fakeClient{shades: []crestron.Shade{offline}}
	runtime := newTestRuntime()
	c := newTestCoordinator(client, runtime, groups.NewConfig())

	base := time.Now()
	clock := base
	c.now = func() time.Time { return clock }

	require.NoError(t, c.Refresh(context.Background()))
	clock = base.Add(time.Second)
	moved := testShade("1", 13107)
	moved.Connection = crestron.ConnectionDisconnected
	client.setShades([]crestron.Shade{moved})
	require.NoError(t, c.Refresh(context.Background()))

	assert.Empty(t, runtime.MovingShades())
}

func TestPlanStopPartitionsByVisualGroup(t *testing.T) {
	grp := groups.Config{
		Version:    groups.Version,
		Groups:     map[string]groups.Entry{"left": {Name: "Left"}},
		Membership: map[string]string{"a": "left", "b": "left"},
	}
	c := newTestCoordinator(&fakeClient{}, newTestRuntime(), grp)

	planned := c.PlanStop([]string{"a", "b", "c"}, time.Now())

	require.Len(t, planned, 2)
	assert.Equal(t, "left", planned[0].GroupID)
	assert.Equal(t, []string{"a", "b"}, planned[0].Shades)
	assert.Equal(t, groups.StandaloneGroupID("c"), planned[1].GroupID)
	assert.Len(t, planned[0].Plan.Targets, 2)

	history := c.PlanHistory()
	assert.Len(t, history, 2)
}

func TestHandleWriteFlushRecordsGroups(t *testing.T) {
	grp := groups.Config{
		Version:    groups.Version,
		Groups:     map[string]groups.Entry{"left": {Name: "Left"}},
		Membership: map[string]string{"a": "left"},
	}
	c := newTestCoordinator(&fakeClient{}, nil, grp)

	c.HandleWriteFlush([]crestron.PositionWrite{
		{ID: "a", Position: 1000},
		{ID: "b", Position: 2000},
	}, crestron.StatusSuccess)

	history := c.FlushHistory()
	require.Len(t, history, 1)
	assert.Equal(t, crestron.StatusSuccess, history[0].Status)

	groupIDs := make([]string, 0, len(history[0].Groups))
	for _, g := range history[0].Groups {
		groupIDs = append(groupIDs, g.GroupID)
	}
	assert.Contains(t, groupIDs, "left")
	assert.Contains(t, groupIDs, groups.StandaloneGroupID("b"))
}

func TestFlushHistoryIsBounded(t *testing.T) {
	c := newTestCoordinator(&fakeClient{}, nil, groups.NewConfig())

	for i := 0; i < historyLimit+5; i++ {
		c.HandleWriteFlush([]crestron.PositionWrite{{ID: "a", Position: i}}, crestron.StatusSuccess)
	}

	history := c.FlushHistory()
	assert.Len(t, history, historyLimit)
	assert.Equal(t, historyLimit+4, history[len(history)-1].Items[0].Position)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	client := &fakeClient{shades: []crestron.Shade{testShade("1", 1000)}}
	c := newTestCoordinator(client, nil, groups.NewConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Run polls once immediately.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.polls >= 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
}
