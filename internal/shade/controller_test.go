package shade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crestron2mqtt/internal/calibration"
	"crestron2mqtt/internal/coordinator"
	"crestron2mqtt/internal/crestron"
	"crestron2mqtt/internal/groups"
	"crestron2mqtt/internal/predictive"
)

type fakeBatcher struct {
	mu      sync.Mutex
	queued  map[string]int
	flushes int
	err     error
}

func (b *fakeBatcher) Enqueue(ctx context.Context, shadeID string, position int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queued == nil {
		b.queued = map[string]int{}
	}
	b.queued[shadeID] = position
	return b.err
}

func (b *fakeBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()
}

type fakeClient struct {
	mu     sync.Mutex
	shades []crestron.Shade
}

func (c *fakeClient) Login(ctx context.Context) error { return nil }
func (c *fakeClient) Logout() {}

func (c *fakeClient) Shades(ctx context.Context) ([]crestron.Shade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crestron.Shade(nil), c.shades...), nil
}

func (c *fakeClient) SetShadePositions(ctx context.Context, items []crestron.PositionWrite) (crestron.CommandResponse, error) {
	return crestron.CommandResponse{Status: crestron.StatusSuccess}, nil
}

func intp(v int) *int { return &v }

func connectedShade(id string, position int) crestron.Shade {
	return crestron.Shade{ID: id, Name: "Shade " + id, Position: intp(position), Connection: crestron.ConnectionConnected}
}

type fixture struct {
	controller *Controller
	batcher    *fakeBatcher
	runtime    *predictive.Runtime
	coord      *coordinator.Coordinator
}

func newFixture(t *testing.T, shades ...crestron.Shade) *fixture {
	t.Helper()

	runtime := predictive.NewRuntime(predictive.NewLearningManager(predictive.DefaultLearning()), predictive.DefaultRuntimeConfig())
	cal := calibration.Collection{}
	grp := groups.NewConfig()
	coord := coordinator.New(&fakeClient{shades: shades}, runtime, cal, grp, coordinator.Options{})
	require.NoError(t, coord.Refresh(context.Background()))

	batcher := &fakeBatcher{}
	return &fixture{
		controller: NewController(coord, runtime, batcher, cal, grp),
		batcher:    batcher,
		runtime:    runtime,
		coord:      coord,
	}
}

func TestSetPercentEnqueuesCalibratedRaw(t *testing.T) {
	f := newFixture(t, connectedShade("1", 0))

	require.NoError(t, f.controller.Open(context.Background(), "1"))
	assert.Equal(t, 65535, f.batcher.queued["1"])

	require.NoError(t, f.controller.Close(context.Background(), "1"))
	assert.Equal(t, 0, f.batcher.queued["1"])
}

func TestSetPercentClampsRange(t *testing.T) {
	f := newFixture(t, connectedShade("1", 0))

	require.NoError(t, f.controller.SetPercent(context.Background(), "1", 150))
	assert.Equal(t, 65535, f.batcher.queued["1"])

	require.NoError(t, f.controller.SetPercent(context.Background(), "1", -10))
	assert.Equal(t, 0, f.batcher.queued["1"])
}

func TestSetPercentUnknownShade(t *testing.T) {
	f := newFixture(t, connectedShade("1", 0))

	err := f.controller.SetPercent(context.Background(), "ghost", 50)
	assert.ErrorIs(t, err, ErrUnknownShade)
}

func TestStateFromPositionAndMotion(t *testing.T) {
	f := newFixture(t, connectedShade("1", 0), connectedShade("2", 32768))

	assert.Equal(t, StateClosed, f.controller.State("1"))
	assert.Equal(t, StateOpen, f.controller.State("2"))

	// Samples land after the refresh-fed baseline so they are not dropped
	// as out of order.
	now := time.Now()
	f.runtime.RecordPoll("1", now.Add(time.Second), 0.2)
	f.runtime.RecordPoll("1", now.Add(2*time.Second), 0.4)
	assert.Equal(t, StateOpening, f.controller.State("1"))

	f.runtime.RecordPoll("2", now.Add(time.Second), 0.6)
	f.runtime.RecordPoll("2", now.Add(2*time.Second), 0.4)
	assert.Equal(t, StateClosing, f.controller.State("2"))
}

func TestPercentUsesCalibration(t *testing.T) {
	f := newFixture(t, connectedShade("1", 32768))

	pct, ok := f.controller.Percent("1")
	require.True(t, ok)
	assert.Equal(t, 50, pct)
}

func TestStopSendsPlannedTargets(t *testing.T) {
	f := newFixture(t, connectedShade("1", 13107), connectedShade("2", 60000))

	// Shade 1 is moving, shade 2 is not.
	now := time.Now()
	f.runtime.RecordPoll("1", now.Add(time.Second), 0.3)
	f.runtime.RecordPoll("1", now.Add(2*time.Second), 0.4)
	f.runtime.RecordPoll("1", now.Add(3*time.Second), 0.5)

	require.NoError(t, f.controller.Stop(context.Background(), "1"))

	raw, queued := f.batcher.queued["1"]
	require.True(t, queued, "stop did not enqueue a target for the moving shade")
	assert.Greater(t, raw, 0)
	assert.NotContains(t, f.batcher.queued, "2")
	assert.GreaterOrEqual(t, f.batcher.flushes, 1)
}

func TestStopUnknownShade(t *testing.T) {
	f := newFixture(t, connectedShade("1", 0))

	assert.ErrorIs(t, f.controller.Stop(context.Background(), "ghost"), ErrUnknownShade)
}

func TestAvailable(t *testing.T) {
	offline := connectedShade("2", 0)
	offline.Connection = crestron.ConnectionDisconnected

	f := newFixture(t, connectedShade("1", 0), offline)

	assert.True(t, f.controller.Available("1"))
	assert.False(t, f.controller.Available("2"))
	assert.False(t, f.controller.Available("ghost"))
}

func TestShadesSorted(t *testing.T) {
	f := newFixture(t, connectedShade("b", 0), connectedShade("a", 0))

	shades := f.controller.Shades()
	require.Len(t, shades, 2)
	assert.Equal(t, "a", shades[0].ID)
	assert.Equal(t, "b", shades[1].ID)
}
