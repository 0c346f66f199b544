package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crestron2mqtt/internal/calibration"
	"crestron2mqtt/internal/crestron"
	"crestron2mqtt/internal/groups"
	"crestron2mqtt/internal/predictive"
)

const (
	// DefaultIdleInterval is the poll period while no shade is moving.
	DefaultIdleInterval = 15 * time.Second

	// DefaultFastInterval is the poll period while motion is suspected.
	DefaultFastInterval = 1 * time.Second

	// DefaultBoostWindow is how long a position change keeps fast polling on.
	DefaultBoostWindow = 20 * time.Second

	historyLimit = 20
)

// Listener receives the full shade snapshot after every successful poll.
type Listener func(shades map[string]crestron.Shade)

// StopPlanGroup pairs one visual group with the stop plan computed for it.
type StopPlanGroup struct {
	GroupID string
	Shades  []string
	Plan    predictive.PlanResult
}

// FlushRecord is one dispatched write batch annotated with the visual
// groups it touched, kept for diagnostics.
type FlushRecord struct {
	Timestamp time.Time
	Status    string
	Groups    []StopPlanGroup
	Items     []crestron.PositionWrite
}

// Options tunes the poll cadence.
type Options struct {
	IdleInterval time.Duration
	FastInterval time.Duration
	BoostWindow  time.Duration
}

func (o *Options) withDefaults() {
	if o.IdleInterval <= 0 {
		o.IdleInterval = DefaultIdleInterval
	}
	if o.FastInterval <= 0 {
		o.FastInterval = DefaultFastInterval
	}
	if o.BoostWindow <= 0 {
		o.BoostWindow = DefaultBoostWindow
	}
}

// Coordinator polls the controller, keeps the latest shade snapshot, feeds
// normalized positions into the predictive runtime and fans updates out to
// listeners. Polling runs at the idle cadence and switches to the fast
// cadence for a boost window whenever any shade's position changes.
type Coordinator struct {
	client      crestron.Client
	runtime     *predictive.Runtime
	calibration calibration.Collection
	groups      groups.Config
	opts        Options

	mu          sync.Mutex
	shades      map[string]crestron.Shade
	boostUntil  time.Time
	listeners   []Listener
	planHistory []StopPlanGroup
	flushes     []FlushRecord

	refreshCh chan struct{}
	now       func() time.Time
}

func New(client crestron.Client, runtime *predictive.Runtime, cal calibration.Collection, grp groups.Config, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		client:      client,
		runtime:     runtime,
		calibration: cal,
		groups:      grp,
		opts:        opts,
		shades:      map[string]crestron.Shade{},
		refreshCh:   make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Shades returns a copy of the latest snapshot.
func (c *Coordinator) Shades() map[string]crestron.Shade {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]crestron.Shade, len(c.shades))
	for shadeID, shade := range c.shades {
		snapshot[shadeID] = shade
	}
	return snapshot
}

// Shade returns one shade from the latest snapshot.
func (c *Coordinator) Shade(shadeID string) (crestron.Shade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	shade, ok := c.shades[shadeID]
	return shade, ok
}

// AddListener registers an update callback. Listeners run synchronously on
// the poll goroutine after each successful refresh.
func (c *Coordinator) AddListener(listener Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
}

// Boost switches to the fast poll cadence for the boost window and requests
// an immediate refresh. Calling it again extends the window.
func (c *Coordinator) Boost() {
	until := c.now().Add(c.opts.BoostWindow)
	c.mu.Lock()
	if until.After(c.boostUntil) {
		c.boostUntil = until
	}
	c.mu.Unlock()
	c.RequestRefresh()
}

// RequestRefresh asks the run loop to poll as soon as possible.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Refresh polls the controller once, updates the snapshot and feeds the
// predictive runtime.
func (c *Coordinator) Refresh(ctx context.Context) error {
	shades, err := c.client.Shades(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	positionChanged := false

	c.mu.Lock()
	next := make(map[string]crestron.Shade, len(shades))
	for _, shade := range shades {
		next[shade.ID] = shade
		previous, known := c.shades[shade.ID]
		if known && !samePosition(previous.Position, shade.Position) {
			positionChanged = true
		}
	}
	c.shades = next
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, shade := range shades {
		c.feedRuntime(shade, now)
	}

	if positionChanged {
		c.Boost()
	}

	snapshot := c.Shades()
	for _, listener := range listeners {
		listener(snapshot)
	}
	return nil
}

// feedRuntime converts a shade's raw position through its calibration curve
// into the normalized 0..1 travel fraction the predictive runtime models.
func (c *Coordinator) feedRuntime(shade crestron.Shade, now time.Time) {
	if c.runtime == nil || shade.Position == nil || !shade.Connected() {
		return
	}
	cal := c.calibration.ForShade(shade.ID)
	pct := calibration.RawToPct(*shade.Position, cal.Anchors, c.calibration.Invert(shade.ID))
	c.runtime.RecordPoll(shade.ID, now, float64(pct)/100)
}

// RecordCommand notes an outbound write so the runtime can separate
// command-induced motion from drift. Wired as the batcher's success hook.
func (c *Coordinator) RecordCommand(shadeIDs []string, timestamp time.Time) {
	if c.runtime == nil {
		return
	}
	for _, shadeID := range shadeIDs {
		c.runtime.RecordCommand(shadeID, timestamp)
	}
}

// PlanStop partitions the requested shades into their visual groups and
// plans one consensus stop per group, so each group lands aligned on its
// own target rather than the whole request averaging together.
func (c *Coordinator) PlanStop(shadeIDs []string, timestamp time.Time) []StopPlanGroup {
	partitions, invalid := c.groups.PartitionShades(shadeIDs)
	groups.LogInvalidGroups(invalid)

	planned := make([]StopPlanGroup, 0, len(partitions))
	for _, part := range partitions {
		plan := c.runtime.PlanStop(part.Shades, timestamp)
		planned = append(planned, StopPlanGroup{GroupID: part.GroupID, Shades: part.Shades, Plan: plan})
	}

	c.mu.Lock()
	c.planHistory = append(c.planHistory, planned...)
	if overflow := len(c.planHistory) - historyLimit; overflow > 0 {
		c.planHistory = c.planHistory[overflow:]
	}
	c.mu.Unlock()
	return planned
}

// HandleWriteFlush records each dispatched batch with the visual groups it
// touched. Wired as the batcher's flush hook.
func (c *Coordinator) HandleWriteFlush(items []crestron.PositionWrite, status string) {
	shadeIDs := make([]string, 0, len(items))
	for _, item := range items {
		shadeIDs = append(shadeIDs, item.ID)
	}
	partitions, _ := c.groups.PartitionShades(shadeIDs)

	recordGroups := make([]StopPlanGroup, 0, len(partitions))
	for _, part := range partitions {
		recordGroups = append(recordGroups, StopPlanGroup{GroupID: part.GroupID, Shades: part.Shades})
	}

	c.mu.Lock()
	c.flushes = append(c.flushes, FlushRecord{
		Timestamp: c.now(),
		Status:    status,
		Groups:    recordGroups,
		Items:     append([]crestron.PositionWrite(nil), items...),
	})
	if overflow := len(c.flushes) - historyLimit; overflow > 0 {
		c.flushes = c.flushes[overflow:]
	}
	c.mu.Unlock()
}

// FlushHistory returns the recorded write batches, newest last.
func (c *Coordinator) FlushHistory() []FlushRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FlushRecord(nil), c.flushes...)
}

// PlanHistory returns the recorded stop plans, newest last.
func (c *Coordinator) PlanHistory() []StopPlanGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StopPlanGroup(nil), c.planHistory...)
}

// Run polls until the context is cancelled, alternating between the idle
// and fast cadences.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		if err := c.Refresh(ctx); err != nil {
			logrus.Errorf("coordinator: shade poll failed: %s", err)
		}

		timer := time.NewTimer(c.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (c *Coordinator) interval() time.Duration {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.boostUntil.IsZero() && c.boostUntil.Before(now) {
		c.boostUntil = time.Time{}
	}
	if !c.boostUntil.IsZero() {
		return c.opts.FastInterval
	}
	return c.opts.IdleInterval
}

func samePosition(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
