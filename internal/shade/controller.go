package shade

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"crestron2mqtt/internal/calibration"
	"crestron2mqtt/internal/coordinator"
	"crestron2mqtt/internal/crestron"
	"crestron2mqtt/internal/groups"
	"crestron2mqtt/internal/predictive"
)

// Cover states as Home Assistant expects them.
const (
	StateOpen    = "open"
	StateClosed  = "closed"
	StateOpening = "opening"
	StateClosing = "closing"
)

// Cover position bounds in percent, 100 fully open.
const (
	FullOpenPercent  = 100
	FullClosePercent = 0
)

var ErrUnknownShade = errors.New("shade: unknown shade id")

// Enqueuer is the write path: enqueue blocks until the containing batch
// resolves, flush forces immediate dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, shadeID string, position int) error
	Flush(ctx context.Context)
}

// Controller exposes percent-level shade commands on top of the raw
// controller plumbing: calibration translates percents to raw positions,
// the batcher coalesces writes, and the predictive runtime supplies stop
// targets for moving shades.
type Controller struct {
	coordinator *coordinator.Coordinator
	runtime     *predictive.Runtime
	batcher     Enqueuer
	calibration calibration.Collection
	groups      groups.Config
}

func NewController(coord *coordinator.Coordinator, runtime *predictive.Runtime, batcher Enqueuer, cal calibration.Collection, grp groups.Config) *Controller {
	return &Controller{
		coordinator: coord,
		runtime:     runtime,
		batcher:     batcher,
		calibration: cal,
		groups:      grp,
	}
}

// Percent returns a shade's current position as the calibrated open percent.
func (c *Controller) Percent(shadeID string) (int, bool) {
	shade, ok := c.coordinator.Shade(shadeID)
	if !ok || shade.Position == nil {
		return 0, false
	}
	cal := c.calibration.ForShade(shadeID)
	return calibration.RawToPct(*shade.Position, cal.Anchors, c.calibration.Invert(shadeID)), true
}

// State derives the cover state: motion direction wins, otherwise fully
// closed means closed and anything else open.
func (c *Controller) State(shadeID string) string {
	switch c.runtime.Direction(shadeID) {
	case 1:
		return StateOpening
	case -1:
		return StateClosing
	}
	if pct, ok := c.Percent(shadeID); ok && pct <= FullClosePercent {
		return StateClosed
	}
	return StateOpen
}

// Available reports whether the shade is known and reachable.
func (c *Controller) Available(shadeID string) bool {
	shade, ok := c.coordinator.Shade(shadeID)
	return ok && shade.Connected()
}

func (c *Controller) Open(ctx context.Context, shadeID string) error {
	return c.SetPercent(ctx, shadeID, FullOpenPercent)
}

func (c *Controller) Close(ctx context.Context, shadeID string) error {
	return c.SetPercent(ctx, shadeID, FullClosePercent)
}

// SetPercent translates an open percent through the shade's calibration and
// enqueues the raw write. The call blocks until the batch resolves.
func (c *Controller) SetPercent(ctx context.Context, shadeID string, pct int) error {
	if _, ok := c.coordinator.Shade(shadeID); !ok {
		return errors.Wrapf(ErrUnknownShade, "%s", shadeID)
	}
	if pct < FullClosePercent {
		pct = FullClosePercent
	}
	if pct > FullOpenPercent {
		pct = FullOpenPercent
	}

	cal := c.calibration.ForShade(shadeID)
	raw := calibration.PctToRaw(pct, cal.Anchors, c.calibration.Invert(shadeID))

	c.runtime.RecordCommand(shadeID, time.Now())
	if err := c.batcher.Enqueue(ctx, shadeID, raw); err != nil {
		return err
	}
	c.coordinator.Boost()
	return nil
}

// Stop plans predictive stop targets for the shade's visual group and sends
// them. All moving shades of the group stop together on the group consensus
// target; the triggering shade is always included even when it appears
// stationary.
func (c *Controller) Stop(ctx context.Context, shadeID string) error {
	if _, ok := c.coordinator.Shade(shadeID); !ok {
		return errors.Wrapf(ErrUnknownShade, "%s", shadeID)
	}

	now := time.Now()
	members := c.movingGroupMembers(shadeID)
	planned := c.coordinator.PlanStop(members, now)

	var firstErr error
	errCh := make(chan error, len(members))
	inflight := 0
	flush := false

	for _, group := range planned {
		if group.Plan.Flush {
			flush = true
		}
		for _, target := range group.Plan.Targets {
			target := target
			pct := int(math.Round(target.Position * 100))
			cal := c.calibration.ForShade(target.ShadeID)
			raw := calibration.PctToRaw(pct, cal.Anchors, c.calibration.Invert(target.ShadeID))

			c.runtime.RecordCommand(target.ShadeID, now)
			c.runtime.RecordStopOutcome(target.ShadeID, now, target.Position, nil)

			inflight++
			go func() {
				errCh <- c.batcher.Enqueue(ctx, target.ShadeID, raw)
			}()
		}
	}

	if flush {
		c.batcher.Flush(ctx)
	}
	for i := 0; i < inflight; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		logrus.Errorf("%s: predictive stop write failed: %s", shadeID, firstErr)
		return firstErr
	}
	c.coordinator.Boost()
	return nil
}

// movingGroupMembers returns the shade's visual group peers that are
// currently in motion, always including the shade itself.
func (c *Controller) movingGroupMembers(shadeID string) []string {
	all := make([]string, 0)
	for id := range c.coordinator.Shades() {
		all = append(all, id)
	}
	sort.Strings(all)

	var peers []string
	partitions, _ := c.groups.PartitionShades(all)
	for _, part := range partitions {
		for _, id := range part.Shades {
			if id == shadeID {
				peers = part.Shades
				break
			}
		}
	}
	if peers == nil {
		return []string{shadeID}
	}

	moving := map[string]bool{}
	for _, id := range c.runtime.MovingShades() {
		moving[id] = true
	}

	members := make([]string, 0, len(peers))
	for _, id := range peers {
		if id == shadeID || moving[id] {
			members = append(members, id)
		}
	}
	return members
}

// Shades lists the known shade records sorted by id.
func (c *Controller) Shades() []crestron.Shade {
	snapshot := c.coordinator.Shades()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	shades := make([]crestron.Shade, 0, len(ids))
	for _, id := range ids {
		shades = append(shades, snapshot[id])
	}
	return shades
}
