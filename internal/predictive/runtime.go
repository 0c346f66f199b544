package predictive

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// Samples closer together than this do not feed the estimator.
	learnMinInterval = 0.1

	staleStopSeconds  = 4.0
	staleDecayStart   = 2.0
	staleDecaySpan    = 4.0
	staleUnsafeAfter = 3.0
)

// MotionSample is one observed (time, normalized position) pair. Exactly two
// live per shade at a time.
type MotionSample struct {
	Time     float64
	Position float64
}

// StopOutcome records how a predictive stop played out, kept in a bounded
// per-shade history for diagnostics.
type StopOutcome struct {
	Timestamp float64  `json:"timestamp"`
	Position  float64  `json:"position"`
	Velocity  float64  `json:"velocity"`
	Target    float64  `json:"target"`
	Settled   *float64 `json:"settled"`
	Distance  float64  `json:"distance"`
}

// shadeState is the live runtime tracking for one shade.
type shadeState struct {
	learning *ShadeLearningState

	lastSample  *MotionSample
	prevSample  *MotionSample
	velocity    float64
	direction   int
	baseline    *float64
	commandTime *float64
	movingSince *float64

	history     []StopOutcome
	historySize int
}

func (s *shadeState) pushSample(sample MotionSample) {
	s.prevSample = s.lastSample
	s.lastSample = &sample
}

func (s *shadeState) pushHistory(entry StopOutcome) {
	s.history = append(s.history, entry)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}

// RuntimeConfig tunes the predictive runtime and its planner.
type RuntimeConfig struct {
	TauAcc             float64
	TauDec             float64
	TauRespInit        float64
	MinConfidenceScale float64
	HistorySize        int
}

// DefaultRuntimeConfig returns the stock runtime tuning.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		TauAcc:             0.3,
		TauDec:             0.25,
		TauRespInit:        0.2,
		MinConfidenceScale: 0.25,
		HistorySize:        20,
	}
}

// ShadeDiagnostics is the per-shade diagnostics payload.
type ShadeDiagnostics struct {
	V0         float64       `json:"v0"`
	V1         float64       `json:"v1"`
	TauResp    float64       `json:"tau_resp"`
	Confidence float64       `json:"confidence"`
	Moving     bool          `json:"moving"`
	History    []StopOutcome `json:"history"`
}

// Runtime owns per-shade motion history, feeds the learning estimator and
// invokes the planner on stop requests. Callers poll and plan from the
// controller update path; a mutex keeps the state map safe against
// concurrent command handlers.
type Runtime struct {
	mu       sync.Mutex
	learning *LearningManager
	planner  *Planner
	cfg      RuntimeConfig
	states   map[string]*shadeState
	enabled  bool
}

func NewRuntime(learning *LearningManager, cfg RuntimeConfig) *Runtime {
	return &Runtime{
		learning: learning,
		planner:  NewPlanner(cfg.TauAcc, cfg.TauDec, cfg.MinConfidenceScale),
		cfg:      cfg,
		states:   map[string]*shadeState{},
		enabled:  true,
	}
}

// SetEnabled toggles predictive planning. When disabled, PlanStop returns the
// current positions with Flush=true so the caller performs a plain stop.
func (r *Runtime) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

func (r *Runtime) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *Runtime) state(shadeID string) *shadeState {
	state, ok := r.states[shadeID]
	if !ok {
		state = &shadeState{
			learning:    r.learning.State(shadeID),
			historySize: r.cfg.HistorySize,
		}
		r.states[shadeID] = state
	}
	return state
}

// RecordCommand notes when a move command was sent so the next motion onset
// can be turned into a latency measurement.
func (r *Runtime) RecordCommand(shadeID string, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := toSeconds(timestamp)
	r.state(shadeID).commandTime = &t
}

// RecordPoll ingests one polled position sample for a shade.
func (r *Runtime) RecordPoll(shadeID string, timestamp time.Time, position float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(shadeID)
	state.pushSample(MotionSample{Time: toSeconds(timestamp), Position: position})

	if state.prevSample == nil {
		return
	}

	dt := state.lastSample.Time - state.prevSample.Time
	if dt <= 0 {
		return
	}

	velocity := (state.lastSample.Position - state.prevSample.Position) / dt
	state.velocity = velocity

	moving := math.Abs(velocity) >= VelocityEps
	direction := 0
	if moving {
		if velocity > 0 {
			direction = 1
		} else {
			direction = -1
		}
	}

	if direction != 0 && state.direction == 0 {
		baseline := state.prevSample.Position
		state.baseline = &baseline
		movingSince := state.prevSample.Time
		state.movingSince = &movingSince
		if state.commandTime != nil {
			latency := math.Max(0, state.prevSample.Time-*state.commandTime)
			r.learning.UpdateLatency(shadeID, latency)
			state.commandTime = nil
			logrus.Debugf("%s: motion onset, latency sample %.3fs", shadeID, latency)
		}
	}
	if direction == 0 && state.direction != 0 {
		state.movingSince = nil
	}
	state.direction = direction

	if moving && dt >= learnMinInterval {
		r.learning.UpdateSpeed(shadeID, state.prevSample.Position, math.Abs(velocity))
	}
}

// PlanStop plans stop targets for the given shades as of now.
func (r *Runtime) PlanStop(shadeIDs []string, timestamp time.Time) PlanResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := toSeconds(timestamp)
	inputs := make([]StopInput, 0, len(shadeIDs))
	for _, shadeID := range shadeIDs {
		state := r.state(shadeID)
		if state.lastSample == nil {
			inputs = append(inputs, StopInput{
				ShadeID:     shadeID,
				TauResp:     r.cfg.TauRespInit,
				TauAcc:      r.cfg.TauAcc,
				TauDec:      r.cfg.TauDec,
				V0:          state.learning.RLS.Theta0,
				V1:          state.learning.RLS.Theta1,
				MaxPosition: 1,
			})
			continue
		}

		stale := math.Max(0, now-state.lastSample.Time)
		direction := state.direction
		if stale > staleStopSeconds {
			// Assume the last command completed; polling will resync.
			direction = 0
		}
		confidence := state.learning.Confidence
		if stale > staleDecayStart {
			confidence *= math.Max(0, 1-(stale-staleDecayStart)/staleDecaySpan)
		}

		inputs = append(inputs, StopInput{
			ShadeID:           shadeID,
			Position:          state.lastSample.Position,
			Velocity:          state.velocity,
			Direction:         direction,
			Baseline:          state.baseline,
			TauResp:           state.learning.TauResp,
			TauAcc:            r.cfg.TauAcc,
			TauDec:            r.cfg.TauDec,
			V0:                state.learning.RLS.Theta0,
			V1:                state.learning.RLS.Theta1,
			Confidence:        confidence,
			MaxPosition:       1,
			StaleSeconds:      stale,
			SafeWhenUncertain: stale > staleUnsafeAfter,
		})
	}

	if !r.enabled {
		targets := make([]StopTarget, 0, len(inputs))
		for _, item := range inputs {
			targets = append(targets, StopTarget{ShadeID: item.ShadeID, Position: item.Position})
		}
		return PlanResult{Targets: targets, Flush: true}
	}

	return r.planner.PlanTargets(inputs)
}

// MovingShades lists the shades currently believed to be in motion.
func (r *Runtime) MovingShades() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var moving []string
	for shadeID, state := range r.states {
		if state.direction != 0 {
			moving = append(moving, shadeID)
		}
	}
	return moving
}

// Direction reports the sign of a shade's current motion: +1 opening,
// -1 closing, 0 stationary or unknown.
func (r *Runtime) Direction(shadeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[shadeID]
	if !ok {
		return 0
	}
	return state.direction
}

// RecordStopOutcome files the result of a predictive stop into the shade's
// bounded history.
func (r *Runtime) RecordStopOutcome(shadeID string, timestamp time.Time, target float64, settled *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(shadeID)
	if state.lastSample == nil {
		return
	}
	state.pushHistory(StopOutcome{
		Timestamp: toSeconds(timestamp),
		Position:  state.lastSample.Position,
		Velocity:  state.velocity,
		Target:    target,
		Settled:   settled,
		Distance:  math.Abs(target - state.lastSample.Position),
	})
}

// Diagnostics returns per-shade learned parameters and recent stop history.
func (r *Runtime) Diagnostics() map[string]ShadeDiagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload := make(map[string]ShadeDiagnostics, len(r.states))
	for shadeID, state := range r.states {
		payload[shadeID] = ShadeDiagnostics{
			V0:         state.learning.RLS.Theta0,
			V1:         state.learning.RLS.Theta1,
			TauResp:    state.learning.TauResp,
			Confidence: state.learning.Confidence,
			Moving:     state.direction != 0,
			History:    append([]StopOutcome(nil), state.history...),
		}
	}
	return payload
}

// SerializeLearning exports the learning blobs for persistence.
func (r *Runtime) SerializeLearning() map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.learning.Serialize()
}

// ResetShade drops both runtime tracking and learned parameters for a shade.
func (r *Runtime) ResetShade(shadeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.states, shadeID)
	r.learning.Reset(shadeID)
	r.state(shadeID)
	logrus.Infof("%s: predictive state reset", shadeID)
}

func toSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
