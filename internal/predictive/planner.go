package predictive

import (
	"math"
	"sort"
)

// VelocityEps is the minimum normalized speed considered to be motion.
const VelocityEps = 0.005

const (
	steadySpeedFloor     = 0.01
	stalenessBlendWindow = 2.5
	hardStopConfidence   = 0.05
)

// StopInput carries everything required to plan a stop for one shade.
// Positions and distances are in the normalized [0,1] domain.
type StopInput struct {
	ShadeID           string
	Position          float64
	Velocity          float64
	Direction         int
	Baseline          *float64
	TauResp           float64
	TauAcc            float64
	TauDec            float64
	V0                float64
	V1                float64
	Confidence        float64
	MinPosition       float64
	MaxPosition       float64
	StaleSeconds      float64
	SafeWhenUncertain bool
}

// StopTarget is the planned absolute position for one shade.
type StopTarget struct {
	ShadeID  string
	Position float64
	Clamped  bool
	Distance float64
}

// PlanResult is the outcome of a planning call. Flush signals the caller to
// force-send the resulting batch instead of waiting for the debounce window.
type PlanResult struct {
	Targets []StopTarget
	Flush   bool
}

// ShadeModel is the kinematic forward model built on the two-parameter
// steady-state speed curve.
type ShadeModel struct {
	tauAcc float64
	tauDec float64
}

func NewShadeModel(tauAcc, tauDec float64) *ShadeModel {
	return &ShadeModel{tauAcc: tauAcc, tauDec: tauDec}
}

// SteadySpeed evaluates the learned speed curve, floored to keep the model
// from predicting zero or negative speed.
func SteadySpeed(v0, v1, position float64) float64 {
	return math.Max(steadySpeedFloor, v0+v1*position)
}

// EstimateVelocity blends the measured velocity with the learned model.
// Fresh samples from a confident model dominate; stale or low-confidence
// data falls back toward the steady-state curve.
func (m *ShadeModel) EstimateVelocity(position, measuredVelocity, v0, v1, confidence, staleSeconds float64) float64 {
	modelVelocity := SteadySpeed(v0, v1, position)
	blend := confidence * math.Max(0, 1-staleSeconds/stalenessBlendWindow)
	return blend*measuredVelocity + (1-blend)*modelVelocity
}

// ForwardDistance projects the coast distance after a stop command: the
// latency phase at full speed plus the deceleration phase at half speed.
func (m *ShadeModel) ForwardDistance(velocity, tauResp, tauDec float64) float64 {
	if tauDec < 0 {
		tauDec = m.tauDec
	}
	velocity = math.Max(0, velocity)
	dLat := velocity * math.Max(0, tauResp)
	dDec := 0.5 * velocity * math.Max(0, tauDec)
	return dLat + dDec
}

// Planner computes non-backtracking, group-consistent stop positions.
type Planner struct {
	model        *ShadeModel
	minConfScale float64
}

func NewPlanner(tauAcc, tauDec, minConfidenceScale float64) *Planner {
	return &Planner{
		model:        NewShadeModel(tauAcc, tauDec),
		minConfScale: minConfidenceScale,
	}
}

func (p *Planner) safetyScale(confidence float64) float64 {
	return math.Max(p.minConfScale, math.Min(1, confidence))
}

// PlanTargets plans stop positions for a set of shades. Stationary shades
// pass through unchanged; if no shade moves at all the result carries
// Flush=false since there is nothing to send.
func (p *Planner) PlanTargets(inputs []StopInput) PlanResult {
	var active []StopInput
	for _, item := range inputs {
		if item.Direction != 0 {
			active = append(active, item)
		}
	}
	if len(active) == 0 {
		targets := make([]StopTarget, 0, len(inputs))
		for _, item := range inputs {
			targets = append(targets, StopTarget{ShadeID: item.ShadeID, Position: item.Position})
		}
		return PlanResult{Targets: targets, Flush: false}
	}

	type adjustedInput struct {
		input   StopInput
		forward float64
	}

	distances := make([]float64, 0, len(active))
	adjusted := make([]adjustedInput, 0, len(active))
	for _, item := range active {
		predicted := p.model.EstimateVelocity(
			item.Position,
			math.Abs(item.Velocity),
			item.V0, item.V1,
			item.Confidence,
			item.StaleSeconds,
		)
		if predicted <= 0 {
			predicted = math.Abs(item.Velocity)
		}
		forward := p.model.ForwardDistance(predicted, item.TauResp, item.TauDec)
		forward *= p.safetyScale(item.Confidence)
		if item.SafeWhenUncertain && item.Confidence < hardStopConfidence {
			// hard safety fallback: stop right here rather than guess
			forward = 0
		}
		distances = append(distances, forward)
		adjusted = append(adjusted, adjustedInput{input: item, forward: forward})
	}

	var baselineDeltas []float64
	for _, item := range active {
		if item.Baseline != nil {
			baselineDeltas = append(baselineDeltas, item.Position-*item.Baseline)
		}
	}
	groupDelta := median(baselineDeltas)
	groupCoast := median(distances)

	targets := make([]StopTarget, 0, len(inputs))
	for _, entry := range adjusted {
		item := entry.input
		direction := 1.0
		if item.Direction < 0 {
			direction = -1.0
		}
		proposed := item.Position + direction*entry.forward
		if item.Baseline != nil {
			proposedGroup := *item.Baseline + groupDelta + direction*groupCoast
			if direction > 0 {
				proposed = math.Max(proposed, proposedGroup)
			} else {
				proposed = math.Min(proposed, proposedGroup)
			}
		}

		proposed = clamp(proposed, item.MinPosition, item.MaxPosition)
		if direction > 0 && proposed < item.Position {
			proposed = item.Position
		} else if direction < 0 && proposed > item.Position {
			proposed = item.Position
		}

		targets = append(targets, StopTarget{
			ShadeID:  item.ShadeID,
			Position: proposed,
			Clamped:  proposed == item.MinPosition || proposed == item.MaxPosition,
			Distance: entry.forward,
		})
	}

	planned := make(map[string]bool, len(targets))
	for _, target := range targets {
		planned[target.ShadeID] = true
	}
	for _, item := range inputs {
		if item.Direction == 0 && !planned[item.ShadeID] {
			targets = append(targets, StopTarget{ShadeID: item.ShadeID, Position: item.Position})
		}
	}

	return PlanResult{Targets: targets, Flush: true}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
