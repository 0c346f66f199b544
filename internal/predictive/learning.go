package predictive

import (
	"encoding/json"
	"math"

	"github.com/sirupsen/logrus"
)

const (
	defaultTheta0     = 0.4
	defaultTheta1     = 0.0
	defaultCovariance = 25.0
	defaultRMSE       = 0.2

	covarianceFloor = 1e-3
	gainDenomFloor  = 1e-6

	velocityClamp = 2.0

	latencyClampMin = 0.05
	latencyClampMax = 1.5

	rmseConfidenceScale  = 0.15
	countConfidenceScale = 20.0
)

// LearningDefaults seeds freshly created shade states and fills fields that
// could not be restored from storage.
type LearningDefaults struct {
	V0           float64
	V1           float64
	TauResp      float64
	Forgetting   float64
	TauRespAlpha float64
}

// DefaultLearning returns the stock learning parameters.
func DefaultLearning() LearningDefaults {
	return LearningDefaults{
		V0:           defaultTheta0,
		V1:           defaultTheta1,
		TauResp:      0.15,
		Forgetting:   0.98,
		TauRespAlpha: 0.2,
	}
}

// RecursiveLeastSquares is a two-parameter RLS estimator for the steady-state
// speed model v_ss(s) = theta0 + theta1*s over normalized positions.
type RecursiveLeastSquares struct {
	Theta0     float64 `json:"theta0"`
	Theta1     float64 `json:"theta1"`
	Cov00      float64 `json:"cov_00"`
	Cov01      float64 `json:"cov_01"`
	Cov11      float64 `json:"cov_11"`
	Forgetting float64 `json:"forgetting"`
}

func newRLS(v0, v1, forgetting float64) RecursiveLeastSquares {
	return RecursiveLeastSquares{
		Theta0:     v0,
		Theta1:     v1,
		Cov00:      defaultCovariance,
		Cov11:      defaultCovariance,
		Forgetting: forgetting,
	}
}

// Predict returns the modeled steady-state speed at a position.
func (r *RecursiveLeastSquares) Predict(position float64) float64 {
	return r.Theta0 + r.Theta1*position
}

// Update performs one RLS step with regressor phi = [1, position]. The
// covariance diagonal is floored to keep the matrix from collapsing.
func (r *RecursiveLeastSquares) Update(position, velocity float64) {
	phi0, phi1 := 1.0, position
	cov00, cov01, cov11 := r.Cov00, r.Cov01, r.Cov11

	gainDenom := r.Forgetting +
		phi0*(cov00*phi0+cov01*phi1) +
		phi1*(cov01*phi0+cov11*phi1)
	if gainDenom <= gainDenomFloor {
		gainDenom = gainDenomFloor
	}
	gain0 := (cov00*phi0 + cov01*phi1) / gainDenom
	gain1 := (cov01*phi0 + cov11*phi1) / gainDenom

	err := velocity - (r.Theta0*phi0 + r.Theta1*phi1)
	r.Theta0 += gain0 * err
	r.Theta1 += gain1 * err

	cov00 = (cov00 - gain0*(cov00*phi0+cov01*phi1)) / r.Forgetting
	cov01 = (cov01 - gain0*(cov01*phi0+cov11*phi1)) / r.Forgetting
	cov11 = (cov11 - gain1*(cov01*phi0+cov11*phi1)) / r.Forgetting

	r.Cov00 = math.Max(cov00, covarianceFloor)
	r.Cov01 = cov01
	r.Cov11 = math.Max(cov11, covarianceFloor)
}

// ShadeLearningState bundles the per-shade RLS state with the smoothed
// response latency and a derived confidence score.
type ShadeLearningState struct {
	RLS         RecursiveLeastSquares `json:"rls"`
	TauResp     float64               `json:"tau_resp"`
	RMSE        float64               `json:"rmse"`
	SampleCount int                   `json:"sample_count"`
	Confidence  float64               `json:"confidence"`
}

func newShadeLearningState(defaults LearningDefaults) *ShadeLearningState {
	return &ShadeLearningState{
		RLS:     newRLS(defaults.V0, defaults.V1, defaults.Forgetting),
		TauResp: defaults.TauResp,
		RMSE:    defaultRMSE,
	}
}

// UpdateSpeed feeds one motion sample into the estimator. Velocities are
// clamped to bound the influence of sensor glitches.
func (s *ShadeLearningState) UpdateSpeed(position, velocity float64) {
	velocity = clamp(velocity, -velocityClamp, velocityClamp)
	s.RLS.Update(position, velocity)
	s.SampleCount++

	residual := velocity - s.RLS.Predict(position)
	s.RMSE = math.Sqrt(float64(s.SampleCount-1)*s.RMSE*s.RMSE + residual*residual)
	s.RMSE /= math.Sqrt(float64(maxInt(s.SampleCount, 1)))
	s.recomputeConfidence()
}

// UpdateTauResp blends a measured command-to-motion latency into the smoothed
// response time constant.
func (s *ShadeLearningState) UpdateTauResp(latency, alpha float64) {
	latency = clamp(latency, latencyClampMin, latencyClampMax)
	s.TauResp = (1-alpha)*s.TauResp + alpha*latency
	s.recomputeConfidence()
}

func (s *ShadeLearningState) recomputeConfidence() {
	rmseTerm := clamp(1.0-s.RMSE/rmseConfidenceScale, 0, 1)
	countTerm := clamp(float64(s.SampleCount)/countConfidenceScale, 0, 1)
	if s.SampleCount < 2 {
		// a single sample says nothing about repeatability
		countTerm = 0
	}
	s.Confidence = rmseTerm * countTerm
}

// LearningManager tracks learning state for every observed shade.
type LearningManager struct {
	defaults LearningDefaults
	states   map[string]*ShadeLearningState
}

func NewLearningManager(defaults LearningDefaults) *LearningManager {
	return &LearningManager{defaults: defaults, states: map[string]*ShadeLearningState{}}
}

// State returns the learning state for a shade, creating it lazily.
func (m *LearningManager) State(shadeID string) *ShadeLearningState {
	state, ok := m.states[shadeID]
	if !ok {
		state = newShadeLearningState(m.defaults)
		m.states[shadeID] = state
	}
	return state
}

func (m *LearningManager) UpdateSpeed(shadeID string, position, velocity float64) {
	m.State(shadeID).UpdateSpeed(position, velocity)
}

func (m *LearningManager) UpdateLatency(shadeID string, latency float64) {
	m.State(shadeID).UpdateTauResp(latency, m.defaults.TauRespAlpha)
}

// Reset drops a shade's learned parameters.
func (m *LearningManager) Reset(shadeID string) {
	delete(m.states, shadeID)
}

// Serialize returns the per-shade learning blobs for persistence.
func (m *LearningManager) Serialize() map[string]json.RawMessage {
	payload := make(map[string]json.RawMessage, len(m.states))
	for shadeID, state := range m.states {
		blob, err := json.Marshal(state)
		if err != nil {
			logrus.Errorf("%s: learning state serialization failed: %s", shadeID, err)
			continue
		}
		payload[shadeID] = blob
	}
	return payload
}

// RestoreLearning rebuilds a manager from persisted blobs. Malformed shade
// blobs are discarded and malformed fields fall back to defaults, so stale
// storage can never break startup.
func RestoreLearning(payload map[string]json.RawMessage, defaults LearningDefaults) *LearningManager {
	manager := NewLearningManager(defaults)
	for shadeID, blob := range payload {
		state := newShadeLearningState(defaults)
		if err := json.Unmarshal(blob, state); err != nil {
			logrus.Warnf("%s: discarding malformed learning state: %s", shadeID, err)
			continue
		}
		sanitizeLearningState(state, defaults)
		manager.states[shadeID] = state
	}
	return manager
}

func sanitizeLearningState(state *ShadeLearningState, defaults LearningDefaults) {
	if !isFinite(state.RLS.Theta0) {
		state.RLS.Theta0 = defaults.V0
	}
	if !isFinite(state.RLS.Theta1) {
		state.RLS.Theta1 = defaults.V1
	}
	if !isFinite(state.RLS.Cov00) || state.RLS.Cov00 <= 0 {
		state.RLS.Cov00 = defaultCovariance
	}
	if !isFinite(state.RLS.Cov01) {
		state.RLS.Cov01 = 0
	}
	if !isFinite(state.RLS.Cov11) || state.RLS.Cov11 <= 0 {
		state.RLS.Cov11 = defaultCovariance
	}
	if !isFinite(state.RLS.Forgetting) || state.RLS.Forgetting <= 0 || state.RLS.Forgetting > 1 {
		state.RLS.Forgetting = defaults.Forgetting
	}
	if !isFinite(state.TauResp) || state.TauResp <= 0 {
		state.TauResp = defaults.TauResp
	}
	if !isFinite(state.RMSE) || state.RMSE < 0 {
		state.RMSE = defaultRMSE
	}
	if state.SampleCount < 0 {
		state.SampleCount = 0
	}
	state.recomputeConfidence()
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lower, upper float64) float64 {
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
