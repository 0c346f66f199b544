package calibration

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

const (
	PercentMin = 0
	PercentMax = 100

	RawMin = 0
	RawMax = 65535
)

// Validation error codes, surfaced to the user-facing editor.
const (
	ErrCodeTooFew       = "anchors_too_few"
	ErrCodeEndpoint     = "anchors_endpoint"
	ErrCodePercentRange = "anchors_pc_range"
	ErrCodePercentOrder = "anchors_pc_order"
	ErrCodeRawRange     = "anchors_raw_range"
	ErrCodeRawMonotonic = "anchors_raw_monotonic"
)

// InvalidCalibrationError reports a rejected anchor table together with a
// stable code for user-facing mapping.
type InvalidCalibrationError struct {
	Code    string
	Message string
}

func (e *InvalidCalibrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code, format string, args ...interface{}) error {
	return &InvalidCalibrationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Anchor maps a logical percent to a controller raw position unit.
type Anchor struct {
	Percent int `yaml:"pc" json:"pc"`
	Raw     int `yaml:"raw" json:"raw"`
}

// DefaultAnchors is the identity mapping over the full raw range.
func DefaultAnchors() []Anchor {
	return []Anchor{{Percent: 0, Raw: 0}, {Percent: 100, Raw: RawMax}}
}

// ShadeCalibration holds the validated anchor table for one shade plus an
// optional invert override. A nil InvertOverride falls back to the global
// invert flag.
type ShadeCalibration struct {
	Anchors        []Anchor
	InvertOverride *bool
}

// ResolvedInvert returns the effective invert flag for the shade.
func (c ShadeCalibration) ResolvedInvert(globalInvert bool) bool {
	if c.InvertOverride == nil {
		return globalInvert
	}
	return *c.InvertOverride
}

// Collection is the per-entry calibration cache, read on every position
// translation. Calibrations are immutable once validated and replaced
// wholesale on edit.
type Collection struct {
	GlobalInvert bool
	PerShade     map[string]ShadeCalibration
}

// ForShade returns the calibration for a shade, defaulting to the identity
// anchors when none is configured.
func (c Collection) ForShade(shadeID string) ShadeCalibration {
	if cal, ok := c.PerShade[shadeID]; ok {
		return cal
	}
	return ShadeCalibration{Anchors: DefaultAnchors()}
}

// Invert returns the effective invert flag for a shade.
func (c Collection) Invert(shadeID string) bool {
	return c.ForShade(shadeID).ResolvedInvert(c.GlobalInvert)
}

// ValidateAnchors checks an anchor table: at least two anchors, endpoints at
// 0%/100%, values inside range, strictly increasing percents and
// non-decreasing raw values.
func ValidateAnchors(anchors []Anchor) error {
	if len(anchors) < 2 {
		return invalid(ErrCodeTooFew, "at least two anchors are required")
	}

	if anchors[0].Percent != PercentMin || anchors[len(anchors)-1].Percent != PercentMax {
		return invalid(ErrCodeEndpoint, "first anchor must start at 0%% and last anchor must end at 100%%")
	}

	for i, a := range anchors {
		if a.Percent < PercentMin || a.Percent > PercentMax {
			return invalid(ErrCodePercentRange, "anchor #%d percent %d is outside the 0-100 range", i, a.Percent)
		}
		if a.Raw < RawMin || a.Raw > RawMax {
			return invalid(ErrCodeRawRange, "anchor #%d raw %d is outside the valid range", i, a.Raw)
		}
	}

	for i := 1; i < len(anchors); i++ {
		if anchors[i].Percent <= anchors[i-1].Percent {
			return invalid(ErrCodePercentOrder, "anchor percentages must be strictly increasing")
		}
		if anchors[i].Raw < anchors[i-1].Raw {
			return invalid(ErrCodeRawMonotonic, "anchor raw values must be monotonically non-decreasing")
		}
	}

	return nil
}

// PctToRaw converts a cover percentage to a controller raw position. The
// input is clamped into [0,100]; inversion mirrors the percent before the
// lookup so interpolation always happens in un-inverted space.
func PctToRaw(pct int, anchors []Anchor, invert bool) int {
	p := clampInt(pct, PercentMin, PercentMax)
	if invert {
		p = PercentMax - p
	}

	var raw float64
	switch {
	case p <= anchors[0].Percent:
		raw = float64(anchors[0].Raw)
	case p >= anchors[len(anchors)-1].Percent:
		raw = float64(anchors[len(anchors)-1].Raw)
	default:
		raw = float64(anchors[len(anchors)-1].Raw)
		for i := 0; i < len(anchors)-1; i++ {
			start, end := anchors[i], anchors[i+1]
			if p > end.Percent {
				continue
			}
			span := end.Percent - start.Percent
			if span <= 0 {
				// zero-span segment: declared edge-case policy, not an error
				raw = float64(end.Raw)
				break
			}
			ratio := float64(p-start.Percent) / float64(span)
			raw = float64(start.Raw) + float64(end.Raw-start.Raw)*ratio
			break
		}
	}

	return clampInt(int(math.Round(raw)), RawMin, RawMax)
}

// RawToPct converts a controller raw position to a cover percentage.
func RawToPct(raw int, anchors []Anchor, invert bool) int {
	r := clampInt(raw, RawMin, RawMax)

	pct := float64(anchors[len(anchors)-1].Percent)
	for i := 0; i < len(anchors)-1; i++ {
		start, end := anchors[i], anchors[i+1]
		if r > end.Raw {
			continue
		}
		if end.Raw == start.Raw {
			if r < start.Raw {
				pct = float64(start.Percent)
			} else {
				pct = float64(end.Percent)
			}
			break
		}
		if r <= start.Raw {
			pct = float64(start.Percent)
			break
		}
		ratio := float64(r-start.Raw) / float64(end.Raw-start.Raw)
		pct = float64(start.Percent) + float64(end.Percent-start.Percent)*ratio
		break
	}

	p := int(math.Round(pct))
	if invert {
		p = PercentMax - p
	}
	return clampInt(p, PercentMin, PercentMax)
}

// ShadeConfig is the raw per-shade calibration section as it appears in the
// configuration file.
type ShadeConfig struct {
	Anchors []Anchor `yaml:"anchors"`
	Invert  *bool    `yaml:"invert"`
}

// ParseCollection builds a Collection out of configuration input. Invalid
// per-shade entries are skipped with a warning and fall back to defaults, so
// a bad edit never takes the runtime down.
func ParseCollection(globalInvert bool, perShade map[string]ShadeConfig) Collection {
	collection := Collection{
		GlobalInvert: globalInvert,
		PerShade:     map[string]ShadeCalibration{},
	}

	for shadeID, cfg := range perShade {
		anchors := cfg.Anchors
		if len(anchors) == 0 {
			anchors = DefaultAnchors()
		}
		if err := ValidateAnchors(anchors); err != nil {
			logrus.Warnf("%s: calibration entry is invalid: %s", shadeID, err)
			continue
		}
		collection.PerShade[shadeID] = ShadeCalibration{
			Anchors:        append([]Anchor(nil), anchors...),
			InvertOverride: cfg.Invert,
		}
	}

	return collection
}

func clampInt(v, lower, upper int) int {
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}
