package calibration

// Assisted calibration helpers. The wizard moves a whole visual group to the
// percent with the poorest anchor coverage, waits for the shades to settle
// and records the observed raw value as a new anchor.

const (
	AssistedPercentEpsilon = 1
	AssistedRawEpsilon     = 4
	AssistedDefaultTarget  = 50
)

// LargestGapTarget returns the midpoint of the largest percent gap across the
// combined anchor tables of the given calibrations. Anchors closer than
// epsilon are coalesced into one point.
func LargestGapTarget(calibrations []ShadeCalibration, epsilon int) int {
	if len(calibrations) == 0 {
		return AssistedDefaultTarget
	}

	var points []int
	for _, cal := range calibrations {
		for _, anchor := range cal.Anchors {
			points = insertPercentPoint(points, anchor.Percent, epsilon)
		}
	}
	if len(points) < 2 {
		return AssistedDefaultTarget
	}

	largest := -1
	target := AssistedDefaultTarget
	for i := 0; i < len(points)-1; i++ {
		gap := points[i+1] - points[i]
		if gap > largest {
			largest = gap
			target = points[i] + gap/2
		}
	}
	return clampInt(target, PercentMin, PercentMax)
}

func insertPercentPoint(points []int, percent, epsilon int) []int {
	for i, existing := range points {
		if abs(existing-percent) <= epsilon {
			return points
		}
		if percent < existing {
			points = append(points, 0)
			copy(points[i+1:], points[i:])
			points[i] = percent
			return points
		}
	}
	return append(points, percent)
}

// ApplyAssistedAnchor inserts or updates an observed anchor in a calibration.
// Returns the resulting anchor table and whether it changed. Anchors within
// percentEpsilon of an existing anchor update it in place; raw readings
// within rawEpsilon of the stored value are treated as unchanged.
func ApplyAssistedAnchor(cal ShadeCalibration, percent, raw, percentEpsilon, rawEpsilon int) ([]Anchor, bool, error) {
	anchors := append([]Anchor(nil), cal.Anchors...)
	percent = clampInt(percent, PercentMin, PercentMax)

	for i, existing := range anchors {
		if abs(existing.Percent-percent) <= percentEpsilon {
			if abs(existing.Raw-raw) <= rawEpsilon {
				return cal.Anchors, false, nil
			}
			anchors[i].Raw = raw
			if err := ValidateAnchors(anchors); err != nil {
				return nil, false, err
			}
			return anchors, true, nil
		}
	}

	inserted := false
	for i, existing := range anchors {
		if percent < existing.Percent {
			anchors = append(anchors, Anchor{})
			copy(anchors[i+1:], anchors[i:])
			anchors[i] = Anchor{Percent: percent, Raw: raw}
			inserted = true
			break
		}
	}
	if !inserted {
		anchors = append(anchors, Anchor{Percent: percent, Raw: raw})
	}

	if err := ValidateAnchors(anchors); err != nil {
		return nil, false, err
	}
	return anchors, true, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
