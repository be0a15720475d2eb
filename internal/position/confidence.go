package position

// Confidence derives a 0-100 trust score for a nearby-distance reading from
// the reported GPS accuracy relative to the active discovery radius.
// The second return value is false when accuracy is unknown.
//
// FUNCTIONAL DISCOVERY: Tier boundaries are a product choice; the invariant
// that matters is monotonicity - for a fixed radius, worse accuracy never
// yields a higher score
func Confidence(accuracyM, radiusM float64) (int, bool) {
	if accuracyM <= 0 || radiusM <= 0 {
		return 0, false
	}

	ratio := accuracyM / radiusM
	switch {
	case ratio <= 0.25:
		return 92, true
	case ratio <= 0.5:
		return 78, true
	case ratio <= 1.0:
		return 60, true
	case ratio <= 1.5:
		return 40, true
	default:
		return 20, true
	}
}
