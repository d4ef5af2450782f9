package status

//PressureLevel discrete system pressure classification
type PressureLevel string

const (
	PressureNone      PressureLevel = "NONE"
	PressureLow       PressureLevel = "LOW"
	PressureMedium    PressureLevel = "MEDIUM"
	PressureHigh      PressureLevel = "HIGH"
	PressureCritical  PressureLevel = "CRITICAL"
	PressureEmergency PressureLevel = "EMERGENCY"
)

var pressureRanks = map[PressureLevel]int{
	PressureNone:      0,
	PressureLow:       1,
	PressureMedium:    2,
	PressureHigh:      3,
	PressureCritical:  4,
	PressureEmergency: 5,
}

//Rank returns the severity order of the level, higher is worse.
func (l PressureLevel) Rank() int {
	return pressureRanks[l]
}

//AtLeast reports whether l is as severe as other or worse.
func (l PressureLevel) AtLeast(other PressureLevel) bool {
	return l.Rank() >= other.Rank()
}

//LevelOf maps a pressure score to its discrete level. This is the single
//place a level is derived from a score, callers must not classify scores
//themselves.
func LevelOf(score float64) PressureLevel {
	switch {
	case score >= 0.9:
		return PressureEmergency
	case score >= 0.8:
		return PressureCritical
	case score >= 0.6:
		return PressureHigh
	case score >= 0.4:
		return PressureMedium
	case score >= 0.2:
		return PressureLow
	default:
		return PressureNone
	}
}
