package alert

// Filter is the photometric band index reported by the survey.
type Filter int

const (
	FilterG Filter = 1
	FilterR Filter = 2
	FilterI Filter = 3
)

// Name returns the band letter, or "unknown" outside the fixed set.
func (f Filter) Name() string {
	switch f {
	case FilterG:
		return "g"
	case FilterR:
		return "r"
	case FilterI:
		return "i"
	default:
		return "unknown"
	}
}

// Classification is the broker-assigned label mapped onto a known set.
type Classification string

const (
	ClassSNCandidate    Classification = "SN candidate"
	ClassEarlySNIa      Classification = "Early SN Ia candidate"
	ClassKilonova       Classification = "Kilonova candidate"
	ClassMicrolensing   Classification = "Microlensing candidate"
	ClassSolarSystemMPC Classification = "Solar System MPC"
	ClassVariableStar   Classification = "Variable Star"
	ClassAGN            Classification = "AGN"
	ClassUnknown        Classification = "Unknown"
)

var knownClasses = map[Classification]struct{}{
	ClassSNCandidate:    {},
	ClassEarlySNIa:      {},
	ClassKilonova:       {},
	ClassMicrolensing:   {},
	ClassSolarSystemMPC: {},
	ClassVariableStar:   {},
	ClassAGN:            {},
	ClassUnknown:        {},
}

// ParseClassification maps unrecognized labels to ClassUnknown.
func ParseClassification(s string) Classification {
	c := Classification(s)
	if _, ok := knownClasses[c]; ok {
		return c
	}
	return ClassUnknown
}

// MJDOffset converts a Julian Date to a Modified Julian Date.
const MJDOffset = 2400000.5
