package investigation

import (
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// Severity-from-evidence mapping, shared by the reasoning fallback and the
// completion node. The mapping is driven by the top effective (freshness
// weighted) supporting strength; CRITICAL additionally requires a second
// strong signal so one outlier cannot escalate alone.
//
//	top >= 0.9 and at least two items >= 0.7  -> CRITICAL
//	top >= 0.7                                -> HIGH
//	top >= 0.5                                -> MEDIUM
//	otherwise                                 -> LOW
func SeverityFromEvidence(items []models.EvidenceItem) models.Severity {
	var top float64
	strong := 0
	for _, e := range items {
		if e.Kind == models.EvidenceCounter {
			continue
		}
		s := e.EffectiveStrength()
		if s > top {
			top = s
		}
		if s >= 0.7 {
			strong++
		}
	}
	switch {
	case top >= 0.9 && strong >= 2:
		return models.SeverityCritical
	case top >= 0.7:
		return models.SeverityHigh
	case top >= 0.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// EvidenceBalance sums supporting and counter effective strengths.
func EvidenceBalance(items []models.EvidenceItem) (support, counter float64) {
	for _, e := range items {
		if e.Kind == models.EvidenceCounter {
			counter += e.EffectiveStrength()
		} else {
			support += e.EffectiveStrength()
		}
	}
	return support, counter
}

// MaxEvidenceStrength returns the strongest raw supporting strength.
func MaxEvidenceStrength(items []models.EvidenceItem) float64 {
	var top float64
	for _, e := range items {
		if e.Kind == models.EvidenceCounter {
			continue
		}
		if e.Strength > top {
			top = e.Strength
		}
	}
	return top
}
