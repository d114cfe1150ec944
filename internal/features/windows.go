package features

import (
	"math"
	"sort"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// Package features computes the deterministic, anchored window statistics
// that make up the transaction feature pack. All computations are pure
// functions of (history snapshot, anchor timestamp): transactions strictly
// after the anchor are excluded, so replays of the same snapshot yield
// byte-identical features.

// TxnRecord is the minimal transaction shape needed for window statistics.
type TxnRecord struct {
	TransactionID string    `json:"transaction_id"`
	CardID        string    `json:"card_id"`
	MerchantID    string    `json:"merchant_id"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Decision      string    `json:"decision"` // "approved" | "declined"
	MCC           string    `json:"mcc"`
	Timestamp     time.Time `json:"timestamp"`
}

// Declined reports whether the authorization was declined.
func (t TxnRecord) Declined() bool {
	return t.Decision == "declined"
}

// windowDurations maps the feature window keys to their spans.
var windowDurations = map[string]time.Duration{
	models.Window5m:  5 * time.Minute,
	models.Window1h:  time.Hour,
	models.Window24h: 24 * time.Hour,
	models.Window30d: 30 * 24 * time.Hour,
}

// WindowDuration returns the span for a feature window key, or zero if the
// key is unknown.
func WindowDuration(key string) time.Duration {
	return windowDurations[key]
}

// inWindow reports whether t falls inside (anchor-window, anchor]. The
// anchor transaction itself is included; anything strictly after it is not.
func inWindow(t, anchor time.Time, window time.Duration) bool {
	if t.After(anchor) {
		return false
	}
	return t.After(anchor.Add(-window))
}

// ComputeWindowStats computes stats over txns for one window ending at the
// anchor. anchorAmount is the amount of the transaction under investigation,
// used for the z-score. The z-score is zero when the window holds fewer than
// three transactions or when the amount variance is zero.
func ComputeWindowStats(txns []TxnRecord, anchor time.Time, window time.Duration, anchorAmount float64) models.WindowStats {
	var (
		count    int
		declined int
		sum      float64
		amounts  []float64
	)
	merchants := map[string]struct{}{}
	cards := map[string]struct{}{}

	for _, t := range txns {
		if !inWindow(t.Timestamp, anchor, window) {
			continue
		}
		count++
		sum += t.Amount
		amounts = append(amounts, t.Amount)
		if t.Declined() {
			declined++
		}
		if t.MerchantID != "" {
			merchants[t.MerchantID] = struct{}{}
		}
		if t.CardID != "" {
			cards[t.CardID] = struct{}{}
		}
	}

	stats := models.WindowStats{
		TxnCount:          count,
		DistinctMerchants: len(merchants),
		DistinctCards:     len(cards),
	}
	if count == 0 {
		return stats
	}
	stats.DeclineRate = float64(declined) / float64(count)
	stats.AvgAmount = sum / float64(count)
	stats.AmountZScore = zscore(amounts, anchorAmount)
	return stats
}

// zscore computes (x - mean) / stddev over the population, returning zero
// for n < 3 or zero variance.
func zscore(amounts []float64, x float64) float64 {
	n := len(amounts)
	if n < 3 {
		return 0
	}
	var sum float64
	for _, a := range amounts {
		sum += a
	}
	mean := sum / float64(n)
	var varSum float64
	for _, a := range amounts {
		d := a - mean
		varSum += d * d
	}
	sigma := math.Sqrt(varSum / float64(n))
	if sigma == 0 {
		return 0
	}
	return (x - mean) / sigma
}

// AllWindows computes stats for every feature window key.
func AllWindows(txns []TxnRecord, anchor time.Time, anchorAmount float64) map[string]models.WindowStats {
	out := make(map[string]models.WindowStats, len(models.WindowKeys))
	for _, key := range models.WindowKeys {
		out[key] = ComputeWindowStats(txns, anchor, windowDurations[key], anchorAmount)
	}
	return out
}

// Ladder describes a detected card-testing amount ladder.
type Ladder struct {
	Amounts        []float64
	TransactionIDs []string
	SmallestAmount float64
}

// ladderMaxSmallest is the upper bound on the smallest ladder amount, in
// currency units. Card testers probe with trivial amounts first.
const ladderMaxSmallest = 5.0

// DetectCardTestingLadder looks for >= 3 declined authorizations on the same
// card within one hour of the anchor whose amounts, taken in chronological
// order (never pre-sorted), are monotonically non-decreasing with the
// smallest at most 5 currency units.
func DetectCardTestingLadder(txns []TxnRecord, anchor time.Time) (Ladder, bool) {
	var declines []TxnRecord
	for _, t := range txns {
		if t.Declined() && inWindow(t.Timestamp, anchor, time.Hour) {
			declines = append(declines, t)
		}
	}
	if len(declines) < 3 {
		return Ladder{}, false
	}
	// Chronological order is the ladder's defining property; amounts must
	// not be sorted before the monotonicity check.
	sort.SliceStable(declines, func(i, j int) bool {
		return declines[i].Timestamp.Before(declines[j].Timestamp)
	})

	ladder := Ladder{SmallestAmount: declines[0].Amount}
	for i, t := range declines {
		if i > 0 && t.Amount < declines[i-1].Amount {
			return Ladder{}, false
		}
		if t.Amount < ladder.SmallestAmount {
			ladder.SmallestAmount = t.Amount
		}
		ladder.Amounts = append(ladder.Amounts, t.Amount)
		ladder.TransactionIDs = append(ladder.TransactionIDs, t.TransactionID)
	}
	if ladder.SmallestAmount > ladderMaxSmallest {
		return Ladder{}, false
	}
	return ladder, true
}
