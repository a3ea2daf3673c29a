package stream

import (
	"fmt"
	"sort"
)

// DefaultWhaleThresholds are the notional floors of whale tiers 1, 2 and 3.
var DefaultWhaleThresholds = []float64{500, 2000, 10000}

// WhaleClassifier maps trade notional onto a whale tier 0-3.
type WhaleClassifier struct {
	thresholds []float64
}

// NewWhaleClassifier validates thresholds (strictly increasing, positive).
// An empty slice selects DefaultWhaleThresholds.
func NewWhaleClassifier(thresholds []float64) (*WhaleClassifier, error) {
	if len(thresholds) == 0 {
		thresholds = DefaultWhaleThresholds
	}
	if len(thresholds) != 3 {
		return nil, fmt.Errorf("stream: need 3 whale thresholds, got %d", len(thresholds))
	}
	if thresholds[0] <= 0 || !sort.Float64sAreSorted(thresholds) ||
		thresholds[0] == thresholds[1] || thresholds[1] == thresholds[2] {
		return nil, fmt.Errorf("stream: whale thresholds must be positive and strictly increasing: %v", thresholds)
	}
	return &WhaleClassifier{thresholds: append([]float64(nil), thresholds...)}, nil
}

// Tier returns the highest tier whose floor notional reaches.
func (w *WhaleClassifier) Tier(notional float64) int {
	tier := 0
	for i, floor := range w.thresholds {
		if notional >= floor {
			tier = i + 1
		}
	}
	return tier
}
