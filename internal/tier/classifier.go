// Package tier assigns polling tiers from time remaining to resolution and
// periodically re-evaluates them.
package tier

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// DefaultBoundaries are the exclusive upper bounds of tiers 4, 3, 2 and 1.
var DefaultBoundaries = [4]time.Duration{
	time.Hour,
	4 * time.Hour,
	12 * time.Hour,
	48 * time.Hour,
}

// Classifier maps time remaining onto a tier. It is a pure function of its
// boundaries and safe for concurrent use.
type Classifier struct {
	bounds [4]time.Duration
}

// NewClassifier builds a classifier from four strictly increasing
// boundaries. An empty slice selects DefaultBoundaries.
func NewClassifier(bounds []time.Duration) (*Classifier, error) {
	if len(bounds) == 0 {
		return &Classifier{bounds: DefaultBoundaries}, nil
	}
	if len(bounds) != 4 {
		return nil, fmt.Errorf("tier: need 4 boundaries, got %d", len(bounds))
	}
	var c Classifier
	for i, b := range bounds {
		if b <= 0 || (i > 0 && b <= bounds[i-1]) {
			return nil, fmt.Errorf("tier: boundaries must be positive and strictly increasing: %v", bounds)
		}
		c.bounds[i] = b
	}
	return &c, nil
}

// Classify returns the tier for the given time remaining. An unknown
// deadline is tier 0; an elapsed one is tier 4.
func (c *Classifier) Classify(remaining *time.Duration) int {
	if remaining == nil {
		return domain.MinTier
	}
	r := *remaining
	for i, b := range c.bounds {
		if r < b {
			return domain.MaxTier - i
		}
	}
	return domain.MinTier
}

// ClassifyAt classifies an instrument ending at endDate as seen at now.
func (c *Classifier) ClassifyAt(endDate *time.Time, now time.Time) int {
	if endDate == nil {
		return domain.MinTier
	}
	r := endDate.Sub(now)
	return c.Classify(&r)
}
