package subscriber

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/darkden-lab/quakewatch/internal/geo"
)

// DefaultThresholdKm is the interest radius used when none is configured.
const DefaultThresholdKm = 500.0

// ErrInvalidSubscription is returned by Subscription.Validate.
var ErrInvalidSubscription = errors.New("invalid subscription")

// Subscription is a region's interest definition. It does not change for the
// lifetime of an agent.
type Subscription struct {
	Region      string
	Lat         float64
	Lon         float64
	ThresholdKm float64
}

func (s Subscription) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

// Validate checks that the region is named, its reference point is a valid
// coordinate and the threshold is a finite non-negative distance.
func (s Subscription) Validate() error {
	if strings.TrimSpace(s.Region) == "" {
		return fmt.Errorf("%w: empty region", ErrInvalidSubscription)
	}
	if err := s.Point().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	if s.ThresholdKm < 0 || math.IsNaN(s.ThresholdKm) || math.IsInf(s.ThresholdKm, 0) {
		return fmt.Errorf("%w: threshold %v km", ErrInvalidSubscription, s.ThresholdKm)
	}
	return nil
}
