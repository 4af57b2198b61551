package search

import (
	"time"

	"peakalign/internal/ephemeris"
	"peakalign/internal/geo"
)

// Phase distinguishes the two daily windows a body can align in.
type Phase string

const (
	PhaseRising  Phase = "rising"
	PhaseSetting Phase = "setting"
)

// Accuracy is the discrete bucket derived from the combined angular error.
// Anything looser than fair is discarded, never reported.
type Accuracy string

const (
	AccuracyPerfect   Accuracy = "perfect"
	AccuracyExcellent Accuracy = "excellent"
	AccuracyGood      Accuracy = "good"
	AccuracyFair      Accuracy = "fair"
)

// Event is one discovered alignment: the instant a body's apparent position
// is angularly closest to the observer-to-peak line of sight.
type Event struct {
	Body  ephemeris.Body `json:"body"`
	Phase Phase          `json:"phase"`
	Time  time.Time      `json:"time"`

	AzimuthDeg   float64 `json:"azimuth_deg"`
	ElevationDeg float64 `json:"elevation_deg"`

	AzimuthErrDeg   float64 `json:"azimuth_err_deg"`
	ElevationErrDeg float64 `json:"elevation_err_deg"`
	CombinedErrDeg  float64 `json:"combined_err_deg"`

	Accuracy Accuracy `json:"accuracy"`
	Score    float64  `json:"score"`

	// Moon only.
	MoonPhaseDeg    float64 `json:"moon_phase_deg,omitempty"`
	MoonIllumFrac   float64 `json:"moon_illumination,omitempty"`
}

// Date returns the UTC calendar date of the event.
func (e Event) Date() string {
	return e.Time.UTC().Format("2006-01-02")
}

// Target is an observer location with its derived geometry. The derived
// fields must have come out of geo.Derive together.
type Target struct {
	Observer     geo.Point
	BearingDeg   float64
	ElevAngleDeg float64
	DistanceM    float64
}

// Config carries the tunable search parameters. The classification
// thresholds and score weights were validated against known historical
// alignment dates and are deliberate knobs, not constants.
type Config struct {
	CoarseStep time.Duration `json:"-"`
	FineStep   time.Duration `json:"-"`

	// MaxErrorDeg is the admissibility bound on the combined error; days
	// whose best candidate exceeds it produce no event.
	MaxErrorDeg float64

	PerfectDeg   float64
	ExcellentDeg float64
	GoodDeg      float64
	FairDeg      float64

	// Score weights azimuth error over elevation error, and penalizes
	// high target elevation angles where numeric matches are less
	// reliable in the field.
	AzimuthWeight       float64
	ElevationWeight     float64
	ElevPenaltyPerDeg   float64
	ElevPenaltyFloorDeg float64

	// FeasibilityMarginDeg pads the azimuth band of the coarse day
	// filter. The filter may over-admit, never under-admit.
	FeasibilityMarginDeg float64

	// ProviderRetries is how often a failed per-day provider lookup is
	// retried before the day is skipped.
	ProviderRetries int
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		CoarseStep:           2 * time.Minute,
		FineStep:             time.Second,
		MaxErrorDeg:          5.0,
		PerfectDeg:           0.5,
		ExcellentDeg:         1.0,
		GoodDeg:              2.0,
		FairDeg:              3.5,
		AzimuthWeight:        1.5,
		ElevationWeight:      1.0,
		ElevPenaltyPerDeg:    0.05,
		ElevPenaltyFloorDeg:  10.0,
		FeasibilityMarginDeg: 12.0,
		ProviderRetries:      1,
	}
}

// Classify maps a combined error to its accuracy bucket. The second return
// is false when the error is looser than the fair bound and the candidate
// must be discarded.
func (c Config) Classify(combinedErrDeg float64) (Accuracy, bool) {
	switch {
	case combinedErrDeg <= c.PerfectDeg:
		return AccuracyPerfect, true
	case combinedErrDeg <= c.ExcellentDeg:
		return AccuracyExcellent, true
	case combinedErrDeg <= c.GoodDeg:
		return AccuracyGood, true
	case combinedErrDeg <= c.FairDeg:
		return AccuracyFair, true
	}
	return "", false
}

// Score computes the derived quality score; lower is better. Azimuth error
// dominates because it dominates the visual impression of the body sitting
// on the peak.
func (c Config) Score(azErrDeg, elErrDeg, targetElevDeg float64) float64 {
	score := azErrDeg*c.AzimuthWeight + elErrDeg*c.ElevationWeight
	if excess := targetElevDeg - c.ElevPenaltyFloorDeg; excess > 0 {
		score += excess * c.ElevPenaltyPerDeg
	}
	return score
}
