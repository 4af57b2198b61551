package ephemeris

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peakalign/internal/geo"
)

// Body selects which celestial body a position query refers to.
type Body string

const (
	BodySun  Body = "sun"
	BodyMoon Body = "moon"
)

// ErrUnsupportedTime is returned for instants outside the range the
// calculator's series are valid for.
var ErrUnsupportedTime = errors.New("instant outside supported ephemeris range")

// Position is the apparent place of a body for a given observer. Azimuth is
// measured clockwise from true north; elevation is above the local horizon.
// Phase and illumination are only populated for the moon.
type Position struct {
	AzimuthDeg   float64
	ElevationDeg float64

	PhaseAngleDeg   float64
	IlluminatedFrac float64
}

// Provider answers position queries. Implementations must be deterministic:
// identical inputs yield identical output, which the alignment search relies
// on for reproducible results.
type Provider interface {
	Position(ctx context.Context, body Body, t time.Time, observer geo.Point) (Position, error)
}

// ParseBody converts a string to a Body.
func ParseBody(s string) (Body, error) {
	switch Body(s) {
	case BodySun, BodyMoon:
		return Body(s), nil
	}
	return "", fmt.Errorf("unknown body %q", s)
}
