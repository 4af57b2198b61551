package geo

import (
	"errors"
	"math"
)

const (
	earthRadiusM = 6371000.0

	// Observer and target closer than this are treated as coincident;
	// bearing and elevation angle are undefined at that range.
	coincidentThresholdM = 1.0
)

// ErrInvalidGeometry marks a degenerate observer/target pair. Jobs hitting
// this are not retryable.
var ErrInvalidGeometry = errors.New("invalid geometry: observer coincides with target")

// Point is a position on the ellipsoid in degrees plus elevation in meters.
type Point struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Elev float64 `json:"elevation_m"`
}

// Derived holds the three fields cached on a location. They are always
// computed together by Derive; callers must never update one in isolation.
type Derived struct {
	BearingDeg   float64 `json:"bearing_deg"`
	ElevAngleDeg float64 `json:"elev_angle_deg"`
	DistanceM    float64 `json:"distance_m"`
}

// Distance returns the haversine great-circle distance in meters.
func Distance(observer, target Point) float64 {
	lat1 := radians(observer.Lat)
	lat2 := radians(target.Lat)
	dLat := radians(target.Lat - observer.Lat)
	dLon := radians(target.Lon - observer.Lon)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Bearing returns the initial great-circle bearing from observer to target
// in degrees [0, 360).
func Bearing(observer, target Point) (float64, error) {
	if Distance(observer, target) < coincidentThresholdM {
		return 0, ErrInvalidGeometry
	}
	lat1 := radians(observer.Lat)
	lat2 := radians(target.Lat)
	dLon := radians(target.Lon - observer.Lon)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return NormalizeDeg(degrees(math.Atan2(y, x))), nil
}

// ElevationAngle returns the angle in degrees above the observer's local
// horizon at which the target's peak appears. Negative values are valid and
// mean the peak sits below the observer's horizon line. The earth-curvature
// drop over the separating distance is accounted for.
func ElevationAngle(observer, target Point) (float64, error) {
	d := Distance(observer, target)
	if d < coincidentThresholdM {
		return 0, ErrInvalidGeometry
	}
	dh := target.Elev - observer.Elev
	drop := d * d / (2 * earthRadiusM)
	return degrees(math.Atan2(dh-drop, d)), nil
}

// Derive computes bearing, elevation angle and distance in one step so the
// three cached fields can never be stale relative to each other.
func Derive(observer, target Point) (Derived, error) {
	d := Distance(observer, target)
	if d < coincidentThresholdM {
		return Derived{}, ErrInvalidGeometry
	}
	bearing, err := Bearing(observer, target)
	if err != nil {
		return Derived{}, err
	}
	elevAngle, err := ElevationAngle(observer, target)
	if err != nil {
		return Derived{}, err
	}
	return Derived{BearingDeg: bearing, ElevAngleDeg: elevAngle, DistanceM: d}, nil
}

// AngularDiff returns the smaller angular distance between two azimuths in
// degrees, handling the 0/360 wraparound: AngularDiff(350, 10) == 20.
func AngularDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// NormalizeDeg maps an angle to [0, 360).
func NormalizeDeg(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	return d
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
