package ephemeris

import (
	"context"
	"fmt"
	"math"
	"time"

	"peakalign/internal/geo"
)

// Calculator is the built-in position provider. Solar positions follow the
// NOAA low-accuracy algorithm (good to ~0.01 degrees), lunar positions a
// truncated Meeus series (good to ~0.3 degrees), both well inside the
// coarse-search tolerances. All math is pure so results are reproducible.
type Calculator struct {
	// ApplyRefraction adds the standard atmospheric refraction correction
	// to the computed elevation. On for production; tests that compare
	// against geometric positions turn it off.
	ApplyRefraction bool
}

// NewCalculator returns a Calculator with refraction enabled.
func NewCalculator() *Calculator {
	return &Calculator{ApplyRefraction: true}
}

const (
	minYear = 1900
	maxYear = 2100
)

// Position implements Provider.
func (c *Calculator) Position(ctx context.Context, body Body, t time.Time, observer geo.Point) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	utc := t.UTC()
	if utc.Year() < minYear || utc.Year() > maxYear {
		return Position{}, fmt.Errorf("%w: %s", ErrUnsupportedTime, utc.Format(time.RFC3339))
	}

	jd := julianDay(utc)
	switch body {
	case BodySun:
		return c.sunPosition(jd, observer), nil
	case BodyMoon:
		return c.moonPosition(jd, observer), nil
	}
	return Position{}, fmt.Errorf("unknown body %q", body)
}

func (c *Calculator) sunPosition(jd float64, observer geo.Point) Position {
	T := (jd - 2451545.0) / 36525.0

	// Geometric mean longitude and anomaly.
	l0 := math.Mod(280.46646+T*(36000.76983+T*0.0003032), 360)
	m := 357.52911 + T*(35999.05029-T*0.0001537)
	mr := rad(m)

	// Equation of center.
	eqc := (1.914602-T*(0.004817+T*0.000014))*math.Sin(mr) +
		(0.019993-0.000101*T)*math.Sin(2*mr) +
		0.000289*math.Sin(3*mr)

	trueLon := l0 + eqc
	omega := 125.04 - 1934.136*T
	apparentLon := trueLon - 0.00569 - 0.00478*math.Sin(rad(omega))

	eps := obliquity(T) + 0.00256*math.Cos(rad(omega))

	ra := deg(math.Atan2(math.Cos(rad(eps))*math.Sin(rad(apparentLon)), math.Cos(rad(apparentLon))))
	dec := deg(math.Asin(math.Sin(rad(eps)) * math.Sin(rad(apparentLon))))

	az, el := c.toHorizontal(jd, ra, dec, observer)
	return Position{AzimuthDeg: az, ElevationDeg: el}
}

func (c *Calculator) moonPosition(jd float64, observer geo.Point) Position {
	T := (jd - 2451545.0) / 36525.0

	// Fundamental arguments (Meeus ch. 47).
	lp := math.Mod(218.3164477+481267.88123421*T, 360) // mean longitude
	d := math.Mod(297.8501921+445267.1114034*T, 360)   // mean elongation
	m := math.Mod(357.5291092+35999.0502909*T, 360)    // sun mean anomaly
	mp := math.Mod(134.9633964+477198.8675055*T, 360)  // moon mean anomaly
	f := math.Mod(93.2720950+483202.0175233*T, 360)    // argument of latitude

	dr, mr, mpr, fr := rad(d), rad(m), rad(mp), rad(f)

	lon := lp +
		6.288774*math.Sin(mpr) +
		1.274027*math.Sin(2*dr-mpr) +
		0.658314*math.Sin(2*dr) +
		0.213618*math.Sin(2*mpr) -
		0.185116*math.Sin(mr) -
		0.114332*math.Sin(2*fr) +
		0.058793*math.Sin(2*dr-2*mpr) +
		0.057066*math.Sin(2*dr-mr-mpr) +
		0.053322*math.Sin(2*dr+mpr) +
		0.045758*math.Sin(2*dr-mr)

	lat := 5.128122*math.Sin(fr) +
		0.280602*math.Sin(mpr+fr) +
		0.277693*math.Sin(mpr-fr) +
		0.173237*math.Sin(2*dr-fr)

	// Horizontal parallax, used for the topocentric correction below.
	parallax := 0.9508 +
		0.0518*math.Cos(mpr) +
		0.0095*math.Cos(2*dr-mpr) +
		0.0078*math.Cos(2*dr) +
		0.0028*math.Cos(2*mpr)

	eps := obliquity(T)
	ra := deg(math.Atan2(
		math.Sin(rad(lon))*math.Cos(rad(eps))-math.Tan(rad(lat))*math.Sin(rad(eps)),
		math.Cos(rad(lon))))
	dec := deg(math.Asin(
		math.Sin(rad(lat))*math.Cos(rad(eps)) +
			math.Cos(rad(lat))*math.Sin(rad(eps))*math.Sin(rad(lon))))

	az, el := c.toHorizontal(jd, ra, dec, observer)

	// Geocentric to topocentric: parallax lowers the apparent altitude.
	el -= parallax * math.Cos(rad(el))

	// Phase angle (Meeus 48.4) and illuminated fraction.
	phase := 180 - d -
		6.289*math.Sin(mpr) +
		2.100*math.Sin(mr) -
		1.274*math.Sin(2*dr-mpr) -
		0.658*math.Sin(2*dr) -
		0.214*math.Sin(2*mpr) -
		0.110*math.Sin(dr)
	phase = geo.NormalizeDeg(phase)
	if phase > 180 {
		phase = 360 - phase
	}
	illum := (1 + math.Cos(rad(phase))) / 2

	return Position{
		AzimuthDeg:      az,
		ElevationDeg:    el,
		PhaseAngleDeg:   phase,
		IlluminatedFrac: illum,
	}
}

// toHorizontal converts equatorial coordinates to azimuth/elevation for the
// observer, applying refraction when enabled.
func (c *Calculator) toHorizontal(jd, raDeg, decDeg float64, observer geo.Point) (azimuth, elevation float64) {
	gmst := math.Mod(280.46061837+360.98564736629*(jd-2451545.0), 360)
	ha := rad(geo.NormalizeDeg(gmst + observer.Lon - raDeg))

	latR := rad(observer.Lat)
	decR := rad(decDeg)

	sinEl := math.Sin(latR)*math.Sin(decR) + math.Cos(latR)*math.Cos(decR)*math.Cos(ha)
	el := deg(math.Asin(sinEl))

	// Azimuth from north, clockwise.
	az := deg(math.Atan2(math.Sin(ha), math.Cos(ha)*math.Sin(latR)-math.Tan(decR)*math.Cos(latR)))
	az = geo.NormalizeDeg(az + 180)

	if c.ApplyRefraction {
		el += refraction(el)
	}
	return az, el
}

// refraction returns Saemundsson's approximation in degrees, valid for the
// near-horizon altitudes alignments occur at.
func refraction(elDeg float64) float64 {
	if elDeg < -1.0 {
		return 0
	}
	return (1.02 / math.Tan(rad(elDeg+10.3/(elDeg+5.11)))) / 60.0
}

func obliquity(T float64) float64 {
	return 23.439291 - T*(0.0130042+T*0.00000016)
}

func julianDay(t time.Time) float64 {
	y := t.Year()
	m := int(t.Month())
	if m <= 2 {
		y--
		m += 12
	}
	a := y / 100
	b := 2 - a + a/4
	day := float64(t.Day()) +
		(float64(t.Hour())+float64(t.Minute())/60+float64(t.Second())/3600+
			float64(t.Nanosecond())/3.6e12)/24
	return math.Floor(365.25*float64(y+4716)) + math.Floor(30.6001*float64(m+1)) +
		day + float64(b) - 1524.5
}

func rad(d float64) float64 { return d * math.Pi / 180 }

func deg(r float64) float64 { return r * 180 / math.Pi }
