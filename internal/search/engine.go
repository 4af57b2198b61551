package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"peakalign/internal/ephemeris"
	"peakalign/internal/geo"
)

// refineSlackDeg is how far over the admissibility bound a coarse minimum
// may be and still be worth refining: the body moves under half a degree per
// coarse step, so a coarse miss can hide a fine hit by at most a few degrees.
const refineSlackDeg = 3.0

// Engine finds alignment events for one location over a year range. It is
// stateless apart from its collaborators and safe for concurrent use.
type Engine struct {
	provider ephemeris.Provider
	cfg      Config
	log      *slog.Logger
}

// NewEngine wires a search engine to a position provider.
func NewEngine(provider ephemeris.Provider, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{provider: provider, cfg: cfg, log: log}
}

// Summary reports how a year-range search went. A job is treated as failed
// only when every evaluated day failed; individual day failures are
// warnings.
type Summary struct {
	DaysConsidered int      `json:"days_considered"`
	DaysSkipped    int      `json:"days_skipped"`
	DaysEvaluated  int      `json:"days_evaluated"`
	DaysFailed     int      `json:"days_failed"`
	EventsFound    int      `json:"events_found"`
	Warnings       []string `json:"warnings,omitempty"`
}

// AllFailed reports whether no evaluated day produced a usable result.
func (s Summary) AllFailed() bool {
	return s.DaysEvaluated > 0 && s.DaysFailed == s.DaysEvaluated
}

// SearchYearRange runs the two-phase search for both bodies over the closed
// year range. Cancellation is honored between day iterations; the events
// found so far are returned alongside the context error.
func (e *Engine) SearchYearRange(ctx context.Context, target Target, yearStart, yearEnd int) ([]Event, Summary, error) {
	var (
		events  []Event
		summary Summary
	)
	if yearEnd < yearStart {
		return nil, summary, fmt.Errorf("invalid year range %d..%d", yearStart, yearEnd)
	}

	bodies := []ephemeris.Body{ephemeris.BodySun, ephemeris.BodyMoon}
	start := time.Date(yearStart, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(yearEnd+1, 1, 1, 0, 0, 0, 0, time.UTC)

	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return events, summary, err
		}
		for _, body := range bodies {
			summary.DaysConsidered++
			if !e.FeasibleDay(body, day, target) {
				summary.DaysSkipped++
				continue
			}
			summary.DaysEvaluated++

			dayEvents, err := e.evaluateDayWithRetry(ctx, body, day, target)
			if err != nil {
				if ctx.Err() != nil {
					return events, summary, ctx.Err()
				}
				summary.DaysFailed++
				if len(summary.Warnings) < 50 {
					summary.Warnings = append(summary.Warnings,
						fmt.Sprintf("%s %s: %v", day.Format("2006-01-02"), body, err))
				}
				e.log.Warn("day evaluation failed, skipping",
					"date", day.Format("2006-01-02"), "body", string(body), "error", err)
				continue
			}
			events = append(events, dayEvents...)
			summary.EventsFound += len(dayEvents)
		}
	}
	return events, summary, nil
}

// evaluateDayWithRetry retries a whole day on provider failure before giving
// up; transient lookup failures cost one extra day scan, not a job.
func (e *Engine) evaluateDayWithRetry(ctx context.Context, body ephemeris.Body, day time.Time, target Target) ([]Event, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.ProviderRetries; attempt++ {
		events, err := e.evaluateDay(ctx, body, day, target)
		if err == nil {
			return events, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// evaluateDay runs the fine alignment search for one UTC calendar day:
// coarse scan, split into rising and setting windows, refine each window's
// minimum, keep at most one event per window.
func (e *Engine) evaluateDay(ctx context.Context, body ephemeris.Body, day time.Time, target Target) ([]Event, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	samples, err := e.scan(ctx, body, dayStart, dayEnd, e.cfg.CoarseStep, target)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, phase := range []Phase{PhaseRising, PhaseSetting} {
		best, ok := bestInWindow(samples, phase)
		if !ok || best.combined > e.cfg.MaxErrorDeg+refineSlackDeg {
			continue
		}

		from := best.t.Add(-e.cfg.CoarseStep)
		to := best.t.Add(e.cfg.CoarseStep)
		if from.Before(dayStart) {
			from = dayStart
		}
		if to.After(dayEnd) {
			to = dayEnd
		}
		fine, err := e.scan(ctx, body, from, to, e.cfg.FineStep, target)
		if err != nil {
			return nil, err
		}
		refined := best
		for _, s := range fine {
			if s.combined < refined.combined {
				refined = s
			}
		}

		if refined.combined > e.cfg.MaxErrorDeg {
			continue
		}
		accuracy, ok := e.cfg.Classify(refined.combined)
		if !ok {
			continue
		}

		ev := Event{
			Body:            body,
			Phase:           phase,
			Time:            refined.t,
			AzimuthDeg:      refined.pos.AzimuthDeg,
			ElevationDeg:    refined.pos.ElevationDeg,
			AzimuthErrDeg:   refined.azErr,
			ElevationErrDeg: refined.elErr,
			CombinedErrDeg:  refined.combined,
			Accuracy:        accuracy,
			Score:           e.cfg.Score(refined.azErr, refined.elErr, target.ElevAngleDeg),
		}
		if body == ephemeris.BodyMoon {
			ev.MoonPhaseDeg = refined.pos.PhaseAngleDeg
			ev.MoonIllumFrac = refined.pos.IlluminatedFrac
		}
		events = append(events, ev)
	}
	return events, nil
}

type sample struct {
	t         time.Time
	pos       ephemeris.Position
	azErr     float64
	elErr     float64
	combined  float64
	ascending bool
}

// scan queries the provider at a fixed step over [from, to) and computes the
// angular error of each sample against the target line of sight.
func (e *Engine) scan(ctx context.Context, body ephemeris.Body, from, to time.Time, step time.Duration, target Target) ([]sample, error) {
	if step <= 0 {
		return nil, fmt.Errorf("invalid scan step %v", step)
	}
	var samples []sample
	for t := from; t.Before(to); t = t.Add(step) {
		pos, err := e.provider.Position(ctx, body, t, target.Observer)
		if err != nil {
			return nil, fmt.Errorf("provider lookup at %s: %w", t.Format(time.RFC3339), err)
		}
		azErr := geo.AngularDiff(pos.AzimuthDeg, target.BearingDeg)
		elErr := math.Abs(pos.ElevationDeg - target.ElevAngleDeg)
		samples = append(samples, sample{
			t:        t,
			pos:      pos,
			azErr:    azErr,
			elErr:    elErr,
			combined: azErr + elErr,
		})
	}
	// Mark ascending/descending by the elevation slope to the next sample;
	// the last sample inherits the slope into it.
	for i := range samples {
		if i+1 < len(samples) {
			samples[i].ascending = samples[i+1].pos.ElevationDeg > samples[i].pos.ElevationDeg
		} else if i > 0 {
			samples[i].ascending = samples[i].pos.ElevationDeg > samples[i-1].pos.ElevationDeg
		}
	}
	return samples, nil
}

// bestInWindow returns the sample with the lowest combined error among those
// in the given window. Multiple local minima within one window collapse to
// the global best here.
func bestInWindow(samples []sample, phase Phase) (sample, bool) {
	var (
		best  sample
		found bool
	)
	for _, s := range samples {
		if (phase == PhaseRising) != s.ascending {
			continue
		}
		if !found || s.combined < best.combined {
			best = s
			found = true
		}
	}
	return best, found
}

// FeasibleDay is the coarse phase-one filter: it admits a day only when the
// body's rise or set azimuth band can plausibly sweep through the bearing to
// the target. It derives the band from latitude and declination bounds and
// pads it generously; its contract is to over-admit, never to reject a day
// the brute-force reference would find an alignment on.
func (e *Engine) FeasibleDay(body ephemeris.Body, day time.Time, target Target) bool {
	lat := target.Observer.Lat
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 1e-3 {
		return true // polar observer, band math degenerates
	}

	// The pad grows with the target's elevation angle: the higher above
	// the horizon the alignment happens, the further the body's azimuth
	// has drifted from its horizon-crossing azimuth.
	margin := e.cfg.FeasibilityMarginDeg + e.cfg.MaxErrorDeg +
		2*math.Max(0, target.ElevAngleDeg)

	var declMin, declMax float64
	switch body {
	case ephemeris.BodySun:
		// Declination is effectively constant within one day.
		d := solarDeclination(day)
		declMin, declMax = d, d
	case ephemeris.BodyMoon:
		// The lunar declination cycles through its full envelope every
		// ~27 days; use the whole band rather than tracking the cycle.
		declMin, declMax = -28.6, 28.6
	default:
		return true
	}

	xMax := math.Sin(declMax*math.Pi/180) / cosLat
	xMin := math.Sin(declMin*math.Pi/180) / cosLat
	if xMax >= 1 || xMax <= -1 || xMin >= 1 || xMin <= -1 {
		return true // circumpolar edge cases: admit the day
	}

	// Rise azimuths span [acos(xMax), acos(xMin)] east of north; set
	// azimuths mirror west.
	azHigh := math.Acos(xMax) * 180 / math.Pi
	azLow := math.Acos(xMin) * 180 / math.Pi
	riseCenter := (azHigh + azLow) / 2
	half := (azLow-azHigh)/2 + margin

	if geo.AngularDiff(target.BearingDeg, riseCenter) <= half {
		return true
	}
	return geo.AngularDiff(target.BearingDeg, 360-riseCenter) <= half
}

// solarDeclination approximates the sun's declination in degrees for a date.
// Accuracy of a fraction of a degree is plenty for a band filter.
func solarDeclination(day time.Time) float64 {
	n := float64(day.YearDay())
	return -23.44 * math.Cos(2*math.Pi/365.25*(n+10))
}

// BruteForceDay is the correctness baseline: a full-day per-fine-step scan
// with no feasibility filter and no coarse pass. Too slow for production,
// kept as the reference the optimized search is validated against.
func (e *Engine) BruteForceDay(ctx context.Context, body ephemeris.Body, day time.Time, target Target) ([]Event, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	samples, err := e.scan(ctx, body, dayStart, dayEnd, e.cfg.FineStep, target)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, phase := range []Phase{PhaseRising, PhaseSetting} {
		best, ok := bestInWindow(samples, phase)
		if !ok || best.combined > e.cfg.MaxErrorDeg {
			continue
		}
		accuracy, ok := e.cfg.Classify(best.combined)
		if !ok {
			continue
		}
		ev := Event{
			Body:            body,
			Phase:           phase,
			Time:            best.t,
			AzimuthDeg:      best.pos.AzimuthDeg,
			ElevationDeg:    best.pos.ElevationDeg,
			AzimuthErrDeg:   best.azErr,
			ElevationErrDeg: best.elErr,
			CombinedErrDeg:  best.combined,
			Accuracy:        accuracy,
			Score:           e.cfg.Score(best.azErr, best.elErr, target.ElevAngleDeg),
		}
		if body == ephemeris.BodyMoon {
			ev.MoonPhaseDeg = best.pos.PhaseAngleDeg
			ev.MoonIllumFrac = best.pos.IlluminatedFrac
		}
		events = append(events, ev)
	}
	return events, nil
}
