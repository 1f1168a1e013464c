// Package timegrid computes the ordered sequence of simulation time steps for
// a scenario run. A grid is built exactly once per run and is immutable
// afterwards; everything downstream (evaluator, store, stepper) indexes into
// it by step index or date string.
package timegrid

import (
	"time"

	"github.com/vk/watergridgo/internal/syserr"
)

// DateFormat is the canonical date-string layout used everywhere a date keys
// a map or a stored series.
const DateFormat = "2006-01-02 15:04:05"

// Span is the calendar step width of a grid.
type Span string

const (
	SpanDay            Span = "day"
	SpanWeek           Span = "week"
	SpanMonth          Span = "month"
	SpanThriceMonthly  Span = "thricemonthly"
	stepsPerWeekYear        = 52
	stepsPerMonthYear       = 12
	stepsPerThriceYear      = 36
)

// periodicYear is the synthetic year used for "typical year" curves. Periodic
// grids always span Jan 1 through Dec 31 of this year, whatever the real
// start and end are.
const periodicYear = 9998

// Step is one simulation time step. Index is 0-based; Timestep is the 1-based
// index user expressions see. PeriodicIndex wraps per span (day-of-year,
// week-of-52, month-of-12, third-of-month-of-36).
type Step struct {
	Index         int
	Timestep      int
	Date          time.Time
	DateString    string
	PeriodicIndex int
	WaterYear     int
}

// Grid is the immutable set of steps for one run.
type Grid struct {
	Span        Span
	Start       time.Time
	End         time.Time
	Steps       []Step
	Dates       []time.Time
	DateStrings []string

	// Deltas maps each date string to the duration until the next step. The
	// last step repeats the previous delta.
	Deltas map[string]time.Duration

	byDate       map[string]int
	periodicKeys []string
}

// Options tweak grid construction.
type Options struct {
	// Periodic generates the grid inside the fixed synthetic year instead of
	// the real start/end window.
	Periodic bool
	// DebugStart, if set, advances the effective start (never moves it back).
	DebugStart string
	// DebugLimit truncates the grid to at most this many steps when positive.
	DebugLimit int
}

// Build computes the grid for the given window and span. It fails with a
// ConfigurationError when start, end or span is missing or end precedes
// start.
func Build(start, end string, span Span, opts Options) (*Grid, error) {
	if start == "" || end == "" || span == "" {
		return nil, syserr.NewConfiguration("time settings", "start, end and span are all required")
	}

	startDate, err := parseDate(start)
	if err != nil {
		return nil, syserr.NewConfiguration("start", "unparseable date %q", start)
	}
	endDate, err := parseDate(end)
	if err != nil {
		return nil, syserr.NewConfiguration("end", "unparseable date %q", end)
	}
	if endDate.Before(startDate) {
		return nil, syserr.NewConfiguration("end", "end %q precedes start %q", end, start)
	}

	if opts.DebugStart != "" {
		if ds, err := parseDate(opts.DebugStart); err == nil && ds.After(startDate) {
			startDate = ds
		}
	}

	if opts.Periodic {
		startDate = time.Date(periodicYear, 1, 1, 0, 0, 0, 0, time.UTC)
		endDate = time.Date(periodicYear, 12, 31, 23, 59, 0, 0, time.UTC)
	}

	var dates []time.Time
	switch span {
	case SpanDay:
		dates = dailyDates(startDate, endDate)
	case SpanWeek:
		dates = weeklyDates(startDate, endDate)
	case SpanMonth:
		dates = monthEndDates(startDate, endDate)
	case SpanThriceMonthly:
		dates = thriceMonthlyDates(startDate, endDate)
	default:
		return nil, syserr.NewConfiguration("span", "unknown span %q", span)
	}

	if opts.DebugLimit > 0 && len(dates) > opts.DebugLimit {
		dates = dates[:opts.DebugLimit]
	}
	if len(dates) == 0 {
		return nil, syserr.NewConfiguration("time settings", "window %q..%q produced no steps", start, end)
	}

	g := &Grid{
		Span:        span,
		Start:       dates[0],
		End:         dates[len(dates)-1],
		Steps:       make([]Step, len(dates)),
		Dates:       dates,
		DateStrings: make([]string, len(dates)),
		Deltas:      make(map[string]time.Duration, len(dates)),
		byDate:      make(map[string]int, len(dates)),
	}

	periodic := 0
	for i, d := range dates {
		if i > 0 && !d.After(dates[i-1]) {
			return nil, syserr.NewConfiguration("time settings", "dates are not strictly increasing at step %d", i)
		}
		switch span {
		case SpanDay:
			if d.Month() == startDate.Month() && d.Day() == startDate.Day() {
				periodic = 1
			} else {
				periodic++
			}
		case SpanWeek:
			periodic = i%stepsPerWeekYear + 1
		case SpanMonth:
			periodic = i%stepsPerMonthYear + 1
		case SpanThriceMonthly:
			periodic = i%stepsPerThriceYear + 1
		}

		ds := d.Format(DateFormat)
		g.Steps[i] = Step{
			Index:         i,
			Timestep:      i + 1,
			Date:          d,
			DateString:    ds,
			PeriodicIndex: periodic,
			WaterYear:     waterYear(d, startDate),
		}
		g.DateStrings[i] = ds
		g.byDate[ds] = i
	}

	for i := 0; i < len(dates)-1; i++ {
		g.Deltas[g.DateStrings[i]] = dates[i+1].Sub(dates[i])
	}
	if len(dates) > 1 {
		g.Deltas[g.DateStrings[len(dates)-1]] = g.Deltas[g.DateStrings[len(dates)-2]]
	} else {
		g.Deltas[g.DateStrings[0]] = 24 * time.Hour
	}

	if !opts.Periodic {
		g.periodicKeys = buildPeriodicKeys(g, span)
	}

	return g, nil
}

// Len returns the number of steps.
func (g *Grid) Len() int { return len(g.Steps) }

// PeriodicKey returns the synthetic-year date string a "typical year" curve
// keys step i by, or "" when the step has no synthetic counterpart.
func (g *Grid) PeriodicKey(i int) string {
	if i < 0 || i >= len(g.periodicKeys) {
		return ""
	}
	return g.periodicKeys[i]
}

// buildPeriodicKeys maps each run step onto the date set of the synthetic
// year. Daily grids transplant the step's month and day (the synthetic year
// has no Feb 29, so leap day collapses onto Feb 28); coarser grids index the
// synthetic year's own date sequence by the step's periodic index.
func buildPeriodicKeys(g *Grid, span Span) []string {
	keys := make([]string, len(g.Steps))
	if span == SpanDay {
		for i, d := range g.Dates {
			day := d.Day()
			if d.Month() == time.February && day == 29 {
				day = 28
			}
			keys[i] = time.Date(periodicYear, d.Month(), day, 0, 0, 0, 0, time.UTC).Format(DateFormat)
		}
		return keys
	}

	pstart := time.Date(periodicYear, 1, 1, 0, 0, 0, 0, time.UTC)
	pend := time.Date(periodicYear, 12, 31, 23, 59, 0, 0, time.UTC)
	var pdates []time.Time
	switch span {
	case SpanWeek:
		pdates = weeklyDates(pstart, pend)
	case SpanMonth:
		pdates = monthEndDates(pstart, pend)
	case SpanThriceMonthly:
		pdates = thriceMonthlyDates(pstart, pend)
	}
	for i, st := range g.Steps {
		if j := st.PeriodicIndex - 1; j >= 0 && j < len(pdates) {
			keys[i] = pdates[j].Format(DateFormat)
		}
	}
	return keys
}

// IndexOf returns the step index for a date string, or -1.
func (g *Grid) IndexOf(dateString string) int {
	if i, ok := g.byDate[dateString]; ok {
		return i
	}
	return -1
}

// waterYear follows the original convention: dates in months before the start
// month belong to the calendar year, all others to the next one.
func waterYear(d, start time.Time) int {
	if d.Month() < start.Month() {
		return d.Year()
	}
	return d.Year() + 1
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{DateFormat, "2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	var zero time.Time
	return zero, syserr.NewConfiguration("date", "unparseable date %q", s)
}

func dailyDates(start, end time.Time) []time.Time {
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}

// weeklyDates keeps exactly 52 buckets per year by skipping one day at the
// leap-day boundary and on Dec 31. The skip rule is inherited behavior and is
// pending product confirmation; the 52-bucket periodicity itself is required.
func weeklyDates(start, end time.Time) []time.Time {
	years := end.Year() - start.Year()
	n := stepsPerWeekYear * years
	if n <= 0 {
		n = stepsPerWeekYear
	}
	dates := make([]time.Time, 0, n)
	d := start
	for i := 0; i < n; i++ {
		if i > 0 {
			d = d.AddDate(0, 0, 7)
		}
		if isLeap(d.Year()) && d.Month() == time.March && d.Day() == 4 {
			d = d.AddDate(0, 0, 1)
		}
		if d.Month() == time.December && d.Day() == 31 {
			d = d.AddDate(0, 0, 1)
		}
		if d.After(end) {
			break
		}
		dates = append(dates, d)
	}
	return dates
}

func monthEndDates(start, end time.Time) []time.Time {
	var dates []time.Time
	d := endOfMonth(start.Year(), start.Month())
	for !d.After(end) {
		if !d.Before(start) {
			dates = append(dates, d)
		}
		y, m := d.Year(), d.Month()+1
		if m > time.December {
			y, m = y+1, time.January
		}
		d = endOfMonth(y, m)
	}
	return dates
}

func thriceMonthlyDates(start, end time.Time) []time.Time {
	var dates []time.Time
	for _, eom := range monthEndDates(start, end) {
		y, m := eom.Year(), eom.Month()
		for _, d := range []time.Time{
			time.Date(y, m, 10, 0, 0, 0, 0, time.UTC),
			time.Date(y, m, 20, 0, 0, 0, 0, time.UTC),
			eom,
		} {
			if !d.Before(start) && !d.After(end) {
				dates = append(dates, d)
			}
		}
	}
	return dates
}

func endOfMonth(y int, m time.Month) time.Time {
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
