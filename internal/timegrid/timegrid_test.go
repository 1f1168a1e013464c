package timegrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/watergridgo/internal/syserr"
)

func TestBuildDaily(t *testing.T) {
	g, err := Build("2020-01-01", "2020-01-10", SpanDay, Options{})
	require.NoError(t, err)
	require.Equal(t, 10, g.Len())

	prev := time.Time{}
	for i, step := range g.Steps {
		assert.True(t, step.Date.After(prev), "dates must be strictly increasing")
		prev = step.Date
		assert.Equal(t, i, step.Index)
		assert.Equal(t, i+1, step.Timestep)
		assert.Equal(t, i+1, step.PeriodicIndex, "daily periodic index cycles from 1")
	}
	assert.Equal(t, "2020-01-01 00:00:00", g.DateStrings[0])
	assert.Equal(t, "2020-01-10 00:00:00", g.DateStrings[9])
}

func TestBuildDailyPeriodicReset(t *testing.T) {
	g, err := Build("2019-12-30", "2020-01-02", SpanDay, Options{})
	require.NoError(t, err)
	require.Equal(t, 4, g.Len())
	// periodic index resets to 1 when month/day matches the start's month/day
	assert.Equal(t, []int{1, 2, 3, 4}, periodicIndices(g))

	g2, err := Build("2019-01-01", "2020-01-02", SpanDay, Options{})
	require.NoError(t, err)
	last := g2.Steps[g2.Len()-1]
	secondToLast := g2.Steps[g2.Len()-2]
	assert.Equal(t, 1, secondToLast.PeriodicIndex, "Jan 1 resets the cycle")
	assert.Equal(t, 2, last.PeriodicIndex)
}

func TestBuildWeeklyFiftyTwoBuckets(t *testing.T) {
	g, err := Build("2019-01-01", "2021-01-01", SpanWeek, Options{})
	require.NoError(t, err)
	require.Equal(t, 104, g.Len())

	for _, step := range g.Steps {
		assert.GreaterOrEqual(t, step.PeriodicIndex, 1)
		assert.LessOrEqual(t, step.PeriodicIndex, 52)
		// the skip rule keeps Dec 31 out of the grid
		assert.False(t, step.Date.Month() == time.December && step.Date.Day() == 31)
	}
	assert.Equal(t, 1, g.Steps[52].PeriodicIndex, "second year restarts the 52-cycle")
}

func TestBuildMonthly(t *testing.T) {
	g, err := Build("2020-01-01", "2020-12-31", SpanMonth, Options{})
	require.NoError(t, err)
	require.Equal(t, 12, g.Len())
	assert.Equal(t, 31, g.Steps[0].Date.Day(), "month span uses month-end dates")
	assert.Equal(t, time.February, g.Steps[1].Date.Month())
	assert.Equal(t, 29, g.Steps[1].Date.Day())
	assert.Equal(t, 12, g.Steps[11].PeriodicIndex)
}

func TestBuildThriceMonthly(t *testing.T) {
	g, err := Build("2020-01-01", "2020-03-31", SpanThriceMonthly, Options{})
	require.NoError(t, err)
	require.Equal(t, 9, g.Len())
	assert.Equal(t, 10, g.Steps[0].Date.Day())
	assert.Equal(t, 20, g.Steps[1].Date.Day())
	assert.Equal(t, 31, g.Steps[2].Date.Day())
}

func TestBuildPeriodicSyntheticYear(t *testing.T) {
	g, err := Build("2020-01-01", "2040-12-31", SpanMonth, Options{Periodic: true})
	require.NoError(t, err)
	require.Equal(t, 12, g.Len(), "periodic grids always cover one synthetic year")
	for _, step := range g.Steps {
		assert.Equal(t, 9998, step.Date.Year())
	}
}

func TestPeriodicKeyDaily(t *testing.T) {
	g, err := Build("2020-02-27", "2020-03-02", SpanDay, Options{})
	require.NoError(t, err)
	require.Equal(t, 5, g.Len())

	assert.Equal(t, "9998-02-27 00:00:00", g.PeriodicKey(0))
	// the synthetic year has no Feb 29
	assert.Equal(t, "9998-02-28 00:00:00", g.PeriodicKey(1))
	assert.Equal(t, "9998-02-28 00:00:00", g.PeriodicKey(2))
	assert.Equal(t, "9998-03-01 00:00:00", g.PeriodicKey(3))

	assert.Equal(t, "", g.PeriodicKey(-1))
	assert.Equal(t, "", g.PeriodicKey(5))
}

func TestPeriodicKeyCoarseSpans(t *testing.T) {
	g, err := Build("2019-01-01", "2021-01-01", SpanWeek, Options{})
	require.NoError(t, err)
	require.Equal(t, 104, g.Len())
	// the second year maps back onto the same synthetic weeks
	assert.Equal(t, "9998-01-01 00:00:00", g.PeriodicKey(0))
	assert.Equal(t, g.PeriodicKey(0), g.PeriodicKey(52))
	assert.Equal(t, g.PeriodicKey(1), g.PeriodicKey(53))

	g, err = Build("2020-01-01", "2021-12-31", SpanMonth, Options{})
	require.NoError(t, err)
	assert.Equal(t, "9998-01-31 00:00:00", g.PeriodicKey(0))
	assert.Equal(t, "9998-02-28 00:00:00", g.PeriodicKey(1))
	assert.Equal(t, g.PeriodicKey(0), g.PeriodicKey(12))
}

func TestBuildValidation(t *testing.T) {
	var cfgErr *syserr.ConfigurationError

	_, err := Build("", "2020-01-10", SpanDay, Options{})
	require.ErrorAs(t, err, &cfgErr)

	_, err = Build("2020-01-10", "2020-01-01", SpanDay, Options{})
	require.ErrorAs(t, err, &cfgErr)

	_, err = Build("2020-01-01", "2020-01-10", Span("fortnight"), Options{})
	require.ErrorAs(t, err, &cfgErr)
}

func TestBuildDebugLimit(t *testing.T) {
	g, err := Build("2020-01-01", "2020-12-31", SpanDay, Options{DebugLimit: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, g.Len())
}

func TestWaterYear(t *testing.T) {
	g, err := Build("2019-10-01", "2020-03-01", SpanMonth, Options{})
	require.NoError(t, err)
	// start month is October: Oct-Dec belong to water year y+1, Jan-Sep to y
	assert.Equal(t, 2020, g.Steps[0].WaterYear) // Oct 2019
	assert.Equal(t, 2020, g.Steps[3].WaterYear) // Jan 2020 (month 1 < 10)
}

func TestDeltas(t *testing.T) {
	g, err := Build("2020-01-01", "2020-01-03", SpanDay, Options{})
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, g.Deltas[g.DateStrings[0]])
	assert.Equal(t, 24*time.Hour, g.Deltas[g.DateStrings[2]], "last delta repeats the previous one")
}

func TestIndexOf(t *testing.T) {
	g, err := Build("2020-01-01", "2020-01-03", SpanDay, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, g.IndexOf("2020-01-02 00:00:00"))
	assert.Equal(t, -1, g.IndexOf("1999-01-01 00:00:00"))
}

func periodicIndices(g *Grid) []int {
	out := make([]int, g.Len())
	for i, s := range g.Steps {
		out[i] = s.PeriodicIndex
	}
	return out
}
