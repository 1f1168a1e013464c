package waterval

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/vk/watergridgo/internal/syserr"
)

// dateFormat matches timegrid.DateFormat; duplicated here to keep the value
// model dependency-free of the grid.
const dateFormat = "2006-01-02 15:04:05"

// Series maps canonical date strings to values.
type Series map[string]float64

// BlockSeries maps a block index to its series.
type BlockSeries map[int]Series

// Set writes one point, rejecting NaN. The NaN check is a deliberate guard:
// a NaN that reaches the solver poisons the whole allocation silently.
func (s Series) Set(date string, v float64) error {
	if math.IsNaN(v) {
		return syserr.NewEval("NaN produced for date %s", date)
	}
	s[date] = v
	return nil
}

// At returns the value for a date.
func (s Series) At(date string) (float64, bool) {
	v, ok := s[date]
	return v, ok
}

// SortedDates returns the series dates in ascending order.
func (s Series) SortedDates() []string {
	dates := make([]string, 0, len(s))
	for d := range s {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// Aggregate reduces the sub-window [start, end] (inclusive, canonical date
// strings compare lexicographically) with the named operation, "mean" or
// "sum".
func (s Series) Aggregate(start, end, agg string) (float64, error) {
	var sum float64
	var n int
	for d, v := range s {
		if d >= start && d <= end {
			sum += v
			n++
		}
	}
	switch agg {
	case "sum":
		return sum, nil
	case "", "mean":
		if n == 0 {
			return 0, syserr.NewEval("aggregation window %s..%s contains no values", start, end)
		}
		return sum / float64(n), nil
	default:
		return 0, syserr.NewEval("unknown aggregation %q (want mean or sum)", agg)
	}
}

// Copy returns a deep copy.
func (s Series) Copy() Series {
	out := make(Series, len(s))
	for d, v := range s {
		out[d] = v
	}
	return out
}

// Filled builds a series holding the same value for every date.
func Filled(dates []string, v float64) Series {
	s := make(Series, len(dates))
	for _, d := range dates {
		s[d] = v
	}
	return s
}

// Flatten sums all blocks into a single series.
func (b BlockSeries) Flatten() Series {
	out := Series{}
	for _, s := range b {
		for d, v := range s {
			out[d] += v
		}
	}
	return out
}

// SortedBlocks returns the block indices in ascending order.
func (b BlockSeries) SortedBlocks() []int {
	blocks := make([]int, 0, len(b))
	for i := range b {
		blocks = append(blocks, i)
	}
	sort.Ints(blocks)
	return blocks
}

// Copy returns a deep copy.
func (b BlockSeries) Copy() BlockSeries {
	out := make(BlockSeries, len(b))
	for i, s := range b {
		out[i] = s.Copy()
	}
	return out
}

// ParseSeriesJSON decodes a stored timeseries payload: a JSON object keyed by
// stringified block index (or directly by date for single-column data), each
// block mapping date strings to numeric-or-null values. Date keys are
// normalized to the canonical format; null points are dropped so fill policy
// can decide them later.
func ParseSeriesJSON(raw string) (BlockSeries, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &outer); err != nil {
		return nil, syserr.NewEval("error parsing timeseries data: %v", err)
	}

	blocks := BlockSeries{}
	for key, inner := range outer {
		if _, err := normalizeDate(key); err == nil {
			// single-column payload keyed directly by date
			v, err := decodePoint(inner)
			if err != nil {
				return nil, err
			}
			if blocks[0] == nil {
				blocks[0] = Series{}
			}
			d, _ := normalizeDate(key)
			if v != nil {
				blocks[0][d] = *v
			}
			continue
		}

		block, err := strconv.Atoi(key)
		if err != nil {
			return nil, syserr.NewEval("error parsing timeseries data: bad column key %q", key)
		}
		var col map[string]json.RawMessage
		if err := json.Unmarshal(inner, &col); err != nil {
			return nil, syserr.NewEval("error parsing timeseries data: %v", err)
		}
		s := Series{}
		for rawDate, rawVal := range col {
			d, err := normalizeDate(rawDate)
			if err != nil {
				return nil, syserr.NewEval("error parsing timeseries data: bad date %q", rawDate)
			}
			v, err := decodePoint(rawVal)
			if err != nil {
				return nil, err
			}
			if v != nil {
				s[d] = *v
			}
		}
		blocks[block] = s
	}
	return blocks, nil
}

func decodePoint(raw json.RawMessage) (*float64, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, syserr.NewEval("error parsing timeseries data: bad value %s", string(raw))
	}
	return &v, nil
}

// normalizeDate accepts the date spellings that occur in stored datasets and
// returns the canonical format.
func normalizeDate(s string) (string, error) {
	for _, layout := range []string{
		dateFormat,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05.000",
		time.RFC3339,
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(dateFormat), nil
		}
	}
	return "", syserr.NewEval("unrecognized date %q", s)
}

// NormalizeDate is the exported form used by callers that accept user dates.
func NormalizeDate(s string) (string, error) { return normalizeDate(s) }
