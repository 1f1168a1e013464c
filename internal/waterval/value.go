// Package waterval defines the canonical in-memory form of every evaluated
// dataset: a closed tagged union over scalar, descriptor, array, series and
// block-series shapes. Representation concerns (native map, JSON string,
// table) are conversions at the boundary; nothing downstream branches on a
// flavor tag.
package waterval

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/vk/watergridgo/internal/syserr"
)

// Kind discriminates the union.
type Kind int

const (
	KindInvalid Kind = iota
	KindScalar
	KindDescriptor
	KindArray
	KindSeries
	KindBlockSeries
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindDescriptor:
		return "descriptor"
	case KindArray:
		return "array"
	case KindSeries:
		return "timeseries"
	case KindBlockSeries:
		return "blocked timeseries"
	default:
		return "invalid"
	}
}

// Value is one evaluated dataset. The zero Value is invalid.
type Value struct {
	kind       Kind
	scalar     float64
	descriptor string
	array      []any
	series     Series
	blocks     BlockSeries
}

// Scalar wraps a float.
func Scalar(v float64) Value { return Value{kind: KindScalar, scalar: v} }

// Descriptor wraps a pass-through string.
func Descriptor(s string) Value { return Value{kind: KindDescriptor, descriptor: s} }

// Array wraps a decoded JSON array.
func Array(a []any) Value { return Value{kind: KindArray, array: a} }

// FromSeries wraps a single-column time series.
func FromSeries(s Series) Value { return Value{kind: KindSeries, series: s} }

// FromBlocks wraps a block-structured time series.
func FromBlocks(b BlockSeries) Value { return Value{kind: KindBlockSeries, blocks: b} }

// Kind returns the union discriminator.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value holds any payload.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsScalar returns the scalar payload.
func (v Value) AsScalar() (float64, bool) { return v.scalar, v.kind == KindScalar }

// AsDescriptor returns the descriptor payload.
func (v Value) AsDescriptor() (string, bool) { return v.descriptor, v.kind == KindDescriptor }

// AsArray returns the array payload.
func (v Value) AsArray() ([]any, bool) { return v.array, v.kind == KindArray }

// AsSeries returns the series payload, flattening a block series by
// summation.
func (v Value) AsSeries() (Series, bool) {
	switch v.kind {
	case KindSeries:
		return v.series, true
	case KindBlockSeries:
		return v.blocks.Flatten(), true
	default:
		return nil, false
	}
}

// AsBlocks returns the block-series payload, promoting a plain series to
// block 0.
func (v Value) AsBlocks() (BlockSeries, bool) {
	switch v.kind {
	case KindBlockSeries:
		return v.blocks, true
	case KindSeries:
		return BlockSeries{0: v.series}, true
	default:
		return nil, false
	}
}

// AsNative converts to the plain-Go representation: float64, string, []any,
// map[string]float64 or map[int]map[string]float64.
func (v Value) AsNative() any {
	switch v.kind {
	case KindScalar:
		return v.scalar
	case KindDescriptor:
		return v.descriptor
	case KindArray:
		return v.array
	case KindSeries:
		return map[string]float64(v.series)
	case KindBlockSeries:
		return map[int]Series(v.blocks)
	default:
		return nil
	}
}

// AsJSON serializes to the persisted boundary-value format: an object keyed
// by stringified block index, each mapping a date string to a numeric value,
// sorted by date. Scalars and descriptors serialize to their JSON literal.
func (v Value) AsJSON() (string, error) {
	switch v.kind {
	case KindScalar:
		return strconv.FormatFloat(v.scalar, 'g', -1, 64), nil
	case KindDescriptor:
		b, err := json.Marshal(v.descriptor)
		return string(b), err
	case KindArray:
		b, err := json.Marshal(v.array)
		return string(b), err
	case KindSeries:
		return marshalBlocks(BlockSeries{0: v.series})
	case KindBlockSeries:
		return marshalBlocks(v.blocks)
	default:
		return "", fmt.Errorf("cannot serialize invalid value")
	}
}

// Table is the row/column representation of a (block) series.
type Table struct {
	Columns []int
	Dates   []string
	Rows    [][]float64
}

// AsTable converts a series-shaped value into rows keyed by sorted date, one
// column per block.
func (v Value) AsTable() (Table, error) {
	blocks, ok := v.AsBlocks()
	if !ok {
		return Table{}, fmt.Errorf("cannot tabulate a %s value", v.kind)
	}

	cols := blocks.SortedBlocks()
	dateSet := map[string]struct{}{}
	for _, s := range blocks {
		for d := range s {
			dateSet[d] = struct{}{}
		}
	}
	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	rows := make([][]float64, len(dates))
	for i, d := range dates {
		row := make([]float64, len(cols))
		for j, c := range cols {
			row[j] = blocks[c][d]
		}
		rows[i] = row
	}
	return Table{Columns: cols, Dates: dates, Rows: rows}, nil
}

// Equal compares two values structurally.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindScalar:
		return v.scalar == other.scalar
	case KindDescriptor:
		return v.descriptor == other.descriptor
	default:
		a, _ := v.AsJSON()
		b, _ := other.AsJSON()
		return a == b
	}
}

func marshalBlocks(b BlockSeries) (string, error) {
	out := make(map[string]*orderedSeries, len(b))
	for block, s := range b {
		out[strconv.Itoa(block)] = &orderedSeries{s: s}
	}
	buf, err := json.Marshal(out)
	return string(buf), err
}

// orderedSeries marshals a Series with its dates sorted, as the persistence
// contract requires.
type orderedSeries struct {
	s Series
}

func (o *orderedSeries) MarshalJSON() ([]byte, error) {
	dates := o.s.SortedDates()
	buf := []byte{'{'}
	for i, d := range dates {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, _ := json.Marshal(d)
		buf = append(buf, key...)
		buf = append(buf, ':')
		val := o.s[d]
		if math.IsNaN(val) {
			buf = append(buf, []byte("null")...)
		} else {
			buf = strconv.AppendFloat(buf, val, 'g', -1, 64)
		}
	}
	return append(buf, '}'), nil
}

// ParseScalar parses a stored scalar payload into a float, failing with an
// EvalError on non-numeric input.
func ParseScalar(raw string) (float64, error) {
	if raw == "" {
		return 0, syserr.NewEval("%q is not a number", raw)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, syserr.NewEval("%q is not a number", raw)
	}
	return f, nil
}

// ParseArray parses a stored array payload (a JSON array, possibly nested),
// failing with an EvalError on malformed input.
func ParseArray(raw string) ([]any, error) {
	var out []any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, syserr.NewEval("malformed array payload: %v", err)
	}
	return out, nil
}
