// Package bcstore buffers evaluated boundary values for reuse within and
// across time steps of one run. It is strictly per-run state: every run gets
// a fresh store, and nothing in here is safe to share between runs.
package bcstore

import (
	"context"

	"github.com/vk/watergridgo/internal/ctxlog"
	"github.com/vk/watergridgo/internal/nwk"
	"github.com/vk/watergridgo/internal/rakey"
	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/timegrid"
	"github.com/vk/watergridgo/internal/waterval"
)

// Variation is a scenario-level perturbation applied to one key before the
// run starts. Operators other than multiply and add pass through unchanged.
type Variation struct {
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

const (
	OperatorMultiply = "multiply"
	OperatorAdd      = "add"
)

// Store is the flat key-value boundary-condition buffer.
type Store struct {
	grid   *timegrid.Grid
	tattrs map[rakey.Key]*nwk.TypeAttr
	values map[string]waterval.Value
}

// New creates an empty store bound to a grid and the template's attribute
// metadata. The metadata is the arbiter of defaults: a key without it has no
// derivable default and reads fail hard.
func New(grid *timegrid.Grid, tattrs map[rakey.Key]*nwk.TypeAttr) *Store {
	return &Store{
		grid:   grid,
		tattrs: tattrs,
		values: map[string]waterval.Value{},
	}
}

// TypeAttr returns the metadata for a key, or nil.
func (s *Store) TypeAttr(key rakey.Key) *nwk.TypeAttr {
	return s.tattrs[key]
}

// SetValue replaces the whole entry for a key with an evaluated result.
func (s *Store) SetValue(key rakey.Key, v waterval.Value) {
	s.values[key.String()] = v
}

// StoreValue writes one dated point. Blocked attributes accumulate into
// block 0 (new = value + existing), which is how a multi-source demand curve
// builds up incrementally; non-blocked values overwrite.
func (s *Store) StoreValue(key rakey.Key, date string, value float64, hasBlocks bool) {
	ks := key.String()
	existing, ok := s.values[ks]

	if hasBlocks {
		var blocks waterval.BlockSeries
		if ok {
			blocks, _ = existing.AsBlocks()
		}
		if blocks == nil {
			blocks = waterval.BlockSeries{}
		}
		if blocks[0] == nil {
			blocks[0] = waterval.Series{}
		}
		blocks[0][date] = value + blocks[0][date]
		s.values[ks] = waterval.FromBlocks(blocks)
		return
	}

	var series waterval.Series
	if ok {
		series, _ = existing.AsSeries()
	}
	if series == nil {
		series = waterval.Series{}
	}
	series[date] = value
	s.values[ks] = waterval.FromSeries(series)
}

// Has reports whether anything was stored for the key.
func (s *Store) Has(key rakey.Key) bool {
	_, ok := s.values[key.String()]
	return ok
}

// GetValue returns the stored entry for a key, or the type-derived default
// when nothing was stored. Absence of input data is expected and degrades to
// a zero value of the right shape; absence of type metadata is a hard
// MissingKeyError.
func (s *Store) GetValue(key rakey.Key) (waterval.Value, error) {
	if v, ok := s.values[key.String()]; ok {
		return v, nil
	}
	return s.defaultValue(key)
}

// GetAt returns the stored value for a key at one date. A stored series with
// no point at the date yields zero.
func (s *Store) GetAt(key rakey.Key, date string) (float64, error) {
	v, err := s.GetValue(key)
	if err != nil {
		return 0, err
	}
	if f, ok := v.AsScalar(); ok {
		return f, nil
	}
	series, ok := v.AsSeries()
	if !ok {
		return 0, syserr.NewEval("value for key %s is not numeric", key)
	}
	f, _ := series.At(date)
	return f, nil
}

func (s *Store) defaultValue(key rakey.Key) (waterval.Value, error) {
	tattr := s.tattrs[key]
	if tattr == nil {
		return waterval.Value{}, &syserr.MissingKeyError{Key: key.String()}
	}
	switch tattr.DataType {
	case "timeseries", "periodic timeseries":
		return waterval.FromSeries(waterval.Filled(s.grid.DateStrings, 0)), nil
	case "scalar":
		return waterval.Scalar(0), nil
	case "array":
		return waterval.Array(nil), nil
	default:
		return waterval.Descriptor(""), nil
	}
}

// ApplyVariation perturbs every entry of the stored value for a key. Unknown
// operators pass the value through unchanged; that leniency is inherited
// behavior, logged so a typo is at least visible.
func (s *Store) ApplyVariation(ctx context.Context, key rakey.Key, v Variation) error {
	switch v.Operator {
	case OperatorMultiply, OperatorAdd:
	default:
		ctxlog.FromContext(ctx).Warn("Ignoring variation with unknown operator.", "key", key.String(), "operator", v.Operator)
		return nil
	}

	current, err := s.GetValue(key)
	if err != nil {
		return err
	}
	s.values[key.String()] = Perturb(current, v)
	return nil
}

// Perturb applies a variation to a value, returning the perturbed copy.
// Shapes other than scalar and (block) series pass through.
func Perturb(val waterval.Value, v Variation) waterval.Value {
	apply := func(x float64) float64 {
		if v.Operator == OperatorMultiply {
			return x * v.Value
		}
		return x + v.Value
	}

	switch val.Kind() {
	case waterval.KindScalar:
		f, _ := val.AsScalar()
		return waterval.Scalar(apply(f))
	case waterval.KindSeries:
		series, _ := val.AsSeries()
		out := series.Copy()
		for d, x := range out {
			out[d] = apply(x)
		}
		return waterval.FromSeries(out)
	case waterval.KindBlockSeries:
		blocks, _ := val.AsBlocks()
		out := blocks.Copy()
		for _, s := range out {
			for d, x := range s {
				s[d] = apply(x)
			}
		}
		return waterval.FromBlocks(out)
	default:
		return val
	}
}

// Keys returns every stored key.
func (s *Store) Keys() []rakey.Key {
	keys := make([]rakey.Key, 0, len(s.values))
	for ks := range s.values {
		if k, err := rakey.Parse(ks); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len reports the number of stored entries.
func (s *Store) Len() int { return len(s.values) }
