package system

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/vk/watergridgo/internal/bcstore"
	"github.com/vk/watergridgo/internal/ctxlog"
	"github.com/vk/watergridgo/internal/evaluator"
	"github.com/vk/watergridgo/internal/nwk"
	"github.com/vk/watergridgo/internal/rakey"
	"github.com/vk/watergridgo/internal/units"
	"github.com/vk/watergridgo/internal/waterval"
)

// blockParams are attribute names treated as blocked demand/priority curves
// even when the template does not flag them.
var blockParams = []string{"Demand", "Priority"}

// nSubblocks is the number of sub-tranches synthesized per block when a
// blocked curve is expanded into a merit order.
const nSubblocks = 5

const attrStartupDateName = "Startup Date"

type phase int

const (
	phasePre phase = iota
	phaseMain
	phasePost
)

// boundEntry is one resource attribute the stepper keeps refreshed: a
// function to re-evaluate each window, or a static dataset already parsed
// into the store.
type boundEntry struct {
	key          rakey.Key
	tattr        *nwk.TypeAttr
	raw          *nwk.RawValue
	paramName    string
	dataType     string
	isFunc       bool
	hasBlocks    bool
	intermediary bool
}

func isBlockParam(attrName string) bool {
	for _, p := range blockParams {
		if p == attrName {
			return true
		}
	}
	return false
}

// collectSourceData classifies every ingested dataset: scalars and
// descriptors become run constants, series and functions become bound
// entries refreshed during stepping. Static blocked curves get their
// sub-blocks synthesized here, once.
func (s *System) collectSourceData(ctx context.Context) error {
	s.entries = nil
	s.constants = map[string]float64{}
	s.startups = map[resourceRef]string{}

	keys := make([]rakey.Key, 0, len(s.rawValues))
	for key := range s.rawValues {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	zero := 0.0
	for _, key := range keys {
		rv := s.rawValues[key]
		tattr := s.tattrs[key]
		if tattr == nil || tattr.IsVar {
			continue
		}

		dataType := rv.Type
		if dataType == "" {
			dataType = tattr.DataType
		}
		isFunc := rv.Metadata.UseFunction
		if isFunc && rv.Metadata.Function == "" {
			continue // flagged as a function but empty, treated as no dataset
		}

		hasBlocks := tattr.HasBlocks || rv.Metadata.HasBlocks || isBlockParam(tattr.AttrName)
		paramName := nwk.ParamName(key.ResourceType, tattr.AttrName)

		if isFunc {
			s.entries = append(s.entries, &boundEntry{
				key:          key,
				tattr:        tattr,
				raw:          rv,
				paramName:    paramName,
				dataType:     dataType,
				isFunc:       true,
				hasBlocks:    hasBlocks,
				intermediary: tattr.Intermediary,
			})
			continue
		}

		value, err := s.eval.EvalData(key, rv, evaluator.Options{
			DataType:  dataType,
			HasBlocks: hasBlocks,
			FillValue: &zero,
		})
		if err != nil {
			return err
		}

		switch dataType {
		case "scalar":
			f, _ := value.AsScalar()
			s.constants[key.String()] = f
			s.store.SetValue(key, value)

		case "descriptor":
			d, _ := value.AsDescriptor()
			if tattr.AttrName == attrStartupDateName {
				s.startups[resourceRef{key.ResourceType, key.ResourceID}] = d
			}
			s.store.SetValue(key, value)

		case "timeseries", "periodic timeseries":
			if hasBlocks {
				blocks, _ := value.AsBlocks()
				value = waterval.FromBlocks(AddSubblocks(blocks, paramName, nSubblocks))
			}
			s.store.SetValue(key, value)
			s.entries = append(s.entries, &boundEntry{
				key:          key,
				tattr:        tattr,
				raw:          rv,
				paramName:    paramName,
				dataType:     dataType,
				hasBlocks:    hasBlocks,
				intermediary: tattr.Intermediary,
			})

		case "array":
			s.store.SetValue(key, value)

		default:
			ctxlog.FromContext(ctx).Warn("Skipping dataset with unsupported data type.",
				"key", key.String(), "data_type", dataType)
		}
	}
	return nil
}

// applyVariations perturbs the ingested data per variation set, in order.
// Function-backed attributes are left alone: their values are produced fresh
// by the evaluator each step, so a stored perturbation would be overwritten
// anyway. A variation targeting a key with no data creates the perturbed
// typed default.
func (s *System) applyVariations(ctx context.Context) error {
	for _, set := range s.variations {
		for _, v := range set.Variations {
			if rv := s.rawValues[v.Key]; rv != nil && rv.Metadata.UseFunction {
				ctxlog.FromContext(ctx).Debug("Skipping variation on a function-backed attribute.",
					"key", v.Key.String())
				continue
			}

			if s.store.Has(v.Key) {
				if err := s.store.ApplyVariation(ctx, v.Key, v.Variation); err != nil {
					return err
				}
			} else {
				base, err := s.store.GetValue(v.Key)
				if err != nil {
					return err
				}
				s.store.SetValue(v.Key, bcstore.Perturb(base, v.Variation))
			}

			current, err := s.store.GetValue(v.Key)
			if err != nil {
				return err
			}
			if f, ok := current.AsScalar(); ok {
				s.constants[v.Key.String()] = f
			}
		}
	}
	return nil
}

// AddSubblocks expands each block of a curve into nSubblocks sub-tranches.
// Demand curves split evenly so the tranche total preserves the original
// volume; priority curves get a monotonically increasing quadratic offset
// per tranche, producing a merit order. Other parameters pass through.
func AddSubblocks(values waterval.BlockSeries, paramName string, n int) waterval.BlockSeries {
	split := strings.HasSuffix(paramName, "Demand")
	weight := strings.HasSuffix(paramName, "Priority")
	if !split && !weight || n <= 1 {
		return values
	}

	out := waterval.BlockSeries{}
	for _, block := range values.SortedBlocks() {
		series := values[block]
		for i := 0; i < n; i++ {
			sub := waterval.Series{}
			for d, v := range series {
				if split {
					sub[d] = v / float64(n)
				} else {
					sub[d] = v + (1 - math.Sqrt(float64(n-i)/float64(n)))
				}
			}
			out[block*n+i] = sub
		}
	}
	return out
}

// refreshBoundary re-evaluates function-backed entries for one phase of a
// step. Intermediary attributes run in the pre and post phases; everything
// else runs in main. A freshly evaluated function always overwrites whatever
// the store held for its key.
func (s *System) refreshBoundary(ctx context.Context, ph phase, tsi, tsf int) error {
	zero := 0.0
	for _, e := range s.entries {
		if !e.isFunc {
			continue
		}
		if e.intermediary != (ph != phaseMain) {
			continue
		}

		if ph == phasePost {
			program, err := s.cache.GetOrCompile(e.raw.Metadata.Function, e.dataType)
			if err != nil {
				return err
			}
			s.eval.Invalidate(program.Hash, tsi, tsf)
		}

		value, err := s.eval.EvalData(e.key, e.raw, evaluator.Options{
			DataType:  e.dataType,
			HasBlocks: e.hasBlocks,
			FillValue: &zero,
		})
		if err != nil {
			return err
		}
		if e.hasBlocks {
			if blocks, ok := value.AsBlocks(); ok {
				value = waterval.FromBlocks(AddSubblocks(blocks, e.paramName, nSubblocks))
			}
		}
		s.store.SetValue(e.key, value)
	}
	return nil
}

// pushBoundary pushes the boundary value of every non-intermediary entry for
// one date into the model, with startup-date zeroing and unit conversion
// applied on the way in.
func (s *System) pushBoundary(date string) error {
	for _, e := range s.entries {
		if e.intermediary {
			continue
		}
		switch e.dataType {
		case "scalar", "timeseries", "periodic timeseries":
		default:
			continue
		}

		val, err := s.store.GetAt(e.key, date)
		if err != nil {
			return err
		}

		ref := resourceRef{e.key.ResourceType, e.key.ResourceID}
		if startup := s.startups[ref]; startup != "" && date < startup {
			val = 0
		}
		val = s.toModelUnits(val, e.tattr, date)

		if err := s.model.UpdateParam(e.key.ResourceType, e.key.ResourceID, s.typeNames[ref], e.tattr.AttrName, val); err != nil {
			return err
		}
	}
	return nil
}

// pushConstants hands the run's scalar values to the model once, after
// construction. Variations have already been folded in.
func (s *System) pushConstants() error {
	firstDate := ""
	if s.grid.Len() > 0 {
		firstDate = s.grid.DateStrings[0]
	}
	for keyString, f := range s.constants {
		key, err := rakey.Parse(keyString)
		if err != nil {
			return err
		}
		tattr := s.tattrs[key]
		if tattr == nil {
			continue
		}
		val := s.toModelUnits(f, tattr, firstDate)
		ref := resourceRef{key.ResourceType, key.ResourceID}
		if err := s.model.UpdateParam(key.ResourceType, key.ResourceID, s.typeNames[ref], tattr.AttrName, val); err != nil {
			return err
		}
	}
	return nil
}

// Model units are millions of cubic meters per time step. Flow rates are
// integrated over the step's delta; volumes convert straight through. Units
// outside the conversion table pass through unchanged, treated as already
// being in model units.
func (s *System) toModelUnits(v float64, tattr *nwk.TypeAttr, date string) float64 {
	if tattr.Scale != 0 && tattr.Scale != 1 {
		v *= tattr.Scale
	}
	switch tattr.Dimension {
	case "Volumetric flow rate":
		if units.Known(tattr.Dimension, tattr.Unit) {
			base, err := units.Convert(v, tattr.Dimension, tattr.Unit, "m^3 s^-1")
			if err == nil {
				return base * s.grid.Deltas[date].Seconds() / 1e6
			}
		}
	case "Volume":
		if units.Known(tattr.Dimension, tattr.Unit) {
			base, err := units.Convert(v, tattr.Dimension, tattr.Unit, "m^3")
			if err == nil {
				return base / 1e6
			}
		}
	}
	return v
}

// fromModelUnits inverts toModelUnits for solver outputs headed back to the
// store.
func (s *System) fromModelUnits(v float64, tattr *nwk.TypeAttr, date string) float64 {
	switch tattr.Dimension {
	case "Volumetric flow rate":
		if units.Known(tattr.Dimension, tattr.Unit) {
			delta := s.grid.Deltas[date].Seconds()
			if delta > 0 {
				base := v * 1e6 / delta
				out, err := units.Convert(base, tattr.Dimension, "m^3 s^-1", tattr.Unit)
				if err == nil {
					v = out
				}
			}
		}
	case "Volume":
		if units.Known(tattr.Dimension, tattr.Unit) {
			out, err := units.Convert(v*1e6, tattr.Dimension, "m^3", tattr.Unit)
			if err == nil {
				v = out
			}
		}
	}
	if tattr.Scale != 0 && tattr.Scale != 1 {
		v /= tattr.Scale
	}
	return v
}
