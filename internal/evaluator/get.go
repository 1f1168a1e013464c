package evaluator

import (
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/watergridgo/internal/rakey"
	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/timegrid"
	"github.com/vk/watergridgo/internal/waterval"
)

// frame is the evaluation context for one program invocation at one time
// step. The capability functions close over it, which is how get() knows
// which key and date it is being called from.
type frame struct {
	eval      *Evaluator
	idx       int
	step      timegrid.Step
	hash      string
	parentKey rakey.Key
	depth     int
	visited   map[string]struct{}
}

func (f *frame) evalContext() *hcl.EvalContext {
	e := f.eval

	funcs := make(map[string]function.Function, len(e.baseFuncs)+3)
	for name, fn := range e.baseFuncs {
		funcs[name] = fn
	}
	getFn := f.getFunc()
	funcs["get"] = getFn
	funcs["GET"] = getFn
	funcs["read_external"] = f.readExternalFunc()

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"timestep":          cty.NumberIntVal(int64(f.step.Timestep)),
			"periodic_timestep": cty.NumberIntVal(int64(f.step.PeriodicIndex)),
			"date":              cty.StringVal(f.step.DateString),
			"start_date":        cty.StringVal(e.Grid.DateStrings[0]),
			"end_date":          cty.StringVal(e.Grid.DateStrings[e.Grid.Len()-1]),
			"water_year":        cty.NumberIntVal(int64(f.step.WaterYear)),
			"depth":             cty.NumberIntVal(int64(f.depth)),
		},
		Functions: funcs,
	}
}

// getOptions are the recognized option-object attributes of a get() call.
type getOptions struct {
	Offset  int
	Start   string
	End     string
	Agg     string
	Flatten bool
}

func parseGetOptions(v cty.Value) (getOptions, error) {
	o := getOptions{Agg: "mean", Flatten: true}
	if v.IsNull() {
		return o, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return o, syserr.NewEval("get options must be an object, got %s", v.Type().FriendlyName())
	}
	for it := v.ElementIterator(); it.Next(); {
		k, av := it.Element()
		switch k.AsString() {
		case "offset":
			f, _ := av.AsBigFloat().Float64()
			o.Offset = int(f)
		case "start":
			o.Start = av.AsString()
		case "end":
			o.End = av.AsString()
		case "agg":
			o.Agg = av.AsString()
		case "flatten":
			o.Flatten = av.True()
		default:
			return o, syserr.NewEval("unknown get option %q", k.AsString())
		}
	}
	return o, nil
}

func (f *frame) getFunc() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "key", Type: cty.String},
		},
		VarParam: &function.Parameter{
			Name:      "options",
			Type:      cty.DynamicPseudoType,
			AllowNull: true,
		},
		Type: func(args []cty.Value) (cty.Type, error) {
			return cty.DynamicPseudoType, nil
		},
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			opts := getOptions{Agg: "mean", Flatten: true}
			if len(args) > 1 {
				var err error
				opts, err = parseGetOptions(args[1])
				if err != nil {
					return cty.NilVal, err
				}
			}
			return f.get(args[0].AsString(), opts)
		},
	})
}

// get reads another resource attribute's value, possibly at a shifted time
// index or aggregated over a window. It is the one sanctioned path for
// cross-reference between expressions.
func (f *frame) get(rawKey string, o getOptions) (cty.Value, error) {
	e := f.eval

	key, err := rakey.Parse(rawKey)
	if err != nil {
		return cty.NilVal, syserr.NewEval("bad key %q in get(): %v", rawKey, err)
	}

	rv := e.rawValues[key]
	tattr := e.tattrs[key]
	if tattr == nil {
		return cty.NilVal, &syserr.UnknownReferenceError{Key: rawKey}
	}

	dataType := tattr.DataType
	if dataType == "" && rv != nil {
		dataType = rv.Type
	}
	hasBlocks := tattr.HasBlocks
	if _, ok := e.blockParams[tattr.AttrName]; ok {
		hasBlocks = true
	}

	offsetIdx := f.idx + o.Offset
	if o.Offset != 0 && (offsetIdx < 0 || offsetIdx >= e.Grid.Len()) {
		return cty.NilVal, syserr.NewEval(
			"offset %d out of range for %s at %s (grid has %d steps)",
			o.Offset, rawKey, f.step.DateString, e.Grid.Len())
	}
	offsetDate := e.Grid.DateStrings[offsetIdx]

	// Self-reference serves the in-progress value instead of re-evaluating,
	// which is how an expression reads its own previous time step.
	if key == f.parentKey {
		return f.selfValue(key, offsetIdx, offsetDate, o)
	}

	if _, seen := f.visited[key.String()]; seen {
		stack := make([]string, 0, len(f.visited)+1)
		for k := range f.visited {
			stack = append(stack, k)
		}
		sort.Strings(stack)
		return cty.NilVal, &syserr.CycleError{Stack: append(stack, rawKey)}
	}

	// Already buffered for the requested date? Flattening sums blocks, so a
	// blocked attribute read with its block shape intact takes the slow path.
	if isSeriesType(dataType) && o.Start == "" && (o.Flatten || !hasBlocks) && e.store.Has(key) {
		if v, err := e.store.GetValue(key); err == nil {
			if series, ok := v.AsSeries(); ok {
				if val, ok := series.At(offsetDate); ok {
					return cty.NumberFloatVal(val), nil
				}
			}
		}
	}

	// No dataset of its own: the key is a solver output (or simply unset),
	// served from the store, which degrades to a typed zero default.
	if rv == nil {
		if e.store == nil {
			return cty.NilVal, &syserr.UnknownReferenceError{Key: rawKey}
		}
		val, err := e.store.GetValue(key)
		if err != nil {
			return cty.NilVal, err
		}
		if !isSeriesType(dataType) {
			return ctyFromValue(val)
		}
		if o.Start != "" {
			return f.aggregate(val, o)
		}
		return f.pointValue(val, offsetDate, hasBlocks, o.Flatten)
	}

	visited := make(map[string]struct{}, len(f.visited)+1)
	for k := range f.visited {
		visited[k] = struct{}{}
	}
	visited[f.parentKey.String()] = struct{}{}

	val, err := e.EvalData(key, rv, Options{
		DataType:  dataType,
		HasBlocks: hasBlocks,
		Flatten:   o.Flatten,
		Depth:     f.depth,
		visited:   visited,
	})
	if err != nil {
		return cty.NilVal, err
	}

	if !isSeriesType(dataType) {
		return ctyFromValue(val)
	}

	if o.Start != "" {
		return f.aggregate(val, o)
	}
	return f.pointValue(val, offsetDate, hasBlocks, o.Flatten)
}

// selfValue resolves a get() whose target is the key currently being
// evaluated. Window aggregation over self is undefined and yields null, as
// the value for the current window is still being produced.
func (f *frame) selfValue(key rakey.Key, offsetIdx int, offsetDate string, o getOptions) (cty.Value, error) {
	if o.Start != "" {
		return cty.NullVal(cty.Number), nil
	}

	e := f.eval
	if e.store.Has(key) {
		if v, err := e.store.GetValue(key); err == nil {
			if series, ok := v.AsSeries(); ok {
				if val, ok := series.At(offsetDate); ok {
					return cty.NumberFloatVal(val), nil
				}
			}
		}
	}

	cells := e.memo[f.hash]
	if cells == nil || offsetIdx >= len(cells) {
		return cty.NumberFloatVal(0), nil
	}
	return cty.NumberFloatVal(cells[offsetIdx].num), nil
}

// aggregate reduces a series over [start, end) to a single number.
func (f *frame) aggregate(val waterval.Value, o getOptions) (cty.Value, error) {
	series, ok := val.AsSeries()
	if !ok {
		return cty.NilVal, syserr.NewEval("windowed get() needs a series value")
	}

	start, err := waterval.NormalizeDate(o.Start)
	if err != nil {
		return cty.NilVal, syserr.NewEval("bad window start %q", o.Start)
	}
	end := f.step.DateString
	if o.End != "" {
		if end, err = waterval.NormalizeDate(o.End); err != nil {
			return cty.NilVal, syserr.NewEval("bad window end %q", o.End)
		}
	}

	idxStart := f.eval.Grid.IndexOf(start)
	idxEnd := f.eval.Grid.IndexOf(end)
	if idxStart < 0 || idxEnd < 0 || idxEnd < idxStart {
		return cty.NilVal, syserr.NewEval("window [%s, %s) is outside the grid", start, end)
	}

	dates := f.eval.Grid.DateStrings[idxStart:idxEnd]
	if len(dates) == 0 {
		return cty.NilVal, syserr.NewEval("window [%s, %s) is empty", start, end)
	}

	total := 0.0
	for _, d := range dates {
		v, _ := series.At(d)
		total += v
	}
	switch o.Agg {
	case "sum":
		return cty.NumberFloatVal(total), nil
	case "mean":
		return cty.NumberFloatVal(total / float64(len(dates))), nil
	default:
		return cty.NilVal, syserr.NewEval("unsupported aggregation %q", o.Agg)
	}
}

// pointValue extracts one date from a resolved series. Blocked values keep
// their per-block structure unless flattened; a missing date reads as zero.
func (f *frame) pointValue(val waterval.Value, date string, hasBlocks, flatten bool) (cty.Value, error) {
	if hasBlocks && !flatten {
		blocks, ok := val.AsBlocks()
		if !ok {
			return cty.NilVal, syserr.NewEval("expected blocked series")
		}
		out := make(map[string]cty.Value, len(blocks))
		for _, b := range blocks.SortedBlocks() {
			v, _ := blocks[b].At(date)
			out[blockName(b)] = cty.NumberFloatVal(v)
		}
		if len(out) == 0 {
			return cty.EmptyObjectVal, nil
		}
		return cty.ObjectVal(out), nil
	}

	series, ok := val.AsSeries()
	if !ok {
		return cty.NilVal, syserr.NewEval("expected a series value")
	}
	v, _ := series.At(date)
	return cty.NumberFloatVal(v), nil
}
