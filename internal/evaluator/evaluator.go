// Package evaluator resolves resource attribute data into canonical values.
// Static datasets are parsed once and memoized; function-backed datasets are
// compiled through the shared program cache and evaluated per time step, with
// results accumulated in a per-run memo so no (program, date) pair is ever
// evaluated twice within a run.
package evaluator

import (
	"errors"
	"math"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/watergridgo/internal/bcstore"
	"github.com/vk/watergridgo/internal/expr"
	"github.com/vk/watergridgo/internal/nwk"
	"github.com/vk/watergridgo/internal/rakey"
	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/timegrid"
	"github.com/vk/watergridgo/internal/waterval"
)

// Config wires an evaluator to its run. Cache is process-scoped and shared;
// everything else is per-run.
type Config struct {
	Grid       *timegrid.Grid
	Cache      *expr.Cache
	Store      *bcstore.Store
	Network    *nwk.Network
	RawValues  map[rakey.Key]*nwk.RawValue
	TypeAttrs  map[rakey.Key]*nwk.TypeAttr
	ScenarioID int

	// BlockParams are attribute names treated as blocked even when the
	// template does not flag them.
	BlockParams []string

	// FilesPath is the base directory for read_external lookups.
	FilesPath string
}

// memoCell is one evaluated result for one (program, step) pair. The zero
// cell reads as 0, which is also what a self-referencing expression sees for
// steps that have not been evaluated yet.
type memoCell struct {
	set   bool
	num   float64
	str   string
	isStr bool
	list  []float64
}

// Evaluator is per-run evaluation state. Not safe for concurrent use; each
// run owns exactly one.
type Evaluator struct {
	Grid       *timegrid.Grid
	ScenarioID int

	// TSI and TSF bound the active evaluation window [TSI, TSF) in step
	// indices. The stepper advances them one step at a time under zero
	// foresight, or opens the full horizon under perfect foresight.
	TSI, TSF int

	cache       *expr.Cache
	store       *bcstore.Store
	network     *nwk.Network
	rawValues   map[rakey.Key]*nwk.RawValue
	tattrs      map[rakey.Key]*nwk.TypeAttr
	blockParams map[string]struct{}
	filesPath   string

	baseFuncs map[string]function.Function
	memo      map[string][]memoCell
	dataMemo  map[string]waterval.Value
	external  map[string]cty.Value
	calls     map[string]int
}

// New builds an evaluator bound to one run.
func New(cfg Config) *Evaluator {
	blockParams := map[string]struct{}{}
	for _, p := range cfg.BlockParams {
		blockParams[p] = struct{}{}
	}
	return &Evaluator{
		Grid:        cfg.Grid,
		ScenarioID:  cfg.ScenarioID,
		TSI:         0,
		TSF:         cfg.Grid.Len(),
		cache:       cfg.Cache,
		store:       cfg.Store,
		network:     cfg.Network,
		rawValues:   cfg.RawValues,
		tattrs:      cfg.TypeAttrs,
		blockParams: blockParams,
		filesPath:   cfg.FilesPath,
		baseFuncs:   expr.BaseFunctions(),
		memo:        map[string][]memoCell{},
		dataMemo:    map[string]waterval.Value{},
		external:    map[string]cty.Value{},
		calls:       map[string]int{},
	}
}

// SetWindow moves the active evaluation window.
func (e *Evaluator) SetWindow(tsi, tsf int) {
	if tsf > e.Grid.Len() {
		tsf = e.Grid.Len()
	}
	e.TSI, e.TSF = tsi, tsf
}

// Store exposes the run's boundary-condition store.
func (e *Evaluator) Store() *bcstore.Store { return e.store }

// RawValue returns the dataset for a key, or nil.
func (e *Evaluator) RawValue(key rakey.Key) *nwk.RawValue { return e.rawValues[key] }

// Invocations reports how many times the program identified by hash was
// actually invoked for a date.
func (e *Evaluator) Invocations(hash, date string) int {
	return e.calls[hash+"|"+date]
}

// Invalidate clears the memoized results of one program over a step window,
// forcing the next evaluation to recompute them. The stepper uses this to
// refresh intermediary values after solver outputs land in the store.
func (e *Evaluator) Invalidate(hash string, tsi, tsf int) {
	cells, ok := e.memo[hash]
	if !ok {
		return
	}
	for i := tsi; i < tsf && i < len(cells); i++ {
		cells[i] = memoCell{}
	}
}

// Options select how a dataset is resolved.
type Options struct {
	// DataType overrides the dataset's own type; the template's attribute
	// data type wins over the stored value's.
	DataType  string
	HasBlocks bool
	// Flatten sums blocks into one column. Only meaningful with HasBlocks.
	Flatten bool
	// FillValue replaces gaps when a parsed series misses grid dates.
	FillValue *float64
	Depth     int

	visited map[string]struct{}
}

func isSeriesType(dataType string) bool {
	return dataType == "timeseries" || dataType == "periodic timeseries"
}

// EvalData resolves one dataset into a canonical value. Function-backed
// datasets delegate to EvalFunction; static ones are parsed by type and
// memoized so a second call for the same (key, dataType) never re-reads the
// raw payload.
func (e *Evaluator) EvalData(key rakey.Key, rv *nwk.RawValue, opts Options) (waterval.Value, error) {
	dataType := opts.DataType
	if dataType == "" {
		dataType = rv.Type
	}

	if rv.Metadata.UseFunction {
		program, err := e.cache.GetOrCompile(rv.Metadata.Function, dataType)
		if err != nil {
			return waterval.Value{}, e.annotate(err, key)
		}
		v, err := e.EvalFunction(program, FunctionOptions{
			ParentKey: key,
			DataType:  dataType,
			HasBlocks: opts.HasBlocks,
			Flatten:   opts.Flatten,
			Depth:     opts.Depth,
			visited:   opts.visited,
		})
		if err != nil {
			return waterval.Value{}, e.annotate(err, key)
		}
		return v, nil
	}

	memoKey := key.String() + "|" + dataType
	if v, ok := e.dataMemo[memoKey]; ok {
		return v, nil
	}

	v, err := e.parseStatic(rv, dataType, opts)
	if err != nil {
		return waterval.Value{}, e.annotate(err, key)
	}
	e.dataMemo[memoKey] = v
	return v, nil
}

func (e *Evaluator) parseStatic(rv *nwk.RawValue, dataType string, opts Options) (waterval.Value, error) {
	switch dataType {
	case "scalar":
		f, err := waterval.ParseScalar(rv.Value)
		if err != nil {
			return waterval.Value{}, err
		}
		return waterval.Scalar(f), nil

	case "descriptor":
		return waterval.Descriptor(rv.Value), nil

	case "array":
		a, err := waterval.ParseArray(rv.Value)
		if err != nil {
			return waterval.Value{}, err
		}
		return waterval.Array(a), nil

	case "timeseries", "periodic timeseries":
		blocks, err := waterval.ParseSeriesJSON(rv.Value)
		if err != nil {
			return waterval.Value{}, err
		}
		fill := 0.0
		if opts.FillValue != nil {
			fill = *opts.FillValue
		}
		if dataType == "periodic timeseries" {
			blocks = e.rekeyPeriodic(blocks, fill)
		}
		if len(blocks) == 0 {
			blocks = waterval.BlockSeries{0: waterval.Filled(e.Grid.DateStrings, fill)}
		}
		for _, series := range blocks {
			for _, d := range e.Grid.DateStrings {
				if _, ok := series[d]; !ok {
					series[d] = fill
				}
			}
		}
		if opts.HasBlocks && !opts.Flatten {
			return waterval.FromBlocks(blocks), nil
		}
		return waterval.FromSeries(blocks.Flatten()), nil

	default:
		return waterval.Value{}, syserr.NewEval("unsupported data type %q", dataType)
	}
}

// rekeyPeriodic projects a synthetic-year curve onto the run grid: each run
// step takes the curve's point at its synthetic counterpart, falling back to
// fill when the curve has no point there.
func (e *Evaluator) rekeyPeriodic(blocks waterval.BlockSeries, fill float64) waterval.BlockSeries {
	out := make(waterval.BlockSeries, len(blocks))
	for c, series := range blocks {
		mapped := make(waterval.Series, e.Grid.Len())
		for i, d := range e.Grid.DateStrings {
			if v, ok := series[e.Grid.PeriodicKey(i)]; ok {
				mapped[d] = v
			} else {
				mapped[d] = fill
			}
		}
		out[c] = mapped
	}
	return out
}

// FunctionOptions select how a compiled program's result is shaped.
type FunctionOptions struct {
	ParentKey rakey.Key
	DataType  string
	HasBlocks bool
	Flatten   bool
	Depth     int

	visited map[string]struct{}
}

// EvalFunction runs a compiled program over the active window. Series-typed
// programs are invoked once per date, each result memoized under the
// program's content hash so re-entry within the run never re-invokes the
// user's code for a (hash, date) pair already computed. Non-series programs
// are run scoped: the first invocation pins the result for every later
// window. Programs that provably reference no time-varying input evaluate
// once and fill the whole window with the constant.
func (e *Evaluator) EvalFunction(program *expr.Program, opts FunctionOptions) (waterval.Value, error) {
	cells, ok := e.memo[program.Hash]
	if !ok {
		cells = make([]memoCell, e.Grid.Len())
		e.memo[program.Hash] = cells
	}

	isTS := isSeriesType(opts.DataType)
	tsi, tsf := e.TSI, e.TSF
	if tsf > len(cells) {
		tsf = len(cells)
	}
	if tsi >= tsf {
		return waterval.Value{}, syserr.NewEval("empty evaluation window [%d, %d)", tsi, tsf)
	}

	if !isTS {
		if !cells[0].set {
			cell, err := e.invoke(program, tsi, opts)
			if err != nil {
				return waterval.Value{}, err
			}
			cells[0] = cell
		}
		return e.assemble(cells, 0, 1, opts)
	}

	for idx := tsi; idx < tsf; idx++ {
		if cells[idx].set {
			continue
		}

		cell, err := e.invoke(program, idx, opts)
		if err != nil {
			return waterval.Value{}, err
		}
		if !cell.isStr && cell.list == nil && (math.IsNaN(cell.num) || math.IsInf(cell.num, 0)) {
			return waterval.Value{}, syserr.NewEval("attribute value is not a number at %s", e.Grid.DateStrings[idx])
		}
		cells[idx] = cell

		if !program.TimeDependent {
			for j := idx + 1; j < tsf; j++ {
				cells[j] = cell
			}
			break
		}
	}

	return e.assemble(cells, tsi, tsf, opts)
}

// invoke evaluates one step of a program against a fresh frame, counting the
// invocation for introspection.
func (e *Evaluator) invoke(program *expr.Program, idx int, opts FunctionOptions) (memoCell, error) {
	step := e.Grid.Steps[idx]
	fr := &frame{
		eval:      e,
		idx:       idx,
		step:      step,
		hash:      program.Hash,
		parentKey: opts.ParentKey,
		depth:     opts.Depth + 1,
		visited:   opts.visited,
	}

	v, err := program.Evaluate(fr.evalContext())
	if err != nil {
		return memoCell{}, err
	}
	e.calls[program.Hash+"|"+step.DateString]++

	return toCell(v, step.DateString)
}

func (e *Evaluator) assemble(cells []memoCell, tsi, tsf int, opts FunctionOptions) (waterval.Value, error) {
	if !isSeriesType(opts.DataType) {
		cell := cells[tsi]
		switch opts.DataType {
		case "descriptor":
			return waterval.Descriptor(cell.str), nil
		case "array":
			out := make([]any, len(cell.list))
			for i, f := range cell.list {
				out[i] = f
			}
			return waterval.Array(out), nil
		default:
			return waterval.Scalar(cell.num), nil
		}
	}

	// block-valued series: each evaluation returned one value per block
	if cells[tsi].list != nil {
		blocks := waterval.BlockSeries{}
		for idx := tsi; idx < tsf; idx++ {
			for c, v := range cells[idx].list {
				if blocks[c] == nil {
					blocks[c] = waterval.Series{}
				}
				blocks[c][e.Grid.DateStrings[idx]] = v
			}
		}
		if opts.HasBlocks && !opts.Flatten {
			return waterval.FromBlocks(blocks), nil
		}
		return waterval.FromSeries(blocks.Flatten()), nil
	}

	// scalar-per-date series: merge the window into whatever the store
	// already holds for this key so aggregation windows can look backwards
	prior := waterval.Series{}
	if e.store != nil && e.store.Has(opts.ParentKey) {
		if v, err := e.store.GetValue(opts.ParentKey); err == nil {
			if s, ok := v.AsSeries(); ok {
				prior = s.Copy()
			}
		}
	}
	for idx := tsi; idx < tsf; idx++ {
		prior[e.Grid.DateStrings[idx]] = cells[idx].num
	}
	if opts.HasBlocks && !opts.Flatten {
		return waterval.FromBlocks(waterval.BlockSeries{0: prior}), nil
	}
	return waterval.FromSeries(prior), nil
}

// annotate fills in the human-facing resource and attribute names on eval
// errors. Fatal messages always name the offending resource, never a bare id.
func (e *Evaluator) annotate(err error, key rakey.Key) error {
	var ee *syserr.EvalError
	if errors.As(err, &ee) && ee.Resource == "" {
		if e.network != nil {
			ee.Resource = e.network.ResourceName(key.ResourceType, key.ResourceID)
		}
		if tattr := e.tattrs[key]; tattr != nil {
			ee.Attribute = tattr.AttrName
		}
	}
	return err
}

// toCell converts an evaluated cty value into a memo cell. Object results
// keyed by date are unwrapped to the current date's entry, mirroring
// expressions that build and return a whole series.
func toCell(v cty.Value, date string) (memoCell, error) {
	if v.IsNull() {
		return memoCell{set: true}, nil
	}
	t := v.Type()
	switch {
	case t == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return memoCell{set: true, num: f}, nil

	case t == cty.String:
		return memoCell{set: true, str: v.AsString(), isStr: true}, nil

	case t == cty.Bool:
		cell := memoCell{set: true}
		if v.True() {
			cell.num = 1
		}
		return cell, nil

	case t.IsTupleType() || t.IsListType():
		var list []float64
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			if ev.Type() != cty.Number {
				return memoCell{}, syserr.NewEval("list result must be numeric, got %s", ev.Type().FriendlyName())
			}
			f, _ := ev.AsBigFloat().Float64()
			list = append(list, f)
		}
		return memoCell{set: true, list: list}, nil

	case t.IsObjectType() || t.IsMapType():
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			if k.Type() == cty.String && k.AsString() == date {
				return toCell(ev, date)
			}
		}
		return memoCell{}, syserr.NewEval("object result has no entry for %s", date)

	default:
		return memoCell{}, syserr.NewEval("unsupported result type %s", t.FriendlyName())
	}
}
