package evaluator

import (
	"strconv"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/waterval"
)

func blockName(b int) string { return strconv.Itoa(b) }

// ctyFromValue lifts a canonical value into the expression type system so
// get() results compose with arithmetic and the allow-listed functions.
func ctyFromValue(v waterval.Value) (cty.Value, error) {
	switch v.Kind() {
	case waterval.KindScalar:
		f, _ := v.AsScalar()
		return cty.NumberFloatVal(f), nil

	case waterval.KindDescriptor:
		s, _ := v.AsDescriptor()
		return cty.StringVal(s), nil

	case waterval.KindArray:
		a, _ := v.AsArray()
		return ctyFromAny(a)

	case waterval.KindSeries:
		series, _ := v.AsSeries()
		return ctyFromSeries(series), nil

	case waterval.KindBlockSeries:
		blocks, _ := v.AsBlocks()
		out := make(map[string]cty.Value, len(blocks))
		for _, b := range blocks.SortedBlocks() {
			out[blockName(b)] = ctyFromSeries(blocks[b])
		}
		if len(out) == 0 {
			return cty.EmptyObjectVal, nil
		}
		return cty.ObjectVal(out), nil

	default:
		return cty.NilVal, syserr.NewEval("cannot convert invalid value")
	}
}

func ctyFromSeries(series waterval.Series) cty.Value {
	if len(series) == 0 {
		return cty.EmptyObjectVal
	}
	out := make(map[string]cty.Value, len(series))
	for d, v := range series {
		out[d] = cty.NumberFloatVal(v)
	}
	return cty.ObjectVal(out)
}

func ctyFromAny(a any) (cty.Value, error) {
	switch x := a.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case float64:
		return cty.NumberFloatVal(x), nil
	case int:
		return cty.NumberIntVal(int64(x)), nil
	case string:
		return cty.StringVal(x), nil
	case bool:
		return cty.BoolVal(x), nil
	case []any:
		if len(x) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(x))
		for i, e := range x {
			v, err := ctyFromAny(e)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = v
		}
		return cty.TupleVal(elems), nil
	case map[string]any:
		if len(x) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(x))
		for k, e := range x {
			v, err := ctyFromAny(e)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = v
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, syserr.NewEval("cannot convert %T into an expression value", a)
	}
}
