package expr

import (
	"math"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// isNaNFunc reports whether a number is NaN. Existing function sources call
// it to guard imported data; cty numbers are arbitrary-precision and cannot
// hold NaN, so it returns false for anything that reached an expression.
var isNaNFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "x", Type: cty.Number},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		f, _ := args[0].AsBigFloat().Float64()
		return cty.BoolVal(math.IsNaN(f)), nil
	},
})

// BaseFunctions is the allow-listed, side-effect-free function library every
// program may call. The domain capabilities (get, GET, read_external) are
// bound per evaluation frame by the evaluator, on top of this set.
func BaseFunctions() map[string]function.Function {
	return map[string]function.Function{
		"abs":      stdlib.AbsoluteFunc,
		"ceil":     stdlib.CeilFunc,
		"floor":    stdlib.FloorFunc,
		"log":      stdlib.LogFunc,
		"pow":      stdlib.PowFunc,
		"signum":   stdlib.SignumFunc,
		"min":      stdlib.MinFunc,
		"max":      stdlib.MaxFunc,
		"int":      stdlib.IntFunc,
		"parseint": stdlib.ParseIntFunc,
		"coalesce": stdlib.CoalesceFunc,
		"length":   stdlib.LengthFunc,
		"element":  stdlib.ElementFunc,
		"concat":   stdlib.ConcatFunc,
		"range":    stdlib.RangeFunc,
		"format":   stdlib.FormatFunc,
		"strlen":   stdlib.StrlenFunc,
		"substr":   stdlib.SubstrFunc,
		"upper":    stdlib.UpperFunc,
		"lower":    stdlib.LowerFunc,
		"isnan":    isNaNFunc,
	}
}
