package evaluator

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/watergridgo/internal/syserr"
)

// readExternalFunc is the capability behind read_external(path). It loads a
// CSV from the run's files directory, indexed by its first column, and
// returns an object of column name to {index: value}. Files are parsed once
// per run and served from cache afterwards.
func (f *frame) readExternalFunc() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "path", Type: cty.String},
		},
		Type: func(args []cty.Value) (cty.Type, error) {
			return cty.DynamicPseudoType, nil
		},
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			return f.eval.readExternal(args[0].AsString())
		},
	})
}

func (e *Evaluator) readExternal(path string) (cty.Value, error) {
	full := filepath.Join(e.filesPath, path)
	if cached, ok := e.external[full]; ok {
		return cached, nil
	}

	fh, err := os.Open(full)
	if err != nil {
		return cty.NilVal, syserr.NewEval("cannot read external file %q: %v", path, err)
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return cty.NilVal, syserr.NewEval("malformed CSV in %q: %v", path, err)
	}
	if len(records) < 2 || len(records[0]) < 2 {
		return cty.NilVal, syserr.NewEval("external file %q needs a header row, an index column and at least one data column", path)
	}

	header := records[0]
	columns := make(map[string]map[string]cty.Value, len(header)-1)
	for _, name := range header[1:] {
		columns[name] = map[string]cty.Value{}
	}

	for _, row := range records[1:] {
		if len(row) != len(header) {
			continue
		}
		index := row[0]
		for c, name := range header[1:] {
			raw := row[c+1]
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				columns[name][index] = cty.StringVal(raw)
				continue
			}
			columns[name][index] = cty.NumberFloatVal(v)
		}
	}

	attrs := make(map[string]cty.Value, len(columns))
	for name, col := range columns {
		if len(col) == 0 {
			attrs[name] = cty.EmptyObjectVal
			continue
		}
		attrs[name] = cty.ObjectVal(col)
	}
	result := cty.ObjectVal(attrs)

	e.external[full] = result
	return result, nil
}
