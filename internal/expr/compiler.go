// Package expr compiles user-authored function snippets into evaluatable
// programs. A snippet is a sequence of newline-separated HCL native-syntax
// lines: every line but the last binds a name (`x = ...`), and the last line
// is the result expression (an explicit `return ` prefix is accepted and
// stripped). The capability surface available to a program — variables and
// functions alike — is enumerated in the evaluation context it is handed at
// run time; nothing is inferred from the source text.
package expr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/watergridgo/internal/syserr"
)

// timeVars are the context variables whose presence makes a program
// time-dependent. A program that references none of these (and calls none of
// timeFuncs) provably returns the same value at every step.
var timeVars = map[string]struct{}{
	"timestep":          {},
	"periodic_timestep": {},
	"date":              {},
	"water_year":        {},
}

// timeFuncs are the capability functions that can read time-indexed state.
var timeFuncs = map[string]struct{}{
	"get":           {},
	"GET":           {},
	"read_external": {},
}

var bindingPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*)$`)

type binding struct {
	name string
	expr hclsyntax.Expression
}

// Program is one compiled user expression.
type Program struct {
	Hash     string
	Source   string
	DataType string

	// TimeDependent reports whether any line references a time-varying
	// variable or calls a capability function.
	TimeDependent bool

	bindings []binding
	result   hclsyntax.Expression
}

// Compile parses a snippet. Failures are ExpressionSyntaxErrors carrying the
// 1-based line in the user's source; no offset correction is needed because
// lines are parsed in place rather than wrapped.
func Compile(source, dataType string) (*Program, error) {
	p := &Program{
		Hash:     ContentHash(source, dataType),
		Source:   source,
		DataType: dataType,
	}

	type srcLine struct {
		text string
		num  int
	}
	var lines []srcLine
	for i, text := range strings.Split(source, "\n") {
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines = append(lines, srcLine{text: text, num: i + 1})
	}
	if len(lines) == 0 {
		return nil, &syserr.ExpressionSyntaxError{Source: source, Message: "empty expression", Line: 1}
	}

	for _, ln := range lines[:len(lines)-1] {
		m := bindingPattern.FindStringSubmatch(strings.TrimSpace(ln.text))
		if m == nil {
			return nil, &syserr.ExpressionSyntaxError{
				Source:  source,
				Message: fmt.Sprintf("expected a binding (name = expression), got %q", strings.TrimSpace(ln.text)),
				Line:    ln.num,
			}
		}
		e, err := parseLine(m[2], source, ln.num)
		if err != nil {
			return nil, err
		}
		p.bindings = append(p.bindings, binding{name: m[1], expr: e})
	}

	last := lines[len(lines)-1]
	text := strings.TrimSpace(last.text)
	text = strings.TrimPrefix(text, "return ")
	e, err := parseLine(text, source, last.num)
	if err != nil {
		return nil, err
	}
	p.result = e

	p.TimeDependent = p.referencesTime()
	return p, nil
}

func parseLine(text, source string, line int) (hclsyntax.Expression, error) {
	e, diags := hclsyntax.ParseExpression([]byte(text), "expression", hcl.Pos{Line: line, Column: 1, Byte: 0})
	if diags.HasErrors() {
		d := diags[0]
		errLine := line
		if d.Subject != nil {
			errLine = d.Subject.Start.Line
		}
		return nil, &syserr.ExpressionSyntaxError{Source: source, Message: d.Summary + ": " + d.Detail, Line: errLine}
	}
	return e, nil
}

// Evaluate runs the program against the given context: bindings populate a
// child scope in order, then the result expression is evaluated. Runtime
// diagnostics come back as EvalErrors with the offending line.
func (p *Program) Evaluate(ctx *hcl.EvalContext) (cty.Value, error) {
	scope := ctx.NewChild()
	scope.Variables = map[string]cty.Value{}

	for _, b := range p.bindings {
		v, diags := b.expr.Value(scope)
		if diags.HasErrors() {
			return cty.NilVal, runtimeError(diags)
		}
		scope.Variables[b.name] = v
	}

	v, diags := p.result.Value(scope)
	if diags.HasErrors() {
		return cty.NilVal, runtimeError(diags)
	}
	return v, nil
}

func runtimeError(diags hcl.Diagnostics) error {
	d := diags[0]
	line := 0
	if d.Subject != nil {
		line = d.Subject.Start.Line
	}
	detail := d.Summary
	if d.Detail != "" {
		detail += ": " + d.Detail
	}
	// capability functions raise typed errors; pass those through intact
	if extra, ok := d.Extra.(hclsyntax.FunctionCallDiagExtra); ok {
		if cause := extra.FunctionCallError(); cause != nil {
			var evalErr *syserr.EvalError
			var unknownErr *syserr.UnknownReferenceError
			var cycleErr *syserr.CycleError
			if errors.As(cause, &evalErr) || errors.As(cause, &unknownErr) || errors.As(cause, &cycleErr) {
				return cause
			}
			return &syserr.EvalError{ErrClass: "EvalError", Line: line, Detail: cause.Error()}
		}
	}
	return &syserr.EvalError{ErrClass: "EvalError", Line: line, Detail: detail}
}

// referencesTime walks every expression in the program for time-varying
// variable references and capability calls.
func (p *Program) referencesTime() bool {
	exprs := make([]hclsyntax.Expression, 0, len(p.bindings)+1)
	for _, b := range p.bindings {
		exprs = append(exprs, b.expr)
	}
	exprs = append(exprs, p.result)

	for _, e := range exprs {
		for _, traversal := range e.Variables() {
			if _, ok := timeVars[traversal.RootName()]; ok {
				return true
			}
		}
		found := false
		hclsyntax.VisitAll(e, func(node hclsyntax.Node) hcl.Diagnostics {
			if call, ok := node.(*hclsyntax.FunctionCallExpr); ok {
				if _, hit := timeFuncs[call.Name]; hit {
					found = true
				}
			}
			return nil
		})
		if found {
			return true
		}
	}
	return false
}

// ContentHash is the content address for a compiled program: identical
// (source, dataType) pairs always map to the same hash.
func ContentHash(source, dataType string) string {
	sum := sha256.Sum224([]byte(source + dataType))
	return hex.EncodeToString(sum[:])
}

// Cache is the process-scoped compiled-program cache. It is append-only and
// safe for concurrent lookup and insert; entries are never mutated after
// insertion. It is injected into evaluators, never reached through ambient
// state.
type Cache struct {
	mu       sync.Mutex
	programs map[string]*Program
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{programs: map[string]*Program{}}
}

// GetOrCompile returns the cached program for (source, dataType) or compiles
// and caches it. Identical inputs never recompile.
func (c *Cache) GetOrCompile(source, dataType string) (*Program, error) {
	hash := ContentHash(source, dataType)

	c.mu.Lock()
	p, ok := c.programs[hash]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := Compile(source, dataType)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.programs[hash]; ok {
		p = existing
	} else {
		c.programs[hash] = p
	}
	c.mu.Unlock()
	return p, nil
}

// Len reports the number of cached programs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}
