package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// DataVariable is the only variable visible to sandboxed code.
const DataVariable = "data"

// UndefinedError reports an identifier that was not passed into the sandbox.
type UndefinedError struct {
	Identifier string
	Range      hcl.Range
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("%s is not defined", e.Identifier)
}

// ErrorName lets the cross-boundary codec keep the error identity.
func (e *UndefinedError) ErrorName() string { return "ReferenceError" }

// HCLBackend evaluates HCL expressions such as
//
//	{ greeting = "Hello, ${upper(data.name)}!" }
//
// against an EvalContext that holds nothing but data and a small function set.
type HCLBackend struct {
	functions map[string]function.Function
}

// NewHCLBackend creates the backend with the pure cty standard functions.
func NewHCLBackend() *HCLBackend {
	return &HCLBackend{
		functions: map[string]function.Function{
			"upper":      stdlib.UpperFunc,
			"lower":      stdlib.LowerFunc,
			"format":     stdlib.FormatFunc,
			"join":       stdlib.JoinFunc,
			"split":      stdlib.SplitFunc,
			"replace":    stdlib.ReplaceFunc,
			"trimspace":  stdlib.TrimSpaceFunc,
			"length":     stdlib.LengthFunc,
			"strlen":     stdlib.StrlenFunc,
			"concat":     stdlib.ConcatFunc,
			"coalesce":   stdlib.CoalesceFunc,
			"min":        stdlib.MinFunc,
			"max":        stdlib.MaxFunc,
			"abs":        stdlib.AbsoluteFunc,
			"jsonencode": stdlib.JSONEncodeFunc,
			"jsondecode": stdlib.JSONDecodeFunc,
		},
	}
}

func (b *HCLBackend) Name() string { return "hcl" }

// Evaluate parses req.Code as one expression and evaluates it.
func (b *HCLBackend) Evaluate(ctx context.Context, req *Request) (any, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(req.Code), "script.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("sandbox: parse: %s", diags.Error())
	}

	for _, traversal := range expr.Variables() {
		if root := traversal.RootName(); root != DataVariable {
			return nil, &UndefinedError{Identifier: root, Range: traversal.SourceRange()}
		}
	}

	data, err := ToCty(req.Data)
	if err != nil {
		return nil, fmt.Errorf("sandbox: data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	funcs := make(map[string]function.Function, len(b.functions)+1)
	for name, fn := range b.functions {
		funcs[name] = fn
	}
	funcs["trace"] = traceFunction(req.Trace)

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{DataVariable: data},
		Functions: funcs,
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("sandbox: %s", diags.Error())
	}
	return FromCty(val)
}

func traceFunction(trace TraceFunc) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "message", Type: cty.String},
			{Name: "value", Type: cty.DynamicPseudoType, AllowNull: true},
		},
		Type: func(args []cty.Value) (cty.Type, error) {
			return args[1].Type(), nil
		},
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			if trace != nil {
				v, err := FromCty(args[1])
				if err != nil {
					return cty.NilVal, err
				}
				trace(args[0].AsString(), v)
			}
			return args[1], nil
		},
	})
}

// ToCty converts a JSON-compatible Go value into a cty value.
func ToCty(v any) (cty.Value, error) {
	if v == nil {
		return cty.EmptyObjectVal, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, err
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(raw, ty)
}

// FromCty converts a known cty value back into plain Go values.
func FromCty(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("sandbox: result is not fully known")
	}
	raw, err := ctyjson.SimpleJSONValue{Value: v}.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
