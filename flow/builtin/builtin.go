// Package builtin holds the small set of components the runner ships with:
// flow input and output, string templates, and an interactive question.
package builtin

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BaSui01/flowrun/flow"
)

// Specifiers of the builtin components.
const (
	InputSpec    = "core/input"
	OutputSpec   = "core/output"
	TemplateSpec = "core/template"
	AskSpec      = "core/ask"
	ScriptSpec   = "core/script"
)

// Register adds every builtin component to reg.
func Register(reg *flow.Registry) error {
	for spec, c := range map[string]*flow.Component{
		InputSpec:    Input(),
		OutputSpec:   Output(),
		TemplateSpec: Template(),
		AskSpec:      Ask(),
		ScriptSpec:   Script(),
	} {
		if err := reg.Register(spec, c); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the builtin components.
func NewRegistry() *flow.Registry {
	reg := flow.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}

// Input reads one value from the flow-level input.
func Input() *flow.Component {
	return &flow.Component{
		Description: "Reads a value from the flow input",
		Trusted:     true,
		Input: flow.Schema{
			"name":    {Type: flow.TypeString, Required: true},
			"default": {},
		},
		Output: flow.Schema{"value": {}},
		Process: func(_ context.Context, pc *flow.ProcessContext) (map[string]any, error) {
			name := pc.Data["name"].(string)
			v, ok := pc.Thread.InputValue(name)
			if !ok {
				v = pc.Data["default"]
			}
			return map[string]any{"value": v}, nil
		},
	}
}

// Output writes one value into the flow-level output.
func Output() *flow.Component {
	return &flow.Component{
		Description: "Writes a value to the flow output",
		Trusted:     true,
		Input: flow.Schema{
			"name":  {Type: flow.TypeString, Required: true},
			"value": {},
		},
		Process: func(_ context.Context, pc *flow.ProcessContext) (map[string]any, error) {
			pc.Thread.SetOutput(pc.Data["name"].(string), pc.Data["value"])
			return map[string]any{}, nil
		},
	}
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Template renders {{key}} placeholders from the other inputs. It is not
// trusted and declares no input schema, so every input key is available.
func Template() *flow.Component {
	return &flow.Component{
		Description: "Renders {{placeholders}} in a template string",
		Output:      flow.Schema{"text": {Type: flow.TypeString}},
		Process: func(_ context.Context, pc *flow.ProcessContext) (map[string]any, error) {
			tmpl, ok := pc.Data["template"].(string)
			if !ok {
				return nil, fmt.Errorf("template: input %q must be a string", "template")
			}
			return map[string]any{"text": Render(tmpl, pc.Data)}, nil
		},
	}
}

// Render replaces {{key}} and {{key.path}} with values from data. Missing
// keys render as the empty string.
func Render(tmpl string, data map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		var v any = data
		for _, seg := range strings.Split(key, ".") {
			obj, ok := v.(map[string]any)
			if !ok {
				return ""
			}
			v = obj[seg]
		}
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// Script evaluates the expression in its "script" input inside the sandbox.
// The other inputs are visible to it as data.
func Script() *flow.Component {
	return &flow.Component{
		Description: "Evaluates a sandboxed expression over its inputs",
		ScriptInput: "script",
	}
}

// Ask sends a question to whoever drives the thread and waits for the answer.
func Ask() *flow.Component {
	return &flow.Component{
		Description: "Asks the user a question and waits for the answer",
		Trusted:     true,
		Input: flow.Schema{
			"question": {Type: flow.TypeString, Required: true},
			"timeout":  {Type: flow.TypeNumber, Description: "milliseconds"},
		},
		Output: flow.Schema{"answer": {}},
		Process: func(ctx context.Context, pc *flow.ProcessContext) (map[string]any, error) {
			opts := flow.RequestOptions{Data: map[string]any{"question": pc.Data["question"]}}
			if ms, ok := toFloat(pc.Data["timeout"]); ok && ms > 0 {
				opts.Timeout = time.Duration(ms * float64(time.Millisecond))
			}
			answer, err := pc.Thread.Request(ctx, pc.NodeID, opts)
			if err != nil {
				return nil, err
			}
			return map[string]any{"answer": answer}, nil
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
