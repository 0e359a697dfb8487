package bricks

import (
	"context"
	"fmt"

	"github.com/wehubfusion/brickrunner/pkg/brick"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TextCase changes the case of a string payload, or of the string fields
// of an object payload.
type TextCase struct {
	base
	mode   string
	fields []string
}

// NewTextCase reads the mode ("upper", "lower" or "title") and the optional
// fields parameters.
func NewTextCase(params map[string]any) (brick.Transform, error) {
	mode, err := stringParam(params, "mode", "upper")
	if err != nil {
		return nil, err
	}
	switch mode {
	case "upper", "lower", "title":
	default:
		return nil, fmt.Errorf("unknown text case mode %q", mode)
	}

	t := &TextCase{mode: mode}
	if raw, ok := params["fields"].([]any); ok {
		for _, f := range raw {
			name, ok := f.(string)
			if !ok {
				return nil, fmt.Errorf("fields must be strings, got %T", f)
			}
			t.fields = append(t.fields, name)
		}
	}
	return t, nil
}

// caser returns a fresh caser; casers keep state and are not shared.
func (t *TextCase) caser() cases.Caser {
	switch t.mode {
	case "lower":
		return cases.Lower(language.Und)
	case "title":
		return cases.Title(language.Und)
	default:
		return cases.Upper(language.Und)
	}
}

func (t *TextCase) Process(_ context.Context, inv *brick.Invocation) (*brick.Result, error) {
	c := t.caser()
	switch payload := inv.Payload.(type) {
	case string:
		return brick.Value(c.String(payload)), nil
	case map[string]any:
		out := make(map[string]any, len(payload))
		for k, v := range payload {
			out[k] = v
		}
		if len(t.fields) == 0 {
			for k, v := range out {
				if s, ok := v.(string); ok {
					out[k] = c.String(s)
				}
			}
		} else {
			for _, k := range t.fields {
				if s, ok := out[k].(string); ok {
					out[k] = c.String(s)
				}
			}
		}
		return brick.Value(out), nil
	default:
		return nil, fmt.Errorf("text case expects a string or object payload, got %T", inv.Payload)
	}
}
