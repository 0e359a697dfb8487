package bricks

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/wehubfusion/brickrunner/pkg/brick"
)

var namedLayouts = map[string]string{
	"ANSIC":       time.ANSIC,
	"UnixDate":    time.UnixDate,
	"RubyDate":    time.RubyDate,
	"RFC822":      time.RFC822,
	"RFC822Z":     time.RFC822Z,
	"RFC850":      time.RFC850,
	"RFC1123":     time.RFC1123,
	"RFC1123Z":    time.RFC1123Z,
	"RFC3339":     time.RFC3339,
	"RFC3339Nano": time.RFC3339Nano,
	"Kitchen":     time.Kitchen,
	"DateTime":    time.DateTime,
	"DateOnly":    time.DateOnly,
	"TimeOnly":    time.TimeOnly,
}

// layout resolves a named format or returns the value as a Go layout.
func layout(name string) string {
	if l, ok := namedLayouts[name]; ok {
		return l
	}
	return name
}

// DateFormat reformats a date string, optionally moving it between time
// zones. Object payloads are handled field-wise.
type DateFormat struct {
	base
	field     string
	target    string
	inLayout  string
	outLayout string
	inLoc     *time.Location
	outLoc    *time.Location
}

// NewDateFormat reads field, target, in_format, out_format, in_timezone and
// out_timezone. Formats are Go layouts or names such as "RFC3339".
func NewDateFormat(params map[string]any) (brick.Transform, error) {
	d := &DateFormat{}
	var err error
	if d.field, err = stringParam(params, "field", "date"); err != nil {
		return nil, err
	}
	if d.target, err = stringParam(params, "target", d.field); err != nil {
		return nil, err
	}
	in, err := stringParam(params, "in_format", "RFC3339")
	if err != nil {
		return nil, err
	}
	out, err := stringParam(params, "out_format", "DateTime")
	if err != nil {
		return nil, err
	}
	d.inLayout, d.outLayout = layout(in), layout(out)

	for _, tz := range []struct {
		param string
		loc   **time.Location
	}{{"in_timezone", &d.inLoc}, {"out_timezone", &d.outLoc}} {
		name, err := stringParam(params, tz.param, "")
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", tz.param, name, err)
		}
		*tz.loc = loc
	}
	return d, nil
}

func (d *DateFormat) format(s string) (string, error) {
	s = strings.TrimSpace(s)
	if d.inLayout == time.DateTime && len(s) == len(time.DateOnly) {
		s += " 00:00:00"
	}

	var t time.Time
	var err error
	if d.inLoc != nil {
		t, err = time.ParseInLocation(d.inLayout, s, d.inLoc)
	} else {
		t, err = time.Parse(d.inLayout, s)
	}
	if err != nil {
		return "", fmt.Errorf("cannot parse %q with layout %q: %w", s, d.inLayout, err)
	}
	if d.outLoc != nil {
		t = t.In(d.outLoc)
	}
	return t.Format(d.outLayout), nil
}

func (d *DateFormat) Process(_ context.Context, inv *brick.Invocation) (*brick.Result, error) {
	switch payload := inv.Payload.(type) {
	case string:
		out, err := d.format(payload)
		if err != nil {
			return nil, err
		}
		return brick.Value(out), nil
	case map[string]any:
		out := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			out[k] = v
		}
		raw, ok := payload[d.field]
		if !ok || raw == nil {
			out[d.target] = nil
			return brick.Value(out), nil
		}
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("field %s must be a string, got %T", d.field, raw)
		}
		if strings.TrimSpace(s) == "" {
			out[d.target] = nil
			return brick.Value(out), nil
		}
		formatted, err := d.format(s)
		if err != nil {
			return nil, err
		}
		out[d.target] = formatted
		return brick.Value(out), nil
	default:
		return nil, fmt.Errorf("date format expects a string or object payload, got %T", inv.Payload)
	}
}
