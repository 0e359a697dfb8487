package bricks

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/wehubfusion/brickrunner/pkg/brick"
)

// Filter routes a payload by comparing one of its fields. Matching payloads
// go to the matched port, the rest to the unmatched port or nowhere.
type Filter struct {
	base
	field           string
	operator        string
	expected        any
	caseInsensitive bool
	matchedPort     string
	unmatchedPort   string
	pattern         *regexp.Regexp
}

var filterOperators = map[string]bool{
	"equals": true, "not_equals": true,
	"greater_than": true, "less_than": true,
	"greater_than_or_equal": true, "less_than_or_equal": true,
	"contains": true, "not_contains": true,
	"starts_with": true, "ends_with": true,
	"regex": true, "in": true, "not_in": true,
	"is_empty": true, "is_not_empty": true,
}

// NewFilter reads field (a gjson path, empty for the whole payload),
// operator, value, case_insensitive, matched_port and unmatched_port.
func NewFilter(params map[string]any) (brick.Transform, error) {
	f := &Filter{expected: params["value"]}
	var err error
	if f.field, err = stringParam(params, "field", ""); err != nil {
		return nil, err
	}
	if f.operator, err = stringParam(params, "operator", "equals"); err != nil {
		return nil, err
	}
	if !filterOperators[f.operator] {
		return nil, fmt.Errorf("unsupported operator %q", f.operator)
	}
	if f.matchedPort, err = stringParam(params, "matched_port", ""); err != nil {
		return nil, err
	}
	if f.unmatchedPort, err = stringParam(params, "unmatched_port", ""); err != nil {
		return nil, err
	}
	if ci, ok := params["case_insensitive"].(bool); ok {
		f.caseInsensitive = ci
	}
	if f.operator == "regex" {
		expr := toString(f.expected)
		if f.caseInsensitive {
			expr = "(?i)" + expr
		}
		if f.pattern, err = regexp.Compile(expr); err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", toString(f.expected), err)
		}
	}
	return f, nil
}

func (f *Filter) Process(_ context.Context, inv *brick.Invocation) (*brick.Result, error) {
	actual, err := f.lookup(inv.Payload)
	if err != nil {
		return nil, err
	}
	ok, err := f.compare(actual)
	if err != nil {
		return nil, err
	}
	if ok {
		return brick.ValueOn(inv.Payload, f.matchedPort), nil
	}
	if f.unmatchedPort == "" {
		return nil, nil
	}
	return brick.ValueOn(inv.Payload, f.unmatchedPort), nil
}

func (f *Filter) lookup(payload any) (any, error) {
	if f.field == "" {
		return payload, nil
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
	}
	res := gjson.GetBytes(doc, f.field)
	if !res.Exists() {
		return nil, nil
	}
	return res.Value(), nil
}

func (f *Filter) compare(actual any) (bool, error) {
	switch f.operator {
	case "equals":
		return f.equal(actual, f.expected), nil
	case "not_equals":
		return !f.equal(actual, f.expected), nil
	case "greater_than", "less_than", "greater_than_or_equal", "less_than_or_equal":
		a, err := toFloat(actual)
		if err != nil {
			return false, fmt.Errorf("%s: actual value: %w", f.operator, err)
		}
		e, err := toFloat(f.expected)
		if err != nil {
			return false, fmt.Errorf("%s: expected value: %w", f.operator, err)
		}
		switch f.operator {
		case "greater_than":
			return a > e, nil
		case "less_than":
			return a < e, nil
		case "greater_than_or_equal":
			return a >= e, nil
		default:
			return a <= e, nil
		}
	case "contains":
		return strings.Contains(f.fold(actual), f.fold(f.expected)), nil
	case "not_contains":
		return !strings.Contains(f.fold(actual), f.fold(f.expected)), nil
	case "starts_with":
		return strings.HasPrefix(f.fold(actual), f.fold(f.expected)), nil
	case "ends_with":
		return strings.HasSuffix(f.fold(actual), f.fold(f.expected)), nil
	case "regex":
		return f.pattern.MatchString(toString(actual)), nil
	case "in", "not_in":
		list, ok := f.expected.([]any)
		if !ok {
			return false, fmt.Errorf("%s expects a list value, got %T", f.operator, f.expected)
		}
		found := false
		for _, item := range list {
			if f.equal(actual, item) {
				found = true
				break
			}
		}
		return found == (f.operator == "in"), nil
	case "is_empty":
		return isEmpty(actual), nil
	default:
		return !isEmpty(actual), nil
	}
}

func (f *Filter) fold(v any) string {
	s := toString(v)
	if f.caseInsensitive {
		return strings.ToLower(s)
	}
	return s
}

// equal compares numbers numerically and everything else by string form.
func (f *Filter) equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, err := toFloat(a); err == nil {
		if bf, err := toFloat(b); err == nil {
			return af == bf
		}
	}
	if f.caseInsensitive {
		return strings.EqualFold(toString(a), toString(b))
	}
	return toString(a) == toString(b)
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}
