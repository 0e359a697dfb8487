// Package mapping reshapes packets for a downstream brick instance: buffer
// update rules copy values into the packet buffer, field mapping rules build
// the payload shape the downstream instance expects.
package mapping

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"go.uber.org/zap"
)

// Rule maps one value of the packet onto a path of the new payload.
//
// Source is a slash path rooted at "payload" or "buffer", e.g.
// "/payload/user/name" or "/buffer/total". Target is a slash path in the
// new payload; "" or "/" merges an object value at the root.
type Rule struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	Required bool   `yaml:"required" json:"required"`
}

// BufferRule copies a value of the packet into its buffer under Key.
// With Append the buffer entry is a list and the value is appended.
type BufferRule struct {
	Source string `yaml:"source" json:"source"`
	Key    string `yaml:"key" json:"key"`
	Append bool   `yaml:"append" json:"append"`
}

// Mapper applies buffer rules, then field mapping rules.
type Mapper struct {
	rules       []Rule
	bufferRules []BufferRule
	logger      *zap.Logger
}

// NewMapper creates a mapper. A mapper without rules leaves packets as-is.
func NewMapper(rules []Rule, bufferRules []BufferRule, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{rules: rules, bufferRules: bufferRules, logger: logger}
}

// Empty reports whether the mapper has no rules at all.
func (m *Mapper) Empty() bool {
	return m == nil || (len(m.rules) == 0 && len(m.bufferRules) == 0)
}

// Apply updates the packet in place. On error the packet must be dropped;
// it may have been partially updated.
func (m *Mapper) Apply(p *packet.Packet) error {
	if m.Empty() {
		return nil
	}

	doc, err := json.Marshal(map[string]any{"payload": p.Payload, "buffer": p.Buffer})
	if err != nil {
		return fmt.Errorf("failed to encode packet for mapping: %w", err)
	}

	for _, rule := range m.bufferRules {
		if rule.Key == "" {
			return fmt.Errorf("buffer rule for %q has no key", rule.Source)
		}
		value, ok := lookup(doc, rule.Source)
		if !ok {
			m.logger.Debug("Buffer rule source not found",
				zap.String("source", rule.Source),
				zap.String("packetId", p.ID))
			continue
		}
		if p.Buffer == nil {
			p.Buffer = make(map[string]any)
		}
		if rule.Append {
			list, _ := p.Buffer[rule.Key].([]any)
			p.Buffer[rule.Key] = append(list, value)
		} else {
			p.Buffer[rule.Key] = value
		}
	}

	if len(m.rules) == 0 {
		return nil
	}

	// Buffer rules may feed field mappings.
	if len(m.bufferRules) > 0 {
		if doc, err = json.Marshal(map[string]any{"payload": p.Payload, "buffer": p.Buffer}); err != nil {
			return fmt.Errorf("failed to encode packet for mapping: %w", err)
		}
	}

	out := make(map[string]any)
	for _, rule := range m.rules {
		value, ok := lookup(doc, rule.Source)
		if !ok {
			if rule.Required {
				return fmt.Errorf("required source %q not found", rule.Source)
			}
			continue
		}
		if err := setFieldAtPath(out, rule.Target, value); err != nil {
			return err
		}
	}
	p.Payload = out
	return nil
}

// lookup resolves a slash path against the packet document. Each segment
// is matched literally, so keys may contain gjson syntax characters.
func lookup(doc []byte, path string) (any, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = escapeSegment(seg)
	}
	result := gjson.GetBytes(doc, strings.Join(segments, "."))
	if !result.Exists() {
		return nil, false
	}
	return valueOf(result), true
}

func escapeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		if r < utf8.RuneSelf && !isPlainKeyChar(byte(r)) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPlainKeyChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// valueOf converts a gjson result to a Go value. Integral numbers stay
// int64 (or uint64) instead of becoming float64.
func valueOf(result gjson.Result) any {
	switch result.Type {
	case gjson.Number:
		return number(json.Number(result.Raw))
	case gjson.JSON:
		dec := json.NewDecoder(strings.NewReader(result.Raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return result.Value()
		}
		return normalize(v)
	default:
		return result.Value()
	}
}

func number(n json.Number) any {
	raw := n.String()
	if !strings.ContainsAny(raw, ".eE") {
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return u
		}
	}
	f, _ := n.Float64()
	return f
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		return number(t)
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}

// setFieldAtPath sets a value in a map using a slash path, creating
// intermediate objects.
func setFieldAtPath(data map[string]any, path string, value any) error {
	path = strings.Trim(path, "/")
	if path == "" {
		valueMap, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot merge %T at payload root", value)
		}
		for k, v := range valueMap {
			data[k] = v
		}
		return nil
	}

	parts := strings.Split(path, "/")
	current := data
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == len(parts)-1 {
			current[part] = value
			return nil
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	return nil
}
