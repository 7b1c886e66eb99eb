package result

import (
	"fmt"
	"time"
)

// Unmarshaler projects a decoded tree onto a host-defined shape.
type Unmarshaler interface {
	UnmarshalResult(v any) error
}

// DecodeError reports a tree that does not fit the requested shape.
type DecodeError struct {
	Path   string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return "result: " + e.Reason
	}
	return fmt.Sprintf("result: %s: %s", e.Path, e.Reason)
}

// Unmarshal decodes data and hands the tree to out.
func Unmarshal(data []byte, out Unmarshaler) error {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	return out.UnmarshalResult(v)
}

// Native converts a tree into plain Go values: objects become
// map[string]any of their properties (or []any when they only hold
// elements), sequences become []any, mappings become map[string]any with
// keys formatted by fmt. The output is suitable for JSON or YAML encoding.
func Native(v any) any {
	switch t := v.(type) {
	case *Object:
		props := t.Properties()
		elems := t.Elements()
		entries := t.Entries()
		if len(props) == 0 && len(entries) == 0 && len(elems) > 0 {
			return nativeSlice(elems)
		}
		out := make(map[string]any, len(props)+len(entries))
		for _, e := range entries {
			out[keyString(e.Key)] = Native(e.Value)
		}
		for k, p := range props {
			out[k] = Native(p)
		}
		return out
	case *Sequence:
		return nativeSlice(t.Elements)
	case *Mapping:
		out := make(map[string]any, len(t.Entries))
		for _, e := range t.Entries {
			out[keyString(e.Key)] = Native(e.Value)
		}
		return out
	case []Entry:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[keyString(e.Key)] = Native(e.Value)
		}
		return out
	case []any:
		return nativeSlice(t)
	case Duration:
		if d, ok := t.Go(); ok {
			return d.String()
		}
		return fmt.Sprintf("%g.%s", t.Value, t.Unit)
	case DataSize:
		return fmt.Sprintf("%g.%s", t.Value, t.Unit)
	case Pair:
		return []any{Native(t.First), Native(t.Second)}
	case IntSeq:
		return map[string]any{"start": t.Start, "end": t.End, "step": t.Step}
	case Regex:
		return t.Pattern
	case TypeRef:
		return t.Name
	case *Tagged:
		return nativeSlice(t.Elements)
	default:
		return v
	}
}

func nativeSlice(in []any) []any {
	out := make([]any, len(in))
	for i, e := range in {
		out[i] = Native(e)
	}
	return out
}

func keyString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(Native(k))
}

var durationUnits = map[string]time.Duration{
	"ns":  time.Nanosecond,
	"us":  time.Microsecond,
	"ms":  time.Millisecond,
	"s":   time.Second,
	"min": time.Minute,
	"h":   time.Hour,
	"d":   24 * time.Hour,
}

// Go converts d to a time.Duration when its unit is known.
func (d Duration) Go() (time.Duration, bool) {
	unit, ok := durationUnits[d.Unit]
	if !ok {
		return 0, false
	}
	return time.Duration(d.Value * float64(unit)), true
}
