// Package result decodes the engine's evaluation payload into a
// schema-neutral tree. Mapping that tree onto host types is left to
// implementations of Unmarshaler.
package result

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Tags of the engine's binary value encoding.
const (
	TagObject    int64 = 0x01
	TagMap       int64 = 0x02
	TagMapping   int64 = 0x03
	TagList      int64 = 0x04
	TagListing   int64 = 0x05
	TagSet       int64 = 0x06
	TagDuration  int64 = 0x07
	TagDataSize  int64 = 0x08
	TagPair      int64 = 0x09
	TagIntSeq    int64 = 0x0a
	TagRegex     int64 = 0x0b
	TagClass     int64 = 0x0c
	TagTypeAlias int64 = 0x0d
	TagFunction  int64 = 0x0e
	TagBytes     int64 = 0x0f

	SlotProperty int64 = 0x10
	SlotEntry    int64 = 0x11
	SlotElement  int64 = 0x12
)

const maxDepth = 512

var (
	ErrMalformed = errors.New("result: malformed payload")
	ErrTooDeep   = errors.New("result: nesting too deep")
	ErrNotObject = errors.New("result: value is not an object")
)

// Object is one instance: a version tag, its qualified type name, the URI
// of the module that defined it, and its members in declaration order.
type Object struct {
	Version   int64
	TypeName  string
	ModuleURI string
	Members   []Member
}

// Member is one slot of an object. Slot is passed through untouched. Name is
// set when the key is a string.
type Member struct {
	Slot  int64
	Name  string
	Key   any
	Value any
}

// Sequence holds List, Listing and Set values. Tag tells them apart.
type Sequence struct {
	Tag      int64
	Elements []any
}

// Mapping holds Map and Mapping values in wire order.
type Mapping struct {
	Tag     int64
	Entries []Entry
}

type Entry struct {
	Key   any
	Value any
}

type Duration struct {
	Value float64
	Unit  string
}

type DataSize struct {
	Value float64
	Unit  string
}

type Pair struct {
	First  any
	Second any
}

type IntSeq struct {
	Start int64
	End   int64
	Step  int64
}

type Regex struct {
	Pattern string
}

// TypeRef is a Class or TypeAlias value. Older engines send no name.
type TypeRef struct {
	Tag       int64
	Name      string
	ModuleURI string
}

// Tagged preserves a tagged array with an unrecognised tag or shape.
type Tagged struct {
	Tag      int64
	Elements []any
}

// Field returns the value of the last member named name. Later declarations
// override earlier ones along an inheritance chain.
func (o *Object) Field(name string) (any, bool) {
	for i := len(o.Members) - 1; i >= 0; i-- {
		if o.Members[i].Name == name && o.Members[i].Slot == SlotProperty {
			return o.Members[i].Value, true
		}
	}
	return nil, false
}

// Properties returns the effective property values keyed by name.
func (o *Object) Properties() map[string]any {
	out := make(map[string]any)
	for _, m := range o.Members {
		if m.Slot == SlotProperty {
			out[m.Name] = m.Value
		}
	}
	return out
}

// Elements returns the values of element members in order.
func (o *Object) Elements() []any {
	var out []any
	for _, m := range o.Members {
		if m.Slot == SlotElement {
			out = append(out, m.Value)
		}
	}
	return out
}

// Entries returns the entry members in order.
func (o *Object) Entries() []Entry {
	var out []Entry
	for _, m := range o.Members {
		if m.Slot == SlotEntry {
			out = append(out, Entry{Key: m.Key, Value: m.Value})
		}
	}
	return out
}

// Decode parses one result payload.
func Decode(data []byte) (any, error) {
	d := decoder{dec: msgpack.NewDecoder(bytes.NewReader(data))}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeObject parses a payload that must be an object.
func DecodeObject(data []byte) (*Object, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	o, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotObject, v)
	}
	return o, nil
}

type decoder struct {
	dec *msgpack.Decoder
}

func (d *decoder) value(depth int) (any, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	c, err := d.dec.PeekCode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case isArray(c):
		return d.array(depth)
	case isMap(c):
		return d.mapEntries(depth)
	}
	if isBin(c) {
		b, err := d.dec.DecodeBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return b, nil
	}
	v, err := d.dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u, ok := v.(uint64); ok && u <= math.MaxInt64 {
		return int64(u), nil
	}
	return v, nil
}

func (d *decoder) array(depth int) (any, error) {
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n <= 0 {
		return []any{}, nil
	}
	c, err := d.dec.PeekCode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !isInt(c) {
		return d.elements(n, depth)
	}
	tag, err := d.dec.DecodeInt64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rest := n - 1
	if rest == 1 {
		if v, ok, err := d.collection(tag, depth); err != nil || ok {
			return v, err
		}
	}
	elems := make([]any, 0, rest)
	for i := 0; i < rest; i++ {
		if rest == 3 && i == 2 {
			if obj, ok, err := d.tryObject(tag, elems, depth); err != nil || ok {
				return obj, err
			}
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	return classify(tag, elems), nil
}

// collection reads the payload of a List, Listing, Set, Map or Mapping by
// shape. The payload array is never itself treated as a tagged value.
func (d *decoder) collection(tag int64, depth int) (any, bool, error) {
	c, err := d.dec.PeekCode()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch tag {
	case TagList, TagListing, TagSet:
		if !isArray(c) {
			return nil, false, nil
		}
		n, err := d.dec.DecodeArrayLen()
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		items, err := d.elements(max(n, 0), depth+1)
		if err != nil {
			return nil, false, err
		}
		return &Sequence{Tag: tag, Elements: items}, true, nil
	case TagMap, TagMapping:
		if !isMap(c) {
			return nil, false, nil
		}
		entries, err := d.mapEntries(depth + 1)
		if err != nil {
			return nil, false, err
		}
		return &Mapping{Tag: tag, Entries: entries}, true, nil
	}
	return nil, false, nil
}

// tryObject recognises [tag, typeName, moduleUri, [members...]] once the
// two strings have been read and the next value is an array.
func (d *decoder) tryObject(tag int64, elems []any, depth int) (*Object, bool, error) {
	typeName, ok1 := elems[0].(string)
	moduleURI, ok2 := elems[1].(string)
	if !ok1 || !ok2 {
		return nil, false, nil
	}
	c, err := d.dec.PeekCode()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !isArray(c) {
		return nil, false, nil
	}
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj := &Object{Version: tag, TypeName: typeName, ModuleURI: moduleURI}
	if n > 0 {
		obj.Members = make([]Member, 0, n)
	}
	for i := 0; i < n; i++ {
		m, err := d.member(depth + 1)
		if err != nil {
			return nil, false, fmt.Errorf("%s member %d: %w", typeName, i, err)
		}
		obj.Members = append(obj.Members, m)
	}
	return obj, true, nil
}

func (d *decoder) member(depth int) (Member, error) {
	if depth > maxDepth {
		return Member{}, ErrTooDeep
	}
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return Member{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n != 3 {
		return Member{}, fmt.Errorf("%w: member has %d elements", ErrMalformed, n)
	}
	slot, err := d.dec.DecodeInt64()
	if err != nil {
		return Member{}, fmt.Errorf("%w: member slot: %v", ErrMalformed, err)
	}
	key, err := d.value(depth + 1)
	if err != nil {
		return Member{}, err
	}
	val, err := d.value(depth + 1)
	if err != nil {
		return Member{}, err
	}
	m := Member{Slot: slot, Key: key, Value: val}
	if s, ok := key.(string); ok {
		m.Name = s
	}
	return m, nil
}

func (d *decoder) elements(n, depth int) ([]any, error) {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) mapEntries(depth int) ([]Entry, error) {
	n, err := d.dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make([]Entry, 0, max(n, 0))
	for i := 0; i < n; i++ {
		k, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: k, Value: v})
	}
	return out, nil
}

func classify(tag int64, elems []any) any {
	switch tag {
	case TagMap, TagMapping:
		if len(elems) == 1 {
			if entries, ok := elems[0].([]Entry); ok {
				return &Mapping{Tag: tag, Entries: entries}
			}
		}
	case TagList, TagListing, TagSet:
		if len(elems) == 1 {
			if items, ok := elems[0].([]any); ok {
				return &Sequence{Tag: tag, Elements: items}
			}
		}
	case TagDuration, TagDataSize:
		if len(elems) == 2 {
			f, okF := toFloat(elems[0])
			unit, okU := elems[1].(string)
			if okF && okU {
				if tag == TagDuration {
					return Duration{Value: f, Unit: unit}
				}
				return DataSize{Value: f, Unit: unit}
			}
		}
	case TagPair:
		if len(elems) == 2 {
			return Pair{First: elems[0], Second: elems[1]}
		}
	case TagIntSeq:
		if len(elems) == 3 {
			s, ok1 := elems[0].(int64)
			e, ok2 := elems[1].(int64)
			st, ok3 := elems[2].(int64)
			if ok1 && ok2 && ok3 {
				return IntSeq{Start: s, End: e, Step: st}
			}
		}
	case TagRegex:
		if len(elems) == 1 {
			if p, ok := elems[0].(string); ok {
				return Regex{Pattern: p}
			}
		}
	case TagClass, TagTypeAlias:
		ref := TypeRef{Tag: tag}
		if len(elems) >= 1 {
			ref.Name, _ = elems[0].(string)
		}
		if len(elems) >= 2 {
			ref.ModuleURI, _ = elems[1].(string)
		}
		return ref
	case TagBytes:
		if len(elems) == 1 {
			if b, ok := elems[0].([]byte); ok {
				return b
			}
		}
	}
	return &Tagged{Tag: tag, Elements: elems}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func isInt(c byte) bool {
	return msgpcode.IsFixedNum(c) ||
		(c >= msgpcode.Uint8 && c <= msgpcode.Uint64) ||
		(c >= msgpcode.Int8 && c <= msgpcode.Int64)
}

func isBin(c byte) bool {
	return c == msgpcode.Bin8 || c == msgpcode.Bin16 || c == msgpcode.Bin32
}

func isArray(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

func isMap(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}
