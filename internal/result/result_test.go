package result

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/pklctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDecodeObjectWithProperties(t *testing.T) {
	testlog.Start(t)
	data := marshal(t, []any{
		1, "Test", "file:///tmp/test.pkl",
		[]any{
			[]any{0x10, "foo", 1},
			[]any{0x10, "bar", 2},
		},
	})
	obj, err := DecodeObject(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1), obj.Version)
	assert.Equal(t, "Test", obj.TypeName)
	assert.Equal(t, "file:///tmp/test.pkl", obj.ModuleURI)
	require.Len(t, obj.Members, 2)
	assert.Equal(t, Member{Slot: 0x10, Name: "foo", Key: "foo", Value: int64(1)}, obj.Members[0])
	assert.Equal(t, Member{Slot: 0x10, Name: "bar", Key: "bar", Value: int64(2)}, obj.Members[1])

	v, ok := obj.Field("bar")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
	_, ok = obj.Field("baz")
	assert.False(t, ok)
}

func TestDecodeKeepsSlotTagsAndOverrides(t *testing.T) {
	testlog.Start(t)
	data := marshal(t, []any{
		1, "Child", "file:///child.pkl",
		[]any{
			[]any{0x10, "name", "base"},
			[]any{0x10, "name", "child"},
			[]any{0x11, 42, "answer"},
			[]any{0x12, 0, "first"},
			[]any{0x7f, "odd", true},
		},
	})
	obj, err := DecodeObject(data)
	require.NoError(t, err)
	require.Len(t, obj.Members, 5)
	assert.Equal(t, int64(0x7f), obj.Members[4].Slot)

	name, _ := obj.Field("name")
	assert.Equal(t, "child", name)
	assert.Equal(t, []Entry{{Key: int64(42), Value: "answer"}}, obj.Entries())
	assert.Equal(t, []any{"first"}, obj.Elements())
}

func TestDecodeNestedCollections(t *testing.T) {
	testlog.Start(t)
	data := marshal(t, []any{
		1, "Outer", "repl:text",
		[]any{
			[]any{0x10, "list", []any{0x4, []any{1, 2, 3}}},
			[]any{0x10, "map", []any{0x2, map[string]any{"k": "v"}}},
			[]any{0x10, "inner", []any{1, "Inner", "repl:text", []any{[]any{0x10, "x", 1.5}}}},
			[]any{0x10, "timeout", []any{0x7, 5, "min"}},
			[]any{0x10, "size", []any{0x8, 1.5, "gb"}},
			[]any{0x10, "pair", []any{0x9, "a", nil}},
			[]any{0x10, "seq", []any{0xa, 1, 10, 2}},
			[]any{0x10, "re", []any{0xb, "a+"}},
			[]any{0x10, "cls", []any{0xc}},
			[]any{0x10, "blob", []any{0xf, []byte{1, 2}}},
		},
	})
	obj, err := DecodeObject(data)
	require.NoError(t, err)
	p := obj.Properties()

	assert.Equal(t, &Sequence{Tag: TagList, Elements: []any{int64(1), int64(2), int64(3)}}, p["list"])
	assert.Equal(t, &Mapping{Tag: TagMap, Entries: []Entry{{Key: "k", Value: "v"}}}, p["map"])
	inner := p["inner"].(*Object)
	assert.Equal(t, "Inner", inner.TypeName)
	x, _ := inner.Field("x")
	assert.Equal(t, 1.5, x)
	assert.Equal(t, Duration{Value: 5, Unit: "min"}, p["timeout"])
	assert.Equal(t, DataSize{Value: 1.5, Unit: "gb"}, p["size"])
	assert.Equal(t, Pair{First: "a"}, p["pair"])
	assert.Equal(t, IntSeq{Start: 1, End: 10, Step: 2}, p["seq"])
	assert.Equal(t, Regex{Pattern: "a+"}, p["re"])
	assert.Equal(t, TypeRef{Tag: TagClass}, p["cls"])
	assert.Equal(t, []byte{1, 2}, p["blob"])

	d, ok := p["timeout"].(Duration).Go()
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)
}

func TestDecodePrimitivesAndUnknownTags(t *testing.T) {
	testlog.Start(t)
	v, err := Decode(marshal(t, "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = Decode(marshal(t, []any{0x30, "future", 1}))
	require.NoError(t, err)
	assert.Equal(t, &Tagged{Tag: 0x30, Elements: []any{"future", int64(1)}}, v)

	_, err = DecodeObject(marshal(t, 3))
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestDecodeMalformedMember(t *testing.T) {
	testlog.Start(t)
	data := marshal(t, []any{1, "Bad", "repl:text", []any{[]any{0x10, "only-two"}}})
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{0x94, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeDepthLimit(t *testing.T) {
	testlog.Start(t)
	var v any = "leaf"
	for i := 0; i < maxDepth+10; i++ {
		v = []any{v}
	}
	_, err := Decode(marshal(t, v))
	assert.True(t, errors.Is(err, ErrTooDeep))
}

type config struct {
	Host string
	Port int64
}

func (c *config) UnmarshalResult(v any) error {
	obj, ok := v.(*Object)
	if !ok {
		return &DecodeError{Reason: "expected object"}
	}
	host, _ := obj.Field("host")
	port, _ := obj.Field("port")
	var okH, okP bool
	c.Host, okH = host.(string)
	c.Port, okP = port.(int64)
	if !okH || !okP {
		return &DecodeError{Path: obj.TypeName, Reason: "host/port type mismatch"}
	}
	return nil
}

func TestUnmarshalDelegatesToProjection(t *testing.T) {
	testlog.Start(t)
	data := marshal(t, []any{1, "Server", "repl:text", []any{
		[]any{0x10, "host", "localhost"},
		[]any{0x10, "port", 8080},
	}})
	var c config
	require.NoError(t, Unmarshal(data, &c))
	assert.Equal(t, config{Host: "localhost", Port: 8080}, c)

	err := Unmarshal(marshal(t, "x"), &c)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestNativeIsJSONEncodable(t *testing.T) {
	testlog.Start(t)
	data := marshal(t, []any{1, "Test", "repl:text", []any{
		[]any{0x10, "foo", 1},
		[]any{0x10, "tags", []any{0x6, []any{"a", "b"}}},
		[]any{0x10, "limits", []any{0x3, map[string]any{"cpu": 2}}},
	}})
	v, err := Decode(data)
	require.NoError(t, err)
	out, err := json.Marshal(Native(v))
	require.NoError(t, err)
	assert.JSONEq(t, `{"foo":1,"tags":["a","b"],"limits":{"cpu":2}}`, string(out))
}

func TestDecodeIntCollectionsByShape(t *testing.T) {
	testlog.Start(t)
	data := marshal(t, []any{1, "Ports", "repl:text", []any{
		[]any{0x10, "ports", []any{0x4, []any{1, 2, 3}}},
		[]any{0x10, "ids", []any{0x6, []any{7}}},
		[]any{0x10, "nested", []any{0x5, []any{[]any{0x4, []any{8, 9}}}}},
		[]any{0x10, "empty", []any{0x4, []any{}}},
		[]any{0x10, "counts", []any{0x3, map[string]any{"a": 1}}},
		[]any{0x10, "raw", []any{0xf, []byte{0xde, 0xad}}},
	}})
	obj, err := DecodeObject(data)
	require.NoError(t, err)
	p := obj.Properties()

	assert.Equal(t, &Sequence{Tag: TagList, Elements: []any{int64(1), int64(2), int64(3)}}, p["ports"])
	assert.Equal(t, &Sequence{Tag: TagSet, Elements: []any{int64(7)}}, p["ids"])
	assert.Equal(t, &Sequence{Tag: TagListing, Elements: []any{
		&Sequence{Tag: TagList, Elements: []any{int64(8), int64(9)}},
	}}, p["nested"])
	assert.Equal(t, &Sequence{Tag: TagList, Elements: []any{}}, p["empty"])
	assert.Equal(t, []byte{0xde, 0xad}, p["raw"])

	out, err := json.Marshal(Native(obj))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ports":[1,2,3],"ids":[7],"nested":[[8,9]],"empty":[],"counts":{"a":1},"raw":"3q0="}`, string(out))
}
