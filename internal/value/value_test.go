package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsIndependentForArraysAndObjects(t *testing.T) {
	arr := Array([]Value{Int(1), Int(2)})
	cloned := arr.Clone()

	src := arr.Data.([]Value)
	dst := cloned.Data.([]Value)
	dst[0] = Int(99)

	i, ok := src[0].AsInt()
	require.True(t, ok)
	assert.Equal(t, int32(1), i, "mutating the clone must not affect the source")

	obj := Object(map[string]Value{"k": String("v")})
	clonedObj := obj.Clone()
	clonedObj.Data.(map[string]Value)["k"] = String("changed")
	s, ok := obj.Data.(map[string]Value)["k"].AsString()
	require.True(t, ok)
	assert.Equal(t, "v", s)
}

func TestCloneScalarIsTrivialCopy(t *testing.T) {
	v := Int(42)
	cloned := v.Clone()
	assert.Equal(t, v, cloned)
}

func TestAsBoolAsIntAsStringAsArrayDowncasts(t *testing.T) {
	b, ok := Bool(true).AsBool()
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = Int(1).AsBool()
	assert.False(t, ok)

	i, ok := Int(7).AsInt()
	assert.True(t, ok)
	assert.Equal(t, int32(7), i)

	_, ok = String("x").AsInt()
	assert.False(t, ok)

	s, ok := String("hi").AsString()
	assert.True(t, ok)
	assert.Equal(t, "hi", s)

	arr, ok := Array([]Value{Int(1)}).AsArray()
	assert.True(t, ok)
	assert.Len(t, arr, 1)

	_, ok = Unit().AsArray()
	assert.False(t, ok)
}

func TestMarshalUnmarshalBinaryRoundTrip(t *testing.T) {
	cases := []Value{
		Unit(),
		Bool(true),
		Bool(false),
		Int(-13),
		String("hello"),
		Array([]Value{Int(1), String("two"), Bool(true)}),
		Object(map[string]Value{"a": Int(1), "b": Array([]Value{String("nested")})}),
	}
	for _, v := range cases {
		data, err := v.MarshalBinary()
		require.NoError(t, err)

		var got Value
		require.NoError(t, got.UnmarshalBinary(data))
		assert.Equal(t, v.Tag, got.Tag)
		assert.Equal(t, v.Data, got.Data)
	}
}

func TestUnmarshalBinaryRejectsUnknownTag(t *testing.T) {
	var v Value
	err := v.UnmarshalBinary([]byte(`{"tag":"mystery"}`))
	assert.Error(t, err)
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "unit", TagUnit.String())
	assert.Equal(t, "bool", TagBool.String())
	assert.Equal(t, "int", TagInt.String())
	assert.Equal(t, "string", TagString.String())
	assert.Equal(t, "array", TagArray.String())
	assert.Equal(t, "object", TagObject.String())
	assert.Equal(t, "unknown", Tag(99).String())
}
