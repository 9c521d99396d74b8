package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"int", Int(-100), "-100"},
		{"float", Float(4.5), "4.5"},
		{"integral float", Float(4), "4"},
		{"small float", Float(1.5e-7), "1.5e-7"},
		{"large float", Float(1e21), "1e+21"},
		{"zero float", Float(0), "0"},
		{"bool", Bool(false), "false"},
		{"null", Null{}, "null"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"nested", Object{"z": Array{Int(1)}, "a": Object{}}, `{"a":{},"z":[1]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`a"b`, `"a\"b"`},
		{`a\b`, `"a\\b"`},
		{"line\nbreak", `"line\nbreak"`},
		{"tab\there", `"tab\there"`},
		{"\x01", `"\u0001"`},
		{"<html>&", `"<html>&"`},
		{"sep\u2028", "\"sep\u2028\""},
	}

	for _, tt := range tests {
		result, err := MarshalCanonical(String(tt.input))
		require.NoError(t, err)
		assert.Equal(t, tt.expected, string(result))
	}
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9, in values and keys.
	result, err := MarshalCanonical(Object{"k\u0301": String("e\u0301")})
	require.NoError(t, err)
	assert.Equal(t, "{\"\u1e31\":\"\u00e9\"}", string(result))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(Object{"x": Float(posInf())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x")
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	build := func() Object {
		return Object{
			"structure": Object{"sites": Array{String("Si"), String("Si")}, "cell": Array{Float(3.78), Float(1.89)}},
			"kpoints":   Array{Int(4), Int(4), Int(4)},
			"ecut":      Int(30),
		}
	}

	first := MustMarshalCanonical(build())
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, MustMarshalCanonical(build()))
	}
}

func posInf() float64 {
	var zero float64
	return 1 / zero
}
