package override

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		token    string
		path     []string
		values   []string
		addition bool
	}{
		{token: "task.duration=2.0", path: []string{"task", "duration"}, values: []string{"2.0"}},
		{token: "model=PyanNet", path: []string{"model"}, values: []string{"PyanNet"}},
		{token: "+model.lstm.num_layers=2,3,4", path: []string{"model", "lstm", "num_layers"}, values: []string{"2", "3", "4"}, addition: true},
		{token: "trainer.gpus=[0,1]", path: []string{"trainer", "gpus"}, values: []string{"[0,1]"}},
		{token: "a=[0,1],[2,3]", path: []string{"a"}, values: []string{"[0,1]", "[2,3]"}},
		{token: `name='a,b'`, path: []string{"name"}, values: []string{"a,b"}},
		{token: `name=a\,b`, path: []string{"name"}, values: []string{"a,b"}},
		{token: `expr=a=b`, path: []string{"expr"}, values: []string{"a=b"}},
		{token: `k\=x=1`, path: []string{"k=x"}, values: []string{"1"}},
	}

	for _, tc := range testCases {
		t.Run(tc.token, func(t *testing.T) {
			o, err := Parse(tc.token)
			require.NoError(t, err)
			assert.Equal(t, tc.path, o.Path)
			assert.Equal(t, tc.addition, o.Addition)
			assert.Equal(t, tc.token, o.Raw)

			got := make([]string, len(o.Values))
			for i, v := range o.Values {
				got[i] = v.String()
			}
			assert.Equal(t, tc.values, got)
			assert.Equal(t, len(tc.values) > 1, o.IsSweep())
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	testCases := []struct {
		token  string
		reason string
	}{
		{"task.duration", "missing '='"},
		{"=2.0", "empty key path"},
		{"+=2.0", "empty key path"},
		{"task..duration=2.0", "empty segment"},
		{"task.duration=", "empty value list"},
		{"a=1,,2", "empty value in sweep"},
		{"a=1,2,1", "duplicate sweep value '1'"},
		{"a='open", "unterminated quote"},
		{"a=[1,2", "unbalanced '['"},
		{"a=1]", "unbalanced ']'"},
	}

	for _, tc := range testCases {
		t.Run(tc.token, func(t *testing.T) {
			_, err := Parse(tc.token)
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
			assert.Contains(t, err.Error(), tc.reason)
			assert.Contains(t, err.Error(), tc.token)
		})
	}
}

func TestParseAll_StopsAtFirstMalformed(t *testing.T) {
	_, err := ParseAll([]string{"a=1", "b", "c"})
	require.Error(t, err)
	assert.Equal(t, "b", err.(*MalformedOverrideError).Token)

	ovs, err := ParseAll([]string{"a=1", "+b.c=x,y"})
	require.NoError(t, err)
	require.Len(t, ovs, 2)
	assert.Equal(t, "b.c", ovs[1].Key())
}

func TestPin(t *testing.T) {
	o, err := Parse("+a.b=1,2")
	require.NoError(t, err)

	pinned := o.Pin(o.Values[1])
	assert.False(t, pinned.IsSweep())
	assert.True(t, pinned.Addition)
	assert.Equal(t, "2", pinned.Values[0].String())
	assert.Len(t, o.Values, 2)

	pinned.Path[0] = "z"
	assert.Equal(t, "a", o.Path[0])
}

func TestCoerce(t *testing.T) {
	parse := func(s string) Value {
		t.Helper()
		o, err := Parse("k=" + s)
		require.NoError(t, err)
		return o.Values[0]
	}

	testCases := []struct {
		name     string
		raw      string
		declared any
		expected any
	}{
		{"float declared, int literal", "2", 3.0, 2.0},
		{"float declared", "2.5", 3.0, 2.5},
		{"int declared", "4", int64(2), int64(4)},
		{"int declared, float literal falls back", "4.5", int64(2), 4.5},
		{"bool declared", "False", true, false},
		{"string declared keeps digits", "10", "x", "10"},
		{"string declared null", "null", "x", nil},
		{"quoted is always a string", `"true"`, true, "true"},
		{"inferred int", "3", nil, int64(3)},
		{"inferred float", "1e-3", nil, 0.001},
		{"inferred bool", "true", nil, true},
		{"inferred null", "~", nil, nil},
		{"inferred string", "PyanNet", nil, "PyanNet"},
		{"list uses element type", "[1,2]", []any{0.5}, []any{1.0, 2.0}},
		{"list inferred", "[1,x]", nil, []any{int64(1), "x"}},
		{"empty list", "[]", nil, []any{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Coerce(parse(tc.raw), tc.declared))
		})
	}
}

func TestInfer_Infinity(t *testing.T) {
	assert.True(t, math.IsInf(Infer("inf").(float64), 1))
	assert.True(t, math.IsInf(Infer("-.inf").(float64), -1))
	assert.Equal(t, "infinite", Infer("infinite"))
}
