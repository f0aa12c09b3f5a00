package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlmd/pkg/types"
)

func TestExtractJSONObject(t *testing.T) {
	cases := map[string]string{
		"fenced":        "Here:\n```json\n{\"a\": 1}\n```\nthanks",
		"plain fence":   "```\n{\"a\": 1}\n```",
		"bare":          "The answer is {\"a\": 1} ok",
		"fence prefix":  "```json\nresult: {\"a\": 1}\n```",
	}
	for name, in := range cases {
		obj, ok := ExtractJSONObject(in)
		require.True(t, ok, name)
		assert.Equal(t, float64(1), obj["a"], name)
	}
	_, ok := ExtractJSONObject("no json here")
	assert.False(t, ok)
}

func TestExtractJSONArray(t *testing.T) {
	arr, ok := ExtractJSONArray("```json\n[{\"text\":\"a\"},{\"text\":\"b\"}]\n```")
	require.True(t, ok)
	assert.Len(t, arr, 2)
	_, ok = ExtractJSONArray("{\"a\":1}")
	assert.False(t, ok)
}

func TestParseBox(t *testing.T) {
	want := types.Box{10, 20, 30, 40}
	inputs := []string{
		`{"x1": 10, "y1": 20, "x2": 30, "y2": 40}`,
		`[10, 20, 30, 40]`,
		`(10, 20, 30, 40)`,
		`(10,20),(30,40)`,
		`10,20,30,40`,
		`box at [10.2, 19.8, 30, 40] please`,
	}
	for _, in := range inputs {
		b, ok := ParseBox(in)
		require.True(t, ok, in)
		assert.Equal(t, want, b, in)
	}
	_, ok := ParseBox("10,20,30")
	assert.False(t, ok)
}

func TestExtractKeyValues(t *testing.T) {
	kv := ExtractKeyValues("Name: Jane Doe\nInvoice = 42\n\"City\": \"Oslo\"\nName: other")
	assert.Equal(t, "Jane Doe", kv["Name"])
	assert.Equal(t, "42", kv["Invoice"])
	assert.Equal(t, "Oslo", kv["City"])

	kv = ExtractKeyValues("```json\n{\"total\": 12.5, \"paid\": true}\n```")
	assert.Equal(t, map[string]string{"total": "12.5", "paid": "true"}, kv)
}
