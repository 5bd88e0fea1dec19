package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Confirmed  bool    `json:"confirmed"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func TestParseJSONResponse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  verdict
	}{
		{"plain", `{"confirmed":true,"confidence":0.9}`, verdict{Confirmed: true, Confidence: 0.9}},
		{"fenced", "```json\n{\"confirmed\":false,\"confidence\":0.2}\n```", verdict{Confidence: 0.2}},
		{"fence without tag", "```\n{\"confirmed\":true,\"confidence\":1}\n```", verdict{Confirmed: true, Confidence: 1}},
		{"chatty", `Sure! Here is the result: {"confirmed":true,"confidence":0.8,"reasoning":"a } inside"} Hope it helps.`,
			verdict{Confirmed: true, Confidence: 0.8, Reasoning: "a } inside"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseJSONResponse[verdict](tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestParseJSONResponseErrors(t *testing.T) {
	_, err := ParseJSONResponse[verdict]("I cannot help with that.")
	assert.Error(t, err)

	_, err = ParseJSONResponse[verdict](`{"confirmed": tru`)
	assert.Error(t, err)
}

func TestExtractJSONArray(t *testing.T) {
	assert.Equal(t, `[1,[2,3]]`, ExtractJSON(`numbers: [1,[2,3]] done`))
	assert.Equal(t, `{"a":"[x"}`, ExtractJSON(`{"a":"[x"} trailing`))
}

func TestParseJSONResponseNestedFindings(t *testing.T) {
	type finding struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	}
	type review struct {
		Issues []finding `json:"issues"`
	}

	reply := "Findings below.\n```json\n" +
		`{"issues":[{"type":"broken_layout","confidence":0.91,"extra":{"ignored":[1,2]}},{"type":"faint_text","confidence":0.4}],"model":"x"}` +
		"\n```"
	got, err := ParseJSONResponse[review](reply)
	require.NoError(t, err)
	assert.Equal(t, review{Issues: []finding{
		{Type: "broken_layout", Confidence: 0.91},
		{Type: "faint_text", Confidence: 0.4},
	}}, *got)

	_, err = ParseJSONResponse[review](`{"issues": "not a list"}`)
	assert.Error(t, err)
}
