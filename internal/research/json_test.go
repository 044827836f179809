package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{
			name: "plain object",
			in:   `{"sufficient": true}`,
			want: `{"sufficient": true}`,
			ok:   true,
		},
		{
			name: "json code fence",
			in:   "Here you go:\n```json\n{\"tool_type\": \"web_search\"}\n```\nDone.",
			want: `{"tool_type": "web_search"}`,
			ok:   true,
		},
		{
			name: "bare code fence",
			in:   "```\n[1, 2, 3]\n```",
			want: `[1, 2, 3]`,
			ok:   true,
		},
		{
			name: "object embedded in prose",
			in:   `Sure! The plan is {"query": "transformer scaling laws"} as requested.`,
			want: `{"query": "transformer scaling laws"}`,
			ok:   true,
		},
		{
			name: "array embedded in prose",
			in:   `The subtopics are ["a", "b"] overall.`,
			want: `["a", "b"]`,
			ok:   true,
		},
		{
			name: "no json at all",
			in:   "I could not produce a plan.",
			ok:   false,
		},
		{
			name: "empty",
			in:   "   ",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var out SufficiencyResult
	err := decode("not even close", &out)
	assert.ErrorIs(t, err, ErrMalformedOutput)

	err = decode("```json\n{broken\n```", &out)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestDecodeAcceptsFencedContract(t *testing.T) {
	var out QueryPlan
	raw := "```json\n{\"tool_type\": \"paper_search\", \"query\": \"q\", \"new_topic\": {\"title\": \"t\", \"score\": 0.9}}\n```"
	require.NoError(t, decode(raw, &out))
	assert.Equal(t, "paper_search", out.ToolType)
	require.NotNil(t, out.NewTopic)
	assert.InDelta(t, 0.9, out.NewTopic.Score, 1e-9)
}
