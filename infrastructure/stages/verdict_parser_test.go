package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-concord/internal/domain"
)

func parserCandidates() []domain.CandidateAnswer {
	return []domain.CandidateAnswer{
		{Backend: "gpt", Success: true, Text: "Workers get 12 days of leave after 12 months. Article 79 applies."},
		{Backend: "claude", Success: true, Text: "Twelve days of annual leave follow one year of service."},
	}
}

func TestParseVerdict_Valid(t *testing.T) {
	reply := `Here is my evaluation:
` + "```json" + `
{"evaluations": {"gpt": {"score": 8, "rationale": "precise"}, "claude": {"score": 6.5, "rationale": "vague"}},
 "winner": "gpt", "extracted_text": "Workers get 12 days of leave after 12 months.", "score": 8, "rationale": "cites the rule"}
` + "```"

	result := ParseVerdict(reply, "judge-1", domain.ComponentDirectAnswer, parserCandidates())
	require.True(t, result.OK(), "unexpected failure: %v", result.Failure)

	v := result.Verdict
	assert.Equal(t, "judge-1", v.Judge)
	assert.Equal(t, domain.ComponentDirectAnswer, v.Component)
	assert.Equal(t, "gpt", v.Winner)
	assert.Equal(t, "Workers get 12 days of leave after 12 months.", v.ExtractedText)
	assert.Equal(t, 8.0, v.Score)
	assert.False(t, v.Synthetic)
	assert.Equal(t, domain.BackendEvaluation{Score: 6.5, Rationale: "vague"}, v.Evaluations["claude"])
}

func TestParseVerdict_WinnerMatchingIsCaseInsensitive(t *testing.T) {
	reply := `{"evaluations": {"GPT": {"score": 7, "rationale": ""}, "unknown": {"score": 3, "rationale": ""}}, "winner": " GPT ", "extracted_text": "", "score": 7, "rationale": "only one"}`

	result := ParseVerdict(reply, "j", domain.ComponentEdgeCases, parserCandidates())
	require.True(t, result.OK())
	assert.Equal(t, "gpt", result.Verdict.Winner)
	assert.Empty(t, result.Verdict.ExtractedText)
	assert.Contains(t, result.Verdict.Evaluations, "gpt")
	assert.NotContains(t, result.Verdict.Evaluations, "unknown")
}

func TestParseVerdict_Failures(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		reason string
	}{
		{
			name:   "no json",
			reply:  "I think gpt is best.",
			reason: "no JSON object",
		},
		{
			name:   "broken json",
			reply:  `{"winner": "gpt", "score": }`,
			reason: "invalid JSON",
		},
		{
			name:   "missing winner",
			reply:  `{"evaluations": {"gpt": {"score": 5}}, "extracted_text": "", "score": 5}`,
			reason: "Winner",
		},
		{
			name:   "missing extracted text",
			reply:  `{"evaluations": {"gpt": {"score": 5}}, "winner": "gpt", "score": 5}`,
			reason: "ExtractedText",
		},
		{
			name:   "score out of range",
			reply:  `{"evaluations": {"gpt": {"score": 5}}, "winner": "gpt", "extracted_text": "", "score": 11}`,
			reason: "Score",
		},
		{
			name:   "evaluation score out of range",
			reply:  `{"evaluations": {"gpt": {"score": -1}}, "winner": "gpt", "extracted_text": "", "score": 5}`,
			reason: "Score",
		},
		{
			name:   "empty evaluations",
			reply:  `{"evaluations": {}, "winner": "gpt", "extracted_text": "", "score": 5}`,
			reason: "Evaluations",
		},
		{
			name:   "unknown winner",
			reply:  `{"evaluations": {"gpt": {"score": 5}}, "winner": "llama", "extracted_text": "", "score": 5}`,
			reason: `winner "llama"`,
		},
		{
			name:   "paraphrased extraction",
			reply:  `{"evaluations": {"gpt": {"score": 9}}, "winner": "gpt", "extracted_text": "Employees receive twelve days.", "score": 9}`,
			reason: "extracted text not found verbatim",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseVerdict(tt.reply, "j", domain.ComponentDirectAnswer, parserCandidates())
			require.False(t, result.OK())
			assert.Contains(t, result.Failure.Reason, tt.reason)
			assert.ErrorIs(t, result.Failure, domain.ErrParseFailure)
		})
	}
}

func TestParseVerdict_ZeroScoreIsValid(t *testing.T) {
	reply := `{"evaluations": {"gpt": {"score": 0, "rationale": "absent"}}, "winner": "gpt", "extracted_text": "", "score": 0, "rationale": "none"}`
	result := ParseVerdict(reply, "j", domain.ComponentNumericExamples, parserCandidates())
	require.True(t, result.OK(), "%v", result.Failure)
	assert.Zero(t, result.Verdict.Score)
}

func TestSyntheticVerdict(t *testing.T) {
	v := SyntheticVerdict("j", domain.ComponentCitations, "gpt", domain.ErrorKindParseFailure, "no JSON object found")
	assert.True(t, v.Synthetic)
	assert.Equal(t, "gpt", v.Winner)
	assert.Equal(t, 5.0, v.Score)
	assert.Empty(t, v.ExtractedText)
	assert.Equal(t, "synthetic verdict: judge reply could not be parsed: no JSON object found", v.Rationale)
	assert.Equal(t, domain.ErrorKindParseFailure, v.FailureKind)

	v = SyntheticVerdict("j", domain.ComponentCitations, "gpt", domain.ErrorKindBackendTimeout, "deadline")
	assert.Equal(t, "synthetic verdict: judge call failed: deadline", v.Rationale)
	assert.Equal(t, domain.ErrorKindBackendTimeout, v.FailureKind)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "text\n```json\n{\"a\": 1}\n```\nmore", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence without object", "```\nnot json\n``` then {\"b\": 2}", `{"b": 2}`},
		{"surrounding prose", `Sure! {"a": {"b": 2}} Hope that helps.`, `{"a": {"b": 2}}`},
		{"braces in strings", `{"text": "a } brace", "n": 1}`, `{"text": "a } brace", "n": 1}`},
		{"escaped quote", `{"text": "say \"}\" now"}`, `{"text": "say \"}\" now"}`},
		{"unterminated", `{"a": 1`, ""},
		{"nothing", "no braces here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.response))
		})
	}
}
