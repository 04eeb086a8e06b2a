package stages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-concord/internal/domain"
)

// SyntheticScore is the winner score given to verdicts that stand in for
// an unusable judge reply.
const SyntheticScore = 5.0

// judgeReply is the JSON object a judge must return for one component.
type judgeReply struct {
	Evaluations   map[string]replyEvaluation `json:"evaluations" validate:"required,min=1,dive"`
	Winner        string                     `json:"winner" validate:"required"`
	ExtractedText *string                    `json:"extracted_text" validate:"required"`
	Score         *float64                   `json:"score" validate:"required,min=0,max=10"`
	Rationale     string                     `json:"rationale"`
}

type replyEvaluation struct {
	Score     *float64 `json:"score" validate:"required,min=0,max=10"`
	Rationale string   `json:"rationale"`
}

var replyValidator = validator.New()

// ParseFailure explains why a judge reply was rejected.
type ParseFailure struct {
	Reason string
}

// Error implements the error interface.
func (f *ParseFailure) Error() string { return f.Reason }

// Is lets errors.Is(err, domain.ErrParseFailure) match.
func (f *ParseFailure) Is(target error) bool { return target == domain.ErrParseFailure }

// ParseResult is either a parsed verdict or the reason parsing failed.
// Exactly one of Verdict and Failure is meaningful: Failure is nil on
// success.
type ParseResult struct {
	Verdict domain.ComponentVerdict
	Failure *ParseFailure
}

// OK reports whether the reply parsed.
func (r ParseResult) OK() bool { return r.Failure == nil }

func parseFailed(format string, args ...any) ParseResult {
	return ParseResult{Failure: &ParseFailure{Reason: fmt.Sprintf(format, args...)}}
}

// ParseVerdict turns a judge's raw reply for one component into a verdict.
// candidates are the successful answers the judge saw. The winner must
// name one of them, and a non-empty extracted text must occur verbatim in
// the winner's answer.
func ParseVerdict(
	reply, judge string,
	component domain.Component,
	candidates []domain.CandidateAnswer,
) ParseResult {
	jsonStr := extractJSON(reply)
	if jsonStr == "" {
		return parseFailed("no JSON object found in reply (%d chars)", len(reply))
	}

	var parsed judgeReply
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return parseFailed("invalid JSON: %v", err)
	}
	if err := replyValidator.Struct(parsed); err != nil {
		return parseFailed("invalid reply structure: %s", describeValidation(err))
	}

	byName := make(map[string]domain.CandidateAnswer, len(candidates))
	for _, c := range candidates {
		byName[strings.ToLower(c.Backend)] = c
	}

	winner, ok := byName[strings.ToLower(strings.TrimSpace(parsed.Winner))]
	if !ok {
		return parseFailed("winner %q is not one of the candidate backends", parsed.Winner)
	}

	extracted := strings.TrimSpace(*parsed.ExtractedText)
	if extracted != "" && !strings.Contains(winner.Text, extracted) {
		return parseFailed("extracted text not found verbatim in winner %s", winner.Backend)
	}

	evaluations := make(map[string]domain.BackendEvaluation, len(parsed.Evaluations))
	for name, ev := range parsed.Evaluations {
		c, known := byName[strings.ToLower(strings.TrimSpace(name))]
		if !known {
			continue
		}
		evaluations[c.Backend] = domain.BackendEvaluation{Score: *ev.Score, Rationale: ev.Rationale}
	}

	return ParseResult{Verdict: domain.ComponentVerdict{
		Judge:         judge,
		Component:     component,
		Evaluations:   evaluations,
		Winner:        winner.Backend,
		ExtractedText: extracted,
		Score:         *parsed.Score,
		Rationale:     parsed.Rationale,
	}}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// SyntheticVerdict builds the verdict that replaces an unusable reply.
// kind is ParseFailure for malformed replies, or the backend error kind
// when the call itself failed.
func SyntheticVerdict(
	judge string,
	component domain.Component,
	defaultWinner string,
	kind domain.ErrorKind,
	reason string,
) domain.ComponentVerdict {
	rationale := "synthetic verdict: judge reply could not be parsed: " + reason
	if kind != domain.ErrorKindParseFailure {
		rationale = "synthetic verdict: judge call failed: " + reason
	}
	return domain.ComponentVerdict{
		Judge:       judge,
		Component:   component,
		Evaluations: map[string]domain.BackendEvaluation{},
		Winner:      defaultWinner,
		Score:       SyntheticScore,
		Rationale:   rationale,
		Synthetic:   true,
		FailureKind: kind,
	}
}

// extractJSON returns the first JSON object in response. It understands
// ```json fences, bare ``` fences and objects embedded in prose, matching
// braces outside string literals.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += len("```")
		if nl := strings.Index(response[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(response[start:], "```"); end != -1 {
			if candidate := strings.TrimSpace(response[start : start+end]); strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		ch := response[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}
