package testutils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ahrav/go-concord/internal/domain"
)

// LeaveEntitlementQuery is the query used by end-to-end scenarios.
const LeaveEntitlementQuery = "leave entitlement calculation"

const gptAnswer = `## Direct Answer

An employee earns 12 working days of paid annual leave once they complete 12 months of continuous service with the same employer.

## Legal Foundation

Article 79 of Law No. 13/2003 on Manpower obliges employers to grant annual leave after twelve months of uninterrupted work. Article 84 requires that wages continue to be paid in full while the worker is on that leave.

## Citations

Article 79
Article 84
Law No. 13/2003

## Numeric Examples

A worker who started on 1 March 2023 reaches twelve months on 29 February 2024. From 1 March 2024 the worker may take 12 days, for example 5 days in April and 7 days in August.

## Procedure

1. Confirm the start date in the employment agreement.
2. Count the completed months of continuous service.
3. Submit a written leave request to the supervisor.
4. Keep the approved request with your payroll records.

## Edge Cases

Workers on fixed-term contracts accrue leave on the same twelve month basis. Service with a previous employer does not count toward the threshold.

## Practical Advice

Ask human resources for a written statement of your remaining leave balance at the end of every calendar year.`

const claudeAnswer = `## Direct Answer

Annual leave of twelve working days becomes available after a worker has served one full year without interruption.

## Legal Foundation

The entitlement comes from Article 79 of Law No. 13/2003, which sets the minimum annual leave for private sector workers. Under Article 84 the employer keeps paying the full wage during the leave period.

## Citations

Article 79
Article 84
Law No. 13/2003

## Numeric Examples

Someone hired on 10 January 2024 becomes eligible on 10 January 2025 and can then take twelve days off in that year.

## Procedure

1. Check your hiring date on the contract.
2. Wait until twelve months of service are complete.
3. Agree the leave dates with your manager in writing.

## Edge Cases

If the employment ends before twelve months are completed, no annual leave has accrued under the statute.

## Practical Advice

Plan leave early in the year so that operational needs do not force the dates to move.`

const geminiAnswer = `## Direct Answer

Workers are entitled to at least 12 days of annual leave after working for twelve consecutive months.

## Legal Foundation

Law No. 13/2003, Article 79, is the statutory basis. Company regulations may grant more days but never fewer.

## Citations

Article 79
Law No. 13/2003

## Numeric Examples

With a start date of 1 June 2023, leave may be taken from 1 June 2024, giving twelve days for the following year.

## Procedure

1. Verify continuous service.
2. Request leave through the employer's standard form.

## Edge Cases

Company regulations or a collective labour agreement can provide longer leave than the legal minimum.

## Practical Advice

Read your company regulation because it may be more generous than the statute.`

// LeaveEntitlementAnswers returns the candidate answers of the three
// healthy generators in the leave entitlement scenario.
func LeaveEntitlementAnswers() map[string]string {
	return map[string]string{
		"gpt":    gptAnswer,
		"claude": claudeAnswer,
		"gemini": geminiAnswer,
	}
}

// LeaveEntitlementSnippets returns the supporting documents that ground
// every citation in LeaveEntitlementAnswers.
func LeaveEntitlementSnippets() []domain.Snippet {
	return []domain.Snippet{
		{
			Title:   "Law No. 13/2003 on Manpower, Article 79",
			Content: "Article 79 requires employers to give workers rest periods and leave, including annual leave of at least 12 working days after the worker has worked 12 months continuously.",
		},
		{
			Title:   "Law No. 13/2003 on Manpower, Article 84",
			Content: "Article 84: every worker who uses their right to leave is entitled to receive full wages.",
		},
	}
}

// SectionText returns the body of the "## title" section of a Markdown
// answer, or "" when the section is absent.
func SectionText(answer, title string) string {
	header := "## " + title + "\n\n"
	start := strings.Index(answer, header)
	if start == -1 {
		return ""
	}
	body := answer[start+len(header):]
	if end := strings.Index(body, "\n\n## "); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

var (
	componentPattern = regexp.MustCompile(`Component under evaluation: ([a-z_]+)`)
	backendPattern   = regexp.MustCompile(`from backend "([^"]+)"`)
)

// PromptComponent returns the component a judge prompt asks about.
func PromptComponent(prompt string) (domain.Component, bool) {
	m := componentPattern.FindStringSubmatch(prompt)
	if m == nil {
		return "", false
	}
	c, err := domain.ParseComponent(m[1])
	return c, err == nil
}

// PromptBackends returns the candidate backend names in a judge prompt, in
// the order they appear.
func PromptBackends(prompt string) []string {
	var out []string
	for _, m := range backendPattern.FindAllStringSubmatch(prompt, -1) {
		out = append(out, m[1])
	}
	return out
}

// ScriptedJudge returns a ResponseFunc for a judge that prefers the
// backends named in prefer, per component, and otherwise picks fallback.
// The extracted text is copied verbatim from answers.
func ScriptedJudge(prefer map[domain.Component]string, fallback string, answers map[string]string) func(system, user string) (string, error) {
	return func(_, user string) (string, error) {
		component, ok := PromptComponent(user)
		if !ok {
			return "", fmt.Errorf("scripted judge: no component in prompt")
		}
		winner, ok := prefer[component]
		if !ok {
			winner = fallback
		}
		return JudgeReply(winner, SectionText(answers[winner], component.Title()), 8.5, PromptBackends(user)), nil
	}
}

// JudgeReply renders a well-formed judge reply. Every backend is scored
// 6.0 except the winner.
func JudgeReply(winner, extracted string, score float64, backends []string) string {
	type evaluation struct {
		Score     float64 `json:"score"`
		Rationale string  `json:"rationale"`
	}
	evaluations := make(map[string]evaluation, len(backends))
	for _, b := range backends {
		evaluations[b] = evaluation{Score: 6.0, Rationale: "adequate"}
	}
	evaluations[winner] = evaluation{Score: score, Rationale: "most complete"}

	reply, _ := json.Marshal(map[string]any{
		"evaluations":    evaluations,
		"winner":         winner,
		"extracted_text": extracted,
		"score":          score,
		"rationale":      "clearest and best supported",
	})
	return string(reply)
}
