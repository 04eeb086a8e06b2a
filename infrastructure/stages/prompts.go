package stages

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/ahrav/go-concord/internal/domain"
)

const generatorSystemText = `You are a careful legal research assistant. Answer the user's question using the supplied context documents and your own knowledge of the applicable law.

Structure the answer with these sections, in this order, omitting any that genuinely do not apply:
{{- range .Components}}
- {{.Title}}: {{.Description}}
{{- end}}

Cite every statute, article, section or regulation you rely on by its exact identifier. Do not invent citations that are not in the context or that you are unsure of.`

const generatorUserText = `Context documents:
{{if .Context}}{{fence "CONTEXT" (truncate .Context .ContextLimit)}}{{else}}(none supplied){{end}}

Question: {{.Query}}`

const judgeSystemText = `You are an impartial judge comparing answers written by different assistants. You evaluate exactly one component of the answers at a time and you reply with a single JSON object and nothing else.`

const judgeUserText = `Question: {{.Query}}

Component under evaluation: {{.Component.Component}} ({{.Component.Title}})
Definition: {{.Component.Description}}
{{- if .Component.Example}}
Example of a good {{.Component.Title}}: {{.Component.Example}}
{{- end}}

Candidate answers:
{{range $i, $c := .Candidates}}
Answer {{add $i 1}} from backend "{{$c.Backend}}":
{{fence "ANSWER" $c.Text}}
{{end}}
Score how well each answer delivers the component on a 0-10 scale, pick the best one as the winner, and copy the winning answer's text for this component VERBATIM into "extracted_text". Do not rephrase, summarize or fix the copied text. Use an empty string when no answer contains the component.

Respond with JSON in exactly this shape:
{"evaluations": { {{- range $i, $c := .Candidates}}{{if $i}}, {{end}}"{{$c.Backend}}": {"score": <0-10>, "rationale": "<why>"}{{end -}} }, "winner": "<one of: {{join .Backends ", "}}>", "extracted_text": "<verbatim text>", "score": <0-10>, "rationale": "<why the winner is best>"}`

const assemblerSystemText = `You are an editor joining pre-approved sections into one answer. You must not alter, paraphrase, reorder, shorten or correct the supplied section text in any way. You may only add short connective sentences between sections. Keep the sections in the order given and keep each section's heading.`

const assemblerUserText = `Question: {{.Query}}

Sections:
{{range $i, $s := .Sections}}
{{add $i 1}}. ## {{$s.Title}}
{{fence "SECTION" $s.Text}}
{{end}}
Return the complete answer as Markdown.`

// MaxContextRunes caps the retrieved context placed in a generation prompt.
const MaxContextRunes = 24000

var (
	generatorSystemTmpl = mustTemplate("generator_system", generatorSystemText)
	generatorUserTmpl   = mustTemplate("generator_user", generatorUserText)
	judgeSystemTmpl     = mustTemplate("judge_system", judgeSystemText)
	judgeUserTmpl       = mustTemplate("judge_user", judgeUserText)
	assemblerSystemTmpl = mustTemplate("assembler_system", assemblerSystemText)
	assemblerUserTmpl   = mustTemplate("assembler_user", assemblerUserText)
)

func mustTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(TemplateFuncMap()).Parse(text))
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// GenerationPrompt renders the single system+user pair every generator
// receives for a trial.
func GenerationPrompt(query, contextBlob string) (system, user string, err error) {
	system, err = render(generatorSystemTmpl, struct {
		Components []domain.ComponentSpec
	}{domain.ComponentSpecs()})
	if err != nil {
		return "", "", err
	}
	user, err = render(generatorUserTmpl, struct {
		Query        string
		Context      string
		ContextLimit int
	}{query, contextBlob, MaxContextRunes})
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

// JudgePrompt renders the evaluation prompt for one component. candidates
// must already be the successful answers in registration order.
func JudgePrompt(query string, component domain.Component, candidates []domain.CandidateAnswer) (system, user string, err error) {
	system, err = render(judgeSystemTmpl, nil)
	if err != nil {
		return "", "", err
	}
	backends := make([]string, len(candidates))
	for i, c := range candidates {
		backends[i] = c.Backend
	}
	user, err = render(judgeUserTmpl, struct {
		Query      string
		Component  domain.ComponentSpec
		Candidates []domain.CandidateAnswer
		Backends   []string
	}{query, component.Spec(), candidates, backends})
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

// Section is one resolved component handed to the assembler.
type Section struct {
	Component domain.Component
	Title     string
	Text      string
}

// AssemblyPrompt renders the smoothing request for the assembler backend.
func AssemblyPrompt(query string, sections []Section) (system, user string, err error) {
	system, err = render(assemblerSystemTmpl, nil)
	if err != nil {
		return "", "", err
	}
	user, err = render(assemblerUserTmpl, struct {
		Query    string
		Sections []Section
	}{query, sections})
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}
