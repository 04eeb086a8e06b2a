package application

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/ahrav/go-concord/internal/domain"
)

// Quality check names reported in QualityViolation.Check.
const (
	CheckLength            = "length"
	CheckCitationGrounding = "citation_grounding"
	CheckCompleteness      = "completeness"
	CheckCoherence         = "coherence"
	CheckNonDuplication    = "non_duplication"
)

// VerifierOptions holds the quality thresholds. Zero fields take the
// defaults from DefaultVerifierOptions.
type VerifierOptions struct {
	// LengthRatio is the minimum final length relative to the longest
	// successful candidate.
	LengthRatio float64 `yaml:"length_ratio" validate:"omitempty,gt=0,lte=1"`
	// CompletenessTokens is how many leading tokens of each section are
	// looked for in the final text; at least half must be present.
	CompletenessTokens int `yaml:"completeness_tokens" validate:"omitempty,min=1,max=200"`
	// MinLength is the minimum final text length in bytes.
	MinLength int `yaml:"min_length" validate:"omitempty,min=0"`
	// DuplicateThreshold is the token Jaccard similarity at which two
	// sentences count as duplicates.
	DuplicateThreshold float64 `yaml:"duplicate_threshold" validate:"omitempty,gt=0,lte=1"`
	// EditSimilarity is the normalized Levenshtein similarity at which two
	// sentences count as duplicates.
	EditSimilarity float64 `yaml:"edit_similarity" validate:"omitempty,gt=0,lte=1"`
	// MaxBlankRun is the longest allowed run of consecutive blank lines.
	MaxBlankRun int `yaml:"max_blank_run" validate:"omitempty,min=1"`
	// RequiredComponents must resolve to a non-empty section for the
	// answer to pass.
	RequiredComponents []domain.Component `yaml:"required_components" validate:"omitempty,dive,component"`
}

// DefaultVerifierOptions returns the standard thresholds.
func DefaultVerifierOptions() VerifierOptions {
	return VerifierOptions{
		LengthRatio:        0.8,
		CompletenessTokens: 12,
		MinLength:          200,
		DuplicateThreshold: 0.85,
		EditSimilarity:     0.9,
		MaxBlankRun:        3,
	}
}

func (o VerifierOptions) withDefaults() VerifierOptions {
	d := DefaultVerifierOptions()
	if o.LengthRatio <= 0 {
		o.LengthRatio = d.LengthRatio
	}
	if o.CompletenessTokens <= 0 {
		o.CompletenessTokens = d.CompletenessTokens
	}
	if o.MinLength <= 0 {
		o.MinLength = d.MinLength
	}
	if o.DuplicateThreshold <= 0 {
		o.DuplicateThreshold = d.DuplicateThreshold
	}
	if o.EditSimilarity <= 0 {
		o.EditSimilarity = d.EditSimilarity
	}
	if o.MaxBlankRun <= 0 {
		o.MaxBlankRun = d.MaxBlankRun
	}
	return o
}

// minSentenceLength is the shortest sentence the duplication check looks at.
const minSentenceLength = 20

// Verify runs every quality check against the assembled answer. It has no
// side effects; metrics are filled whether or not the checks pass.
func Verify(
	finalText string,
	candidates map[string]domain.CandidateAnswer,
	results []domain.ConsensusResult,
	snippets []domain.Snippet,
	opts VerifierOptions,
) domain.QualityReport {
	opts = opts.withDefaults()
	v := &verification{final: finalText, opts: opts}

	v.checkLength(candidates)
	v.checkCitations(snippets)
	v.checkCompleteness(results)
	v.checkCoherence()
	v.checkDuplicates()

	return domain.QualityReport{
		Passed:     len(v.violations) == 0,
		Violations: v.violations,
		Metrics:    v.metrics,
	}
}

type verification struct {
	final      string
	opts       VerifierOptions
	metrics    domain.QualityMetrics
	violations []domain.QualityViolation
}

func (v *verification) fail(check, format string, args ...any) {
	v.violations = append(v.violations, domain.QualityViolation{Check: check, Reason: fmt.Sprintf(format, args...)})
}

func (v *verification) checkLength(candidates map[string]domain.CandidateAnswer) {
	v.metrics.FinalLength = len(v.final)
	for _, c := range candidates {
		if c.Success && len(c.Text) > v.metrics.LongestCandidateLength {
			v.metrics.LongestCandidateLength = len(c.Text)
		}
	}
	if v.metrics.LongestCandidateLength == 0 {
		v.metrics.LengthRatio = 1
		return
	}
	v.metrics.LengthRatio = float64(v.metrics.FinalLength) / float64(v.metrics.LongestCandidateLength)
	if v.metrics.LengthRatio < v.opts.LengthRatio {
		v.fail(CheckLength, "final answer is %d chars, below %.0f%% of the longest candidate (%d chars)",
			v.metrics.FinalLength, v.opts.LengthRatio*100, v.metrics.LongestCandidateLength)
	}
}

func (v *verification) checkCitations(snippets []domain.Snippet) {
	known := make(map[string]struct{})
	for _, s := range snippets {
		for _, id := range ExtractCitations(s.Title + "\n" + s.Content) {
			known[id] = struct{}{}
			known[citationBase(id)] = struct{}{}
		}
	}

	var ungrounded []string
	cited := ExtractCitations(v.final)
	for _, id := range cited {
		_, exact := known[id]
		_, base := known[citationBase(id)]
		if exact || base {
			v.metrics.GroundedCitations++
			continue
		}
		ungrounded = append(ungrounded, id)
	}
	v.metrics.CitationCount = len(cited)
	v.metrics.CitationGroundingRatio = 1
	if len(cited) > 0 {
		v.metrics.CitationGroundingRatio = float64(v.metrics.GroundedCitations) / float64(len(cited))
	}
	if len(ungrounded) > 0 {
		v.fail(CheckCitationGrounding, "citations not found in any context snippet: %s", strings.Join(ungrounded, ", "))
	}
}

func (v *verification) checkCompleteness(results []domain.ConsensusResult) {
	present := make(map[string]struct{})
	for _, tok := range tokenize(v.final) {
		present[tok] = struct{}{}
	}

	resolved := make(map[domain.Component]bool, len(results))
	for _, r := range results {
		resolved[r.Component] = r.Resolved()
	}
	for _, c := range v.opts.RequiredComponents {
		if !resolved[c] {
			v.fail(CheckCompleteness, "required section %s was not resolved", c)
		}
	}

	for _, r := range results {
		tokens := tokenize(r.FinalText)
		if len(tokens) == 0 {
			continue
		}
		v.metrics.SectionsExpected++
		if len(tokens) > v.opts.CompletenessTokens {
			tokens = tokens[:v.opts.CompletenessTokens]
		}
		found := 0
		for _, tok := range tokens {
			if _, ok := present[tok]; ok {
				found++
			}
		}
		if found*2 >= len(tokens) {
			v.metrics.SectionsPresent++
			continue
		}
		v.fail(CheckCompleteness, "section %s is missing from the final answer (%d of %d leading tokens found)",
			r.Component, found, len(tokens))
	}
}

var (
	placeholderMarkers = []string{"[error]", "<error>", "{{", "}}"}
	todoPattern        = regexp.MustCompile(`\bTODO\b`)
	// Bare null/undefined values, as left behind by a failed template fill.
	nullPattern = regexp.MustCompile(`(?m)(?:^|:)\s*(?:null|undefined)\s*$`)
)

func (v *verification) checkCoherence() {
	var markers []string

	lower := strings.ToLower(v.final)
	for _, m := range placeholderMarkers {
		if strings.Contains(lower, m) {
			markers = append(markers, fmt.Sprintf("placeholder %q", m))
		}
	}
	if todoPattern.MatchString(v.final) {
		markers = append(markers, `placeholder "TODO"`)
	}
	if nullPattern.MatchString(v.final) {
		markers = append(markers, "null value")
	}

	headers := make(map[string]int)
	blankRun, longestBlankRun := 0, 0
	for _, line := range strings.Split(v.final, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blankRun++
			longestBlankRun = max(longestBlankRun, blankRun)
			continue
		}
		blankRun = 0
		if strings.HasPrefix(trimmed, "#") {
			headers[strings.ToLower(trimmed)]++
		}
	}
	for header, n := range headers {
		if n > 1 {
			markers = append(markers, fmt.Sprintf("duplicated header %q", header))
		}
	}
	if longestBlankRun > v.opts.MaxBlankRun {
		markers = append(markers, fmt.Sprintf("%d consecutive blank lines", longestBlankRun))
	}

	v.metrics.CoherenceScore = max(0, 1-0.25*float64(len(markers)))
	if len(markers) > 0 {
		v.fail(CheckCoherence, "assembly failure markers found: %s", strings.Join(markers, "; "))
	}
	if len(v.final) < v.opts.MinLength {
		v.fail(CheckCoherence, "final answer is %d chars, below the %d char minimum", len(v.final), v.opts.MinLength)
	}
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+(?:\s+|$)|\n+`)

func (v *verification) checkDuplicates() {
	type sentence struct {
		text   string
		folded string
		tokens map[string]struct{}
	}
	var sentences []sentence
	for _, s := range sentenceBoundary.Split(v.final, -1) {
		s = strings.TrimSpace(s)
		if len(s) <= minSentenceLength {
			continue
		}
		tokens := make(map[string]struct{})
		for _, tok := range tokenize(s) {
			tokens[tok] = struct{}{}
		}
		sentences = append(sentences, sentence{text: s, folded: fold(s), tokens: tokens})
	}

	var example string
	for i := 0; i < len(sentences); i++ {
		for j := i + 1; j < len(sentences); j++ {
			a, b := sentences[i], sentences[j]
			if a.text == b.text ||
				jaccard(a.tokens, b.tokens) >= v.opts.DuplicateThreshold ||
				editSimilarity(a.folded, b.folded) >= v.opts.EditSimilarity {
				v.metrics.DuplicatePairs++
				if example == "" {
					example = a.text
				}
			}
		}
	}
	if v.metrics.DuplicatePairs > 0 {
		v.fail(CheckNonDuplication, "%d near-duplicate sentence pairs, e.g. %q", v.metrics.DuplicatePairs, truncate(example, 80))
	}
}

// tokenize splits s into case-folded words of letters and digits.
func tokenize(s string) []string {
	return strings.FieldsFunc(fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// editSimilarity is 1 - distance/maxRunes. Pairs whose lengths alone rule
// out the threshold are never near-identical, so they skip the distance.
func editSimilarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	if float64(min(la, lb))/float64(longest) < 0.5 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
