package llm

import (
	"math"
	"strings"
	"unicode/utf8"
)

// DefaultCharsPerToken is the usual ratio for English and Latin-script text.
const DefaultCharsPerToken = 4.0

// TokenEstimator approximates token counts for text whose usage a
// provider did not report.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// EstimatorFunc adapts a function to TokenEstimator.
type EstimatorFunc func(text string) int

func (f EstimatorFunc) EstimateTokens(text string) int { return f(text) }

// CharEstimator counts one token per charsPerToken runes, rounding up.
// Non-positive ratios use DefaultCharsPerToken.
func CharEstimator(charsPerToken float64) TokenEstimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return EstimatorFunc(func(text string) int {
		return int(math.Ceil(float64(utf8.RuneCountInString(text)) / charsPerToken))
	})
}

// WordEstimator counts tokensPerWord tokens for every whitespace separated
// word, rounding up. Statute text full of numbered references runs around
// 1.5; plain prose nearer 1.3.
func WordEstimator(tokensPerWord float64) TokenEstimator {
	if tokensPerWord <= 0 {
		tokensPerWord = 1.3
	}
	return EstimatorFunc(func(text string) int {
		return int(math.Ceil(float64(len(strings.Fields(text))) * tokensPerWord))
	})
}

// EstimatorByName resolves the estimator names accepted in configuration:
// "chars" (the default) and "words".
func EstimatorByName(name string, ratio float64) (TokenEstimator, bool) {
	switch name {
	case "", "chars":
		return CharEstimator(ratio), true
	case "words":
		return WordEstimator(ratio), true
	default:
		return nil, false
	}
}
