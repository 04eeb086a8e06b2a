package application

import (
	"slices"
	"strings"

	"github.com/ahrav/go-concord/internal/domain"
)

// BuildConsensus reconciles every judge's verdicts into exactly one
// ConsensusResult per component, in canonical component order.
//
// backendOrder is the generator registration order. It breaks every tie, so
// the result does not depend on map iteration or judge arrival order.
// Backends absent from backendOrder rank after it, by name.
func BuildConsensus(verdicts map[string][]domain.ComponentVerdict, backendOrder []string) []domain.ConsensusResult {
	judges := make([]string, 0, len(verdicts))
	for judge := range verdicts {
		judges = append(judges, judge)
	}
	slices.Sort(judges)

	byComponent := make(map[domain.Component][]domain.ComponentVerdict)
	for _, judge := range judges {
		seen := make(map[domain.Component]bool)
		for _, v := range verdicts[judge] {
			// A judge votes at most once per component.
			if !v.Component.Valid() || seen[v.Component] {
				continue
			}
			seen[v.Component] = true
			v.Judge = judge
			byComponent[v.Component] = append(byComponent[v.Component], v)
		}
	}

	rank := newBackendRank(backendOrder)
	results := make([]domain.ConsensusResult, 0, len(domain.AllComponents()))
	for _, component := range domain.AllComponents() {
		results = append(results, resolveComponent(component, byComponent[component], rank))
	}
	return results
}

func resolveComponent(component domain.Component, verdicts []domain.ComponentVerdict, rank backendRank) domain.ConsensusResult {
	result := domain.ConsensusResult{Component: component, Kind: domain.ConsensusMissing}
	if len(verdicts) == 0 {
		return result
	}
	result.Votes = votesOf(verdicts)

	counted := countedVerdicts(verdicts)
	var chosen domain.ComponentVerdict
	if winner, ok := strongWinner(counted, rank); ok {
		result.Kind = domain.ConsensusStrong
		chosen = canonicalVerdict(counted, winner)
	} else {
		result.Kind = domain.ConsensusHighestScore
		chosen = highestScoring(counted, rank)
	}
	result.Winner = chosen.Winner
	result.Score = chosen.Score
	result.FinalText = strings.TrimSpace(chosen.ExtractedText)

	if component == domain.ComponentCitations {
		result.Citations = citationUnion(verdicts)
		result.FinalText = strings.Join(result.Citations, "\n")
	}

	if result.FinalText == "" {
		result.Kind = emptyKind(verdicts)
	}
	return result
}

// countedVerdicts drops synthetic placeholders whenever a judge actually
// replied. Votes still lists every verdict.
func countedVerdicts(verdicts []domain.ComponentVerdict) []domain.ComponentVerdict {
	replied := slices.DeleteFunc(slices.Clone(verdicts), func(v domain.ComponentVerdict) bool { return v.Synthetic })
	if len(replied) == 0 {
		return verdicts
	}
	return replied
}

// emptyKind classifies a component whose vote produced no text: judges
// that all failed yield error, judges that found nothing yield missing.
func emptyKind(verdicts []domain.ComponentVerdict) domain.ConsensusKind {
	for _, v := range verdicts {
		if !v.Synthetic {
			return domain.ConsensusMissing
		}
	}
	return domain.ConsensusError
}

func votesOf(verdicts []domain.ComponentVerdict) []domain.Vote {
	votes := make([]domain.Vote, len(verdicts))
	for i, v := range verdicts {
		votes[i] = domain.Vote{Judge: v.Judge, Winner: v.Winner, Score: v.Score, Synthetic: v.Synthetic}
	}
	return votes
}

// strongWinner returns the backend voted for by the most distinct judges
// when that count is at least two.
func strongWinner(verdicts []domain.ComponentVerdict, rank backendRank) (string, bool) {
	tally := make(map[string]map[string]struct{})
	for _, v := range verdicts {
		if tally[v.Winner] == nil {
			tally[v.Winner] = make(map[string]struct{})
		}
		tally[v.Winner][v.Judge] = struct{}{}
	}

	best, bestVotes := "", 0
	for backend, voters := range tally {
		n := len(voters)
		if n > bestVotes || (n == bestVotes && rank.less(backend, best)) {
			best, bestVotes = backend, n
		}
	}
	return best, bestVotes >= 2
}

// canonicalVerdict picks the voter for winner whose text becomes canonical:
// usable extractions first, then the highest score, then the lexically
// first judge.
func canonicalVerdict(verdicts []domain.ComponentVerdict, winner string) domain.ComponentVerdict {
	var voters []domain.ComponentVerdict
	for _, v := range verdicts {
		if v.Winner == winner {
			voters = append(voters, v)
		}
	}
	return slices.MinFunc(voters, func(a, b domain.ComponentVerdict) int {
		if ua, ub := usable(a), usable(b); ua != ub {
			if ua {
				return -1
			}
			return 1
		}
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Judge, b.Judge)
	})
}

// highestScoring picks the verdict with the highest winner score. Ties go
// to the first-registered backend, then the judge name.
func highestScoring(verdicts []domain.ComponentVerdict, rank backendRank) domain.ComponentVerdict {
	return slices.MinFunc(verdicts, func(a, b domain.ComponentVerdict) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		if a.Winner != b.Winner {
			if rank.less(a.Winner, b.Winner) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Judge, b.Judge)
	})
}

func usable(v domain.ComponentVerdict) bool {
	return !v.Synthetic && strings.TrimSpace(v.ExtractedText) != ""
}

// citationUnion merges the identifiers every judge extracted.
func citationUnion(verdicts []domain.ComponentVerdict) []string {
	seen := make(map[string]struct{})
	var union []string
	for _, v := range verdicts {
		for _, id := range ExtractCitations(v.ExtractedText) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	slices.SortFunc(union, CompareCitations)
	return union
}

// backendRank orders backends by registration.
type backendRank map[string]int

func newBackendRank(order []string) backendRank {
	r := make(backendRank, len(order))
	for i, name := range order {
		if _, dup := r[name]; !dup {
			r[name] = i
		}
	}
	return r
}

// less reports whether a was registered before b. An empty b always loses.
func (r backendRank) less(a, b string) bool {
	if b == "" {
		return a != ""
	}
	ra, aok := r[a]
	rb, bok := r[b]
	switch {
	case aok && bok:
		return ra < rb
	case aok != bok:
		return aok
	default:
		return a < b
	}
}
