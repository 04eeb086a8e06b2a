package domain

import (
	"sort"
	"time"
)

// Stage is one state of the trial state machine.
type Stage string

// Trial states, in execution order, plus the terminal Failed state.
const (
	StageRetrieving        Stage = "Retrieving"
	StageGenerating        Stage = "Generating"
	StageJudging           Stage = "Judging"
	StageBuildingConsensus Stage = "BuildingConsensus"
	StageAssembling        Stage = "Assembling"
	StageVerifying         Stage = "Verifying"
	StageRecording         Stage = "Recording"
	StageDone              Stage = "Done"
	StageFailed            Stage = "Failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// Snippet is one supporting document returned by the context supplier.
type Snippet struct {
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
}

// RetrievedContext is the supporting context for one query.
// Blob is the formatted text embedded in generator prompts; Snippets are
// kept for citation grounding.
type RetrievedContext struct {
	Blob     string    `json:"-"`
	Snippets []Snippet `json:"snippets"`
	Intent   string    `json:"intent"`
}

// Trial is one end-to-end run of the pipeline.
type Trial struct {
	ID            string
	Query         string
	Context       RetrievedContext
	StartedAt     time.Time
	EndedAt       time.Time
	CostEstimate  float64
	QualityPassed bool
}

// CandidateAnswer is one generator's raw output for a trial.
type CandidateAnswer struct {
	Backend   string
	Text      string
	Success   bool
	Err       *TrialError
	Latency   time.Duration
	TokensIn  int
	TokensOut int
	Cost      float64
}

// ErrorKind returns the failure kind, or ErrorKindUnknown for a success.
func (c CandidateAnswer) ErrorKind() ErrorKind {
	if c.Err == nil {
		return ErrorKindUnknown
	}
	return c.Err.Kind
}

// SuccessfulCandidates returns the successful candidates ordered by the
// given backend order. Backends missing from order sort last by name.
func SuccessfulCandidates(candidates map[string]CandidateAnswer, order []string) []CandidateAnswer {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	out := make([]CandidateAnswer, 0, len(candidates))
	for _, c := range candidates {
		if c.Success {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Backend]
		rj, jok := rank[out[j].Backend]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i].Backend < out[j].Backend
		}
	})
	return out
}

// BackendEvaluation is a judge's score for one backend on one component.
type BackendEvaluation struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// ComponentVerdict is one judge's opinion about one component across all
// candidates. Synthetic verdicts stand in for judge replies that failed.
type ComponentVerdict struct {
	Judge         string                       `json:"judge"`
	Component     Component                    `json:"component"`
	Evaluations   map[string]BackendEvaluation `json:"evaluations"`
	Winner        string                       `json:"winner"`
	ExtractedText string                       `json:"extractedText"`
	Score         float64                      `json:"score"`
	Rationale     string                       `json:"rationale"`
	Synthetic     bool                         `json:"synthetic,omitempty"`
	FailureKind   ErrorKind                    `json:"failureKind,omitempty"`
}

// ConsensusKind describes how a ConsensusResult was reached.
type ConsensusKind string

const (
	ConsensusStrong       ConsensusKind = "strong_consensus"
	ConsensusHighestScore ConsensusKind = "highest_score"
	ConsensusMissing      ConsensusKind = "missing"
	ConsensusError        ConsensusKind = "error"
)

// Vote is one judge's choice recorded on a ConsensusResult.
type Vote struct {
	Judge     string  `json:"judge"`
	Winner    string  `json:"winner"`
	Score     float64 `json:"score"`
	Synthetic bool    `json:"synthetic,omitempty"`
}

// ConsensusResult is the reconciled decision for one component.
type ConsensusResult struct {
	Component Component     `json:"component"`
	FinalText string        `json:"finalText"`
	Winner    string        `json:"winner"`
	Kind      ConsensusKind `json:"kind"`
	Votes     []Vote        `json:"votes"`
	Score     float64       `json:"score"`
	Citations []string      `json:"citations,omitempty"`
}

// Resolved reports whether the result carries usable text.
func (r ConsensusResult) Resolved() bool {
	return r.FinalText != "" && r.Kind != ConsensusMissing && r.Kind != ConsensusError
}

// QualityViolation is one failed quality check.
type QualityViolation struct {
	Check  string `json:"check"`
	Reason string `json:"reason"`
}

// QualityMetrics are reported whether or not the checks pass.
type QualityMetrics struct {
	FinalLength            int     `json:"finalLength"`
	LongestCandidateLength int     `json:"longestCandidateLength"`
	LengthRatio            float64 `json:"lengthRatio"`
	CitationCount          int     `json:"citationCount"`
	GroundedCitations      int     `json:"groundedCitations"`
	CitationGroundingRatio float64 `json:"citationGroundingRatio"`
	SectionsExpected       int     `json:"sectionsExpected"`
	SectionsPresent        int     `json:"sectionsPresent"`
	CoherenceScore         float64 `json:"coherenceScore"`
	DuplicatePairs         int     `json:"duplicatePairs"`
}

// QualityReport is the verdict of the quality verifier for one trial.
type QualityReport struct {
	Passed     bool               `json:"passed"`
	Violations []QualityViolation `json:"violations"`
	Metrics    QualityMetrics     `json:"metrics"`
}

// Reasons returns the human-readable reasons of every violation.
func (q QualityReport) Reasons() []string {
	out := make([]string, len(q.Violations))
	for i, v := range q.Violations {
		out[i] = v.Reason
	}
	return out
}

// Diagnostics summarises a trial for callers.
type Diagnostics struct {
	GeneratorsUsed     int    `json:"generatorsUsed"`
	JudgesUsed         int    `json:"judgesUsed"`
	ComponentsResolved int    `json:"componentsResolved"`
	State              Stage  `json:"state"`
	AssemblyMode       string `json:"assemblyMode,omitempty"`
	AssemblyFallback   bool   `json:"assemblyFallback,omitempty"`
	// CandidateFallback names the generator whose raw answer was returned
	// because no consensus text was available.
	CandidateFallback string   `json:"candidateFallback,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

// TrialOutput is returned to callers such as a chat API.
type TrialOutput struct {
	TrialID          string      `json:"trialId"`
	FinalText        string      `json:"finalText"`
	ProcessingTimeMs int64       `json:"processingTimeMs"`
	CostEstimate     float64     `json:"costEstimate"`
	QualityPassed    bool        `json:"qualityPassed"`
	QualityReasons   []string    `json:"qualityReasons,omitempty"`
	Diagnostics      Diagnostics `json:"diagnostics"`
}

// CandidateRecord is the persisted form of a CandidateAnswer.
type CandidateRecord struct {
	Text      string    `json:"text"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
	Cost      float64   `json:"cost"`
}

// TrialRecord is the durable, append-only record of one trial.
type TrialRecord struct {
	TrialID           string                        `json:"trialId"`
	Query             string                        `json:"query"`
	Intent            string                        `json:"intent,omitempty"`
	ContextSnippets   []Snippet                     `json:"contextSnippets"`
	CandidateAnswers  map[string]CandidateRecord    `json:"candidateAnswers"`
	ComponentVerdicts map[string][]ComponentVerdict `json:"componentVerdicts"`
	ConsensusResults  []ConsensusResult             `json:"consensusResults"`
	FinalText         string                        `json:"finalText"`
	QualityReport     *QualityReport                `json:"qualityReport,omitempty"`
	State             Stage                         `json:"state"`
	FailureKind       ErrorKind                     `json:"failureKind,omitempty"`
	FailureReason     string                        `json:"failureReason,omitempty"`
	AssemblyMode      string                        `json:"assemblyMode,omitempty"`
	Timestamp         string                        `json:"timestamp"`
	ProcessingTimeMs  int64                         `json:"processingTimeMs"`
	CostEstimate      float64                       `json:"costEstimate"`
}

// NewCandidateRecords converts fan-out results to their persisted form.
func NewCandidateRecords(candidates map[string]CandidateAnswer) map[string]CandidateRecord {
	out := make(map[string]CandidateRecord, len(candidates))
	for name, c := range candidates {
		rec := CandidateRecord{
			Text:      c.Text,
			Success:   c.Success,
			LatencyMs: c.Latency.Milliseconds(),
			Cost:      c.Cost,
		}
		if c.Err != nil {
			rec.Error = c.Err.Error()
			rec.ErrorKind = c.Err.Kind
		}
		out[name] = rec
	}
	return out
}

// CountCandidates returns the number of successful and failed candidates,
// and the failures grouped by kind.
func (r TrialRecord) CountCandidates() (succeeded, failed int, byKind map[ErrorKind]int) {
	byKind = make(map[ErrorKind]int)
	for _, c := range r.CandidateAnswers {
		if c.Success {
			succeeded++
			continue
		}
		failed++
		byKind[c.ErrorKind]++
	}
	return succeeded, failed, byKind
}
