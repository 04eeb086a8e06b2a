package domain

// CostModel prices a backend call. The backend registry supplies one per
// backend; the orchestrator sums them for the per-trial cost ceiling.
type CostModel struct {
	// InputPer1K is the price in dollars per 1,000 prompt tokens.
	InputPer1K float64 `yaml:"input_per_1k" json:"input_per_1k" validate:"min=0"`
	// OutputPer1K is the price in dollars per 1,000 completion tokens.
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k" validate:"min=0"`
	// PerCall is a flat fee charged for every call.
	PerCall float64 `yaml:"per_call" json:"per_call" validate:"min=0"`
}

// Estimate returns the dollar cost of a call with the given token usage.
func (m CostModel) Estimate(tokensIn, tokensOut int) float64 {
	return m.PerCall +
		float64(tokensIn)/1000*m.InputPer1K +
		float64(tokensOut)/1000*m.OutputPer1K
}

// Free reports whether the model never charges anything.
func (m CostModel) Free() bool {
	return m.InputPer1K == 0 && m.OutputPer1K == 0 && m.PerCall == 0
}
