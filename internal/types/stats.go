package types

// Stats accumulates per-bridge request counters. The owner guards it with its
// stats lock; Observe must be called exactly once per send, success or not.
type Stats struct {
	TotalRequests   int64   `json:"total_requests"`
	Successful      int64   `json:"successful_requests"`
	Failed          int64   `json:"failed_requests"`
	TotalDurationMS int64   `json:"total_duration_ms"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
}

// Observe folds one completed turn into the counters.
func (s *Stats) Observe(resp Response) {
	s.TotalRequests++
	if resp.Success {
		s.Successful++
	} else {
		s.Failed++
	}
	s.TotalDurationMS += resp.DurationMS
	s.TotalCostUSD += resp.CostUSD
	if resp.Usage != nil {
		s.InputTokens += resp.Usage.InputTokens
		s.OutputTokens += resp.Usage.OutputTokens
	}
}
