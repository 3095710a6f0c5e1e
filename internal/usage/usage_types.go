package usage

// Data is the root structure stored in persistence.
type Data struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by various dimensions.
type AggregatedStats struct {
	TotalSession TokenCounts            `json:"total_session"`
	ByFamily     map[string]TokenCounts `json:"by_family"`
	ByOperation  map[string]TokenCounts `json:"by_operation"` // locate, click, input, query, assert
	ByOutcome    map[string]TokenCounts `json:"by_outcome"`   // decoded, not_found, parse_error, decode_error, transport_error
	BySession    map[string]TokenCounts `json:"by_session"`
}

// TokenCounts holds prompt/completion sums plus call count and latency.
type TokenCounts struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
	Calls      int64 `json:"calls"`
	LatencyMS  int64 `json:"latency_ms"`
}

func (tc *TokenCounts) Add(prompt, completion int, latencyMS int64) {
	tc.Prompt += int64(prompt)
	tc.Completion += int64(completion)
	tc.Total += int64(prompt + completion)
	tc.Calls++
	tc.LatencyMS += latencyMS
}
