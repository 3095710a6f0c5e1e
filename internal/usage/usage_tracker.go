// Package usage records model token consumption per resolution. Every
// model invocation is tracked, including the ones whose responses failed
// to parse or decode.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"pinpoint/internal/types"
)

// Outcome labels what became of a model invocation's response.
type Outcome string

const (
	OutcomeDecoded        Outcome = "decoded"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeParseError     Outcome = "parse_error"
	OutcomeDecodeError    Outcome = "decode_error"
	OutcomeTransportError Outcome = "transport_error"
)

// Tracker manages token usage recording and persistence.
type Tracker struct {
	mu        sync.Mutex
	data      Data
	filePath  string
	sessionID string
	dirty     bool
}

// NewTracker creates a usage tracker persisting under dir. Each tracker
// gets a fresh session ID so concurrent runs stay distinguishable in the
// by_session breakdown.
func NewTracker(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}

	t := &Tracker{
		filePath:  filepath.Join(dir, "usage.json"),
		sessionID: uuid.NewString(),
		data: Data{
			Version: "1.0",
			Aggregate: AggregatedStats{
				ByFamily:    make(map[string]TokenCounts),
				ByOperation: make(map[string]TokenCounts),
				ByOutcome:   make(map[string]TokenCounts),
				BySession:   make(map[string]TokenCounts),
			},
		},
	}

	// Corrupt or missing prior data starts the file over.
	_ = t.Load()

	return t, nil
}

// SessionID returns this tracker's session identifier.
func (t *Tracker) SessionID() string {
	return t.sessionID
}

// Load reads prior usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	if t.data.Aggregate.ByFamily == nil {
		t.data.Aggregate.ByFamily = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByOperation == nil {
		t.data.Aggregate.ByOperation = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByOutcome == nil {
		t.data.Aggregate.ByOutcome = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.BySession == nil {
		t.data.Aggregate.BySession = make(map[string]TokenCounts)
	}

	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0o644)
}

// Track records one model invocation.
func (t *Tracker) Track(family types.ModelFamily, operation types.InteractionType, u types.Usage, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	latencyMS := u.Latency.Milliseconds()

	t.data.Aggregate.TotalSession.Add(u.PromptTokens, u.CompletionTokens, latencyMS)
	addToMap(t.data.Aggregate.ByFamily, string(family), u, latencyMS)
	addToMap(t.data.Aggregate.ByOperation, string(operation), u, latencyMS)
	addToMap(t.data.Aggregate.ByOutcome, string(outcome), u, latencyMS)
	addToMap(t.data.Aggregate.BySession, t.sessionID, u, latencyMS)

	// Debounced auto-save
	if !t.dirty {
		t.dirty = true
		time.AfterFunc(5*time.Second, func() {
			_ = t.Save()
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByFamily = copyTokenCountsMap(stats.ByFamily)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	stats.ByOutcome = copyTokenCountsMap(stats.ByOutcome)
	stats.BySession = copyTokenCountsMap(stats.BySession)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, u types.Usage, latencyMS int64) {
	entry := m[key]
	entry.Add(u.PromptTokens, u.CompletionTokens, latencyMS)
	m[key] = entry
}
