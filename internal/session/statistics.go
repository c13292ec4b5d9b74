package session

import (
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/agent"
)

// StatisticsSchemaVersion versions the metadata.statistics object.
const StatisticsSchemaVersion = 1

// StatRecord is one per-LLM-call usage record.
type StatRecord struct {
	Agent        string    `json:"agent"`
	Origin       string    `json:"origin,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatisticsPayload wraps records into the versioned wire shape attached as
// metadata.statistics.
func StatisticsPayload(records []StatRecord) map[string]any {
	if records == nil {
		records = []StatRecord{}
	}
	return map[string]any{
		"schema_version": StatisticsSchemaVersion,
		"records":        records,
	}
}

// statCollector accumulates usage records across a session's requests.
type statCollector struct {
	mu      sync.Mutex
	records []StatRecord
}

func (c *statCollector) add(agentName, origin string, usage *agent.Usage) {
	if usage == nil {
		return
	}
	ms := usage.DurationMs
	if ms == 0 && usage.Duration > 0 {
		ms = usage.Duration.Milliseconds()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, StatRecord{
		Agent:        agentName,
		Origin:       origin,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		DurationMs:   ms,
		Timestamp:    time.Now().UTC(),
	})
}

func (c *statCollector) snapshot() []StatRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StatRecord, len(c.records))
	copy(out, c.records)
	return out
}
