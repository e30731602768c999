package cognition

import (
	"math"
	"sort"
	"time"
)

// MemoryRecord is one formed memory: what happened, with whom, when, how
// much it mattered, and how the observer felt about it. Records are
// created by the memory-formation stage and pruned here; nothing else
// mutates them.
type MemoryRecord struct {
	Kind         string
	Counterpart  string
	At           time.Time
	Significance float64
	// Sentiment is the observer's disposition toward the counterpart as
	// of this event, in [-1, 1].
	Sentiment float64
}

// Memory is one agent's bounded memory store. It is single-owner state:
// only the agent's own cognition cycle touches it, so no locking.
type Memory struct {
	records  []MemoryRecord
	cap      int
	pairCap  int
	halfLife time.Duration
}

// NewMemory creates a store bounded to cap records overall and pairCap
// records per observed counterpart, with significance decaying by half
// every halfLife.
func NewMemory(cap, pairCap int, halfLife time.Duration) *Memory {
	return &Memory{
		records:  make([]MemoryRecord, 0, cap),
		cap:      cap,
		pairCap:  pairCap,
		halfLife: halfLife,
	}
}

// adjusted returns a record's decay-adjusted significance at time now.
func (m *Memory) adjusted(r MemoryRecord, now time.Time) float64 {
	if m.halfLife <= 0 {
		return r.Significance
	}
	age := now.Sub(r.At)
	if age <= 0 {
		return r.Significance
	}
	return r.Significance * math.Exp2(-float64(age)/float64(m.halfLife))
}

// Observe stores a record, evicting the lowest decay-adjusted-
// significance entry when the per-pair or per-agent cap is exceeded.
func (m *Memory) Observe(r MemoryRecord, now time.Time) {
	m.records = append(m.records, r)

	if m.pairCap > 0 && r.Counterpart != "" {
		count := 0
		for _, rec := range m.records {
			if rec.Counterpart == r.Counterpart {
				count++
			}
		}
		if count > m.pairCap {
			m.evict(now, r.Counterpart)
		}
	}
	if m.cap > 0 && len(m.records) > m.cap {
		m.evict(now, "")
	}
}

// evict removes the lowest-adjusted record, optionally restricted to one
// counterpart.
func (m *Memory) evict(now time.Time, counterpart string) {
	victim := -1
	var lowest float64
	for i, rec := range m.records {
		if counterpart != "" && rec.Counterpart != counterpart {
			continue
		}
		adj := m.adjusted(rec, now)
		if victim == -1 || adj < lowest {
			victim, lowest = i, adj
		}
	}
	if victim >= 0 {
		m.records = append(m.records[:victim], m.records[victim+1:]...)
	}
}

// Len returns the number of stored records.
func (m *Memory) Len() int { return len(m.records) }

// Recall returns the records involving a counterpart, most significant
// first as of now.
func (m *Memory) Recall(counterpart string, now time.Time) []MemoryRecord {
	var out []MemoryRecord
	for _, rec := range m.records {
		if rec.Counterpart == counterpart {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return m.adjusted(out[i], now) > m.adjusted(out[j], now)
	})
	return out
}

// Sentiment aggregates the observer's disposition toward a counterpart:
// a decay-weighted mean of recorded sentiments, zero when no history.
func (m *Memory) Sentiment(counterpart string, now time.Time) float64 {
	var sum, weight float64
	for _, rec := range m.records {
		if rec.Counterpart != counterpart {
			continue
		}
		w := m.adjusted(rec, now)
		sum += rec.Sentiment * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}
