package cognition

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beyond-immersion/bannou-behavior/internal/config"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/planner"
)

func TestAttentionQueueTopRetention(t *testing.T) {
	q := NewAttentionQueue(3)
	for _, u := range []float64{0.2, 0.9, 0.4, 0.95, 0.1} {
		q.Push(Event{Kind: "noise", Urgency: u})
	}

	got := q.Urgencies()
	sort.Float64s(got)
	assert.Equal(t, []float64{0.4, 0.9, 0.95}, got)
}

func TestAttentionQueuePopOrder(t *testing.T) {
	q := NewAttentionQueue(8)
	q.Push(Event{Kind: "a", Urgency: 0.3})
	q.Push(Event{Kind: "b", Urgency: 0.8})
	q.Push(Event{Kind: "c", Urgency: 0.8})
	q.Push(Event{Kind: "d", Urgency: 0.1})

	var kinds []string
	for {
		ev, ok := q.Pop()
		if !ok {
			break
		}
		kinds = append(kinds, ev.Kind)
	}
	// Highest urgency first; equal urgencies in arrival order.
	assert.Equal(t, []string{"b", "c", "a", "d"}, kinds)
}

func TestAttentionQueueRejectsLowestIncoming(t *testing.T) {
	q := NewAttentionQueue(2)
	q.Push(Event{Urgency: 0.5})
	q.Push(Event{Urgency: 0.6})
	assert.False(t, q.Push(Event{Urgency: 0.2}),
		"an incoming event below every pending urgency is the one dropped")
	assert.Equal(t, 2, q.Len())
}

func TestAttentionQueueDrain(t *testing.T) {
	q := NewAttentionQueue(4)
	q.Push(Event{Urgency: 0.5})
	q.Push(Event{Urgency: 0.6})
	assert.Equal(t, 2, q.Drain())
	_, ok := q.Pop()
	assert.False(t, ok, "queue should be empty after drain")
}

func TestMemoryCapEviction(t *testing.T) {
	now := time.Now()
	m := NewMemory(5, 0, 24*time.Hour)

	// Ten records of distinct significance; only the five highest stay.
	for i := 1; i <= 10; i++ {
		m.Observe(MemoryRecord{
			Kind:         fmt.Sprintf("event-%d", i),
			At:           now,
			Significance: float64(i) / 10,
		}, now)
	}
	require.Equal(t, 5, m.Len())
	for _, rec := range m.records {
		assert.GreaterOrEqual(t, rec.Significance, 0.6,
			"low-significance record %q survived eviction", rec.Kind)
	}
}

func TestMemoryDecayAffectsEviction(t *testing.T) {
	now := time.Now()
	m := NewMemory(2, 0, time.Hour)

	// A once-major memory two half-lives old now counts a quarter of its
	// raw significance, so it loses to fresher middling memories.
	m.Observe(MemoryRecord{Kind: "old_glory", At: now.Add(-2 * time.Hour), Significance: 0.8}, now)
	m.Observe(MemoryRecord{Kind: "recent_a", At: now, Significance: 0.5}, now)
	m.Observe(MemoryRecord{Kind: "recent_b", At: now, Significance: 0.4}, now)

	require.Equal(t, 2, m.Len())
	for _, rec := range m.records {
		assert.NotEqual(t, "old_glory", rec.Kind, "decayed record should have been evicted")
	}
}

func TestMemoryPairCap(t *testing.T) {
	now := time.Now()
	m := NewMemory(64, 2, 24*time.Hour)

	for i := 1; i <= 4; i++ {
		m.Observe(MemoryRecord{
			Kind:         fmt.Sprintf("meeting-%d", i),
			Counterpart:  "npc-7",
			At:           now,
			Significance: float64(i) / 10,
		}, now)
	}
	m.Observe(MemoryRecord{Kind: "other", Counterpart: "npc-9", At: now, Significance: 0.1}, now)

	assert.Len(t, m.Recall("npc-7", now), 2)
	assert.Len(t, m.Recall("npc-9", now), 1, "unrelated pair must be untouched")
}

func TestMemorySentiment(t *testing.T) {
	now := time.Now()
	m := NewMemory(16, 8, 24*time.Hour)
	m.Observe(MemoryRecord{Counterpart: "npc-3", At: now, Significance: 0.5, Sentiment: 1}, now)
	m.Observe(MemoryRecord{Counterpart: "npc-3", At: now, Significance: 0.5, Sentiment: -0.5}, now)

	assert.Equal(t, 0.25, m.Sentiment("npc-3", now))
	assert.Zero(t, m.Sentiment("stranger", now), "no history reads as neutral")
}

func testPipeline() *Pipeline {
	return NewPipeline(config.DefaultCognitionConfig(), nil)
}

func TestPipelineFastTrack(t *testing.T) {
	p := testPipeline()
	mem := NewMemory(64, 16, 24*time.Hour)

	out := p.Process(Event{Kind: "threat_detected", Urgency: 0.95}, mem, Personality{}, nil)
	require.True(t, out.FastTracked)
	require.True(t, out.Replan)
	// Stages 2-4 bypassed: no memory formed.
	assert.Nil(t, out.Memory)
	assert.Equal(t, 0, mem.Len())

	require.NotNil(t, out.Goal)
	c := out.Goal.Conditions[0]
	assert.Equal(t, "threat_detected", c.Fact)
	assert.Equal(t, expression.Bool(false), c.Value)
	assert.Equal(t, 0.95, out.Goal.Urgency, "goal carries the event's urgency")
}

func TestPipelineAttentionFilter(t *testing.T) {
	p := testPipeline()
	mem := NewMemory(64, 16, 24*time.Hour)

	out := p.Process(Event{Kind: "leaf_falls", Urgency: 0.05}, mem, Personality{}, nil)
	assert.Nil(t, out.Goal, "sub-threshold event must be discarded entirely")
	assert.Nil(t, out.Memory)
	assert.False(t, out.Replan)

	// A vigilant agent's floor is lower; the same event passes.
	vigilant := Personality{Traits: map[string]float64{"vigilance": 1}}
	out = p.Process(Event{Kind: "leaf_falls", Urgency: 0.05}, mem, vigilant, nil)
	assert.NotNil(t, out.Goal, "vigilant agent should attend to the same event")
}

func TestPipelineNormalPath(t *testing.T) {
	p := testPipeline()
	mem := NewMemory(64, 16, 24*time.Hour)

	ev := Event{
		Kind:    "insult",
		Source:  "npc-2",
		Urgency: 0.5,
		Payload: map[string]any{"sentiment": -0.8},
		At:      time.Now(),
	}
	out := p.Process(ev, mem, Personality{}, nil)
	require.False(t, out.FastTracked, "urgency 0.5 must not fast-track")
	require.NotNil(t, out.Memory, "a significant event should form a memory")
	require.Equal(t, 1, mem.Len())
	assert.Equal(t, "npc-2", out.Memory.Counterpart)
	assert.Equal(t, -0.8, out.Memory.Sentiment)
	// No active goals: anything significant becomes the dominant goal.
	assert.True(t, out.Replan)
	assert.NotNil(t, out.Goal)
}

func TestPipelineGoalRelevanceRaisesSignificance(t *testing.T) {
	p := testPipeline()
	mem := NewMemory(64, 16, 24*time.Hour)

	active := []planner.Goal{{
		Conditions: []planner.Condition{{Fact: "has_food", Op: planner.CmpEq, Value: expression.Bool(true)}},
		Priority:   0.9,
	}}
	relevant := p.Process(Event{Kind: "has_food", Urgency: 0.3}, mem, Personality{}, active)
	unrelated := p.Process(Event{Kind: "birdsong", Urgency: 0.3}, mem, Personality{}, active)
	assert.Greater(t, relevant.Significance, unrelated.Significance)
	// Neither outranks the 0.9 goal, so no replan.
	assert.False(t, relevant.Replan)
	assert.False(t, unrelated.Replan)
}

func TestPipelineGoalPayloadOverride(t *testing.T) {
	p := testPipeline()
	mem := NewMemory(64, 16, 24*time.Hour)

	ev := Event{
		Kind:    "market_opened",
		Urgency: 0.5,
		Payload: map[string]any{"goal": map[string]any{"gold": 10.0, "at_market": true}},
	}
	out := p.Process(ev, mem, Personality{}, nil)
	require.NotNil(t, out.Goal)
	require.Len(t, out.Goal.Conditions, 2)
	// Sorted by fact for determinism.
	assert.Equal(t, "at_market", out.Goal.Conditions[0].Fact)
	assert.Equal(t, "gold", out.Goal.Conditions[1].Fact)
}
