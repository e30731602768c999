package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/beyond-immersion/bannou-behavior/internal/cognition"
	"github.com/beyond-immersion/bannou-behavior/internal/compiler"
	"github.com/beyond-immersion/bannou-behavior/internal/config"
	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/vm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collector is a threadsafe intent sink.
type collector struct {
	mu      sync.Mutex
	intents map[string][]vm.Intent
}

func newCollector() *collector {
	return &collector{intents: make(map[string][]vm.Intent)}
}

func (c *collector) sink(agentID string, intents []vm.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents[agentID] = append(c.intents[agentID], intents...)
}

func (c *collector) names(agentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, in := range c.intents[agentID] {
		out = append(out, in.Name)
	}
	return out
}

func publish(t *testing.T, reg *document.Registry, src string) document.Ref {
	t.Helper()
	resolver := compiler.BaseResolverFunc(func(name string) (*document.Document, error) {
		return reg.Latest(name)
	})
	doc, err := compiler.Compile("test.yaml", []byte(src), resolver)
	require.NoError(t, err)
	require.NoError(t, reg.Publish(doc))
	return doc.Ref()
}

func newEngine(t *testing.T, reg *document.Registry, sink IntentSink) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.Workers = 2
	return New(cfg, reg, nil, nil, sink)
}

const tickerSrc = `
behavior: ticker
state:
  count: number
flow:
  - set: count
    expr: "count + 1"
  - emit: heartbeat
    params:
      count: "count"
`

func TestSpawnTickDespawn(t *testing.T) {
	reg := document.NewRegistry(nil)
	ref := publish(t, reg, tickerSrc)
	col := newCollector()
	e := newEngine(t, reg, col.sink)

	require.NoError(t, e.Spawn("npc-1", ref, nil, 1, cognition.Personality{}))
	require.ErrorIs(t, e.Spawn("npc-1", ref, nil, 1, cognition.Personality{}), ErrAgentExists)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Tick(context.Background()))
	}
	require.Len(t, col.names("npc-1"), 3)
	a, _ := e.Agent("npc-1")
	count, _ := a.Context().Var("count")
	assert.Equal(t, 3.0, count.Float())

	require.NoError(t, e.Despawn("npc-1"))
	require.ErrorIs(t, e.Despawn("npc-1"), ErrNoAgent)
	assert.Equal(t, 0, e.Stats().Agents)
}

const sentinelSrc = `
behavior: sentinel
state:
  threat_detected:
    type: bool
    init: true
actions:
  flee:
    preconditions:
      threat_detected: true
    effects:
      threat_detected: false
    cost: 1
flow: []
`

func TestPerceptionDrivesPlanExecution(t *testing.T) {
	reg := document.NewRegistry(nil)
	ref := publish(t, reg, sentinelSrc)
	col := newCollector()
	e := newEngine(t, reg, col.sink)

	require.NoError(t, e.Spawn("guard", ref, nil, 1, cognition.Personality{}))
	// An acute threat fast-tracks into a goal and a replan request.
	require.NoError(t, e.Perceive("guard", cognition.Event{Kind: "threat_detected", Urgency: 0.95}))

	require.NoError(t, e.Tick(context.Background()))
	assert.Equal(t, []string{"flee"}, col.names("guard"))
	assert.Equal(t, uint64(1), e.Stats().PlansComputed)

	// The plan is spent; with no new perception the agent idles.
	require.NoError(t, e.Tick(context.Background()))
	assert.Len(t, col.names("guard"), 1, "idle tick must not emit")
}

func TestPerceiveUnknownAgent(t *testing.T) {
	reg := document.NewRegistry(nil)
	e := newEngine(t, reg, nil)
	require.ErrorIs(t, e.Perceive("ghost", cognition.Event{Kind: "x"}), ErrNoAgent)
}

const guardV1 = `
behavior: patrol
version: 1
state:
  alert: number
flow:
  - set: alert
    expr: "alert + 1"
`

const guardV2 = `
behavior: patrol
version: 2
state:
  alert: number
  zeal:
    type: number
    init: 0.5
flow:
  - set: alert
    expr: "alert + 10"
`

func TestHotReloadRebind(t *testing.T) {
	reg := document.NewRegistry(nil)
	v1 := publish(t, reg, guardV1)
	e := newEngine(t, reg, nil)

	require.NoError(t, e.Spawn("p1", v1, nil, 1, cognition.Personality{}))
	require.NoError(t, e.Tick(context.Background()))

	v2 := publish(t, reg, guardV2)
	require.NoError(t, e.Rebind("p1", v2, nil))

	a, _ := e.Agent("p1")
	alert, _ := a.Context().Var("alert")
	assert.Equal(t, 1.0, alert.Float(), "same-name same-type state carries over")
	zeal, _ := a.Context().Var("zeal")
	assert.Equal(t, 0.5, zeal.Float(), "new variable takes its declared init")

	require.NoError(t, e.Tick(context.Background()))
	alert, _ = a.Context().Var("alert")
	assert.Equal(t, 11.0, alert.Float())

	// v1 is now unreferenced and non-latest: eligible for collection.
	assert.Equal(t, []document.Ref{v1}, reg.GC())
}

const spinnerSrc = `
behavior: spinner
flow:
  - label: top
  - goto: top
`

func TestQuarantineIsolation(t *testing.T) {
	reg := document.NewRegistry(nil)
	spinner := publish(t, reg, spinnerSrc)
	ticker := publish(t, reg, tickerSrc)
	col := newCollector()

	cfg := config.Default()
	cfg.VM.InstructionBudget = 50
	cfg.Engine.Workers = 1
	e := New(cfg, reg, nil, nil, col.sink)

	require.NoError(t, e.Spawn("bad", spinner, nil, 1, cognition.Personality{}))
	require.NoError(t, e.Spawn("good", ticker, nil, 1, cognition.Personality{}))

	// The runaway agent quarantines; the healthy one keeps ticking and
	// the tick itself never fails.
	for i := 0; i < 2; i++ {
		require.NoError(t, e.Tick(context.Background()))
	}
	assert.Len(t, col.names("good"), 2)
	s := e.Stats()
	assert.Equal(t, 1, s.Quarantined)
	assert.Equal(t, uint64(1), s.QuarantineEvents)
}

const waiterSrc = `
behavior: fetcher
external: [world]
state:
  fuel: number
flow:
  - await: "world/fuel"
    into: fuel
  - emit: refueled
    params:
      fuel: "fuel"
`

func TestAwaitResolvedFromProviders(t *testing.T) {
	reg := document.NewRegistry(nil)
	ref := publish(t, reg, waiterSrc)
	col := newCollector()

	providers := expression.NewRegistry(nil)
	require.NoError(t, providers.Register(&expression.StaticProvider{
		Data: map[string]map[string]any{"world": {"fuel": 42.0}},
	}))

	cfg := config.Default()
	cfg.Engine.Workers = 1
	e := New(cfg, reg, providers, nil, col.sink)
	require.NoError(t, e.Spawn("f1", ref, nil, 1, cognition.Personality{}))

	// Tick 1 suspends at the await; tick 2 resumes with provider data.
	require.NoError(t, e.Tick(context.Background()))
	a, _ := e.Agent("f1")
	require.True(t, a.Context().Suspended(), "agent should be suspended at the await")
	require.NoError(t, e.Tick(context.Background()))
	assert.Equal(t, []string{"refueled"}, col.names("f1"))
	fuel, _ := a.Context().Var("fuel")
	assert.Equal(t, 42.0, fuel.Float())
}

func TestDespawnDropsQueuedPerceptions(t *testing.T) {
	reg := document.NewRegistry(nil)
	ref := publish(t, reg, tickerSrc)
	e := newEngine(t, reg, nil)

	require.NoError(t, e.Spawn("npc-1", ref, nil, 1, cognition.Personality{}))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Perceive("npc-1", cognition.Event{Kind: "noise", Urgency: 0.5}))
	}
	a, _ := e.Agent("npc-1")
	require.NoError(t, e.Despawn("npc-1"))
	assert.Equal(t, 0, a.Queue().Len(), "despawn must drop queued perceptions")
	// Ticking after despawn is a no-op for the removed agent.
	require.NoError(t, e.Tick(context.Background()))
}

func TestWorkerPoolShapes(t *testing.T) {
	reg := document.NewRegistry(nil)
	ref := publish(t, reg, tickerSrc)
	col := newCollector()
	e := newEngine(t, reg, col.sink)

	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		require.NoError(t, e.Spawn(id, ref, nil, uint64(i+1), cognition.Personality{}))
	}

	// Single loop, fixed pool, and a resized pool must all behave
	// identically from the outside.
	for _, workers := range []int{1, 4, 16} {
		e.SetWorkers(workers)
		require.NoError(t, e.Tick(context.Background()), "workers=%d", workers)
	}
	for _, id := range ids {
		assert.Len(t, col.names(id), 3, "agent %s", id)
	}
	s := e.Stats()
	assert.Equal(t, uint64(3), s.Ticks)
	assert.Equal(t, 5, s.Agents)
}

func TestStatsPendingPerceptions(t *testing.T) {
	reg := document.NewRegistry(nil)
	ref := publish(t, reg, tickerSrc)
	e := newEngine(t, reg, nil)

	require.NoError(t, e.Spawn("npc-1", ref, nil, 1, cognition.Personality{}))
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Perceive("npc-1", cognition.Event{Kind: "noise", Urgency: 0.4}))
	}
	assert.Equal(t, 3, e.Stats().PendingPerceptions)
	require.NoError(t, e.Despawn("npc-1"))
}
