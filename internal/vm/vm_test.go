package vm

import (
	"errors"
	"testing"

	"github.com/beyond-immersion/bannou-behavior/internal/compiler"
	"github.com/beyond-immersion/bannou-behavior/internal/config"
	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
)

func mustImage(t *testing.T, src string) *document.Image {
	t.Helper()
	doc, err := compiler.Compile("test.yaml", []byte(src), nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	img, err := document.NewImage(doc, nil)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	return img
}

func worldRegistry(t *testing.T, data map[string]any) *expression.Registry {
	t.Helper()
	reg := expression.NewRegistry(nil)
	err := reg.Register(&expression.StaticProvider{
		Data: map[string]map[string]any{"world": data},
	})
	if err != nil {
		t.Fatalf("register provider: %v", err)
	}
	return reg
}

const moodSrc = `
behavior: mood
external: [world]
state:
  mood: number
flow:
  - set: mood
    expr: "world.base + rand()"
  - emit: act
    params:
      mood: "mood"
`

func TestEvaluateDeterministic(t *testing.T) {
	img := mustImage(t, moodSrc)
	reg := worldRegistry(t, map[string]any{"base": 10.0})
	m := New(config.DefaultVMConfig(), reg, nil)

	run := func(seed uint64) (float64, float64) {
		c := NewContext("npc-1", img, seed, config.DefaultVMConfig())
		res, err := m.Evaluate(c, Inputs{})
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if len(res.Intents) != 1 || res.Intents[0].Name != "act" {
			t.Fatalf("intents = %+v", res.Intents)
		}
		mood, _ := c.Var("mood")
		return res.Intents[0].Params["mood"].(float64), mood.Float()
	}

	p1, v1 := run(42)
	p2, v2 := run(42)
	if p1 != p2 || v1 != v2 {
		t.Errorf("same seed diverged: (%v,%v) vs (%v,%v)", p1, v1, p2, v2)
	}
	if p1 < 10 || p1 >= 11 {
		t.Errorf("mood = %v, want base+rand in [10,11)", p1)
	}
	p3, _ := run(7)
	if p3 == p1 {
		t.Errorf("different seeds produced identical rand stream (%v)", p3)
	}
}

const awaitSrc = `
behavior: waiter
state:
  fuel: number
  total: number
flow:
  - set: total
    expr: "total + 1"
  - await: "world/fuel"
    into: fuel
  - set: total
    expr: "total + fuel"
  - emit: done
    params:
      total: "total"
`

func TestAwaitSuspendResume(t *testing.T) {
	img := mustImage(t, awaitSrc)
	m := New(config.DefaultVMConfig(), nil, nil)
	c := NewContext("npc-1", img, 1, config.DefaultVMConfig())

	res, err := m.Evaluate(c, Inputs{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Suspended || res.Continuation == nil {
		t.Fatal("expected suspension at the await")
	}
	if res.Continuation.Kind != ContinuationAwait || res.Continuation.RequestPath != "world/fuel" {
		t.Errorf("continuation = %+v", res.Continuation)
	}
	if len(res.Intents) != 0 {
		t.Errorf("suspended tick emitted %d intents", len(res.Intents))
	}

	// No data yet: the context stays parked without progressing.
	res, err = m.Evaluate(c, Inputs{})
	if err != nil || !res.Suspended {
		t.Fatalf("parked tick: res=%+v err=%v", res, err)
	}

	res, err = m.Evaluate(c, Inputs{Resume: &Resume{Value: expression.Number(5)}})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Suspended {
		t.Fatal("resumed tick should run to completion")
	}
	if len(res.Intents) != 1 || res.Intents[0].Params["total"] != 6.0 {
		t.Errorf("intents = %+v, want done with total 6", res.Intents)
	}
	if fuel, _ := c.Var("fuel"); fuel.Float() != 5 {
		t.Errorf("fuel = %v, want 5", fuel.Float())
	}
}

const planSrc = `
behavior: restless
state:
  ready: bool
flow:
  - plan:
      goal:
        has_food: true
      priority: 0.9
    into: ready
  - if: "ready"
    then:
      - emit: execute
`

func TestPlanSuspendResume(t *testing.T) {
	img := mustImage(t, planSrc)
	m := New(config.DefaultVMConfig(), nil, nil)
	c := NewContext("npc-1", img, 1, config.DefaultVMConfig())

	res, err := m.Evaluate(c, Inputs{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Suspended || res.Continuation.Kind != ContinuationPlan {
		t.Fatalf("expected plan suspension, got %+v", res)
	}
	if goal, ok := img.GoalAt(res.Continuation.GoalIndex, 0.5); !ok || len(goal.Conditions) != 1 {
		t.Fatalf("goal table entry %d unresolvable", res.Continuation.GoalIndex)
	}

	res, err = m.Evaluate(c, Inputs{Resume: &Resume{PlanFound: true}})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(res.Intents) != 1 || res.Intents[0].Name != "execute" {
		t.Errorf("intents = %+v, want execute", res.Intents)
	}

	// A failed planning request takes the other branch.
	c2 := NewContext("npc-2", img, 1, config.DefaultVMConfig())
	if _, err := m.Evaluate(c2, Inputs{}); err != nil {
		t.Fatal(err)
	}
	res, err = m.Evaluate(c2, Inputs{Resume: &Resume{PlanFound: false}})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(res.Intents) != 0 {
		t.Errorf("plan-not-found path emitted %+v", res.Intents)
	}
}

const spinSrc = `
behavior: spin
flow:
  - label: top
  - goto: top
`

func TestBudgetQuarantine(t *testing.T) {
	img := mustImage(t, spinSrc)
	cfg := config.DefaultVMConfig()
	cfg.InstructionBudget = 100
	m := New(cfg, nil, nil)
	c := NewContext("runaway", img, 1, cfg)

	_, err := m.Evaluate(c, Inputs{})
	if !errors.Is(err, ErrQuarantined) {
		t.Fatalf("err = %v, want quarantine", err)
	}
	if q, reason := c.Quarantined(); !q || reason == "" {
		t.Error("context should be quarantined with a recorded reason")
	}

	// A quarantined agent stays frozen.
	if _, err := m.Evaluate(c, Inputs{}); !errors.Is(err, ErrQuarantined) {
		t.Errorf("second tick err = %v, want quarantine", err)
	}
}

const chattySrc = `
behavior: chatty
flow:
  - emit: a
  - emit: b
  - emit: c
`

func TestIntentCapacity(t *testing.T) {
	img := mustImage(t, chattySrc)
	cfg := config.DefaultVMConfig()
	cfg.MaxIntentsPerTick = 2
	m := New(cfg, nil, nil)
	c := NewContext("npc-1", img, 1, cfg)

	res, err := m.Evaluate(c, Inputs{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Intents) != 2 {
		t.Fatalf("got %d intents, want capacity 2", len(res.Intents))
	}
	if res.Intents[0].Name != "a" || res.Intents[1].Name != "b" {
		t.Errorf("overflow should drop the tail, kept %+v", res.Intents)
	}
}

const deepSrc = `
behavior: deep
flow:
  - emit: report
    params:
      a: "1"
      b: "2"
      c: "3"
`

func TestStackPolicies(t *testing.T) {
	img := mustImage(t, deepSrc)

	// Six pushes against a two-slot stack. Growing once doubles to four,
	// which still overflows.
	cfg := config.DefaultVMConfig()
	cfg.StackSize = 2
	cfg.StackOverflow = config.StackGrowOnce
	m := New(cfg, nil, nil)
	c := NewContext("npc-1", img, 1, cfg)
	if _, err := m.Evaluate(c, Inputs{}); !errors.Is(err, ErrQuarantined) {
		t.Errorf("grow-once beyond doubled capacity: err = %v, want quarantine", err)
	}

	// Eight slots after growing once is enough.
	cfg.StackSize = 4
	m = New(cfg, nil, nil)
	c = NewContext("npc-2", img, 1, cfg)
	res, err := m.Evaluate(c, Inputs{})
	if err != nil {
		t.Fatalf("grow-once within doubled capacity: %v", err)
	}
	if len(res.Intents) != 1 {
		t.Errorf("intents = %+v", res.Intents)
	}

	// fail_tick never grows.
	cfg.StackSize = 4
	cfg.StackOverflow = config.StackFailTick
	m = New(cfg, nil, nil)
	c = NewContext("npc-3", img, 1, cfg)
	if _, err := m.Evaluate(c, Inputs{}); !errors.Is(err, ErrQuarantined) {
		t.Errorf("fail_tick overflow: err = %v, want quarantine", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	img := mustImage(t, awaitSrc)
	cfg := config.DefaultVMConfig()
	m := New(cfg, nil, nil)
	c := NewContext("npc-1", img, 99, cfg)

	if _, err := m.Evaluate(c, Inputs{}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	data := c.Checkpoint()

	agentID, ref, err := CheckpointRef(data)
	if err != nil {
		t.Fatalf("CheckpointRef: %v", err)
	}
	if agentID != "npc-1" || ref != img.Ref() {
		t.Errorf("ref = %s/%s", agentID, ref)
	}

	restored, err := Restore(data, img, cfg)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !restored.Suspended() {
		t.Fatal("restored context lost its pending continuation")
	}

	// Original and restored must complete identically.
	in := Inputs{Resume: &Resume{Value: expression.Number(5)}}
	ra, err := m.Evaluate(c, in)
	if err != nil {
		t.Fatal(err)
	}
	rb, err := m.Evaluate(restored, in)
	if err != nil {
		t.Fatal(err)
	}
	if ra.Intents[0].Params["total"] != rb.Intents[0].Params["total"] {
		t.Errorf("restored run diverged: %v vs %v", ra.Intents[0].Params, rb.Intents[0].Params)
	}
}

func TestRestoreWrongImage(t *testing.T) {
	img := mustImage(t, awaitSrc)
	other := mustImage(t, moodSrc)
	cfg := config.DefaultVMConfig()
	c := NewContext("npc-1", img, 1, cfg)

	if _, err := Restore(c.Checkpoint(), other, cfg); !errors.Is(err, ErrBadCheckpoint) {
		t.Errorf("restore against a different document: err = %v", err)
	}
}

const rebindV1 = `
behavior: guard
version: 1
state:
  alert: number
  post: string
flow:
  - set: alert
    expr: "alert + 1"
`

const rebindV2 = `
behavior: guard
version: 2
state:
  alert: number
  post: number
  morale:
    type: number
    init: 0.5
flow:
  - set: alert
    expr: "alert + 2"
`

func TestRebindMigratesState(t *testing.T) {
	v1 := mustImage(t, rebindV1)
	v2 := mustImage(t, rebindV2)
	cfg := config.DefaultVMConfig()
	m := New(cfg, nil, nil)
	c := NewContext("npc-1", v1, 1, cfg)

	if _, err := m.Evaluate(c, Inputs{}); err != nil {
		t.Fatal(err)
	}
	if alert, _ := c.Var("alert"); alert.Float() != 1 {
		t.Fatalf("alert = %v before rebind", alert.Float())
	}

	c.Rebind(v2)

	// Same name and type: value carried over.
	if alert, _ := c.Var("alert"); alert.Float() != 1 {
		t.Errorf("alert = %v after rebind, want 1", alert.Float())
	}
	// Same name, changed type: reset to the new declared default.
	if post, _ := c.Var("post"); post.Float() != 0 {
		t.Errorf("post = %v after type change, want default 0", post.Float())
	}
	// New variable: declared default.
	if morale, _ := c.Var("morale"); morale.Float() != 0.5 {
		t.Errorf("morale = %v, want init 0.5", morale.Float())
	}

	// The new code runs.
	if _, err := m.Evaluate(c, Inputs{}); err != nil {
		t.Fatal(err)
	}
	if alert, _ := c.Var("alert"); alert.Float() != 3 {
		t.Errorf("alert = %v after v2 tick, want 3", alert.Float())
	}
}

const heraldV1 = `
behavior: herald
version: 1
state:
  title: string
flow:
  - set: title
    expr: "'alpha'"
`

const heraldV2 = `
behavior: herald
version: 2
state:
  title: string
  rank: string
flow:
  - set: rank
    expr: "'captain'"
`

func TestRebindCarriesStrings(t *testing.T) {
	v1 := mustImage(t, heraldV1)
	v2 := mustImage(t, heraldV2)
	cfg := config.DefaultVMConfig()
	m := New(cfg, nil, nil)
	c := NewContext("npc-1", v1, 1, cfg)

	if _, err := m.Evaluate(c, Inputs{}); err != nil {
		t.Fatal(err)
	}

	// v2's string table does not contain "alpha"; the carried value must
	// be re-interned as text, not copied as an old-table index.
	c.Rebind(v2)
	title, ok := c.Var("title")
	if !ok || !title.IsString() {
		t.Fatalf("title = %v ok=%v after rebind", title, ok)
	}
	if s, ok := c.StringAt(title.StringIndex()); !ok || s != "alpha" {
		t.Fatalf("title resolves to %q ok=%v after rebind, want \"alpha\"", s, ok)
	}

	// The new code runs against the same context.
	if _, err := m.Evaluate(c, Inputs{}); err != nil {
		t.Fatal(err)
	}
	if rank, _ := c.Var("rank"); !rank.IsString() {
		t.Errorf("rank = %v after v2 tick", rank)
	} else if s, _ := c.StringAt(rank.StringIndex()); s != "captain" {
		t.Errorf("rank = %q, want \"captain\"", s)
	}
	title, _ = c.Var("title")
	if s, _ := c.StringAt(title.StringIndex()); s != "alpha" {
		t.Errorf("title = %q after v2 tick, want carried \"alpha\"", s)
	}
}

func TestRebindInvalidatesContinuation(t *testing.T) {
	v1 := mustImage(t, awaitSrc)
	v2 := mustImage(t, awaitSrc)
	cfg := config.DefaultVMConfig()
	m := New(cfg, nil, nil)
	c := NewContext("npc-1", v1, 1, cfg)

	if _, err := m.Evaluate(c, Inputs{}); err != nil {
		t.Fatal(err)
	}
	if !c.Suspended() {
		t.Fatal("expected suspension")
	}
	c.Rebind(v2)
	if c.Suspended() {
		t.Error("rebind must invalidate the pending continuation")
	}
}

const stringsSrc = `
behavior: names
external: [world]
state:
  title: string
flow:
  - set: title
    expr: "world.name + ' the bold'"
  - emit: announce
    params:
      title: "title"
`

func TestRuntimeStrings(t *testing.T) {
	img := mustImage(t, stringsSrc)
	reg := worldRegistry(t, map[string]any{"name": "Ragnar"})
	cfg := config.DefaultVMConfig()
	m := New(cfg, reg, nil)
	c := NewContext("npc-1", img, 1, cfg)

	res, err := m.Evaluate(c, Inputs{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Intents) != 1 || res.Intents[0].Params["title"] != "Ragnar the bold" {
		t.Errorf("intents = %+v", res.Intents)
	}
}

func TestSubroutineFlow(t *testing.T) {
	src := `
behavior: caller
state:
  n: number
flow:
  - call: bump
  - call: bump
  - emit: done
    params:
      n: "n"
subroutines:
  bump:
    - set: n
      expr: "n + 1"
`
	img := mustImage(t, src)
	m := New(config.DefaultVMConfig(), nil, nil)
	c := NewContext("npc-1", img, 1, config.DefaultVMConfig())

	res, err := m.Evaluate(c, Inputs{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Intents) != 1 || res.Intents[0].Params["n"] != 2.0 {
		t.Errorf("intents = %+v, want n=2", res.Intents)
	}
}

func TestWhileLoop(t *testing.T) {
	src := `
behavior: counter
state:
  i: number
flow:
  - while: "i < 5"
    do:
      - set: i
        expr: "i + 1"
  - emit: done
    params:
      i: "i"
`
	img := mustImage(t, src)
	m := New(config.DefaultVMConfig(), nil, nil)
	c := NewContext("npc-1", img, 1, config.DefaultVMConfig())

	res, err := m.Evaluate(c, Inputs{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Intents[0].Params["i"] != 5.0 {
		t.Errorf("i = %v, want 5", res.Intents[0].Params["i"])
	}
}

func TestExpressionFaultDegrades(t *testing.T) {
	src := `
behavior: faulty
state:
  x: number
flow:
  - set: x
    expr: "1 / 0"
  - emit: done
    params:
      x: "x"
`
	img := mustImage(t, src)
	m := New(config.DefaultVMConfig(), nil, nil)
	c := NewContext("npc-1", img, 1, config.DefaultVMConfig())

	res, err := m.Evaluate(c, Inputs{})
	if err != nil {
		t.Fatalf("a faulting expression must not fail the tick: %v", err)
	}
	if res.Intents[0].Params["x"] != nil {
		t.Errorf("x = %v, want nil for the not-a-number sentinel", res.Intents[0].Params["x"])
	}
	if x, _ := c.Var("x"); !x.IsNaN() {
		t.Errorf("x = %v, want NaN sentinel", x)
	}
}
