package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beyond-immersion/bannou-behavior/internal/cognition"
	"github.com/beyond-immersion/bannou-behavior/internal/config"
	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/logging"
	"github.com/beyond-immersion/bannou-behavior/internal/planner"
	"github.com/beyond-immersion/bannou-behavior/internal/vm"
)

var (
	// ErrAgentExists rejects spawning a duplicate agent id.
	ErrAgentExists = errors.New("agent already exists")
	// ErrNoAgent is returned for operations on an unknown agent.
	ErrNoAgent = errors.New("no such agent")
)

// IntentSink receives each agent's emitted intents once per tick. The
// engine never executes intents itself; outcomes come back as new
// perception events.
type IntentSink func(agentID string, intents []vm.Intent)

// Engine schedules the full perceive→cognize→plan→execute cycle for a
// population of agents over a resizable worker pool.
type Engine struct {
	cfg       config.Config
	registry  *document.Registry
	providers *expression.Registry
	machine   *vm.VM
	search    *planner.Planner
	pipeline  *cognition.Pipeline
	log       *zap.Logger
	sink      IntentSink

	mu     sync.RWMutex
	agents map[string]*Agent

	workers atomic.Int32

	ticks       atomic.Uint64
	intentsOut  atomic.Uint64
	plansRun    atomic.Uint64
	quarantines atomic.Uint64
}

// New assembles an engine from published documents, external variable
// providers, and an intent sink.
func New(cfg config.Config, registry *document.Registry, providers *expression.Registry, logs *logging.Factory, sink IntentSink) *Engine {
	if logs == nil {
		logs = logging.Nop()
	}
	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		providers: providers,
		machine:   vm.New(cfg.VM, providers, logs),
		search:    planner.New(cfg.Planner, logs.Get(logging.CategoryPlanner)),
		pipeline:  cognition.NewPipeline(cfg.Cognition, logs),
		log:       logs.Get(logging.CategoryEngine),
		sink:      sink,
		agents:    make(map[string]*Agent),
	}
	w := cfg.Engine.Workers
	if w < 1 {
		w = 1
	}
	e.workers.Store(int32(w))
	return e
}

// SetWorkers resizes the tick worker pool; an external control plane
// calls this as the agent population changes.
func (e *Engine) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	e.workers.Store(int32(n))
}

// Spawn creates an agent bound to a base document version plus active
// extensions.
func (e *Engine) Spawn(id string, base document.Ref, exts []document.Ref, seed uint64, pers cognition.Personality) error {
	img, err := e.registry.Load(base, exts)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.agents[id]; dup {
		return fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	e.registry.Acquire(base)
	for _, ref := range exts {
		e.registry.Acquire(ref)
	}
	a := &Agent{
		ID:          id,
		ctx:         vm.NewContext(id, img, seed, e.cfg.VM),
		queue:       cognition.NewAttentionQueue(e.cfg.Cognition.QueueCapacity),
		memory:      cognition.NewMemory(e.cfg.Cognition.MemoryCap, e.cfg.Cognition.PairMemoryCap, e.cfg.Cognition.DecayHalfLife),
		personality: pers,
		baseRef:     base,
		extRefs:     append([]document.Ref(nil), exts...),
	}
	e.agents[id] = a
	e.log.Info("agent spawned", zap.String("agent", id), zap.Stringer("document", base))
	return nil
}

// Despawn destroys an agent: any in-flight planning search is cancelled
// synchronously, queued perceptions are dropped, and document references
// are released. No background work outlives the agent.
func (e *Engine) Despawn(id string) error {
	e.mu.Lock()
	a, ok := e.agents[id]
	if ok {
		delete(e.agents, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAgent, id)
	}

	a.cancelPlanning()
	a.mu.Lock() // wait out a tick in flight
	a.gone = true
	dropped := a.queue.Drain()
	a.mu.Unlock()

	e.registry.Release(a.baseRef)
	for _, ref := range a.extRefs {
		e.registry.Release(ref)
	}
	e.log.Info("agent despawned",
		zap.String("agent", id), zap.Int("dropped_perceptions", dropped))
	return nil
}

// Perceive enqueues a perception for an agent and returns immediately.
// The agent consumes it at its next tick in urgency order.
func (e *Engine) Perceive(id string, ev cognition.Event) error {
	e.mu.RLock()
	a, ok := e.agents[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAgent, id)
	}
	if !a.queue.Push(ev) {
		e.log.Debug("perception dropped on full queue",
			zap.String("agent", id), zap.String("kind", ev.Kind))
	}
	return nil
}

// Agent returns a live agent by id.
func (e *Engine) Agent(id string) (*Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[id]
	return a, ok
}

// Rebind atomically moves a live agent to a new document combination.
// Compatible variables and all memory survive; any pending continuation
// is invalidated and the current plan is dropped for a replan against
// the new action set.
func (e *Engine) Rebind(id string, base document.Ref, exts []document.Ref) error {
	img, err := e.registry.Load(base, exts)
	if err != nil {
		return fmt.Errorf("rebind %s: %w", id, err)
	}
	e.mu.RLock()
	a, ok := e.agents[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAgent, id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	oldBase, oldExts := a.baseRef, a.extRefs
	e.registry.Acquire(base)
	for _, ref := range exts {
		e.registry.Acquire(ref)
	}
	a.ctx.Rebind(img)
	a.baseRef = base
	a.extRefs = append([]document.Ref(nil), exts...)
	a.plan = nil
	e.registry.Release(oldBase)
	for _, ref := range oldExts {
		e.registry.Release(ref)
	}
	e.log.Info("agent rebound",
		zap.String("agent", id), zap.Stringer("document", base))
	return nil
}

// Tick runs one full cycle for every live agent across the worker pool.
// Agents are independent; there is no cross-agent ordering guarantee.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.RLock()
	batch := make([]*Agent, 0, len(e.agents))
	for _, a := range e.agents {
		batch = append(batch, a)
	}
	e.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(e.workers.Load()))
	for _, a := range batch {
		a := a
		g.Go(func() error {
			return e.tickAgent(gctx, a)
		})
	}
	err := g.Wait()
	e.ticks.Add(1)
	return err
}

// tickAgent runs one agent's cognition→plan→execute cycle. Agent faults
// quarantine that agent only and never fail the tick.
func (e *Engine) tickAgent(ctx context.Context, a *Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gone {
		return nil
	}
	if q, _ := a.ctx.Quarantined(); q {
		return nil
	}

	// Cognition: at most one perception per tick, highest urgency first.
	if ev, ok := a.queue.Pop(); ok {
		var active []planner.Goal
		if a.goal != nil {
			active = []planner.Goal{*a.goal}
		}
		out := e.pipeline.Process(ev, a.memory, a.personality, active)
		if out.Goal != nil && (a.goal == nil || out.Goal.Priority > a.goal.Priority || out.Replan) {
			a.goal = out.Goal
			if out.Replan {
				a.plan = nil
			}
		}
	}

	facts := e.facts(a)

	// Replan triggers: satisfied goal, invalidated plan.
	if a.goal != nil && a.goal.Satisfied(facts) {
		a.goal, a.plan = nil, nil
	}
	if a.plan != nil && !a.plan.Valid(facts) {
		a.plan = nil
	}
	if a.plan == nil && a.goal != nil {
		plan, err := e.runSearch(ctx, a, *a.goal, facts)
		if err != nil {
			return err
		}
		a.plan = plan
		if plan == nil {
			// No plan found: fall back to idle until cognition emits a
			// fresh goal.
			a.goal = nil
		}
	}

	// Execution: resume a suspended evaluation or start a fresh tick.
	var in vm.Inputs
	if p := a.ctx.Pending(); p != nil {
		switch p.Kind {
		case vm.ContinuationPlan:
			found, err := e.resolveSubPlan(ctx, a, p)
			if err != nil {
				return err
			}
			in.Resume = &vm.Resume{PlanFound: found}
		default:
			in.Resume = &vm.Resume{Value: e.fetch(a, p.RequestPath)}
		}
	}
	res, err := e.machine.Evaluate(a.ctx, in)
	if err != nil {
		if errors.Is(err, vm.ErrQuarantined) {
			e.quarantines.Add(1)
			return nil
		}
		return err
	}

	intents := res.Intents
	if !res.Suspended && a.plan != nil {
		if act, ok := a.plan.NextAction(); ok {
			intents = append(intents, vm.Intent{Name: act.Name})
			a.plan.Advance()
		}
		if a.plan.Done() {
			a.plan, a.goal = nil, nil
		}
	}
	if len(intents) > 0 {
		e.intentsOut.Add(uint64(len(intents)))
		if e.sink != nil {
			e.sink(a.ID, intents)
		}
	}
	return nil
}

// runSearch plans toward a goal under the urgency-derived bounds,
// publishing a cancel handle so Despawn can abort it synchronously. A
// despawn-cancelled search reports no plan, not an error.
func (e *Engine) runSearch(ctx context.Context, a *Agent, goal planner.Goal, facts planner.Facts) (*planner.Plan, error) {
	actions, err := a.ctx.Image().PlannerActions()
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	a.setPlanCancel(cancel)
	defer func() {
		a.setPlanCancel(nil)
		cancel()
	}()

	e.plansRun.Add(1)
	plan, err := e.search.Plan(sctx, goal, facts, actions, e.search.BoundsFor(goal.Urgency))
	if err != nil {
		if ctx.Err() == nil {
			// Cancelled from Despawn, not from the tick: the agent is on
			// its way out.
			return nil, nil
		}
		return nil, err
	}
	return plan, nil
}

// resolveSubPlan services an OpPlan suspension: search for the document
// goal and adopt the plan on success.
func (e *Engine) resolveSubPlan(ctx context.Context, a *Agent, p *vm.Continuation) (bool, error) {
	urgency := 0.5
	if a.goal != nil {
		urgency = a.goal.Urgency
	}
	goal, ok := a.ctx.Image().GoalAt(p.GoalIndex, urgency)
	if !ok {
		return false, nil
	}
	plan, err := e.runSearch(ctx, a, goal, e.facts(a))
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, nil
	}
	a.plan = plan
	a.goal = &goal
	return true, nil
}

// facts builds the planning snapshot: the agent's declared variables by
// name plus one level of each external namespace as "ns.key" facts.
// Facts are rebuilt fresh per invocation, never stored.
func (e *Engine) facts(a *Agent) planner.Facts {
	f := make(planner.Facts)
	img := a.ctx.Image()
	for _, decl := range img.Schema {
		if v, ok := a.ctx.Var(decl.Name); ok {
			f[decl.Name] = v
		}
	}
	if e.providers == nil {
		return f
	}
	scope := expression.Scope{AgentID: a.ID}
	for _, ns := range img.Externals {
		for k, raw := range e.providers.Snapshot(scope, ns) {
			if v, ok := e.toValue(a, raw); ok {
				f[ns+"."+k] = v
			}
		}
	}
	return f
}

// toValue converts provider data to the uniform scalar, interning
// strings into the agent's runtime table.
func (e *Engine) toValue(a *Agent, raw any) (expression.Value, bool) {
	switch x := raw.(type) {
	case bool:
		return expression.Bool(x), true
	case int:
		return expression.Number(float64(x)), true
	case int64:
		return expression.Number(float64(x)), true
	case float64:
		return expression.Number(x), true
	case string:
		return expression.String(a.ctx.Intern(x)), true
	default:
		return 0, false
	}
}

// fetch resolves an await request path ("namespace/key/...") against the
// provider registry. A missing value degrades to the not-a-number
// sentinel with a warning rather than failing the agent.
func (e *Engine) fetch(a *Agent, path string) expression.Value {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || e.providers == nil {
		return expression.NaN()
	}
	scope := expression.Scope{AgentID: a.ID}
	var cur any = e.providers.Snapshot(scope, parts[0])
	for _, key := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			cur = nil
			break
		}
		cur = m[key]
	}
	v, ok := e.toValue(a, cur)
	if !ok {
		e.log.Warn("await path unresolved, degrading to NaN",
			zap.String("agent", a.ID), zap.String("path", path))
		return expression.NaN()
	}
	return v
}

// Stats is a point-in-time engine snapshot for the control plane.
type Stats struct {
	Agents             int
	Quarantined        int
	PendingPerceptions int
	Ticks              uint64
	IntentsEmitted     uint64
	PlansComputed      uint64
	QuarantineEvents   uint64
}

// Stats collects a snapshot across the live population.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{
		Agents:           len(e.agents),
		Ticks:            e.ticks.Load(),
		IntentsEmitted:   e.intentsOut.Load(),
		PlansComputed:    e.plansRun.Load(),
		QuarantineEvents: e.quarantines.Load(),
	}
	for _, a := range e.agents {
		if q, _ := a.ctx.Quarantined(); q {
			s.Quarantined++
		}
		s.PendingPerceptions += a.queue.Len()
	}
	return s
}
