package cognition

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/beyond-immersion/bannou-behavior/internal/config"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/logging"
	"github.com/beyond-immersion/bannou-behavior/internal/planner"
)

// Outcome is the result of running one perception through the pipeline.
type Outcome struct {
	// Goal is the emitted goal, nil when the event was filtered out.
	Goal *planner.Goal
	// Replan requests immediate replanning against the emitted goal.
	Replan bool
	// FastTracked reports that stages 2-4 were bypassed for urgency.
	FastTracked bool
	// Memory is the record formed by stage 3, nil when none was.
	Memory *MemoryRecord
	// Significance is the stage-2 score; for fast-tracked events it is
	// the raw urgency.
	Significance float64
}

// Pipeline runs the five cognition stages. It is stateless and shared
// across agents; all per-agent state arrives as arguments.
type Pipeline struct {
	cfg config.CognitionConfig
	log *zap.Logger
	now func() time.Time
}

// NewPipeline creates a pipeline with the given tuning.
func NewPipeline(cfg config.CognitionConfig, logs *logging.Factory) *Pipeline {
	if logs == nil {
		logs = logging.Nop()
	}
	return &Pipeline{cfg: cfg, log: logs.Get(logging.CategoryCognition), now: time.Now}
}

// Process runs one event through the stages and returns the outcome.
// mem is mutated only by the memory-formation stage; everything else is
// read-only.
func (p *Pipeline) Process(ev Event, mem *Memory, pers Personality, active []planner.Goal) Outcome {
	// Stage 1: attention filter.
	if !p.attend(ev, pers) {
		p.log.Debug("event below attention floor",
			zap.String("kind", ev.Kind), zap.Float64("urgency", ev.Urgency))
		return Outcome{}
	}

	// Acute threats skip deliberation: straight to goal emission and a
	// replan request.
	if ev.Urgency >= p.cfg.FastTrackThreshold {
		goal := p.formIntention(ev, ev.Urgency, ev.Urgency, "fast_track")
		p.log.Debug("fast-tracked perception",
			zap.String("kind", ev.Kind), zap.Float64("urgency", ev.Urgency))
		return Outcome{Goal: &goal, Replan: true, FastTracked: true, Significance: ev.Urgency}
	}

	// Stage 2: significance assessment.
	sig := p.assess(ev, pers, active)

	// Stage 3: memory formation.
	var formed *MemoryRecord
	if rec, ok := p.formMemory(ev, sig); ok {
		now := ev.At
		if now.IsZero() {
			now = p.now()
		}
		mem.Observe(rec, now)
		formed = &rec
	}

	// Stage 4: goal impact evaluation.
	priority, replan := p.goalImpact(ev, sig, active)

	// Stage 5: intention formation.
	goal := p.formIntention(ev, priority, ev.Urgency, "intention")
	return Outcome{Goal: &goal, Replan: replan, Memory: formed, Significance: sig}
}

// attend applies the agent-specific significance floor. Vigilant agents
// notice more.
func (p *Pipeline) attend(ev Event, pers Personality) bool {
	floor := p.cfg.AttentionThreshold * (1 - 0.5*pers.Trait("vigilance"))
	return ev.Urgency >= floor
}

// assess scores the event's importance relative to active goals and
// personality. Events touching a fact an active goal cares about matter
// more; composed agents discount everything.
func (p *Pipeline) assess(ev Event, pers Personality, active []planner.Goal) float64 {
	sig := ev.Urgency
	for _, g := range active {
		for _, c := range g.Conditions {
			if c.Fact == ev.Kind {
				sig += 0.2 * g.Priority
			}
		}
	}
	sig *= 1 - 0.3*pers.Trait("composure")
	if sig > 1 {
		sig = 1
	}
	return sig
}

// formMemory decides whether the event is worth remembering. Trivia
// below twice the attention floor leaves no trace.
func (p *Pipeline) formMemory(ev Event, sig float64) (MemoryRecord, bool) {
	if sig < 2*p.cfg.AttentionThreshold {
		return MemoryRecord{}, false
	}
	rec := MemoryRecord{
		Kind:         ev.Kind,
		Counterpart:  ev.Source,
		At:           ev.At,
		Significance: sig,
	}
	if s, ok := ev.Payload["sentiment"].(float64); ok {
		rec.Sentiment = s
	}
	return rec, true
}

// goalImpact decides whether the event should displace current
// priorities: an event scoring above every active goal's priority makes
// the emitted goal dominant and triggers a replan.
func (p *Pipeline) goalImpact(ev Event, sig float64, active []planner.Goal) (priority float64, replan bool) {
	top := 0.0
	for _, g := range active {
		if g.Priority > top {
			top = g.Priority
		}
	}
	if sig > top {
		return sig, true
	}
	return sig, false
}

// formIntention builds the emitted goal. By default a perception asserts
// a fact and the intention seeks to clear it; a "goal" payload map
// overrides the target predicate entirely.
func (p *Pipeline) formIntention(ev Event, priority, urgency float64, source string) planner.Goal {
	goal := planner.Goal{Priority: priority, Urgency: urgency, Source: source}
	if want, ok := ev.Payload["goal"].(map[string]any); ok {
		facts := make([]string, 0, len(want))
		for fact := range want {
			facts = append(facts, fact)
		}
		sort.Strings(facts)
		for _, fact := range facts {
			switch v := want[fact].(type) {
			case bool:
				goal.Conditions = append(goal.Conditions, planner.Condition{
					Fact: fact, Op: planner.CmpEq, Value: expression.Bool(v),
				})
			case float64:
				goal.Conditions = append(goal.Conditions, planner.Condition{
					Fact: fact, Op: planner.CmpEq, Value: expression.Number(v),
				})
			case int:
				goal.Conditions = append(goal.Conditions, planner.Condition{
					Fact: fact, Op: planner.CmpEq, Value: expression.Number(float64(v)),
				})
			}
		}
	}
	if len(goal.Conditions) == 0 {
		goal.Conditions = []planner.Condition{{
			Fact: ev.Kind, Op: planner.CmpEq, Value: expression.Bool(false),
		}}
	}
	return goal
}
