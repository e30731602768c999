// Package engine owns agent lifecycle and scheduling: spawning agents
// against published document versions, feeding perceptions through
// cognition, driving planning and VM evaluation each tick over a
// resizable worker pool, and hot-rebinding live agents to new versions.
package engine

import (
	"context"
	"sync"

	"github.com/beyond-immersion/bannou-behavior/internal/cognition"
	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/planner"
	"github.com/beyond-immersion/bannou-behavior/internal/vm"
)

// Agent is one live behavioral entity. Its context, queue, memory, and
// plan are single-owner state: only the worker ticking the agent touches
// them, so agent-local work needs no locks beyond the tick mutex that
// serializes ticks against despawn and rebind.
type Agent struct {
	ID string

	// mu serializes tickAgent, Rebind, and Despawn for this agent.
	mu sync.Mutex

	ctx         *vm.Context
	queue       *cognition.AttentionQueue
	memory      *cognition.Memory
	personality cognition.Personality

	baseRef document.Ref
	extRefs []document.Ref

	goal *planner.Goal
	plan *planner.Plan

	// planCancel aborts an in-flight planning search; guarded by
	// cancelMu, not mu, so Despawn can fire it while a tick is running.
	cancelMu   sync.Mutex
	planCancel context.CancelFunc

	gone bool
}

// Queue returns the agent's attention queue for external perception
// delivery.
func (a *Agent) Queue() *cognition.AttentionQueue { return a.queue }

// Memory returns the agent's memory store.
func (a *Agent) Memory() *cognition.Memory { return a.memory }

// Context returns the agent's execution context.
func (a *Agent) Context() *vm.Context { return a.ctx }

// Plan returns the agent's current plan, nil when idle.
func (a *Agent) Plan() *planner.Plan { return a.plan }

// setPlanCancel publishes the cancel handle for the search about to run.
func (a *Agent) setPlanCancel(cancel context.CancelFunc) {
	a.cancelMu.Lock()
	a.planCancel = cancel
	a.cancelMu.Unlock()
}

// cancelPlanning aborts the in-flight search, if any.
func (a *Agent) cancelPlanning() {
	a.cancelMu.Lock()
	if a.planCancel != nil {
		a.planCancel()
		a.planCancel = nil
	}
	a.cancelMu.Unlock()
}
