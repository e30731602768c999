package planner

import (
	"container/heap"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beyond-immersion/bannou-behavior/internal/config"
)

// node is one search state in the A* frontier.
type node struct {
	facts  Facts
	key    string
	parent *node
	action int // index into the action set; -1 for the root
	g      float64
	f      float64 // g + weighted heuristic
	depth  int
	seq    int // insertion order, for deterministic tie-breaks
	index  int // heap bookkeeping
}

type frontier []*node

func (q frontier) Len() int { return len(q) }
func (q frontier) Less(i, j int) bool {
	if q[i].f != q[j].f {
		return q[i].f < q[j].f
	}
	// Tie-break on insertion order for deterministic plans.
	return q[i].seq < q[j].seq
}
func (q frontier) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *frontier) Push(x any) {
	n := x.(*node)
	n.index = len(*q)
	*q = append(*q, n)
}
func (q *frontier) Pop() any {
	old := *q
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return n
}

// Planner runs bounded best-first searches over registered action sets.
type Planner struct {
	cfg config.PlannerConfig
	log *zap.Logger
}

// New creates a planner with the given urgency-tier bounds.
func New(cfg config.PlannerConfig, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{cfg: cfg, log: log}
}

// BoundsFor selects search bounds from an urgency score. Low urgency
// licenses a deep, near-optimal search; high urgency a shallow,
// time-boxed one.
func (p *Planner) BoundsFor(urgency float64) config.SearchBounds {
	switch {
	case urgency < p.cfg.LowUrgencyBelow:
		return p.cfg.Low
	case urgency >= p.cfg.HighUrgencyFrom:
		return p.cfg.High
	default:
		return p.cfg.Normal
	}
}

// Plan searches for an action sequence from start to a state satisfying
// the goal. Exhausting the bounds is a normal outcome: it returns a nil
// plan and nil error ("no plan found"), never an error. Cancellation of
// ctx aborts the search promptly (agent despawn must not leave background
// work running).
func (p *Planner) Plan(ctx context.Context, goal Goal, start Facts, actions []Action, bounds config.SearchBounds) (*Plan, error) {
	if goal.Satisfied(start) {
		return &Plan{Goal: goal}, nil
	}
	if len(actions) == 0 {
		return nil, nil
	}

	weight := bounds.HeuristicWeight
	if weight <= 0 {
		weight = 1.0
	}
	deadline := time.Time{}
	if bounds.Timeout > 0 {
		deadline = time.Now().Add(bounds.Timeout)
	}

	root := &node{
		facts:  start.Clone(),
		key:    start.Key(),
		action: -1,
		f:      weight * float64(goal.unsatisfied(start)),
	}
	open := &frontier{}
	heap.Init(open)
	heap.Push(open, root)

	closed := make(map[string]bool)
	expanded := 0
	seq := 0

	for open.Len() > 0 {
		// Bounds checks are cheap; do them per expansion, not per push.
		if bounds.MaxNodes > 0 && expanded >= bounds.MaxNodes {
			p.log.Debug("planner: node budget exhausted", zap.Int("expanded", expanded))
			return nil, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			p.log.Debug("planner: timeout", zap.Duration("limit", bounds.Timeout))
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		cur := heap.Pop(open).(*node)
		if closed[cur.key] {
			continue
		}
		closed[cur.key] = true
		expanded++

		if goal.Satisfied(cur.facts) {
			return reconstruct(cur, actions, goal), nil
		}
		if bounds.MaxDepth > 0 && cur.depth >= bounds.MaxDepth {
			continue
		}

		for i, a := range actions {
			if !a.Applicable(cur.facts) {
				continue
			}
			next := cur.facts.Clone()
			for _, e := range a.Effects {
				e.Apply(next)
			}
			key := next.Key()
			if closed[key] {
				continue
			}
			g := cur.g + a.CostIn(cur.facts)
			seq++
			heap.Push(open, &node{
				seq:    seq,
				facts:  next,
				key:    key,
				parent: cur,
				action: i,
				g:      g,
				f:      g + weight*float64(goal.unsatisfied(next)),
				depth:  cur.depth + 1,
			})
		}
	}

	return nil, nil
}

// reconstruct walks parent links back to the root to recover the plan.
func reconstruct(n *node, actions []Action, goal Goal) *Plan {
	var rev []int
	for cur := n; cur.parent != nil; cur = cur.parent {
		rev = append(rev, cur.action)
	}
	plan := &Plan{Goal: goal, Cost: n.g}
	plan.Actions = make([]Action, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		plan.Actions = append(plan.Actions, actions[rev[i]])
	}
	return plan
}
