// Package planner implements goal-oriented action planning: best-first
// search over states reachable by applying action effects, bounded by an
// urgency-derived profile so a single agent's planning can never blow a
// shared tick budget.
package planner

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/beyond-immersion/bannou-behavior/internal/expression"
)

// Facts is a world-state snapshot the planner reasons over. Facts are not
// stored entities; they are rebuilt fresh for each planning invocation.
type Facts map[string]expression.Value

// Clone copies a snapshot.
func (f Facts) Clone() Facts {
	out := make(Facts, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Key returns a canonical string for closed-set membership. Keys are
// sorted so two equal states always hash identically.
func (f Facts) Key() string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		// Exact bit pattern so tagged string values stay distinct.
		b.WriteString(strconv.FormatUint(math.Float64bits(float64(f[k])), 16))
		b.WriteByte(';')
	}
	return b.String()
}

// CmpOp is a fact comparison operator.
type CmpOp uint8

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

// ParseCmpOp parses the authoring-format spelling of a comparison.
func ParseCmpOp(s string) (CmpOp, bool) {
	switch s {
	case "==", "=":
		return CmpEq, true
	case "!=":
		return CmpNe, true
	case "<":
		return CmpLt, true
	case "<=":
		return CmpLe, true
	case ">":
		return CmpGt, true
	case ">=":
		return CmpGe, true
	default:
		return 0, false
	}
}

// String returns the operator spelling.
func (op CmpOp) String() string {
	switch op {
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	default:
		return "?"
	}
}

// Condition is one clause of a precondition or goal predicate: a
// comparison against a named fact. An absent fact compares as the zero
// value of its expected kind.
type Condition struct {
	Fact  string
	Op    CmpOp
	Value expression.Value
}

// Holds evaluates the condition against a snapshot.
func (c Condition) Holds(f Facts) bool {
	got := f[c.Fact]
	if got.IsString() || c.Value.IsString() {
		// String facts support equality only.
		switch c.Op {
		case CmpEq:
			return got == c.Value
		case CmpNe:
			return got != c.Value
		default:
			return false
		}
	}
	a, b := got.Float(), c.Value.Float()
	switch c.Op {
	case CmpEq:
		return a == b
	case CmpNe:
		return a != b
	case CmpLt:
		return a < b
	case CmpLe:
		return a <= b
	case CmpGt:
		return a > b
	case CmpGe:
		return a >= b
	default:
		return false
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Fact, c.Op, c.Value.Format(nil))
}

// EffectOp says how an effect mutates a fact.
type EffectOp uint8

const (
	// EffectSet assigns the fact.
	EffectSet EffectOp = iota
	// EffectAdd adds a delta to the fact's numeric value.
	EffectAdd
)

// Effect is one fact delta in an action's effect set.
type Effect struct {
	Fact  string
	Op    EffectOp
	Value expression.Value
}

// Apply mutates a snapshot in place.
func (e Effect) Apply(f Facts) {
	switch e.Op {
	case EffectAdd:
		f[e.Fact] = expression.Number(f[e.Fact].Float() + e.Value.Float())
	default:
		f[e.Fact] = e.Value
	}
}

// Action is a planning operator: preconditions, effects, and a cost.
// Actions are declared per document at compile time and immutable after.
type Action struct {
	Name    string
	Pre     []Condition
	Effects []Effect
	Cost    float64
	// DynamicCost, when non-nil, overrides Cost against the snapshot the
	// action would be applied to.
	DynamicCost func(Facts) float64
}

// Applicable reports whether every precondition holds.
func (a Action) Applicable(f Facts) bool {
	for _, c := range a.Pre {
		if !c.Holds(f) {
			return false
		}
	}
	return true
}

// CostIn returns the action's cost in the given state.
func (a Action) CostIn(f Facts) float64 {
	if a.DynamicCost != nil {
		if c := a.DynamicCost(f); c >= 0 {
			return c
		}
	}
	return a.Cost
}

// Goal is a target predicate over world-state plus scheduling metadata.
// Goals are transient: created per cognition cycle, superseded by the
// next.
type Goal struct {
	Conditions []Condition
	Priority   float64
	Urgency    float64
	// Source names the cognition stage that produced the goal.
	Source string
}

// Satisfied reports whether the snapshot meets every goal clause.
func (g Goal) Satisfied(f Facts) bool {
	for _, c := range g.Conditions {
		if !c.Holds(f) {
			return false
		}
	}
	return true
}

// unsatisfied counts goal clauses not yet holding; it is the search heuristic.
func (g Goal) unsatisfied(f Facts) int {
	n := 0
	for _, c := range g.Conditions {
		if !c.Holds(f) {
			n++
		}
	}
	return n
}

// Plan is an ordered action sequence satisfying a goal. Owned exclusively
// by the agent that computed it; replaced wholesale on replan.
type Plan struct {
	Actions []Action
	Cost    float64
	Goal    Goal
	// next indexes the action to execute; advanced by Advance.
	next int
}

// NextAction returns the current step, or false when the plan is spent.
func (p *Plan) NextAction() (Action, bool) {
	if p == nil || p.next >= len(p.Actions) {
		return Action{}, false
	}
	return p.Actions[p.next], true
}

// Advance marks the current step complete.
func (p *Plan) Advance() {
	if p != nil && p.next < len(p.Actions) {
		p.next++
	}
}

// Done reports whether every step has been executed.
func (p *Plan) Done() bool {
	return p == nil || p.next >= len(p.Actions)
}

// Valid reports whether the plan is still executable: its next action's
// preconditions hold and the goal is not already satisfied. Either
// failure is a replan trigger.
func (p *Plan) Valid(f Facts) bool {
	if p == nil {
		return false
	}
	if p.Goal.Satisfied(f) {
		return false
	}
	next, ok := p.NextAction()
	if !ok {
		return false
	}
	return next.Applicable(f)
}
