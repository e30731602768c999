// Package vm implements the behavior execution engine: a per-agent,
// pre-allocated stack machine that executes one compiled document image
// per evaluation tick, can suspend at continuation points, and emits a
// bounded set of structured intents. One Context is bound to exactly one
// agent; contexts are never shared.
package vm

import (
	"github.com/beyond-immersion/bannou-behavior/internal/config"
	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
)

// Intent is a structured action request for the external executor. The
// core never calls the executor; it only fills intent slots.
type Intent struct {
	Name   string
	Params map[string]any
}

// ContinuationKind says what a suspended context is waiting for.
type ContinuationKind uint8

const (
	// ContinuationAwait waits for an external data fetch.
	ContinuationAwait ContinuationKind = iota + 1
	// ContinuationPlan waits for a GOAP sub-plan.
	ContinuationPlan
)

// Continuation is the explicit, serializable suspended state: resume
// instruction pointer plus stack and frame snapshots. Resumption is a
// restore of this data, not a language-level coroutine.
type Continuation struct {
	ID          int32
	Kind        ContinuationKind
	ResumeIP    int32
	RequestPath string // await: the provider path being fetched
	GoalIndex   int32  // plan: the goal table entry
	Stack       []expression.Value
	Frames      []int32
}

// Context is the execution state of one live agent: locals, operand and
// call stacks, at most one pending continuation, the bound document
// image, and a private seeded PRNG. All buffers are sized at creation;
// steady-state evaluation does not allocate.
type Context struct {
	AgentID string

	img    *document.Image
	locals []expression.Value
	stack  []expression.Value
	sp     int
	frames []int32
	fp     int
	ip     int32

	pending *Continuation

	rng   rngState
	seed  uint64
	grown bool

	quarantined bool
	reason      string

	// runtimeStrings overlays the image string table for strings produced
	// at evaluation time; overlay indices start at len(img.Strings).
	runtimeStrings []string

	// Reusable scratch for expression environments.
	env map[string]any

	intents []Intent
	maxInts int
}

// NewContext creates a context bound to a document image, with locals
// initialized from the declared schema and the PRNG seeded. Buffers are
// pre-allocated per the VM config.
func NewContext(agentID string, img *document.Image, seed uint64, cfg config.VMConfig) *Context {
	c := &Context{
		AgentID: agentID,
		img:     img,
		locals:  make([]expression.Value, len(img.Schema)),
		stack:   make([]expression.Value, cfg.StackSize),
		frames:  make([]int32, cfg.CallDepth),
		rng:     rngState(seed),
		seed:    seed,
		env:     make(map[string]any, len(img.Schema)+len(img.Externals)+1),
		intents: make([]Intent, 0, cfg.MaxIntentsPerTick),
		maxInts: cfg.MaxIntentsPerTick,
	}
	for i, decl := range img.Schema {
		c.locals[i] = decl.Init
	}
	return c
}

// Image returns the bound document image.
func (c *Context) Image() *document.Image { return c.img }

// Suspended reports whether a continuation is pending.
func (c *Context) Suspended() bool { return c.pending != nil }

// Pending returns the pending continuation, if any.
func (c *Context) Pending() *Continuation { return c.pending }

// Quarantined reports whether the context has been frozen after a fault.
func (c *Context) Quarantined() (bool, string) { return c.quarantined, c.reason }

// Var returns a local variable by schema name.
func (c *Context) Var(name string) (expression.Value, bool) {
	for i, decl := range c.img.Schema {
		if decl.Name == name {
			return c.locals[i], true
		}
	}
	return 0, false
}

// SetVar sets a local variable by schema name.
func (c *Context) SetVar(name string, v expression.Value) bool {
	for i, decl := range c.img.Schema {
		if decl.Name == name {
			c.locals[i] = v
			return true
		}
	}
	return false
}

// Intern implements expression.Interner over the image table plus the
// per-context runtime overlay.
func (c *Context) Intern(s string) int {
	if i, ok := c.img.Lookup(s); ok {
		return i
	}
	base := len(c.img.Strings)
	for i, rs := range c.runtimeStrings {
		if rs == s {
			return base + i
		}
	}
	c.runtimeStrings = append(c.runtimeStrings, s)
	return base + len(c.runtimeStrings) - 1
}

// StringAt resolves a string index against the image table and overlay.
func (c *Context) StringAt(i int) (string, bool) {
	if s, ok := c.img.StringAt(i); ok {
		return s, true
	}
	j := i - len(c.img.Strings)
	if j >= 0 && j < len(c.runtimeStrings) {
		return c.runtimeStrings[j], true
	}
	return "", false
}

// Rebind atomically rebinds the context to a new document image,
// migrating compatible state: variables present in both schemas with the
// same declared type keep their values, new variables take their
// declared defaults. Any pending continuation is invalidated, since its
// instruction offsets belong to the old version, and the agent resumes
// at the new entry point. Memory and the PRNG stream are untouched.
func (c *Context) Rebind(img *document.Image) {
	old := c.img
	oldLocals := c.locals

	// String values are indices into the old image's table, so they are
	// carried over as text and re-interned against the new image below.
	type carriedStr struct {
		slot int
		text string
	}
	var carried []carriedStr

	locals := make([]expression.Value, len(img.Schema))
	for i, decl := range img.Schema {
		locals[i] = decl.Init
		for j, prev := range old.Schema {
			if prev.Name != decl.Name || prev.Type != decl.Type {
				continue
			}
			v := oldLocals[j]
			if decl.Type == expression.TypeString && v.IsString() {
				if s, ok := c.StringAt(v.StringIndex()); ok {
					carried = append(carried, carriedStr{slot: i, text: s})
				}
			} else {
				locals[i] = v
			}
			break
		}
	}

	c.img = img
	c.locals = locals
	c.pending = nil
	c.ip = 0
	c.sp = 0
	c.fp = 0
	// Runtime strings referenced old-table indices; drop them.
	c.runtimeStrings = nil
	for _, cs := range carried {
		c.locals[cs.slot] = expression.String(c.Intern(cs.text))
	}
}

// native converts a stored value to the Go-native form expressions see.
func (c *Context) native(v expression.Value, t expression.Type) any {
	switch t {
	case expression.TypeBool:
		return v.Truthy()
	case expression.TypeString:
		if s, ok := c.StringAt(v.StringIndex()); ok && v.IsString() {
			return s
		}
		return ""
	default:
		return v.Float()
	}
}

// buildEnv refreshes the reusable expression environment: locals by
// declared name, fresh provider snapshots per declared namespace, and
// the context-seeded rand().
func (c *Context) buildEnv(providers *expression.Registry) map[string]any {
	scope := expression.Scope{AgentID: c.AgentID}
	c.env = expression.Env(c.env, nil, providers, scope, c.img.Externals, c.rng.Float64)
	for i, decl := range c.img.Schema {
		c.env[decl.Name] = c.native(c.locals[i], decl.Type)
	}
	return c.env
}
