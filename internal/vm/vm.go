package vm

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/beyond-immersion/bannou-behavior/internal/config"
	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/logging"
)

var (
	// ErrQuarantined is returned for any evaluation of a frozen context.
	ErrQuarantined = errors.New("context quarantined")
	// ErrBudgetExhausted quarantines an agent that ran past its per-tick
	// instruction budget.
	ErrBudgetExhausted = errors.New("instruction budget exhausted")
	// ErrStackOverflow quarantines an agent that overflowed its operand
	// stack beyond the configured policy.
	ErrStackOverflow = errors.New("operand stack overflow")
	// ErrCorruptBytecode quarantines an agent whose bound image failed a
	// runtime consistency check.
	ErrCorruptBytecode = errors.New("corrupt bytecode")
)

// Resume carries the data a suspended continuation was waiting for.
type Resume struct {
	// Value is the fetched value for an await continuation.
	Value expression.Value
	// PlanFound reports sub-plan success for a plan continuation.
	PlanFound bool
}

// Inputs parameterizes one evaluation tick.
type Inputs struct {
	// Resume must be set when the context has a pending continuation.
	Resume *Resume
}

// Result is the outcome of one evaluation tick.
type Result struct {
	// Intents emitted this tick. The slice aliases the context's
	// fixed-capacity slots and is valid until the next Evaluate call.
	Intents []Intent
	// Suspended is true when execution stopped at a continuation point.
	Suspended bool
	// Continuation identifies the pending suspension when Suspended.
	Continuation *Continuation
}

// VM executes document images against execution contexts. A VM is
// stateless across agents and safe for concurrent use; all mutable state
// lives in the per-agent Context.
type VM struct {
	cfg       config.VMConfig
	providers *expression.Registry
	log       *zap.Logger
}

// New creates a VM with the given stack/budget configuration and
// variable-provider registry.
func New(cfg config.VMConfig, providers *expression.Registry, logs *logging.Factory) *VM {
	if logs == nil {
		logs = logging.Nop()
	}
	return &VM{cfg: cfg, providers: providers, log: logs.Get(logging.CategoryVM)}
}

// quarantine freezes the context and returns the fault. The agent is
// isolated; other agents and the worker are unaffected.
func (m *VM) quarantine(c *Context, err error) (Result, error) {
	c.quarantined = true
	c.reason = err.Error()
	c.intents = c.intents[:0]
	m.log.Error("agent quarantined",
		zap.String("agent", c.AgentID),
		zap.String("document", c.img.Ref().String()),
		zap.Error(err))
	return Result{}, fmt.Errorf("%w: %v", ErrQuarantined, err)
}

// Evaluate runs one tick: resume a pending continuation if input data
// arrived, otherwise start at the entry point; run until the work
// completes, a continuation point suspends, or the instruction budget is
// exhausted. Given the same image, inputs, and seed, two evaluations are
// byte-identical in emitted intents and final state.
func (m *VM) Evaluate(c *Context, in Inputs) (Result, error) {
	if c.quarantined {
		return Result{}, fmt.Errorf("%w: %s", ErrQuarantined, c.reason)
	}
	c.intents = c.intents[:0]

	code := c.img.Code
	if c.pending != nil {
		if in.Resume == nil {
			// Still waiting; nothing to do this tick.
			return Result{Suspended: true, Continuation: c.pending}, nil
		}
		p := c.pending
		c.sp = copy(c.stack, p.Stack)
		c.fp = copy(c.frames, p.Frames)
		c.ip = p.ResumeIP
		c.pending = nil
		switch p.Kind {
		case ContinuationPlan:
			if _, err := m.push(c, expression.Bool(in.Resume.PlanFound)); err != nil {
				return m.quarantine(c, err)
			}
		default:
			if _, err := m.push(c, in.Resume.Value); err != nil {
				return m.quarantine(c, err)
			}
		}
	} else {
		c.ip = 0
		c.sp = 0
		c.fp = 0
	}

	budget := m.cfg.InstructionBudget
	for {
		if budget <= 0 {
			return m.quarantine(c, fmt.Errorf("%w: %d instructions", ErrBudgetExhausted, m.cfg.InstructionBudget))
		}
		budget--

		if c.ip == int32(len(code)) {
			return Result{Intents: c.intents}, nil
		}
		if c.ip < 0 || c.ip > int32(len(code)) {
			return m.quarantine(c, fmt.Errorf("%w: ip %d outside code", ErrCorruptBytecode, c.ip))
		}

		ins := code[c.ip]
		switch ins.Op {
		case document.OpNop, document.OpAttach,
			document.OpParBegin, document.OpParSync, document.OpParEnd:
			c.ip++

		case document.OpHalt:
			return Result{Intents: c.intents}, nil

		case document.OpPushConst:
			if _, err := m.push(c, c.img.Constants[ins.A]); err != nil {
				return m.quarantine(c, err)
			}
			c.ip++

		case document.OpPushStr:
			if _, err := m.push(c, expression.String(int(ins.A))); err != nil {
				return m.quarantine(c, err)
			}
			c.ip++

		case document.OpLoadVar:
			if _, err := m.push(c, c.locals[ins.A]); err != nil {
				return m.quarantine(c, err)
			}
			c.ip++

		case document.OpStoreVar:
			v, err := m.pop(c)
			if err != nil {
				return m.quarantine(c, err)
			}
			c.locals[ins.A] = v
			c.ip++

		case document.OpPop:
			if _, err := m.pop(c); err != nil {
				return m.quarantine(c, err)
			}
			c.ip++

		case document.OpEval:
			v := m.eval(c, int(ins.A))
			if _, err := m.push(c, v); err != nil {
				return m.quarantine(c, err)
			}
			c.ip++

		case document.OpJump:
			c.ip = ins.A

		case document.OpJumpIfFalse:
			v, err := m.pop(c)
			if err != nil {
				return m.quarantine(c, err)
			}
			if v.Truthy() {
				c.ip++
			} else {
				c.ip = ins.A
			}

		case document.OpCall:
			if c.fp >= len(c.frames) {
				return m.quarantine(c, fmt.Errorf("%w: call depth %d", ErrStackOverflow, len(c.frames)))
			}
			c.frames[c.fp] = c.ip + 1
			c.fp++
			c.ip = ins.A

		case document.OpReturn:
			if c.fp == 0 {
				// Top-level return: the tick's work is done.
				return Result{Intents: c.intents}, nil
			}
			c.fp--
			c.ip = c.frames[c.fp]

		case document.OpEmit:
			if err := m.emit(c, ins); err != nil {
				return m.quarantine(c, err)
			}
			c.ip++

		case document.OpAwait:
			path, _ := c.StringAt(int(ins.B))
			return m.suspend(c, &Continuation{
				ID:          ins.A,
				Kind:        ContinuationAwait,
				RequestPath: path,
			})

		case document.OpPlan:
			return m.suspend(c, &Continuation{
				ID:        ins.A,
				Kind:      ContinuationPlan,
				GoalIndex: ins.B,
			})

		default:
			return m.quarantine(c, fmt.Errorf("%w: opcode %d at %d", ErrCorruptBytecode, ins.Op, c.ip))
		}
	}
}

// eval runs a pre-compiled expression. Evaluation faults degrade to the
// NaN sentinel with a warning; per-tick execution stays exception-free.
func (m *VM) eval(c *Context, idx int) expression.Value {
	env := c.buildEnv(m.providers)
	v, err := c.img.Programs[idx].Eval(env, c)
	if err != nil {
		m.log.Warn("expression fault, degrading to NaN",
			zap.String("agent", c.AgentID),
			zap.String("expression", c.img.ExprSources[idx]),
			zap.Error(err))
		return expression.NaN()
	}
	return v
}

// emit pops B key/value pairs, materializes them to native values, and
// fills the next intent slot. Slots past the fixed capacity are dropped
// with a warning, never grown.
func (m *VM) emit(c *Context, ins document.Instruction) error {
	n := int(ins.B)
	var params map[string]any
	if n > 0 {
		params = make(map[string]any, n)
	}
	for i := 0; i < n; i++ {
		v, err := m.pop(c)
		if err != nil {
			return err
		}
		k, err := m.pop(c)
		if err != nil {
			return err
		}
		key, ok := c.StringAt(k.StringIndex())
		if !ok || !k.IsString() {
			return fmt.Errorf("%w: intent parameter key is not a string", ErrCorruptBytecode)
		}
		switch {
		case v.IsString():
			s, _ := c.StringAt(v.StringIndex())
			params[key] = s
		case v.IsNaN():
			params[key] = nil
		default:
			params[key] = v.Float()
		}
	}
	name, ok := c.StringAt(int(ins.A))
	if !ok {
		return fmt.Errorf("%w: intent name index %d", ErrCorruptBytecode, ins.A)
	}
	if len(c.intents) >= c.maxInts {
		m.log.Warn("intent slots full, dropping intent",
			zap.String("agent", c.AgentID), zap.String("intent", name))
		return nil
	}
	c.intents = append(c.intents, Intent{Name: name, Params: params})
	return nil
}

// suspend snapshots the context into the continuation and returns a
// suspended result. The snapshot is validated against the document's
// continuation-point table.
func (m *VM) suspend(c *Context, cont *Continuation) (Result, error) {
	point, ok := c.img.Continuations[cont.ID]
	if !ok {
		return m.quarantine(c, fmt.Errorf("%w: unknown continuation %d", ErrCorruptBytecode, cont.ID))
	}
	if int32(c.sp) != point.StackDepth {
		return m.quarantine(c, fmt.Errorf("%w: continuation %d stack depth %d, table says %d",
			ErrCorruptBytecode, cont.ID, c.sp, point.StackDepth))
	}
	cont.ResumeIP = point.ResumeIP
	cont.Stack = append([]expression.Value(nil), c.stack[:c.sp]...)
	cont.Frames = append([]int32(nil), c.frames[:c.fp]...)
	c.pending = cont
	return Result{Intents: c.intents, Suspended: true, Continuation: cont}, nil
}

// push applies the configured overflow policy when the pre-sized stack
// fills: grow once with a warning, or fail the tick.
func (m *VM) push(c *Context, v expression.Value) (int, error) {
	if c.sp == len(c.stack) {
		if m.cfg.StackOverflow == config.StackGrowOnce && !c.grown {
			grown := make([]expression.Value, len(c.stack)*2)
			copy(grown, c.stack)
			c.stack = grown
			c.grown = true
			m.log.Warn("operand stack grown",
				zap.String("agent", c.AgentID), zap.Int("new_size", len(grown)))
		} else {
			return 0, fmt.Errorf("%w: depth %d", ErrStackOverflow, c.sp)
		}
	}
	c.stack[c.sp] = v
	c.sp++
	return c.sp, nil
}

func (m *VM) pop(c *Context) (expression.Value, error) {
	if c.sp == 0 {
		return 0, fmt.Errorf("%w: pop on empty stack", ErrCorruptBytecode)
	}
	c.sp--
	return c.stack[c.sp], nil
}
