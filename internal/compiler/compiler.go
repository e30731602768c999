package compiler

import (
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/planner"
)

// BaseResolver supplies the base document an extension compiles against.
// The registry satisfies this with its latest-version lookup.
type BaseResolver interface {
	Base(name string) (*document.Document, error)
}

// BaseResolverFunc adapts a lookup function to BaseResolver.
type BaseResolverFunc func(name string) (*document.Document, error)

// Base calls f.
func (f BaseResolverFunc) Base(name string) (*document.Document, error) { return f(name) }

// Compile translates one behavior source into a sealed document. path is
// used only for error locations. resolver may be nil when compiling base
// documents.
func Compile(path string, src []byte, resolver BaseResolver) (*document.Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(src, &raw); err != nil {
		return nil, errf(path, 0, "malformed document: %v", err)
	}
	c := &compiler{
		path:    path,
		raw:     &raw,
		slots:   make(map[string]int32),
		types:   make(map[string]expression.Type),
		strIdx:  map[string]int32{"": 0},
		strs:    []string{""},
		cIdx:    make(map[uint64]int32),
		exprIdx: make(map[string]int32),
	}
	if raw.Extends != "" {
		if resolver == nil {
			return nil, errf(path, 0, "document extends %q but no base resolver was supplied", raw.Extends)
		}
		base, err := resolver.Base(raw.Extends)
		if err != nil {
			return nil, errf(path, 0, "cannot resolve base %q: %v", raw.Extends, err)
		}
		c.base = base
	}
	return c.compile()
}

// CompileFile reads and compiles a behavior source file.
func CompileFile(path string, resolver BaseResolver) (*document.Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(path, src, resolver)
}

// ============================================================================
// COMPILER STATE
// ============================================================================

type compiler struct {
	path string
	raw  *rawDocument
	base *document.Document // non-nil for extensions

	// Name resolution. For extensions, slots covers base variables at
	// their base slots and new variables numbered after the base schema.
	slots      map[string]int32
	types      map[string]expression.Type
	namespaces []string

	// Output under construction.
	schema  []document.VarDecl
	consts  []expression.Value
	strs    []string
	exprs   []string
	code    []document.Instruction
	debug   []document.DebugEntry
	conts   []document.ContinuationPoint
	attach  []document.AttachmentPoint
	actions []document.ActionSpec
	goals   []document.GoalSpec

	strIdx   map[string]int32
	cIdx     map[uint64]int32 // constant pool, keyed by bit pattern
	exprIdx  map[string]int32
	nextCont int32

	// Per-routine control-flow resolution, reset for each subroutine.
	labels    map[string]int32
	gotoPatch map[string][]int32

	// Call sites patched after all subroutine entries are known.
	callPatch  map[string][]int32
	subEntries map[string]int32

	parallelDepth int
}

func (c *compiler) compile() (*document.Document, error) {
	if c.raw.Behavior == "" {
		return nil, errf(c.path, 0, "document has no behavior name")
	}
	if c.raw.Version == 0 {
		c.raw.Version = 1
	}
	if c.base != nil && len(c.raw.Flow) > 0 {
		return nil, errf(c.path, 0, "extension documents graft with at blocks, not a flow")
	}
	if c.base == nil && len(c.raw.At) > 0 {
		return nil, errf(c.path, 0, "at blocks require extends")
	}

	if err := c.buildSchema(); err != nil {
		return nil, err
	}
	c.namespaces = append(c.namespaces, c.raw.External...)
	if c.base != nil {
		for _, ns := range c.base.Externals {
			if !containsStr(c.namespaces, ns) {
				c.namespaces = append(c.namespaces, ns)
			}
		}
	}

	if err := c.buildActions(); err != nil {
		return nil, err
	}

	c.callPatch = make(map[string][]int32)
	c.subEntries = make(map[string]int32)

	if c.base == nil {
		if err := c.emitRoutine(c.raw.Flow); err != nil {
			return nil, err
		}
		c.emit(document.OpHalt, 0, 0, 0)
	} else {
		if err := c.emitGrafts(); err != nil {
			return nil, err
		}
	}
	if err := c.emitSubroutines(); err != nil {
		return nil, err
	}
	if err := c.patchCalls(); err != nil {
		return nil, err
	}

	doc := &document.Document{
		Name:          c.raw.Behavior,
		Version:       c.raw.Version,
		BaseName:      c.raw.Extends,
		Schema:        c.schema,
		Externals:     c.raw.External,
		Constants:     c.consts,
		Strings:       c.strs,
		Code:          c.code,
		Expressions:   c.exprs,
		Continuations: c.conts,
		Attachments:   c.attach,
		Actions:       c.actions,
		Goals:         c.goals,
		Debug:         c.debug,
	}
	if err := doc.Validate(); err != nil {
		return nil, errf(c.path, 0, "internal: emitted invalid bytecode: %v", err)
	}
	doc.Seal()
	return doc, nil
}

// ============================================================================
// SCHEMA AND ACTIONS
// ============================================================================

func (c *compiler) buildSchema() error {
	baseSlots := int32(0)
	if c.base != nil {
		for i, v := range c.base.Schema {
			c.slots[v.Name] = int32(i)
			c.types[v.Name] = v.Type
		}
		baseSlots = int32(len(c.base.Schema))
	}
	for _, name := range sortedKeys(c.raw.State) {
		node := c.raw.State[name]
		if _, exists := c.types[name]; exists {
			return errf(c.path, node.Line, "variable %q already declared", name)
		}
		var rv rawVar
		if node.Kind == yaml.ScalarNode {
			rv.Type = node.Value
		} else if err := node.Decode(&rv); err != nil {
			return errf(c.path, node.Line, "malformed declaration for %q: %v", name, err)
		}
		typ, ok := expression.ParseType(rv.Type)
		if !ok {
			return errf(c.path, node.Line, "variable %q has unknown type %q", name, rv.Type)
		}
		init := typ.Zero()
		if rv.Init.Kind != 0 {
			v, err := c.literalValue(rv.Init, typ)
			if err != nil {
				return err
			}
			init = v
		}
		c.slots[name] = baseSlots + int32(len(c.schema))
		c.types[name] = typ
		c.schema = append(c.schema, document.VarDecl{Name: name, Type: typ, Init: init})
	}
	return nil
}

// literalValue converts an init scalar to a typed value.
func (c *compiler) literalValue(node yaml.Node, want expression.Type) (expression.Value, error) {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return 0, errf(c.path, node.Line, "malformed initial value: %v", err)
	}
	v, typ, ok := c.scalarValue(raw)
	if !ok {
		return 0, errf(c.path, node.Line, "initial value must be a constant scalar")
	}
	if typ != want {
		return 0, errf(c.path, node.Line, "initial value is %s, variable is %s", typ, want)
	}
	return v, nil
}

// scalarValue maps a decoded YAML scalar onto the value representation.
func (c *compiler) scalarValue(raw any) (expression.Value, expression.Type, bool) {
	switch x := raw.(type) {
	case bool:
		return expression.Bool(x), expression.TypeBool, true
	case int:
		return expression.Number(float64(x)), expression.TypeNumber, true
	case int64:
		return expression.Number(float64(x)), expression.TypeNumber, true
	case uint64:
		return expression.Number(float64(x)), expression.TypeNumber, true
	case float32:
		return expression.Number(float64(x)), expression.TypeNumber, true
	case float64:
		return expression.Number(x), expression.TypeNumber, true
	case string:
		return expression.String(int(c.intern(x))), expression.TypeString, true
	default:
		return 0, 0, false
	}
}

func (c *compiler) buildActions() error {
	for _, name := range sortedKeys(c.raw.Actions) {
		a := c.raw.Actions[name]
		pre, err := c.parseConditions(a.Preconditions)
		if err != nil {
			return err
		}
		effects, err := c.parseEffects(a.Effects)
		if err != nil {
			return err
		}
		if a.CostExpr != "" {
			if _, err := expression.CompileLoose(a.CostExpr); err != nil {
				return errf(c.path, 0, "action %q cost_expr: %v", name, err)
			}
		}
		cost := a.Cost
		if cost == 0 && a.CostExpr == "" {
			cost = 1
		}
		c.actions = append(c.actions, document.ActionSpec{
			Name:     name,
			Pre:      pre,
			Effects:  effects,
			Cost:     cost,
			CostExpr: a.CostExpr,
		})
	}
	return nil
}

// parseConditions turns a fact→constraint mapping into condition clauses.
// A bare scalar means equality; a string of the form "op value" compares.
func (c *compiler) parseConditions(m map[string]yaml.Node) ([]planner.Condition, error) {
	var out []planner.Condition
	for _, fact := range sortedKeys(m) {
		node := m[fact]
		var raw any
		if err := node.Decode(&raw); err != nil {
			return nil, errf(c.path, node.Line, "malformed condition for %q: %v", fact, err)
		}
		if s, ok := raw.(string); ok {
			if fields := strings.Fields(s); len(fields) == 2 {
				if op, ok := planner.ParseCmpOp(fields[0]); ok {
					v, typ := c.condOperand(fields[1])
					if typ == expression.TypeString && op != planner.CmpEq && op != planner.CmpNe {
						return nil, errf(c.path, node.Line, "string facts support == and != only")
					}
					out = append(out, planner.Condition{Fact: fact, Op: op, Value: v})
					continue
				}
			}
		}
		v, _, ok := c.scalarValue(raw)
		if !ok {
			return nil, errf(c.path, node.Line, "condition for %q must be a scalar", fact)
		}
		out = append(out, planner.Condition{Fact: fact, Op: planner.CmpEq, Value: v})
	}
	return out, nil
}

func (c *compiler) condOperand(s string) (expression.Value, expression.Type) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return expression.Number(f), expression.TypeNumber
	}
	switch s {
	case "true":
		return expression.Bool(true), expression.TypeBool
	case "false":
		return expression.Bool(false), expression.TypeBool
	}
	return expression.String(int(c.intern(s))), expression.TypeString
}

// parseEffects turns a fact→delta mapping into effects. A "+n" or "-n"
// string adds; any other scalar assigns.
func (c *compiler) parseEffects(m map[string]yaml.Node) ([]planner.Effect, error) {
	var out []planner.Effect
	for _, fact := range sortedKeys(m) {
		node := m[fact]
		var raw any
		if err := node.Decode(&raw); err != nil {
			return nil, errf(c.path, node.Line, "malformed effect for %q: %v", fact, err)
		}
		if s, ok := raw.(string); ok && (strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-")) {
			if d, err := strconv.ParseFloat(s, 64); err == nil {
				out = append(out, planner.Effect{Fact: fact, Op: planner.EffectAdd, Value: expression.Number(d)})
				continue
			}
		}
		v, _, ok := c.scalarValue(raw)
		if !ok {
			return nil, errf(c.path, node.Line, "effect for %q must be a scalar", fact)
		}
		out = append(out, planner.Effect{Fact: fact, Op: planner.EffectSet, Value: v})
	}
	return out, nil
}

// ============================================================================
// EMISSION
// ============================================================================

func (c *compiler) emit(op document.Op, a, b int32, line int) int32 {
	pc := int32(len(c.code))
	c.code = append(c.code, document.Instruction{Op: op, A: a, B: b})
	if line > 0 {
		if n := len(c.debug); n == 0 || c.debug[n-1].Line != int32(line) {
			c.debug = append(c.debug, document.DebugEntry{PC: pc, Line: int32(line)})
		}
	}
	return pc
}

func (c *compiler) intern(s string) int32 {
	if idx, ok := c.strIdx[s]; ok {
		return idx
	}
	idx := int32(len(c.strs))
	c.strs = append(c.strs, s)
	c.strIdx[s] = idx
	return idx
}

func (c *compiler) constant(v expression.Value) int32 {
	bits := math.Float64bits(float64(v))
	if idx, ok := c.cIdx[bits]; ok {
		return idx
	}
	idx := int32(len(c.consts))
	c.consts = append(c.consts, v)
	c.cIdx[bits] = idx
	return idx
}

func (c *compiler) expression(src string) int32 {
	if idx, ok := c.exprIdx[src]; ok {
		return idx
	}
	idx := int32(len(c.exprs))
	c.exprs = append(c.exprs, src)
	c.exprIdx[src] = idx
	return idx
}

// pushExpr emits code leaving the expression's value on the stack. A
// constant expression folds to a direct push; anything else is compiled
// now (so type and name errors surface here) and evaluated at runtime.
// want constrains the result type; pass -1 for untyped contexts.
func (c *compiler) pushExpr(src string, want int, line int) error {
	if raw, ok := expression.ConstFold(src); ok {
		v, typ, ok := c.scalarValue(raw)
		if ok {
			if want >= 0 && typ != expression.Type(want) {
				return errf(c.path, line, "expression %q is %s, expected %s", src, typ, expression.Type(want))
			}
			if typ == expression.TypeString {
				c.emit(document.OpPushStr, int32(v.StringIndex()), 0, line)
			} else {
				c.emit(document.OpPushConst, c.constant(v), 0, line)
			}
			return nil
		}
	}
	var err error
	if want >= 0 {
		_, err = expression.CompileTyped(src, c.types, c.namespaces, expression.Type(want))
	} else {
		_, err = expression.Compile(src, c.types, c.namespaces)
	}
	if err != nil {
		return errf(c.path, line, "%v", err)
	}
	c.emit(document.OpEval, c.expression(src), 0, line)
	return nil
}

func (c *compiler) emitRoutine(nodes []yaml.Node) error {
	c.labels = make(map[string]int32)
	c.gotoPatch = make(map[string][]int32)
	if err := c.emitBlock(nodes); err != nil {
		return err
	}
	for label := range c.gotoPatch {
		return errf(c.path, 0, "goto targets undefined label %q", label)
	}
	return nil
}

func (c *compiler) emitBlock(nodes []yaml.Node) error {
	for _, node := range nodes {
		s, err := parseStep(c.path, node)
		if err != nil {
			return err
		}
		if err := c.emitStep(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) emitStep(s *step) error {
	if c.parallelDepth > 0 {
		switch s.kind {
		case stepSet, stepIf, stepWhile, stepEmit:
		default:
			return errf(c.path, s.line, "step not allowed inside a parallel channel")
		}
	}
	switch s.kind {
	case stepSet:
		slot, ok := c.slots[s.Set]
		if !ok {
			return errf(c.path, s.line, "assignment to undeclared variable %q", s.Set)
		}
		if err := c.pushExpr(s.Expr, int(c.types[s.Set]), s.line); err != nil {
			return err
		}
		c.emit(document.OpStoreVar, slot, 0, s.line)

	case stepIf:
		if err := c.pushExpr(s.If, int(expression.TypeBool), s.line); err != nil {
			return err
		}
		jf := c.emit(document.OpJumpIfFalse, 0, 0, s.line)
		if err := c.emitBlock(s.Then); err != nil {
			return err
		}
		if len(s.Else) > 0 {
			j := c.emit(document.OpJump, 0, 0, s.line)
			c.code[jf].A = int32(len(c.code))
			if err := c.emitBlock(s.Else); err != nil {
				return err
			}
			c.code[j].A = int32(len(c.code))
		} else {
			c.code[jf].A = int32(len(c.code))
		}

	case stepWhile:
		top := int32(len(c.code))
		if err := c.pushExpr(s.While, int(expression.TypeBool), s.line); err != nil {
			return err
		}
		jf := c.emit(document.OpJumpIfFalse, 0, 0, s.line)
		if err := c.emitBlock(s.Do); err != nil {
			return err
		}
		c.emit(document.OpJump, top, 0, s.line)
		c.code[jf].A = int32(len(c.code))

	case stepCall:
		pc := c.emit(document.OpCall, 0, 0, s.line)
		c.callPatch[s.Call] = append(c.callPatch[s.Call], pc)

	case stepLabel:
		if _, dup := c.labels[s.Label]; dup {
			return errf(c.path, s.line, "duplicate label %q", s.Label)
		}
		here := int32(len(c.code))
		c.labels[s.Label] = here
		for _, pc := range c.gotoPatch[s.Label] {
			c.code[pc].A = here
		}
		delete(c.gotoPatch, s.Label)

	case stepGoto:
		if target, ok := c.labels[s.Goto]; ok {
			c.emit(document.OpJump, target, 0, s.line)
		} else {
			pc := c.emit(document.OpJump, 0, 0, s.line)
			c.gotoPatch[s.Goto] = append(c.gotoPatch[s.Goto], pc)
		}

	case stepEmit:
		for _, key := range sortedKeys(s.Params) {
			c.emit(document.OpPushStr, c.intern(key), 0, s.line)
			if err := c.pushExpr(s.Params[key], -1, s.line); err != nil {
				return err
			}
		}
		c.emit(document.OpEmit, c.intern(s.Emit), int32(len(s.Params)), s.line)

	case stepAwait:
		id := c.nextCont
		c.nextCont++
		site := c.emit(document.OpAwait, id, c.intern(s.Await), s.line)
		c.conts = append(c.conts, document.ContinuationPoint{ID: id, ResumeIP: site + 1})
		if err := c.storeInto(s.Into, -1, s.line); err != nil {
			return err
		}

	case stepPlan:
		conds, err := c.parseConditions(s.Plan.Goal)
		if err != nil {
			return err
		}
		goalIdx := int32(len(c.goals))
		c.goals = append(c.goals, document.GoalSpec{Conditions: conds, Priority: s.Plan.Priority})
		id := c.nextCont
		c.nextCont++
		site := c.emit(document.OpPlan, id, goalIdx, s.line)
		c.conts = append(c.conts, document.ContinuationPoint{ID: id, ResumeIP: site + 1})
		if err := c.storeInto(s.Into, int(expression.TypeBool), s.line); err != nil {
			return err
		}

	case stepParallel:
		return c.emitParallel(s)

	case stepAttach:
		if c.base != nil {
			return errf(c.path, s.line, "attach points belong to base documents")
		}
		for _, ap := range c.attach {
			if ap.Name == s.Attach {
				return errf(c.path, s.line, "duplicate attachment point %q", s.Attach)
			}
		}
		idx := int32(len(c.attach))
		site := c.emit(document.OpAttach, idx, 0, s.line)
		c.attach = append(c.attach, document.AttachmentPoint{Name: s.Attach, Site: site})

	default:
		return errf(c.path, s.line, "unhandled step")
	}
	return nil
}

// storeInto writes a suspended step's resume value. No target discards it.
func (c *compiler) storeInto(into string, want int, line int) error {
	if into == "" {
		c.emit(document.OpPop, 0, 0, line)
		return nil
	}
	slot, ok := c.slots[into]
	if !ok {
		return errf(c.path, line, "into targets undeclared variable %q", into)
	}
	if want >= 0 && c.types[into] != expression.Type(want) {
		return errf(c.path, line, "into variable %q must be %s", into, expression.Type(want))
	}
	c.emit(document.OpStoreVar, slot, 0, line)
	return nil
}

// emitParallel lowers a parallel block to deterministic round-robin
// segments: one step from each channel per round, a sync barrier between
// rounds. The par opcodes are structural markers the VM steps over.
func (c *compiler) emitParallel(s *step) error {
	channels := make([][]*step, len(s.Parallel))
	maxLen := 0
	for i, ch := range s.Parallel {
		if len(ch) == 0 {
			return errf(c.path, s.line, "parallel channel %d is empty", i+1)
		}
		for _, node := range ch {
			st, err := parseStep(c.path, node)
			if err != nil {
				return err
			}
			channels[i] = append(channels[i], st)
		}
		if len(channels[i]) > maxLen {
			maxLen = len(channels[i])
		}
	}
	c.parallelDepth++
	defer func() { c.parallelDepth-- }()

	c.emit(document.OpParBegin, int32(len(channels)), 0, s.line)
	for round := 0; round < maxLen; round++ {
		if round > 0 {
			c.emit(document.OpParSync, 0, 0, s.line)
		}
		for _, ch := range channels {
			if round >= len(ch) {
				continue
			}
			if err := c.emitStep(ch[round]); err != nil {
				return err
			}
		}
	}
	c.emit(document.OpParEnd, 0, 0, s.line)
	return nil
}

// ============================================================================
// GRAFTS, SUBROUTINES, CALL PATCHING
// ============================================================================

// emitGrafts compiles an extension's at blocks. Each becomes a graft
// routine ending in a return; composition patches the base's attach site
// to call it.
func (c *compiler) emitGrafts() error {
	points := make(map[string]bool, len(c.base.Attachments))
	for _, ap := range c.base.Attachments {
		points[ap.Name] = true
	}
	for _, name := range sortedKeys(c.raw.At) {
		if !points[name] {
			return errf(c.path, 0, "base %q has no attachment point %q", c.base.Name, name)
		}
		entry := int32(len(c.code))
		if err := c.emitRoutine(c.raw.At[name]); err != nil {
			return err
		}
		c.emit(document.OpReturn, 0, 0, 0)
		c.attach = append(c.attach, document.AttachmentPoint{Name: name, Site: entry})
	}
	return nil
}

func (c *compiler) emitSubroutines() error {
	for _, name := range sortedKeys(c.raw.Subs) {
		c.subEntries[name] = int32(len(c.code))
		if err := c.emitRoutine(c.raw.Subs[name]); err != nil {
			return err
		}
		c.emit(document.OpReturn, 0, 0, 0)
	}
	return nil
}

func (c *compiler) patchCalls() error {
	for name, sites := range c.callPatch {
		entry, ok := c.subEntries[name]
		if !ok {
			return errf(c.path, 0, "call targets undefined subroutine %q", name)
		}
		for _, pc := range sites {
			c.code[pc].A = entry
		}
	}
	return nil
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
