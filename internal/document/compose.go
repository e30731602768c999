package document

import (
	"fmt"

	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/planner"
)

// Image is a flattened, executable view of a base document plus its
// active extensions, produced once at load time so composed documents
// execute with the same cost profile as a monolithic one. Expressions are
// pre-compiled here, never per tick. An Image is immutable and safely
// shared by every agent bound to the same base+extensions combination.
type Image struct {
	Base       *Document
	Extensions []*Document

	Schema        []VarDecl
	Externals     []string
	Constants     []expression.Value
	Strings       []string
	Code          []Instruction
	ExprSources   []string
	Programs      []*expression.Program
	Continuations map[int32]ContinuationPoint
	Actions       []ActionSpec
	Goals         []GoalSpec

	strIndex map[string]int
}

// NewImage composes a base document with zero or more extension
// documents. Each extension must name the base and only graft onto
// attachment points the base declares. Composition failures are load-time
// fatal for this document combination only.
func NewImage(base *Document, exts []*Document) (*Image, error) {
	if base.IsExtension() {
		return nil, fmt.Errorf("document %s is an extension, not a base", base.Name)
	}

	im := &Image{
		Base:          base,
		Extensions:    exts,
		Schema:        append([]VarDecl(nil), base.Schema...),
		Externals:     append([]string(nil), base.Externals...),
		Constants:     append([]expression.Value(nil), base.Constants...),
		Strings:       append([]string(nil), base.Strings...),
		Code:          append([]Instruction(nil), base.Code...),
		ExprSources:   append([]string(nil), base.Expressions...),
		Actions:       append([]ActionSpec(nil), base.Actions...),
		Goals:         append([]GoalSpec(nil), base.Goals...),
		Continuations: make(map[int32]ContinuationPoint, len(base.Continuations)),
		strIndex:      make(map[string]int, len(base.Strings)),
	}
	for i, s := range im.Strings {
		if _, dup := im.strIndex[s]; !dup {
			im.strIndex[s] = i
		}
	}
	nextContID := int32(0)
	for _, cp := range base.Continuations {
		im.Continuations[cp.ID] = cp
		if cp.ID >= nextContID {
			nextContID = cp.ID + 1
		}
	}

	attachSites := make(map[string]int32, len(base.Attachments))
	for _, ap := range base.Attachments {
		attachSites[ap.Name] = ap.Site
	}
	blocks := make(map[string][]int32)

	for _, ext := range exts {
		if ext.BaseName != base.Name {
			return nil, fmt.Errorf("extension %s targets base %q, not %q", ext.Name, ext.BaseName, base.Name)
		}
		for _, ap := range ext.Attachments {
			if _, ok := attachSites[ap.Name]; !ok {
				return nil, fmt.Errorf("extension %s grafts onto unknown attachment point %q", ext.Name, ap.Name)
			}
		}

		codeOff := int32(len(im.Code))
		constOff := int32(len(im.Constants))
		exprOff := int32(len(im.ExprSources))
		goalOff := int32(len(im.Goals))
		varOff := int32(len(im.Schema))
		nBase := int32(len(base.Schema))
		idOff := nextContID

		// String-typed values inside declarations index the extension's
		// own string table and must be re-interned into the merged one.
		reval := func(v expression.Value) (expression.Value, error) {
			if !v.IsString() {
				return v, nil
			}
			i := v.StringIndex()
			if i >= len(ext.Strings) {
				return 0, fmt.Errorf("extension %s: string index %d out of range", ext.Name, i)
			}
			return expression.String(im.intern(ext.Strings[i])), nil
		}

		im.Constants = append(im.Constants, ext.Constants...)
		im.ExprSources = append(im.ExprSources, ext.Expressions...)
		for _, v := range ext.Schema {
			init, err := reval(v.Init)
			if err != nil {
				return nil, err
			}
			v.Init = init
			im.Schema = append(im.Schema, v)
		}
		for _, g := range ext.Goals {
			conds, err := remapConditions(g.Conditions, reval)
			if err != nil {
				return nil, err
			}
			g.Conditions = conds
			im.Goals = append(im.Goals, g)
		}
		for _, a := range ext.Actions {
			pre, err := remapConditions(a.Pre, reval)
			if err != nil {
				return nil, err
			}
			a.Pre = pre
			effects := make([]planner.Effect, len(a.Effects))
			for i, e := range a.Effects {
				v, err := reval(e.Value)
				if err != nil {
					return nil, err
				}
				e.Value = v
				effects[i] = e
			}
			a.Effects = effects
			im.Actions = append(im.Actions, a)
		}
		for _, ns := range ext.Externals {
			if !contains(im.Externals, ns) {
				im.Externals = append(im.Externals, ns)
			}
		}

		remap := func(kind operandKind, v int32) (int32, error) {
			switch kind {
			case operandConst:
				return v + constOff, nil
			case operandString:
				if int(v) >= len(ext.Strings) {
					return 0, fmt.Errorf("extension %s: string index %d out of range", ext.Name, v)
				}
				return int32(im.intern(ext.Strings[v])), nil
			case operandVar:
				if v < nBase {
					return v, nil
				}
				if v-nBase >= int32(len(ext.Schema)) {
					return 0, fmt.Errorf("extension %s: variable slot %d out of range", ext.Name, v)
				}
				return varOff + (v - nBase), nil
			case operandExpr:
				return v + exprOff, nil
			case operandCode:
				return v + codeOff, nil
			case operandContinuation:
				return v + idOff, nil
			case operandGoal:
				return v + goalOff, nil
			default:
				return v, nil
			}
		}

		for _, ins := range ext.Code {
			ka, kb := operandKinds(ins.Op)
			var err error
			if ins.A, err = remap(ka, ins.A); err != nil {
				return nil, err
			}
			if ins.B, err = remap(kb, ins.B); err != nil {
				return nil, err
			}
			im.Code = append(im.Code, ins)
		}

		for _, cp := range ext.Continuations {
			mapped := ContinuationPoint{
				ID:         cp.ID + idOff,
				ResumeIP:   cp.ResumeIP + codeOff,
				StackDepth: cp.StackDepth,
			}
			im.Continuations[mapped.ID] = mapped
			if mapped.ID >= nextContID {
				nextContID = mapped.ID + 1
			}
		}

		for _, ap := range ext.Attachments {
			blocks[ap.Name] = append(blocks[ap.Name], ap.Site+codeOff)
		}
	}

	// Patch each base attachment site. No extension: the OpAttach marker
	// stays and executes as a nop. One extension: the site becomes a call
	// into the graft block. Several: a trampoline calls each in extension
	// order.
	for _, ap := range base.Attachments {
		grafts := blocks[ap.Name]
		switch len(grafts) {
		case 0:
		case 1:
			im.Code[ap.Site] = Instruction{Op: OpCall, A: grafts[0]}
		default:
			entry := int32(len(im.Code))
			for _, g := range grafts {
				im.Code = append(im.Code, Instruction{Op: OpCall, A: g})
			}
			im.Code = append(im.Code, Instruction{Op: OpReturn})
			im.Code[ap.Site] = Instruction{Op: OpCall, A: entry}
		}
	}

	if err := im.compilePrograms(); err != nil {
		return nil, err
	}
	return im, nil
}

// remapConditions re-interns string-typed condition values.
func remapConditions(conds []planner.Condition, reval func(expression.Value) (expression.Value, error)) ([]planner.Condition, error) {
	out := make([]planner.Condition, len(conds))
	for i, c := range conds {
		v, err := reval(c.Value)
		if err != nil {
			return nil, err
		}
		c.Value = v
		out[i] = c
	}
	return out, nil
}

// intern deduplicates a string into the merged table.
func (im *Image) intern(s string) int {
	if i, ok := im.strIndex[s]; ok {
		return i
	}
	i := len(im.Strings)
	im.Strings = append(im.Strings, s)
	im.strIndex[s] = i
	return i
}

// contains reports membership in a small slice.
func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// compilePrograms compiles every expression source against the merged
// schema and namespace set.
func (im *Image) compilePrograms() error {
	schema := make(map[string]expression.Type, len(im.Schema))
	for _, v := range im.Schema {
		schema[v.Name] = v.Type
	}
	im.Programs = make([]*expression.Program, len(im.ExprSources))
	for i, src := range im.ExprSources {
		p, err := expression.Compile(src, schema, im.Externals)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		im.Programs[i] = p
	}
	return nil
}

// Lookup finds a string's table index.
func (im *Image) Lookup(s string) (int, bool) {
	i, ok := im.strIndex[s]
	return i, ok
}

// StringAt returns the string at a table index.
func (im *Image) StringAt(i int) (string, bool) {
	if i < 0 || i >= len(im.Strings) {
		return "", false
	}
	return im.Strings[i], true
}

// Ref identifies the base document version this image was composed from.
func (im *Image) Ref() Ref { return im.Base.Ref() }

// PlannerActions materializes the image's action set for the planner.
// Dynamic cost expressions are evaluated leniently against the planning
// snapshot; a failed evaluation falls back to the static cost.
func (im *Image) PlannerActions() ([]planner.Action, error) {
	out := make([]planner.Action, 0, len(im.Actions))
	for _, spec := range im.Actions {
		a := planner.Action{
			Name:    spec.Name,
			Pre:     spec.Pre,
			Effects: spec.Effects,
			Cost:    spec.Cost,
		}
		if spec.CostExpr != "" {
			prog, err := expression.CompileLoose(spec.CostExpr)
			if err != nil {
				return nil, fmt.Errorf("action %s cost expression: %w", spec.Name, err)
			}
			a.DynamicCost = func(f planner.Facts) float64 {
				env := make(map[string]any, len(f))
				for k, v := range f {
					env[k] = v.Float()
				}
				v, err := prog.Eval(env, nil)
				if err != nil || v.IsNaN() || v.IsString() {
					return -1 // caller falls back to static cost
				}
				return v.Float()
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// GoalAt resolves a goal table entry into a planner goal.
func (im *Image) GoalAt(idx int32, urgency float64) (planner.Goal, bool) {
	if idx < 0 || int(idx) >= len(im.Goals) {
		return planner.Goal{}, false
	}
	g := im.Goals[idx]
	return planner.Goal{
		Conditions: g.Conditions,
		Priority:   g.Priority,
		Urgency:    urgency,
		Source:     "document",
	}, true
}
