// Package compiler translates the authoring format, an indentation/
// key-value behavior document, into the compiled binary artifact. The
// pipeline is: structural parse, semantic analysis, constant folding and
// string deduplication, bytecode emission with resolved jump targets, and
// continuation-point insertion. Compilation either succeeds completely or
// fails with a source location; no partial bytecode is ever emitted.
package compiler

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// CompileError is a compile-time failure with its source location.
type CompileError struct {
	Path string
	Line int
	Msg  string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

func errf(path string, line int, format string, args ...any) error {
	return &CompileError{Path: path, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// rawDocument is the structural form of a behavior document.
type rawDocument struct {
	Behavior string                 `yaml:"behavior"`
	Version  int                    `yaml:"version"`
	Extends  string                 `yaml:"extends"`
	State    map[string]yaml.Node   `yaml:"state"`
	External []string               `yaml:"external"`
	Actions  map[string]rawAction   `yaml:"actions"`
	Flow     []yaml.Node            `yaml:"flow"`
	Subs     map[string][]yaml.Node `yaml:"subroutines"`
	// At maps attachment point names to graft blocks; extension
	// documents only.
	At map[string][]yaml.Node `yaml:"at"`
}

// rawVar is one state declaration: either the shorthand `name: type` or
// the full `name: {type: ..., init: ...}` form.
type rawVar struct {
	Type string    `yaml:"type"`
	Init yaml.Node `yaml:"init"`
}

// rawAction is a GOAP action annotation.
type rawAction struct {
	Preconditions map[string]yaml.Node `yaml:"preconditions"`
	Effects       map[string]yaml.Node `yaml:"effects"`
	Cost          float64              `yaml:"cost"`
	CostExpr      string               `yaml:"cost_expr"`
}

// rawPlan is the body of a `plan:` step.
type rawPlan struct {
	Goal     map[string]yaml.Node `yaml:"goal"`
	Priority float64              `yaml:"priority"`
}

// stepKind enumerates the control-flow constructs.
type stepKind uint8

const (
	stepInvalid stepKind = iota
	stepSet
	stepIf
	stepWhile
	stepCall
	stepLabel
	stepGoto
	stepEmit
	stepAwait
	stepPlan
	stepParallel
	stepAttach
)

// step is one parsed flow statement with its source line.
type step struct {
	kind stepKind
	line int

	Set      string            `yaml:"set"`
	Expr     string            `yaml:"expr"`
	If       string            `yaml:"if"`
	Then     []yaml.Node       `yaml:"then"`
	Else     []yaml.Node       `yaml:"else"`
	While    string            `yaml:"while"`
	Do       []yaml.Node       `yaml:"do"`
	Call     string            `yaml:"call"`
	Label    string            `yaml:"label"`
	Goto     string            `yaml:"goto"`
	Emit     string            `yaml:"emit"`
	Params   map[string]string `yaml:"params"`
	Await    string            `yaml:"await"`
	Into     string            `yaml:"into"`
	Plan     *rawPlan          `yaml:"plan"`
	Parallel [][]yaml.Node     `yaml:"parallel"`
	Attach   string            `yaml:"attach"`
}

// stepKeys maps the primary key of a step mapping to its kind.
var stepKeys = map[string]stepKind{
	"set":      stepSet,
	"if":       stepIf,
	"while":    stepWhile,
	"call":     stepCall,
	"label":    stepLabel,
	"goto":     stepGoto,
	"emit":     stepEmit,
	"await":    stepAwait,
	"plan":     stepPlan,
	"parallel": stepParallel,
	"attach":   stepAttach,
}

// secondaryKeys lists the keys each step kind may carry besides its
// primary; anything else is a structural error.
var secondaryKeys = map[stepKind]map[string]bool{
	stepSet:      {"expr": true},
	stepIf:       {"then": true, "else": true},
	stepWhile:    {"do": true},
	stepEmit:     {"params": true},
	stepAwait:    {"into": true},
	stepPlan:     {"into": true},
	stepCall:     {},
	stepLabel:    {},
	stepGoto:     {},
	stepParallel: {},
	stepAttach:   {},
}

// parseStep classifies and decodes one flow statement node.
func parseStep(path string, node yaml.Node) (*step, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errf(path, node.Line, "flow step must be a mapping")
	}
	var primary stepKind
	var primaryName string
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if k, ok := stepKeys[key]; ok {
			if primary != stepInvalid {
				return nil, errf(path, node.Line, "step mixes %q with %q", primaryName, key)
			}
			primary = k
			primaryName = key
		}
	}
	if primary == stepInvalid {
		return nil, errf(path, node.Line, "unknown flow step %q", firstKey(node))
	}
	allowed := secondaryKeys[primary]
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key != primaryName && !allowed[key] {
			return nil, errf(path, node.Content[i].Line, "key %q not valid in a %q step", key, primaryName)
		}
	}

	s := &step{kind: primary, line: node.Line}
	if err := node.Decode(s); err != nil {
		return nil, errf(path, node.Line, "malformed %q step: %v", primaryName, err)
	}
	switch primary {
	case stepSet:
		if s.Expr == "" {
			return nil, errf(path, node.Line, "set step requires expr")
		}
	case stepIf:
		if len(s.Then) == 0 && len(s.Else) == 0 {
			return nil, errf(path, node.Line, "if step requires then or else")
		}
	case stepWhile:
		if len(s.Do) == 0 {
			return nil, errf(path, node.Line, "while step requires do")
		}
	case stepPlan:
		if s.Plan == nil || len(s.Plan.Goal) == 0 {
			return nil, errf(path, node.Line, "plan step requires a goal")
		}
	case stepParallel:
		if len(s.Parallel) < 2 {
			return nil, errf(path, node.Line, "parallel requires at least two channels")
		}
	}
	return s, nil
}

func firstKey(node yaml.Node) string {
	if len(node.Content) > 0 {
		return node.Content[0].Value
	}
	return "?"
}

// sortedKeys returns map keys in deterministic order. Identical source
// must always compile to identical bytes, so no map is ever iterated in
// hash order.
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
