package expression

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	exprvm "github.com/expr-lang/expr/vm"
)

// Interner deduplicates strings into a string table and hands back the
// index. The compiler and each loaded document image provide one.
type Interner interface {
	Intern(s string) int
}

// Program is a compiled expression ready for repeated evaluation.
type Program struct {
	Source string
	prog   *exprvm.Program
}

// Compile parses and type-checks an expression against the declared state
// schema and the set of external namespaces. Operand type mismatches and
// references to undeclared names are compile errors.
func Compile(src string, schema map[string]Type, namespaces []string) (*Program, error) {
	env := checkEnv(schema, namespaces)
	prog, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	return &Program{Source: src, prog: prog}, nil
}

// CompileTyped compiles like Compile but additionally constrains the
// expression's result type, so `if:` conditions must be boolean and an
// assignment's right-hand side must match the variable's declared type.
// Results that are only dynamically typed (provider data) are coerced at
// runtime and fault if incompatible.
func CompileTyped(src string, schema map[string]Type, namespaces []string, want Type) (*Program, error) {
	env := checkEnv(schema, namespaces)
	opts := []expr.Option{expr.Env(env)}
	switch want {
	case TypeBool:
		opts = append(opts, expr.AsBool())
	case TypeNumber:
		opts = append(opts, expr.AsFloat64())
	case TypeString:
		opts = append(opts, expr.AsKind(reflect.String))
	}
	prog, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	return &Program{Source: src, prog: prog}, nil
}

// CompileLoose compiles an expression without a declared schema; unknown
// identifiers are permitted and resolve against whatever environment is
// supplied at evaluation time. Used for dynamic action-cost expressions,
// whose fact names are only known at planning time.
func CompileLoose(src string) (*Program, error) {
	prog, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	return &Program{Source: src, prog: prog}, nil
}

// checkEnv builds the representative environment the type checker sees:
// declared variables get zero values of their declared type, external
// namespaces get open maps, and the deterministic rand() builtin is
// always present.
func checkEnv(schema map[string]Type, namespaces []string) map[string]any {
	env := make(map[string]any, len(schema)+len(namespaces)+1)
	for name, t := range schema {
		switch t {
		case TypeBool:
			env[name] = false
		case TypeString:
			env[name] = ""
		default:
			env[name] = float64(0)
		}
	}
	for _, ns := range namespaces {
		env[ns] = map[string]any{}
	}
	env["rand"] = func() float64 { return 0 }
	return env
}

// Eval runs the program against a runtime environment. Faults (nil
// operands from absent provider data, invalid operations) are returned as
// errors; callers decide whether to degrade to the NaN sentinel.
func (p *Program) Eval(env map[string]any, interner Interner) (Value, error) {
	out, err := exprvm.Run(p.prog, env)
	if err != nil {
		return NaN(), err
	}
	return convert(out, interner)
}

// convert maps an evaluator result onto the uniform scalar.
func convert(out any, interner Interner) (Value, error) {
	switch v := out.(type) {
	case bool:
		return Bool(v), nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(float64(v)), nil
	case int:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case uint64:
		return Number(float64(v)), nil
	case string:
		if interner == nil {
			return NaN(), fmt.Errorf("string result %q with no interner", v)
		}
		return String(interner.Intern(v)), nil
	case nil:
		return NaN(), fmt.Errorf("expression produced no value")
	default:
		return NaN(), fmt.Errorf("unsupported expression result type %T", out)
	}
}

// ConstFold reports whether src is a constant expression (no variable or
// namespace references) and, if so, its folded Go value. Builtin calls on
// constant arguments fold too.
func ConstFold(src string) (any, bool) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, false
	}
	f := &identFinder{}
	ast.Walk(&tree.Node, f)
	if f.found {
		return nil, false
	}
	prog, err := expr.Compile(src)
	if err != nil {
		return nil, false
	}
	out, err := exprvm.Run(prog, map[string]any{})
	if err != nil {
		return nil, false
	}
	switch out.(type) {
	case bool, string, float64, float32, int, int64, uint64:
		return out, true
	default:
		return nil, false
	}
}

type identFinder struct{ found bool }

func (f *identFinder) Visit(node *ast.Node) {
	if _, ok := (*node).(*ast.IdentifierNode); ok {
		f.found = true
	}
}

// Env assembles the runtime environment for one evaluation: local variable
// values, fresh provider snapshots for each declared namespace, and the
// context-seeded rand() builtin. The dst map is cleared and reused so the
// per-tick path does not allocate a new map each call.
func Env(dst map[string]any, vars map[string]any, reg *Registry, scope Scope, namespaces []string, rng func() float64) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(vars)+len(namespaces)+1)
	} else {
		clear(dst)
	}
	for k, v := range vars {
		dst[k] = v
	}
	if reg != nil {
		for _, ns := range namespaces {
			dst[ns] = reg.Snapshot(scope, ns)
		}
	} else {
		for _, ns := range namespaces {
			dst[ns] = map[string]any{}
		}
	}
	if rng != nil {
		dst["rand"] = rng
	} else {
		dst["rand"] = func() float64 { return 0 }
	}
	return dst
}
