package document

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/planner"
)

// VarDecl is one entry of the declared state schema.
type VarDecl struct {
	Name string
	Type expression.Type
	Init expression.Value
}

// ContinuationPoint records where execution may suspend: the continuation
// id, the instruction to resume at, and the operand-stack depth a resumed
// snapshot must carry.
type ContinuationPoint struct {
	ID         int32
	ResumeIP   int32
	StackDepth int32
}

// AttachmentPoint names a code site other documents may extend. In a base
// document Site is the offset of the OpAttach marker; in an extension it
// is the entry offset of the graft block for that point.
type AttachmentPoint struct {
	Name string
	Site int32
}

// ActionSpec is a GOAP action declared by the document's annotation block.
// Immutable after compilation.
type ActionSpec struct {
	Name     string
	Pre      []planner.Condition
	Effects  []planner.Effect
	Cost     float64
	CostExpr string // optional dynamic cost expression source; "" if none
}

// GoalSpec is a goal predicate referenced by OpPlan.
type GoalSpec struct {
	Conditions []planner.Condition
	Priority   float64
}

// DebugEntry maps an instruction offset back to an authoring-source line.
type DebugEntry struct {
	PC   int32
	Line int32
}

// Document is the compiled behavior artifact. Once sealed its contents
// never change: a new version is a new Document, never an in-place
// mutation.
type Document struct {
	// ID is assigned by the registry at publish time.
	ID uuid.UUID

	Name    string
	Version int
	// BaseName is the document this one extends; "" for base documents.
	BaseName string

	Schema    []VarDecl
	Externals []string // declared external namespaces
	Constants []expression.Value
	// Strings is the deduplicated string table. Slot 0 is always "".
	Strings       []string
	Code          []Instruction
	Expressions   []string // expression sources, compiled at load time
	Continuations []ContinuationPoint
	Attachments   []AttachmentPoint
	Actions       []ActionSpec
	Goals         []GoalSpec
	Debug         []DebugEntry

	sealed bool
}

// ErrSealed is returned when attempting to mutate a published document.
var ErrSealed = errors.New("document is sealed")

// Seal freezes the document. Called by the compiler after emission and by
// the decoder after a successful load.
func (d *Document) Seal() { d.sealed = true }

// Sealed reports whether the document is frozen.
func (d *Document) Sealed() bool { return d.sealed }

// Ref names a specific published version.
type Ref struct {
	Name    string
	Version int
}

func (r Ref) String() string { return fmt.Sprintf("%s@%d", r.Name, r.Version) }

// Ref returns the document's own reference.
func (d *Document) Ref() Ref { return Ref{Name: d.Name, Version: d.Version} }

// IsExtension reports whether the document grafts onto a base.
func (d *Document) IsExtension() bool { return d.BaseName != "" }

// Validate checks internal consistency: operand indices in range, known
// opcodes, jump targets inside the code. The VM refuses to bind documents
// failing validation (load-time fatal for that document only).
func (d *Document) Validate() error {
	if d.Name == "" {
		return errors.New("document has no name")
	}
	if len(d.Strings) == 0 || d.Strings[0] != "" {
		return errors.New("string table slot 0 must be the empty string")
	}
	n := int32(len(d.Code))
	for pc, ins := range d.Code {
		if !ins.Op.Valid() {
			return fmt.Errorf("pc %d: invalid opcode %d", pc, ins.Op)
		}
		ka, kb := operandKinds(ins.Op)
		for _, ok := range []struct {
			kind operandKind
			val  int32
		}{{ka, ins.A}, {kb, ins.B}} {
			switch ok.kind {
			case operandConst:
				if ok.val < 0 || int(ok.val) >= len(d.Constants) {
					return fmt.Errorf("pc %d: constant index %d out of range", pc, ok.val)
				}
			case operandString:
				if ok.val < 0 || int(ok.val) >= len(d.Strings) {
					return fmt.Errorf("pc %d: string index %d out of range", pc, ok.val)
				}
			case operandVar:
				// An extension numbers its new variables after the base
				// schema, whose size is unknown here; the upper bound is
				// checked at compose time instead.
				if ok.val < 0 || (!d.IsExtension() && int(ok.val) >= len(d.Schema)) {
					return fmt.Errorf("pc %d: variable slot %d out of range", pc, ok.val)
				}
			case operandExpr:
				if ok.val < 0 || int(ok.val) >= len(d.Expressions) {
					return fmt.Errorf("pc %d: expression index %d out of range", pc, ok.val)
				}
			case operandCode:
				if ok.val < 0 || ok.val >= n {
					return fmt.Errorf("pc %d: jump target %d out of range", pc, ok.val)
				}
			case operandGoal:
				if ok.val < 0 || int(ok.val) >= len(d.Goals) {
					return fmt.Errorf("pc %d: goal index %d out of range", pc, ok.val)
				}
			case operandAttach:
				if ok.val < 0 || int(ok.val) >= len(d.Attachments) {
					return fmt.Errorf("pc %d: attachment index %d out of range", pc, ok.val)
				}
			}
		}
	}
	for _, cp := range d.Continuations {
		if cp.ResumeIP < 0 || cp.ResumeIP > n {
			return fmt.Errorf("continuation %d: resume ip %d out of range", cp.ID, cp.ResumeIP)
		}
	}
	return nil
}

// SchemaTypes returns the schema as the name→type map the expression
// compiler consumes.
func (d *Document) SchemaTypes() map[string]expression.Type {
	m := make(map[string]expression.Type, len(d.Schema))
	for _, v := range d.Schema {
		m[v.Name] = v.Type
	}
	return m
}
