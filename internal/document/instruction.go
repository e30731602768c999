// Package document defines the compiled behavior artifact: the instruction
// set, the versioned binary container shared by compiler (producer) and VM
// (consumer), the publish registry, and document composition (extension
// documents grafting instructions onto named attachment points of a base).
package document

// Op is a VM opcode.
type Op uint8

const (
	OpNop Op = iota
	// OpHalt ends the tick's work.
	OpHalt
	// OpPushConst pushes constant pool entry A.
	OpPushConst
	// OpPushStr pushes a string reference to string-table entry A.
	OpPushStr
	// OpLoadVar pushes variable slot A.
	OpLoadVar
	// OpStoreVar pops into variable slot A.
	OpStoreVar
	// OpPop discards the top of stack.
	OpPop
	// OpEval runs expression A and pushes the result.
	OpEval
	// OpJump jumps to absolute offset A.
	OpJump
	// OpJumpIfFalse pops a value and jumps to A when it is falsy.
	OpJumpIfFalse
	// OpCall pushes a frame and jumps to subroutine entry A.
	OpCall
	// OpReturn pops a frame.
	OpReturn
	// OpEmit emits an intent named by string A with B key/value pairs
	// popped from the stack.
	OpEmit
	// OpAwait suspends at continuation A pending external request path
	// (string B); the fetched value is pushed on resume.
	OpAwait
	// OpPlan suspends at continuation A requesting a sub-plan for goal
	// table entry B; 1 or 0 (plan found) is pushed on resume.
	OpPlan
	// OpAttach marks attachment point A. Resolved at compose time; a nop
	// when no extension is bound.
	OpAttach
	// OpParBegin opens a parallel block of A channels. Channels execute
	// as deterministic interleaved segments between sync barriers.
	OpParBegin
	// OpParSync is a channel synchronization barrier.
	OpParSync
	// OpParEnd closes a parallel block.
	OpParEnd
)

var opNames = [...]string{
	OpNop:         "NOP",
	OpHalt:        "HALT",
	OpPushConst:   "PUSH_CONST",
	OpPushStr:     "PUSH_STR",
	OpLoadVar:     "LOAD_VAR",
	OpStoreVar:    "STORE_VAR",
	OpPop:         "POP",
	OpEval:        "EVAL",
	OpJump:        "JMP",
	OpJumpIfFalse: "JMP_FALSE",
	OpCall:        "CALL",
	OpReturn:      "RET",
	OpEmit:        "EMIT",
	OpAwait:       "AWAIT",
	OpPlan:        "PLAN",
	OpAttach:      "ATTACH",
	OpParBegin:    "PAR_BEGIN",
	OpParSync:     "PAR_SYNC",
	OpParEnd:      "PAR_END",
}

// String returns the mnemonic.
func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "INVALID"
}

// Valid reports whether op is a known opcode.
func (op Op) Valid() bool {
	return int(op) < len(opNames) && opNames[op] != ""
}

// Instruction is one fixed-width bytecode instruction. Operand meaning
// depends on the opcode; unused operands are zero.
type Instruction struct {
	Op Op
	A  int32
	B  int32
}

// operandKind says what an operand indexes, so composition can remap
// extension instructions into the merged tables of a flattened image.
type operandKind uint8

const (
	operandNone operandKind = iota
	operandConst
	operandString
	operandVar
	operandExpr
	operandCode
	operandContinuation
	operandGoal
	operandAttach
	operandCount // plain number, no remap
)

// operandKinds returns the kinds of (A, B) for an opcode.
func operandKinds(op Op) (operandKind, operandKind) {
	switch op {
	case OpPushConst:
		return operandConst, operandNone
	case OpPushStr:
		return operandString, operandNone
	case OpLoadVar, OpStoreVar:
		return operandVar, operandNone
	case OpEval:
		return operandExpr, operandNone
	case OpJump, OpJumpIfFalse, OpCall:
		return operandCode, operandNone
	case OpEmit:
		return operandString, operandCount
	case OpAwait:
		return operandContinuation, operandString
	case OpPlan:
		return operandContinuation, operandGoal
	case OpAttach:
		return operandAttach, operandNone
	case OpParBegin:
		return operandCount, operandNone
	default:
		return operandNone, operandNone
	}
}
