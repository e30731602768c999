package document

import (
	"fmt"
	"strings"
)

// Disassemble renders a human-readable dump of a compiled document; used
// by the inspect tooling and by replay debugging.
func Disassemble(d *Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "document %s@%d", d.Name, d.Version)
	if d.IsExtension() {
		fmt.Fprintf(&b, " extends %s", d.BaseName)
	}
	b.WriteByte('\n')

	if len(d.Externals) > 0 {
		fmt.Fprintf(&b, "externals: %s\n", strings.Join(d.Externals, ", "))
	}
	if len(d.Schema) > 0 {
		b.WriteString("state:\n")
		for i, v := range d.Schema {
			fmt.Fprintf(&b, "  [%d] %s %s = %s\n", i, v.Name, v.Type, v.Init.Format(d.Strings))
		}
	}
	if len(d.Actions) > 0 {
		b.WriteString("actions:\n")
		for _, a := range d.Actions {
			fmt.Fprintf(&b, "  %s cost=%g", a.Name, a.Cost)
			if a.CostExpr != "" {
				fmt.Fprintf(&b, " cost_expr=%q", a.CostExpr)
			}
			b.WriteByte('\n')
			for _, c := range a.Pre {
				fmt.Fprintf(&b, "    pre  %s\n", c)
			}
			for _, e := range a.Effects {
				op := "="
				if e.Op == 1 {
					op = "+="
				}
				fmt.Fprintf(&b, "    eff  %s %s %s\n", e.Fact, op, e.Value.Format(nil))
			}
		}
	}
	if len(d.Attachments) > 0 {
		b.WriteString("attachment points:\n")
		for _, ap := range d.Attachments {
			fmt.Fprintf(&b, "  %s @ %d\n", ap.Name, ap.Site)
		}
	}
	if len(d.Continuations) > 0 {
		b.WriteString("continuations:\n")
		for _, cp := range d.Continuations {
			fmt.Fprintf(&b, "  #%d resume=%d depth=%d\n", cp.ID, cp.ResumeIP, cp.StackDepth)
		}
	}

	lines := make(map[int32]int32, len(d.Debug))
	for _, e := range d.Debug {
		lines[e.PC] = e.Line
	}

	b.WriteString("code:\n")
	for pc, ins := range d.Code {
		fmt.Fprintf(&b, "  %04d  %-10s", pc, ins.Op)
		switch ins.Op {
		case OpPushConst:
			fmt.Fprintf(&b, " %s", d.Constants[ins.A].Format(d.Strings))
		case OpPushStr:
			fmt.Fprintf(&b, " %q", d.Strings[ins.A])
		case OpLoadVar, OpStoreVar:
			// Extension slots live in the base's numbering; the name is
			// unknown until compose time.
			if !d.IsExtension() && int(ins.A) < len(d.Schema) {
				fmt.Fprintf(&b, " %s", d.Schema[ins.A].Name)
			} else {
				fmt.Fprintf(&b, " var[%d]", ins.A)
			}
		case OpEval:
			fmt.Fprintf(&b, " %q", d.Expressions[ins.A])
		case OpJump, OpJumpIfFalse, OpCall:
			fmt.Fprintf(&b, " -> %04d", ins.A)
		case OpEmit:
			fmt.Fprintf(&b, " %q params=%d", d.Strings[ins.A], ins.B)
		case OpAwait:
			fmt.Fprintf(&b, " #%d %q", ins.A, d.Strings[ins.B])
		case OpPlan:
			fmt.Fprintf(&b, " #%d goal=%d", ins.A, ins.B)
		case OpAttach:
			fmt.Fprintf(&b, " %s", d.Attachments[ins.A].Name)
		case OpParBegin:
			fmt.Fprintf(&b, " channels=%d", ins.A)
		}
		if line, ok := lines[int32(pc)]; ok {
			fmt.Fprintf(&b, "   ; line %d", line)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
