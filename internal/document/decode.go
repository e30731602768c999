package document

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/beyond-immersion/bannou-behavior/internal/expression"
	"github.com/beyond-immersion/bannou-behavior/internal/planner"
)

var (
	// ErrBadMagic means the bytes are not a behavior document.
	ErrBadMagic = errors.New("bad document magic")
	// ErrBadVersion means the container format is newer than this reader.
	ErrBadVersion = errors.New("unsupported container format version")
	// ErrMissingSection means a required section is absent. Fatal for the
	// document being loaded, nothing else.
	ErrMissingSection = errors.New("missing required section")
	// ErrCorrupt means a section payload failed to parse.
	ErrCorrupt = errors.New("corrupt document")
)

type sectionReader struct {
	data []byte
	pos  int
}

func (r *sectionReader) remain() int { return len(r.data) - r.pos }

func (r *sectionReader) u8() (uint8, error) {
	if r.remain() < 1 {
		return 0, ErrCorrupt
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *sectionReader) u32() (uint32, error) {
	if r.remain() < 4 {
		return 0, ErrCorrupt
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *sectionReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *sectionReader) f64() (float64, error) {
	if r.remain() < 8 {
		return 0, ErrCorrupt
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *sectionReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if uint32(r.remain()) < n {
		return "", ErrCorrupt
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// count reads a u32 length prefix with a sanity bound derived from the
// remaining payload, so corrupt lengths fail cleanly instead of causing
// huge allocations.
func (r *sectionReader) count(minElem int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if minElem > 0 && int(n) > r.remain()/minElem+1 {
		return 0, ErrCorrupt
	}
	return int(n), nil
}

// Decode parses a binary container back into a sealed Document. Unknown
// trailing sections are ignored; missing required sections are an error.
func Decode(data []byte) (*Document, error) {
	if len(data) < 8 || string(data[:4]) != Magic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	count := int(binary.LittleEndian.Uint16(data[6:]))

	const entrySize = 12
	if len(data) < 8+count*entrySize {
		return nil, ErrCorrupt
	}
	sections := make(map[uint16][]byte, count)
	for i := 0; i < count; i++ {
		off := 8 + i*entrySize
		id := binary.LittleEndian.Uint16(data[off:])
		start := binary.LittleEndian.Uint32(data[off+4:])
		length := binary.LittleEndian.Uint32(data[off+8:])
		if uint64(start)+uint64(length) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: section %d out of bounds", ErrCorrupt, id)
		}
		// Unknown ids land in the map too and are simply never read.
		sections[id] = data[start : start+uint32(length)]
	}
	for _, id := range requiredSections {
		if _, ok := sections[id]; !ok {
			return nil, fmt.Errorf("%w: id %d", ErrMissingSection, id)
		}
	}

	d := &Document{}
	if err := decodeMeta(d, sections[sectionMeta]); err != nil {
		return nil, err
	}
	if err := decodeSchema(d, sections[sectionSchema]); err != nil {
		return nil, err
	}
	if err := decodeConstants(d, sections[sectionConstants]); err != nil {
		return nil, err
	}
	var err error
	if d.Strings, err = decodeStrings(sections[sectionStrings]); err != nil {
		return nil, err
	}
	if err := decodeCode(d, sections[sectionCode]); err != nil {
		return nil, err
	}
	if d.Expressions, err = decodeStrings(sections[sectionExpressions]); err != nil {
		return nil, err
	}
	if body, ok := sections[sectionContinuations]; ok {
		if err := decodeContinuations(d, body); err != nil {
			return nil, err
		}
	}
	if body, ok := sections[sectionAttachments]; ok {
		if err := decodeAttachments(d, body); err != nil {
			return nil, err
		}
	}
	if body, ok := sections[sectionActions]; ok {
		if err := decodeActions(d, body); err != nil {
			return nil, err
		}
	}
	if body, ok := sections[sectionGoals]; ok {
		if err := decodeGoals(d, body); err != nil {
			return nil, err
		}
	}
	if body, ok := sections[sectionDebug]; ok {
		if err := decodeDebug(d, body); err != nil {
			return nil, err
		}
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	d.Seal()
	return d, nil
}

func decodeMeta(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	var err error
	if d.Name, err = r.str(); err != nil {
		return err
	}
	v, err := r.u32()
	if err != nil {
		return err
	}
	d.Version = int(v)
	if d.BaseName, err = r.str(); err != nil {
		return err
	}
	n, err := r.count(4)
	if err != nil {
		return err
	}
	d.Externals = make([]string, 0, n)
	for i := 0; i < n; i++ {
		ns, err := r.str()
		if err != nil {
			return err
		}
		d.Externals = append(d.Externals, ns)
	}
	return nil
}

func decodeSchema(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	n, err := r.count(13)
	if err != nil {
		return err
	}
	d.Schema = make([]VarDecl, 0, n)
	for i := 0; i < n; i++ {
		name, err := r.str()
		if err != nil {
			return err
		}
		t, err := r.u8()
		if err != nil {
			return err
		}
		init, err := r.f64()
		if err != nil {
			return err
		}
		d.Schema = append(d.Schema, VarDecl{
			Name: name,
			Type: expression.Type(t),
			Init: expression.Value(init),
		})
	}
	return nil
}

func decodeConstants(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	n, err := r.count(8)
	if err != nil {
		return err
	}
	d.Constants = make([]expression.Value, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.f64()
		if err != nil {
			return err
		}
		d.Constants = append(d.Constants, expression.Value(v))
	}
	return nil
}

func decodeStrings(body []byte) ([]string, error) {
	r := &sectionReader{data: body}
	n, err := r.count(4)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeCode(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	n, err := r.count(9)
	if err != nil {
		return err
	}
	d.Code = make([]Instruction, 0, n)
	for i := 0; i < n; i++ {
		op, err := r.u8()
		if err != nil {
			return err
		}
		a, err := r.i32()
		if err != nil {
			return err
		}
		b, err := r.i32()
		if err != nil {
			return err
		}
		d.Code = append(d.Code, Instruction{Op: Op(op), A: a, B: b})
	}
	return nil
}

func decodeContinuations(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	n, err := r.count(12)
	if err != nil {
		return err
	}
	d.Continuations = make([]ContinuationPoint, 0, n)
	for i := 0; i < n; i++ {
		id, err := r.i32()
		if err != nil {
			return err
		}
		ip, err := r.i32()
		if err != nil {
			return err
		}
		depth, err := r.i32()
		if err != nil {
			return err
		}
		d.Continuations = append(d.Continuations, ContinuationPoint{ID: id, ResumeIP: ip, StackDepth: depth})
	}
	return nil
}

func decodeAttachments(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	n, err := r.count(8)
	if err != nil {
		return err
	}
	d.Attachments = make([]AttachmentPoint, 0, n)
	for i := 0; i < n; i++ {
		name, err := r.str()
		if err != nil {
			return err
		}
		site, err := r.i32()
		if err != nil {
			return err
		}
		d.Attachments = append(d.Attachments, AttachmentPoint{Name: name, Site: site})
	}
	return nil
}

func decodeConditions(r *sectionReader) ([]planner.Condition, error) {
	n, err := r.count(13)
	if err != nil {
		return nil, err
	}
	out := make([]planner.Condition, 0, n)
	for i := 0; i < n; i++ {
		fact, err := r.str()
		if err != nil {
			return nil, err
		}
		op, err := r.u8()
		if err != nil {
			return nil, err
		}
		v, err := r.f64()
		if err != nil {
			return nil, err
		}
		out = append(out, planner.Condition{Fact: fact, Op: planner.CmpOp(op), Value: expression.Value(v)})
	}
	return out, nil
}

func decodeActions(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	n, err := r.count(16)
	if err != nil {
		return err
	}
	d.Actions = make([]ActionSpec, 0, n)
	for i := 0; i < n; i++ {
		var a ActionSpec
		if a.Name, err = r.str(); err != nil {
			return err
		}
		if a.Cost, err = r.f64(); err != nil {
			return err
		}
		if a.CostExpr, err = r.str(); err != nil {
			return err
		}
		if a.Pre, err = decodeConditions(r); err != nil {
			return err
		}
		en, err := r.count(13)
		if err != nil {
			return err
		}
		a.Effects = make([]planner.Effect, 0, en)
		for j := 0; j < en; j++ {
			fact, err := r.str()
			if err != nil {
				return err
			}
			op, err := r.u8()
			if err != nil {
				return err
			}
			v, err := r.f64()
			if err != nil {
				return err
			}
			a.Effects = append(a.Effects, planner.Effect{Fact: fact, Op: planner.EffectOp(op), Value: expression.Value(v)})
		}
		d.Actions = append(d.Actions, a)
	}
	return nil
}

func decodeGoals(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	n, err := r.count(12)
	if err != nil {
		return err
	}
	d.Goals = make([]GoalSpec, 0, n)
	for i := 0; i < n; i++ {
		var g GoalSpec
		if g.Priority, err = r.f64(); err != nil {
			return err
		}
		if g.Conditions, err = decodeConditions(r); err != nil {
			return err
		}
		d.Goals = append(d.Goals, g)
	}
	return nil
}

func decodeDebug(d *Document, body []byte) error {
	r := &sectionReader{data: body}
	n, err := r.count(8)
	if err != nil {
		return err
	}
	d.Debug = make([]DebugEntry, 0, n)
	for i := 0; i < n; i++ {
		pc, err := r.i32()
		if err != nil {
			return err
		}
		line, err := r.i32()
		if err != nil {
			return err
		}
		d.Debug = append(d.Debug, DebugEntry{PC: pc, Line: line})
	}
	return nil
}
