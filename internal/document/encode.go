package document

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Binary container layout: a fixed header, a section table, then section
// payloads. All integers are little-endian. Consumers must ignore
// sections with unknown ids (forward compatibility) and must reject
// documents missing a required section.
const (
	// Magic is the container format tag.
	Magic = "BBHV"
	// FormatVersion is bumped on incompatible layout changes.
	FormatVersion uint16 = 1
)

// Section ids. Ids sectionMeta..sectionExpressions are required; the rest
// are optional and may be absent in artifacts from older compilers.
const (
	sectionMeta uint16 = iota + 1
	sectionSchema
	sectionConstants
	sectionStrings
	sectionCode
	sectionExpressions
	sectionContinuations
	sectionAttachments
	sectionActions
	sectionGoals
	sectionDebug
)

var requiredSections = []uint16{
	sectionMeta, sectionSchema, sectionConstants,
	sectionStrings, sectionCode, sectionExpressions,
}

type sectionWriter struct {
	buf bytes.Buffer
}

func (w *sectionWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *sectionWriter) u16(v uint16) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *sectionWriter) u32(v uint32) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *sectionWriter) i32(v int32)  { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *sectionWriter) f64(v float64) {
	binary.Write(&w.buf, binary.LittleEndian, math.Float64bits(v))
}
func (w *sectionWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

// Encode serializes the document into the binary container. Encoding is
// deterministic: identical documents always produce identical bytes.
func Encode(d *Document) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	sections := []struct {
		id   uint16
		body []byte
	}{
		{sectionMeta, encodeMeta(d)},
		{sectionSchema, encodeSchema(d)},
		{sectionConstants, encodeConstants(d)},
		{sectionStrings, encodeStrings(d.Strings)},
		{sectionCode, encodeCode(d)},
		{sectionExpressions, encodeStrings(d.Expressions)},
		{sectionContinuations, encodeContinuations(d)},
		{sectionAttachments, encodeAttachments(d)},
		{sectionActions, encodeActions(d)},
		{sectionGoals, encodeGoals(d)},
		{sectionDebug, encodeDebug(d)},
	}

	var out bytes.Buffer
	out.WriteString(Magic)
	binary.Write(&out, binary.LittleEndian, FormatVersion)
	binary.Write(&out, binary.LittleEndian, uint16(len(sections)))

	// Section table: id, flags, offset, length.
	const entrySize = 2 + 2 + 4 + 4
	offset := uint32(out.Len()) + uint32(entrySize*len(sections))
	for _, s := range sections {
		binary.Write(&out, binary.LittleEndian, s.id)
		binary.Write(&out, binary.LittleEndian, uint16(0))
		binary.Write(&out, binary.LittleEndian, offset)
		binary.Write(&out, binary.LittleEndian, uint32(len(s.body)))
		offset += uint32(len(s.body))
	}
	for _, s := range sections {
		out.Write(s.body)
	}
	return out.Bytes(), nil
}

func encodeMeta(d *Document) []byte {
	var w sectionWriter
	w.str(d.Name)
	w.u32(uint32(d.Version))
	w.str(d.BaseName)
	w.u32(uint32(len(d.Externals)))
	for _, ns := range d.Externals {
		w.str(ns)
	}
	return w.buf.Bytes()
}

func encodeSchema(d *Document) []byte {
	var w sectionWriter
	w.u32(uint32(len(d.Schema)))
	for _, v := range d.Schema {
		w.str(v.Name)
		w.u8(uint8(v.Type))
		w.f64(float64(v.Init))
	}
	return w.buf.Bytes()
}

func encodeConstants(d *Document) []byte {
	var w sectionWriter
	w.u32(uint32(len(d.Constants)))
	for _, c := range d.Constants {
		w.f64(float64(c))
	}
	return w.buf.Bytes()
}

func encodeStrings(list []string) []byte {
	var w sectionWriter
	w.u32(uint32(len(list)))
	for _, s := range list {
		w.str(s)
	}
	return w.buf.Bytes()
}

func encodeCode(d *Document) []byte {
	var w sectionWriter
	w.u32(uint32(len(d.Code)))
	for _, ins := range d.Code {
		w.u8(uint8(ins.Op))
		w.i32(ins.A)
		w.i32(ins.B)
	}
	return w.buf.Bytes()
}

func encodeContinuations(d *Document) []byte {
	var w sectionWriter
	w.u32(uint32(len(d.Continuations)))
	for _, c := range d.Continuations {
		w.i32(c.ID)
		w.i32(c.ResumeIP)
		w.i32(c.StackDepth)
	}
	return w.buf.Bytes()
}

func encodeAttachments(d *Document) []byte {
	var w sectionWriter
	w.u32(uint32(len(d.Attachments)))
	for _, a := range d.Attachments {
		w.str(a.Name)
		w.i32(a.Site)
	}
	return w.buf.Bytes()
}

func encodeActions(d *Document) []byte {
	var w sectionWriter
	w.u32(uint32(len(d.Actions)))
	for _, a := range d.Actions {
		w.str(a.Name)
		w.f64(a.Cost)
		w.str(a.CostExpr)
		w.u32(uint32(len(a.Pre)))
		for _, c := range a.Pre {
			w.str(c.Fact)
			w.u8(uint8(c.Op))
			w.f64(float64(c.Value))
		}
		w.u32(uint32(len(a.Effects)))
		for _, e := range a.Effects {
			w.str(e.Fact)
			w.u8(uint8(e.Op))
			w.f64(float64(e.Value))
		}
	}
	return w.buf.Bytes()
}

func encodeGoals(d *Document) []byte {
	var w sectionWriter
	w.u32(uint32(len(d.Goals)))
	for _, g := range d.Goals {
		w.f64(g.Priority)
		w.u32(uint32(len(g.Conditions)))
		for _, c := range g.Conditions {
			w.str(c.Fact)
			w.u8(uint8(c.Op))
			w.f64(float64(c.Value))
		}
	}
	return w.buf.Bytes()
}

func encodeDebug(d *Document) []byte {
	var w sectionWriter
	w.u32(uint32(len(d.Debug)))
	for _, e := range d.Debug {
		w.i32(e.PC)
		w.i32(e.Line)
	}
	return w.buf.Bytes()
}
