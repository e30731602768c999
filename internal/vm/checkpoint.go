package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/beyond-immersion/bannou-behavior/internal/config"
	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/expression"
)

// Checkpoint format: a small versioned binary blob taken between ticks.
// It captures everything needed to resume the agent elsewhere: locals,
// the pending continuation (if any), the PRNG state, and bookkeeping
// flags. The document image itself is not embedded; its reference is,
// and the restorer resolves it through the registry.
const (
	checkpointMagic            = "BCTX"
	checkpointVersion   uint16 = 1
	flagGrown           uint8  = 1 << 0
	flagQuarantined     uint8  = 1 << 1
	flagHasContinuation uint8  = 1 << 2
)

// ErrBadCheckpoint means the blob failed to parse or does not match the
// supplied document image.
var ErrBadCheckpoint = errors.New("bad checkpoint")

// Checkpoint serializes the context. Must be called between ticks, never
// while an Evaluate is in flight.
func (c *Context) Checkpoint() []byte {
	var b bytes.Buffer
	b.WriteString(checkpointMagic)
	le := binary.LittleEndian
	binary.Write(&b, le, checkpointVersion)

	writeStr := func(s string) {
		binary.Write(&b, le, uint32(len(s)))
		b.WriteString(s)
	}
	writeStr(c.AgentID)
	writeStr(c.img.Base.Name)
	binary.Write(&b, le, uint32(c.img.Base.Version))

	var flags uint8
	if c.grown {
		flags |= flagGrown
	}
	if c.quarantined {
		flags |= flagQuarantined
	}
	if c.pending != nil {
		flags |= flagHasContinuation
	}
	b.WriteByte(flags)
	writeStr(c.reason)
	binary.Write(&b, le, uint64(c.rng))
	binary.Write(&b, le, c.seed)

	binary.Write(&b, le, uint32(len(c.locals)))
	for _, v := range c.locals {
		binary.Write(&b, le, math.Float64bits(float64(v)))
	}
	binary.Write(&b, le, uint32(len(c.runtimeStrings)))
	for _, s := range c.runtimeStrings {
		writeStr(s)
	}

	if c.pending != nil {
		p := c.pending
		b.WriteByte(uint8(p.Kind))
		binary.Write(&b, le, p.ID)
		binary.Write(&b, le, p.ResumeIP)
		writeStr(p.RequestPath)
		binary.Write(&b, le, p.GoalIndex)
		binary.Write(&b, le, uint32(len(p.Stack)))
		for _, v := range p.Stack {
			binary.Write(&b, le, math.Float64bits(float64(v)))
		}
		binary.Write(&b, le, uint32(len(p.Frames)))
		for _, f := range p.Frames {
			binary.Write(&b, le, f)
		}
	}
	return b.Bytes()
}

// CheckpointRef extracts the document reference a checkpoint was bound
// to, so the caller can resolve the image before restoring.
func CheckpointRef(data []byte) (agentID string, ref document.Ref, err error) {
	r := &reader{data: data}
	if err = r.expectHeader(); err != nil {
		return "", document.Ref{}, err
	}
	if agentID, err = r.str(); err != nil {
		return "", document.Ref{}, err
	}
	name, err := r.str()
	if err != nil {
		return "", document.Ref{}, err
	}
	v, err := r.u32()
	if err != nil {
		return "", document.Ref{}, err
	}
	return agentID, document.Ref{Name: name, Version: int(v)}, nil
}

// Restore rebuilds a context from a checkpoint against the resolved
// image. The image must be the same base version the checkpoint was
// taken on; migrating across versions goes through Rebind instead.
func Restore(data []byte, img *document.Image, cfg config.VMConfig) (*Context, error) {
	r := &reader{data: data}
	if err := r.expectHeader(); err != nil {
		return nil, err
	}
	agentID, err := r.str()
	if err != nil {
		return nil, err
	}
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	if name != img.Base.Name || int(version) != img.Base.Version {
		return nil, fmt.Errorf("%w: checkpoint for %s@%d, image is %s",
			ErrBadCheckpoint, name, version, img.Ref())
	}

	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	reason, err := r.str()
	if err != nil {
		return nil, err
	}
	rng, err := r.u64()
	if err != nil {
		return nil, err
	}
	seed, err := r.u64()
	if err != nil {
		return nil, err
	}

	c := NewContext(agentID, img, seed, cfg)
	c.rng = rngState(rng)
	c.grown = flags&flagGrown != 0
	c.quarantined = flags&flagQuarantined != 0
	c.reason = reason
	if c.grown {
		grown := make([]expression.Value, cfg.StackSize*2)
		copy(grown, c.stack)
		c.stack = grown
	}

	nLocals, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(nLocals) != len(img.Schema) {
		return nil, fmt.Errorf("%w: %d locals, schema has %d", ErrBadCheckpoint, nLocals, len(img.Schema))
	}
	for i := range c.locals {
		bits, err := r.u64()
		if err != nil {
			return nil, err
		}
		c.locals[i] = expression.Value(math.Float64frombits(bits))
	}

	nStrs, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nStrs; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		c.runtimeStrings = append(c.runtimeStrings, s)
	}

	if flags&flagHasContinuation != 0 {
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		p := &Continuation{Kind: ContinuationKind(kind)}
		if p.ID, err = r.i32(); err != nil {
			return nil, err
		}
		if p.ResumeIP, err = r.i32(); err != nil {
			return nil, err
		}
		if p.RequestPath, err = r.str(); err != nil {
			return nil, err
		}
		if p.GoalIndex, err = r.i32(); err != nil {
			return nil, err
		}
		ns, err := r.u32()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < ns; i++ {
			bits, err := r.u64()
			if err != nil {
				return nil, err
			}
			p.Stack = append(p.Stack, expression.Value(math.Float64frombits(bits)))
		}
		nf, err := r.u32()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < nf; i++ {
			f, err := r.i32()
			if err != nil {
				return nil, err
			}
			p.Frames = append(p.Frames, f)
		}
		c.pending = p
	}
	return c, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) expectHeader() error {
	if len(r.data) < 6 || string(r.data[:4]) != checkpointMagic {
		return fmt.Errorf("%w: bad magic", ErrBadCheckpoint)
	}
	if v := binary.LittleEndian.Uint16(r.data[4:]); v > checkpointVersion {
		return fmt.Errorf("%w: version %d", ErrBadCheckpoint, v)
	}
	r.pos = 6
	return nil
}

func (r *reader) remain() int { return len(r.data) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.remain() < 1 {
		return 0, fmt.Errorf("%w: truncated", ErrBadCheckpoint)
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remain() < 4 {
		return 0, fmt.Errorf("%w: truncated", ErrBadCheckpoint)
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *reader) u64() (uint64, error) {
	if r.remain() < 8 {
		return 0, fmt.Errorf("%w: truncated", ErrBadCheckpoint)
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if uint32(r.remain()) < n {
		return "", fmt.Errorf("%w: truncated string", ErrBadCheckpoint)
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
