package vm

// rngState is a splitmix64 generator. The standard library's generators
// hide their state, which would make execution contexts impossible to
// checkpoint bit-exactly; splitmix64 is one uint64 of fully serializable
// state and plenty for behavior jitter.
type rngState uint64

func (s *rngState) next() uint64 {
	*s += 0x9E3779B97F4A7C15
	z := uint64(*s)
	z ^= z >> 30
	z *= 0xBF58476D1CE4E5B9
	z ^= z >> 27
	z *= 0x94D049BB133111EB
	z ^= z >> 31
	return z
}

// Float64 returns a uniformly distributed value in [0, 1).
func (s *rngState) Float64() float64 {
	return float64(s.next()>>11) / (1 << 53)
}
