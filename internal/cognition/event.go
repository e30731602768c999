// Package cognition turns raw perception events into goals for the
// planner. Each agent owns an attention queue and a memory store; the
// pipeline itself is stateless and shared. Every stage is a pure
// function over (event, memory, personality, active goals), so the whole
// pipeline is replayable.
package cognition

import "time"

// Event is one typed perception pushed by an external caller: what was
// perceived, who was involved, and how urgent the caller thinks it is.
type Event struct {
	// Kind names the perceived fact, e.g. "threat_detected".
	Kind string
	// Source identifies the counterpart agent or entity involved, if any.
	Source string
	// Payload carries event-specific data. The optional "sentiment" key
	// (a float in [-1, 1]) feeds memory formation; the optional "goal"
	// key (a fact→value map) overrides the default emitted goal.
	Payload map[string]any
	// Urgency is the caller's urgency hint in [0, 1].
	Urgency float64
	// At is the perception timestamp.
	At time.Time

	// seq orders equal-urgency events by arrival.
	seq uint64
}

// Personality holds an agent's trait scores in [0, 1]. Traits the
// pipeline reads: "vigilance" lowers the attention floor, "composure"
// dampens significance. Absent traits read as zero.
type Personality struct {
	Traits map[string]float64
}

// Trait returns a trait score, zero when absent.
func (p Personality) Trait(name string) float64 {
	return p.Traits[name]
}
