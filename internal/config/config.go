// Package config holds engine configuration. Every subsystem gets its own
// section with production defaults; a YAML file overrides selectively.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all behavior-engine configuration.
type Config struct {
	VM        VMConfig        `yaml:"vm"`
	Planner   PlannerConfig   `yaml:"planner"`
	Cognition CognitionConfig `yaml:"cognition"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StackPolicy selects the behavior when an agent overflows its pre-sized
// operand stack. The source material leaves this open, so it is a config
// knob rather than a hard-coded choice.
type StackPolicy string

const (
	// StackGrowOnce doubles the stack a single time and logs a warning;
	// a second overflow fails the tick.
	StackGrowOnce StackPolicy = "grow_once"
	// StackFailTick fails the tick immediately on overflow.
	StackFailTick StackPolicy = "fail_tick"
)

// VMConfig sizes the per-agent execution context.
type VMConfig struct {
	// StackSize is the operand stack capacity in values, pre-allocated at
	// context creation.
	StackSize int `yaml:"stack_size"`
	// CallDepth is the maximum subroutine nesting.
	CallDepth int `yaml:"call_depth"`
	// InstructionBudget caps instructions per tick; exhaustion quarantines
	// the agent.
	InstructionBudget int `yaml:"instruction_budget"`
	// MaxIntentsPerTick is the fixed capacity of the intent output slots.
	MaxIntentsPerTick int `yaml:"max_intents_per_tick"`
	// StackOverflow selects the overflow policy.
	StackOverflow StackPolicy `yaml:"stack_overflow"`
}

// DefaultVMConfig returns production VM defaults.
func DefaultVMConfig() VMConfig {
	return VMConfig{
		StackSize:         256,
		CallDepth:         32,
		InstructionBudget: 10000,
		MaxIntentsPerTick: 8,
		StackOverflow:     StackGrowOnce,
	}
}

// SearchBounds limits one planner invocation.
type SearchBounds struct {
	MaxDepth        int           `yaml:"max_depth"`
	MaxNodes        int           `yaml:"max_nodes"`
	Timeout         time.Duration `yaml:"timeout"`
	HeuristicWeight float64       `yaml:"heuristic_weight"`
}

// PlannerConfig maps urgency tiers to search bounds. Low urgency licenses
// a deep, near-optimal search; high urgency forces a shallow, time-boxed
// one for immediate threat response.
type PlannerConfig struct {
	// LowUrgencyBelow and HighUrgencyFrom delimit the three tiers.
	LowUrgencyBelow float64 `yaml:"low_urgency_below"`
	HighUrgencyFrom float64 `yaml:"high_urgency_from"`

	Low    SearchBounds `yaml:"low"`
	Normal SearchBounds `yaml:"normal"`
	High   SearchBounds `yaml:"high"`
}

// DefaultPlannerConfig returns the default urgency-tiered search bounds.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		LowUrgencyBelow: 0.3,
		HighUrgencyFrom: 0.7,
		Low: SearchBounds{
			MaxDepth:        24,
			MaxNodes:        20000,
			Timeout:         50 * time.Millisecond,
			HeuristicWeight: 1.0,
		},
		Normal: SearchBounds{
			MaxDepth:        12,
			MaxNodes:        4000,
			Timeout:         10 * time.Millisecond,
			HeuristicWeight: 1.5,
		},
		High: SearchBounds{
			MaxDepth:        6,
			MaxNodes:        500,
			Timeout:         2 * time.Millisecond,
			HeuristicWeight: 3.0,
		},
	}
}

// CognitionConfig tunes the perception pipeline and memory store.
type CognitionConfig struct {
	// QueueCapacity bounds the attention queue; on overflow the
	// lowest-urgency pending event is dropped.
	QueueCapacity int `yaml:"queue_capacity"`
	// AttentionThreshold is the default significance floor; events below
	// it are discarded by the attention filter.
	AttentionThreshold float64 `yaml:"attention_threshold"`
	// FastTrackThreshold is the urgency above which stages 2-4 are
	// bypassed and a replan is requested directly.
	FastTrackThreshold float64 `yaml:"fast_track_threshold"`
	// MemoryCap bounds records per agent.
	MemoryCap int `yaml:"memory_cap"`
	// PairMemoryCap bounds records per observed counterpart.
	PairMemoryCap int `yaml:"pair_memory_cap"`
	// DecayHalfLife controls significance decay of stored memories.
	DecayHalfLife time.Duration `yaml:"decay_half_life"`
}

// DefaultCognitionConfig returns production cognition defaults.
func DefaultCognitionConfig() CognitionConfig {
	return CognitionConfig{
		QueueCapacity:      32,
		AttentionThreshold: 0.1,
		FastTrackThreshold: 0.8,
		MemoryCap:          64,
		PairMemoryCap:      16,
		DecayHalfLife:      24 * time.Hour,
	}
}

// EngineConfig sizes the agent scheduler.
type EngineConfig struct {
	// Workers is the tick worker pool size. 1 runs all agents in a single
	// loop; an external control plane may resize at runtime.
	Workers int `yaml:"workers"`
}

// DefaultEngineConfig returns production engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{Workers: 4}
}

// LoggingConfig controls category logging.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	Categories []string `yaml:"categories"` // empty = all enabled
}

// DefaultLoggingConfig returns production logging defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info"}
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		VM:        DefaultVMConfig(),
		Planner:   DefaultPlannerConfig(),
		Cognition: DefaultCognitionConfig(),
		Engine:    DefaultEngineConfig(),
		Logging:   DefaultLoggingConfig(),
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.VM.StackSize <= 0 {
		return fmt.Errorf("vm.stack_size must be positive, got %d", c.VM.StackSize)
	}
	if c.VM.InstructionBudget <= 0 {
		return fmt.Errorf("vm.instruction_budget must be positive, got %d", c.VM.InstructionBudget)
	}
	if c.VM.MaxIntentsPerTick <= 0 {
		return fmt.Errorf("vm.max_intents_per_tick must be positive, got %d", c.VM.MaxIntentsPerTick)
	}
	switch c.VM.StackOverflow {
	case StackGrowOnce, StackFailTick:
	default:
		return fmt.Errorf("vm.stack_overflow must be %q or %q, got %q",
			StackGrowOnce, StackFailTick, c.VM.StackOverflow)
	}
	if c.Cognition.QueueCapacity <= 0 {
		return fmt.Errorf("cognition.queue_capacity must be positive, got %d", c.Cognition.QueueCapacity)
	}
	if c.Cognition.FastTrackThreshold <= 0 || c.Cognition.FastTrackThreshold > 1 {
		return fmt.Errorf("cognition.fast_track_threshold must be in (0,1], got %v", c.Cognition.FastTrackThreshold)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	return nil
}
