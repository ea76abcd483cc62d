// Package config carries the handful of tunables spec.md §6 lists as
// engine-recognised options. This is intentionally a typed struct, not
// the teacher's generic directive-parser (framework/cfgparser in the
// full mail server) — that system exists to parse the server's text
// configuration file, a concern entirely outside this engine's scope.
package config

import "time"

// Engine holds the rollup/GC tunables of spec.md §4.E and §6.
type Engine struct {
	// OldRollupGracePeriod is the minimum age before a non-latest
	// rollup and its covered transactions become collectable.
	OldRollupGracePeriod time.Duration

	// ExcessRollupGracePeriod is the minimum age for aggressive
	// rollup-only trimming once the rollup count exceeds the
	// threshold.
	ExcessRollupGracePeriod time.Duration

	// ExcessRollupThreshold is the rollup count above which
	// aggressive trimming engages.
	ExcessRollupThreshold int

	// RollupSuggestThreshold is the per-session poll-cost counter
	// value that triggers a suggested rollup write (spec §4.E
	// "suggest_rollup").
	RollupSuggestThreshold int
}

// Default returns the engine configuration with spec.md's documented
// defaults: 24h / 60s / 4.
func Default() Engine {
	return Engine{
		OldRollupGracePeriod:    24 * time.Hour,
		ExcessRollupGracePeriod: 60 * time.Second,
		ExcessRollupThreshold:   4,
		RollupSuggestThreshold:  100,
	}
}
