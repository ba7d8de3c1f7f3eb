package engine

import "time"

// Options configures the engine.
type Options struct {
	// RetrievalLimit is how many neighbors the decision phase sees.
	RetrievalLimit int
	// ParallelApply applies actions concurrently when no two share a target.
	ParallelApply bool
	// ApplyTimeout bounds a parallel apply. Zero means no deadline.
	ApplyTimeout time.Duration
	// MaxParallel caps concurrent mutations during a parallel apply.
	MaxParallel int
	// Clock overrides time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the recommended defaults.
func DefaultOptions() Options {
	return Options{
		RetrievalLimit: 5,
		MaxParallel:    8,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.RetrievalLimit <= 0 {
		o.RetrievalLimit = defaults.RetrievalLimit
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = defaults.MaxParallel
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// ReconcileOption adjusts a single Reconcile call.
type ReconcileOption func(*reconcileConfig)

type reconcileConfig struct {
	retrievalLimit int
	parallel       bool
	actor          string
}

// WithRetrievalLimit overrides the neighbor count for one call.
func WithRetrievalLimit(n int) ReconcileOption {
	return func(c *reconcileConfig) {
		if n > 0 {
			c.retrievalLimit = n
		}
	}
}

// WithParallelApply overrides Options.ParallelApply for one call.
func WithParallelApply(enabled bool) ReconcileOption {
	return func(c *reconcileConfig) { c.parallel = enabled }
}

// WithActor records who triggered the call in the history rows.
func WithActor(id string) ReconcileOption {
	return func(c *reconcileConfig) { c.actor = id }
}

func (e *Engine) reconcileConfig(opts []ReconcileOption) reconcileConfig {
	cfg := reconcileConfig{
		retrievalLimit: e.opts.RetrievalLimit,
		parallel:       e.opts.ParallelApply,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
