// Package queue is the declared-queue registry: defaults for known queues,
// lazy creation of ad-hoc ones, and the merge rule between queue-wide and
// per-job options.
package queue

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// BackoffKind selects how the delay between retries grows.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
)

// Backoff describes the retry delay policy for a queue or job.
type Backoff struct {
	Kind        BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means the dispatcher's default cap applies
}

// RemovalPolicy bounds how long and how many terminal jobs are retained.
type RemovalPolicy struct {
	AgeSec   int
	MaxCount int
}

// RateLimit bounds reservations for a queue over a sliding window.
type RateLimit struct {
	Max      int
	WindowMs int
}

// JobOptions are the per-job overrides merged over a queue's defaults.
type JobOptions struct {
	Priority         int64
	DelayUntil       time.Time
	Attempts         int
	Backoff          Backoff
	TimeoutMs        int
	RemoveOnComplete *RemovalPolicy
	RemoveOnFail     *RemovalPolicy
	// Metadata is opaque tenant-supplied tags carried on the job and echoed
	// on its lifecycle events, so webhook subscription filters can match on
	// them (spec.md §4.6's metadata equality predicates).
	Metadata map[string]string
}

// Definition is a queue's declared configuration.
type Definition struct {
	Name             string
	Attempts         int
	Backoff          Backoff
	RemoveOnComplete RemovalPolicy
	RemoveOnFail     RemovalPolicy
	RateLimit        RateLimit
	MaxConcurrency   int
	Paused           bool
}

var nameRE = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidName reports whether name satisfies the queue-name invariant.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// ServiceDefaults are applied to ad-hoc queues auto-created on first enqueue.
type ServiceDefaults struct {
	RemoveOnComplete RemovalPolicy
	RemoveOnFail     RemovalPolicy
	Attempts         int
	Backoff          Backoff
	MaxConcurrency   int
}

// Registry holds declared queues with their default job options. Mutated
// only at startup and on lazy ad-hoc creation, guarded by a single mutex —
// mirroring the event bus's subscriber map.
type Registry struct {
	mu       sync.RWMutex
	queues   map[string]*Definition
	defaults ServiceDefaults
}

// New creates a Registry pre-populated with the given declared queues.
func New(declared []Definition, defaults ServiceDefaults) *Registry {
	r := &Registry{
		queues:   make(map[string]*Definition, len(declared)),
		defaults: defaults,
	}
	for _, d := range declared {
		def := d
		r.queues[def.Name] = &def
	}
	return r
}

// Get returns a queue's definition, auto-creating it with service defaults
// if it is not yet declared. Returns an error if name is invalid.
func (r *Registry) Get(name string) (*Definition, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("invalid queue name %q", name)
	}

	r.mu.RLock()
	def, ok := r.queues[name]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if def, ok := r.queues[name]; ok {
		return def, nil
	}
	def = &Definition{
		Name:             name,
		Attempts:         r.defaults.Attempts,
		Backoff:          r.defaults.Backoff,
		RemoveOnComplete: r.defaults.RemoveOnComplete,
		RemoveOnFail:     r.defaults.RemoveOnFail,
		MaxConcurrency:   r.defaults.MaxConcurrency,
	}
	r.queues[name] = def
	return def, nil
}

// List returns all currently registered queue definitions.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.queues))
	for _, d := range r.queues {
		out = append(out, *d)
	}
	return out
}

// SetPaused flips the in-memory paused flag for a declared queue. The
// broker's own paused key is the source of truth for reservation blocking;
// this mirror lets stats endpoints answer without a round trip.
func (r *Registry) SetPaused(name string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def, ok := r.queues[name]; ok {
		def.Paused = paused
	}
}

// MergeJobOptions applies a queue's defaults with job-level overrides
// winning, per spec.md §3's merge rule.
func MergeJobOptions(def *Definition, override JobOptions) JobOptions {
	merged := JobOptions{
		Priority:         override.Priority,
		DelayUntil:       override.DelayUntil,
		Attempts:         def.Attempts,
		Backoff:          def.Backoff,
		TimeoutMs:        30000,
		RemoveOnComplete: &def.RemoveOnComplete,
		RemoveOnFail:     &def.RemoveOnFail,
		Metadata:         override.Metadata,
	}
	if override.Attempts > 0 {
		merged.Attempts = override.Attempts
	}
	if override.Backoff.Kind != "" {
		merged.Backoff = override.Backoff
	}
	if override.TimeoutMs > 0 {
		merged.TimeoutMs = override.TimeoutMs
	}
	if override.RemoveOnComplete != nil {
		merged.RemoveOnComplete = override.RemoveOnComplete
	}
	if override.RemoveOnFail != nil {
		merged.RemoveOnFail = override.RemoveOnFail
	}
	return merged
}
