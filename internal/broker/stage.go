// Package broker implements the durable message-passing protocol shared by
// the scheduler and the three pipeline workers: a Redis Stream per stage for
// routing, a Redis hash per job id for the payload envelope, consumer groups
// for at-least-once delivery, and a pending-message recovery loop.
package broker

import "time"

// Stage identifies one of the three pipeline stages.
type Stage struct {
	// Name is a short identifier used in logs and metrics.
	Name string
	// HashPrefix namespaces envelope keys: "{HashPrefix}:{job_id}".
	HashPrefix string
	// Stream is the stream this stage's workers consume from.
	Stream string
	// Group is the consumer group name for this stage's workers.
	Group string
	// JobLimit is the stage-wide concurrency semaphore size.
	JobLimit int
	// EnvelopeTTL is applied on envelope creation and refreshed on terminal
	// update.
	EnvelopeTTL time.Duration
}

// The three pipeline stages, with their stream, group, and hash-prefix
// naming fixed to match what's already deployed.
var (
	StageL1 = Stage{
		Name:        "L1",
		HashPrefix:  "data-prep-msg",
		Stream:      "stream:data-prep-agents",
		Group:       "L1-workers",
		JobLimit:    2,
		EnvelopeTTL: 24 * time.Hour,
	}
	StageL2 = Stage{
		Name:        "L2",
		HashPrefix:  "indexing-workers-msg",
		Stream:      "stream:indexing-workers",
		Group:       "L2-workers",
		JobLimit:    4,
		EnvelopeTTL: 12 * time.Hour,
	}
	StageL3 = Stage{
		Name:        "L3",
		HashPrefix:  "status-sync-worker-msg",
		Stream:      "stream:status-sync-worker",
		Group:       "L3-workers",
		JobLimit:    1,
		EnvelopeTTL: 24 * time.Hour,
	}
)

// WithJobLimit returns a copy of the stage with a custom concurrency limit,
// letting callers apply config-driven overrides without mutating the
// package-level defaults.
func (s Stage) WithJobLimit(limit int) Stage {
	if limit > 0 {
		s.JobLimit = limit
	}
	return s
}

// WithEnvelopeTTL returns a copy of the stage with a custom envelope TTL.
func (s Stage) WithEnvelopeTTL(ttl time.Duration) Stage {
	if ttl > 0 {
		s.EnvelopeTTL = ttl
	}
	return s
}
