// Package jobs implements named durable queues on Redis with at-least-once
// delivery, per-queue concurrency, exponential-backoff retries, dead
// lettering, and key-based enqueue dedup.
//
// A job lives as a JSON blob keyed by id; queue membership is tracked by
// moving the id between a waiting list, an active list, a delayed zset
// (scored by the time the retry is due), and a dead list. Workers hold a
// lease key with a TTL while running; a reaper requeues active jobs whose
// lease has expired, which is what makes delivery at-least-once rather than
// at-most-once. Handlers must therefore be idempotent.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Queue names processed by the engine.
const (
	QueueExtract        = "notes:extract"
	QueueOrganize       = "entities:organize"
	QueueReprocess      = "notes:reprocess"
	QueueEmbeddings     = "entities:compute-embeddings"
	QueueTrainingExport = "review-queue:export-training-data"
)

// Config controls how one queue is processed.
type Config struct {
	// Concurrency is the number of workers pulling from the queue.
	Concurrency int
	// MaxAttempts is the total number of tries before dead-lettering.
	MaxAttempts int
	// BaseBackoff is the delay before the second attempt; each further
	// attempt doubles it, capped at MaxBackoff, with ±25% jitter.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Deadline bounds a single handler invocation.
	Deadline time.Duration
}

// DefaultConfig returns the processing defaults for a known queue name.
// Unknown names get conservative single-worker defaults.
func DefaultConfig(queue string) Config {
	cfg := Config{
		Concurrency: 1,
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  time.Minute,
		Deadline:    5 * time.Minute,
	}
	switch queue {
	case QueueExtract:
		cfg.Concurrency = 5
		cfg.Deadline = 10 * time.Minute
	case QueueOrganize:
		cfg.Concurrency = 5
	case QueueReprocess, QueueEmbeddings:
		cfg.Concurrency = 2
	case QueueTrainingExport:
		cfg.Concurrency = 1
	}
	return cfg
}

// withDefaults fills zero fields from the queue's defaults.
func (c Config) withDefaults(queue string) Config {
	def := DefaultConfig(queue)
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Deadline <= 0 {
		c.Deadline = def.Deadline
	}
	return c
}

// Job is the unit of work handed to a Handler. Attempt is 1-based during
// execution; LastError carries the previous attempt's failure on retries.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// fatalError marks a handler failure as deterministic: retrying cannot fix
// it, so the job dead-letters immediately.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the runner dead-letters the job instead of retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
