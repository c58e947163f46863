// Package batch implements the concurrency-bounded fan-out/fan-in used by
// every bulk task: entities are split into batches, each batch runs behind
// a semaphore, per-entity failures are isolated, and progress callbacks
// are emitted at batch boundaries.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Result is the per-entity outcome. Exactly one of Value / Err is
// meaningful; a failed entity never fails the job.
type Result[T any] struct {
	EntityID string
	Value    T
	Err      error
}

// Metrics summarizes one processor run.
type Metrics struct {
	Total          int           `json:"total"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	AIErrors       int           `json:"ai_errors"`
	APIErrors      int           `json:"api_errors"`
	AvgConfidence  float64       `json:"avg_confidence"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// ErrorKind classifies a per-entity failure for metrics.
type ErrorKind int

// Error kinds.
const (
	ErrorKindOther ErrorKind = iota
	ErrorKindAI
	ErrorKindAPI
)

// Options tunes one run.
type Options struct {
	BatchSize          int
	ConcurrentRequests int

	// OnProgress is called at batch boundaries with the computed
	// completion percentage. May be nil.
	OnProgress func(ctx context.Context, percentage float64, processed, total int)

	// ClassifyError maps a per-entity error to a kind for metrics.
	// May be nil (everything counts as ErrorKindOther).
	ClassifyError func(err error) ErrorKind

	// Confidence extracts a confidence score from a successful value for
	// the AvgConfidence metric. May be nil.
	Confidence func(value any) (float64, bool)

	// GraceTimeout bounds the drain of in-flight work after cancellation.
	GraceTimeout time.Duration
}

// Progress cadence: a callback every max(1, numBatches/10) batches, with
// percentages spanning the 10..90 band of the task lifecycle.
const (
	progressFloor = 10.0
	progressSpan  = 80.0
)

// Process fans out op over entityIDs. Batches run sequentially; entities
// within a batch run concurrently behind the semaphore. The results slice
// has exactly one entry per input entity, in input order.
//
// Cancellation stops dispatching further batches, drains in-flight work
// within GraceTimeout, and returns ctx.Err alongside the partial results.
func Process[T any](ctx context.Context, entityIDs []string, opts Options, op func(ctx context.Context, entityID string) (T, error)) ([]Result[T], Metrics, error) {
	start := time.Now()
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ConcurrentRequests <= 0 {
		opts.ConcurrentRequests = 5
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = 30 * time.Second
	}

	results := make([]Result[T], len(entityIDs))
	for i, id := range entityIDs {
		results[i] = Result[T]{EntityID: id}
	}

	numBatches := (len(entityIDs) + opts.BatchSize - 1) / opts.BatchSize
	progressEvery := numBatches / 10
	if progressEvery < 1 {
		progressEvery = 1
	}

	sem := semaphore.NewWeighted(int64(opts.ConcurrentRequests))
	var cancelled error

	for b := 0; b < numBatches; b++ {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}

		lo := b * opts.BatchSize
		hi := min(lo+opts.BatchSize, len(entityIDs))
		if err := runBatch(ctx, results[lo:hi], sem, opts.GraceTimeout, op); err != nil {
			cancelled = err
			break
		}

		processed := hi
		if (b+1)%progressEvery == 0 || b == numBatches-1 {
			if opts.OnProgress != nil {
				pct := progressFloor + float64(b+1)/float64(numBatches)*progressSpan
				opts.OnProgress(ctx, pct, processed, len(entityIDs))
			}
		}
	}

	metrics := computeMetrics(results, opts, time.Since(start))
	return results, metrics, cancelled
}

// runBatch executes one batch concurrently. A panic or dispatch failure
// inside the batch marks every entity of the batch as errored rather than
// failing the job.
func runBatch[T any](ctx context.Context, slots []Result[T], sem *semaphore.Weighted, grace time.Duration, op func(ctx context.Context, entityID string) (T, error)) error {
	var wg sync.WaitGroup

	for i := range slots {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancellation while dispatching: the remaining entities of
			// this batch are marked, in-flight ones are drained below.
			for j := i; j < len(slots); j++ {
				slots[j].Err = err
			}
			waitWithGrace(&wg, grace)
			return err
		}

		wg.Add(1)
		go func(slot *Result[T]) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					slot.Err = fmt.Errorf("entity operation panicked: %v", r)
					slog.Error("Recovered panic in batch entity",
						"entity_id", slot.EntityID, "panic", r)
				}
			}()
			slot.Value, slot.Err = op(ctx, slot.EntityID)
		}(&slots[i])
	}

	wg.Wait()
	return nil
}

// waitWithGrace waits for in-flight goroutines up to the grace period.
func waitWithGrace(wg *sync.WaitGroup, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("Batch drain exceeded grace period, abandoning in-flight work", "grace", grace)
	}
}

func computeMetrics[T any](results []Result[T], opts Options, elapsed time.Duration) Metrics {
	m := Metrics{Total: len(results), ProcessingTime: elapsed}
	var confidenceSum float64
	var confidenceCount int

	for i := range results {
		if results[i].Err != nil {
			m.Failed++
			if opts.ClassifyError != nil {
				switch opts.ClassifyError(results[i].Err) {
				case ErrorKindAI:
					m.AIErrors++
				case ErrorKindAPI:
					m.APIErrors++
				}
			}
			continue
		}
		m.Successful++
		if opts.Confidence != nil {
			if score, ok := opts.Confidence(results[i].Value); ok {
				confidenceSum += score
				confidenceCount++
			}
		}
	}

	if confidenceCount > 0 {
		m.AvgConfidence = confidenceSum / float64(confidenceCount)
	}
	return m
}

// FailedIDs returns the entity IDs that ended in error.
func FailedIDs[T any](results []Result[T]) []string {
	var failed []string
	for i := range results {
		if results[i].Err != nil {
			failed = append(failed, results[i].EntityID)
		}
	}
	return failed
}
