// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// SubmitBatch submits every task in tasks concurrently, bounded by
// MaxConcurrentDispatch, and returns the first error encountered (if any)
// alongside a slice aligned with tasks: each entry is the submitted task,
// or a zero Task where submission failed or never ran. Adapted from the
// corpus's wave-dispatch shape (errgroup collecting per-item goroutines,
// a semaphore capping concurrency) generalized from "one wave of
// dependency-ready agents" to "one batch of newly-submitted tasks".
func (s *Scheduler) SubmitBatch(ctx context.Context, tasks []Task) ([]Task, error) {
	sem := semaphore.NewWeighted(int64(s.config.MaxConcurrentDispatch))
	group, groupCtx := errgroup.WithContext(ctx)

	results := make([]Task, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			submitted, err := s.Submit(task)
			if err != nil {
				return err
			}
			results[i] = submitted
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
