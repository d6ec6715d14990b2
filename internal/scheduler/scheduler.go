// Package scheduler fans prediction jobs out over a bounded pool and
// drains them all to completion. Per-job failures are collected as
// data; only a compromised isolation boundary aborts the run. There is
// no retry and no per-job timeout: a failed cell is reported with its
// id and cause for the caller to re-run, and a hung predictor is ended
// only by cancellation of the run context.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/geodrift/tilecast/internal/geo"
	"github.com/geodrift/tilecast/internal/logging"
	"github.com/geodrift/tilecast/internal/metrics"
	"github.com/geodrift/tilecast/internal/predict"
	"github.com/geodrift/tilecast/internal/workspace"
)

// ErrRepeatedSwitchFailures aborts dispatch after more than one
// workspace switch failure: one may be bad luck, two means the
// isolation mechanism itself is broken.
var ErrRepeatedSwitchFailures = errors.New("repeated workspace switch failures, isolation mechanism suspect")

// ContextLeakError reports that the parent's active context changed
// while jobs were running. The isolation guarantee is broken and any
// subsequent operation could corrupt the parent workspace.
type ContextLeakError struct {
	Before, After string
}

func (e *ContextLeakError) Error() string {
	return fmt.Sprintf("parent context leaked: was %q before dispatch, %q after", e.Before, e.After)
}

// JobRunner runs one job to completion. Satisfied by *predict.Worker.
type JobRunner interface {
	Run(ctx context.Context, job predict.Job) ([]predict.ResultTile, error)
}

// ContextSource reports the parent's active context name. Satisfied by
// *workspace.Manager.
type ContextSource interface {
	Current() string
}

// Params are the per-run job parameters shared by every cell.
type Params struct {
	Model     predict.ModelReference
	Output    string
	ChunkSize int
	Flags     predict.Flags
	Limit     int
}

// Scheduler drives one batch of jobs.
type Scheduler struct {
	runner   JobRunner
	contexts ContextSource
	log      *slog.Logger
}

// New creates a scheduler.
func New(runner JobRunner, contexts ContextSource) *Scheduler {
	return &Scheduler{
		runner:   runner,
		contexts: contexts,
		log:      logging.Component("scheduler"),
	}
}

// Run dispatches one job per grid cell in ascending cell id order,
// keeping at most params.Limit jobs in flight, and blocks until every
// dispatched job reaches a terminal state. Completion order is not
// guaranteed; results come back sorted by cell id regardless. Worker
// failures are returned as data alongside the surviving tiles. The
// returned error is reserved for run-level conditions: repeated switch
// failures and a leaked parent context.
func (s *Scheduler) Run(ctx context.Context, grid geo.Grid, params Params) ([]predict.ResultTile, []predict.WorkerError, error) {
	cells := grid.Cells
	limit := params.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > len(cells) {
		limit = len(cells)
	}

	before := s.contexts.Current()
	s.log.Info("predicting grid cells", "cells", len(cells), "limit", limit)

	tileSets := make([][]predict.ResultTile, len(cells))
	failures := make([]*predict.WorkerError, len(cells))
	var switchFailures atomic.Int32
	var stopped atomic.Bool

	g := &errgroup.Group{}
	g.SetLimit(limit)

	for i, cell := range cells {
		idx, job := i, predict.Job{
			Cell:      cell,
			Model:     params.Model,
			Output:    params.Output,
			ChunkSize: params.ChunkSize,
			Flags:     params.Flags,
		}
		// Dispatch blocks here on pool-slot availability, so jobs
		// start strictly in ascending cell id order.
		g.Go(func() error {
			if stopped.Load() {
				failures[idx] = &predict.WorkerError{Cell: job.Cell.ID, Err: ErrRepeatedSwitchFailures}
				return nil
			}

			if m := metrics.Get(); m != nil {
				m.JobsStarted.Inc()
				m.InFlightJobs.Inc()
				defer m.InFlightJobs.Dec()
			}

			tiles, err := s.runner.Run(ctx, job)
			if err != nil {
				var werr *predict.WorkerError
				if !errors.As(err, &werr) {
					werr = &predict.WorkerError{Cell: job.Cell.ID, Err: err}
				}
				failures[idx] = werr
				if m := metrics.Get(); m != nil {
					m.JobsFailed.Inc()
				}

				var switchErr *workspace.SwitchError
				if errors.As(err, &switchErr) && switchFailures.Add(1) > 1 {
					stopped.Store(true)
				}
				// Failures are data; siblings keep running.
				return nil
			}

			tileSets[idx] = tiles
			if m := metrics.Get(); m != nil {
				m.JobsSucceeded.Inc()
			}
			return nil
		})
	}

	g.Wait()

	var tiles []predict.ResultTile
	var errs []predict.WorkerError
	for i := range cells {
		if failures[i] != nil {
			errs = append(errs, *failures[i])
			continue
		}
		tiles = append(tiles, tileSets[i]...)
	}

	if after := s.contexts.Current(); after != before {
		return tiles, errs, &ContextLeakError{Before: before, After: after}
	}
	if switchFailures.Load() > 1 {
		return tiles, errs, fmt.Errorf("%w (%d failures)", ErrRepeatedSwitchFailures, switchFailures.Load())
	}

	s.log.Info("grid cells complete", "succeeded", len(cells)-len(errs), "failed", len(errs))
	return tiles, errs, nil
}
