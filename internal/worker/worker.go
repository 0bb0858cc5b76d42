// ============================================================================
// contimg Worker - Unit Execution
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs imaging units, each Worker in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Execute the unit under the pool context (plus the task timeout)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Cancellation:
//   The pool context is the run context. Cancelling it (SIGINT) reaches the
//   toolkit, which kills the CASA process group. The unit still reports a
//   result so the collector can account for it.
//
// Panics:
//   A panicking executor is turned into a failed result; the worker keeps
//   serving tasks.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/contimg/internal/imaging"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	exec     Executor
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker. It returns once taskCh is closed.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()

		taskCtx, cancel := ctx, context.CancelFunc(func() {})
		if task.Timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		outcome, err := w.execute(taskCtx, task)
		cancel()

		result := Result{
			UnitID:   task.Unit.ID,
			Outcome:  outcome,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		// 結果必須送達；只有 Pool 停止時才放棄
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			slog.Warn("Dropping unit result after pool stop", "worker", w.id, "unit", task.Unit.ID)
		}
	}
}

// execute runs one unit, converting a panic into an error.
func (w *Worker) execute(ctx context.Context, task Task) (outcome imaging.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker panic", "worker", w.id, "unit", task.Unit.ID, "panic", r)
			err = fmt.Errorf("unit %s panicked: %v", task.Unit.ID, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return imaging.Outcome{}, err
	}
	slog.Debug("Worker picked up unit", "worker", w.id, "unit", task.Unit.ID)
	return w.exec.Execute(ctx, task.Unit)
}
