// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon implements the dispatch layer (C5): a global concurrency
// cap over running workflows and a per-trigger bounded drop-oldest queue,
// following the teacher's internal/daemon/queue and internal/daemon/runner
// semaphore-and-shutdown-channel idiom.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orkestra-run/orkestra/internal/metrics"
	"github.com/orkestra-run/orkestra/internal/trigger"
)

// QueuedItem is one deferred (triggerId, trigger, event) tuple waiting for
// dispatch capacity.
type QueuedItem struct {
	TriggerID string
	Def       *trigger.Def
	Event     trigger.EventView
	queuedAt  time.Time
}

// WorkflowRunner runs one workflow to completion. Supervisor implements
// this for the production daemon; tests supply a fake.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, triggerID string, def *trigger.Def, ev trigger.EventView) (*trigger.WorkflowResult, error)
}

// Daemon is the trigger.Executor the trigger engine calls into: it decides
// whether a firing trigger runs immediately, queues, or (during shutdown)
// is synthesized as cancelled.
type Daemon struct {
	log           *slog.Logger
	runner        WorkflowRunner
	maxConcurrent int

	mu               sync.Mutex
	runningWorkflows int
	queue            []*QueuedItem
	shutdown         bool
	shutdownCtx      context.Context
	shutdownCancel   context.CancelFunc
	doneCh           chan struct{}
	doneArmed        bool
}

// New builds a Daemon with the given concurrency cap (spec.md default 5).
func New(log *slog.Logger, runner WorkflowRunner, maxConcurrent int) *Daemon {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		log:            log,
		runner:         runner,
		maxConcurrent:  maxConcurrent,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		doneCh:         make(chan struct{}),
	}
}

// ShutdownContext is cancelled the moment stop() begins, so in-flight
// workflows can cancel cooperatively.
func (d *Daemon) ShutdownContext() context.Context {
	return d.shutdownCtx
}

// Execute implements trigger.Executor. It is scheduleWorkflow from
// spec.md §4.2: run directly under capacity, else enqueue and raise the
// queued sentinel.
func (d *Daemon) Execute(triggerID string, def *trigger.Def, ev trigger.EventView) (*trigger.WorkflowResult, error) {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return &trigger.WorkflowResult{Succeeded: false, Status: "CANCELLED", Detail: "daemon shutting down"}, nil
	}

	if d.runningWorkflows < d.maxConcurrent {
		d.runningWorkflows++
		metrics.SetRunningWorkflows(d.runningWorkflows)
		d.mu.Unlock()
		return d.executeWorkflow(triggerID, def, ev), nil
	}

	d.enqueueLocked(triggerID, def, ev)
	metrics.SetQueueDepth(triggerID, d.countQueuedLocked(triggerID))
	d.mu.Unlock()
	return nil, trigger.ErrQueued
}

// countQueuedLocked must be called with d.mu held.
func (d *Daemon) countQueuedLocked(triggerID string) int {
	count := 0
	for _, item := range d.queue {
		if item.TriggerID == triggerID {
			count++
		}
	}
	return count
}

func (d *Daemon) enqueueLocked(triggerID string, def *trigger.Def, ev trigger.EventView) {
	maxQueue := 10
	if def.MaxQueue != nil {
		maxQueue = *def.MaxQueue
	}

	count := 0
	oldestIdx := -1
	for i, item := range d.queue {
		if item.TriggerID == triggerID {
			count++
			if oldestIdx == -1 {
				oldestIdx = i
			}
		}
	}
	if count >= maxQueue && oldestIdx != -1 {
		d.log.Warn("dropping oldest queued item for trigger at capacity", "trigger_id", triggerID, "max_queue", maxQueue)
		d.queue = append(d.queue[:oldestIdx], d.queue[oldestIdx+1:]...)
	}

	d.queue = append(d.queue, &QueuedItem{TriggerID: triggerID, Def: def, Event: ev, queuedAt: time.Now()})
}

// executeWorkflow runs one workflow to completion and always releases
// capacity and re-drains on return, regardless of outcome.
func (d *Daemon) executeWorkflow(triggerID string, def *trigger.Def, ev trigger.EventView) *trigger.WorkflowResult {
	defer d.release()

	result, err := d.runner.RunWorkflow(d.shutdownCtx, triggerID, def, ev)
	if err != nil {
		d.log.Error("workflow run failed", "trigger_id", triggerID, "error", err)
		return &trigger.WorkflowResult{Succeeded: false, Status: "FAILED", Detail: err.Error()}
	}
	return result
}

// release decrements the running count and starts at most one queued item,
// matching drainQueue's "start at most one per call" rule: the newly
// started execution's own release call continues the cooperative drain.
func (d *Daemon) release() {
	d.mu.Lock()
	d.runningWorkflows--
	metrics.SetRunningWorkflows(d.runningWorkflows)

	var next *QueuedItem
	if !d.shutdown && d.runningWorkflows < d.maxConcurrent && len(d.queue) > 0 {
		next = d.queue[0]
		d.queue = d.queue[1:]
		d.runningWorkflows++
	}

	done := d.runningWorkflows == 0 && len(d.queue) == 0
	armed := d.doneArmed
	if done && armed {
		d.doneArmed = false
	}
	d.mu.Unlock()

	if done && armed {
		close(d.doneCh)
	}

	if next != nil {
		go func() {
			d.executeWorkflow(next.TriggerID, next.Def, next.Event)
		}()
	}
}

// QueueDepth reports the total number of queued (not running) items,
// across all triggers.
func (d *Daemon) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// RunningCount reports the number of workflows currently executing.
func (d *Daemon) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runningWorkflows
}

// Stop is idempotent: it raises the shutdown flag, cancels the shared
// shutdown context so in-flight workflows see it cooperatively, clears the
// queue, and waits up to 30s for drain.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return
	}
	d.shutdown = true
	dropped := len(d.queue)
	d.queue = nil

	wait := d.runningWorkflows > 0
	if wait {
		d.doneArmed = true
	}
	d.mu.Unlock()

	d.shutdownCancel()
	if dropped > 0 {
		d.log.Warn("dropped queued items on shutdown", "count", dropped)
	}

	if wait {
		select {
		case <-d.doneCh:
		case <-time.After(30 * time.Second):
			d.log.Warn("shutdown drain timed out waiting for running workflows")
		}
	}
}
