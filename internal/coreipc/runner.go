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

package coreipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orkestra-run/orkestra/internal/durationutil"
	wf "github.com/orkestra-run/orkestra/internal/workflow"
)

// fatalPermitReasons marks a permit rejection that must abort the
// step outright rather than retry, per spec.md §4.5 step 3.
var fatalPermitReasons = map[string]bool{
	"BUDGET_EXHAUSTED": true,
	"FATAL_MODE":       true,
	"DUPLICATE_PERMIT": true,
}

type jobWaiter struct {
	done chan JobCompletedParams
}

type permitWaiter struct {
	granted chan struct{}
	rejected chan string
}

// Runner implements workflow.Runner over a Transport connected to a
// supervised Core process, maintaining the jobId -> waiter map and permit
// request/response correlation spec.md §4.5 describes.
type Runner struct {
	log       *slog.Logger
	transport *Transport
	stepTimeoutDefault time.Duration

	mu       sync.Mutex
	jobs     map[string]*jobWaiter
	permits  map[string]*permitWaiter // keyed by jobID
}

// New builds a Runner over transport. Call Start to begin dispatching
// incoming messages before any RunStep call.
func New(log *slog.Logger, transport *Transport, stepTimeoutDefault time.Duration) *Runner {
	return &Runner{
		log:                log,
		transport:          transport,
		stepTimeoutDefault: stepTimeoutDefault,
		jobs:               map[string]*jobWaiter{},
		permits:            map[string]*permitWaiter{},
	}
}

// Start runs the transport's receive loop in the background until the
// transport's reader reports EOF or an error. Cancelling ctx does not
// stop the loop.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		_ = r.transport.Loop(r.dispatch)
	}()
	go func() {
		<-ctx.Done()
	}()
}

func (r *Runner) dispatch(msg Message) {
	switch msg.Type {
	case MsgPermitGranted:
		r.mu.Lock()
		w, ok := r.permits[msg.JobID]
		r.mu.Unlock()
		if ok {
			close(w.granted)
		}
	case MsgPermitRejected:
		var params PermitRejectedParams
		_ = json.Unmarshal(msg.Params, &params)
		r.mu.Lock()
		w, ok := r.permits[msg.JobID]
		r.mu.Unlock()
		if ok {
			w.rejected <- params.Reason
		}
	case MsgJobCompleted:
		var params JobCompletedParams
		_ = json.Unmarshal(msg.Params, &params)
		r.mu.Lock()
		w, ok := r.jobs[msg.JobID]
		r.mu.Unlock()
		if ok {
			w.done <- params
		}
	case MsgJobEvent:
		r.log.Debug("core job event", "job_id", msg.JobID)
	}
}

// PermitRejectedFatal signals a fatal, non-retryable permit rejection.
type PermitRejectedFatal struct {
	Reason string
}

func (e *PermitRejectedFatal) Error() string {
	return fmt.Sprintf("coreipc: permit rejected fatally: %s", e.Reason)
}

// RunStep implements workflow.Runner: submit, acquire a permit (retrying
// non-fatal rejections with full-jitter backoff), await completion racing
// the scoped abort, and normalize the result.
func (r *Runner) RunStep(ctx context.Context, stepID string, resolved wf.ResolvedStep, workspace string, env map[string]string) wf.StepResult {
	jobID := stepID + "-" + fmt.Sprint(time.Now().UnixNano())

	timeout := r.stepTimeoutDefault
	if resolved.Timeout != "" {
		if d, err := durationutil.Parse(resolved.Timeout); err == nil {
			timeout = d
		}
	}
	deadline := time.Now().Add(timeout)

	waiter := &jobWaiter{done: make(chan JobCompletedParams, 1)}
	r.mu.Lock()
	r.jobs[jobID] = waiter
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.jobs, jobID)
		delete(r.permits, jobID)
		r.mu.Unlock()
	}()

	caps := make([]string, len(resolved.Capabilities))
	for i, c := range resolved.Capabilities {
		caps[i] = string(c)
	}

	submitMsg, err := NewMessage(MsgSubmitJob, jobID, SubmitJobParams{
		StepID:       stepID,
		Instructions: resolved.Instructions,
		Worker:       string(resolved.Worker),
		Capabilities: caps,
		Workspace:    workspace,
		Env:          env,
		DeadlineAtMs: deadline.UnixMilli(),
	})
	if err != nil {
		return wf.StepResult{Status: wf.StepFailed, ErrorClass: "NON_RETRYABLE", Message: err.Error()}
	}
	if err := r.transport.Send(submitMsg); err != nil {
		return wf.StepResult{Status: wf.StepFailed, ErrorClass: "RETRYABLE_TRANSIENT", Message: err.Error()}
	}

	if err := r.acquirePermit(ctx, jobID, stepID, deadline); err != nil {
		var fatal *PermitRejectedFatal
		if asPermitFatal(err, &fatal) {
			class := "NON_RETRYABLE"
			if fatal.Reason == "FATAL_MODE" {
				class = "FATAL"
			}
			return wf.StepResult{Status: wf.StepFailed, ErrorClass: class, Message: fatal.Error()}
		}
		return wf.StepResult{Status: wf.StepFailed, ErrorClass: "RETRYABLE_TRANSIENT", Message: err.Error()}
	}

	scopedCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case params := <-waiter.done:
		result := normalize(params)
		return wf.StepResult{Status: wf.StepStatus(result.Status), ErrorClass: result.ErrorClass, Message: result.Message}
	case <-scopedCtx.Done():
		cancelMsg, _ := NewMessage(MsgCancelJob, jobID, nil)
		_ = r.transport.Send(cancelMsg)

		select {
		case params := <-waiter.done:
			result := normalize(params)
			return wf.StepResult{Status: wf.StepStatus(result.Status), ErrorClass: result.ErrorClass, Message: result.Message}
		case <-time.After(5 * time.Second):
			return wf.StepResult{Status: wf.StepFailed, ErrorClass: "NON_RETRYABLE", Message: "cancelled: no trailing job_completed within 5s"}
		}
	}
}

func asPermitFatal(err error, target **PermitRejectedFatal) bool {
	f, ok := err.(*PermitRejectedFatal)
	if ok {
		*target = f
	}
	return ok
}

// acquirePermit loops request_permit until granted, a fatal rejection
// arrives, the parent context is cancelled, or the deadline passes.
func (r *Runner) acquirePermit(ctx context.Context, jobID, jobType string, deadline time.Time) error {
	w := &permitWaiter{granted: make(chan struct{}), rejected: make(chan string, 1)}
	r.mu.Lock()
	r.permits[jobID] = w
	r.mu.Unlock()

	queuedSince := time.Now()
	attempt := 0
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("coreipc: permit deadline exceeded")
		}

		msg, err := NewMessage(MsgRequestPermit, jobID, RequestPermitParams{
			JobType:     jobType,
			QueuedForMs: time.Since(queuedSince).Milliseconds(),
		})
		if err != nil {
			return err
		}
		if err := r.transport.Send(msg); err != nil {
			return err
		}

		select {
		case <-w.granted:
			return nil
		case reason := <-w.rejected:
			if fatalPermitReasons[reason] {
				return &PermitRejectedFatal{Reason: reason}
			}
			attempt++
			backoff := durationutil.FullJitterBackoff(attempt, 100*time.Millisecond, 5*time.Second)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(deadline)):
			return fmt.Errorf("coreipc: permit deadline exceeded")
		}
	}
}

// RunCheck submits a completion-check job the same way RunStep submits a
// leaf job, then interprets the worker's result: a CUSTOM worker by its
// exit code (0 complete, 1 incomplete, anything else failed), any other
// worker by a COMPLETE marker without INCOMPLETE in its result message
// (a message with neither marker counts as incomplete). No decision file
// in the workspace is read.
func (r *Runner) RunCheck(ctx context.Context, stepID string, check *wf.CompletionCheckDef, workspace string, env map[string]string, checkID string) wf.CheckResult {
	jobID := stepID + "-check-" + checkID

	timeout := r.stepTimeoutDefault
	if check.Timeout != "" {
		if d, err := durationutil.Parse(check.Timeout); err == nil {
			timeout = d
		}
	}
	deadline := time.Now().Add(timeout)

	waiter := &jobWaiter{done: make(chan JobCompletedParams, 1)}
	r.mu.Lock()
	r.jobs[jobID] = waiter
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.jobs, jobID)
		r.mu.Unlock()
	}()

	msg, err := NewMessage(MsgSubmitJob, jobID, SubmitJobParams{
		StepID:       stepID,
		Instructions: check.Instructions,
		Worker:       string(check.Worker),
		Workspace:    workspace,
		Env:          env,
		DeadlineAtMs: deadline.UnixMilli(),
	})
	if err != nil {
		return wf.CheckResult{Failed: true, Message: err.Error()}
	}
	if err := r.transport.Send(msg); err != nil {
		return wf.CheckResult{Failed: true, Message: err.Error()}
	}

	select {
	case params := <-waiter.done:
		return interpretCheck(check.Worker, params)
	case <-ctx.Done():
		return wf.CheckResult{Failed: true, Message: "cancelled"}
	case <-time.After(time.Until(deadline)):
		return wf.CheckResult{Failed: true, Message: "completion check timed out"}
	}
}

func interpretCheck(worker wf.Worker, params JobCompletedParams) wf.CheckResult {
	if worker == wf.WorkerCustom {
		// spec.md §4.3's three-way exit code contract: 0 complete, 1
		// incomplete (loop again), anything else a hard failure. A
		// cancellation never reaches a meaningful exit code, so it is
		// always a failure regardless of what ExitCode happens to hold.
		if params.Status == WorkerCancelled {
			return wf.CheckResult{Failed: true, Message: params.Message}
		}
		switch params.ExitCode {
		case 0:
			return wf.CheckResult{Complete: true, Fingerprint: fingerprint(params)}
		case 1:
			return wf.CheckResult{Complete: false, Fingerprint: fingerprint(params)}
		default:
			return wf.CheckResult{Failed: true, Message: params.Message}
		}
	}

	if params.Status != WorkerSucceeded {
		return wf.CheckResult{Failed: true, Message: params.Message}
	}
	return wf.CheckResult{Complete: containsCompleteMarker(params.Message), Fingerprint: fingerprint(params)}
}

func containsCompleteMarker(text string) bool {
	return len(text) > 0 && (hasMarker(text, "COMPLETE") && !hasMarker(text, "INCOMPLETE"))
}

func hasMarker(text, marker string) bool {
	for i := 0; i+len(marker) <= len(text); i++ {
		if text[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func fingerprint(params JobCompletedParams) string {
	data, _ := json.Marshal(params.Observations)
	return string(data)
}
