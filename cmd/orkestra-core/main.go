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

// Command orkestra-core is a reference implementation of the supervised
// Core process spec.md §1 describes as an external collaborator. It hosts
// the permit gate (C7) and answers orkestrad's framed JSON-line protocol
// over stdio, running each submitted step's instructions as a local
// command in its workspace. Production deployments are expected to
// substitute a real agent-backed Core; this one exists so the permit-gated
// submit -> permit -> execute -> cancel lifecycle has somewhere to run
// end-to-end without one.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/orkestra-run/orkestra/internal/coreipc"
	"github.com/orkestra-run/orkestra/internal/log"
	"github.com/orkestra-run/orkestra/internal/permit"
)

func main() {
	var (
		maxConcurrency        = flag.Int("max-concurrency", 4, "Maximum concurrently executing jobs")
		maxRPS                = flag.Int("max-rps", 0, "Maximum permit grants per second (0 = unlimited)")
		queueStallThresholdMs = flag.Int64("queue-stall-threshold-ms", 0, "Reject a permit request once it reports waiting this long (0 = disabled)")
	)
	flag.Parse()

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	gate := permit.New(permit.Config{
		RejectThreshold:         0.95,
		DeferThreshold:          0.8,
		DegradeThreshold:        0.6,
		MaxConcurrency:          *maxConcurrency,
		MaxRPS:                  *maxRPS,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,
		QueueStallThresholdMs:   *queueStallThresholdMs,
	})

	transport := coreipc.NewTransport(os.Stdin, os.Stdout)
	core := newCoreServer(logger, transport, gate)

	if err := transport.Loop(core.handle); err != nil {
		logger.Info("orkestra-core transport closed", "error", err)
	}
}

type pendingJob struct {
	stepID       string
	instructions string
	worker       string
	workspace    string
	env          map[string]string
}

type coreServer struct {
	log       *slog.Logger
	transport *coreipc.Transport
	gate      *permit.Gate

	mu   sync.Mutex
	jobs map[string]pendingJob
}

func newCoreServer(log *slog.Logger, transport *coreipc.Transport, gate *permit.Gate) *coreServer {
	return &coreServer{log: log, transport: transport, gate: gate, jobs: map[string]pendingJob{}}
}

func (c *coreServer) handle(msg coreipc.Message) {
	switch msg.Type {
	case coreipc.MsgSubmitJob:
		c.onSubmitJob(msg)
	case coreipc.MsgRequestPermit:
		c.onRequestPermit(msg)
	case coreipc.MsgCancelJob:
		c.onCancelJob(msg)
	}
}

func (c *coreServer) onSubmitJob(msg coreipc.Message) {
	var params coreipc.SubmitJobParams
	if err := unmarshalParams(msg, &params); err != nil {
		c.log.Error("orkestra-core: malformed submit_job", "error", err)
		return
	}
	c.mu.Lock()
	c.jobs[msg.JobID] = pendingJob{
		stepID:       params.StepID,
		instructions: params.Instructions,
		worker:       params.Worker,
		workspace:    params.Workspace,
		env:          params.Env,
	}
	c.mu.Unlock()
}

func (c *coreServer) onRequestPermit(msg coreipc.Message) {
	var params coreipc.RequestPermitParams
	if err := unmarshalParams(msg, &params); err != nil {
		c.log.Error("orkestra-core: malformed request_permit", "error", err)
		return
	}

	handle, rejection := c.gate.RequestPermit(permit.Job{ID: msg.JobID, Type: params.JobType, CostHint: params.CostHint}, params.QueuedForMs)
	if rejection != nil {
		reply, _ := coreipc.NewMessage(coreipc.MsgPermitRejected, msg.JobID, coreipc.PermitRejectedParams{Reason: string(rejection.Reason)})
		_ = c.transport.Send(reply)
		return
	}

	granted, _ := coreipc.NewMessage(coreipc.MsgPermitGranted, msg.JobID, nil)
	if err := c.transport.Send(granted); err != nil {
		c.gate.CompletePermit(msg.JobID, false)
		return
	}

	go c.runJob(msg.JobID, handle)
}

func (c *coreServer) onCancelJob(msg coreipc.Message) {
	c.gate.RevokePermit(msg.JobID, "cancelled by daemon")
}

func (c *coreServer) runJob(jobID string, handle *permit.Handle) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		c.gate.CompletePermit(jobID, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	go func() {
		select {
		case <-handle.Abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	result := c.execute(ctx, job)

	c.mu.Lock()
	delete(c.jobs, jobID)
	c.mu.Unlock()

	c.gate.CompletePermit(jobID, result.Status == coreipc.WorkerSucceeded)

	completed, _ := coreipc.NewMessage(coreipc.MsgJobCompleted, jobID, result)
	_ = c.transport.Send(completed)
}

// execute runs the step's instructions as a shell command in the step's
// workspace. A real Core process would route this through an agent CLI;
// this stub exists to exercise the permit-gated lifecycle end-to-end.
func (c *coreServer) execute(ctx context.Context, job pendingJob) coreipc.JobCompletedParams {
	cmd := exec.CommandContext(ctx, "sh", "-c", job.instructions)
	cmd.Dir = job.workspace
	for k, v := range job.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	message := strings.TrimSpace(out.String())
	if ctx.Err() != nil {
		return coreipc.JobCompletedParams{Status: coreipc.WorkerCancelled, Message: message}
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return coreipc.JobCompletedParams{Status: coreipc.WorkerFailed, ErrorClass: "RETRYABLE_TRANSIENT", Message: message, ExitCode: exitCode}
	}
	return coreipc.JobCompletedParams{Status: coreipc.WorkerSucceeded, Message: message, ExitCode: 0}
}

func unmarshalParams(msg coreipc.Message, target any) error {
	if len(msg.Params) == 0 {
		return nil
	}
	return json.Unmarshal(msg.Params, target)
}
