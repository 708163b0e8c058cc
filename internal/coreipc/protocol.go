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

// Package coreipc bridges the workflow executor's Runner contract (C6) to
// a framed JSON-line IPC protocol spoken with a supervised Core process,
// implementing the permit-gated submit → permit → execute → cancel
// lifecycle from spec.md §4.5. The message envelope follows the teacher's
// internal/rpc/protocol.go Message shape, adapted from request/response
// RPC to an async line-delimited event stream over a subprocess's stdio.
package coreipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType is the envelope's kind tag.
type MessageType string

const (
	MsgSubmitJob     MessageType = "submit_job"
	MsgJobAccepted   MessageType = "job_accepted"
	MsgRequestPermit MessageType = "request_permit"
	MsgPermitGranted MessageType = "permit_granted"
	MsgPermitRejected MessageType = "permit_rejected"
	MsgCancelJob     MessageType = "cancel_job"
	MsgJobCompleted  MessageType = "job_completed"
	MsgJobEvent      MessageType = "job_event"
)

// Message is one line of the framed protocol: exactly one JSON object per
// line, newline-terminated.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId"`
	JobID         string          `json:"jobId,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// NewMessage builds a Message with a fresh correlation id and marshaled
// params.
func NewMessage(t MessageType, jobID string, params any) (Message, error) {
	msg := Message{Type: t, CorrelationID: uuid.NewString(), JobID: jobID}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("coreipc: marshal params: %w", err)
		}
		msg.Params = data
	}
	return msg, nil
}

// SubmitJobParams is the payload of a submit_job message.
type SubmitJobParams struct {
	StepID       string            `json:"stepId"`
	Instructions string            `json:"instructions"`
	Worker       string            `json:"worker"`
	Capabilities []string          `json:"capabilities"`
	Workspace    string            `json:"workspace"`
	Env          map[string]string `json:"env,omitempty"`
	DeadlineAtMs int64             `json:"deadlineAtMs"`
}

// RequestPermitParams is the payload of a request_permit message.
type RequestPermitParams struct {
	JobType     string  `json:"jobType"`
	CostHint    float64 `json:"costHint"`
	QueuedForMs int64   `json:"queuedForMs"`
}

// PermitRejectedParams carries the rejection reason.
type PermitRejectedParams struct {
	Reason string `json:"reason"`
}

// WorkerStatus is the Core process's own outcome tag for a job.
type WorkerStatus string

const (
	WorkerSucceeded WorkerStatus = "SUCCEEDED"
	WorkerFailed    WorkerStatus = "FAILED"
	WorkerCancelled WorkerStatus = "CANCELLED"
)

// JobCompletedParams is the payload of a job_completed message.
type JobCompletedParams struct {
	Status       WorkerStatus   `json:"status"`
	ErrorClass   string         `json:"errorClass,omitempty"`
	Message      string         `json:"message,omitempty"`
	Artifacts    map[string]any `json:"artifacts,omitempty"`
	Observations []string       `json:"observations,omitempty"`
	Cost         float64        `json:"cost,omitempty"`

	// ExitCode is the underlying process exit status. A CUSTOM completion
	// check worker uses it per spec.md §4.3's three-way contract: 0
	// complete, 1 incomplete, anything else a hard failure.
	ExitCode int `json:"exitCode"`
}

// StepRunResult is the coreipc-normalized outcome the workflow executor's
// Runner contract expects.
type StepRunResult struct {
	Status       string
	ErrorClass   string
	Message      string
	Artifacts    map[string]any
	Observations []string
	Cost         float64
}

// normalize maps WorkerStatus onto the workflow ErrorClass taxonomy per
// spec.md §4.5 step 6.
func normalize(p JobCompletedParams) StepRunResult {
	result := StepRunResult{
		Message:      p.Message,
		Artifacts:    p.Artifacts,
		Observations: p.Observations,
		Cost:         p.Cost,
	}
	switch p.Status {
	case WorkerSucceeded:
		result.Status = "SUCCEEDED"
	case WorkerCancelled:
		result.Status = "FAILED"
		result.ErrorClass = "NON_RETRYABLE"
	case WorkerFailed:
		result.Status = "FAILED"
		if p.ErrorClass != "" {
			result.ErrorClass = p.ErrorClass
		} else {
			result.ErrorClass = "RETRYABLE_TRANSIENT"
		}
	default:
		result.Status = "FAILED"
		result.ErrorClass = "NON_RETRYABLE"
	}
	return result
}
