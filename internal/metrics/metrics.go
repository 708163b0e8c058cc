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

// Package metrics exposes orkestrad's Prometheus instrumentation, grounded
// on the teacher's internal/controller/filewatcher/metrics.go: package-level
// promauto collectors registered against the default registry, with small
// Record* helpers so callers never touch a prometheus.Metric directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	triggerActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orkestra_trigger_actions_total",
			Help: "Total trigger admission outcomes by trigger id and action kind",
		},
		[]string{"trigger_id", "action"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orkestra_daemon_queue_depth",
			Help: "Current per-trigger queued workflow count",
		},
		[]string{"trigger_id"},
	)

	runningWorkflows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orkestra_daemon_running_workflows",
			Help: "Number of workflows currently executing",
		},
	)

	permitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orkestra_permit_decisions_total",
			Help: "Total permit gate decisions by job type and outcome",
		},
		[]string{"job_type", "outcome"},
	)

	stepOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orkestra_step_outcomes_total",
			Help: "Total step terminal outcomes by workflow name, step id, and status",
		},
		[]string{"workflow", "step_id", "status"},
	)

	workflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orkestra_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds by terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		},
		[]string{"workflow", "status"},
	)
)

// RecordTriggerAction increments the trigger-action counter.
func RecordTriggerAction(triggerID, action string) {
	triggerActions.WithLabelValues(triggerID, action).Inc()
}

// SetQueueDepth sets the current queue depth gauge for a trigger.
func SetQueueDepth(triggerID string, depth int) {
	queueDepth.WithLabelValues(triggerID).Set(float64(depth))
}

// SetRunningWorkflows sets the running-workflows gauge.
func SetRunningWorkflows(n int) {
	runningWorkflows.Set(float64(n))
}

// RecordPermitDecision increments the permit-decision counter. outcome is
// "granted" or a RejectReason string.
func RecordPermitDecision(jobType, outcome string) {
	permitDecisions.WithLabelValues(jobType, outcome).Inc()
}

// RecordStepOutcome increments the step-outcome counter.
func RecordStepOutcome(workflowName, stepID, status string) {
	stepOutcomes.WithLabelValues(workflowName, stepID, status).Inc()
}

// ObserveWorkflowDuration records a workflow's wall-clock duration.
func ObserveWorkflowDuration(workflowName, status string, seconds float64) {
	workflowDuration.WithLabelValues(workflowName, status).Observe(seconds)
}
