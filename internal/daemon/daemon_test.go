package daemon

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkestra-run/orkestra/internal/trigger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type blockingRunner struct {
	release chan struct{}
	started chan string
	calls   int32
}

func (r *blockingRunner) RunWorkflow(ctx context.Context, triggerID string, def *trigger.Def, ev trigger.EventView) (*trigger.WorkflowResult, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.started != nil {
		r.started <- triggerID
	}
	<-r.release
	return &trigger.WorkflowResult{Succeeded: true}, nil
}

func TestExecute_RunsDirectlyUnderCapacity(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release) // return immediately
	d := New(testLogger(), runner, 5)

	result, err := d.Execute("t1", &trigger.Def{}, trigger.EventView{})
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
}

func TestExecute_QueuesAtCapacity(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan string, 10)}
	d := New(testLogger(), runner, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Execute("t1", &trigger.Def{}, trigger.EventView{})
	}()

	<-runner.started // first one is running

	_, err := d.Execute("t2", &trigger.Def{}, trigger.EventView{})
	assert.ErrorIs(t, err, trigger.ErrQueued)
	assert.Equal(t, 1, d.QueueDepth())

	close(runner.release)
	wg.Wait()
}

func TestEnqueue_DropsOldestPerTriggerAtMaxQueue(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan string, 10)}
	d := New(testLogger(), runner, 1)

	go func() { _, _ = d.Execute("running", &trigger.Def{}, trigger.EventView{}) }()
	<-runner.started

	maxQueue := 2
	def := &trigger.Def{MaxQueue: &maxQueue}
	for i := 0; i < 3; i++ {
		_, err := d.Execute("t1", def, trigger.EventView{Timestamp: int64(i)})
		assert.ErrorIs(t, err, trigger.ErrQueued)
	}

	assert.Equal(t, 2, d.QueueDepth())
	close(runner.release)
}

func TestStop_WaitsForRunningWorkflowsToDrain(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan string, 1)}
	d := New(testLogger(), runner, 1)

	go func() { _, _ = d.Execute("t1", &trigger.Def{}, trigger.EventView{}) }()
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before running workflow drained")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after workflow completed")
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	d := New(testLogger(), runner, 5)

	d.Stop()
	d.Stop() // must not panic or double-close doneCh
}

func TestExecute_AfterShutdownReturnsCancelled(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	d := New(testLogger(), runner, 5)
	d.Stop()

	result, err := d.Execute("t1", &trigger.Def{}, trigger.EventView{})
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", result.Status)
}
