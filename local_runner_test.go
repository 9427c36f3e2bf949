package chronicle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var quiet = Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

func registerArithmetic(t *testing.T, c *Client) {
	t.Helper()
	if err := RegisterActivity(c, "inc", func(ctx context.Context, n int) (int, error) { return n + 1, nil }); err != nil {
		t.Fatalf("register inc: %v", err)
	}
	if err := RegisterActivity(c, "double", func(ctx context.Context, n int) (int, error) { return n * 2, nil }); err != nil {
		t.Fatalf("register double: %v", err)
	}
	// (n + 1) * 2
	err := RegisterWorkflow(c, "inc-double", func(ctx Context, n int) (int, error) {
		if err := ExecuteActivity(ctx, "inc", n, ActivityOptions{}).Get(&n); err != nil {
			return 0, err
		}
		err := ExecuteActivity(ctx, "double", n, ActivityOptions{}).Get(&n)
		return n, err
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}
}

// TestLocalRunner_Run verifies that a workflow started through the runner is
// driven to completion by its worker.
func TestLocalRunner_Run(t *testing.T) {
	runner := NewLocalRunner(quiet)
	registerArithmetic(t, runner.Client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := runner.StartWorkers(ctx); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	var out int
	exec, err := runner.Run(ctx, "inc-double", 3, &out)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("expected status %v, got %v", StatusCompleted, exec.Status)
	}
	// (3 + 1) * 2 = 8
	if out != 8 {
		t.Fatalf("expected output 8, got %d", out)
	}

	execs, err := runner.Client.List(ctx, ExecutionFilter{WorkflowType: "inc-double"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(execs) != 1 || execs[0].Key != exec.Key {
		t.Fatalf("expected the run to be listed, got %v", execs)
	}
}

// TestLocalRunner_StartWorkersTwice ensures that StartWorkers cannot be
// called twice without Stop in between.
func TestLocalRunner_StartWorkersTwice(t *testing.T) {
	runner := NewLocalRunner(quiet)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer runner.Stop()

	if err := runner.StartWorkers(ctx); err != nil {
		t.Fatalf("first StartWorkers failed: %v", err)
	}

	if err := runner.StartWorkers(ctx); err == nil {
		t.Fatalf("expected error from second StartWorkers call, got nil")
	}
}

// TestLocalRunner_StopWithoutStart ensures Stop is safe when workers were
// never started.
func TestLocalRunner_StopWithoutStart(t *testing.T) {
	runner := NewLocalRunner(quiet)
	// Should not panic or deadlock.
	runner.Stop()
}

// TestLocalRunner_Signal verifies that a workflow waiting for a signal
// continues once it is delivered.
func TestLocalRunner_Signal(t *testing.T) {
	runner := NewLocalRunner(quiet)
	err := RegisterWorkflow(runner.Client, "wait-for-go", func(ctx Context, _ struct{}) (string, error) {
		var who string
		if err := GetSignal(ctx, "go").Get(&who); err != nil {
			return "", err
		}
		return "released by " + who, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.StartWorkers(ctx); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	key, err := runner.Client.Start(ctx, "wait-for-go", struct{}{}, StartOptions{ID: "waiter"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Still waiting after the first workflow task.
	time.Sleep(50 * time.Millisecond)
	exec, err := runner.Client.Describe(ctx, key)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if exec.Status != StatusRunning {
		t.Fatalf("expected a running execution, got %v", exec.Status)
	}

	if err := runner.Client.Signal(ctx, "waiter", "go", "ada"); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}

	var out string
	if err := runner.Client.Result(ctx, "waiter", &out); err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if out != "released by ada" {
		t.Fatalf("unexpected output %q", out)
	}
}

// TestLocalRunner_CancelReturnsWorkflowError verifies that a cancelled run
// reports its outcome as a *WorkflowError.
func TestLocalRunner_CancelReturnsWorkflowError(t *testing.T) {
	runner := NewLocalRunner(quiet)
	err := RegisterWorkflow(runner.Client, "forever", func(ctx Context, _ struct{}) (struct{}, error) {
		return struct{}{}, GetSignal(ctx, "never").Get(nil)
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.StartWorkers(ctx); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	if _, err := runner.Client.Start(ctx, "forever", struct{}{}, StartOptions{ID: "forever-1"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := runner.Client.Cancel(ctx, "forever-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	_, err = runner.Client.GetResult(ctx, "forever-1")
	var wfErr *WorkflowError
	if !errors.As(err, &wfErr) {
		t.Fatalf("expected *WorkflowError, got %v", err)
	}
	if wfErr.Status != StatusCancelled {
		t.Fatalf("expected status %v, got %v", StatusCancelled, wfErr.Status)
	}
}
