package engine

import (
	"context"
	"testing"

	"github.com/petrijr/chronicle/pkg/api"
)

func TestCloseStatus(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		event api.EventType
		want  api.Status
	}{
		{api.EventWorkflowCompleted, api.StatusCompleted},
		{api.EventWorkflowFailed, api.StatusFailed},
		{api.EventWorkflowTimedOut, api.StatusTimedOut},
		{api.EventWorkflowCancelled, api.StatusCancelled},
	}
	for _, tc := range cases {
		got, err := closeStatus(ctx, api.StatusRunning, tc.event)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.event, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.event, got, tc.want)
		}
	}
}

func TestCloseStatus_RejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()

	for _, from := range []api.Status{api.StatusCompleted, api.StatusFailed, api.StatusTimedOut, api.StatusCancelled} {
		if _, err := closeStatus(ctx, from, api.EventWorkflowCompleted); err == nil {
			t.Fatalf("closing a %s execution should fail", from)
		}
	}
	if _, err := closeStatus(ctx, api.StatusRunning, api.EventActivityCompleted); err == nil {
		t.Fatal("a non-closing event should not change the status")
	}
}
