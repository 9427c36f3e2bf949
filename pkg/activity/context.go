package activity

import (
	"context"
	"time"

	"github.com/petrijr/chronicle/pkg/api"
)

// Info describes the attempt a handler is running.
type Info struct {
	Key          api.ExecutionKey
	ActivityID   string
	ActivityType string
	Attempt      int
	Deadline     time.Time
}

type infoKey struct{}

type heartbeatKey struct{}

// InfoFromContext returns the attempt info installed by the executor.
func InfoFromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

// WithHeartbeat installs fn as the heartbeat sink for handlers run with ctx.
// The worker uses it to extend the task lease.
func WithHeartbeat(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, fn)
}

// RecordHeartbeat reports progress from a long running handler. It is a
// no-op when no heartbeat sink is installed.
func RecordHeartbeat(ctx context.Context) {
	if fn, ok := ctx.Value(heartbeatKey{}).(func()); ok && fn != nil {
		fn()
	}
}
