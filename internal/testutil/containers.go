package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// sharedContainer starts one container per test binary on first use.
// Testcontainers reaps it when the binary exits.
type sharedContainer struct {
	name string

	// run starts the container; address turns its host:port endpoint into
	// what tests connect to.
	run     func(ctx context.Context) (testcontainers.Container, error)
	address func(endpoint string) string

	once sync.Once
	addr string
	err  error
}

func (c *sharedContainer) get(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in -short mode", c.name)
	}

	c.once.Do(func() {
		// Image pulls are slow on cold CI runners.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		ctr, err := c.run(ctx)
		if err != nil {
			c.err = err
			return
		}
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			_ = ctr.Terminate(context.Background())
			c.err = err
			return
		}
		c.addr = c.address(endpoint)
	})

	if c.err != nil {
		t.Skipf("%s container unavailable: %v", c.name, c.err)
	}
	return c.addr
}
