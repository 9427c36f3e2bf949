// Package httpapi serves a read-only HTTP view of executions and their
// histories, plus Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/chronicle/pkg/api"
)

// Reader is the query side of the engine.
type Reader interface {
	Describe(ctx context.Context, key api.ExecutionKey) (*api.WorkflowExecution, error)
	History(ctx context.Context, key api.ExecutionKey) ([]api.Event, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error)
}

// Options configure the router.
type Options struct {
	// Metrics serves GET /metrics. The route is omitted when nil.
	Metrics http.Handler

	Logger *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(reader Reader, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/executions", listExecutionsHandler(reader))
	r.GET("/executions/:id", getExecutionHandler(reader))
	r.GET("/executions/:id/history", getHistoryHandler(reader))
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

var statuses = map[api.Status]bool{
	api.StatusRunning:   true,
	api.StatusCompleted: true,
	api.StatusFailed:    true,
	api.StatusTimedOut:  true,
	api.StatusCancelled: true,
}

func listExecutionsHandler(reader Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := api.ExecutionFilter{
			WorkflowID:   c.Query("workflow_id"),
			WorkflowType: c.Query("workflow_type"),
			Status:       api.Status(c.Query("status")),
		}
		if filter.Status != "" && !statuses[filter.Status] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(filter.Status)})
			return
		}

		execs, err := reader.ListExecutions(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]executionView, 0, len(execs))
		for _, exec := range execs {
			views = append(views, newExecutionView(exec))
		}
		c.JSON(http.StatusOK, gin.H{"executions": views, "count": len(views)})
	}
}

func getExecutionHandler(reader Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		exec, err := reader.Describe(c.Request.Context(), keyFrom(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newExecutionView(exec))
	}
}

func getHistoryHandler(reader Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFrom(c)
		events, err := reader.History(c.Request.Context(), key)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]eventView, 0, len(events))
		for _, ev := range events {
			views = append(views, newEventView(ev))
		}
		if len(events) > 0 {
			key = events[0].Key
		}
		c.JSON(http.StatusOK, gin.H{
			"workflow_id": key.WorkflowID,
			"run_id":      key.RunID,
			"events":      views,
		})
	}
}

func keyFrom(c *gin.Context) api.ExecutionKey {
	return api.ExecutionKey{WorkflowID: c.Param("id"), RunID: c.Query("run_id")}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, api.ErrExecutionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, api.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Serve runs an HTTP server for handler until ctx is cancelled, then shuts
// it down within shutdownTimeout.
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("http server stopped")
	return nil
}
