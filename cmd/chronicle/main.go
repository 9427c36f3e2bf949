// Command chronicle runs a worker and the read-only HTTP API over a
// configured backend, with the sheets-to-products sync workflow registered.
//
// Usage:
//
//	chronicle serve [-config chronicle.yaml]
//	chronicle demo  [-config chronicle.yaml] [-policy continue|fail]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/chronicle/internal/backend"
	"github.com/petrijr/chronicle/internal/config"
	"github.com/petrijr/chronicle/internal/engine"
	"github.com/petrijr/chronicle/internal/httpapi"
	"github.com/petrijr/chronicle/internal/metrics"
	"github.com/petrijr/chronicle/internal/pipeline"
	"github.com/petrijr/chronicle/pkg/api"
	"github.com/petrijr/chronicle/pkg/worker"
)

// demoRows is the sheet served by the built-in row source.
var demoRows = []pipeline.Row{
	{Title: "Blue Mug", Price: "12.50"},
	{Title: "Crash Test Helmet", Price: "89.00"},
	{Title: "Reject Me Socks", Price: "4.99"},
	{Title: "Walnut Desk", Price: "349.00"},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "chronicle:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: chronicle serve|demo [flags]")
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stdout)
	cfgPath := fs.String("config", "", "path to a YAML config file")
	policy := fs.String("policy", string(pipeline.ContinueOnFailure), "batch policy for demo: continue or fail")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	switch args[0] {
	case "serve":
		return serve(ctx, cfg)
	case "demo":
		return demo(ctx, cfg, pipeline.Policy(*policy), stdout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// node is one process: an engine on the configured backend with the sync
// workflow registered.
type node struct {
	backend *backend.Backend
	engine  *engine.Engine
	metrics *metrics.Observer
	logger  *slog.Logger
}

func newNode(ctx context.Context, cfg config.Config) (*node, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.NewObserver()
	eng, err := engine.New(engine.Config{
		Store:    b.Store,
		Queue:    b.Queue,
		Observer: api.NewCompositeObserver(m, api.NewLoggingObserver(logger)),
		Logger:   logger,
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	acts := &pipeline.Activities{
		Source: pipeline.StaticSource{Rows: demoRows},
		Sink:   &pipeline.DemoSink{},
		Logger: logger,
	}
	if err := pipeline.Register(eng.Workflows(), eng.Activities(), acts, pipeline.DefaultOptions()); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := eng.Start(); err != nil {
		_ = b.Close()
		return nil, err
	}

	return &node{backend: b, engine: eng, metrics: m, logger: logger}, nil
}

func (n *node) close() {
	n.engine.Stop()
	if err := n.backend.Close(); err != nil {
		n.logger.Error("close backend", "error", err)
	}
}

func (n *node) worker(cfg config.Config) *worker.Worker {
	return worker.New(n.backend.Queue, n.engine, worker.Options{
		TaskQueue:       cfg.Worker.TaskQueue,
		WorkflowPollers: cfg.Worker.WorkflowPollers,
		ActivityPollers: cfg.Worker.ActivityPollers,
		Visibility:      cfg.Worker.Visibility,
		Logger:          n.logger,
	})
}

func serve(ctx context.Context, cfg config.Config) error {
	n, err := newNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.close()

	router := httpapi.NewRouter(n.engine, httpapi.Options{
		Metrics: n.metrics.Handler(),
		Logger:  n.logger,
	})

	n.logger.Info("chronicle starting",
		"storage", cfg.Storage.Backend,
		"task_queue", cfg.Worker.TaskQueue,
		"http_addr", cfg.HTTP.Addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.worker(cfg).Run(ctx)
	})
	g.Go(func() error {
		return httpapi.Serve(ctx, cfg.HTTP.Addr, router, cfg.ShutdownTimeout, n.logger)
	})
	return g.Wait()
}

// demo runs one sync to completion with an in-process worker and prints the
// report as JSON.
func demo(ctx context.Context, cfg config.Config, policy pipeline.Policy, stdout io.Writer) error {
	n, err := newNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.worker(cfg).Run(ctx)
	})

	var report pipeline.Report
	g.Go(func() error {
		defer cancel()
		key, err := n.engine.StartWorkflow(ctx, pipeline.WorkflowType, pipeline.Input{Policy: policy},
			api.StartOptions{TaskQueue: cfg.Worker.TaskQueue})
		if err != nil {
			return err
		}
		exec, err := n.engine.GetResult(ctx, key.WorkflowID)
		if err != nil {
			return err
		}
		return api.DecodePayload(exec.Result, &report)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
