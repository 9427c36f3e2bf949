package pipeline

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/petrijr/chronicle/pkg/activity"
	"github.com/petrijr/chronicle/pkg/api"
)

// Row is one spreadsheet line.
type Row struct {
	Title string `json:"title"`
	Price string `json:"price"`
}

type Variant struct {
	Price string `json:"price"`
}

// Product is the shape pushed to the sink.
type Product struct {
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Variants []Variant `json:"variants"`
}

// ErrTypeValidation is the failure type of rows that cannot become products.
const ErrTypeValidation = "ValidationError"

// RowSource reads the rows to sync.
type RowSource interface {
	FetchRows(ctx context.Context) ([]Row, error)
}

// Sink receives products. Sync returns the identifier the sink assigned.
type Sink interface {
	Sync(ctx context.Context, p Product) (string, error)
}

// Activities binds the collaborators to the activity handlers.
type Activities struct {
	Source RowSource
	Sink   Sink
	Logger *slog.Logger
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func (a *Activities) FetchRows(ctx context.Context, _ struct{}) ([]Row, error) {
	rows, err := a.Source.FetchRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}
	a.logger().Info("fetched rows", "count", len(rows))
	return rows, nil
}

func (a *Activities) MapAndValidate(ctx context.Context, rows []Row) ([]Product, error) {
	products := make([]Product, 0, len(rows))
	for i, row := range rows {
		p := Product{
			Title:    strings.TrimSpace(row.Title),
			Status:   "active",
			Variants: []Variant{{Price: strings.TrimSpace(row.Price)}},
		}
		if err := validate(p); err != nil {
			return nil, api.NewNonRetryableError(ErrTypeValidation, fmt.Sprintf("row %d: %v", i+1, err))
		}
		products = append(products, p)
	}
	a.logger().Info("validated products", "count", len(products))
	return products, nil
}

//go:embed product.schema.json
var productSchemaJSON string

var productSchema = jsonschema.MustCompileString("product.schema.json", productSchemaJSON)

// validate checks p against the product schema. The error names the first
// offending field.
func validate(p Product) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	err = productSchema.Validate(doc)
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		field = "product"
	}
	return fmt.Errorf("product %q: %s: %s", p.Title, field, ve.Message)
}

func (a *Activities) SyncProduct(ctx context.Context, p Product) (string, error) {
	info, _ := activity.InfoFromContext(ctx)
	a.logger().Info("syncing product", "title", p.Title, "attempt", info.Attempt)
	id, err := a.Sink.Sync(ctx, p)
	if err != nil {
		return "", err
	}
	return id, nil
}

// StaticSource serves a fixed list of rows.
type StaticSource struct {
	Rows []Row
}

func (s StaticSource) FetchRows(ctx context.Context) ([]Row, error) {
	return s.Rows, nil
}

// DemoSink stands in for the real product API. Titles containing "crash"
// fail transiently on their first attempt, titles containing "outage" fail
// transiently on every attempt, and titles containing "reject" are refused.
type DemoSink struct {
	mu     sync.Mutex
	synced []string
}

func (s *DemoSink) Sync(ctx context.Context, p Product) (string, error) {
	info, _ := activity.InfoFromContext(ctx)
	title := strings.ToLower(p.Title)
	switch {
	case strings.Contains(title, "crash") && info.Attempt <= 1:
		return "", api.NewApplicationError("TemporaryOutage", "simulated API outage")
	case strings.Contains(title, "outage"):
		return "", api.NewApplicationError("TemporaryOutage", fmt.Sprintf("API unavailable for %q", p.Title))
	case strings.Contains(title, "reject"):
		return "", api.NewNonRetryableError("Rejected", fmt.Sprintf("product %q rejected", p.Title))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, p.Title)
	return p.Title, nil
}

// Synced returns the titles accepted so far.
func (s *DemoSink) Synced() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.synced...)
}
