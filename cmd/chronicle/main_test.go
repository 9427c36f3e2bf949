package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/chronicle/internal/config"
	"github.com/petrijr/chronicle/internal/pipeline"
)

func TestRunRejectsBadCommands(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer

	require.Error(t, run(ctx, nil, &out))
	require.ErrorContains(t, run(ctx, []string{"bogus"}, &out), `unknown command "bogus"`)
	require.ErrorContains(t, run(ctx, []string{"demo", "-config", t.TempDir() + "/missing.yaml"}, &out), "not found")
}

func TestRunDemoReportsFailedItems(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a sync retry")
	}
	t.Setenv(config.EnvLogLevel, "error")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"demo", "-policy", "continue"}, &out))

	var report pipeline.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, "sync complete: synced 3 of 4 products", report.Message)
	require.ElementsMatch(t, []string{"Blue Mug", "Crash Test Helmet", "Walnut Desk"}, report.Synced)
	require.Len(t, report.Failed, 1)
	require.Equal(t, "Reject Me Socks", report.Failed[0].Title)
}
