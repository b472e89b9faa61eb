package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAndStepIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StepID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepID(ctx, "createRate")
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "createRate", StepID(ctx))
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStepID(WithRunID(context.Background(), "run-42"), "listZones")
	logger.InfoContext(ctx, "dispatching step")

	line := logLine(t, &buf)
	assert.Equal(t, "run-42", line["run_id"])
	assert.Equal(t, "listZones", line["step_id"])
	assert.Equal(t, "dispatching step", line["msg"])
}

func TestCorrelationHandler_OmitsAbsentIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "startup")

	line := logLine(t, &buf)
	assert.NotContains(t, line, "run_id")
	assert.NotContains(t, line, "step_id")
}

func TestCorrelationHandler_PreservesWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))
	logger = logger.With("component", "executor")

	ctx := WithRunID(context.Background(), "run-7")
	logger.InfoContext(ctx, "started")

	line := logLine(t, &buf)
	assert.Equal(t, "executor", line["component"])
	assert.Equal(t, "run-7", line["run_id"])
}
