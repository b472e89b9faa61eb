package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bindrun/bindrun/pkg/schema"
)

// handleValidate runs the full validation pipeline and returns every issue.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := specFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := s.validator.Validate(spec)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleRun validates and executes a spec, returning the full report. An
// invalid spec returns the issue list instead of a report.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := specFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if result := s.validator.Validate(spec); !result.Valid() {
		return marshalResult(map[string]any{
			"valid":  false,
			"errors": result.Errors,
		})
	}

	report, runErr := s.executor.Execute(ctx, spec)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run could not start: %v", runErr)), nil
	}

	if s.archive != nil {
		if archErr := s.archive.Record(ctx, report); archErr != nil {
			s.logger.WarnContext(ctx, "failed to archive report", "error", archErr)
		}
	}
	return marshalResult(report)
}

// handleReport fetches one archived report or lists recent runs.
func (s *Server) handleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.archive == nil {
		return mcp.NewToolResultError("run history is not enabled"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		report, err := s.archive.Get(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("report lookup failed: %v", err)), nil
		}
		return marshalResult(report)
	}

	specName := req.GetString("spec_name", "")
	limit := req.GetInt("limit", 50)
	summaries, err := s.archive.List(ctx, specName, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": summaries})
}

// specFromRequest decodes the spec argument through its JSON wire form so
// ValueSource variants unmarshal the same way they do from a file.
func specFromRequest(req mcp.CallToolRequest) (*schema.Spec, error) {
	raw := mcp.ParseStringMap(req, "spec", nil)
	if raw == nil {
		return nil, fmt.Errorf("spec is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("spec is not serializable: %v", err)
	}
	spec, perr := schema.ParseSpec(data)
	if perr != nil {
		return nil, fmt.Errorf("spec does not parse: %v", perr)
	}
	return spec, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
