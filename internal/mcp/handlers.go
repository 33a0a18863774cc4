package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quality-measure-engine/internal/domain"
	"github.com/quality-measure-engine/internal/overrides"
)

// EvaluatePatientParams defines parameters for the evaluate_patient tool.
type EvaluatePatientParams struct {
	Measure *domain.MeasureSpec `json:"measure"`
	Patient *domain.Patient     `json:"patient"`
}

// GenerateMeasureCodeParams defines parameters for the generate_measure_code
// tool.
type GenerateMeasureCodeParams struct {
	Measure *domain.MeasureSpec `json:"measure"`
	Format  string              `json:"format"`
}

// ScoreComplexityParams defines parameters for the score_complexity tool.
type ScoreComplexityParams struct {
	Criteria *domain.CriteriaNode `json:"criteria"`
}

// ListOverridesParams defines parameters for the list_overrides tool.
type ListOverridesParams struct {
	MeasureID string `json:"measure_id"`
}

// unmarshalArgs decodes a tool call's arguments into params. The SDK delivers
// arguments as already-decoded JSON, so they are round-tripped through the
// codec to land in the typed params struct.
func unmarshalArgs(req *mcp.CallToolRequest, params any) error {
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, params)
}

func (s *Server) handleEvaluatePatient(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.WithField("tool", "evaluate_patient").Info("Tool invoked")

	var params EvaluatePatientParams
	if err := unmarshalArgs(req, &params); err != nil {
		return s.createErrorResult("Invalid parameters", err), nil
	}
	if params.Measure == nil {
		return s.createErrorResult("Missing required parameter", errors.New("measure is required")), nil
	}
	if params.Patient == nil {
		return s.createErrorResult("Missing required parameter", errors.New("patient is required")), nil
	}

	trace, err := s.evaluator.Evaluate(params.Patient, params.Measure)
	if err != nil {
		return s.createErrorResult("Evaluation failed", err), nil
	}

	summary := fmt.Sprintf("Patient %s evaluated against %s: %s",
		trace.PatientID, trace.MeasureID, trace.FinalOutcome.String())
	if len(trace.HowClose) > 0 {
		summary += fmt.Sprintf(" (%d numerator gaps identified)", len(trace.HowClose))
	}

	return s.createResult(summary, trace), nil
}

func (s *Server) handleGenerateMeasureCode(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.WithField("tool", "generate_measure_code").Info("Tool invoked")

	var params GenerateMeasureCodeParams
	if err := unmarshalArgs(req, &params); err != nil {
		return s.createErrorResult("Invalid parameters", err), nil
	}
	if params.Measure == nil {
		return s.createErrorResult("Missing required parameter", errors.New("measure is required")), nil
	}
	format := domain.TargetFormat(params.Format)
	if !format.IsValid() {
		return s.createErrorResult("Unknown target format", fmt.Errorf("format %q is not supported", params.Format)), nil
	}

	var lookup domain.OverrideLookup
	if s.overrideStore != nil {
		lookup = overrides.NewLookup(s.overrideStore)
	}

	artifact, err := s.compiler.Compile(params.Measure, format, lookup)
	if err != nil {
		return s.createErrorResult("Code generation failed", err), nil
	}

	summary := fmt.Sprintf("Generated %d bytes of %s for measure %s",
		len(artifact.Code), string(artifact.Format), params.Measure.ID)
	if len(artifact.Warnings) > 0 {
		summary += fmt.Sprintf(" with %d warnings", len(artifact.Warnings))
	}

	return s.createResult(summary, artifact), nil
}

func (s *Server) handleScoreComplexity(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.WithField("tool", "score_complexity").Info("Tool invoked")

	var params ScoreComplexityParams
	if err := unmarshalArgs(req, &params); err != nil {
		return s.createErrorResult("Invalid parameters", err), nil
	}
	if params.Criteria == nil {
		return s.createErrorResult("Missing required parameter", errors.New("criteria is required")), nil
	}
	if err := params.Criteria.Validate(); err != nil {
		return s.createErrorResult("Invalid criteria tree", err), nil
	}

	score := s.scorer.Score(params.Criteria)
	summary := fmt.Sprintf("Complexity %s (score %d)", string(score.Level), score.Score)
	if score.Factors.NeedsReview {
		summary += "; tree contains elements flagged for review"
	}

	return s.createResult(summary, score), nil
}

func (s *Server) handleListOverrides(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.WithField("tool", "list_overrides").Info("Tool invoked")

	var params ListOverridesParams
	if err := unmarshalArgs(req, &params); err != nil {
		return s.createErrorResult("Invalid parameters", err), nil
	}
	if params.MeasureID == "" {
		return s.createErrorResult("Missing required parameter", errors.New("measure_id is required")), nil
	}
	if s.overrideStore == nil {
		return s.createErrorResult("Override store unavailable", errors.New("no override store is configured")), nil
	}

	list, err := s.overrideStore.ListByMeasure(ctx, params.MeasureID)
	if err != nil {
		return s.createErrorResult("Failed to list overrides", err), nil
	}

	summary := fmt.Sprintf("Measure %s has %d overrides", params.MeasureID, len(list))
	return s.createResult(summary, map[string]any{"overrides": list, "count": len(list)}), nil
}

// createResult builds a tool result carrying a human-readable summary and the
// structured payload.
func (s *Server) createResult(summary string, payload any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary},
		},
		Meta: map[string]any{
			"result": payload,
		},
	}
}

// createErrorResult builds an error tool result. Tool-level failures are
// reported in-band so the agent can correct its call.
func (s *Server) createErrorResult(message string, err error) *mcp.CallToolResult {
	s.logger.WithError(err).Warn(message)
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("%s: %v", message, err)},
		},
	}
}
