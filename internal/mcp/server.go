// Package mcp exposes the engine to AI agents over the Model Context
// Protocol: evaluation, code generation and complexity scoring as tools on a
// stdio transport.
package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/domain"
	"github.com/quality-measure-engine/internal/overrides"
)

const serverVersion = "v0.1.0"

// Server wraps an MCP server around the engine components. It holds no state
// of its own beyond the override store; measures and patients arrive inline
// with each tool call.
type Server struct {
	mcpServer     *mcp.Server
	evaluator     domain.Evaluator
	compiler      domain.Compiler
	scorer        domain.ComplexityScorer
	overrideStore overrides.Store
	logger        *logrus.Logger
}

// Services bundles the components the tools call.
type Services struct {
	Evaluator     domain.Evaluator
	Compiler      domain.Compiler
	Scorer        domain.ComplexityScorer
	OverrideStore overrides.Store
}

// NewServer creates an MCP server with every tool registered.
func NewServer(services Services, logger *logrus.Logger) *Server {
	s := &Server{
		evaluator:     services.Evaluator,
		compiler:      services.Compiler,
		scorer:        services.Scorer,
		overrideStore: services.OverrideStore,
		logger:        logger,
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "quality-measure-engine",
		Version: serverVersion,
	}, nil)
	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(&mcp.Tool{
		Name:        "evaluate_patient",
		Description: "Evaluate one patient against a quality measure, returning the pass/fail trace and population classification",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleEvaluatePatient)

	s.mcpServer.AddTool(&mcp.Tool{
		Name:        "generate_measure_code",
		Description: "Compile a quality measure into executable code for one target format (clinical-expression-language or warehouse-sql)",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleGenerateMeasureCode)

	s.mcpServer.AddTool(&mcp.Tool{
		Name:        "score_complexity",
		Description: "Score the structural complexity of a criteria tree for editorial triage",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleScoreComplexity)

	s.mcpServer.AddTool(&mcp.Tool{
		Name:        "list_overrides",
		Description: "List the manual code overrides recorded for a measure",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleListOverrides)

	s.logger.WithField("tool_count", 4).Info("Registered MCP tools")
}

// Run serves MCP over stdin/stdout until the context is cancelled or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting quality measure engine MCP server on stdio")
	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}
