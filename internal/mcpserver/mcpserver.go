// Package mcpserver exposes the orchestrator's generate/getDiagnostics/
// abort surface as Model Context Protocol tools, so an MCP-compatible
// agent can drive on-device inference the same way it would any other
// tool. Grounded on the teacher's internal/mcp package: same
// AddTool(NewTool(...), handler) registration style and a fixed
// serverInstructions string sent during the initialize handshake.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsdk "github.com/mark3labs/mcp-go/server"
)

// serverInstructions is sent to every MCP client during the initialize
// handshake, so connected agents know the tool surface without any
// per-project configuration.
const serverInstructions = `You have access to an on-device AI inference runtime.

TOOLS:
- inferno_generate: run a chat completion against whichever local provider
  (native model, in-browser WebLLM/WASM engine, or test mock) the runtime
  selected. Streams are not available over MCP; the full text is returned.
- inferno_diagnostics: inspect the runtime's current state, selected
  provider, quota preflight outcome, and recent errors. Call this first
  if a generate call fails or behaves unexpectedly.
- inferno_abort: cancel an in-flight generate call. Safe to call even if
  nothing is generating.

Call inferno_diagnostics before inferno_generate if you are unsure whether
the runtime has finished booting — generate fails fast with a descriptive
error when the runtime is not READY.`

// Message is a single chat message, mirroring the root package's
// Message without importing it (importing the root package here would
// create an import cycle, since the root package constructs this
// server).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// GenerateResult is the outcome of a generate call.
type GenerateResult struct {
	Text              string `json:"text"`
	Usage             *Usage `json:"usage,omitempty"`
	ProviderID        string `json:"providerId"`
	ModelID           string `json:"modelId"`
	SelectionReportID string `json:"selectionReportId"`
}

// Invoker is the subset of the root runtime this server drives. The
// root package implements it by adapting its own Generate/
// GetDiagnostics/Abort methods, keeping this package free of any
// dependency on root-package types.
type Invoker interface {
	Generate(ctx context.Context, messages []Message, temperature, topP float64, maxTokens int) (GenerateResult, error)
	GetDiagnostics(ctx context.Context) (any, error)
	Abort(ctx context.Context) error
}

// Server wraps the MCP server with the runtime's tool handlers.
type Server struct {
	mcpServer *mcpsdk.MCPServer
	invoker   Invoker
	logger    *slog.Logger
}

// New creates and configures an MCP server exposing generate/
// getDiagnostics/abort as tools.
func New(invoker Invoker, logger *slog.Logger, version string) *Server {
	s := &Server{invoker: invoker, logger: logger}

	s.mcpServer = mcpsdk.NewMCPServer(
		"inferno",
		version,
		mcpsdk.WithToolCapabilities(true),
		mcpsdk.WithInstructions(serverInstructions),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpsdk.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("inferno_generate",
			mcplib.WithDescription(`Run a chat completion against the on-device inference runtime.

WHEN TO USE: whenever you need a response from the locally selected model
instead of a cloud model. The runtime must already be READY (call
inferno_diagnostics first if unsure).

Returns the full completion text, token usage if the provider reports it,
and which provider/model produced it.`),
			mcplib.WithReadOnlyHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithArray("messages",
				mcplib.Description(`Chat messages in order, each an object with "role" (system|user|assistant) and "content".`),
				mcplib.Required(),
			),
			mcplib.WithNumber("temperature",
				mcplib.Description("Sampling temperature"),
				mcplib.Min(0),
				mcplib.Max(2),
				mcplib.DefaultNumber(0.7),
			),
			mcplib.WithNumber("top_p",
				mcplib.Description("Nucleus sampling threshold"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(1),
			),
			mcplib.WithNumber("max_tokens",
				mcplib.Description("Maximum tokens to generate"),
				mcplib.Min(1),
				mcplib.DefaultNumber(512),
			),
		),
		s.handleGenerate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("inferno_diagnostics",
			mcplib.WithDescription(`Inspect the inference runtime's current state.

Returns the full diagnostics snapshot: current FSM state, which provider was
selected and why, the quota preflight report (if any), storage/cache
status, timing metrics, and the most recent errors.

WHEN TO USE: before inferno_generate if the runtime's readiness is unknown,
or after inferno_generate fails to understand why.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleDiagnostics,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("inferno_abort",
			mcplib.WithDescription(`Cancel an in-flight inferno_generate call.

Safe to call even when nothing is generating — the runtime state is left unchanged in that case.
Aborting is not treated as an error by the runtime; the runtime returns to
READY once the in-flight call observes the cancellation.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleAbort,
	)
}

func (s *Server) handleGenerate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	rawMessages, ok := request.GetArguments()["messages"].([]any)
	if !ok || len(rawMessages) == 0 {
		return errorResult("messages is required and must be a non-empty array"), nil
	}

	messages := make([]Message, 0, len(rawMessages))
	for _, raw := range rawMessages {
		m, ok := raw.(map[string]any)
		if !ok {
			return errorResult("each message must be an object with role and content"), nil
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" || content == "" {
			return errorResult("each message requires non-empty role and content"), nil
		}
		messages = append(messages, Message{Role: role, Content: content})
	}

	temperature := request.GetFloat("temperature", 0.7)
	topP := request.GetFloat("top_p", 1)
	maxTokens := request.GetInt("max_tokens", 512)

	result, err := s.invoker.Generate(ctx, messages, temperature, topP, maxTokens)
	if err != nil {
		s.logger.Warn("mcpserver: generate failed", "error", err)
		return errorResult(fmt.Sprintf("generate failed: %v", err)), nil
	}

	return jsonResult(result), nil
}

func (s *Server) handleDiagnostics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	snapshot, err := s.invoker.GetDiagnostics(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("diagnostics failed: %v", err)), nil
	}
	return jsonResult(snapshot), nil
}

func (s *Server) handleAbort(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if err := s.invoker.Abort(ctx); err != nil {
		return errorResult(fmt.Sprintf("abort failed: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: "aborted"},
		},
	}, nil
}
