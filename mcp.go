package inferno

import (
	"context"

	"github.com/ashita-ai/inferno/internal/mcpserver"
)

// MCP returns the runtime's MCP tool server, or nil if WithMCPServer
// was not passed to New. Wire MCPServer().ServeStdio(...) (or another
// mcp-go transport) from a host process.
func (rt *Runtime) MCP() *mcpserver.Server { return rt.mcpSrv }

// mcpAdapter satisfies mcpserver.Invoker by translating between the
// root package's public types and mcpserver's own copies (mcpserver
// cannot import this package — this package constructs mcpserver.New,
// so the reverse import would cycle).
type mcpAdapter struct{ rt *Runtime }

func (a mcpAdapter) Generate(ctx context.Context, messages []mcpserver.Message, temperature, topP float64, maxTokens int) (mcpserver.GenerateResult, error) {
	msgs := make([]Message, len(messages))
	for i, m := range messages {
		msgs[i] = Message{Role: m.Role, Content: m.Content}
	}
	result, err := a.rt.Generate(ctx, GenerateParams{
		Messages:    msgs,
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil)
	if err != nil {
		return mcpserver.GenerateResult{}, err
	}
	out := mcpserver.GenerateResult{
		Text:              result.Text,
		ProviderID:        result.ProviderID,
		ModelID:           result.ModelID,
		SelectionReportID: result.SelectionReportID,
	}
	if result.Usage != nil {
		out.Usage = &mcpserver.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (a mcpAdapter) GetDiagnostics(ctx context.Context) (any, error) {
	return a.rt.GetDiagnostics(ctx), nil
}

func (a mcpAdapter) Abort(ctx context.Context) error {
	return a.rt.Abort(ctx)
}
