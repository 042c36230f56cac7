package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPDecodeResult is a decoded tool call: the typed request plus an optional
// hook run on the context before the endpoint.
type MCPDecodeResult struct {
	Request   any
	EnrichCtx func(context.Context) context.Context
}

// MCPDecoder turns raw tool arguments into an endpoint request.
type MCPDecoder func(*mcp.CallToolRequest) (*MCPDecodeResult, error)

// DecodeMCPArgs returns a decoder for JSON arguments of type T. The endpoint
// receives a *T. When anon is set and yields a non-empty id, the id is put on
// the context with WithAnonID.
func DecodeMCPArgs[T any](anon func(*T) string) MCPDecoder {
	return func(req *mcp.CallToolRequest) (*MCPDecodeResult, error) {
		v := new(T)
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, v); err != nil {
				return nil, err
			}
		}
		out := &MCPDecodeResult{Request: v}
		if anon == nil {
			return out, nil
		}
		if id := anon(v); id != "" {
			out.EnrichCtx = func(ctx context.Context) context.Context { return WithAnonID(ctx, id) }
		}
		return out, nil
	}
}

// RegisterMCPTool exposes endpoint as tool on srv.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode MCPDecoder) {
	srv.AddTool(tool, MCPToolHandler(endpoint, decode))
}

// MCPToolHandler adapts endpoint to an MCP tool handler. The endpoint runs
// with transport "mcp" on a context detached from the caller's cancellation,
// so a client that goes away cannot stop writes halfway, matching the HTTP
// transport. Decode and endpoint failures come back as tool results with
// IsError set, never as protocol errors, so the model can read them.
func MCPToolHandler(endpoint Endpoint, decode MCPDecoder) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		ctx = WithTransport(context.WithoutCancel(ctx), "mcp")
		if in.EnrichCtx != nil {
			ctx = in.EnrichCtx(ctx)
		}
		out, err := endpoint(ctx, in.Request)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(out)
	}
}

func toolError(err error) *mcp.CallToolResult {
	res := new(mcp.CallToolResult)
	res.SetError(err)
	return res
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(fmt.Errorf("marshal: %w", err)), nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
}
