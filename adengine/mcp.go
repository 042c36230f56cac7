package adengine

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/adserve/kit"
)

// RegisterMCP registers the adserve tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	eps := s.Endpoints()
	s.registerServeTool(srv, eps.Serve)
	s.registerClickTool(srv, eps.Click)
	s.registerRankTool(srv, eps.Rank)
	s.registerStatsTool(srv, eps.Stats)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

var contextProperties = map[string]any{
	"page_context": map[string]any{
		"type":        "object",
		"description": "Page being viewed: path (required), keywords, topic",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string"},
			"keywords": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"topic":    map[string]any{"type": "string"},
		},
		"required": []string{"path"},
	},
	"user_context": map[string]any{
		"type":        "object",
		"description": "Viewer: language tag (e.g. en-GB)",
		"properties": map[string]any{
			"language": map[string]any{"type": "string"},
		},
	},
	"anon_id": map[string]any{"type": "string", "description": "Anonymous visitor id; minted when absent"},
}

func (s *Service) registerServeTool(srv *mcp.Server, ep kit.Endpoint) {
	tool := &mcp.Tool{
		Name:        "adserve_serve",
		Description: "Select up to three ads for a page view and record the impressions.",
		InputSchema: inputSchema(contextProperties, []string{"page_context", "user_context"}),
	}
	kit.RegisterMCPTool(srv, tool, ep, kit.DecodeMCPArgs(func(r *ServeRequest) string { return r.AnonID }))
}

func (s *Service) registerClickTool(srv *mcp.Server, ep kit.Endpoint) {
	tool := &mcp.Tool{
		Name:        "adserve_click",
		Description: "Record a click on a served ad by impression id.",
		InputSchema: inputSchema(map[string]any{
			"impression_id": map[string]any{"type": "string", "description": "Id returned by adserve_serve"},
		}, []string{"impression_id"}),
	}
	kit.RegisterMCPTool(srv, tool, ep, kit.DecodeMCPArgs[ClickRequest](nil))
}

func (s *Service) registerRankTool(srv *mcp.Server, ep kit.Endpoint) {
	tool := &mcp.Tool{
		Name:        "adserve_rank",
		Description: "Deterministic ranking of the eligible ads for a context (winner, tie-break, floor override). Records nothing.",
		InputSchema: inputSchema(contextProperties, []string{"page_context", "user_context"}),
	}
	kit.RegisterMCPTool(srv, tool, ep, kit.DecodeMCPArgs(func(r *RankRequest) string { return r.AnonID }))
}

func (s *Service) registerStatsTool(srv *mcp.Server, ep kit.Endpoint) {
	tool := &mcp.Tool{
		Name:        "adserve_stats",
		Description: "Click-through counters per ad for a topic; lists topics when topic is omitted.",
		InputSchema: inputSchema(map[string]any{
			"topic": map[string]any{"type": "string", "description": "Normalised topic, e.g. weddings"},
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, ep, kit.DecodeMCPArgs[StatsRequest](nil))
}
