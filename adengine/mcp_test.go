package adengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/adserve/adengine/internal/catalog"
	"github.com/hazyhaar/adserve/adengine/internal/freqcap"
	"github.com/hazyhaar/adserve/adengine/internal/model"
	"github.com/hazyhaar/adserve/adengine/internal/storage"
	"github.com/hazyhaar/adserve/dbopen"
	"github.com/hazyhaar/adserve/kit"
)

var testImpl = &mcp.Implementation{Name: "adserve-test", Version: "0.0.1"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := mcp.NewServer(testImpl, nil)
	svc.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	go srv.Run(ctx, serverT)

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("%s: empty content", name)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("%s: content is %T", name, result.Content[0])
	}
	return text.Text, result.IsError
}

func TestMCP_ListTools(t *testing.T) {
	f := newFixture(t, nil, zeroEpsilon(), nil)
	session := mcpSession(t, f.svc)
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"adserve_serve": false, "adserve_click": false, "adserve_rank": false, "adserve_stats": false}
	for _, tool := range res.Tools {
		if _, ok := want[tool.Name]; ok {
			want[tool.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestMCP_ServeClickStats(t *testing.T) {
	f := newFixture(t, []model.Ad{houseAd("a1")}, zeroEpsilon(), nil)
	session := mcpSession(t, f.svc)

	text, isErr := callTool(t, session, "adserve_serve", map[string]any{
		"page_context": map[string]any{"path": "/venues", "topic": "Weddings"},
		"user_context": map[string]any{"language": "fr"},
		"anon_id":      "u1",
	})
	if isErr {
		t.Fatalf("serve failed: %s", text)
	}
	var served ServeResponse
	if err := json.Unmarshal([]byte(text), &served); err != nil {
		t.Fatal(err)
	}
	if len(served.Ads) != 1 {
		t.Fatalf("served = %+v", served)
	}

	text, isErr = callTool(t, session, "adserve_click", map[string]any{"impression_id": served.Ads[0].ImpressionID})
	if isErr {
		t.Fatalf("click failed: %s", text)
	}

	text, _ = callTool(t, session, "adserve_stats", map[string]any{"topic": "weddings"})
	var st StatsResponse
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatal(err)
	}
	if v := st.Ads["a1"]; v.Impressions != 1 || v.Clicks != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMCP_ErrorsAreToolErrors(t *testing.T) {
	f := newFixture(t, nil, zeroEpsilon(), nil)
	session := mcpSession(t, f.svc)

	if _, isErr := callTool(t, session, "adserve_click", map[string]any{"impression_id": "imp_missing"}); !isErr {
		t.Fatal("unknown impression should be a tool error")
	}
	if _, isErr := callTool(t, session, "adserve_rank", map[string]any{
		"page_context": map[string]any{"path": "  "},
		"user_context": map[string]any{},
	}); !isErr {
		t.Fatal("blank path should be a tool error")
	}
}

func TestMCP_CancelledCallerStillCompletesWrites(t *testing.T) {
	ss, err := storage.NewSQLiteStore(dbopen.OpenMemory(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := catalog.SaveAds(ctx, ss, []model.Ad{houseAd("a1")}); err != nil {
		t.Fatal(err)
	}
	if err := catalog.SaveTunables(ctx, ss, zeroEpsilon()); err != nil {
		t.Fatal(err)
	}
	svc, err := newService(ss, nil, testConfig(), WithMetrics(&countingRecorder{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })

	h := kit.MCPToolHandler(svc.Endpoints().Serve, kit.DecodeMCPArgs(func(r *ServeRequest) string { return r.AnonID }))
	args := json.RawMessage(`{"page_context":{"path":"/"},"user_context":{"language":"en"},"anon_id":"u1"}`)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	res, err := h(cancelled, &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Name: "adserve_serve", Arguments: args}})
	if err != nil || res.IsError {
		t.Fatalf("result = %+v, err = %v", res, err)
	}

	logged := 0
	if err := ss.ScanLog(ctx, storage.LogImpressions, func([]byte) error { logged++; return nil }); err != nil {
		t.Fatal(err)
	}
	counted := freqcap.New(ss).Count(ctx, "u1", "a1")
	if logged != 1 || counted != logged {
		t.Fatalf("impressions logged = %d, freq count = %d", logged, counted)
	}
}
