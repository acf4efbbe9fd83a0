package guard

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/guardxp/fingerprint"
	"github.com/hazyhaar/guardxp/internal/store"
	"github.com/hazyhaar/guardxp/kit"
)

// RegisterMCP registers the guardxp admin tools on an MCP server.
func (g *Guard) RegisterMCP(srv *mcp.Server) {
	hashProp := map[string]any{"type": "string", "description": "SHA-256 content fingerprint (64 hex chars)"}

	g.tool(srv, &mcp.Tool{
		Name:        "guardxp_stats",
		Description: "Report snapshot sizes, refresh and audit counters, and this run's persisted status row.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ any) (any, error) {
		return g.Stats(ctx), nil
	}, kit.DecodeArgs[struct{}]())

	g.tool(srv, &mcp.Tool{
		Name:        "guardxp_lookup",
		Description: "Classify a content fingerprint against the current lists and redaction table.",
		InputSchema: kit.InputSchema(map[string]any{"hash": hashProp}, []string{"hash"}),
	}, func(_ context.Context, req any) (any, error) {
		fp, err := fingerprint.Parse(req.(*hashReq).Hash)
		if err != nil {
			return nil, err
		}
		return g.Lookup(fp), nil
	}, kit.DecodeArgs[hashReq]())

	g.tool(srv, &mcp.Tool{
		Name:        "guardxp_list_set",
		Description: "Put a fingerprint on the allow or deny list. Takes effect on the next response.",
		InputSchema: kit.InputSchema(map[string]any{
			"hash":   hashProp,
			"status": map[string]any{"type": "string", "enum": []string{"allow", "deny"}},
		}, []string{"hash", "status"}),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*listSetReq)
		fp, err := fingerprint.Parse(r.Hash)
		if err != nil {
			return nil, err
		}
		status, err := store.ParseListStatus(r.Status)
		if err != nil || status == store.AnyStatus {
			return nil, errors.New(`status must be "allow" or "deny"`)
		}
		if err := g.SetListStatus(ctx, fp, status); err != nil {
			return nil, err
		}
		return map[string]string{"hash": string(fp), "status": status.String()}, nil
	}, kit.DecodeArgs[listSetReq]())

	g.tool(srv, &mcp.Tool{
		Name:        "guardxp_list_delete",
		Description: "Remove a fingerprint from the allow and deny lists.",
		InputSchema: kit.InputSchema(map[string]any{"hash": hashProp}, []string{"hash"}),
	}, func(ctx context.Context, req any) (any, error) {
		fp, err := fingerprint.Parse(req.(*hashReq).Hash)
		if err != nil {
			return nil, err
		}
		removed, err := g.DeleteListEntry(ctx, fp)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hash": string(fp), "removed": removed}, nil
	}, kit.DecodeArgs[hashReq]())

	g.tool(srv, &mcp.Tool{
		Name:        "guardxp_list_entries",
		Description: "List allow/deny entries, most recently seen first.",
		InputSchema: kit.InputSchema(map[string]any{
			"status": map[string]any{"type": "string", "enum": []string{"allow", "deny", "any"}},
			"limit":  map[string]any{"type": "integer"},
		}, nil),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*listEntriesReq)
		status, err := store.ParseListStatus(r.Status)
		if err != nil {
			return nil, err
		}
		entries, err := g.ListEntries(ctx, status, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries, "count": len(entries)}, nil
	}, kit.DecodeArgs[listEntriesReq]())

	g.tool(srv, &mcp.Tool{
		Name:        "guardxp_audit",
		Description: "Return the newest audit log rows.",
		InputSchema: kit.InputSchema(map[string]any{"limit": map[string]any{"type": "integer"}}, nil),
	}, func(ctx context.Context, req any) (any, error) {
		recs, err := g.RecentAudit(ctx, req.(*limitReq).Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"records": recs, "count": len(recs)}, nil
	}, kit.DecodeArgs[limitReq]())

	g.tool(srv, &mcp.Tool{
		Name:        "guardxp_refresh",
		Description: "Reload the allow and deny lists from the database now.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ any) (any, error) {
		snap, err := g.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		allow, deny, _ := snap.Counts()
		return map[string]any{"version": snap.Version(), "allow": allow, "deny": deny}, nil
	}, kit.DecodeArgs[struct{}]())
}

type hashReq struct {
	Hash string `json:"hash"`
}

type listSetReq struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

type listEntriesReq struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

type limitReq struct {
	Limit int `json:"limit"`
}

func (g *Guard) tool(srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	mw := kit.Chain(kit.Logging(g.logger, tool.Name), kit.Recover())
	kit.RegisterMCPTool(srv, tool, mw(ep), decode)
}
