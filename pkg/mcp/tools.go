package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shaleyeah/toolkernel/pkg/auth"
	"github.com/shaleyeah/toolkernel/pkg/bundles"
	"github.com/shaleyeah/toolkernel/pkg/compose"
	"github.com/shaleyeah/toolkernel/pkg/confirm"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/executor"
	"github.com/shaleyeah/toolkernel/pkg/registry"
	"github.com/shaleyeah/toolkernel/pkg/session"
)

// Tool is one MCP tool definition with its handler.
type Tool struct {
	Definition mcp.Tool
	Handle     server.ToolHandlerFunc
}

func sessionParam() mcp.ToolOption {
	return mcp.WithString("session_id",
		mcp.Description("Session to run in. Defaults to the caller's own session, created on first use."),
	)
}

func detailParam() mcp.ToolOption {
	return mcp.WithString("detail_level",
		mcp.Description("How much of each result to return"),
		mcp.Enum(contracts.DetailLevelValues()...),
	)
}

func (s *Server) kernelTools() []Tool {
	return []Tool{
		{
			Definition: mcp.NewTool("kernel_list_servers",
				mcp.WithDescription("List registered tool servers with their tool counts and health"),
			),
			Handle: s.listServers,
		},
		{
			Definition: mcp.NewTool("kernel_list_tools",
				mcp.WithDescription("List the tools of one server"),
				mcp.WithString("server_id", mcp.Required(), mcp.Description("Server id, e.g. geology")),
			),
			Handle: s.listTools,
		},
		{
			Definition: mcp.NewTool("kernel_search_tools",
				mcp.WithDescription("Find tools by capability keyword across every server"),
				mcp.WithString("keyword", mcp.Required(), mcp.Description("Capability keyword, e.g. valuation")),
			),
			Handle: s.searchTools,
		},
		{
			Definition: mcp.NewTool("kernel_whoami",
				mcp.WithDescription("Show the identity and role the kernel sees for this caller"),
				sessionParam(),
			),
			Handle: s.whoami,
		},
		{
			Definition: mcp.NewTool("kernel_list_bundles",
				mcp.WithDescription("List predeclared tool bundles with their phases"),
			),
			Handle: s.listBundles,
		},
		{
			Definition: mcp.NewTool("kernel_invoke",
				mcp.WithDescription("Invoke one tool. Commands are staged and return a pending_token."),
				mcp.WithString("server_id", mcp.Required(), mcp.Description("Server id")),
				mcp.WithString("tool_id", mcp.Required(), mcp.Description("Tool id on that server")),
				mcp.WithObject("args", mcp.Description("Tool arguments")),
				mcp.WithObject("context_refs", mcp.Description("Alias to call id; the referenced results are passed to the tool under _context")),
				mcp.WithObject("bindings", mcp.Description("Argument name to callID or callID.field of a prior successful result")),
				mcp.WithNumber("timeout_ms", mcp.Description("Per-attempt timeout in milliseconds"), mcp.Min(0)),
				mcp.WithBoolean("confirm", mcp.Description("Stage the call behind confirmation even if it is a query")),
				detailParam(),
				sessionParam(),
			),
			Handle: s.invoke,
		},
		{
			Definition: mcp.NewTool("kernel_run_bundle",
				mcp.WithDescription("Run a predeclared bundle phase by phase"),
				mcp.WithString("bundle", mcp.Required(), mcp.Description("Bundle name, see kernel_list_bundles")),
				mcp.WithObject("args", mcp.Description("Arguments passed to every step")),
				mcp.WithNumber("max_parallel", mcp.Description("Concurrent calls per phase"), mcp.Min(0)),
				mcp.WithNumber("timeout_ms", mcp.Description("Per-attempt timeout in milliseconds"), mcp.Min(0)),
				mcp.WithBoolean("confirm", mcp.Description("Stage every step behind confirmation")),
				detailParam(),
				sessionParam(),
			),
			Handle: s.runBundle,
		},
		{
			Definition: mcp.NewTool("kernel_quick_screen",
				mcp.WithDescription("Fast first look at a tract: geology, logs, economics and prior risk"),
				mcp.WithObject("args", mcp.Description("Arguments passed to every step, e.g. tract_id")),
				detailParam(),
				sessionParam(),
			),
			Handle: s.namedBundle(bundles.QuickScreen),
		},
		{
			Definition: mcp.NewTool("kernel_full_pipeline",
				mcp.WithDescription("Complete tract evaluation across every server in dependency order"),
				mcp.WithObject("args", mcp.Description("Arguments passed to every step, e.g. tract_id")),
				detailParam(),
				sessionParam(),
			),
			Handle: s.namedBundle(bundles.FullPipeline),
		},
		{
			Definition: mcp.NewTool("kernel_confirm_action",
				mcp.WithDescription("Run a staged call"),
				mcp.WithString("token", mcp.Required(), mcp.Description("pending_token of the staged call")),
			),
			Handle: s.confirmAction,
		},
		{
			Definition: mcp.NewTool("kernel_cancel_action",
				mcp.WithDescription("Discard a staged call without running it"),
				mcp.WithString("token", mcp.Required(), mcp.Description("pending_token of the staged call")),
			),
			Handle: s.cancelAction,
		},
	}
}

func (s *Server) listServers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return structured(map[string]any{"servers": s.kernel.ListServers()})
}

func (s *Server) listTools(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := req.RequireString("server_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tools, err := s.kernel.ListTools(serverID)
	if err != nil {
		return toolError(err), nil
	}
	return structured(map[string]any{"server_id": serverID, "tools": tools})
}

func (s *Server) searchTools(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyword, err := req.RequireString("keyword")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return structured(map[string]any{"keyword": keyword, "tools": s.kernel.SearchTools(keyword)})
}

func (s *Server) whoami(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, err := s.session(ctx, req.GetString("session_id", ""))
	if err != nil {
		return toolError(err), nil
	}
	id, err := s.kernel.WhoAmI(ctx, sid)
	if err != nil {
		return toolError(err), nil
	}
	return structured(id)
}

func (s *Server) listBundles(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return structured(map[string]any{"bundles": s.kernel.Bundles()})
}

func (s *Server) invoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := req.RequireString("server_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sid, err := s.session(ctx, req.GetString("session_id", ""))
	if err != nil {
		return toolError(err), nil
	}

	args := req.GetArguments()
	call := contracts.Call{
		ServerID:    serverID,
		ToolID:      toolID,
		Args:        objectArg(args, "args"),
		ContextRefs: stringMapArg(args, "context_refs"),
		Bindings:    stringMapArg(args, "bindings"),
		TimeoutMs:   req.GetInt("timeout_ms", 0),
		DetailLevel: contracts.DetailLevel(req.GetString("detail_level", "")),
	}
	resp, err := s.kernel.Engine().Execute(ctx, contracts.ExecutionRequest{
		SessionID:            sid,
		Mode:                 contracts.ModeSingle,
		Calls:                []contracts.Call{call},
		ConfirmationRequired: req.GetBool("confirm", false),
		DetailLevel:          call.DetailLevel,
	})
	if err != nil {
		return toolError(err), nil
	}
	s.logExecution(ctx, "kernel_invoke", resp)
	return resultOf(resp.Results[0])
}

func (s *Server) runBundle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("bundle")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.bundle(ctx, req, name, "kernel_run_bundle")
}

func (s *Server) namedBundle(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.bundle(ctx, req, name, "kernel_"+name)
	}
}

func (s *Server) bundle(ctx context.Context, req mcp.CallToolRequest, name, tool string) (*mcp.CallToolResult, error) {
	sid, err := s.session(ctx, req.GetString("session_id", ""))
	if err != nil {
		return toolError(err), nil
	}
	resp, err := s.kernel.RunBundle(ctx, sid, name, compose.BundleOptions{
		Args:        objectArg(req.GetArguments(), "args"),
		DetailLevel: contracts.DetailLevel(req.GetString("detail_level", "")),
		MaxParallel: req.GetInt("max_parallel", 0),
		TimeoutMs:   req.GetInt("timeout_ms", 0),
		Confirm:     req.GetBool("confirm", false),
	})
	if err != nil {
		return toolError(err), nil
	}
	s.logExecution(ctx, tool, resp)
	return structured(resp)
}

func (s *Server) confirmAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.ownsToken(ctx, token); err != nil {
		return toolError(err), nil
	}
	r, err := s.kernel.Confirm(ctx, token)
	if err != nil {
		return toolError(err), nil
	}
	return resultOf(r)
}

func (s *Server) cancelAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.ownsToken(ctx, token); err != nil {
		return toolError(err), nil
	}
	r, err := s.kernel.Cancel(ctx, token)
	if err != nil {
		return toolError(err), nil
	}
	return structured(r)
}

// ownsToken rejects a token staged in another identity's session. A staged
// call runs under its stager's identity, so only the stager may settle it.
func (s *Server) ownsToken(ctx context.Context, token string) error {
	id, err := s.identity(ctx)
	if err != nil {
		return err
	}
	a, err := s.kernel.PendingAction(token)
	if err != nil {
		return err
	}
	if !id.IsZero() && a.Identity != id {
		return fmt.Errorf("%w: action %s was staged by another identity", errForeignSession, a.CallID)
	}
	return nil
}

func (s *Server) logExecution(ctx context.Context, tool string, resp *executor.Response) {
	s.logger.InfoContext(ctx, "execution finished",
		"tool", tool,
		"request_id", resp.RequestID,
		"http_request_id", auth.RequestID(ctx),
		"total", resp.Summary.Total,
		"failed", resp.Summary.Failed,
		"pending", resp.Summary.Pending,
	)
}

// resultOf reports a failed call as an MCP error result so the client sees
// it without unpacking the payload. The structured body is the same either
// way.
func resultOf(r contracts.ExecutionResult) (*mcp.CallToolResult, error) {
	out, err := structured(r)
	if err != nil {
		return nil, err
	}
	out.IsError = r.Status == contracts.StatusFailure
	return out, nil
}

func structured(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultStructured(v, string(b)), nil
}

// toolError turns request-level failures into tool errors with a hint the
// caller can act on.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, session.ErrIdentityRequired):
		return mcp.NewToolResultError("authentication required: provide an identity token")
	case errors.Is(err, session.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("%v: open a new session or omit session_id", err))
	case errors.Is(err, registry.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("%v: use kernel_list_servers to see what is registered", err))
	case errors.Is(err, bundles.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("%v: use kernel_list_bundles to see what is available", err))
	case errors.Is(err, confirm.ErrTokenNotFound), errors.Is(err, confirm.ErrNotPending), errors.Is(err, errForeignSession):
		return mcp.NewToolResultError(err.Error())
	default:
		return mcp.NewToolResultErrorFromErr("request failed", err)
	}
}

func objectArg(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

func stringMapArg(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}
