// Package mcp exposes the kernel to MCP clients over stdio or streamable
// HTTP.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/shaleyeah/toolkernel/pkg/auth"
	"github.com/shaleyeah/toolkernel/pkg/compose"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/session"
)

const serverName = "toolkernel"

// Version is set at build time via ldflags.
var Version = "dev"

// IdentityFunc names the caller of a tool request.
type IdentityFunc func(ctx context.Context) (contracts.UserIdentity, error)

// StaticIdentity always returns id. Used for stdio, where the process owner
// is the caller.
func StaticIdentity(id contracts.UserIdentity) IdentityFunc {
	return func(context.Context) (contracts.UserIdentity, error) { return id, nil }
}

// ContextIdentity reads the identity placed in the context by the HTTP auth
// middleware. A missing identity yields the zero identity, which the session
// manager rejects when auth is enabled.
func ContextIdentity(ctx context.Context) (contracts.UserIdentity, error) {
	id, err := auth.IdentityFrom(ctx)
	if errors.Is(err, auth.ErrNoIdentity) {
		return contracts.UserIdentity{}, nil
	}
	return id, err
}

var errForeignSession = errors.New("session not owned by caller")

// Server binds kernel tools to an MCP server.
type Server struct {
	kernel   *compose.Kernel
	identity IdentityFunc
	mcp      *server.MCPServer
	tools    []Tool

	mu       sync.Mutex
	sessions map[contracts.UserIdentity]string
	logger   *slog.Logger
}

// New registers every kernel tool. A nil identity func reads the identity
// from the request context.
func New(kernel *compose.Kernel, identity IdentityFunc) *Server {
	if identity == nil {
		identity = ContextIdentity
	}
	s := &Server{
		kernel:   kernel,
		identity: identity,
		sessions: make(map[contracts.UserIdentity]string),
		logger:   slog.Default().With("component", "mcp"),
	}
	s.mcp = server.NewMCPServer(
		serverName,
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.tools = s.kernelTools()
	for _, t := range s.tools {
		s.mcp.AddTool(t.Definition, t.Handle)
	}
	return s
}

const instructions = "Tract evaluation tool kernel. Discover servers and tools with kernel_list_servers, " +
	"kernel_list_tools and kernel_search_tools. Run kernel_quick_screen for a first look and " +
	"kernel_full_pipeline for a complete evaluation. Commands are staged and return a pending_token; " +
	"run them with kernel_confirm_action or drop them with kernel_cancel_action."

// MCPServer exposes the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Tools lists the registered tools.
func (s *Server) Tools() []Tool { return s.tools }

// ServeStdio serves on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

// HTTPHandler serves streamable HTTP. The request's identity and request id
// are carried into tool handlers.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, err := auth.IdentityFrom(r.Context()); err == nil {
				ctx = auth.WithIdentity(ctx, id)
			}
			if rid := auth.RequestID(r.Context()); rid != "" {
				ctx = auth.WithRequestID(ctx, rid)
			}
			return ctx
		}),
	)
}

// session returns the session a tool request runs in: the explicit id when
// given, otherwise the caller's default session, created on first use.
func (s *Server) session(ctx context.Context, explicit string) (string, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return "", err
	}
	if explicit != "" {
		sess, err := s.kernel.Sessions().Get(ctx, explicit)
		if err != nil {
			return "", err
		}
		if !id.IsZero() && sess.Identity != id {
			return "", fmt.Errorf("%w: %s belongs to another identity", errForeignSession, explicit)
		}
		return explicit, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sid, ok := s.sessions[id]; ok {
		if _, err := s.kernel.Sessions().Get(ctx, sid); err == nil {
			return sid, nil
		} else if !errors.Is(err, session.ErrNotFound) {
			return "", err
		}
	}
	sess, err := s.kernel.OpenSession(ctx, id)
	if err != nil {
		return "", err
	}
	s.sessions[id] = sess.ID
	s.logger.DebugContext(ctx, "opened default session", "session_id", sess.ID, "user_id", sess.Identity.UserID)
	return sess.ID, nil
}
