// Package compose is the composition and discovery facade an orchestrator
// talks to: predeclared bundles, single calls, the confirmation gate and
// catalog discovery.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/bundles"
	"github.com/shaleyeah/toolkernel/pkg/confirm"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/executor"
	"github.com/shaleyeah/toolkernel/pkg/observability"
	"github.com/shaleyeah/toolkernel/pkg/registry"
	"github.com/shaleyeah/toolkernel/pkg/session"
)

// Kernel bundles the components behind the facade.
type Kernel struct {
	registry    *registry.Registry
	sessions    *session.Manager
	engine      *executor.Engine
	confirm     *confirm.Manager
	health      *observability.HealthTracker
	authEnabled bool
	closers     []func() error
	logger      *slog.Logger
}

// Options wires a Kernel. Confirm and Health may be nil.
type Options struct {
	Registry    *registry.Registry
	Sessions    *session.Manager
	Engine      *executor.Engine
	Confirm     *confirm.Manager
	Health      *observability.HealthTracker
	AuthEnabled bool
}

// New creates the facade. Ending a session cancels its pending
// confirmations.
func New(opts Options) *Kernel {
	k := &Kernel{
		registry:    opts.Registry,
		sessions:    opts.Sessions,
		engine:      opts.Engine,
		confirm:     opts.Confirm,
		health:      opts.Health,
		authEnabled: opts.AuthEnabled,
		logger:      slog.Default().With("component", "compose"),
	}
	if k.confirm != nil {
		k.sessions.OnEnd(func(ctx context.Context, sessionID string) {
			if n := len(k.confirm.CancelSession(ctx, sessionID)); n > 0 {
				k.logger.InfoContext(ctx, "cancelled pending actions on session end", "session_id", sessionID, "count", n)
			}
		})
	}
	return k
}

// Close releases resources acquired by Bootstrap.
func (k *Kernel) Close() error {
	var first error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Sessions exposes the session manager.
func (k *Kernel) Sessions() *session.Manager { return k.sessions }

// Engine exposes the execution engine.
func (k *Kernel) Engine() *executor.Engine { return k.engine }

// OpenSession starts a session for identity.
func (k *Kernel) OpenSession(ctx context.Context, identity contracts.UserIdentity) (session.Session, error) {
	return k.sessions.Create(ctx, identity)
}

// CloseSession ends a session, discarding its results and pending actions.
func (k *Kernel) CloseSession(ctx context.Context, sessionID string) error {
	return k.sessions.End(ctx, sessionID)
}

// BundleOptions tunes a bundle run.
type BundleOptions struct {
	Args        map[string]any
	DetailLevel contracts.DetailLevel
	MaxParallel int
	TimeoutMs   int
	// Confirm stages every call behind the confirmation gate.
	Confirm bool
}

// QuickScreen runs the one-phase screening bundle.
func (k *Kernel) QuickScreen(ctx context.Context, sessionID string, opts BundleOptions) (*executor.Response, error) {
	return k.RunBundle(ctx, sessionID, bundles.QuickScreen, opts)
}

// FullPipeline runs the every-server, dependency-ordered bundle.
func (k *Kernel) FullPipeline(ctx context.Context, sessionID string, opts BundleOptions) (*executor.Response, error) {
	return k.RunBundle(ctx, sessionID, bundles.FullPipeline, opts)
}

// RunBundle runs a named bundle.
func (k *Kernel) RunBundle(ctx context.Context, sessionID, name string, opts BundleOptions) (*executor.Response, error) {
	return k.engine.Execute(ctx, contracts.ExecutionRequest{
		SessionID:            sessionID,
		Mode:                 contracts.ModeBundle,
		Bundle:               name,
		BundleArgs:           opts.Args,
		MaxParallel:          opts.MaxParallel,
		TimeoutMs:            opts.TimeoutMs,
		ConfirmationRequired: opts.Confirm,
		DetailLevel:          opts.DetailLevel,
	})
}

// Invoke runs a single call.
func (k *Kernel) Invoke(ctx context.Context, sessionID string, call contracts.Call) (contracts.ExecutionResult, error) {
	return k.engine.RunSingle(ctx, sessionID, call)
}

// InvokeParallel scatters calls and gathers every result.
func (k *Kernel) InvokeParallel(ctx context.Context, sessionID string, calls []contracts.Call, maxParallel int) (*executor.Response, error) {
	return k.engine.Execute(ctx, contracts.ExecutionRequest{
		SessionID:   sessionID,
		Mode:        contracts.ModeParallel,
		Calls:       calls,
		MaxParallel: maxParallel,
	})
}

// Confirm dispatches a staged call.
func (k *Kernel) Confirm(ctx context.Context, token string) (contracts.ExecutionResult, error) {
	return k.engine.ConfirmAction(ctx, token)
}

// Cancel discards a staged call.
func (k *Kernel) Cancel(ctx context.Context, token string) (contracts.ExecutionResult, error) {
	return k.engine.CancelAction(ctx, token)
}

// PendingAction returns the staged action behind token.
func (k *Kernel) PendingAction(token string) (confirm.Action, error) {
	if k.confirm == nil {
		return confirm.Action{}, executor.ErrGateDisabled
	}
	return k.confirm.Get(token)
}

// Pending lists a session's staged calls.
func (k *Kernel) Pending(sessionID string) []confirm.Action {
	if k.confirm == nil {
		return nil
	}
	return k.confirm.Pending(sessionID)
}

// BundleInfo describes a bundle for discovery.
type BundleInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Phases      []string `json:"phases"`
	Steps       int      `json:"steps"`
	Servers     []string `json:"servers"`
}

// Bundles lists the available bundles.
func (k *Kernel) Bundles() []BundleInfo {
	list := k.engine.Bundles().List()
	out := make([]BundleInfo, 0, len(list))
	for _, b := range list {
		info := BundleInfo{Name: b.Name, Description: b.Description, Steps: b.StepCount(), Servers: b.Servers()}
		for _, p := range b.Phases {
			info.Phases = append(info.Phases, p.Name)
		}
		out = append(out, info)
	}
	return out
}

// ServerInfo describes a registered server.
type ServerInfo struct {
	ServerID string                      `json:"server_id"`
	Name     string                      `json:"name"`
	Version  string                      `json:"version"`
	Tools    int                         `json:"tools"`
	Health   *observability.ServerHealth `json:"health,omitempty"`
}

// ListServers lists registered servers in registration order.
func (k *Kernel) ListServers() []ServerInfo {
	servers := k.registry.Servers()
	out := make([]ServerInfo, 0, len(servers))
	for _, s := range servers {
		info := ServerInfo{ServerID: s.ServerID, Name: s.Name, Version: s.Version, Tools: len(s.Tools)}
		if k.health != nil {
			h := k.health.Status(s.ServerID)
			info.Health = &h
		}
		out = append(out, info)
	}
	return out
}

// ToolInfo describes a tool for discovery.
type ToolInfo struct {
	Key                string             `json:"key"`
	ServerID           string             `json:"server_id"`
	ToolID             string             `json:"tool_id"`
	Name               string             `json:"name,omitempty"`
	Description        string             `json:"description"`
	Kind               contracts.ToolKind `json:"kind"`
	RequiredPermission string             `json:"required_permission,omitempty"`
	Capabilities       []string           `json:"capabilities,omitempty"`
	InputSchema        map[string]any     `json:"input_schema,omitempty"`
}

func toolInfo(t registry.ToolDescriptor) ToolInfo {
	return ToolInfo{
		Key:                t.Key(),
		ServerID:           t.ServerID,
		ToolID:             t.ToolID,
		Name:               t.Name,
		Description:        t.Description,
		Kind:               t.Kind,
		RequiredPermission: t.RequiredPermission,
		Capabilities:       t.Capabilities,
		InputSchema:        t.InputSchema,
	}
}

// ListTools lists one server's tools.
func (k *Kernel) ListTools(serverID string) ([]ToolInfo, error) {
	tools, err := k.registry.Tools(serverID)
	if err != nil {
		return nil, err
	}
	out := make([]ToolInfo, len(tools))
	for i, t := range tools {
		out[i] = toolInfo(t)
	}
	return out, nil
}

// SearchTools finds tools by capability keyword. The result is never nil.
func (k *Kernel) SearchTools(keyword string) []ToolInfo {
	tools := k.registry.FindCapability(keyword)
	out := make([]ToolInfo, len(tools))
	for i, t := range tools {
		out[i] = toolInfo(t)
	}
	return out
}

// Identity is the caller as the kernel sees it.
type Identity struct {
	SessionID   string           `json:"session_id"`
	UserID      string           `json:"user_id"`
	Role        contracts.Role   `json:"role"`
	Roles       []contracts.Role `json:"grantable_roles"`
	AuthEnabled bool             `json:"auth_enabled"`
	CreatedAt   time.Time        `json:"created_at"`
	Pending     int              `json:"pending_actions"`
}

// WhoAmI returns the identity anchored to a session.
func (k *Kernel) WhoAmI(ctx context.Context, sessionID string) (Identity, error) {
	s, err := k.sessions.Get(ctx, sessionID)
	if err != nil {
		return Identity{}, fmt.Errorf("whoami: %w", err)
	}
	var within []contracts.Role
	for _, r := range contracts.Roles() {
		if s.Identity.Role.Satisfies(r) {
			within = append(within, r)
		}
	}
	return Identity{
		SessionID:   s.ID,
		UserID:      s.Identity.UserID,
		Role:        s.Identity.Role,
		Roles:       within,
		AuthEnabled: k.authEnabled,
		CreatedAt:   s.CreatedAt,
		Pending:     len(k.Pending(s.ID)),
	}, nil
}
