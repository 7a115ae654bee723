// Package authz decides whether a caller's role may invoke a tool. Roles form
// a strict hierarchy and every permission maps to the lowest role that holds
// it; a caller is granted a permission when its role is at or above that
// minimum.
package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// defaultRules are exact permission grants.
var defaultRules = map[string]contracts.Role{
	"risk.read":       contracts.RoleAnalyst,
	"workflow.invoke": contracts.RoleExecutive,
	"notary.sign":     contracts.RoleAdmin,
}

// defaultVerbs grant by the action suffix of a permission ("geology.read").
var defaultVerbs = map[string]contracts.Role{
	"read":     contracts.RoleAnalyst,
	"list":     contracts.RoleAnalyst,
	"search":   contracts.RoleAnalyst,
	"analyze":  contracts.RoleEngineer,
	"compute":  contracts.RoleEngineer,
	"forecast": contracts.RoleEngineer,
	"write":    contracts.RoleExecutive,
	"invoke":   contracts.RoleExecutive,
	"approve":  contracts.RoleExecutive,
	"publish":  contracts.RoleExecutive,
	"sign":     contracts.RoleAdmin,
	"admin":    contracts.RoleAdmin,
}

// Engine implements role-based access control over tool permissions.
type Engine struct {
	mu      sync.RWMutex
	enabled bool
	rules   map[string]contracts.Role
	verbs   map[string]contracts.Role
}

// NewEngine creates an engine with the default permission table. A disabled
// engine grants every call.
func NewEngine(enabled bool) *Engine {
	e := &Engine{
		enabled: enabled,
		rules:   make(map[string]contracts.Role, len(defaultRules)),
		verbs:   make(map[string]contracts.Role, len(defaultVerbs)),
	}
	for p, r := range defaultRules {
		e.rules[p] = r
	}
	for v, r := range defaultVerbs {
		e.verbs[v] = r
	}
	return e
}

// Enabled reports whether checks are enforced.
func (e *Engine) Enabled() bool { return e.enabled }

// SetRule pins the minimum role for an exact permission.
func (e *Engine) SetRule(permission string, role contracts.Role) error {
	if !role.Valid() {
		return fmt.Errorf("authz: unknown role %q", role)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[strings.ToLower(permission)] = role
	return nil
}

// RequiredRole returns the minimum role for permission. An empty permission
// needs no privilege; an unrecognized one needs admin.
func (e *Engine) RequiredRole(permission string) contracts.Role {
	permission = strings.ToLower(strings.TrimSpace(permission))
	if permission == "" {
		return contracts.RoleAnalyst
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.rules[permission]; ok {
		return r
	}
	if i := strings.LastIndexByte(permission, '.'); i >= 0 {
		if r, ok := e.verbs[permission[i+1:]]; ok {
			return r
		}
	}
	return contracts.RoleAdmin
}

// Allowed reports whether role holds permission, ignoring the toggle.
func (e *Engine) Allowed(role contracts.Role, permission string) bool {
	return role.Satisfies(e.RequiredRole(permission))
}

// Check grants or denies id the permission. Denials are KindPermissionDenied
// errors naming the permission and the role it needs.
func (e *Engine) Check(_ context.Context, id contracts.UserIdentity, permission string) error {
	if !e.enabled {
		return nil
	}
	required := e.RequiredRole(permission)
	if id.Role.Satisfies(required) {
		return nil
	}
	ke := contracts.NewKernelError(contracts.KindPermissionDenied, "permission_denied",
		fmt.Errorf("role %q lacks permission %q", id.Role, permission))
	ke.Detail.RequiredPermission = permission
	ke.Detail.Suggestion = fmt.Sprintf("requires role %s or higher", required)
	return ke
}
