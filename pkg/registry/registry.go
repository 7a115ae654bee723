// Package registry is the canonical index of tool servers and the tools each
// exposes. It resolves exact (server, tool) ids, searches by capability
// keyword, and classifies tools as queries or commands.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/shaping"
)

var (
	ErrNotFound      = errors.New("tool not found")
	ErrInvalidServer = errors.New("invalid server descriptor")
)

// ToolDescriptor describes one tool. Immutable once registered.
type ToolDescriptor struct {
	ServerID           string                  `yaml:"-" json:"server_id"`
	ToolID             string                  `yaml:"id" json:"tool_id"`
	Name               string                  `yaml:"name" json:"name"`
	Description        string                  `yaml:"description" json:"description"`
	Kind               contracts.ToolKind      `yaml:"kind" json:"kind"`
	InputSchema        map[string]any          `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	RequiredPermission string                  `yaml:"permission" json:"required_permission"`
	Capabilities       []string                `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	SensitiveArgs      []string                `yaml:"sensitive_args,omitempty" json:"sensitive_args,omitempty"`
	Fields             shaping.FieldVisibility `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Key returns "server.tool".
func (t ToolDescriptor) Key() string { return t.ServerID + "." + t.ToolID }

func (t ToolDescriptor) clone() ToolDescriptor {
	c := t
	c.Capabilities = append([]string(nil), t.Capabilities...)
	c.SensitiveArgs = append([]string(nil), t.SensitiveArgs...)
	c.Fields.Summary = append([]string(nil), t.Fields.Summary...)
	c.Fields.Standard = append([]string(nil), t.Fields.Standard...)
	return c
}

// ServerDescriptor groups the tools of one domain module.
type ServerDescriptor struct {
	ServerID string           `yaml:"id" json:"server_id"`
	Name     string           `yaml:"name" json:"name"`
	Version  string           `yaml:"version,omitempty" json:"version,omitempty"`
	Tools    []ToolDescriptor `yaml:"tools" json:"tools"`
}

func (s ServerDescriptor) clone() ServerDescriptor {
	c := s
	c.Tools = make([]ToolDescriptor, len(s.Tools))
	for i, t := range s.Tools {
		c.Tools[i] = t.clone()
	}
	return c
}

// Validate checks ids are present and unique, and normalizes tool kinds.
func (s *ServerDescriptor) Validate() error {
	if s.ServerID == "" {
		return fmt.Errorf("%w: server id is required", ErrInvalidServer)
	}
	seen := make(map[string]bool, len(s.Tools))
	for i := range s.Tools {
		t := &s.Tools[i]
		if t.ToolID == "" {
			return fmt.Errorf("%w: server %s: tool %d has no id", ErrInvalidServer, s.ServerID, i)
		}
		if seen[t.ToolID] {
			return fmt.Errorf("%w: server %s: duplicate tool %s", ErrInvalidServer, s.ServerID, t.ToolID)
		}
		seen[t.ToolID] = true
		t.ServerID = s.ServerID
		switch t.Kind {
		case "":
			t.Kind = contracts.KindQuery
		case contracts.KindQuery, contracts.KindCommand:
		default:
			return fmt.Errorf("%w: tool %s: unknown kind %q", ErrInvalidServer, t.Key(), t.Kind)
		}
		if t.Name == "" {
			t.Name = t.ToolID
		}
	}
	return nil
}

type snapshot struct {
	order   []string
	servers map[string]ServerDescriptor
	tools   map[string]ToolDescriptor
}

// Registry is read-mostly: lookups load an immutable snapshot without
// locking, Register serializes writers and swaps in a new snapshot.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	schemas *schemaCache
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{schemas: newSchemaCache()}
	r.current.Store(&snapshot{servers: map[string]ServerDescriptor{}, tools: map[string]ToolDescriptor{}})
	return r
}

// Register adds a server. Re-registering a server id replaces its tool list.
func (r *Registry) Register(server ServerDescriptor) error {
	server = server.clone()
	if err := server.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	next := &snapshot{
		servers: make(map[string]ServerDescriptor, len(old.servers)+1),
		tools:   make(map[string]ToolDescriptor, len(old.tools)+len(server.Tools)),
	}
	for _, id := range old.order {
		if id == server.ServerID {
			continue
		}
		next.order = append(next.order, id)
		next.servers[id] = old.servers[id]
		for _, t := range old.servers[id].Tools {
			next.tools[t.Key()] = t
		}
	}
	next.order = append(next.order, server.ServerID)
	next.servers[server.ServerID] = server
	for _, t := range server.Tools {
		next.tools[t.Key()] = t
	}
	r.schemas.invalidate(server.ServerID)
	r.current.Store(next)
	return nil
}

// Resolve returns the descriptor for (serverID, toolID).
func (r *Registry) Resolve(serverID, toolID string) (ToolDescriptor, error) {
	t, ok := r.current.Load().tools[serverID+"."+toolID]
	if !ok {
		return ToolDescriptor{}, fmt.Errorf("%w: %s.%s", ErrNotFound, serverID, toolID)
	}
	return t.clone(), nil
}

// Classify returns whether the tool is a query or a command.
func (r *Registry) Classify(tool ToolDescriptor) contracts.ToolKind {
	if tool.Kind == contracts.KindCommand {
		return contracts.KindCommand
	}
	return contracts.KindQuery
}

// Servers lists registered servers in registration order.
func (r *Registry) Servers() []ServerDescriptor {
	snap := r.current.Load()
	out := make([]ServerDescriptor, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.servers[id].clone())
	}
	return out
}

// Server returns one server by id.
func (r *Registry) Server(serverID string) (ServerDescriptor, error) {
	s, ok := r.current.Load().servers[serverID]
	if !ok {
		return ServerDescriptor{}, fmt.Errorf("%w: server %s", ErrNotFound, serverID)
	}
	return s.clone(), nil
}

// Tools lists the tools of one server.
func (r *Registry) Tools(serverID string) ([]ToolDescriptor, error) {
	s, err := r.Server(serverID)
	if err != nil {
		return nil, err
	}
	return s.Tools, nil
}

// FindCapability returns tools whose id, name, description or capability
// tags contain keyword, ignoring case. It never returns nil.
func (r *Registry) FindCapability(keyword string) []ToolDescriptor {
	needle := normalize(keyword)
	snap := r.current.Load()
	out := make([]ToolDescriptor, 0)
	for _, id := range snap.order {
		for _, t := range snap.servers[id].Tools {
			if matches(t, needle) {
				out = append(out, t.clone())
			}
		}
	}
	return out
}

// Alternatives returns other tools sharing a capability tag with tool,
// ordered by the number of shared tags.
func (r *Registry) Alternatives(tool ToolDescriptor) []ToolDescriptor {
	if len(tool.Capabilities) == 0 {
		return []ToolDescriptor{}
	}
	type scored struct {
		t     ToolDescriptor
		score int
	}
	var hits []scored
	seen := map[string]int{}
	for _, capability := range tool.Capabilities {
		for _, t := range r.FindCapability(capability) {
			if t.Key() == tool.Key() {
				continue
			}
			if i, ok := seen[t.Key()]; ok {
				hits[i].score++
				continue
			}
			seen[t.Key()] = len(hits)
			hits = append(hits, scored{t: t, score: 1})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]ToolDescriptor, len(hits))
	for i, h := range hits {
		out[i] = h.t
	}
	return out
}
