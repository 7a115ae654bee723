package contracts

import "fmt"

// ToolKind separates read-only queries from side-effecting commands.
type ToolKind string

const (
	KindQuery   ToolKind = "query"
	KindCommand ToolKind = "command"
)

// ToolRequest is the wire request sent to a domain tool.
type ToolRequest struct {
	ServerID string         `json:"serverId"`
	ToolID   string         `json:"toolId"`
	Args     map[string]any `json:"args"`
}

// ToolResponse is the wire response every domain tool returns.
type ToolResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   *ToolFault     `json:"error,omitempty"`
}

// ToolFault is the error object of a failed ToolResponse.
type ToolFault struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Validate checks the envelope is internally consistent.
func (r *ToolResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("empty tool response")
	}
	if !r.Success && (r.Error == nil || r.Error.Message == "") {
		return fmt.Errorf("failed tool response without error message")
	}
	return nil
}

// ToolError is a failure reported by the tool itself through the envelope.
type ToolError struct {
	ServerID string
	ToolID   string
	Type     string
	Message  string
}

func (e *ToolError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s.%s: %s (%s)", e.ServerID, e.ToolID, e.Message, e.Type)
	}
	return fmt.Sprintf("%s.%s: %s", e.ServerID, e.ToolID, e.Message)
}
