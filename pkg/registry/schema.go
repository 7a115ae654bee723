package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// ErrInvalidArguments reports args that do not satisfy a tool's input schema.
var ErrInvalidArguments = errors.New("invalid arguments")

type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) invalidate(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.compiled {
		if strings.HasPrefix(key, serverID+".") {
			delete(c.compiled, key)
		}
	}
}

func (c *schemaCache) get(tool ToolDescriptor) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[tool.Key()]; ok {
		return s, nil
	}

	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", tool.Key(), err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://toolkernel.schemas.local/%s/%s.schema.json", tool.ServerID, tool.ToolID)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", tool.Key(), err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", tool.Key(), err)
	}
	c.compiled[tool.Key()] = compiled
	return compiled, nil
}

// ValidateArgs checks args against the tool's input schema. Tools without a
// schema accept any arguments. Injected session context is not part of the
// tool's declared input and is ignored.
func (r *Registry) ValidateArgs(tool ToolDescriptor, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	if _, ok := args[contracts.ContextArgKey]; ok {
		trimmed := make(map[string]any, len(args))
		for k, v := range args {
			if k != contracts.ContextArgKey {
				trimmed[k] = v
			}
		}
		args = trimmed
	}
	schema, err := r.schemas.get(tool)
	if err != nil {
		return err
	}

	// Round-trip through JSON so Go-typed values validate like wire values.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidArguments, tool.Key(), err)
	}
	return nil
}
