package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

func testServer(id string, tools ...ToolDescriptor) ServerDescriptor {
	return ServerDescriptor{ServerID: id, Name: id, Tools: tools}
}

func TestRegistry(t *testing.T) {
	r := New()

	geo := testServer("geology",
		ToolDescriptor{ToolID: "read", RequiredPermission: "geology.read", Capabilities: []string{"geology", "formation"}},
		ToolDescriptor{ToolID: "rezone", Kind: contracts.KindCommand, RequiredPermission: "geology.write"},
	)
	require.NoError(t, r.Register(geo))

	t.Run("Resolve", func(t *testing.T) {
		tool, err := r.Resolve("geology", "read")
		require.NoError(t, err)
		assert.Equal(t, "geology", tool.ServerID)
		assert.Equal(t, "read", tool.Name)
		assert.Equal(t, contracts.KindQuery, tool.Kind)
		assert.Equal(t, "geology.read", tool.Key())
	})

	t.Run("Resolve Not Found", func(t *testing.T) {
		_, err := r.Resolve("geology", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = r.Resolve("nope", "read")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Classify", func(t *testing.T) {
		cmd, err := r.Resolve("geology", "rezone")
		require.NoError(t, err)
		assert.Equal(t, contracts.KindCommand, r.Classify(cmd))
		q, _ := r.Resolve("geology", "read")
		assert.Equal(t, contracts.KindQuery, r.Classify(q))
	})

	t.Run("Re-register replaces tool list", func(t *testing.T) {
		require.NoError(t, r.Register(testServer("economics", ToolDescriptor{ToolID: "compute_npv"})))
		require.NoError(t, r.Register(testServer("geology", ToolDescriptor{ToolID: "read"})))

		_, err := r.Resolve("geology", "rezone")
		assert.ErrorIs(t, err, ErrNotFound)

		tools, err := r.Tools("geology")
		require.NoError(t, err)
		assert.Len(t, tools, 1)

		servers := r.Servers()
		require.Len(t, servers, 2)
		assert.Equal(t, "economics", servers[0].ServerID)
		assert.Equal(t, "geology", servers[1].ServerID)
	})

	t.Run("Returned descriptors are copies", func(t *testing.T) {
		tool, err := r.Resolve("economics", "compute_npv")
		require.NoError(t, err)
		tool.Capabilities = append(tool.Capabilities, "mutated")
		again, _ := r.Resolve("economics", "compute_npv")
		assert.Empty(t, again.Capabilities)
	})
}

func TestRegister_Invalid(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register(ServerDescriptor{}), ErrInvalidServer)
	assert.ErrorIs(t, r.Register(testServer("a", ToolDescriptor{})), ErrInvalidServer)
	assert.ErrorIs(t, r.Register(testServer("a", ToolDescriptor{ToolID: "x"}, ToolDescriptor{ToolID: "x"})), ErrInvalidServer)
	assert.ErrorIs(t, r.Register(testServer("a", ToolDescriptor{ToolID: "x", Kind: "mutation"})), ErrInvalidServer)
	assert.Empty(t, r.Servers())
}

func TestFindCapability(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterAll(DefaultCatalog()))

	t.Run("case insensitive", func(t *testing.T) {
		lower := r.FindCapability("risk")
		upper := r.FindCapability("RISK")
		require.NotEmpty(t, lower)
		assert.Equal(t, lower, upper)
		for _, tool := range lower {
			assert.True(t, matches(tool, "risk"), tool.Key())
		}
	})

	t.Run("no match returns empty, not nil", func(t *testing.T) {
		got := r.FindCapability("helium")
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("empty keyword matches everything", func(t *testing.T) {
		total := 0
		for _, s := range r.Servers() {
			total += len(s.Tools)
		}
		assert.Len(t, r.FindCapability(""), total)
	})

	t.Run("description match", func(t *testing.T) {
		got := r.FindCapability("letter of intent")
		require.NotEmpty(t, got)
		assert.Equal(t, "notary", got[0].ServerID)
	})
}

func TestAlternatives(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testServer("a",
		ToolDescriptor{ToolID: "primary", Capabilities: []string{"valuation", "npv"}},
		ToolDescriptor{ToolID: "weak", Capabilities: []string{"valuation"}},
	)))
	require.NoError(t, r.Register(testServer("b",
		ToolDescriptor{ToolID: "strong", Capabilities: []string{"npv", "valuation"}},
		ToolDescriptor{ToolID: "unrelated", Capabilities: []string{"title"}},
	)))

	primary, err := r.Resolve("a", "primary")
	require.NoError(t, err)

	alts := r.Alternatives(primary)
	require.Len(t, alts, 2)
	assert.Equal(t, "b.strong", alts[0].Key())
	assert.Equal(t, "a.weak", alts[1].Key())

	unrelated, _ := r.Resolve("b", "unrelated")
	assert.Empty(t, r.Alternatives(unrelated))
	assert.NotNil(t, r.Alternatives(ToolDescriptor{ServerID: "x", ToolID: "y"}))
}

func TestValidateArgs(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testServer("economics", ToolDescriptor{
		ToolID: "compute_npv",
		InputSchema: map[string]any{
			"type":                 "object",
			"required":             []any{"discount_rate"},
			"additionalProperties": false,
			"properties": map[string]any{
				"discount_rate": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
		},
	}, ToolDescriptor{ToolID: "free"})))

	npv, err := r.Resolve("economics", "compute_npv")
	require.NoError(t, err)

	assert.NoError(t, r.ValidateArgs(npv, map[string]any{"discount_rate": 0.1}))
	assert.NoError(t, r.ValidateArgs(npv, map[string]any{
		"discount_rate":         0.1,
		contracts.ContextArgKey: map[string]any{"geo": map[string]any{"status": "success"}},
	}))
	assert.ErrorIs(t, r.ValidateArgs(npv, map[string]any{"discount_rate": 2}), ErrInvalidArguments)
	assert.ErrorIs(t, r.ValidateArgs(npv, nil), ErrInvalidArguments)
	assert.ErrorIs(t, r.ValidateArgs(npv, map[string]any{"discount_rate": 0.1, "extra": true}), ErrInvalidArguments)

	free, err := r.Resolve("economics", "free")
	require.NoError(t, err)
	assert.NoError(t, r.ValidateArgs(free, map[string]any{"anything": []int{1, 2}}))
}

func TestValidateArgs_SchemaReplacedOnReRegister(t *testing.T) {
	r := New()
	strict := map[string]any{"type": "object", "required": []any{"tract_id"}}
	require.NoError(t, r.Register(testServer("geology", ToolDescriptor{ToolID: "read", InputSchema: strict})))
	tool, _ := r.Resolve("geology", "read")
	require.Error(t, r.ValidateArgs(tool, map[string]any{}))

	require.NoError(t, r.Register(testServer("geology", ToolDescriptor{ToolID: "read", InputSchema: map[string]any{"type": "object"}})))
	tool, _ = r.Resolve("geology", "read")
	assert.NoError(t, r.ValidateArgs(tool, map[string]any{}))
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testServer("base", ToolDescriptor{ToolID: "read"})))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(testServer(fmt.Sprintf("s%d", i), ToolDescriptor{ToolID: "read"}))
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := r.Resolve("base", "read")
				assert.NoError(t, err)
				_ = r.FindCapability("read")
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.Servers(), 9)
}

func TestDefaultCatalog(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterAll(DefaultCatalog()))
	assert.Len(t, r.Servers(), 14)

	for _, key := range [][2]string{{"notary", "sign"}, {"decision", "approve"}, {"reporting", "publish"}} {
		tool, err := r.Resolve(key[0], key[1])
		require.NoError(t, err)
		assert.Equal(t, contracts.KindCommand, tool.Kind, tool.Key())
	}
	for _, s := range r.Servers() {
		for _, tool := range s.Tools {
			assert.NotEmpty(t, tool.RequiredPermission, tool.Key())
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - id: seismic
    name: Seismic
    version: v2.1
    tools:
      - id: interpret
        description: Horizon interpretation
        permission: seismic.analyze
        capabilities: [geology, seismic]
        input_schema:
          type: object
          properties:
            survey:
              type: string
      - id: purge
        kind: command
        permission: seismic.admin
        sensitive_args: [token]
`), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Servers, 1)
	assert.Equal(t, "2.1.0", c.Servers[0].Version)

	r := New()
	require.NoError(t, r.RegisterAll(c))
	interp, err := r.Resolve("seismic", "interpret")
	require.NoError(t, err)
	assert.Equal(t, []string{"geology", "seismic"}, interp.Capabilities)
	assert.NoError(t, r.ValidateArgs(interp, map[string]any{"survey": "3d-2019"}))
	assert.Error(t, r.ValidateArgs(interp, map[string]any{"survey": 7}))

	purge, _ := r.Resolve("seismic", "purge")
	assert.Equal(t, contracts.KindCommand, purge.Kind)
	assert.Equal(t, []string{"token"}, purge.SensitiveArgs)
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog([]byte("servers: [\n"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("servers:\n  - id: x\n    version: not-a-version\n    tools: []\n"))
	assert.ErrorIs(t, err, ErrInvalidServer)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
