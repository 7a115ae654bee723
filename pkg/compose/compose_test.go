package compose

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/shaleyeah/toolkernel/pkg/bundles"
	"github.com/shaleyeah/toolkernel/pkg/config"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/toolclient"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AuthEnabled:     true,
		AuditEnabled:    true,
		AuditLogPath:    filepath.Join(t.TempDir(), "audit.jsonl"),
		MaxRetries:      2,
		RetryBackoffMs:  1,
		MaxParallel:     4,
		ConfirmCommands: true,
		ConfirmTTL:      time.Hour,
		SessionTTL:      time.Hour,
		SessionStore:    config.StoreMemory,
		ServerBurst:     1,
		Environment:     "test",
	}
}

func newKernel(t *testing.T, cfg *config.Config, inv toolclient.Invoker) *Kernel {
	t.Helper()
	k, err := BootstrapWith(context.Background(), cfg, inv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func auditLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestQuickScreen_EchoBackend(t *testing.T) {
	cfg := testConfig(t)
	k := newKernel(t, cfg, nil)
	ctx := context.Background()

	s, err := k.OpenSession(ctx, contracts.UserIdentity{UserID: "ana", Role: contracts.RoleAnalyst})
	require.NoError(t, err)

	resp, err := k.QuickScreen(ctx, s.ID, BundleOptions{Args: map[string]any{"tract_id": "T-9"}})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Summary.Total)
	assert.Equal(t, 4, resp.Summary.Succeeded)
	assert.Len(t, auditLines(t, cfg.AuditLogPath), 4)
}

func TestFullPipeline_StaticBackend(t *testing.T) {
	tools := toolclient.NewStatic().Fallback(func(context.Context, map[string]any) (*contracts.ToolResponse, error) {
		return toolclient.OK(map[string]any{"status": "ok"}), nil
	})
	k := newKernel(t, testConfig(t), tools)
	ctx := context.Background()

	s, err := k.OpenSession(ctx, contracts.UserIdentity{UserID: "eve", Role: contracts.RoleAdmin})
	require.NoError(t, err)
	resp, err := k.FullPipeline(ctx, s.ID, BundleOptions{DetailLevel: contracts.DetailSummary})
	require.NoError(t, err)
	assert.Zero(t, resp.Summary.Failed)
	assert.Len(t, resp.Phases, 5)
}

func TestSessionEndCancelsPendingActions(t *testing.T) {
	tools := toolclient.NewStatic().Fallback(func(context.Context, map[string]any) (*contracts.ToolResponse, error) {
		return toolclient.OK(nil), nil
	})
	k := newKernel(t, testConfig(t), tools)
	ctx := context.Background()

	s, err := k.OpenSession(ctx, contracts.UserIdentity{UserID: "root", Role: contracts.RoleAdmin})
	require.NoError(t, err)

	r, err := k.Invoke(ctx, s.ID, contracts.Call{ServerID: "reporting", ToolID: "publish"})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusPending, r.Status)
	assert.Len(t, k.Pending(s.ID), 1)

	require.NoError(t, k.CloseSession(ctx, s.ID))
	assert.Empty(t, k.Pending(s.ID))
	_, err = k.Confirm(ctx, r.PendingToken)
	assert.Error(t, err)
	assert.Equal(t, 0, tools.Calls("reporting", "publish"))
}

func TestConfirmAndCancel(t *testing.T) {
	tools := toolclient.NewStatic().Fallback(func(context.Context, map[string]any) (*contracts.ToolResponse, error) {
		return toolclient.OK(map[string]any{"filed": true}), nil
	})
	k := newKernel(t, testConfig(t), tools)
	ctx := context.Background()
	s, err := k.OpenSession(ctx, contracts.UserIdentity{UserID: "root", Role: contracts.RoleAdmin})
	require.NoError(t, err)

	first, err := k.Invoke(ctx, s.ID, contracts.Call{ServerID: "notary", ToolID: "sign", Args: map[string]any{"signing_key": "k"}})
	require.NoError(t, err)
	second, err := k.Invoke(ctx, s.ID, contracts.Call{ServerID: "reporting", ToolID: "publish"})
	require.NoError(t, err)

	done, err := k.Confirm(ctx, first.PendingToken)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, done.Status)

	cancelled, err := k.Cancel(ctx, second.PendingToken)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailure, cancelled.Status)
	assert.Empty(t, k.Pending(s.ID))
	assert.Equal(t, 1, tools.Calls("notary", "sign"))
	assert.Equal(t, 0, tools.Calls("reporting", "publish"))
}

func TestDiscovery(t *testing.T) {
	k := newKernel(t, testConfig(t), nil)

	servers := k.ListServers()
	require.Len(t, servers, 14)
	assert.Equal(t, "geology", servers[0].ServerID)
	require.NotNil(t, servers[0].Health)
	assert.True(t, servers[0].Health.Healthy)

	tools, err := k.ListTools("economics")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "economics.compute_npv", tools[0].Key)
	assert.NotEmpty(t, tools[0].InputSchema)

	_, err = k.ListTools("nope")
	assert.Error(t, err)

	found := k.SearchTools("valuation")
	keys := make([]string, len(found))
	for i, f := range found {
		keys[i] = f.Key
	}
	assert.Contains(t, keys, "economics.compute_npv")
	assert.Contains(t, keys, "market.read")
	assert.NotNil(t, k.SearchTools("nothing-matches"))

	var names []string
	for _, b := range k.Bundles() {
		names = append(names, b.Name)
	}
	assert.Contains(t, names, bundles.QuickScreen)
	assert.Contains(t, names, bundles.FullPipeline)
}

func TestWhoAmI(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthEnabled = false
	k := newKernel(t, cfg, nil)
	ctx := context.Background()

	s, err := k.OpenSession(ctx, contracts.UserIdentity{})
	require.NoError(t, err)
	id, err := k.WhoAmI(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", id.UserID)
	assert.Equal(t, contracts.RoleAnalyst, id.Role)
	assert.Equal(t, []contracts.Role{contracts.RoleAnalyst}, id.Roles)
	assert.False(t, id.AuthEnabled)

	_, err = k.WhoAmI(ctx, "missing")
	assert.Error(t, err)
}

func TestBootstrap_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionStore = config.StoreSQLite
	cfg.SessionDSN = filepath.Join(t.TempDir(), "sessions.db")
	k := newKernel(t, cfg, nil)
	ctx := context.Background()

	s, err := k.OpenSession(ctx, contracts.UserIdentity{UserID: "eng", Role: contracts.RoleEngineer})
	require.NoError(t, err)
	r, err := k.Invoke(ctx, s.ID, contracts.Call{ServerID: "geology", ToolID: "read", Args: map[string]any{"tract_id": "T-1"}})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusSuccess, r.Status)

	stored, ok, err := k.Sessions().Result(ctx, s.ID, r.CallID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusSuccess, stored.Status)
}

func TestBootstrap_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Bootstrap(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.ToolEndpoints = "geology"
	_, err = Bootstrap(context.Background(), cfg)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bundles.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("bundles:\n  - name: broken\n    phases:\n      - name: p\n        steps:\n          - server: nowhere\n            tool: read\n"), 0o600))
	cfg = testConfig(t)
	cfg.BundlesPath = bad
	_, err = Bootstrap(context.Background(), cfg)
	assert.ErrorIs(t, err, bundles.ErrInvalidBundle)
}

func TestExplicitConfirmWithCommandGatingOff(t *testing.T) {
	tools := toolclient.NewStatic().Fallback(func(context.Context, map[string]any) (*contracts.ToolResponse, error) {
		return toolclient.OK(nil), nil
	})
	cfg := testConfig(t)
	cfg.ConfirmCommands = false
	k := newKernel(t, cfg, tools)
	ctx := context.Background()
	s, err := k.OpenSession(ctx, contracts.UserIdentity{UserID: "root", Role: contracts.RoleAdmin})
	require.NoError(t, err)

	r, err := k.Invoke(ctx, s.ID, contracts.Call{ServerID: "reporting", ToolID: "publish"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, r.Status)

	resp, err := k.QuickScreen(ctx, s.ID, BundleOptions{Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Summary.Pending)
	assert.Len(t, k.Pending(s.ID), 4)

	staged, err := k.PendingAction(k.Pending(s.ID)[0].Token)
	require.NoError(t, err)
	assert.Equal(t, "root", staged.Identity.UserID)
}
