package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"   // Postgres driver for SESSION_STORE=postgres
	_ "modernc.org/sqlite" // SQLite driver for SESSION_STORE=sqlite

	"github.com/shaleyeah/toolkernel/pkg/auth"
	"github.com/shaleyeah/toolkernel/pkg/compose"
	"github.com/shaleyeah/toolkernel/pkg/config"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

var version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "run":
		return runBundleCmd(args[2:], stdout, stderr)
	case "invoke":
		return runInvokeCmd(args[2:], stdout, stderr)
	case "bundles":
		return runBundlesCmd(stdout, stderr)
	case "tools":
		return runToolsCmd(args[2:], stdout, stderr)
	case "search":
		return runSearchCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "toolkernel %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "toolkernel %s\n\n", version)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  toolkernel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Serve MCP on stdio, or streamable HTTP with --http (default)")
	printCommand(w, "run", "Run a bundle and print the response (run <bundle> --args '{...}')")
	printCommand(w, "invoke", "Invoke one tool (--server, --tool, --args)")
	printCommand(w, "bundles", "List bundles")
	printCommand(w, "tools", "List servers, or the tools of one server")
	printCommand(w, "search", "Find tools by capability keyword")
	printCommand(w, "token", "Issue an identity token (--user, --role, --ttl)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment (AUTH_ENABLED, SESSION_STORE, TOOL_ENDPOINTS, ...).")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// setup loads configuration and installs the JSON logger on stderr.
// stdout is reserved for command output and the stdio transport.
func setup(stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger.With("service", "toolkernel"))
	return cfg, nil
}

func bootstrap(ctx context.Context, stderr io.Writer) (*config.Config, *compose.Kernel, bool) {
	cfg, err := setup(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return nil, nil, false
	}
	k, err := compose.Bootstrap(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: bootstrap: %v\n", err)
		return nil, nil, false
	}
	return cfg, k, true
}

// localIdentity names the process owner: a signed IDENTITY_TOKEN wins over
// KERNEL_USER and KERNEL_ROLE. With neither set the identity is empty and
// the session manager decides whether that is allowed.
func localIdentity(cfg *config.Config) (contracts.UserIdentity, error) {
	if cfg.IdentityToken != "" {
		if cfg.IdentitySecret == "" {
			return contracts.UserIdentity{}, errors.New("IDENTITY_TOKEN requires IDENTITY_SECRET")
		}
		tokens, err := auth.NewTokenManager([]byte(cfg.IdentitySecret))
		if err != nil {
			return contracts.UserIdentity{}, err
		}
		return tokens.Validate(cfg.IdentityToken)
	}
	id := contracts.UserIdentity{UserID: cfg.KernelUser}
	if cfg.KernelRole != "" {
		role, err := contracts.ParseRole(cfg.KernelRole)
		if err != nil {
			return contracts.UserIdentity{}, err
		}
		id.Role = role
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	user := fs.String("user", "", "User id (REQUIRED)")
	role := fs.String("role", string(contracts.RoleAnalyst), "Role: analyst, engineer, executive or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --user is required")
		return 2
	}
	r, err := contracts.ParseRole(*role)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg, err := setup(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}
	tokens, err := auth.NewTokenManager([]byte(cfg.IdentitySecret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: IDENTITY_SECRET: %v\n", err)
		return 2
	}
	token, err := tokens.Issue(contracts.UserIdentity{UserID: *user, Role: r}, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
