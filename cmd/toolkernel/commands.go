package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/shaleyeah/toolkernel/pkg/compose"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	return out, nil
}

// localSession opens a session for the process owner.
func localSession(ctx context.Context, stderr io.Writer) (*compose.Kernel, string, bool) {
	cfg, k, ok := bootstrap(ctx, stderr)
	if !ok {
		return nil, "", false
	}
	id, err := localIdentity(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: identity: %v\n", err)
		_ = k.Close()
		return nil, "", false
	}
	s, err := k.OpenSession(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: session: %v\n", err)
		_ = k.Close()
		return nil, "", false
	}
	return k, s.ID, true
}

// runBundleCmd runs a bundle once.
//
// Exit codes:
//
//	0 = every call succeeded, was skipped or is pending
//	1 = at least one call failed
//	2 = usage or setup error
func runBundleCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("run", stderr)
	rawArgs := fs.String("args", "", "Arguments for every step as a JSON object")
	detail := fs.String("detail", "", "Detail level: summary, standard or full")
	parallel := fs.Int("parallel", 0, "Concurrent calls per phase (default MAX_PARALLEL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: toolkernel run <bundle> [--args '{...}'] [--detail level]")
		return 2
	}
	bundleArgs, err := parseArgs(*rawArgs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	k, sid, ok := localSession(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = k.Close() }()
	defer func() { _ = k.CloseSession(ctx, sid) }()

	resp, err := k.RunBundle(ctx, sid, fs.Arg(0), compose.BundleOptions{
		Args:        bundleArgs,
		DetailLevel: contracts.DetailLevel(*detail),
		MaxParallel: *parallel,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := writeJSON(stdout, resp); err != nil {
		return 2
	}
	if resp.Summary.Failed > 0 {
		return 1
	}
	return 0
}

func runInvokeCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("invoke", stderr)
	server := fs.String("server", "", "Server id (REQUIRED)")
	tool := fs.String("tool", "", "Tool id (REQUIRED)")
	rawArgs := fs.String("args", "", "Tool arguments as a JSON object")
	detail := fs.String("detail", "", "Detail level: summary, standard or full")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *server == "" || *tool == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --server and --tool are required")
		return 2
	}
	callArgs, err := parseArgs(*rawArgs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	k, sid, ok := localSession(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = k.Close() }()
	defer func() { _ = k.CloseSession(ctx, sid) }()

	r, err := k.Invoke(ctx, sid, contracts.Call{
		ServerID: *server, ToolID: *tool, Args: callArgs, DetailLevel: contracts.DetailLevel(*detail),
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := writeJSON(stdout, r); err != nil {
		return 2
	}
	if r.Status == contracts.StatusFailure {
		return 1
	}
	return 0
}

func runBundlesCmd(stdout, stderr io.Writer) int {
	_, k, ok := bootstrap(context.Background(), stderr)
	if !ok {
		return 2
	}
	defer func() { _ = k.Close() }()
	for _, b := range k.Bundles() {
		_, _ = fmt.Fprintf(stdout, "%-16s %2d steps  %s\n", b.Name, b.Steps, b.Description)
	}
	return 0
}

func runToolsCmd(args []string, stdout, stderr io.Writer) int {
	_, k, ok := bootstrap(context.Background(), stderr)
	if !ok {
		return 2
	}
	defer func() { _ = k.Close() }()

	if len(args) == 0 {
		for _, s := range k.ListServers() {
			_, _ = fmt.Fprintf(stdout, "%-16s %-20s v%-8s %d tools\n", s.ServerID, s.Name, s.Version, s.Tools)
		}
		return 0
	}
	tools, err := k.ListTools(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printTools(stdout, tools)
	return 0
}

func runSearchCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: toolkernel search <keyword>")
		return 2
	}
	_, k, ok := bootstrap(context.Background(), stderr)
	if !ok {
		return 2
	}
	defer func() { _ = k.Close() }()
	printTools(stdout, k.SearchTools(args[0]))
	return 0
}

func printTools(w io.Writer, tools []compose.ToolInfo) {
	for _, t := range tools {
		_, _ = fmt.Fprintf(w, "%-32s %-8s %s\n", t.Key, t.Kind, t.Description)
	}
}
