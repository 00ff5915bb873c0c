// Package command provides CLI command definitions for meshtopo-cli.
package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	adminv1 "github.com/yndnr/meshtopo/api/admin/v1"
	"github.com/yndnr/meshtopo/internal/cli/output"
)

// probeResult is the body of /health and /ready.
type probeResult struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show the node, its membership view and the cluster members",
		Action: showStatus,
	}
}

// HealthCommand returns the health command.
func HealthCommand() *cli.Command {
	return &cli.Command{
		Name:   "health",
		Usage:  "Check that the node is alive",
		Action: probe("/health", "healthy"),
	}
}

// ReadyCommand returns the ready command.
func ReadyCommand() *cli.Command {
	return &cli.Command{
		Name:   "ready",
		Usage:  "Check that the node has installed a membership view",
		Action: probe("/ready", "ready"),
	}
}

func showStatus(c *cli.Context) error {
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	var st adminv1.NodeStatus
	if err := client.Get(ctx, "/admin/v1/status", &st); err != nil {
		return err
	}

	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return printResult(c, st)
	}

	w := stdout(c)
	fmt.Fprintf(w, "Node:         %s\n", st.NodeID)
	fmt.Fprintf(w, "RPC address:  %s\n", st.RPCAddr)
	fmt.Fprintf(w, "Backend:      %s\n", st.Backend)
	fmt.Fprintf(w, "View:         %d\n", st.ViewID)
	coordinator := st.Coordinator
	if st.IsCoordinator {
		coordinator += " (this node)"
	}
	fmt.Fprintf(w, "Coordinator:  %s\n", coordinator)
	fmt.Fprintf(w, "Rebalancing:  %s\n", enabledString(st.RebalancingEnabled))
	if st.Version != "" {
		fmt.Fprintf(w, "Version:      %s\n", st.Version)
	}
	if st.Uptime != "" {
		fmt.Fprintf(w, "Uptime:       %s\n", st.Uptime)
	}

	fmt.Fprintf(w, "\nMembers (%d):\n", len(st.Members))
	table := &output.Table{}
	table.SetHeaders("ID", "RPC_ADDR", "ROLE")
	for _, m := range st.Members {
		role := ""
		if m.ID == st.Coordinator {
			role = "coordinator"
		}
		table.AddRow(m.ID, m.RPCAddr, role)
	}
	return table.Render(w)
}

// probe returns an action that calls an unauthenticated probe endpoint.
func probe(path, want string) cli.ActionFunc {
	return func(c *cli.Context) error {
		client, err := EnsureConnected(c)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(c)
		defer cancel()

		var result probeResult
		if err := client.Get(ctx, path, &result); err != nil {
			return fmt.Errorf("%s is not %s: %w", client.BaseURL(), want, err)
		}

		format, err := outputFormat(c)
		if err != nil {
			return err
		}
		if format != output.FormatTable {
			return printResult(c, result)
		}
		fmt.Fprintf(stdout(c), "✓ %s is %s\n", client.BaseURL(), result.Status)
		return nil
	}
}

func enabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
