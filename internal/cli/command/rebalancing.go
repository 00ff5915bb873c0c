// Package command provides CLI command definitions for meshtopo-cli.
package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	adminv1 "github.com/yndnr/meshtopo/api/admin/v1"
	"github.com/yndnr/meshtopo/internal/cli/output"
)

// RebalancingCommand returns the rebalancing subcommand group.
func RebalancingCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebalancing",
		Usage: "Show or toggle automatic rebalancing on the coordinator",
		Subcommands: []*cli.Command{
			{
				Name:   "get",
				Usage:  "Show whether automatic rebalancing is enabled",
				Action: getRebalancing,
			},
			{
				Name:   "enable",
				Usage:  "Enable automatic rebalancing",
				Action: setRebalancing(true),
			},
			{
				Name:   "disable",
				Usage:  "Disable automatic rebalancing",
				Action: setRebalancing(false),
			},
		},
		Action: getRebalancing,
	}
}

func getRebalancing(c *cli.Context) error {
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	var resp adminv1.RebalancingResponse
	if err := client.Get(ctx, "/admin/v1/rebalancing", &resp); err != nil {
		return err
	}
	return printRebalancing(c, resp)
}

func setRebalancing(enabled bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		client, err := EnsureConnected(c)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(c)
		defer cancel()

		var resp adminv1.RebalancingResponse
		req := adminv1.RebalancingRequest{Enabled: enabled}
		if err := client.Put(ctx, "/admin/v1/rebalancing", req, &resp); err != nil {
			return err
		}
		return printRebalancing(c, resp)
	}
}

func printRebalancing(c *cli.Context, resp adminv1.RebalancingResponse) error {
	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return printResult(c, resp)
	}
	fmt.Fprintf(stdout(c), "Automatic rebalancing is %s.\n", enabledString(resp.Enabled))
	return nil
}
