// Package command provides CLI command definitions for meshtopo-cli.
package command

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	adminv1 "github.com/yndnr/meshtopo/api/admin/v1"
	"github.com/yndnr/meshtopo/internal/cli/connection"
	"github.com/yndnr/meshtopo/internal/cli/output"
)

// StoresCommand returns the stores command.
func StoresCommand() *cli.Command {
	return &cli.Command{
		Name:    "stores",
		Aliases: []string{"ls"},
		Usage:   "List the stores known to the node",
		Action:  listStores,
	}
}

// StoreCommand returns the store command.
func StoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "store",
		Usage:     "Show the topology of a store",
		ArgsUsage: "<name>",
		Action:    showStore,
	}
}

// LocateCommand returns the locate command.
func LocateCommand() *cli.Command {
	return &cli.Command{
		Name:      "locate",
		Usage:     "Show the segment and owners of a key",
		ArgsUsage: "<store> <key>",
		Action:    locateKey,
	}
}

// RebalanceCommand returns the rebalance command.
func RebalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "rebalance",
		Usage:     "Ask the coordinator to rebalance a store",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait until the store has no rebalance in progress",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Polling interval with --wait",
				Value: time.Second,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up waiting after this long",
				Value: 5 * time.Minute,
			},
		},
		Action: triggerRebalance,
	}
}

func storeArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one store name, got %d arguments", c.NArg())
	}
	return c.Args().First(), nil
}

func storePath(name string) string {
	return "/admin/v1/stores/" + url.PathEscape(name)
}

func listStores(c *cli.Context) error {
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	var stores []adminv1.StoreSummary
	if err := client.Get(ctx, "/admin/v1/stores", &stores); err != nil {
		return err
	}

	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	if format == output.FormatTable && len(stores) == 0 {
		fmt.Fprintln(stdout(c), "No stores.")
		return nil
	}
	return printResult(c, stores)
}

func showStore(c *cli.Context) error {
	name, err := storeArg(c)
	if err != nil {
		return err
	}
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	var detail adminv1.StoreDetail
	if err := client.Get(ctx, storePath(name), &detail); err != nil {
		return err
	}

	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return printResult(c, detail)
	}
	return renderStoreDetail(stdout(c), &detail)
}

func locateKey(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected a store name and a key, got %d arguments", c.NArg())
	}
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	var loc adminv1.KeyLocation
	path := storePath(c.Args().Get(0)) + "/keys/" + url.PathEscape(c.Args().Get(1))
	if err := client.Get(ctx, path, &loc); err != nil {
		return err
	}
	return printResult(c, loc)
}

// renderStoreDetail prints a store header followed by segment ownership
// per member for every installed hash.
func renderStoreDetail(w io.Writer, d *adminv1.StoreDetail) error {
	fmt.Fprintf(w, "Store:         %s\n", d.Name)
	fmt.Fprintf(w, "Topology:      %d\n", d.TopologyID)
	fmt.Fprintf(w, "Availability:  %s\n", d.Availability)
	fmt.Fprintf(w, "Hash:          %s/%s\n", d.HashFactory, d.HashFunction)
	fmt.Fprintf(w, "Owners:        %d\n", d.NumOwners)
	fmt.Fprintf(w, "Segments:      %d\n", d.NumSegments)
	fmt.Fprintf(w, "Rebalancing:   %t\n", d.RebalanceInProgress)
	fmt.Fprintf(w, "Source:        %s\n", d.Source)

	capacity := make(map[string]float32, len(d.Capacity))
	var members []string
	addMember := func(m string) {
		if !slices.Contains(members, m) {
			members = append(members, m)
		}
	}
	for _, c := range d.Capacity {
		capacity[c.Member] = c.Factor
		addMember(c.Member)
	}
	for _, h := range []*adminv1.Hash{d.CurrentCH, d.PendingCH, d.StableCH} {
		if h == nil {
			continue
		}
		for _, m := range h.Members {
			addMember(m)
		}
	}
	slices.Sort(members)

	if len(members) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	table := &output.Table{}
	table.SetHeaders("MEMBER", "CAPACITY", "CURRENT", "PENDING", "STABLE", "CONFIRMED")
	for _, m := range members {
		factor := "-"
		if f, ok := capacity[m]; ok {
			factor = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		confirmed := ""
		if slices.Contains(d.Confirmed, m) {
			confirmed = "yes"
		}
		table.AddRow(m, factor, owned(d.CurrentCH, m), owned(d.PendingCH, m), owned(d.StableCH, m), confirmed)
	}
	return table.Render(w)
}

// owned formats the number of segments m owns in h.
func owned(h *adminv1.Hash, m string) string {
	if h == nil || !slices.Contains(h.Members, m) {
		return "-"
	}
	return strconv.Itoa(h.Owned[m])
}

func triggerRebalance(c *cli.Context) error {
	name, err := storeArg(c)
	if err != nil {
		return err
	}
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	var resp adminv1.TriggerResponse
	if err := client.Post(ctx, storePath(name)+"/rebalance", nil, &resp); err != nil {
		var apiErr *connection.APIError
		if errors.As(err, &apiErr) && apiErr.Code == adminv1.CodeNotCoordinator {
			if coordinator := apiErr.Detail("coordinator"); coordinator != "" {
				return fmt.Errorf("%w; retry against the admin address of %s", err, coordinator)
			}
		}
		return err
	}

	if !c.Bool("wait") {
		format, err := outputFormat(c)
		if err != nil {
			return err
		}
		if format != output.FormatTable {
			return printResult(c, resp)
		}
		fmt.Fprintf(stdout(c), "Rebalance of store %q requested.\n", resp.Store)
		return nil
	}

	detail, err := waitRebalance(c, client, name)
	if err != nil {
		return err
	}
	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return printResult(c, detail.StoreSummary)
	}
	fmt.Fprintf(stdout(c), "Store %q is at topology %d (%s).\n", detail.Name, detail.TopologyID, detail.Availability)
	return nil
}

var errWaitTimeout = errors.New("timed out waiting for rebalance")

// waitRebalance polls the store until no rebalance is in progress.
func waitRebalance(c *cli.Context, client *connection.HTTPClient, name string) (*adminv1.StoreDetail, error) {
	spinner := output.NewSpinner(stderr(c), fmt.Sprintf("Rebalancing store %q...", name))
	spinner.Start()

	deadline := time.NewTimer(c.Duration("timeout"))
	defer deadline.Stop()
	ticker := time.NewTicker(c.Duration("interval"))
	defer ticker.Stop()

	for {
		select {
		case <-c.Context.Done():
			spinner.Fail("interrupted")
			return nil, c.Context.Err()
		case <-deadline.C:
			spinner.Fail(errWaitTimeout.Error())
			return nil, errWaitTimeout
		case <-ticker.C:
		}

		ctx, cancel := requestContext(c)
		var detail adminv1.StoreDetail
		err := client.Get(ctx, storePath(name), &detail)
		cancel()
		if err != nil {
			spinner.Fail("failed")
			return nil, err
		}
		if !detail.RebalanceInProgress {
			spinner.Success(fmt.Sprintf("Store %q rebalanced", name))
			return &detail, nil
		}
	}
}
