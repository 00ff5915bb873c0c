// Package command provides CLI command definitions for meshtopo-cli.
package command

import (
	"fmt"
	"maps"
	"slices"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/meshtopo/internal/cli/config"
	"github.com/yndnr/meshtopo/internal/cli/output"
	"github.com/yndnr/meshtopo/internal/infra/confloader"
	serverconfig "github.com/yndnr/meshtopo/internal/server/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration management",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show CLI configuration",
				Action: configShow,
			},
			{
				Name:  "profile",
				Usage: "Manage named server profiles",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List profiles",
						Action: profileList,
					},
					{
						Name:      "set",
						Usage:     "Create or update a profile",
						ArgsUsage: "<name>",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "server",
								Usage:    "Admin address of the node",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "token",
								Usage: "Admin bearer token",
							},
						},
						Action: profileSet,
					},
					{
						Name:      "delete",
						Usage:     "Delete a profile",
						ArgsUsage: "<name>",
						Action:    profileDelete,
					},
				},
			},
			{
				Name:      "use",
				Usage:     "Select the current profile",
				ArgsUsage: "<name>",
				Action:    profileUse,
			},
			{
				Name:      "validate-server",
				Usage:     "Validate a meshtopo-server configuration file",
				ArgsUsage: "FILE",
				Action:    validateServerConfig,
			},
		},
	}
}

// profileView is a profile as shown to the user.
type profileView struct {
	Name    string `json:"name"`
	Server  string `json:"server"`
	Token   string `json:"token,omitempty"`
	Current bool   `json:"current"`
}

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	return "********"
}

func profileViews(cfg *config.CLIConfig) []profileView {
	names := slices.Sorted(maps.Keys(cfg.Profiles))
	views := make([]profileView, 0, len(names))
	for _, name := range names {
		p := cfg.Profiles[name]
		views = append(views, profileView{
			Name:    name,
			Server:  p.Server,
			Token:   maskToken(p.Token),
			Current: name == cfg.CurrentProfile,
		})
	}
	return views
}

func configShow(c *cli.Context) error {
	cfg := cliConfig(c)
	view := struct {
		Path           string        `json:"path"`
		DefaultServer  string        `json:"default_server"`
		DefaultOutput  string        `json:"default_output"`
		CurrentProfile string        `json:"current_profile"`
		Profiles       []profileView `json:"profiles"`
	}{
		Path:           ParseGlobalFlags(c).Config,
		DefaultServer:  cfg.DefaultServer,
		DefaultOutput:  cfg.DefaultOutput,
		CurrentProfile: cfg.CurrentProfile,
		Profiles:       profileViews(cfg),
	}

	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return printResult(c, view)
	}

	w := stdout(c)
	fmt.Fprintf(w, "Config file:      %s\n", view.Path)
	fmt.Fprintf(w, "Default server:   %s\n", view.DefaultServer)
	fmt.Fprintf(w, "Default output:   %s\n", view.DefaultOutput)
	fmt.Fprintf(w, "Current profile:  %s\n", view.CurrentProfile)
	return nil
}

func profileList(c *cli.Context) error {
	views := profileViews(cliConfig(c))
	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	if format == output.FormatTable && len(views) == 0 {
		fmt.Fprintln(stdout(c), "No profiles.")
		return nil
	}
	return printResult(c, views)
}

func profileName(c *cli.Context) (string, error) {
	if c.NArg() != 1 || c.Args().First() == "" {
		return "", fmt.Errorf("expected exactly one profile name")
	}
	return c.Args().First(), nil
}

func saveConfig(c *cli.Context, cfg *config.CLIConfig) error {
	if err := config.Save(cfg, ParseGlobalFlags(c).Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func profileSet(c *cli.Context) error {
	name, err := profileName(c)
	if err != nil {
		return err
	}
	cfg := cliConfig(c)
	cfg.Profiles[name] = config.Profile{
		Server: c.String("server"),
		Token:  c.String("token"),
	}
	if err := saveConfig(c, cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout(c), "Profile %q saved.\n", name)
	return nil
}

func profileDelete(c *cli.Context) error {
	name, err := profileName(c)
	if err != nil {
		return err
	}
	cfg := cliConfig(c)
	if _, ok := cfg.Profiles[name]; !ok {
		return fmt.Errorf("unknown profile %q", name)
	}
	delete(cfg.Profiles, name)
	if cfg.CurrentProfile == name {
		cfg.CurrentProfile = ""
	}
	if err := saveConfig(c, cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout(c), "Profile %q deleted.\n", name)
	return nil
}

func profileUse(c *cli.Context) error {
	name, err := profileName(c)
	if err != nil {
		return err
	}
	cfg := cliConfig(c)
	if _, ok := cfg.Profiles[name]; !ok {
		return fmt.Errorf("unknown profile %q", name)
	}
	cfg.CurrentProfile = name
	if err := saveConfig(c, cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout(c), "Switched to profile %q.\n", name)
	return nil
}

// validateServerConfig checks a server config file exactly as
// meshtopo-server would at startup, without environment overrides.
func validateServerConfig(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one config file")
	}
	path := c.Args().First()

	cfg := serverconfig.Default()
	loader := confloader.NewLoader()
	if err := loader.LoadFile(path); err != nil {
		return err
	}
	if err := loader.Unmarshal(cfg); err != nil {
		return err
	}
	if err := serverconfig.Verify(cfg); err != nil {
		return fmt.Errorf("%s is invalid:\n%w", path, err)
	}

	fmt.Fprintf(stdout(c), "✓ %s is valid (%d keys set, %d stores)\n", path, len(loader.Keys()), len(cfg.Stores))
	return nil
}
