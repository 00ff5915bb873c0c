// Package command provides CLI command definitions for meshtopo-cli.
//
// The root command carries the global flags (server, token, output format)
// and resolves them against the CLI configuration file.
package command

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/meshtopo/internal/cli/config"
	"github.com/yndnr/meshtopo/internal/cli/connection"
	"github.com/yndnr/meshtopo/internal/cli/output"
	"github.com/yndnr/meshtopo/internal/infra/buildinfo"
	"github.com/yndnr/meshtopo/internal/infra/tlsroots"
)

// requestTimeout bounds a single admin call.
const requestTimeout = 30 * time.Second

const (
	metaConfig = "cliConfig"
	metaClient = "client"
)

// App creates the CLI application.
func App() *cli.App {
	app := &cli.App{
		Name:    "meshtopo-cli",
		Usage:   "meshtopo cluster administration tool",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			StatusCommand(),
			HealthCommand(),
			ReadyCommand(),
			StoresCommand(),
			StoreCommand(),
			LocateCommand(),
			RebalanceCommand(),
			RebalancingCommand(),
			ConfigCommand(),
		},
		Before: before,
	}

	return app
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "Admin address of a meshtopo-server (e.g., http://127.0.0.1:5080)",
			EnvVars: []string{"MESHTOPO_SERVER"},
		},
		&cli.StringFlag{
			Name:    "token",
			Aliases: []string{"t"},
			Usage:   "Admin bearer token",
			EnvVars: []string{"MESHTOPO_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "ca-file",
			Usage:   "PEM file of the CA that signed the admin server certificate",
			EnvVars: []string{"MESHTOPO_CA_FILE"},
		},
		&cli.StringFlag{
			Name:    "cert-file",
			Usage:   "Client certificate for admin servers requiring mutual TLS",
			EnvVars: []string{"MESHTOPO_CERT_FILE"},
		},
		&cli.StringFlag{
			Name:    "key-file",
			Usage:   "Key of --cert-file",
			EnvVars: []string{"MESHTOPO_KEY_FILE"},
		},
		&cli.StringFlag{
			Name:    "profile",
			Aliases: []string{"p"},
			Usage:   "Named profile from the CLI config",
			EnvVars: []string{"MESHTOPO_PROFILE"},
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "CLI config file",
			EnvVars: []string{"MESHTOPO_CLI_CONFIG"},
			Value:   config.DefaultConfigPath(),
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "Show wide output (more columns)",
		},
		&cli.BoolFlag{
			Name:  "no-headers",
			Usage: "Omit the header row of table output",
		},
	}
}

// GlobalFlags defines flags available to all commands.
type GlobalFlags struct {
	Server  string
	Token   string
	Profile string
	Config  string

	CAFile   string
	CertFile string
	KeyFile  string

	Output    string
	Wide      bool
	NoHeaders bool
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	return &GlobalFlags{
		Server:  c.String("server"),
		Token:   c.String("token"),
		Profile: c.String("profile"),
		Config:  c.String("config"),

		CAFile:   c.String("ca-file"),
		CertFile: c.String("cert-file"),
		KeyFile:  c.String("key-file"),
		Output:   c.String("output"),

		Wide:      c.Bool("wide"),
		NoHeaders: c.Bool("no-headers"),
	}
}

// before loads the CLI config and builds the admin client.
func before(c *cli.Context) error {
	flags := ParseGlobalFlags(c)

	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	server, token, err := cfg.Resolve(flags.Profile, flags.Server, flags.Token)
	if err != nil {
		return err
	}

	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	var opts []connection.Option
	if flags.CAFile != "" || flags.CertFile != "" || flags.KeyFile != "" {
		tlsCfg, err := clientTLS(flags)
		if err != nil {
			return err
		}
		opts = append(opts, connection.WithTLSConfig(tlsCfg))
	}

	c.App.Metadata[metaConfig] = cfg
	c.App.Metadata[metaClient] = connection.NewHTTPClient(server, token, opts...)
	return nil
}

// clientTLS builds the TLS config for --ca-file and --cert-file.
func clientTLS(flags *GlobalFlags) (*tls.Config, error) {
	roots := tlsroots.NewSystemPool()
	if flags.CAFile != "" {
		if err := roots.AddCertFile(flags.CAFile); err != nil {
			return nil, err
		}
	}
	cfg := roots.ClientTLSConfig()

	if flags.CertFile != "" || flags.KeyFile != "" {
		if flags.CertFile == "" || flags.KeyFile == "" {
			return nil, fmt.Errorf("--cert-file and --key-file must be given together")
		}
		pair, err := tls.LoadX509KeyPair(flags.CertFile, flags.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// cliConfig returns the config loaded by before.
func cliConfig(c *cli.Context) *config.CLIConfig {
	if cfg, ok := c.App.Metadata[metaConfig].(*config.CLIConfig); ok {
		return cfg
	}
	return config.Default()
}

// EnsureConnected returns the admin client built for this invocation.
func EnsureConnected(c *cli.Context) (*connection.HTTPClient, error) {
	if client, ok := c.App.Metadata[metaClient].(*connection.HTTPClient); ok {
		return client, nil
	}
	return nil, fmt.Errorf("no server configured")
}

// requestContext derives the context of one admin call.
func requestContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, requestTimeout)
}

// outputFormat resolves --output against the configured default.
func outputFormat(c *cli.Context) (output.Format, error) {
	name := ParseGlobalFlags(c).Output
	if name == "" {
		name = cliConfig(c).DefaultOutput
	}
	return output.ParseFormat(name)
}

// printResult writes data in the selected output format.
func printResult(c *cli.Context, data any) error {
	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	flags := ParseGlobalFlags(c)
	opts := output.Options{Wide: flags.Wide, NoHeaders: flags.NoHeaders}
	return output.NewFormatter(format, opts).Format(stdout(c), data)
}

func stdout(c *cli.Context) io.Writer {
	return c.App.Writer
}

func stderr(c *cli.Context) io.Writer {
	return c.App.ErrWriter
}

// PrintError prints an error message to the error writer.
func PrintError(c *cli.Context, format string, args ...any) {
	fmt.Fprintf(stderr(c), "error: "+format+"\n", args...)
}
