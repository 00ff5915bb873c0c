// Package main provides the entry point for meshtopo-server.
//
// meshtopo-server is a cluster node: it joins the membership layer,
// coordinates store topologies when it is the coordinator and serves the
// admin HTTP API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/yndnr/meshtopo/internal/infra/buildinfo"
	"github.com/yndnr/meshtopo/internal/infra/confloader"
	"github.com/yndnr/meshtopo/internal/infra/shutdown"
	"github.com/yndnr/meshtopo/internal/infra/tlsroots"
	"github.com/yndnr/meshtopo/internal/server/clusterserver"
	"github.com/yndnr/meshtopo/internal/server/config"
	"github.com/yndnr/meshtopo/internal/server/httpserver"
	"github.com/yndnr/meshtopo/internal/telemetry/logger"
	"github.com/yndnr/meshtopo/internal/telemetry/metric"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		nodeID      = flag.String("node-id", "", "Override node.id")
		logLevel    = flag.String("log-level", "", "Override log.level")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshtopo-server %s\n", buildinfo.String())
		return nil
	}

	overrides := map[string]any{}
	if *nodeID != "" {
		overrides["node.id"] = *nodeID
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}

	cfg, err := loadConfig(*configFile, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
		Node:   cfg.Node.ID,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	log.Info("starting meshtopo-server",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit,
		"config", *configFile)
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	metrics := metric.Global()
	clusterCfg, err := config.ToClusterConfig(cfg, log)
	if err != nil {
		return fmt.Errorf("cluster config: %w", err)
	}
	clusterCfg.Metrics = metrics

	node, err := clusterserver.New(clusterCfg)
	if err != nil {
		return fmt.Errorf("init cluster node: %w", err)
	}

	shutdownHandler := shutdown.NewHandler(shutdownTimeout, log)
	shutdownHandler.OnShutdown("cluster node", node.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		_ = shutdownHandler.Run()
		return fmt.Errorf("start cluster node: %w", err)
	}
	log.Info("cluster node listening", "node_id", clusterCfg.NodeID, "rpc_addr", node.Addr())

	if cfg.Admin.Addr != "" {
		admin, err := startAdmin(cfg, node, metrics, log)
		if err != nil {
			_ = shutdownHandler.Run()
			return err
		}
		shutdownHandler.OnShutdown("admin http", admin.Shutdown)
	}

	if *configFile != "" {
		watcher, err := watchLogLevel(*configFile, overrides, log)
		if err != nil {
			log.Warn("config watcher disabled", "error", err)
		} else {
			shutdownHandler.OnShutdown("config watcher", func(context.Context) error { return watcher.Stop() })
		}
	}

	log.Info("server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads configuration from defaults, file, environment and
// flag overrides, then validates it.
func loadConfig(configFile string, overrides map[string]any) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{confloader.WithOverrides(overrides)}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}

	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// startAdmin serves the admin API, health probes and metrics.
func startAdmin(cfg *config.ServerConfig, node *clusterserver.Server, metrics *metric.Registry, log *slog.Logger) (*adminServer, error) {
	routerCfg := &httpserver.RouterConfig{
		Node:           node,
		Logger:         log.With("component", "admin_http"),
		AdminToken:     cfg.Admin.Token,
		AdminAllowList: cfg.Admin.AllowList,
		RateLimit:      cfg.Admin.RateLimit,
		EnableAudit:    cfg.Admin.Audit,
	}
	if cfg.Admin.Metrics {
		routerCfg.Metrics = metrics.Handler()
	}

	admin := httpserver.New(cfg.Admin.Addr, httpserver.NewRouter(routerCfg))
	var keyPair *tlsroots.KeyPair
	if cfg.Admin.TLS.Enabled() {
		tlsCfg, kp, err := adminTLS(cfg.Admin.TLS, log)
		if err != nil {
			return nil, err
		}
		admin.SetTLSConfig(tlsCfg)
		keyPair = kp
	}
	if err := admin.Listen(); err != nil {
		_ = keyPair.Stop()
		return nil, fmt.Errorf("admin listen: %w", err)
	}
	go func() {
		if err := admin.Serve(); err != nil {
			log.Error("admin HTTP server error", "error", err)
		}
	}()
	log.Info("admin HTTP server listening", "addr", admin.Addr(), "tls", keyPair != nil)
	return &adminServer{Server: admin, keyPair: keyPair}, nil
}

// adminServer stops the certificate watcher together with the server.
type adminServer struct {
	*httpserver.Server
	keyPair *tlsroots.KeyPair
}

func (a *adminServer) Shutdown(ctx context.Context) error {
	err := a.Server.Shutdown(ctx)
	if a.keyPair != nil {
		err = errors.Join(err, a.keyPair.Stop())
	}
	return err
}

// adminTLS loads the admin key pair, starts reloading it on change and
// builds the server TLS config.
func adminTLS(cfg config.AdminTLSSection, log *slog.Logger) (*tls.Config, *tlsroots.KeyPair, error) {
	kp, err := tlsroots.LoadKeyPair(cfg.CertFile, cfg.KeyFile, log)
	if err != nil {
		return nil, nil, fmt.Errorf("admin tls: %w", err)
	}
	var clientCAs *tlsroots.Pool
	if cfg.ClientCAFile != "" {
		if clientCAs, err = tlsroots.LoadPool(cfg.ClientCAFile); err != nil {
			return nil, nil, fmt.Errorf("admin tls: %w", err)
		}
	}
	if err := kp.Watch(); err != nil {
		log.Warn("admin certificate reload disabled", "error", err)
	}
	return kp.ServerTLSConfig(clientCAs), kp, nil
}

// watchLogLevel re-applies log.level whenever the config file changes.
// Other settings need a restart.
func watchLogLevel(configFile string, overrides map[string]any, log *slog.Logger) (*confloader.Watcher, error) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(configFile); err != nil {
		_ = w.Stop()
		return nil, err
	}
	w.OnChange(func(path string) {
		cfg, err := loadConfig(path, overrides)
		if err != nil {
			log.Warn("ignoring invalid configuration change", "file", path, "error", err)
			return
		}
		previous := logger.GetLevel()
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("ignoring log level change", "level", cfg.Log.Level, "error", err)
			return
		}
		if previous != logger.GetLevel() {
			log.Info("log level changed", "from", previous, "to", logger.GetLevel())
		}
	})
	w.StartAsync()
	return w, nil
}
