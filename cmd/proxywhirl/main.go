// Command proxywhirl is a thin demonstrating binary over the rotation
// core: it parses flags, assembles a config.Config, wires the rotator
// facade, and runs the local forward-proxy alongside the management
// API until an OS signal arrives.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyrotator/internal/api"
	"github.com/drsoft-oss/proxyrotator/internal/config"
	"github.com/drsoft-oss/proxyrotator/internal/pool"
	"github.com/drsoft-oss/proxyrotator/internal/rotator"
	"github.com/drsoft-oss/proxyrotator/internal/server"
	"github.com/drsoft-oss/proxyrotator/internal/vault"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables
// -----------------------------------------------------------------------

var (
	flagFile   string
	flagSource string

	flagConfigFile  string
	flagWatchConfig bool

	flagListen  string
	flagAPIPort string
	flagAuth    string

	flagDialTimeout string
	flagDevLog      bool
)

// -----------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------

var rootCmd = &cobra.Command{
	Use:   "proxywhirl",
	Short: "Proxy rotation engine with pooling, health checks, and a forward proxy",
	Long: `proxywhirl — a proxy rotation engine for HTTP/HTTPS/SOCKS5 upstreams.

It maintains a pool of upstream proxies, picks one per request through a
pluggable selection strategy, guards each upstream with a circuit breaker,
retries failed requests with backoff, and caches proxy state across a
memory/file/relational tier chain.

This binary wires that core behind a local forward-proxy server (CONNECT
and plain HTTP) and a small HTTP management API — a thin demonstrating
layer; the core itself lives in internal/ and has no CLI dependency.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	// Proxy pool
	f.StringVarP(&flagFile, "file", "f", "", "Path to proxy list file (one URI per line, required)")
	_ = rootCmd.MarkFlagRequired("file")
	f.StringVar(&flagSource, "source", "file", "Source label recorded against proxies loaded from --file")

	// Config
	f.StringVarP(&flagConfigFile, "config", "c", "", "Path to YAML config file (omit to use built-in defaults)")
	f.BoolVar(&flagWatchConfig, "watch-config", false, "Watch --config and log when it changes (new settings apply on restart)")

	// Proxy server
	f.StringVarP(&flagListen, "listen", "l", "0.0.0.0:8080", "Local proxy listen address (host:port)")
	f.StringVar(&flagAPIPort, "api-port", "9090", "Port for the management API server")
	f.StringVar(&flagAuth, "auth", "", "Proxy auth credentials (user:pass). Omit to disable auth.")

	// Dial
	f.StringVar(&flagDialTimeout, "dial-timeout", "30s", "Timeout for dialling through an upstream proxy")

	// Logging
	f.BoolVar(&flagDevLog, "dev-log", false, "Use a human-readable development logger instead of JSON")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(_ *cobra.Command, _ []string) error {
	log, err := buildLogger(flagDevLog)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	dialTimeout, err := time.ParseDuration(flagDialTimeout)
	if err != nil {
		return fmt.Errorf("--dial-timeout: %w", err)
	}

	var username, password string
	if flagAuth != "" {
		parts := strings.SplitN(flagAuth, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("--auth must be in user:pass format")
		}
		username, password = parts[0], parts[1]
	}

	// ---- Build pool -----------------------------------------------------
	p := pool.New()
	log.Info("loading proxy list", zap.String("file", flagFile))
	loaded, skipped, err := p.LoadFile(flagFile, flagSource)
	if err != nil {
		return fmt.Errorf("load proxy file: %w", err)
	}
	log.Info("proxy list loaded", zap.Int("loaded", loaded), zap.Int("skipped", skipped))

	// ---- Config -----------------------------------------------------------
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---- Vault ------------------------------------------------------------
	v, err := vault.NewFromEnv(os.Getenv, vault.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build vault: %w", err)
	}

	// ---- Rotator ----------------------------------------------------------
	rot, err := rotator.New(p, *cfg, v, log)
	if err != nil {
		return fmt.Errorf("init rotator: %w", err)
	}
	rot.Start()
	defer rot.Stop()

	// ---- Config hot-reload --------------------------------------------------
	if flagWatchConfig && flagConfigFile != "" {
		watcher, err := config.NewWatcher(flagConfigFile, 0, log)
		if err != nil {
			return fmt.Errorf("init config watcher: %w", err)
		}
		go func() {
			err := watcher.Watch(func(reloaded *config.Config) {
				log.Info("config file changed on disk; non-structural settings will apply on next restart",
					zap.String("path", flagConfigFile))
				_ = reloaded
			})
			if err != nil {
				log.Warn("config watcher stopped", zap.Error(err))
			}
		}()
		defer watcher.Stop()
	}

	// ---- API server ---------------------------------------------------------
	apiAddr := "127.0.0.1:" + flagAPIPort
	apiSrv := api.New(apiAddr, p, rot, log)
	go func() {
		log.Info("API server listening", zap.String("addr", apiAddr))
		if err := apiSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Warn("API server stopped", zap.Error(err))
		}
	}()
	defer apiSrv.Stop()

	// ---- Proxy server ---------------------------------------------------
	proxySrv := server.New(server.Config{
		ListenAddr:  flagListen,
		Username:    username,
		Password:    password,
		DialTimeout: dialTimeout,
	}, rot, log)

	printBanner(log, flagListen, apiAddr, p, username != "")

	srvErr := make(chan error, 1)
	go func() { srvErr <- proxySrv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-srvErr:
		if err != nil {
			log.Warn("proxy server error", zap.Error(err))
		}
	}

	return proxySrv.Stop()
}

// buildLogger constructs the process-wide zap logger. Every internal/...
// constructor takes this logger by injection rather than reaching for a
// package-level global.
func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// -----------------------------------------------------------------------
// Startup banner
// -----------------------------------------------------------------------

func printBanner(log *zap.Logger, proxyAddr, apiAddr string, p *pool.Pool, authEnabled bool) {
	authStr := "disabled"
	if authEnabled {
		authStr = "enabled"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════════════╗
║                     proxywhirl %s
╠══════════════════════════════════════════════════════════════╣
║  Proxy server : %s
║  API server   : http://%s
║  Auth         : %s
║  Pool         : %d proxies (%d healthy)
╠══════════════════════════════════════════════════════════════╣
║  API endpoints:
║    GET  http://%s/api/pool
║    GET  http://%s/api/cache/stats
║    POST http://%s/api/health/run
╚══════════════════════════════════════════════════════════════╝

`, padRight(version, 44),
		padRight(proxyAddr, 46),
		padRight(apiAddr, 44),
		padRight(authStr, 46),
		p.Len(), p.HealthyLen(),
		apiAddr, apiAddr, apiAddr,
	)
	log.Info("proxywhirl started", zap.String("version", version))
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func main() {
	Execute()
}
