package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/db/sqlitestore"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/health"
	"github.com/migadu/courier/server/delivery"
	"github.com/migadu/courier/server/domainauth"
	"github.com/migadu/courier/server/httpapi"
	"github.com/migadu/courier/server/inbound"
	"github.com/migadu/courier/server/resolver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Add()  { sm.wg.Add(1) }
func (sm *serverManager) Done() { sm.wg.Done() }
func (sm *serverManager) Wait() { sm.wg.Wait() }

// serverDependencies holds the shared services the servers are built from.
type serverDependencies struct {
	store         db.Store
	pool          *delivery.RelayPool
	dispatcher    *delivery.Dispatcher
	authenticator *domainauth.Authenticator
	healthMonitor *health.HealthMonitor
	hostname      string
	config        config.Config
	serverManager *serverManager
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	envFile := flag.String("envfile", ".env", "Optional dotenv file with environment overrides")
	inboundAddr := flag.String("inboundaddr", "", "Override the inbound SMTP listen address")
	httpAddr := flag.String("httpaddr", "", "Override the HTTP API listen address")
	logLevel := flag.String("loglevel", "", "Override the log level (debug, info, warn, error)")
	debug := flag.Bool("debug", false, "Log inbound SMTP transcripts")
	flag.Parse()

	if *showVersion {
		fmt.Printf("courier version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadConfig(*configPath, *envFile, &cfg)

	if *inboundAddr != "" {
		cfg.Inbound.Addr = *inboundAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAPI.Addr = *httpAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *debug {
		cfg.Inbound.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "COURIER: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "COURIER: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("Courier starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", "error", err)
	}
	defer deps.store.Close()
	defer deps.pool.Close()
	defer deps.healthMonitor.Stop()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		logger.Info("Waiting for all servers to stop gracefully")
		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All servers stopped")
		case <-time.After(35 * time.Second):
			logger.Warn("Server shutdown timeout reached")
		}
	case err := <-errChan:
		cancel()
		logger.Error("Server failed", "error", err)
		deps.serverManager.Wait()
		os.Exit(1)
	}
}

// loadConfig reads the TOML file and then applies environment overrides.
// A missing default config file is not an error.
func loadConfig(configPath, envFile string, cfg *config.Config) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			fmt.Fprintf(os.Stderr, "COURIER: default configuration file '%s' not found, using application defaults\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "COURIER: failed to load configuration '%s': %v\n", configPath, err)
			os.Exit(1)
		}
	}
	if err := config.ApplyEnv(cfg, envFile); err != nil {
		fmt.Fprintf(os.Stderr, "COURIER: failed to apply environment overrides: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (db.Store, error) {
	switch cfg.GetDriver() {
	case "sqlite":
		path := cfg.GetSQLitePath()
		logger.Info("Opening SQLite store", "path", path)
		return sqlitestore.Open(ctx, path)
	default:
		database, err := db.NewDatabaseFromConfig(ctx, &cfg)
		if err != nil {
			return nil, err
		}
		database.StartPoolMetrics(ctx)
		return database, nil
	}
}

func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	hostname := cfg.Inbound.GetHostname()

	pool, err := delivery.NewRelayPool(cfg.Relay, hostname, delivery.NewRelay)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create relay pool: %w", err)
	}
	logger.Info("Relay pool ready", "providers", pool.Providers(), "default", pool.DefaultProvider())

	lookupTimeout, err := cfg.DNS.GetLookupTimeout()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid dns lookup_timeout: %w", err)
	}
	authenticator := domainauth.New(domainauth.NewADNSResolver(cfg.DNS), cfg.DNS.GetDKIMSelector(), lookupTimeout)

	interval, err := cfg.Health.GetInterval()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid health interval: %w", err)
	}
	checkTimeout, err := cfg.Health.GetTimeout()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid health timeout: %w", err)
	}
	monitor := health.NewHealthMonitor(interval)
	storeCheck := health.PingCheck("store", store, true)
	storeCheck.Timeout = checkTimeout
	monitor.RegisterCheck(storeCheck)
	for _, breaker := range pool.Breakers() {
		monitor.RegisterCheck(health.BreakerCheck(breaker.Name(), breaker))
	}
	monitor.Start(ctx)

	return &serverDependencies{
		store:         store,
		pool:          pool,
		dispatcher:    delivery.NewDispatcher(store, pool),
		authenticator: authenticator,
		healthMonitor: monitor,
		hostname:      hostname,
		config:        cfg,
		serverManager: &serverManager{},
	}, nil
}

func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 3)

	if deps.config.Inbound.Start {
		deps.serverManager.Add()
		go startInboundServer(ctx, deps, errChan)
	}
	if deps.config.HTTPAPI.Start && deps.config.HTTPAPI.APIKey == "" {
		logger.Warn("HTTP API not started: api_key is not configured")
	} else if deps.config.HTTPAPI.Start {
		deps.serverManager.Add()
		go startHTTPAPIServer(ctx, deps, errChan)
	}
	if deps.config.Metrics.Enabled {
		deps.serverManager.Add()
		go startMetricsServer(ctx, deps, errChan)
	}
	return errChan
}

func startInboundServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	defer deps.serverManager.Done()

	opts, err := inbound.OptionsFromConfig(deps.config.Inbound)
	if err != nil {
		errChan <- fmt.Errorf("inbound: %w", err)
		return
	}
	opts.Hostname = deps.hostname

	s := inbound.New(ctx, deps.config.Inbound.Addr, resolver.New(deps.store), deps.store, opts)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("Shutting down inbound SMTP server")
		s.Close()
	}()

	s.Start(errChan)
	<-stopped
}

func startHTTPAPIServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	defer deps.serverManager.Done()

	apiCfg := deps.config.HTTPAPI
	httpapi.Start(ctx, httpapi.Dependencies{
		Store:      deps.store,
		Dispatcher: deps.dispatcher,
		Domains:    deps.authenticator,
		Health:     deps.healthMonitor,
	}, httpapi.ServerOptions{
		Addr:         apiCfg.Addr,
		APIKey:       apiCfg.APIKey,
		AllowedHosts: apiCfg.AllowedHosts,
		TLS:          apiCfg.TLS,
		TLSCertFile:  apiCfg.TLSCertFile,
		TLSKeyFile:   apiCfg.TLSKeyFile,
	}, errChan)
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	defer deps.serverManager.Done()

	path := deps.config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              deps.config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", server.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
