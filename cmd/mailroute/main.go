package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/mailroute/config"
	"github.com/migadu/mailroute/dispatch"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/routing"
	"github.com/migadu/mailroute/server/delivery"
	"github.com/migadu/mailroute/server/httpapi"
	"github.com/migadu/mailroute/server/lmtp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "mailroute.toml"

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailroute version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILROUTE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("mailroute starting (version %s, commit: %s, built: %s)", version, commit, date)

	rawRouting, err := cfg.Routing.LoadDocument()
	if err != nil {
		errorHandler.RoutingError(routingSource(cfg.Routing), err)
		os.Exit(errorHandler.WaitForExit())
	}
	// A broken document is served anyway: every recipient is then refused
	// with a configuration error until it is fixed.
	if store, err := routing.Load(rawRouting); err != nil {
		logger.Error("Routing document is malformed, all recipients will be refused", "error", err)
	} else {
		logger.Info("Routing document loaded", "domains", len(store.Domains()))
	}
	dispatcher := dispatch.New(rawRouting)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel(fmt.Errorf("received signal %s", sig))
	}()

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if cfg.LMTP.Start {
		backend, err := newLMTPServer(ctx, cfg, dispatcher)
		if err != nil {
			errorHandler.FatalError("initialize LMTP server", err)
			os.Exit(errorHandler.WaitForExit())
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			backend.Start(errChan)
		}()
		go func() {
			<-ctx.Done()
			if err := backend.Close(); err != nil {
				logger.Warn("Error closing LMTP server", "error", err)
			}
		}()
	}

	if cfg.HTTPAPI.Start {
		api := httpapi.New(dispatcher, httpapi.ServerOptions{
			Addr:   cfg.HTTPAPI.Addr,
			APIKey: cfg.HTTPAPI.APIKey,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			api.Start(ctx, errChan)
		}()
	}

	if !cfg.LMTP.Start && !cfg.HTTPAPI.Start {
		errorHandler.ValidationError("servers", fmt.Errorf("neither lmtp nor http_api is enabled"))
		os.Exit(errorHandler.WaitForExit())
	}

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All servers stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads the TOML file and environment overrides. A
// missing default file is not an error.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if !os.IsNotExist(err) || configPath != defaultConfigPath {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
		fmt.Fprintf(os.Stderr, "WARNING: default configuration file '%s' not found. Using application defaults.\n", configPath)
		if err := config.ApplyEnv(cfg); err != nil {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// routingSource names where the routing document is read from.
func routingSource(rc config.RoutingConfig) string {
	if rc.File != "" {
		return rc.File
	}
	if rc.Env != "" {
		return rc.Env
	}
	return config.DefaultRoutingEnv
}

func newLMTPServer(ctx context.Context, cfg config.Config, dispatcher *dispatch.Dispatcher) (*lmtp.LMTPServerBackend, error) {
	relay := delivery.NewRelayHandlerFromConfig(cfg.Relay)
	if relay == nil {
		return nil, fmt.Errorf("relay type %q is not supported", cfg.Relay.Type)
	}

	maxSize, err := cfg.LMTP.GetMaxMessageSize()
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return lmtp.New(ctx, "lmtp", hostname, cfg.LMTP.Addr, dispatcher, relay, lmtp.LMTPServerOptions{
		Debug:           cfg.LMTP.Debug,
		TLS:             cfg.LMTP.TLS,
		TLSUseStartTLS:  cfg.LMTP.TLSUseStartTLS,
		TLSCertFile:     cfg.LMTP.TLSCertFile,
		TLSKeyFile:      cfg.LMTP.TLSKeyFile,
		TrustedNetworks: cfg.LMTP.TrustedNetworks,
		MaxMessageSize:  maxSize,
	})
}
