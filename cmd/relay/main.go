// Command relay launches the real-time stock price relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/bulios/stocks/internal/app/relay"
	"github.com/bulios/stocks/internal/infra/adapters/fmp"
	"github.com/bulios/stocks/internal/infra/config"
	httpserver "github.com/bulios/stocks/internal/infra/server/http"
	"github.com/bulios/stocks/internal/infra/server/ws"
	"github.com/bulios/stocks/internal/infra/telemetry"
)

const (
	defaultConfigPath         = "config/app.yaml"
	relayLoggerPrefix         = "relay "
	shutdownTimeout           = 30 * time.Second
	httpServerShutdownTimeout = 5 * time.Second
	wsShutdownTimeout         = 10 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
)

func main() {
	flags := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newRelayLogger()

	configPath := resolveConfigPath(flags.configPath)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	if flags.printConfig {
		if err := printConfig(os.Stdout, appCfg); err != nil {
			logger.Fatalf("print config: %v", err)
		}
		return
	}
	logger.Printf("configuration initialised: env=%s, addr=%s, path=%s, interval=%s",
		appCfg.Environment, appCfg.Server.Addr, appCfg.Server.Path, appCfg.Broadcast.Interval)
	if appCfg.Upstream.APIKey == "" {
		logger.Printf("upstream api key not configured; set %s", config.APIKeyEnvVar)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	wsServer := buildWebsocketServer(appCfg.Server, logger, telemetryProvider)
	engine := buildEngine(appCfg, wsServer, logger, telemetryProvider)
	wsServer.Attach(engine)

	var lifecycle conc.WaitGroup

	broadcaster := relay.NewBroadcaster(engine)
	lifecycle.Go(func() {
		broadcaster.Run(ctx)
	})
	logger.Printf("broadcast scheduler started: interval=%s", appCfg.Broadcast.Interval)

	server := buildHTTPServer(appCfg, engine, wsServer)
	startHTTPServer(&lifecycle, logger, server)
	logger.Printf("relay listening on %s (websocket %s)", server.Addr, appCfg.Server.Path)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		websocket:  wsServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

type cliFlags struct {
	configPath  string
	printConfig bool
}

func parseFlags() cliFlags {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	printCfg := flag.Bool("print-config", false, "Print the effective configuration with secrets masked and exit")
	flag.Parse()
	return cliFlags{configPath: *cfgPath, printConfig: *printCfg}
}

func printConfig(w io.Writer, cfg config.AppConfig) error {
	out, err := config.Encode(cfg.Redacted())
	if err != nil {
		return err
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRelayLogger() *log.Logger {
	return log.New(os.Stdout, relayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildWebsocketServer(cfg config.ServerConfig, logger *log.Logger, provider *telemetry.Provider) *ws.Server {
	return ws.NewServer(ws.Options{
		ReadLimit:          cfg.ReadLimit,
		SendBuffer:         cfg.SendBuffer,
		WriteTimeout:       cfg.WriteTimeout,
		PingInterval:       cfg.PingInterval,
		OriginPatterns:     cfg.OriginPatterns,
		InsecureSkipVerify: false,
		Logger:             logger,
		Meter:              provider.Meter("relay.ws"),
	})
}

func buildEngine(appCfg config.AppConfig, pusher relay.Pusher, logger *log.Logger, provider *telemetry.Provider) *relay.Engine {
	upstream := fmp.NewClient(fmp.Options{
		BaseURL:           appCfg.Upstream.BaseURL,
		APIKey:            appCfg.Upstream.APIKey,
		Timeout:           appCfg.Upstream.Timeout,
		BatchSize:         appCfg.Upstream.BatchSize,
		RequestsPerSecond: appCfg.Upstream.RequestsPerSecond,
		Burst:             appCfg.Upstream.Burst,
		MaxCooldown:       appCfg.Upstream.MaxCooldown,
		HTTPClient:        nil,
		Logger:            logger,
		Clock:             nil,
	})
	return relay.NewEngine(relay.Config{
		FetchTimeout:      appCfg.Upstream.Timeout,
		BroadcastInterval: appCfg.Broadcast.Interval,
		MaxPushWorkers:    appCfg.Broadcast.MaxWorkers.Count(),
		Meter:             provider.Meter("relay"),
	}, upstream, pusher, logger)
}

func buildHTTPServer(appCfg config.AppConfig, engine *relay.Engine, wsServer *ws.Server) *http.Server {
	handler := httpserver.NewHandler(appCfg.Environment, engine, appCfg.Server.Path, wsServer)

	return &http.Server{
		Addr:                         appCfg.Server.Addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            appCfg.Server.ReadHeaderTimeout,
	}
}

func startHTTPServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	websocket  *ws.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping http server", httpServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.websocket != nil {
		shutdownStep("closing websocket clients", wsShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.websocket.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
