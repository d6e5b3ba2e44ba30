package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/vango-go/vai-relay/pkg/gateway/agent"
	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-relay/pkg/gateway/server"
	"github.com/vango-go/vai-relay/pkg/gateway/voice/deepgram"
)

const sweepInterval = 30 * time.Second

type options struct {
	envFile    string
	envFileSet bool
	addr       string
	catalog    string
	store      string
	logJSON    bool
	logLevel   string
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opts options
	fl := pflag.NewFlagSet("vai-relay", pflag.ContinueOnError)
	fl.SetOutput(stderr)
	fl.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read; existing variables win")
	fl.StringVar(&opts.addr, "addr", "", "listen address (overrides VAI_RELAY_ADDR)")
	fl.StringVar(&opts.catalog, "catalog", "", "catalog YAML file (overrides VAI_RELAY_CATALOG_PATH)")
	fl.StringVar(&opts.store, "store", "", "SQLite conversation store (overrides VAI_RELAY_STORE_PATH)")
	fl.BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")
	fl.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	if err := fl.Parse(args); err != nil {
		return options{}, err
	}
	opts.envFileSet = fl.Changed("env-file")
	if fl.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fl.Args())
	}
	return opts, nil
}

func newLogger(w io.Writer, opts options) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.logJSON {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func() error, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: buildGateway,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func applyOverrides(cfg *config.Config, opts options) {
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}
	if opts.catalog != "" {
		cfg.CatalogPath = opts.catalog
	}
	if opts.store != "" {
		cfg.StorePath = opts.store
	}
}

// buildGateway wires the collaborators named by cfg. The returned closer
// releases the conversation store.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func() error, error) {
	if cfg.AuthMode == config.AuthModeDisabled && len(cfg.TokenSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, fmt.Errorf("generate token secret: %w", err)
		}
		cfg.TokenSecret = secret
		logger.Warn("authentication disabled; using an ephemeral token secret")
	}

	var cat catalog.Static
	if cfg.CatalogPath != "" {
		loaded, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			return nil, nil, err
		}
		cat.Catalog = loaded
	} else {
		cat.Catalog = catalog.Default()
	}

	var (
		store  conversations.Store
		closer = func() error { return nil }
	)
	if cfg.StorePath != "" {
		sqlite, err := conversations.OpenSQLite(ctx, conversations.SQLiteConfig{Path: cfg.StorePath, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		store, closer = sqlite, sqlite.Close
	} else {
		logger.Warn("no conversation store configured; conversations are kept in memory")
		store = conversations.NewMemoryStore()
	}
	convs, err := conversations.NewManager(conversations.ManagerConfig{Store: store, Logger: logger})
	if err != nil {
		_ = closer()
		return nil, nil, err
	}

	deps := gatewayserver.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics.New(),
		Catalog:       cat,
		Conversations: convs,
		Agent:         agent.Echo{},
	}
	if cfg.DeepgramAPIKey != "" {
		dg := deepgram.Config{
			APIKey:   cfg.DeepgramAPIKey,
			BaseURL:  cfg.DeepgramBaseURL,
			STTModel: cfg.DeepgramSTTModel,
			TTSModel: cfg.DeepgramTTSModel,
		}
		deps.STT = deepgram.NewSTT(dg)
		deps.TTS = deepgram.NewTTS(dg)
	} else {
		logger.Warn("speech disabled; set VAI_RELAY_DEEPGRAM_API_KEY to enable audio")
	}

	gw, err := gatewayserver.New(deps)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return gw, closer, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, opts options, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, opts)

	gw, closeStore, err := deps.newGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("close conversation store", "error", err)
		}
	}()

	httpSrv := buildHTTPServer(cfg, gw.Handler())

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go gw.Sweep(sweepCtx, sweepInterval)

	logger.Info("starting relay",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"durable_store", cfg.StorePath != "",
		"speech_enabled", cfg.DeepgramAPIKey != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = httpSrv.Close()
		gw.CancelLive()
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	warned := gw.BeginDrain()
	logger.Info("draining", "live_connections", warned, "grace", cfg.ShutdownGracePeriod)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Hijacked websockets are not tracked by Shutdown.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLive(waitCtx) {
		n := gw.CancelLive()
		logger.Warn("grace period elapsed; closing live connections", "count", n)
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		gw.WaitLive(closeCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 2
	}
	logger, err := newLogger(stderr, opts)
	if err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 2
	}

	if err := loadEnvFile(opts.envFile, opts.envFileSet); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, opts, deps); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultRelayDeps()))
}
