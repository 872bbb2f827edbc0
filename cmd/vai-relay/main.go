package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vango-go/vai-relay/internal/dotenv"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/credential"
	"github.com/vango-go/vai-relay/pkg/gateway/journal"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/providers"
	"github.com/vango-go/vai-relay/pkg/gateway/registry"
	gatewayserver "github.com/vango-go/vai-relay/pkg/gateway/server"
	"github.com/vango-go/vai-relay/pkg/gateway/session"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

var envFiles = []string{".env", "nova_sonic.env"}

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newProvider  func(context.Context, config.Config, *slog.Logger) (providers.Provider, error)
	openJournal  func(context.Context, string) (journal.Recorder, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:  config.Load,
		newProvider: providers.New,
		openJournal: func(ctx context.Context, url string) (journal.Recorder, error) {
			return journal.Open(ctx, url)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// relay holds the wired components of a running process.
type relay struct {
	cfg      config.Config
	registry *registry.Registry
	store    *credential.Store
	journal  journal.Recorder
	gateway  *gatewayserver.Server
}

func buildRelay(ctx context.Context, cfg config.Config, logger *slog.Logger, deps relayDeps) (*relay, error) {
	m := metrics.New("")

	prov, err := deps.newProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	store := credential.NewStore(prov.Source, credential.Options{
		RefreshSkew: cfg.CredentialRefreshSkew,
		Logger:      logger,
		OnRefresh:   m.RefreshObserver(),
	})
	if _, err := store.Get(ctx); err != nil {
		logger.Warn("initial credential load failed", "provider", prov.Name, "error", err)
	}
	client := upstream.NewClient(prov.Dialer, store, providers.ClientOptions(cfg, logger, m.DialObserver(prov.Name)))

	var rec journal.Recorder = journal.Nop{}
	if cfg.DatabaseURL != "" {
		if deps.openJournal == nil {
			return nil, errors.New("missing openJournal dependency")
		}
		rec, err = deps.openJournal(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	reg := registry.New(registry.Options{
		Limit:    cfg.MaxSessions,
		Logger:   logger,
		OnChange: m.SetActiveSessions,
	})
	hooks := m.SessionHooks(prov.Name, session.Hooks{
		OnClose: journal.OnClose(rec, prov.Name, cfg.ModelID, 5*time.Second, logger, m.RecordJournalError),
	})

	gwDeps := gatewayserver.Deps{
		Registry:    reg,
		Open:        session.OpenWith(client),
		Upstream:    providers.SessionConfig(cfg),
		Hooks:       hooks,
		Credentials: store,
		Metrics:     m,
	}
	if cfg.DatabaseURL != "" {
		gwDeps.Journal = rec
	}

	return &relay{
		cfg:      cfg,
		registry: reg,
		store:    store,
		journal:  rec,
		gateway:  gatewayserver.New(cfg, logger, gwDeps),
	}, nil
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newProvider == nil {
		return errors.New("missing newProvider dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	rl, err := buildRelay(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer rl.journal.Close()

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go rl.store.Run(refreshCtx, cfg.CredentialRefreshInterval)

	httpSrv := buildHTTPServer(cfg, rl.gateway.Handler())

	logger.Info("starting relay",
		"addr", cfg.Addr,
		"provider", cfg.Provider,
		"model_id", cfg.ModelID,
		"max_sessions", cfg.MaxSessions,
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
		rl.registry.SetAccepting(false)
		rl.registry.CancelAll()
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdown(rl, httpSrv, logger)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

// shutdown stops admission, warns and drains live sessions, and cancels
// whatever is left after the grace period.
func shutdown(rl *relay, httpSrv *http.Server, logger *slog.Logger) {
	rl.gateway.SetDraining(true)
	warned := rl.registry.WarnAll("server shutting down")
	logger.Info("draining sessions", "active_sessions", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), rl.cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown http server", "error", err)
	}

	rl.registry.DrainAll("shutdown")
	waitCtx, waitCancel := context.WithTimeout(context.Background(), rl.cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !rl.registry.Wait(waitCtx) {
		canceled := rl.registry.CancelAll()
		logger.Warn("grace period elapsed; canceled sessions", "canceled", canceled)
	}
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFiles(envFiles...); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
