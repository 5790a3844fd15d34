package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"locrelay/internal/api"
	"locrelay/internal/auth"
	"locrelay/internal/broadcast"
	"locrelay/internal/config"
	"locrelay/internal/location"
	"locrelay/internal/metrics"
	"locrelay/internal/store"
	"locrelay/internal/subscription"
	"locrelay/internal/upstream"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := run(*configPath, log, waitQuit(os.Stdin)); err != nil {
		log.Fatal().Err(err).Msg("relay failed")
	}
}

// run builds the relay, serves until a signal, quit or a server error, then
// shuts down in order. Every resource it opens is released before it returns.
func run(configPath string, log zerolog.Logger, quit <-chan struct{}) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	metrics.RegisterDefault()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, closeDir, err := openDirectory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDir()

	locs := location.NewStore(log)
	defer locs.Close()
	var mirror api.Pinger
	if cfg.RedisURL != "" {
		rm, err := location.NewRedisMirror(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis mirror: %w", err)
		}
		defer func() {
			locs.Close() // stop publishing before the client goes away
			_ = rm.Close()
		}()
		locs.WithMirror(rm)
		mirror = rm
		log.Info().Msg("mirroring locations to redis")
	}

	reg := subscription.NewRegistry()
	issuer := auth.NewIssuer([]byte(cfg.Token.Secret), cfg.Token.TTL)
	slot := &auth.Slot{}

	session := upstream.NewSession(
		upstream.NewHTTPAuthProvider(cfg.Upstream.BaseURL, cfg.Upstream.Username, cfg.Upstream.Password,
			cfg.Upstream.SessionExpiry, cfg.Upstream.RequestTimeout),
		upstream.NewWSDialer(cfg.Upstream.StreamURL, cfg.Upstream.RequestTimeout),
		locs, issuer, slot,
		upstream.Options{RetryDelay: cfg.Upstream.RetryDelay, TokenRefresh: cfg.Token.Refresh},
		log,
	)

	srvDeps := api.NewServer(api.Options{
		Store:     dir,
		Locations: locs,
		Registry:  reg,
		Issuer:    issuer,
		Tokens:    slot,
		Upstream:  session,
		Mirror:    mirror,
		RateRPS:   cfg.Rate.RPS,
		RateBurst: cfg.Rate.Burst,
		Subscriber: api.SubscriberConfig{
			Buffer:       cfg.Subscriber.Buffer,
			WriteTimeout: cfg.Subscriber.WriteTimeout,
			PingInterval: cfg.Subscriber.PingInterval,
			PongWait:     cfg.Subscriber.PongWait,
		},
		Logger: log,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           logMiddleware(log, routes(srvDeps)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := session.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("upstream session: %w", err)
	}
	scheduler := broadcast.NewScheduler(locs, reg, cfg.Broadcast.Interval, log)
	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	var runErr error
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case <-quit:
		log.Info().Msg("quit requested, shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("server: %w", err)
	}

	session.Stop()
	scheduler.Shutdown()
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srvDeps.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("subscriber shutdown incomplete")
	}
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("relay stopped")
	return runErr
}

func routes(s *api.Server) *http.ServeMux {
	mux := http.NewServeMux()

	// Subscribers; "/" is kept for clients that connect to the bare host
	mux.HandleFunc("/ws", s.SubscribeHandler)
	mux.HandleFunc("/{$}", s.SubscribeHandler)

	mux.HandleFunc("/v1/token", s.TokenHandler)

	// Health
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debug", s.DebugJSON)
	mux.Handle("/metrics", metrics.Handler())

	// Docs
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	return mux
}

// openDirectory picks the device directory: Postgres when DATABASE_URL is
// set, otherwise the in-memory allowlist.
func openDirectory(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(cfg.KnownDevices...), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate device directory: %w", err)
	}
	for _, id := range cfg.KnownDevices {
		if err := pg.UpsertDevice(ctx, id, ""); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("seed device %q: %w", id, err)
		}
	}
	log.Info().Int("seeded", len(cfg.KnownDevices)).Msg("using postgres device directory")
	return pg, func() { _ = pg.Close() }, nil
}

// waitQuit fires when the operator types "quit" on r. EOF never fires, so
// a detached process keeps running.
func waitQuit(r io.Reader) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if strings.EqualFold(strings.TrimSpace(sc.Text()), "quit") {
				close(ch)
				return
			}
		}
	}()
	return ch
}
