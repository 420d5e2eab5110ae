// Command tunl-server runs the public edge: it accepts control channel
// connections from tunnel clients and dispatches public HTTP traffic to
// whichever client owns the requested subdomain.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rishikesh-suvarna/tunl.cc/internal/config"
	"github.com/rishikesh-suvarna/tunl.cc/internal/control"
	"github.com/rishikesh-suvarna/tunl.cc/internal/edge"
	"github.com/rishikesh-suvarna/tunl.cc/internal/log"
	"github.com/rishikesh-suvarna/tunl.cc/internal/metrics"
	"github.com/rishikesh-suvarna/tunl.cc/internal/pending"
	"github.com/rishikesh-suvarna/tunl.cc/internal/registry"
	"github.com/rishikesh-suvarna/tunl.cc/internal/store/sqlite"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	config.LoadEnv(".env")

	cfg, err := config.ParseServerFlags(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	logger := log.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath, cfg.APIKeyPepper)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	metrics.MustRegister()

	reg := registry.New(store, store, logger)
	reg.StartSweep()
	defer reg.Stop()

	pt := pending.New()
	dispatcher := edge.New(cfg.BaseDomain, reg, pt, logger, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "err", err)
			return
		}
		sess := control.NewSession(conn, reg, pt, control.Params{
			BaseDomain:          cfg.BaseDomain,
			HTTPS:               cfg.HTTPS,
			RegistrationTimeout: cfg.RegistrationTimeout,
			RateLimitPerSecond:  cfg.RateLimitPerSecond,
			MaxFrameBytes:       cfg.MaxFrameBytes,
			WriteTimeout:        10 * time.Second,
		}, logger, r.RemoteAddr)
		// r.Context() is canceled by net/http as soon as this handler
		// returns, which happens immediately since Run is spawned in its
		// own goroutine. Run needs a context that outlives the handshake
		// request and only ends at process shutdown.
		go sess.Run(ctx)
	})
	mux.Handle("/", dispatcher)

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "port", cfg.Port, "base_domain", cfg.BaseDomain)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

