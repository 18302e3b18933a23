// Package main is the entry point for the messaging server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/casework/messaging/internal/auth"
	"github.com/casework/messaging/internal/config"
	"github.com/casework/messaging/internal/fanout"
	"github.com/casework/messaging/internal/handler"
	natsclient "github.com/casework/messaging/internal/nats"
	"github.com/casework/messaging/internal/registry"
	"github.com/casework/messaging/internal/relay"
	"github.com/casework/messaging/internal/service"
	"github.com/casework/messaging/internal/store"
	"github.com/casework/messaging/pkg/logger"
	"github.com/casework/messaging/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting messaging server", zap.String("db_driver", cfg.DBDriver))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "casework-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// The journal is optional; a nil interface disables it.
	var (
		journal    service.Journal
		natsClient *natsclient.Client
	)
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()

		streams := natsclient.NewStreamManager(natsClient)
		if err := streams.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		journal = streams
	} else {
		log.Info("NATS_URL not set, event journal disabled")
	}

	gate := auth.NewGate(cfg.JWTSecret)
	reg := registry.New()
	members := fanout.NewMembership(st, fanout.NewFallback(), log)
	dispatcher := fanout.NewDispatcher(members, reg, log)

	messageSvc := service.NewMessageService(st, members, dispatcher, journal, log)
	conversationSvc := service.NewConversationService(st, members, dispatcher, journal, log)

	rel := relay.New(gate, reg, messageSvc, relay.Options{
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		SendBuffer:   cfg.WSSendBuffer,
	}, log)

	router := handler.NewRouter(handler.RouterConfig{
		Gate:              gate,
		Logger:            log,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Health:            handler.NewHealthHandler(st, natsClient),
		Conversations:     handler.NewConversationHandler(conversationSvc, log),
		Messages:          handler.NewMessageHandler(messageSvc, log),
		WebSocket:         handler.NewWebSocketHandler(rel, log),
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     otelhttp.NewHandler(router, "messaging"),
		ReadTimeout: cfg.ServerReadTimeout,
		// WriteTimeout would cut long-lived websockets; the relay sets its
		// own per-write deadlines.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server", zap.Int("open_connections", reg.Count()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DBDriver == "memory" {
		return store.NewMemory(), nil
	}
	db, err := store.Open(cfg.DBDriver, cfg.DatabaseURL, cfg.LogLevel == "debug")
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.DBDriver, err)
	}
	return db, nil
}
