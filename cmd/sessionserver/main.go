// Package main provides the session server binary: the TCP session
// endpoint for real-time chat plus the HTTP auth API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tkaczmarek/arcade/internal/auth"
	"github.com/tkaczmarek/arcade/internal/chat"
	"github.com/tkaczmarek/arcade/internal/config"
	"github.com/tkaczmarek/arcade/internal/observability"
	"github.com/tkaczmarek/arcade/internal/presence"
	"github.com/tkaczmarek/arcade/internal/server"
	"github.com/tkaczmarek/arcade/internal/sessionserver"
	"github.com/tkaczmarek/arcade/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting session server",
		zap.String("session_addr", cfg.Server.Addr()),
		zap.String("http_addr", cfg.HTTP.Addr()),
	)

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	accounts := postgres.NewAccountRepository(pool.DB())
	revocations := postgres.NewRevocationRepository(pool.DB())
	history := postgres.NewChatHistoryRepository(pool.DB())

	tokens := auth.NewTokenService(cfg.Auth.Secret, cfg.Auth.TokenLifetime)
	authenticator := auth.NewAuthenticator(tokens, revocations, cfg.Auth.RevocationTimeout, logger)

	registry := presence.NewRegistry()
	router := chat.NewRouter(history, logger, cfg.Chat.PersistQueueSize)

	controller := sessionserver.NewController(
		authenticator, registry, router, cfg.Chat, cfg.Server.HandshakeTimeout, logger,
	)
	acceptor := sessionserver.NewAcceptor(cfg.Server, controller, logger)

	stats := sessionserver.NewAccountStats(accounts, logger)
	authHandler := sessionserver.NewAuthHandler(accounts, tokens, revocations, stats, logger)
	mux := http.NewServeMux()
	authHandler.Register(mux)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	if cfg.Auth.PruneInterval > 0 {
		pruneDone := make(chan struct{})
		lifecycle.Add("revocation-prune", &server.FuncService{
			StartFn: func() error {
				ticker := time.NewTicker(cfg.Auth.PruneInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						pruned, err := revocations.PruneBefore(ctx, time.Now())
						if err != nil {
							logger.Warn("pruning revocations", zap.Error(err))
							continue
						}
						if pruned > 0 {
							logger.Info("pruned expired revocations", zap.Int64("count", pruned))
						}
					case <-pruneDone:
						return nil
					}
				}
			},
			StopFn: func() {
				close(pruneDone)
			},
		})
	}

	lifecycle.Add("http-auth", &server.FuncService{
		StartFn: func() error {
			logger.Info("http auth server listening", zap.String("addr", cfg.HTTP.Addr()))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		},
	})

	// The router drives its own persistence goroutine; the lifecycle entry
	// exists so shutdown drains the history queue at the right point.
	routerDone := make(chan struct{})
	lifecycle.Add("router", &server.FuncService{
		StartFn: func() error {
			<-routerDone
			return nil
		},
		StopFn: func() {
			router.Stop()
			close(routerDone)
		},
	})

	lifecycle.Add("session-acceptor", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	logger.Info("session server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
