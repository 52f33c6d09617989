package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/comigor/tripmate/internal/agent"
	"github.com/comigor/tripmate/internal/config"
	"github.com/comigor/tripmate/internal/history"
	"github.com/comigor/tripmate/internal/llm"
	"github.com/comigor/tripmate/internal/logger"
	"github.com/comigor/tripmate/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.L.Fatalw("failed to load configuration", "error", err)
	}
	logger.SetLevel(cfg.Log.Level)

	if err := run(cfg); err != nil {
		logger.L.Errorw("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llmClient := llm.NewClient(cfg.LLM)
	mcpClients := agent.ConnectMCPServers(ctx, cfg.MCPServers)
	a := agent.New(ctx, llmClient, cfg.LLM, mcpClients...)
	defer func() {
		if err := a.Close(); err != nil {
			logger.L.Warnw("agent close", "error", err)
		}
	}()

	store := history.Open(cfg.History.DBPath)
	defer func() {
		if err := store.Close(); err != nil {
			logger.L.Warnw("history close", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           server.New(a, store, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L.Infow("starting server", "address", srv.Addr, "auth", len(cfg.Server.Tokens) > 0)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.L.Infow("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
