// Package main is the gateway entry point. One binary hosts the WebSocket
// endpoint, the health check, and the plan-solve pipeline over the configured
// agent factories.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/httpmw"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/common/tracing"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/gateway"
	"github.com/agentgate/agentgate/internal/pipeline"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/state"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	host := flag.String("host", "", "bind host, overrides configuration")
	port := flag.Int("port", 0, "bind port, overrides configuration")
	agentName := flag.String("agent", "", "agent to serve (built-ins: echo, reverse)")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	factory, err := builtinFactory(*agentName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentgate",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	states := state.NewManager(cfg.State.SecretKey, cfg.State.EphemeralSecret, state.Options{
		MaxAge:      cfg.State.MaxSnapshotAge(),
		MaxMessages: cfg.State.MaxSnapshotMessages,
		MaxBytes:    cfg.State.MaxStateBytes,
	}, log)

	sessions := session.NewManager(factory, session.ManagerConfig{
		ReconnectGrace: cfg.Session.ReconnectGrace(),
		Session: session.Config{
			ConfirmationTimeout: cfg.Session.ConfirmationTimeout(),
			SendLLMMessage:      cfg.Session.SendLLMMessage,
			HistorySize:         cfg.Session.HistoryRingSize,
		},
	}, log)

	solvers := pipeline.Factories{
		Planner: plannerFactory(),
		Solver:  factory,
	}

	gw := gateway.New(cfg, sessions, states, solvers, eventBus, log)
	go gw.RunHeartbeat(ctx)

	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.Tracing("agentgate"))
	router.GET("/ws", gw.HandleWS)
	router.GET("/health", gw.HandleHealth)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("websocket server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentgate")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// close sessions and sockets first: hijacked WebSocket connections never
	// go idle, so http.Server.Shutdown alone would wait out its full timeout
	gw.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("agentgate stopped")
}
