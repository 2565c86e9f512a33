// Command server is the collaboration server's entrypoint: it wires
// config, logging, Store, DocRegistry, transport, and the HTTP sharing
// API together, then serves until a termination signal triggers the
// shutdown sequence from §4.6. Grounded in the teacher's crdtserver/main.go
// (flag parsing, Start/Close lifecycle, signal handling) and
// nodestorage/v2/core.ConfigureLogger (level/format-driven zap.Config),
// adapted from flags to environment-driven config.Load.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"notecollab/internal/config"
	"notecollab/internal/docsession"
	"notecollab/internal/httpapi"
	"notecollab/internal/registry"
	"notecollab/internal/store"
	"notecollab/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.StoreDSN))
	if err != nil {
		logger.Fatal("connect to store", zap.Error(err))
	}
	defer client.Disconnect(context.Background())

	st := store.New(client, cfg.StoreDatabase, cfg.PersistRetryMax, cfg.PersistRetryBackoff, logger)
	if err := st.EnsureIndexes(ctx); err != nil {
		logger.Fatal("ensure indexes", zap.Error(err))
	}

	reg := registry.New(st, logger, docsession.Config{
		PersistDebounce:     cfg.PersistDebounce,
		PersistRetryMax:     cfg.PersistRetryMax,
		PersistRetryBackoff: cfg.PersistRetryBackoff,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		AwarenessTTL:        cfg.AwarenessTTL,
	})

	wsHandler := transport.NewHandler(reg, logger, transport.Config{
		OutboundBufferFrames: cfg.OutboundBuffer,
		PingInterval:         cfg.PingInterval,
		PongTimeout:          cfg.PongTimeout,
		AllowedOrigins:       cfg.CORSAllowedOrigins,
	})

	apiHandler := httpapi.NewHandler(st, reg, logger, httpapi.Config{
		PublicBaseURL: "https://" + trimScheme(cfg.HTTPAddr),
	})

	mux := http.NewServeMux()
	apiHandler.Register(mux)
	mux.Handle("/ws/{documentId}", wsHandler)

	handler := httpapi.Chain(mux, logger, httpapi.MiddlewareConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		BodyLimitBytes: cfg.HTTPBodyLimit,
		RateLimitRPM:   cfg.HTTPRateLimitRPM,
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdown(srv, reg, logger)
}

// shutdown implements §4.6's ordering: stop accepting new transport
// sessions, then flush all dirty sessions within an upper-bounded deadline,
// then close the Store (via the deferred client.Disconnect in main).
func shutdown(srv *http.Server, reg *registry.DocRegistry, logger *zap.Logger) {
	const drainDeadline = 10 * time.Second

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	if err := reg.Drain(drainDeadline); err != nil {
		logger.Warn("registry drain deadline exceeded", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

func newLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func trimScheme(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
