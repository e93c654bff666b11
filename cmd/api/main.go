package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clinic-paging/internal/audit"
	"clinic-paging/internal/calls"
	"clinic-paging/internal/config"
	"clinic-paging/internal/dispatch"
	"clinic-paging/internal/housekeeping"
	"clinic-paging/internal/httpapi"
	"clinic-paging/internal/reporting"
	"clinic-paging/internal/speech"
	"clinic-paging/internal/stream"
	"clinic-paging/pkg/logger"
	"clinic-paging/pkg/metrics"
	"clinic-paging/pkg/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, logger.FileConfig{Path: cfg.App.LogFile})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	edge, err := speech.NewEdgeTTS(speech.EdgeTTSConfig{
		Python:  cfg.Speech.Python,
		Voice:   cfg.Speech.Voice,
		Dir:     cfg.Speech.AudioDir,
		Timeout: cfg.Speech.Timeout,
	})
	if err != nil {
		log.Error("speech init failed", "err", err)
		os.Exit(1)
	}
	tts := speech.NewCapped(
		speech.NewRateLimited(edge, cfg.Speech.RequestsPerMinute),
		rdb,
		speech.CappedConfig{Limit: cfg.Speech.MaxConcurrent},
	)

	mode, err := calls.ParseSynthesisMode(cfg.Calls.SynthesisMode)
	if err != nil {
		log.Error("calls config invalid", "err", err)
		os.Exit(1)
	}
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	callsSvc, err := calls.NewService(calls.NewPostgresRepo(db, cfg.DB.LockTimeout), tts, calls.ServiceConfig{
		Policy: policyFromConfig(cfg.Calls),
		Mode:   mode,
		Hook:   calls.AuditAdapter{Audit: auditSvc},
	})
	if err != nil {
		log.Error("calls init failed", "err", err)
		os.Exit(1)
	}

	streams := stream.NewRegistry(cfg.Dispatch.StreamBuffer)
	loop := dispatch.New(callsSvc, streams, dispatch.Config{
		Interval:    cfg.Dispatch.Interval,
		Concurrency: cfg.Dispatch.Concurrency,
	}, log)
	janitor := housekeeping.New(housekeeping.Config{
		AudioDir:   cfg.Speech.AudioDir,
		Retention:  cfg.Cleanup.AudioRetention,
		Interval:   cfg.Cleanup.Interval,
		StaleAfter: cfg.Cleanup.StalePlayingAfter,
	}, callsSvc, log)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() { defer workers.Done(); loop.Run(rootCtx) }()
	go func() { defer workers.Done(); janitor.Run(rootCtx) }()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.Middleware())
	r.Use(cors.New(corsConfig(cfg.App.CORSOrigins)))

	registerRoutes(r, httpapi.Handlers{
		Calls:     callsSvc,
		Reporting: reporting.NewService(callsSvc),
		Streams:   streams,
		Audit:     auditSvc,
	}, routeOptions{AudioDir: cfg.Speech.AudioDir, Health: callsSvc.Ping})

	srv := newHTTPServer(cfg.HTTPAddr(), r, streams, log)

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "synthesis_mode", mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	workers.Wait()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// newHTTPServer closes every panel stream when Shutdown starts; Shutdown does
// not cancel running requests and the streams would otherwise hold it open.
func newHTTPServer(addr string, h http.Handler, streams *stream.Registry, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: panel event streams stay open indefinitely.
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		if n := streams.CloseAll(); n > 0 {
			log.Info("panel streams closed", "count", n)
		}
	})
	return srv
}

func policyFromConfig(c config.CallsConfig) calls.Policy {
	return calls.Policy{
		MaxAttempts:   c.MaxAttempts,
		Window:        c.ExpiryWindow,
		Expiry:        calls.ExpiryPolicy(c.ExpiryPolicy),
		FinishOutcome: calls.Status(c.FinishOutcome),
	}
}

func corsConfig(origins []string) cors.Config {
	cc := cors.DefaultConfig()
	cc.AllowHeaders = append(cc.AllowHeaders, "X-Request-Id")
	cc.ExposeHeaders = []string{"X-Request-Id"}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cc.AllowAllOrigins = true
		return cc
	}
	cc.AllowOrigins = origins
	return cc
}
