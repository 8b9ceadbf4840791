package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/civita/formation/internal/api/http"
	appActivity "github.com/civita/formation/internal/application/activity"
	appAuth "github.com/civita/formation/internal/application/auth"
	"github.com/civita/formation/internal/application/formation"
	"github.com/civita/formation/internal/application/scheduler"
	"github.com/civita/formation/internal/bootstrap"
	"github.com/civita/formation/internal/config"
	"github.com/civita/formation/internal/domain/payment"
	"github.com/civita/formation/internal/infrastructure/catalog"
	"github.com/civita/formation/internal/infrastructure/clock"
	"github.com/civita/formation/internal/infrastructure/gateway"
	"github.com/civita/formation/internal/infrastructure/sse"
	"github.com/civita/formation/internal/infrastructure/telemetry"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "formation", cfg.OTELEndpoint, cfg.OTELSampleRatio)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry error")
	}

	stores, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store error")
	}

	clk := clock.System{}
	hub := sse.NewHub(logger)
	policies := catalog.NewPolicyEvaluator()

	var gw payment.Gateway
	if cfg.GatewayURL != "" {
		gw = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayKey, nil, logger)
		logger.Info().Str("url", cfg.GatewayURL).Msg("payment gateway configured")
	} else {
		gw = gateway.NewSandboxGateway(clk, cfg.Declined...)
		logger.Warn().Msg("no payment gateway configured, using sandbox")
	}

	machine := formation.NewMachine(formation.Config{
		SoftLockDelay: cfg.SoftLockDelay,
		KindDelays:    cfg.SoftLockDelays,
		SettlementKey: cfg.SettlementKey,
	}, logger)
	sched := scheduler.NewScheduler(stores.Timers, clk, scheduler.Config{
		Interval:       cfg.SchedulerInterval,
		RepairInterval: cfg.RepairInterval,
		BatchSize:      cfg.SchedulerBatch,
		RetryBase:      cfg.RetryBase,
		RetryMax:       cfg.RetryMax,
	}, logger)
	activitySvc := appActivity.NewService(stores.Activities, machine, sched, gw, policies, hub, clk, cfg.ChargeTimeout, logger)
	sched.Handle(scheduler.HandlerFunc(activitySvc.FireTimer))
	sched.Repair(activitySvc)
	if stores.Raft != nil {
		sched.FollowLeader(stores.Raft)
	}
	authSvc := appAuth.NewService(cfg.JWTSecret, cfg.JWTIssuer, cfg.OrganizerKeyHashes, clk, logger)

	// followers cannot write the replicated timer log; the leader's repair
	// sweep covers their commits
	if stores.Raft == nil || stores.Raft.IsLeader() {
		if n, err := activitySvc.Reconcile(ctx); err != nil {
			logger.Error().Err(err).Msg("timer reconciliation failed")
		} else if n > 0 {
			logger.Info().Int("timers", n).Msg("timers re-armed")
		}
	}

	apiServer := httpapi.NewServer(activitySvc, authSvc, policies, hub, cfg.CORSOrigins, logger)
	if stores.Raft != nil {
		apiServer.WithCluster(stores.Raft)
	}
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go sched.Run(ctx)

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Stop()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := stores.Close(); err != nil {
		logger.Error().Err(err).Msg("store close")
	}
	if err := shutdownTracing(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown")
	}
}
