package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"league-rankings/config"
	"league-rankings/handlers"
	"league-rankings/logger"
	"league-rankings/middleware"
	"league-rankings/services"
	"league-rankings/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Exit codes for the regenerate subcommand. 75 is EX_TEMPFAIL: try again later.
const (
	exitOK     = 0
	exitFailed = 1
	exitBusy   = 75
)

type app struct {
	cfg       *config.Config
	log       *zap.Logger
	stores    *utils.Stores
	registry  *prometheus.Registry
	matches   *services.MatchStore
	publisher *services.Publisher
	generator *services.Generator
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, err
	}
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	stores, err := utils.OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	matches := services.NewMatchStore(stores.Blobs)
	publisher := services.NewPublisher(stores.Blobs, stores.State, cfg.PublishRetries, log)
	lock := services.NewLock(stores.State, services.LockOptions{
		Lease:   cfg.LockLease,
		Timeout: cfg.LockTimeout,
	}, log)
	engine := services.NewRatingEngine(cfg.KFactor, cfg.DefaultRating, services.MalformedPolicy(cfg.MalformedPolicy))
	gen := services.NewGenerator(matches, lock, engine, publisher, services.NewMetrics("league", reg), log)

	return &app{
		cfg:       cfg,
		log:       log,
		stores:    stores,
		registry:  reg,
		matches:   matches,
		publisher: publisher,
		generator: gen,
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ startup failed: %v\n", err)
		os.Exit(exitFailed)
	}
	defer a.log.Sync() //nolint:errcheck
	defer a.stores.Close()

	if len(os.Args) > 1 && os.Args[1] == "regenerate" {
		code := a.regenerateOnce(ctx)
		stop()
		_ = a.stores.Close()
		_ = a.log.Sync()
		os.Exit(code)
	}

	if err := a.serve(ctx); err != nil {
		a.log.Error("server error", zap.Error(err))
	}
}

func (a *app) regenerateOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.GenerationTimeout)
	defer cancel()

	out := a.generator.Regenerate(ctx)
	fmt.Printf("%s %s\n", out.Status, out.Reason)
	switch out.Status {
	case services.StatusBusy:
		return exitBusy
	case services.StatusFailed:
		return exitFailed
	default:
		return exitOK
	}
}

func (a *app) serve(ctx context.Context) error {
	sched, err := a.generator.StartRankingsScheduler(a.cfg.ScheduleInterval, a.cfg.ScheduleCron, a.cfg.GenerationTimeout)
	switch {
	case errors.Is(err, services.ErrNoSchedule):
		logger.Log.Info("⚠️  [Scheduler] disabled, regeneration runs on demand only")
	case err != nil:
		return fmt.Errorf("start scheduler: %w", err)
	default:
		defer func() { _ = sched.Shutdown() }()
	}

	srv := fiber.New(fiber.Config{
		AppName:               "league-rankings",
		DisableStartupMessage: true,
	})
	srv.Use(recover.New())
	srv.Use(requestid.New())
	srv.Use(middleware.AccessLog(a.log))
	srv.Use(middleware.RequestDeadline(a.cfg.RequestTimeout))

	h := handlers.NewRankingsHandler(a.generator, a.publisher, a.matches, a.log)
	handlers.SetupRankingRoutes(srv, h, a.registry)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(a.cfg.ListenAddr)
	}()
	logger.Log.Infof("✅ Server running on %s (store=%s, lock=%s)", a.cfg.ListenAddr, a.cfg.StoreBackend, a.cfg.LockBackend)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Log.Info("Shutting down server...")
	return srv.ShutdownWithTimeout(10 * time.Second)
}
