package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/cexll/tracksync/internal/api"
	"github.com/cexll/tracksync/internal/config"
	"github.com/cexll/tracksync/internal/intake"
	"github.com/cexll/tracksync/internal/metrics"
	"github.com/cexll/tracksync/internal/monitor"
	"github.com/cexll/tracksync/internal/progress"
	"github.com/cexll/tracksync/internal/signals"
	"github.com/cexll/tracksync/internal/tracking"
	"github.com/cexll/tracksync/internal/web"
	"github.com/cexll/tracksync/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

type serveFunc func(ctx context.Context, addr string, handler http.Handler) error

var (
	loadDotEnv    = godotenv.Load
	loadConfig    = config.Load
	newClock      = func() monitor.Clock { return monitor.SystemClock{} }
	newWebHandler = web.NewHandler
	defaultServe  = listenAndServe
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := clog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx = clog.WithLogger(ctx, logger)

	if err := run(ctx, os.Args[1:], defaultServe); err != nil {
		logger.Errorf("Server failed: %v", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	port       int
	interval   time.Duration
	tick       time.Duration
}

func parseFlags(args []string) (*pflag.FlagSet, flags, error) {
	var f flags
	fs := pflag.NewFlagSet("tracksync", pflag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to the YAML config file (default: $CONFIG_PATH or config/config.yaml)")
	fs.IntVar(&f.port, "port", 0, "HTTP listen port (overrides PORT)")
	fs.DurationVar(&f.interval, "interval", 0, "minimum time between cycles of one entry")
	fs.DurationVar(&f.tick, "tick", 0, "how often the tracked set is scanned")
	err := fs.Parse(args)
	return fs, f, err
}

func run(ctx context.Context, args []string, serve serveFunc) error {
	fs, f, err := parseFlags(args)
	if err != nil {
		return err
	}

	// .env is optional
	_ = loadDotEnv()

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("interval") {
		cfg.MonitorInterval = f.interval
	}
	if fs.Changed("tick") {
		cfg.MonitorTick = f.tick
	}

	log := clog.FromContext(ctx)
	monitorCfg := cfg.MonitorConfig()
	log.Infof("Starting tracksync: port=%d interval=%s tick=%s workers=%d",
		cfg.Port, monitorCfg.Interval, monitorCfg.Tick, monitorCfg.Workers)

	tracker, err := cfg.NewTracker()
	if err != nil {
		return fmt.Errorf("failed to initialize issue tracker: %w", err)
	}
	if !cfg.File.Features.JiraIntegration.UpdateStatus {
		log.Info("Jira status updates disabled")
	}

	clock := newClock()
	store := tracking.NewStore(
		tracking.WithClock(clock.Now),
		tracking.WithSizeObserver(func(n int) { metrics.TrackedEntries.Set(float64(n)) }),
	)
	host := cfg.NewCodeHost()
	reconciler := progress.NewReconciler(signals.NewCollector(cfg.SignalRules()))
	cycle := monitor.NewCycle(store, host, host, reconciler, tracker, clock)
	scheduler := monitor.NewScheduler(store, cycle, clock, monitorCfg)

	webHandler, err := newWebHandler(store)
	if err != nil {
		return fmt.Errorf("failed to initialize web handler: %w", err)
	}

	apiHandler := api.NewHandler(store, scheduler)
	if cfg.JiraURL != "" {
		apiHandler.WithStories(intake.NewService(tracker, host, store, tracker))
		log.Info("Story intake enabled at /stories")
	} else {
		log.Warn("JIRA_URL not set; story intake disabled")
	}

	r := mux.NewRouter()
	apiHandler.RegisterRoutes(r)
	webHandler.RegisterRoutes(r)
	if cfg.GitHubWebhookSecret != "" {
		r.HandleFunc("/webhook", webhook.NewHandler(cfg.GitHubWebhookSecret, store).Handle).Methods(http.MethodPost)
		log.Info("Webhook endpoint enabled at /webhook")
	} else {
		log.Warn("GITHUB_WEBHOOK_SECRET not set; webhook endpoint disabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedErr := make(chan error, 1)
	go func() {
		err := scheduler.Run(runCtx)
		if err != nil {
			cancel()
		}
		schedErr <- err
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Infof("Server listening on %s", addr)
	serveErr := serve(runCtx, addr, r)

	cancel()
	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	scheduler.Shutdown(shutdownCtx)

	var sErr error
	select {
	case sErr = <-schedErr:
	case <-shutdownCtx.Done():
		sErr = fmt.Errorf("scheduler did not stop: %w", shutdownCtx.Err())
	}

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	if sErr != nil {
		return fmt.Errorf("scheduler failed: %w", sErr)
	}
	log.Info("Shutdown complete")
	return nil
}

// listenAndServe serves until ctx is cancelled, then drains connections.
func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
