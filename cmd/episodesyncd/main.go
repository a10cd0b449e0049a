package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/episodesync/internal/config"
	"github.com/agentworkforce/episodesync/internal/httpapi"
	"github.com/agentworkforce/episodesync/internal/logging"
	"github.com/agentworkforce/episodesync/internal/scheduler"
	"github.com/agentworkforce/episodesync/internal/state"
)

type daemonOptions struct {
	configPath      string
	envFile         string
	addr            string
	once            bool
	watch           bool
	startupDelay    time.Duration
	startupJitter   float64
	shutdownTimeout time.Duration
}

func main() {
	opts := daemonOptions{}
	flag.StringVar(&opts.configPath, "config", strings.TrimSpace(os.Getenv(config.EnvConfigPath)), "YAML config file")
	flag.StringVar(&opts.envFile, "env-file", envOrDefault("EPISODESYNC_ENV_FILE", config.DefaultDotenvPath), ".env file merged under the environment")
	flag.StringVar(&opts.addr, "addr", "", "health/API listen address (overrides http_addr; \"off\" disables)")
	flag.BoolVar(&opts.once, "once", false, "run every source once and exit")
	flag.BoolVar(&opts.watch, "watch", boolEnv("EPISODESYNC_WATCH_CONFIG", true), "reload config and rules files on change")
	flag.DurationVar(&opts.startupDelay, "startup-delay", durationEnv("EPISODESYNC_STARTUP_DELAY", 0), "delay before the first sync")
	flag.Float64Var(&opts.startupJitter, "startup-jitter", floatEnv("EPISODESYNC_STARTUP_JITTER", 0.2), "startup delay jitter ratio (0.0-1.0)")
	flag.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", durationEnv("EPISODESYNC_SHUTDOWN_TIMEOUT", 30*time.Second), "time allowed for running jobs on shutdown")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, opts, os.Stderr); err != nil {
		log.Fatalf("episodesyncd: %v", err)
	}
}

func run(ctx context.Context, opts daemonOptions, stderr io.Writer) error {
	loadOpts := config.LoadOptions{Path: opts.configPath, DotenvPath: opts.envFile}
	initial, err := config.Load(loadOpts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{Level: initial.LogLevel, Format: initial.LogFormat, Writer: stderr})
	if err != nil {
		return err
	}
	daemonLog := logging.Printer{L: *logging.Subsystem(logger, "daemon")}

	watcher, err := config.NewWatcher(loadOpts, logging.Printer{L: *logging.Subsystem(logger, "config")})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer watcher.Close()

	store, err := state.BuildFromDSN(initial.StateDSN)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if closer, ok := store.(io.Closer); ok {
			_ = closer.Close()
		}
	}()

	sched, err := scheduler.New(scheduler.Options{
		Config: watcher.Current,
		Store:  store,
		Logger: logging.Printer{L: *logging.Subsystem(logger, "scheduler")},
	})
	if err != nil {
		return err
	}

	if opts.once {
		return runAll(ctx, sched)
	}

	watcher.OnChange(func(cfg config.Config) {
		if err := sched.Reschedule(cfg); err != nil {
			daemonLog.Printf("reschedule after config reload failed: %v", err)
			return
		}
		daemonLog.Printf("config reloaded group=%s", cfg.GroupID)
	})
	if opts.watch {
		if err := watcher.Start(); err != nil {
			daemonLog.Printf("config watcher disabled: %v", err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	server := newHTTPServer(listenAddr(opts.addr, initial.HTTPAddr), sched, initial.AdminToken, logging.Printer{L: *logging.Subsystem(logger, "http")})
	serverErr := make(chan error, 1)
	if server != nil {
		go func() {
			daemonLog.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	go func() {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		delay := jitteredIntervalWithSample(opts.startupDelay, opts.startupJitter, rng.Float64())
		if err := sleepContext(ctx, delay); err != nil {
			return
		}
		if err := runAll(ctx, sched); err != nil {
			daemonLog.Printf("initial sync failed: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		daemonLog.Printf("stopping: %v", ctx.Err())
	case err := <-serverErr:
		daemonLog.Printf("http server failed: %v", err)
		return shutdown(sched, server, opts.shutdownTimeout, err)
	}
	return shutdown(sched, server, opts.shutdownTimeout, nil)
}

func runAll(ctx context.Context, sched *scheduler.Scheduler) error {
	_, googleErr := sched.RunGoogle(ctx)
	_, slackErr := sched.RunSlack(ctx)
	return errors.Join(googleErr, slackErr)
}

func shutdown(sched *scheduler.Scheduler, server *http.Server, timeout time.Duration, cause error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(ctx)
	}
	select {
	case <-sched.Stop().Done():
	case <-ctx.Done():
		return errors.Join(cause, errors.New("timed out waiting for running jobs"))
	}
	return cause
}

func newHTTPServer(addr string, sched *scheduler.Scheduler, adminToken string, logger httpapi.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	return &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(sched, httpapi.ServerConfig{
			AdminToken:      adminToken,
			RateLimitMax:    intEnv("EPISODESYNC_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("EPISODESYNC_RATE_LIMIT_WINDOW", time.Minute),
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAddr(flagValue, configured string) string {
	addr := strings.TrimSpace(flagValue)
	if addr == "" {
		addr = strings.TrimSpace(configured)
	}
	if strings.EqualFold(addr, "off") {
		return ""
	}
	return addr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
