package app

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"proxyharvest/internal/app/bootstrap"
	"proxyharvest/internal/app/server"
	"proxyharvest/internal/app/version"
	"proxyharvest/internal/auth"
	"proxyharvest/internal/config"
	"proxyharvest/internal/jobs/fetch"
	"proxyharvest/internal/jobs/maintenance"
	jobruntime "proxyharvest/internal/jobs/runtime"
	"proxyharvest/internal/support"
)

const (
	defaultPort         = 8082
	engineDrainDeadline = 30 * time.Second
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", defaultPort, "Port for the API server")
	productionFlag := flag.Bool("production", support.GetEnvBool("PRODUCTION", false), "Run in production mode")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	if *productionFlag {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	info := version.Get()
	log.Info("Starting proxyharvest", "version", info.BuildVersion, "built_at", info.BuiltAt, "go", info.GoVersion)

	port := resolvePort("PORT", "BACKEND_PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	engine := fetch.NewEngine(rt.Registry,
		fetch.WithLiveness(jobruntime.NewLiveness(rt.Redis)),
		fetch.WithCandidateFilter(rt.Blocklist),
	)

	scheduler := maintenance.New(engine, engine,
		maintenance.WithRedis(rt.Redis),
		maintenance.WithBlocklist(rt.Blocklist),
	)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	authenticator := auth.FromEnv()
	if !authenticator.Enabled() {
		log.Warn("JWT_SECRET not set, mutating API routes are unauthenticated")
	}

	api := server.New(engine, server.WithAuthenticator(authenticator), server.WithRedis(rt.Redis))
	serveErr := api.Serve(ctx, port)
	stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), support.GetEnvDuration("SHUTDOWN_TIMEOUT", engineDrainDeadline))
	defer cancel()
	if err := engine.Shutdown(drainCtx); err != nil {
		log.Warn("Fetch jobs still running at shutdown", "running", engine.Running(), "error", err)
	}
	<-schedulerDone

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	log.Info("proxyharvest stopped")
	return nil
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
