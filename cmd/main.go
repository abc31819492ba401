package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"iavatar/internal/api"
	"iavatar/internal/config"
	"iavatar/internal/file"
	"iavatar/internal/job"
	"iavatar/internal/sadtalker"
	"iavatar/internal/scratch"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	for _, dir := range []string{cfg.DataDir, cfg.OutputDir, cfg.TempDir} {
		if err := file.EnsureDir(dir); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("ensure directory")
		}
	}

	instanceLock := flock.New(cfg.LockPath())
	locked, err := instanceLock.TryLock()
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.LockPath()).Msg("acquire instance lock")
	}
	if !locked {
		log.Fatal().Str("path", cfg.LockPath()).Msg("another iavatar instance is already running")
	}

	ledger, err := job.OpenLedger(cfg.LedgerPath())
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.LedgerPath()).Msg("open job ledger")
	}

	scratchStore, err := scratch.NewStore(cfg.TempDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.TempDir).Msg("prepare scratch store")
	}

	ready, runner := initSadTalker(cfg)

	manager := job.NewManager(ledger, scratchStore, runner.Generate, job.Options{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		QueueDepth:        cfg.QueueDepth,
	})
	if err := manager.Recover(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("recover job state")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	manager.Start(baseCtx)

	router := setupRouter()
	wireAPI(router, manager, ready, cfg.MaxUploadBytes)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Bool("gpu", ready.GPUAvailable).Msg("iavatar api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, manager, ledger, instanceLock, shutdownTimeout)
}

// initSadTalker validates the install, runs the non-fatal checkpoint
// bootstrap, probes for an accelerator, and builds the runner. A missing
// install refuses startup.
func initSadTalker(cfg config.Config) (sadtalker.Readiness, *sadtalker.Runner) {
	if err := sadtalker.CheckInstall(cfg.SadTalkerDir); err != nil {
		log.Fatal().Err(err).Msg("sadtalker install check failed")
	}

	sadtalker.Bootstrap(context.Background(), cfg.SadTalkerDir, cfg.BootstrapTimeout())

	gpu := sadtalker.ProbeGPU(context.Background(), cfg.PythonBin, cfg.ProbeTimeout())

	runner, err := sadtalker.New(sadtalker.Params{
		PythonBin: cfg.PythonBin,
		Dir:       cfg.SadTalkerDir,
		OutputDir: cfg.OutputDir,
		Timeout:   cfg.GenerateTimeout(),
		ForceCPU:  !gpu,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("configure sadtalker runner")
	}

	log.Info().Str("dir", cfg.SadTalkerDir).Bool("gpu", gpu).Msg("sadtalker initialized")
	return sadtalker.Readiness{Initialized: true, GPUAvailable: gpu}, runner
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger("/", "/health"))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	r.Use(cors.New(corsCfg))
	return r
}

func wireAPI(router *gin.Engine, manager *job.Manager, ready sadtalker.Readiness, maxUploadBytes int64) {
	apiHandler := api.NewAPI(manager, ready, maxUploadBytes)
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

// gracefulShutdown stops accepting requests, cancels in-flight jobs (their
// terminal states still land in the ledger), and releases the process
// resources in dependency order.
func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, manager *job.Manager, ledger job.Ledger, instanceLock *flock.Flock, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !manager.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}

	if err := ledger.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close job ledger")
	}
	if err := instanceLock.Unlock(); err != nil {
		log.Warn().Err(err).Msg("failed to release instance lock")
	}
	log.Info().Msg("server exited cleanly")
}
