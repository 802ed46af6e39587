package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/invoiceimposer/internal/api"
	cfgpkg "github.com/local/invoiceimposer/internal/config"
	"github.com/local/invoiceimposer/internal/dispatcher"
	"github.com/local/invoiceimposer/internal/impose"
	logpkg "github.com/local/invoiceimposer/internal/logger"
	"github.com/local/invoiceimposer/internal/metrics"
	"github.com/local/invoiceimposer/internal/queue"
	"github.com/local/invoiceimposer/internal/registry"
	"github.com/local/invoiceimposer/internal/statuscheck"
	"github.com/local/invoiceimposer/internal/storage"
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	metrics.Init()

	store, err := storage.NewManager(cfg.Storage.Root, storage.Limits{
		MaxFileSize:   cfg.Storage.MaxFileSize,
		ZipMaxEntries: cfg.Storage.ZipMaxEntries,
		ZipMaxBytes:   cfg.Storage.ZipMaxBytes,
		ZipMaxRatio:   cfg.Storage.ZipMaxRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init storage")
	}

	rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group,
		cfg.Queue.HighWater, cfg.Queue.Fair, cfg.Queue.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis queue")
	}
	defer rq.Close()

	reg, err := registry.New(cfg.Queue.RedisURL, cfg.Impose.RecordTTL, cfg.Impose.TerminalTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init task registry")
	}
	defer reg.Close()

	layout := impose.DefaultLayout()
	layout.MinDPI = cfg.Impose.MinDPI
	engine := impose.NewEngine(cfg.Impose.RenderMode, cfg.Impose.MaxMemoryMB*1024*1024)

	disp := dispatcher.New(cfg.Worker, rq, reg, store, engine, layout, cfg.Storage.RetentionAge)
	disp.Start()
	defer disp.Stop()

	checker := statuscheck.New(statuscheck.Options{
		Registry: reg,
		Queue:    rq,
		Storage:  store,
		Renderer: engine,
	})

	mux := http.NewServeMux()
	srv := api.NewServer(cfg, reg, rq, store, disp, checker)
	srv.RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}
