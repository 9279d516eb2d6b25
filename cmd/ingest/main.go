package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"agv-rtls/ingest/internal/anomaly"
	"agv-rtls/ingest/internal/buffer"
	"agv-rtls/ingest/internal/config"
	"agv-rtls/ingest/internal/ingest"
	"agv-rtls/ingest/internal/metrics"
	"agv-rtls/ingest/internal/pipeline"
	"agv-rtls/ingest/internal/store"
	"agv-rtls/ingest/internal/transform"
	"agv-rtls/ingest/internal/transport"
	"agv-rtls/ingest/internal/zones"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using system environment")
	}
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ingest service exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancelBoot := context.WithTimeout(rootCtx, 30*time.Second)
	defer cancelBoot()

	db, err := store.NewTimescale(bootCtx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to timescaledb", "host", cfg.DBHost, "db", cfg.DBName)

	rds, err := store.NewRedis(bootCtx, cfg)
	if err != nil {
		return err
	}
	defer rds.Close()
	logger.Info("connected to redis", "addr", cfg.RedisAddr)

	calib, err := loadCalibration(cfg, logger.With("component", "transform"))
	if err != nil {
		return err
	}
	proj := transform.NewProjection(cfg.OriginLat, cfg.OriginLon)
	transformer := transform.NewTransformer(proj, calib, transform.Bounds{
		XMin: cfg.PlantXMin, XMax: cfg.PlantXMax,
		YMin: cfg.PlantYMin, YMax: cfg.PlantYMax,
	}, logger.With("component", "transform"))

	zoneIndex := zones.NewIndex(rds, rds, logger.With("component", "zones"))
	if err := zoneIndex.LoadFile(cfg.ZonesPath); err != nil {
		// An empty zone map degrades zone checks, not ingestion.
		logger.Warn("zone definitions unavailable", "path", cfg.ZonesPath, "error", err)
	}

	engCfg := anomaly.DefaultConfig()
	engCfg.SampleRateHz = cfg.SampleRateHz
	engCfg.SpeedThreshold = cfg.SpeedThreshold
	engCfg.ZScoreThreshold = cfg.ZScoreThreshold
	engCfg.QualityThreshold = cfg.QualityThreshold
	engCfg.BatteryThreshold = cfg.BatteryThreshold
	engCfg.AccelThreshold = cfg.AccelThreshold
	engCfg.IdleThreshold = cfg.IdleThreshold
	engCfg.CollisionDistance = cfg.CollisionDistance
	engCfg.NoveltyThreshold = cfg.NoveltyThreshold
	engine := anomaly.NewEngine(engCfg, logger.With("component", "anomaly"))

	buf := buffer.New(cfg.BufferCapacity, cfg.RetryCapacity,
		time.Duration(cfg.RetryTTLSeconds)*time.Second)

	pipeLogger := logger.With("component", "pipeline")
	proc := pipeline.NewProcessor(
		ingest.NewValidator(), transformer, zoneIndex, engine, buf, db, rds, pipeLogger)
	disp := pipeline.NewDispatcher(cfg.Workers, cfg.ShardQueueSize, proc)
	flusher := pipeline.NewFlusher(buf, db, proc.FlushHint(),
		time.Duration(cfg.FlushIntervalMS)*time.Millisecond, cfg.FlushBatchMax, pipeLogger)

	listener, err := transport.NewListener(cfg, disp, logger.With("component", "transport"))
	if err != nil {
		return err
	}
	defer listener.Close()
	if err := listener.Start(); err != nil {
		return err
	}

	// The pipeline outlives the signal context: intake stops first, then the
	// workers drain and the flusher writes what remains.
	pipeCtx, cancelPipe := context.WithCancel(context.Background())
	defer cancelPipe()

	g, gctx := errgroup.WithContext(pipeCtx)
	g.Go(func() error {
		disp.Run(gctx)
		return nil
	})
	g.Go(func() error { return flusher.Run(gctx) })
	g.Go(func() error {
		return pipeline.CollisionSweep(gctx, engine, proc,
			time.Duration(cfg.CollisionSweepMS)*time.Millisecond)
	})
	g.Go(func() error {
		return pipeline.Trainer(gctx, engine,
			time.Duration(cfg.RetrainSeconds)*time.Second)
	})
	g.Go(func() error {
		return pipeline.StatsLogger(gctx, buf, engine,
			time.Duration(cfg.StatsLogSeconds)*time.Second, logger)
	})
	g.Go(func() error {
		return refreshLoop(gctx, zoneIndex, calib, cfg, logger)
	})

	srv := metricsServer(cfg.HTTPPort)
	g.Go(func() error {
		logger.Info("metrics endpoint up", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	logger.Info("ingest pipeline running",
		"workers", cfg.Workers, "subject", cfg.SubjectPattern)

	<-rootCtx.Done()
	logger.Info("shutdown requested")

	// Stop intake first, then cancel the pipeline and wait: dispatcher
	// workers drain their shard queues into the buffer before g.Wait
	// returns, so the final flush sees everything that was accepted.
	listener.Stop()
	cancelPipe()
	err = g.Wait()
	flusher.FinalFlush()
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// loadCalibration prefers a fitted matrix from surveyed control points; the
// serialized matrix file is the fallback.
func loadCalibration(cfg *config.Config, logger *slog.Logger) (*transform.Calibration, error) {
	if cfg.ControlPointsPath != "" {
		m, err := transform.LoadControlPoints(cfg.ControlPointsPath)
		if err == nil {
			logger.Info("calibration fitted from control points", "path", cfg.ControlPointsPath)
			return transform.NewCalibration(m, logger), nil
		}
		logger.Warn("control point fit failed, falling back to matrix file",
			"path", cfg.ControlPointsPath, "error", err)
	}
	return transform.LoadCalibration(cfg.CalibrationPath, logger)
}

// refreshLoop re-reads the zone file and the calibration matrix on a timer
// so surveyed updates land without a restart.
func refreshLoop(ctx context.Context, ix *zones.Index, calib *transform.Calibration,
	cfg *config.Config, logger *slog.Logger) error {
	interval := time.Duration(cfg.ZoneRefreshSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ix.LoadFile(cfg.ZonesPath); err != nil {
				logger.Warn("zone refresh failed", "path", cfg.ZonesPath, "error", err)
			}
			calib.ReloadIfChanged()
		case <-ctx.Done():
			return nil
		}
	}
}

func metricsServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}
