package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/yolostream/yolo-stream-server/config"
	"github.com/yolostream/yolo-stream-server/detections"
	"github.com/yolostream/yolo-stream-server/inference"
	"github.com/yolostream/yolo-stream-server/pipeline"
	"github.com/yolostream/yolo-stream-server/server"
	"github.com/yolostream/yolo-stream-server/tracking"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.FromEnv()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if cfg.LibPath != "" {
		ort.SetSharedLibraryPath(cfg.LibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		log.WithError(err).Fatal("initialize onnxruntime environment")
	}
	defer ort.DestroyEnvironment()

	pool, err := inference.NewAdapterPool(func() (inference.Adapter, error) {
		return inference.NewONNXAdapter(cfg.ModelPath, cfg.InputWidth, cfg.InputHeight)
	}, cfg.PoolSize)
	if err != nil {
		log.WithError(err).Fatal("initialize adapter pool")
	}

	decoder := &detections.Decoder{
		NumClasses:  cfg.NumClasses,
		InputWidth:  cfg.InputWidth,
		InputHeight: cfg.InputHeight,
		Labels:      detections.CocoLabels,
	}
	tracker := tracking.New(cfg.MatchThreshold, cfg.TrackExpiry)
	pipe := pipeline.New(pool, decoder, tracker, cfg, log)
	srv := server.New(cfg, pipe, tracker, pool, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown error")
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server error")
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
}
