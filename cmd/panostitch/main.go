package main

import (
	"context"
	"fmt"
	"os"

	"panostitch/internal/cli"
	"panostitch/internal/config"
	"panostitch/internal/imageio"
	"panostitch/internal/logging"
	"panostitch/internal/magick"
	"panostitch/internal/pipeline"
	"panostitch/internal/registry"
	"panostitch/internal/stitcher"
	"panostitch/internal/storage"
)

const queueSize = 16

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open run history", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	// ImageMagick decodes whatever the standard decoders reject.
	dec := magick.NewDecoder(logger)
	dec.Open()
	defer dec.Close()

	st := stitcher.New(registry.Default(),
		stitcher.WithLogger(logger),
		stitcher.WithParamsFile(cfg.Paths.ParamsFile),
		stitcher.WithLoader(imageio.NewLoader(cfg.Processing.DecodeWorkers, dec, logger)),
		stitcher.WithMatchWorkers(cfg.Processing.MatchWorkers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := pipeline.New(ctx, queueSize, logger, store, pipeline.NewStitching(st, logger, cfg.Processing.OutputFormat))
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, st, pipe).Execute(); err != nil {
		return 1
	}
	return 0
}
