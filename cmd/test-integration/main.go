package main

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"time"

	"panostitch/internal/imageio"
	"panostitch/internal/logging"
	"panostitch/internal/pipeline"
	"panostitch/internal/registry"
	"panostitch/internal/stitcher"
	"panostitch/internal/storage"
	"panostitch/internal/synth"
)

func main() {
	fmt.Println("Testing stitching queue end to end")

	work, err := os.MkdirTemp("", "panostitch-integration-")
	if err != nil {
		log.Fatal("Failed to create work dir:", err)
	}
	defer os.RemoveAll(work)

	// Setup storage
	store, err := storage.New(filepath.Join(work, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	input := filepath.Join(work, "input")
	if err := os.MkdirAll(input, 0o755); err != nil {
		log.Fatal(err)
	}
	offsets := []image.Point{{0, 0}, {60, 0}, {120, 10}, {180, 5}}
	for i, tile := range synth.Tiles(synth.Texture(420, 120, 4, 7), image.Pt(100, 80), offsets...) {
		if err := imageio.Save(filepath.Join(input, fmt.Sprintf("tile_%02d.png", i)), tile); err != nil {
			log.Fatal("Failed to write tile:", err)
		}
	}
	fmt.Printf("Wrote %d tiles to %s\n", len(offsets), input)

	logger := logging.New("info", "text")
	st := stitcher.New(registry.NewDefault(), stitcher.WithLogger(logger), stitcher.WithMatchWorkers(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	pipe := pipeline.New(ctx, 4, logger, store, pipeline.NewStitching(st, logger, "png"))
	defer pipe.Stop()

	failures := 0
	for _, mode := range []string{registry.ModeScans, registry.ModeIncremental, registry.ModeMerge} {
		res, err := pipe.Run(ctx, pipeline.Job{
			Inputs:      []string{input},
			Output:      filepath.Join(work, "output", mode),
			Mode:        mode,
			Diagnostics: filepath.Join(work, "diagnostics", mode),
		})
		if err != nil {
			fmt.Printf("FAIL %-12s %v\n", mode, err)
			failures++
			continue
		}
		if res.Error != nil || len(res.Components) == 0 {
			fmt.Printf("FAIL %-12s state=%s error=%s\n", mode, res.State, res.Err())
			failures++
			continue
		}
		fmt.Printf("OK   %-12s state=%s components=%d duration=%s\n", mode, res.State, len(res.Components), res.Duration.Round(time.Millisecond))
		for _, c := range res.Components {
			fmt.Printf("       %v -> %dx%d %s\n", c.Indices, c.Width, c.Height, filepath.Base(c.OutputPath))
		}
	}

	runs, err := store.RecentRuns(10)
	if err != nil {
		log.Fatal("Failed to read run history:", err)
	}
	fmt.Printf("\nRun history holds %d runs\n", len(runs))

	if failures > 0 {
		log.Fatalf("%d mode(s) failed", failures)
	}
	fmt.Println("Test completed.")
}
