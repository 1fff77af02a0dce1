package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"panostitch/internal/grpcserver"
	"panostitch/internal/pipeline"
	"panostitch/internal/server"
	"panostitch/internal/watch"
	"panostitch/internal/web"
)

func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	real, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	if r.stitcher == nil {
		return errNoStitcher
	}

	hub := web.NewHub(r.log)
	srv := server.New(server.Config{
		Addr:      opts.Addr,
		Stitcher:  r.stitcher,
		Pipeline:  real,
		Store:     r.store,
		Hub:       hub,
		OutputDir: opts.Output,
		Logger:    r.log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })

	if opts.GRPCAddr != "" {
		gs := grpcserver.New(r.stitcher, r.log)
		defer gs.Close()
		g.Go(func() error { return gs.Serve(gctx, opts.GRPCAddr) })
	}

	if len(opts.Watch) > 0 {
		w := watch.New(opts.Watch, r.cfg.Watch.Debounce.Duration, r.log)
		g.Go(func() error {
			return w.Run(gctx, func(ctx context.Context, dir string) {
				job := watchJob(dir, opts)
				id, err := r.pipeline.Submit(job)
				if err != nil {
					r.log.Warn("watch submit failed", "dir", dir, "error", err)
					return
				}
				job.ID = id
				hub.PublishJSON("run_queued", job)
				r.log.Info("watch queued run", "id", id, "dir", dir)
			})
		})
	}

	r.log.Info("server ready",
		"addr", opts.Addr,
		"grpc_addr", opts.GRPCAddr,
		"watch", opts.Watch,
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchJob stitches a settled directory into its own output subdirectory.
func watchJob(dir string, opts serveOptions) pipeline.Job {
	return pipeline.Job{
		Inputs: []string{dir},
		Output: filepath.Join(opts.Output, filepath.Base(filepath.Clean(dir))),
		Mode:   opts.Mode,
	}
}
