package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"panostitch/internal/config"
	"panostitch/internal/pipeline"
	"panostitch/internal/stitcher"
	"panostitch/internal/storage"
	"panostitch/internal/watch"
)

// Version is reported by the version command.
var Version = "0.1.0"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, st *stitcher.Stitcher, pipe *pipeline.Pipeline) *cobra.Command {
	var client pipelineClient
	if pipe != nil {
		client = pipe
	}
	return newRootCmd(NewRoot(cfg, log, store, st, client))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panostitch",
		Short: "panostitch stitches overlapping photos into panoramas",
		Long: `panostitch registers, composes and blends overlapping images into one or
more panoramas. Stitching runs through a queue and is recorded in a local
history database; the same queue backs the HTTP, WebSocket and gRPC surfaces
of the serve command.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newSchemaCmd(root))
	rootCmd.AddCommand(newParamsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newStitchCmd(root *Root) *cobra.Command {
	var (
		output      string
		mode        string
		paramsFile  string
		sets        []string
		diagnostics string
		format      string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stitch <directory|files...>",
		Short: "Stitch a directory or list of images",
		Long: `Stitch the given images. A directory argument contributes its image files in
name order. Files that cannot be decoded are skipped and reported.

Modes:
  SCANS        stitch the largest connected set at once, affine model
  PANORAMA     stitch the largest connected set at once, rotating camera
  INCREMENTAL  extend the panorama one image at a time
  MERGE        stitch halves recursively and fuse the results

Examples:
  panostitch stitch ./shots -o ./out
  panostitch stitch a.jpg b.jpg c.jpg --mode MERGE --set blender=NoBlender
  panostitch stitch ./shots --params params.json --diagnostics ./diag`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			overrides, err := loadOverrides(paramsFile, sets)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			job := pipeline.Job{
				Inputs:      args,
				Output:      output,
				Mode:        strings.ToUpper(mode),
				Format:      format,
				Params:      overrides,
				Diagnostics: diagnostics,
			}
			res, err := root.enqueueAndWait(ctx, job)
			if res.Job.ID != "" {
				printResult(cmd.OutOrStdout(), res)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default from config)")
	cmd.Flags().StringVar(&mode, "mode", "", "stitching mode: SCANS, PANORAMA, INCREMENTAL or MERGE")
	cmd.Flags().StringVar(&paramsFile, "params", "", "parameters file applied before --set values")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "parameter override as key=value (repeatable)")
	cmd.Flags().StringVar(&diagnostics, "diagnostics", "", "write keypoint and match plots to this directory")
	cmd.Flags().StringVar(&format, "format", "", "panorama file format: png or jpg (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")

	return cmd
}

func newSchemaCmd(root *Root) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the tunable parameter schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.stitcher == nil {
				return errNoStitcher
			}
			var (
				data []byte
				err  error
			)
			switch strings.ToLower(format) {
			case "", "json":
				data, err = json.MarshalIndent(root.stitcher.Schema(), "", "  ")
			case "yaml", "yml":
				data, err = yaml.Marshal(root.stitcher.Schema())
			case "openapi":
				data, err = json.MarshalIndent(root.stitcher.Registry().Document(Version), "", "  ")
			default:
				return fmt.Errorf("unsupported schema format %q", format)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(string(data), "\n"))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "json, yaml or openapi")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, WebSocket and gRPC servers",
		Long: `Start an HTTP server exposing the parameter schema, run submission, run
history and the introspection model of the last run. Progress and status
events stream over /stream (SSE) and /ws (WebSocket). A gRPC health and
introspection service listens on --grpc-addr.

Examples:
  # Basic server
  panostitch serve --addr :8080

  # Stitch every directory that settles under ./incoming
  panostitch serve --watch ./incoming/set1 --watch ./incoming/set2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Output == "" {
				opts.Output = root.cfg.Paths.DefaultOutput
			}
			if opts.Mode == "" {
				opts.Mode = root.cfg.Watch.Mode
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting server",
				"addr", opts.Addr,
				"grpc_addr", opts.GRPCAddr,
				"watch_paths", opts.Watch,
			)
			return root.serveFn(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", root.cfg.Server.HTTPAddr, "server address (host:port)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address, empty to disable")
	cmd.Flags().StringSliceVar(&opts.Watch, "watch", nil, "directories to stitch when they settle")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "stitching mode for watched directories")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output root for watched directories")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "watch <directory...>",
		Short: "Stitch directories each time they settle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Output == "" {
				opts.Output = root.cfg.Paths.DefaultOutput
			}
			if opts.Mode == "" {
				opts.Mode = root.cfg.Watch.Mode
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := watch.New(args, root.cfg.Watch.Debounce.Duration, root.log)
			out := cmd.OutOrStdout()
			return w.Run(ctx, func(ctx context.Context, dir string) {
				res, err := root.enqueueAndWait(ctx, watchJob(dir, opts))
				if res.Job.ID != "" {
					printResult(out, res)
				}
				if err != nil {
					root.log.Warn("watched run failed", "dir", dir, "error", err)
				}
			})
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", "", "stitching mode (default from config)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output root (default from config)")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "Show recent stitching runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("run history is not available")
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := root.store.Run(args[0])
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(rec, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tINPUTS\tCREATED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.Mode, rec.Status, len(rec.Inputs), humanize.Time(rec.CreatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout(), format)
		},
	}
	showCmd.Flags().StringVar(&format, "format", "yaml", "yaml or json")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Show where configuration is read from",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Path())
		},
	}

	cmd.AddCommand(showCmd, pathCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func absOrSame(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
