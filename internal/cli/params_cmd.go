package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"panostitch/internal/params"
	"panostitch/internal/registry"
)

func newParamsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Inspect and edit the stitching parameters file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the parameters the stitcher is using",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.stitcher == nil {
				return errNoStitcher
			}
			data, err := root.stitcher.Parameters().ToJSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a parameters file holding every default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.stitcher == nil {
				return errNoStitcher
			}
			path := root.paramsPath(args)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := writeParams(path, root.stitcher.Registry().Defaults()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", absOrSame(path))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a parameters file against the schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.stitcher == nil {
				return errNoStitcher
			}
			path := root.paramsPath(args)
			p := params.New()
			if err := p.Load(path); err != nil {
				return err
			}
			if err := root.stitcher.Registry().Validate(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d parameters)\n", path, p.Len())
			return nil
		},
	}

	configureCmd := &cobra.Command{
		Use:   "configure [path]",
		Short: "Interactively choose a value for every tunable",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.stitcher == nil {
				return errNoStitcher
			}
			path := root.paramsPath(args)
			p, err := root.configureParams(path)
			if err != nil {
				return err
			}
			if err := writeParams(path, p); err != nil {
				return err
			}
			root.stitcher.Configure(p)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", absOrSame(path))
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd, validateCmd, configureCmd)
	return cmd
}

func (r *Root) paramsPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return r.cfg.Paths.ParamsFile
}

// configureParams starts from the defaults overlaid with the file at path, if
// any, and prompts for each schema item in registration order.
func (r *Root) configureParams(path string) (*params.Parameters, error) {
	reg := r.stitcher.Registry()
	p := reg.Defaults()
	if err := p.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	for _, item := range reg.Schema() {
		current := ""
		if v, ok := p.Lookup(item.Title); ok {
			current = fmt.Sprint(v)
		}

		if len(item.Options) > 0 {
			v, err := r.prompter.Select(item.Title, item.Description, item.Options, current)
			if err != nil {
				return nil, err
			}
			p.Set(item.Title, v)
			continue
		}

		v, err := r.prompter.Input(item.Title, item.Description, current, numberValidator(item))
		if err != nil {
			return nil, err
		}
		value, err := parseNumber(item, v)
		if err != nil {
			return nil, err
		}
		p.Set(item.Title, value)
	}
	return p, nil
}

func numberValidator(item registry.ConfigItem) func(string) error {
	return func(s string) error {
		_, err := parseNumber(item, s)
		return err
	}
}

func parseNumber(item registry.ConfigItem, s string) (any, error) {
	var (
		value any
		f     float64
	)
	switch item.Type {
	case registry.TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", item.Title, s)
		}
		value, f = n, float64(n)
	case registry.TypeFloat:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", item.Title, s)
		}
		value, f = n, n
	default:
		return s, nil
	}
	if item.Range != nil && (f < item.Range.Min || f > item.Range.Max) {
		return nil, fmt.Errorf("%s: %v is outside [%v, %v]", item.Title, value, item.Range.Min, item.Range.Max)
	}
	return value, nil
}

func writeParams(path string, p *params.Parameters) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return p.Save(path)
}
