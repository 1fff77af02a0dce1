package cli

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"panostitch/internal/config"
)

func (r *Root) configShow(w io.Writer, format string) error {
	data, err := r.cfg.Marshal(format)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s\n", config.Path())
	fmt.Fprintln(w, strings.TrimRight(string(data), "\n"))
	return nil
}

func versionString() string {
	return fmt.Sprintf("panostitch v%s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
