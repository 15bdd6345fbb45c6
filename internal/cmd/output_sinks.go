package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/output"
)

// addOutputFlags registers --output-format and --out on a reporting command.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// render formats a report with the formatter selected by --output-format and
// writes it to the --out target.
func render(cmd *cobra.Command, format func(output.Formatter) (string, error)) error {
	f, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	rendered, err := format(output.NewFormatter(f))
	if err != nil {
		return err
	}
	return writeRendered(cmd, rendered)
}

func writeRendered(cmd *cobra.Command, rendered string) error {
	if strings.TrimSpace(rendered) == "" {
		return nil
	}

	path, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	w, closeFn, err := openSink(cmd.OutOrStdout(), path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, rendered)
	if closeErr := closeFn(); err == nil {
		err = closeErr
	}
	return err
}

// openSink returns stdout for an empty path or "-", else creates the file and
// its parent directories.
func openSink(stdout io.Writer, path string) (io.Writer, func() error, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}
