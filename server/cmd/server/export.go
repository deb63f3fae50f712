package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mdpreview/mdpreview/server/internal/api"
	"github.com/mdpreview/mdpreview/server/internal/reader"
	"github.com/mdpreview/mdpreview/server/internal/render"
)

var exportCmd = &cobra.Command{
	Use:   "export [path] [out]",
	Short: "Write the rendered page to a standalone HTML file",
	Long: `Renders path once and writes the page without the refresh script. out
defaults to the README's name with an .html extension; - writes to standard
output, as does reading from standard input without an out. GitHub's styles
are embedded in the page unless --no-inline is given.`,
	Args: cobra.MaximumNArgs(2),
	RunE: export,
}

func export(cmd *cobra.Command, args []string) error {
	var path, out string
	if len(args) > 0 {
		path = args[0]
	}
	if len(args) > 1 {
		out = args[1]
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if flags.clear {
		return clearCache(cfg)
	}
	cfg.Refresh.Enabled = false
	logger := setupLogger(cfg)

	rd, err := openReader(path)
	if err != nil {
		return err
	}
	if out == "" {
		out = exportName(rd)
	}

	handler := api.New(api.Options{
		Reader:       rd,
		Renderer:     render.New(cfg.Render),
		Assets:       newAssets(cfg, logger),
		InlineStyles: !flags.noInline,
		Render:       cfg.Render,
		Refresh:      cfg.Refresh,
		Logger:       logger,
	})

	return writeExport(cmd.Context(), handler, out)
}

// exporter renders a standalone page; *api.Handler implements it.
type exporter interface {
	Export(ctx context.Context, w io.Writer, subpath string) error
}

// writeExport renders the root document in full before touching out, so a
// failed render leaves no partial file behind.
func writeExport(ctx context.Context, h exporter, out string) error {
	var page bytes.Buffer
	if err := h.Export(ctx, &page, ""); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if out == "-" {
		_, err := page.WriteTo(os.Stdout)
		return err
	}
	if !flags.quiet {
		fmt.Fprintf(os.Stderr, "Exporting to %s\n", out)
	}
	return writeFile(out, page.Bytes())
}

// writeFile writes data to name, reporting a failed Close.
func writeFile(name string, data []byte) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("export: write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: close %s: %w", name, err)
	}
	return nil
}

// exportName derives README.html from README.md, or "-" for standard input.
func exportName(rd reader.Reader) string {
	dir, ok := rd.(*reader.Directory)
	if !ok {
		return "-"
	}
	base := filepath.Base(dir.RootFilename())
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".html"
}
