// Package tippecanoe runs the tippecanoe binary as a tile engine.
package tippecanoe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/joeblew999/plat-cadastre/internal/tiler"
)

// Tippecanoe implements tiler.Tiler by shelling out.
type Tippecanoe struct {
	Binary   string // default "tippecanoe"
	Progress tiler.ProgressFunc
	Context  context.Context
}

var _ tiler.Tiler = (*Tippecanoe)(nil)

// New creates an engine using the tippecanoe found on PATH.
func New() *Tippecanoe { return &Tippecanoe{} }

// Name returns the engine name.
func (t *Tippecanoe) Name() string { return "tippecanoe" }

// Available reports whether the binary can be found.
func (t *Tippecanoe) Available() bool {
	_, err := exec.LookPath(t.binary())
	return err == nil
}

// Args returns the command line used for a conversion.
func Args(inputPath, outputPath string, cfg tiler.TileConfig) []string {
	layer := cfg.Layer
	if layer == "" {
		layer = "cadastral_parcels"
	}
	maxZoom := cfg.MaxZoom
	if maxZoom <= 0 {
		maxZoom = 14
	}
	return []string{
		"-o", outputPath,
		"-l", layer,
		"-Z", strconv.Itoa(cfg.MinZoom),
		"-z", strconv.Itoa(maxZoom),
		"--force",
		"--no-feature-limit",
		"--no-tile-size-limit",
		"--detect-shared-borders",
		inputPath,
	}
}

// Tile runs tippecanoe, reporting its percentage output as progress.
func (t *Tippecanoe) Tile(inputPath, outputPath string, cfg tiler.TileConfig) error {
	ctx := t.Context
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, t.binary(), Args(inputPath, outputPath, cfg)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("tippecanoe stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting tippecanoe: %w", err)
	}
	t.report(10, "running tippecanoe")
	tail := scanProgress(stderr, t.report)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("tippecanoe failed: %w: %s", err, tail)
	}
	t.report(100, "tiles generated")
	return nil
}

func (t *Tippecanoe) binary() string {
	if t.Binary != "" {
		return t.Binary
	}
	return "tippecanoe"
}

func (t *Tippecanoe) report(pct int, status string) {
	if t.Progress != nil {
		t.Progress(pct, status)
	}
}

// scanProgress maps lines like "99.9%  11/14" to 10..90 and returns the last
// non-progress line for error messages.
func scanProgress(r io.Reader, report func(int, string)) string {
	var last string
	sc := bufio.NewScanner(r)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.HasSuffix(fields[0], "%") {
			if pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64); err == nil {
				report(10+int(pct*0.8), "processing "+fields[0])
				continue
			}
		}
		if line != "" {
			last = line
		}
	}
	return last
}

// scanLinesOrCR splits on \n and on the \r tippecanoe uses to redraw its
// progress line.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
