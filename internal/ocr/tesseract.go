package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/docpipeline/internal/convert"
)

type TesseractConfig struct {
	Binary      string // if empty -> "tesseract"
	Lang        string // default "eng"
	TessdataDir string
	PSM         int // 0 = engine default
}

// TesseractClient runs the local tesseract CLI. It reports no token usage.
type TesseractClient struct {
	cfg    TesseractConfig
	runner convert.Runner
	logger *slog.Logger
}

func NewTesseractClient(cfg TesseractConfig, runner convert.Runner, logger *slog.Logger) *TesseractClient {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = convert.ExecRunner{Logger: logger}
	}
	return &TesseractClient{cfg: cfg, runner: runner, logger: logger}
}

func (c *TesseractClient) Name() string         { return "tesseract" }
func (c *TesseractClient) DefaultModel() string { return c.cfg.Lang }

// Infer treats model as the tesseract language when set.
func (c *TesseractClient) Infer(ctx context.Context, image []byte, _ string, model string) (Inference, error) {
	start := time.Now()
	lang := c.cfg.Lang
	if model != "" {
		lang = model
	}

	tmpDir, err := os.MkdirTemp("", "dp-tess-*")
	if err != nil {
		return Inference{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			c.logger.Warn("failed to remove temp dir", "path", tmpDir, "error", err)
		}
	}()
	in := filepath.Join(tmpDir, "page.img")
	if err := os.WriteFile(in, image, 0o600); err != nil {
		return Inference{}, fmt.Errorf("write page image: %w", err)
	}

	// tesseract <file> stdout -l <lang>
	args := []string{in, "stdout", "-l", lang}
	if c.cfg.PSM > 0 {
		args = append(args, "--psm", fmt.Sprintf("%d", c.cfg.PSM))
	}
	if c.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", c.cfg.TessdataDir)
	}
	out, errb, err := c.runner.Run(ctx, c.cfg.Binary, args...)
	if err != nil {
		return Inference{}, fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 512))
	}
	return finish(Inference{Text: Normalize(string(out)), Model: lang}, start), nil
}
