// Package convert turns documents into ordered page rasters for OCR.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
)

// ErrNotRasterizable is returned for text formats, which bypass conversion.
var ErrNotRasterizable = errors.New("format is not rasterised")

type Config struct {
	OfficeTool    string // binary name or absolute path; if empty -> "soffice"
	Pdftoppm      string // if empty -> "pdftoppm"
	Unpaper       string // if empty -> "unpaper"
	EnableUnpaper bool
	DPI           int // default 200
	MaxPages      int // 0 = no limit
	Timeout       time.Duration
}

// Page is one rendered page. Index is 1-based and matches the source page order.
type Page struct {
	Index int
	Image []byte
	MIME  string
}

// Availability is the cached result of probing the external tools.
type Availability struct {
	Office     bool
	Rasterizer bool
	Unpaper    bool
}

type Engine struct {
	cfg    Config
	runner Runner
	logger *slog.Logger

	probeOnce sync.Once
	avail     Availability
}

var disablePdfcpuConfig sync.Once

func NewEngine(cfg Config, runner Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	if cfg.OfficeTool == "" {
		cfg.OfficeTool = "soffice"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Unpaper == "" {
		cfg.Unpaper = "unpaper"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	disablePdfcpuConfig.Do(api.DisableConfigDir)
	return &Engine{cfg: cfg, runner: runner, logger: logger}
}

// Probe checks which external tools exist. The first result is cached for the engine's lifetime.
func (e *Engine) Probe(_ context.Context) Availability {
	e.probeOnce.Do(func() {
		_, offErr := e.runner.LookPath(e.cfg.OfficeTool)
		_, rasErr := e.runner.LookPath(e.cfg.Pdftoppm)
		e.avail = Availability{
			Office:     offErr == nil,
			Rasterizer: rasErr == nil,
		}
		if e.cfg.EnableUnpaper {
			_, upErr := e.runner.LookPath(e.cfg.Unpaper)
			e.avail.Unpaper = upErr == nil
		}
		e.logger.Info("convert.probe",
			"office_tool", e.cfg.OfficeTool, "office", e.avail.Office,
			"rasterizer", e.avail.Rasterizer,
			"unpaper", e.avail.Unpaper,
		)
	})
	return e.avail
}

// Convert renders data into page rasters according to its format.
func (e *Engine) Convert(ctx context.Context, data []byte, format constants.Format, filename string) ([]Page, error) {
	start := time.Now()
	var (
		pages []Page
		err   error
	)
	switch {
	case format == constants.FormatRasterImage:
		pages = []Page{{Index: 1, Image: data, MIME: http.DetectContentType(data)}}
	case format == constants.FormatPDF:
		pages, err = e.Rasterize(ctx, data)
	case format.IsOffice():
		var pdf []byte
		pdf, err = e.ConvertToIntermediate(ctx, data, format, filename)
		if err == nil {
			pages, err = e.Rasterize(ctx, pdf)
		}
	case format.IsText():
		return nil, ErrNotRasterizable
	default:
		return nil, common.ConversionError(fmt.Sprintf("no conversion for format %q", format), common.ErrInvalidInput)
	}
	if err != nil {
		e.logger.Error("convert.failed", "format", format, "filename", filename, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	if e.cfg.EnableUnpaper && e.Probe(ctx).Unpaper {
		pages = e.cleanPages(ctx, pages)
	}
	e.logger.Info("convert.ok", "format", format, "pages", len(pages), "dpi", e.cfg.DPI,
		"elapsed_ms", time.Since(start).Milliseconds())
	return pages, nil
}

// ConvertToIntermediate turns an office or markup document into PDF bytes with the office tool.
func (e *Engine) ConvertToIntermediate(ctx context.Context, data []byte, format constants.Format, filename string) ([]byte, error) {
	if !e.Probe(ctx).Office {
		return nil, common.ConversionError(e.cfg.OfficeTool+" is not available", common.ErrUnavailable)
	}
	tmpDir, err := os.MkdirTemp("", "dp-office-*")
	if err != nil {
		return nil, common.ConversionError("create temp dir", err)
	}
	defer e.removeAll(tmpDir)

	in := filepath.Join(tmpDir, "input."+inputExt(format, filename))
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, common.ConversionError("write office input", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	// A private profile dir lets several conversions run at once.
	profile := "-env:UserInstallation=file://" + filepath.ToSlash(filepath.Join(tmpDir, "profile"))
	_, errb, err := e.runner.Run(ctx, e.cfg.OfficeTool, profile,
		"--headless", "--convert-to", "pdf", "--outdir", tmpDir, in)
	if err != nil {
		return nil, common.ConversionError(fmt.Sprintf("%s failed: %s", e.cfg.OfficeTool, truncate(string(errb), 512)), err)
	}

	out, err := os.ReadFile(filepath.Join(tmpDir, "input.pdf"))
	if err != nil {
		return nil, common.ConversionError("office tool produced no pdf", err)
	}
	return out, nil
}

// Rasterize renders every PDF page to PNG at the configured DPI, in page order.
func (e *Engine) Rasterize(ctx context.Context, pdf []byte) ([]Page, error) {
	want, err := PageCount(pdf)
	if err != nil {
		return nil, common.ConversionError("invalid pdf", err)
	}
	if want == 0 {
		return nil, common.ConversionError("pdf has no pages", common.ErrInvalidInput)
	}
	if e.cfg.MaxPages > 0 && want > e.cfg.MaxPages {
		want = e.cfg.MaxPages
	}
	if !e.Probe(ctx).Rasterizer {
		return nil, common.ConversionError(e.cfg.Pdftoppm+" is not available", common.ErrUnavailable)
	}

	tmpDir, err := os.MkdirTemp("", "dp-pp-*")
	if err != nil {
		return nil, common.ConversionError("create temp dir", err)
	}
	defer e.removeAll(tmpDir)

	in := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, common.ConversionError("write pdf", err)
	}
	prefix := filepath.Join(tmpDir, "page")

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	// pdftoppm -r 200 -png -l N <in.pdf> <tmp/page>
	args := []string{"-r", strconv.Itoa(e.cfg.DPI), "-png", "-l", strconv.Itoa(want), in, prefix}
	if _, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, args...); err != nil {
		return nil, common.ConversionError(fmt.Sprintf("pdftoppm failed: %s", truncate(string(errb), 512)), err)
	}

	files, err := renderedPages(prefix)
	if err != nil {
		return nil, common.ConversionError("collect rendered pages", err)
	}
	if len(files) != want {
		return nil, common.ConversionError(
			fmt.Sprintf("rendered %d pages, pdf has %d", len(files), want), common.ErrInternal)
	}

	pages := make([]Page, 0, len(files))
	for i, f := range files {
		img, err := os.ReadFile(f)
		if err != nil {
			return nil, common.ConversionError("read rendered page", err)
		}
		pages = append(pages, Page{Index: i + 1, Image: img, MIME: "image/png"})
	}
	return pages, nil
}

// PageCount validates pdf with pdfcpu and returns its page count.
func PageCount(pdf []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadContext(bytes.NewReader(pdf), conf)
	if err != nil {
		return 0, fmt.Errorf("read pdf context: %w", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	return ctx.PageCount, nil
}

// renderedPages returns prefix-N.png files ordered by N (pdftoppm pads N inconsistently).
func renderedPages(prefix string) ([]string, error) {
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	num := func(p string) int {
		s := strings.TrimSuffix(strings.TrimPrefix(p, prefix+"-"), ".png")
		n, _ := strconv.Atoi(s)
		return n
	}
	sort.Slice(matches, func(i, j int) bool { return num(matches[i]) < num(matches[j]) })
	return matches, nil
}

// cleanPages runs unpaper over every page; a page it cannot clean is kept as rendered.
func (e *Engine) cleanPages(ctx context.Context, pages []Page) []Page {
	tmpDir, err := os.MkdirTemp("", "dp-unpaper-*")
	if err != nil {
		e.logger.Warn("convert.unpaper.skipped", "error", err)
		return pages
	}
	defer e.removeAll(tmpDir)

	out := make([]Page, len(pages))
	copy(out, pages)
	for i, p := range pages {
		if p.MIME != "image/png" {
			continue
		}
		in := filepath.Join(tmpDir, fmt.Sprintf("in-%d.png", p.Index))
		dst := filepath.Join(tmpDir, fmt.Sprintf("out-%d.png", p.Index))
		if err := os.WriteFile(in, p.Image, 0o600); err != nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		_, _, err := e.runner.Run(cctx, e.cfg.Unpaper, "--overwrite", in, dst)
		cancel()
		if err != nil {
			e.logger.Warn("convert.unpaper.page_failed", "page", p.Index, "error", err)
			continue
		}
		if img, err := os.ReadFile(dst); err == nil && len(img) > 0 {
			out[i].Image = img
		}
	}
	return out
}

func (e *Engine) removeAll(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("failed to remove temp dir", "path", dir, "error", err)
	}
}

// inputExt keeps the original extension so the office tool picks the right import filter.
func inputExt(format constants.Format, filename string) string {
	if ext := constants.NormalizeExt(filepath.Ext(filename)); ext != "" {
		if f, ok := constants.ExtFormats[ext]; ok && f == format {
			return ext
		}
	}
	switch format {
	case constants.FormatWordProcessing:
		return "docx"
	case constants.FormatSpreadsheet:
		return "xlsx"
	case constants.FormatPresentation:
		return "pptx"
	case constants.FormatMarkup:
		return "html"
	}
	return "bin"
}
