// Package ocr wraps the page OCR inference providers behind one contract.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/convert"
)

// Usage is the token accounting reported by the provider. Local engines report zeros.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add returns the element-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Inference is the result of one OCR call.
type Inference struct {
	Text     string
	Model    string
	Usage    Usage
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Client runs OCR on a single page image.
type Client interface {
	Infer(ctx context.Context, image []byte, mime, model string) (Inference, error)
	// Name identifies the provider in logs and metrics.
	Name() string
	// DefaultModel is used when the caller passes an empty model.
	DefaultModel() string
}

// Prompt asks a vision model for a faithful transcription with markdown tables.
const Prompt = `Transcribe all text on this page image in natural reading order.
Render every table as a GitHub-flavored markdown table with a header row.
Do not summarise, translate or add commentary. Return only the transcribed text.`

const systemPrompt = "You are an OCR engine. You output the exact text visible in the image."

// StatusError is a non-2xx answer from an HTTP provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ocr provider status %d: %s", e.Code, e.Body)
}

// IsTransient reports errors worth one more attempt: throttling, 5xx and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// New builds the client selected by cfg.Provider.
func New(ctx context.Context, cfg common.OCRConfig, runner convert.Runner, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger), nil
	case "vertex":
		return NewVertexClient(ctx, cfg.GCPProject, cfg.GCPRegion, cfg.Model, logger)
	case "tesseract":
		return NewTesseractClient(TesseractConfig{
			Binary:      cfg.Tesseract,
			Lang:        cfg.TesseractLang,
			TessdataDir: cfg.TessdataDir,
		}, runner, logger), nil
	default:
		return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown ocr provider %q", cfg.Provider), common.ErrInvalidInput)
	}
}

func finish(inf Inference, start time.Time) Inference {
	inf.Start = start
	inf.End = time.Now()
	inf.Duration = inf.End.Sub(start)
	return inf
}
