package textsource

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/ocr"
)

// Invocation describes one backend call for metrics.
type Invocation struct {
	DocumentID uuid.UUID
	Source     constants.Source
	Start      time.Time
	End        time.Time
	Usage      *ocr.Usage
	Err        error
}

// Recorder receives every backend invocation. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv Invocation)
}

// SourceFailure is an isolated backend failure.
type SourceFailure struct {
	Source constants.Source
	Err    error
}

// Result maps each successful backend to its output. Backends that failed are in Failures.
type Result struct {
	Outputs  map[constants.Source]Output
	Failures []SourceFailure
	Invoked  []constants.Source
}

type DispatchConfig struct {
	Timeout time.Duration // per backend, retries included
	Retry   RetryPolicy
}

// Dispatcher runs every applicable backend for a document concurrently.
type Dispatcher struct {
	backends []Backend
	cfg      DispatchConfig
	recorder Recorder
	logger   *slog.Logger
}

// pageConsumer is implemented by backends that only run when rasters exist.
type pageConsumer interface {
	NeedsPages() bool
}

func (b *OCRBackend) NeedsPages() bool { return true }

func NewDispatcher(backends []Backend, cfg DispatchConfig, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{backends: backends, cfg: cfg, recorder: recorder, logger: logger}
}

// Applicable returns the backends that will run for in, in registration order.
func (d *Dispatcher) Applicable(in Input) []Backend {
	var out []Backend
	for _, b := range d.backends {
		if !b.Supports(in.Format) {
			continue
		}
		if pc, ok := b.(pageConsumer); ok && pc.NeedsPages() && len(in.Pages) == 0 {
			continue
		}
		out = append(out, b)
	}
	return out
}

type slot struct {
	out Output
	err error
}

// Dispatch never fails as a whole: each backend error is isolated into Result.Failures.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) Result {
	backends := d.Applicable(in)
	slots := make([]slot, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			slots[i] = d.invoke(gctx, b, in)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Outputs: make(map[constants.Source]Output, len(backends))}
	for i, b := range backends {
		src := b.Source()
		res.Invoked = append(res.Invoked, src)
		if err := slots[i].err; err != nil {
			res.Failures = append(res.Failures, SourceFailure{Source: src, Err: err})
			continue
		}
		res.Outputs[src] = slots[i].out
	}
	d.logger.Info("dispatch.done", "document_id", in.DocumentID, "format", in.Format,
		"invoked", len(backends), "succeeded", len(res.Outputs), "failed", len(res.Failures))
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, b Backend, in Input) (s slot) {
	src := b.Source()
	start := time.Now()
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s = slot{err: common.BackendError(string(src), "panic", fmt.Errorf("%v", r))}
		}
		if d.recorder != nil {
			d.recorder.RecordInvocation(context.WithoutCancel(ctx), Invocation{
				DocumentID: in.DocumentID,
				Source:     src,
				Start:      start,
				End:        time.Now(),
				Usage:      s.out.Usage,
				Err:        s.err,
			})
		}
	}()

	out, err := retry(ctx, d.cfg.Retry, func(ctx context.Context) (Output, error) {
		return b.Extract(ctx, in)
	})
	if err != nil {
		// Anything that would stop the pipeline is isolated to this source.
		if common.IsFatal(err) {
			err = common.BackendError(string(src), "extract", err)
		}
		d.logger.Warn("dispatch.backend.failed", "document_id", in.DocumentID, "source", src,
			"error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return slot{err: err}
	}
	d.logger.Debug("dispatch.backend.ok", "document_id", in.DocumentID, "source", src,
		"chars", len(out.Text), "elapsed_ms", time.Since(start).Milliseconds())
	return slot{out: out}
}
