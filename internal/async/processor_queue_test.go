package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProcessor struct {
	mu      sync.Mutex
	seen    []uuid.UUID
	calls   atomic.Int32
	err     error
	panicOn uuid.UUID
	block   chan struct{}
}

func (p *countingProcessor) Process(ctx context.Context, id uuid.UUID) error {
	p.calls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if id == p.panicOn {
		panic("boom")
	}
	p.mu.Lock()
	p.seen = append(p.seen, id)
	p.mu.Unlock()
	return p.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestQueueProcessesAll(t *testing.T) {
	proc := &countingProcessor{}
	q := NewProcessorQueue(proc, quiet(), WithWorkers(3), WithQueueSize(2))

	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: ids[i]}))
	}
	q.Shutdown(context.Background())

	assert.ElementsMatch(t, ids, proc.seen)
}

func TestQueueSurvivesPanicsAndErrors(t *testing.T) {
	bad := uuid.New()
	proc := &countingProcessor{panicOn: bad, err: errors.New("failed")}
	q := NewProcessorQueue(proc, quiet(), WithWorkers(1))

	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: bad}))
	good := uuid.New()
	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: good}))
	q.Shutdown(context.Background())

	assert.Equal(t, int32(2), proc.calls.Load())
	assert.Equal(t, []uuid.UUID{good}, proc.seen)
}

func TestEnqueueAfterShutdown(t *testing.T) {
	q := NewProcessorQueue(&countingProcessor{}, quiet())
	q.Shutdown(context.Background())
	q.Shutdown(context.Background())

	err := q.Enqueue(context.Background(), Job{DocumentID: uuid.New()})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestEnqueueBackpressureHonoursContext(t *testing.T) {
	proc := &countingProcessor{block: make(chan struct{})}
	q := NewProcessorQueue(proc, quiet(), WithWorkers(1), WithQueueSize(1))

	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: uuid.New()}))
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: uuid.New()}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, Job{DocumentID: uuid.New()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(proc.block)
	q.Shutdown(context.Background())
}

func TestProcessTimeout(t *testing.T) {
	proc := &countingProcessor{block: make(chan struct{})}
	q := NewProcessorQueue(proc, quiet(), WithWorkers(1), WithProcessTimeout(10*time.Millisecond))

	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: uuid.New()}))
	done := make(chan struct{})
	go func() { q.Shutdown(context.Background()); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not honour the process timeout")
	}
	assert.Empty(t, proc.seen)
}
