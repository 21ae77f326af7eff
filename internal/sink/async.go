package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/stereorec/internal/observe"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink closed")

// Async writes segments to a sink from its own goroutine, in order. Write
// only queues the segment, so a slow upload never stalls the capture loop.
// The queue is unbounded; Close waits until it is drained.
type Async struct {
	sink    Sink
	metrics *observe.Metrics
	onError func(Segment, error)

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Segment
	closed  bool
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewAsync starts the delivery goroutine of s. onError, when set, is called
// from that goroutine for every failed write.
func NewAsync(s Sink, metrics *observe.Metrics, onError func(Segment, error)) *Async {
	if metrics == nil {
		metrics = observe.Discard()
	}
	a := &Async{sink: s, metrics: metrics, onError: onError, done: make(chan struct{})}
	a.cond = sync.NewCond(&a.mu)
	go a.run()
	return a
}

func (a *Async) Name() string { return a.sink.Name() }

func (a *Async) Write(_ context.Context, seg Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.pending = append(a.pending, seg)
	a.cond.Signal()
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	ctx := context.Background()
	for {
		a.mu.Lock()
		for len(a.pending) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.pending) == 0 {
			a.mu.Unlock()
			return
		}
		seg := a.pending[0]
		a.pending[0] = Segment{}
		a.pending = a.pending[1:]
		a.mu.Unlock()

		if err := a.sink.Write(ctx, seg); err != nil {
			a.metrics.RecordSinkError(ctx, a.sink.Name())
			slog.Error("Failed to deliver segment", "sink", a.sink.Name(), "segment", seg.FileName(), "error", err)
			if a.onError != nil {
				a.onError(seg, err)
			}
		}
	}
}

// Close delivers the queued segments, then closes the sink.
func (a *Async) Close() error {
	a.mu.Lock()
	a.closed = true
	a.cond.Signal()
	a.mu.Unlock()

	<-a.done
	a.closeOnce.Do(func() { a.closeErr = a.sink.Close() })
	return a.closeErr
}
