package feed

import (
	"context"
	"errors"
	"sync"
)

// ErrPipeClosed is returned by Send after the pipe was closed from either
// side.
var ErrPipeClosed = errors.New("feed: pipe closed")

// Pipe is a channel-backed Stream for adapters that pump changes from a
// single reader goroutine. The producer side calls Send and finally
// CloseSend or Fail; the consumer side reads Changes and calls Close to
// ask the producer to stop.
//
// Exactly one goroutine may produce with Send, and that same goroutine
// must be the one to CloseSend. Multiplexing adapters that route into
// many pipes use TrySend instead, which tolerates a CloseSend from any
// goroutine.
type Pipe struct {
	ch   chan Change
	done chan struct{}

	mu  sync.Mutex
	err error

	smu        sync.RWMutex
	sendClosed bool

	closeOnce sync.Once
	sendOnce  sync.Once
}

var _ Stream = (*Pipe)(nil)

func NewPipe(buffer int) *Pipe {
	if buffer < 0 {
		buffer = 0
	}
	return &Pipe{
		ch:   make(chan Change, buffer),
		done: make(chan struct{}),
	}
}

// Send delivers one change to the consumer, blocking while the buffer is
// full. It returns ErrPipeClosed once the consumer closed the pipe.
func (p *Pipe) Send(ctx context.Context, c Change) error {
	select {
	case <-p.done:
		return ErrPipeClosed
	default:
	}
	select {
	case p.ch <- c:
		return nil
	case <-p.done:
		return ErrPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend delivers c without blocking and reports whether it was
// delivered. A full buffer or a closed pipe both report false; callers
// that need to distinguish check Done.
func (p *Pipe) TrySend(c Change) bool {
	p.smu.RLock()
	defer p.smu.RUnlock()
	if p.sendClosed {
		return false
	}
	select {
	case p.ch <- c:
		return true
	default:
		return false
	}
}

// Fail records the terminal error and ends the stream.
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.CloseSend()
}

// CloseSend ends the stream without an error. Safe against concurrent
// TrySend; concurrent blocking Send requires it to come from the producer
// goroutine.
func (p *Pipe) CloseSend() {
	p.sendOnce.Do(func() {
		p.smu.Lock()
		p.sendClosed = true
		close(p.ch)
		p.smu.Unlock()
	})
}

// Done is closed once the consumer asked the producer to stop.
func (p *Pipe) Done() <-chan struct{} { return p.done }

func (p *Pipe) Changes() <-chan Change { return p.ch }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close signals the producer to stop. The producer closes the change
// channel on its way out; consumers should keep draining Changes until it
// closes.
func (p *Pipe) Close(context.Context) error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
