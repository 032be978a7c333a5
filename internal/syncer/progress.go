package syncer

import (
	"errors"
	"sync"

	"shelfsync/pkg/types"
)

// ErrProgressClosed is returned by Emit once the terminal event was sent.
var ErrProgressClosed = errors.New("progress stream already terminated")

// Progress is the ordered event stream of one sync run. The orchestrator is
// its only writer and the transport its only reader. Exactly one terminal
// event is delivered, after which the channel is closed.
type Progress struct {
	mu     sync.Mutex
	ch     chan types.ProgressEvent
	closed bool

	gone     chan struct{}
	goneOnce sync.Once
}

// NewProgress returns a stream buffering up to buffer events.
func NewProgress(buffer int) *Progress {
	if buffer < 0 {
		buffer = 0
	}
	return &Progress{
		ch:   make(chan types.ProgressEvent, buffer),
		gone: make(chan struct{}),
	}
}

// Events is the read side of the stream.
func (p *Progress) Events() <-chan types.ProgressEvent {
	return p.ch
}

// Emit delivers ev, blocking until the reader takes it or abandons the
// stream. A terminal event closes the stream.
func (p *Progress) Emit(ev types.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProgressClosed
	}
	select {
	case p.ch <- ev:
	case <-p.gone:
	}
	if ev.IsTerminal() {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Abandon is called by a reader that stops listening. Pending and future
// events are discarded instead of blocking the writer.
func (p *Progress) Abandon() {
	p.goneOnce.Do(func() { close(p.gone) })
}

// Terminated reports whether the terminal event has been emitted.
func (p *Progress) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
