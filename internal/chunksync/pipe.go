package chunksync

import (
	"context"
	"io"
	"sync"
)

// PipeEnd is one side of an in-memory stream.
type PipeEnd struct {
	ctx    context.Context
	in     <-chan *Envelope
	out    chan<- *Envelope
	closed chan struct{}
	once   *sync.Once
}

// NewPipe returns two connected stream ends. Closing either end ends both.
func NewPipe(ctx context.Context, buffer int) (client, server *PipeEnd) {
	a := make(chan *Envelope, buffer)
	b := make(chan *Envelope, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	client = &PipeEnd{ctx: ctx, in: b, out: a, closed: closed, once: once}
	server = &PipeEnd{ctx: ctx, in: a, out: b, closed: closed, once: once}
	return client, server
}

// Send implements Stream.
func (p *PipeEnd) Send(env *Envelope) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Recv implements Stream. Messages already queued are delivered before EOF.
func (p *PipeEnd) Recv() (*Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.closed:
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	}
}

// Context implements Stream.
func (p *PipeEnd) Context() context.Context { return p.ctx }

// Close ends the pipe for both sides.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
