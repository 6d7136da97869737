package api

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/taskgrid/pkg/wire"
	"google.golang.org/grpc"
)

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

type outgoing struct {
	frame *wire.Frame
	done  func(error)
}

// streamConn adapts a node's gRPC stream to the dispatcher. Frames are queued
// without blocking and written by the stream's handler goroutine.
type streamConn struct {
	stream    grpc.ServerStream
	sendCh    chan outgoing
	closeCh   chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newStreamConn(stream grpc.ServerStream, queue int) *streamConn {
	return &streamConn{
		stream:  stream,
		sendCh:  make(chan outgoing, queue),
		closeCh: make(chan struct{}),
	}
}

// Send queues a frame; done is called once it was written or dropped
func (c *streamConn) Send(f *wire.Frame, done func(error)) error {
	select {
	case <-c.closeCh:
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- outgoing{frame: f, done: done}:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close ends the session; the handler returns and reports the disconnection
func (c *streamConn) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closeCh)
	})
}

// run writes queued frames until the stream ends, and returns the cause
func (c *streamConn) run(ctx context.Context, recvErr <-chan error) error {
	var cause error
loop:
	for {
		select {
		case out := <-c.sendCh:
			err := c.stream.SendMsg(out.frame)
			if out.done != nil {
				out.done(err)
			}
			if err != nil {
				cause = err
				break loop
			}
		case err := <-recvErr:
			cause = err
			break loop
		case <-c.closeCh:
			c.mu.Lock()
			cause = c.err
			c.mu.Unlock()
			if cause == nil {
				cause = errConnClosed
			}
			break loop
		case <-ctx.Done():
			cause = ctx.Err()
			break loop
		}
	}

	c.Close(cause)
	for {
		select {
		case out := <-c.sendCh:
			if out.done != nil {
				out.done(errConnClosed)
			}
		default:
			return cause
		}
	}
}
