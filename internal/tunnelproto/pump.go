package tunnelproto

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var ErrPumpClosed = errors.New("frame pump closed")
var ErrPumpBackpressure = errors.New("frame pump backpressure")

const (
	defaultControlEnqueueTimeout = 2 * time.Second
	defaultDataEnqueueTimeout    = 5 * time.Second
	defaultWriteTimeout          = 15 * time.Second
)

// PumpOptions tunes a [FramePump]. Zero values pick defaults.
type PumpOptions struct {
	ControlQueue   int
	DataQueue      int
	ControlTimeout time.Duration
	DataTimeout    time.Duration
	WriteTimeout   time.Duration
}

type writeRequest struct {
	frame *Frame
	done  chan error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// FramePump is the single outbound path of a tunnel connection. One goroutine
// drains two bounded queues, writing control frames ahead of data frames, and
// stamps each frame with the next sequence number. A producer that cannot
// enqueue within its lane's timeout trips backpressure, which closes the pump
// and the underlying connection.
type FramePump struct {
	writeFn func(*Frame) error
	closeFn func()

	high        chan writeRequest
	low         chan writeRequest
	stop        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	closeOnce   sync.Once
	highTimeout time.Duration
	lowTimeout  time.Duration

	errMu sync.Mutex
	err   error

	next uint64
}

// NewFramePump starts a pump writing encoded frames to w. closeFn is called
// once when the pump gives up on the connection.
func NewFramePump(w io.Writer, closeFn func(), opts PumpOptions) *FramePump {
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	dl, _ := w.(writeDeadliner)
	return newFramePumpWithWriter(func(f *Frame) error {
		if dl != nil {
			if err := dl.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			defer func() { _ = dl.SetWriteDeadline(time.Time{}) }()
		}
		return WriteFrame(w, f)
	}, closeFn, opts)
}

func newFramePumpWithWriter(writeFn func(*Frame) error, closeFn func(), opts PumpOptions) *FramePump {
	if opts.ControlQueue <= 0 {
		opts.ControlQueue = 16
	}
	if opts.DataQueue <= 0 {
		opts.DataQueue = 256
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = defaultControlEnqueueTimeout
	}
	if opts.DataTimeout <= 0 {
		opts.DataTimeout = defaultDataEnqueueTimeout
	}
	p := &FramePump{
		writeFn:     writeFn,
		closeFn:     closeFn,
		high:        make(chan writeRequest, opts.ControlQueue),
		low:         make(chan writeRequest, opts.DataQueue),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		highTimeout: opts.ControlTimeout,
		lowTimeout:  opts.DataTimeout,
	}
	go p.run()
	return p
}

// Send queues f without waiting for it to be written. Control frame types use
// the priority lane; all other frames share one FIFO lane so frames of one
// socket session keep their order.
func (p *FramePump) Send(f *Frame) error {
	return p.enqueue(writeRequest{frame: f}, f.Type.Control())
}

// SendWait queues f and waits until it has been written or ctx ends.
func (p *FramePump) SendWait(ctx context.Context, f *Frame) error {
	req := writeRequest{frame: f, done: make(chan error, 1)}
	if err := p.enqueue(req, f.Type.Control()); err != nil {
		return err
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the pump has stopped.
func (p *FramePump) Done() <-chan struct{} {
	return p.done
}

// Err returns the write error that stopped the pump, if any.
func (p *FramePump) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Close stops the pump after the frame being written, failing queued frames.
func (p *FramePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *FramePump) enqueue(req writeRequest, high bool) error {
	if p.closed.Load() {
		return ErrPumpClosed
	}

	target, wait := p.low, p.lowTimeout
	if high {
		target, wait = p.high, p.highTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrPumpClosed
	case target <- req:
		return nil
	case <-timer.C:
		p.triggerBackpressure()
		return ErrPumpBackpressure
	}
}

func (p *FramePump) run() {
	defer close(p.done)

	for {
		req, ok := p.nextRequest()
		if !ok {
			p.failPending(ErrPumpClosed)
			return
		}
		f := *req.frame
		f.Sequence = p.next
		p.next++
		err := p.write(&f)
		if req.done != nil {
			req.done <- err
		}
		if err != nil {
			p.setErr(err)
			p.closed.Store(true)
			p.signalStop()
			p.closeConn()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrPumpClosed)
			return
		}
	}
}

func (p *FramePump) nextRequest() (writeRequest, bool) {
	select {
	case req := <-p.high:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.high:
		return req, true
	case req := <-p.low:
		return req, true
	}
}

func (p *FramePump) write(f *Frame) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(f)
}

func (p *FramePump) failPending(err error) {
	for {
		select {
		case req := <-p.high:
			if req.done != nil {
				req.done <- err
			}
		case req := <-p.low:
			if req.done != nil {
				req.done <- err
			}
		default:
			return
		}
	}
}

func (p *FramePump) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

func (p *FramePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *FramePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	p.setErr(ErrPumpBackpressure)
	p.closeConn()
	p.signalStop()
}

func (p *FramePump) closeConn() {
	p.closeOnce.Do(func() {
		if p.closeFn != nil {
			p.closeFn()
		}
	})
}
