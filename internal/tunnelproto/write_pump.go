package tunnelproto

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWritePumpClosed is returned by [WritePump.Send] once the pump has
// stopped, either because the underlying connection failed or because
// [WritePump.Close] was called. Send also returns it when a message cannot
// be enqueued within the enqueue timeout because the queue stays full.
var ErrWritePumpClosed = errors.New("control channel write pump closed")

const defaultEnqueueTimeout = 2 * time.Second

type writeRequest struct {
	msg  Message
	done chan error
}

// WritePump serializes data-frame writes onto one control channel socket.
// Messages reach the socket from multiple logical paths — the Edge
// Dispatcher relaying Requests and Register/Error replies — and spec.md §5
// requires those writes to be serialized through a single writer rather
// than a write lock shared across goroutines that each call the socket
// directly. Liveness pings and close frames do not pass through the pump:
// they are WebSocket control frames sent with conn.WriteControl, which
// gorilla/websocket allows concurrently with the pump's writes.
type WritePump struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	queue    chan writeRequest
	stop     chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	stopOnce sync.Once
}

// NewWritePump starts a goroutine draining the write queue onto conn.
func NewWritePump(conn *websocket.Conn, writeTimeout time.Duration, queueCap int) *WritePump {
	if queueCap <= 0 {
		queueCap = 16
	}
	p := &WritePump{
		conn:         conn,
		writeTimeout: writeTimeout,
		queue:        make(chan writeRequest, queueCap),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Send enqueues msg for writing and blocks until it has been written (or
// the pump has failed/closed, or the enqueue timeout has passed with the
// queue still full). Concurrent callers are safe.
func (p *WritePump) Send(msg Message) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}
	req := writeRequest{msg: msg, done: make(chan error, 1)}

	timer := time.NewTimer(defaultEnqueueTimeout)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWritePumpClosed
	case p.queue <- req:
	case <-timer.C:
		return ErrWritePumpClosed
	}
	return <-req.done
}

// Close stops the pump and waits for the writer goroutine to exit. It does
// not close the underlying connection; callers close the socket themselves.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.failPending(ErrWritePumpClosed)
			return
		case req := <-p.queue:
			err := p.write(req.msg)
			req.done <- err
			if err != nil {
				p.closed.Store(true)
				p.signalStop()
				p.failPending(err)
				return
			}
		}
	}
}

func (p *WritePump) write(msg Message) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		_ = p.conn.Close()
		return err
	}
	defer func() { _ = p.conn.SetWriteDeadline(time.Time{}) }()

	b, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		_ = p.conn.Close()
		return err
	}
	return nil
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.queue:
			req.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() { close(p.stop) })
}
