//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Epoll is the goroutine-per-connection fallback for non-Linux platforms.
// Each connection is read through a buffer; a monitor goroutine peeks one
// byte to detect readiness and waits for Done before peeking again, so it
// never consumes frame bytes or races the reader.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	ack  chan struct{}
	stop chan struct{}
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a buffered connection that can be peeked without losing bytes.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &bufferedConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{ack: make(chan struct{}, 1), stop: make(chan struct{})}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	bc, ok := conn.(*bufferedConn)
	for {
		if ok {
			// An error also counts as readiness so the server sees it.
			_, _ = bc.r.Peek(1)
		}

		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}

		select {
		case <-w.ack:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Done lets the monitor of conn look for the next frame.
func (e *Epoll) Done(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.ack <- struct{}{}:
	default:
	}
}

// Wait blocks for up to timeoutMs milliseconds until at least one connection
// is ready, then drains whatever else is ready without blocking.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	var conns []net.Conn
	select {
	case conn := <-e.readyCh:
		conns = append(conns, conn)
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}
