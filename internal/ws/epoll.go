//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll syscalls for WebSocket I/O multiplexing. File
// descriptors are registered with the kernel and reported when data is ready,
// so no goroutine is parked per connection.
type Epoll struct {
	fd          int
	connections map[int]net.Conn
	mu          sync.RWMutex
	events      []unix.EpollEvent // reused by Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Wrap returns the connection the server should read from. On Linux it is
// conn itself.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Add registers conn for read readiness and hang-up notifications.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove unregisters conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	delete(e.connections, fd)
	e.mu.Unlock()

	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}
	return nil
}

// Done is called once the server has handled a ready connection. Epoll is
// level-triggered, so there is nothing to re-arm.
func (e *Epoll) Done(net.Conn) {}

// Wait blocks for up to timeoutMs milliseconds until registered connections
// are ready for reading. It returns no connections on timeout or EINTR.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor through SyscallConn without
// duplicating it (File() would).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
