package ws

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCheckConnections(t *testing.T) {
	srv, err := NewServer(DefaultServerConfig(), zerolog.Nop(), DevAuthenticator{}, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.poller.Close()
	var removed []string
	srv.SetOnDisconnect(func(c *Connection) { removed = append(removed, c.ID) })

	staleSrv, staleCli := net.Pipe()
	defer staleCli.Close()
	stale := newConnection("stale", staleSrv, Principal{})

	liveSrv, liveCli := net.Pipe()
	defer liveCli.Close()
	live := newConnection("live", liveSrv, Principal{})
	go io.Copy(io.Discard, liveCli)

	srv.conns.Add(stale)
	srv.conns.Add(live)

	cfg := DefaultHeartbeatConfig()
	now := time.Now()
	stale.lastSeen.Store(now.Add(-2 * (cfg.Interval + cfg.Timeout)).UnixNano())

	checkConnections(srv, cfg, now)

	if len(removed) != 1 || removed[0] != "stale" {
		t.Errorf("expected only the stale connection removed, got %v", removed)
	}
	if srv.conns.Get("live") == nil {
		t.Error("live connection was removed")
	}
}
