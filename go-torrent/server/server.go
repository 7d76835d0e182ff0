package server

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Charana123/leecher/go-torrent/peer"
	"github.com/sirupsen/logrus"
)

// Server accepts inbound peer connections and hands them to the peer manager.
type Server interface {
	Serve()
	Stop()
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	pm       peer.PeerManager
	log      logrus.FieldLogger
	stopOnce sync.Once
	stopped  chan struct{}
}

var (
	listen = net.Listen
)

// NewServer listens on port, or on an ephemeral port when port is zero.
func NewServer(
	port int,
	pm peer.PeerManager,
	log logrus.FieldLogger) (Server, error) {

	listener, err := listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	sv := &server{
		listener: listener,
		pm:       pm,
		log:      log,
		stopped:  make(chan struct{}),
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		sv.port = addr.Port
	}
	sv.log.WithField("port", sv.port).Info("listening for peers")
	return sv, nil
}

// Serve accepts connections until Stop is called or the listener fails.
func (sv *server) Serve() {
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			select {
			case <-sv.stopped:
				sv.log.Debug("peer listener stopped")
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			sv.log.WithError(err).Error("terminating peer listener")
			return
		}
		id := conn.RemoteAddr().String()
		if !sv.pm.AddPeer(id, conn) {
			sv.log.WithField("peer", id).Debug("rejected inbound peer")
		}
	}
}

func (sv *server) Stop() {
	sv.stopOnce.Do(func() {
		close(sv.stopped)
		sv.listener.Close()
	})
}

func (sv *server) GetServerPort() int {
	return sv.port
}
