package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

const COMPACT_PEER_LENGTH = 6

var (
	ErrUnsupportedTrackerProtocol = errors.New("tracker: unsupported tracker protocol")
	// ErrTracker wraps failures reported by the tracker itself.
	ErrTracker = errors.New("tracker: announce failed")
)

type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Tracker announces this client and returns the peers the tracker knows of.
type Tracker interface {
	GetPeers(ctx context.Context) ([]Peer, error)
}

// StatsSource supplies the transfer counters reported on announce.
type StatsSource interface {
	GetTrackerStats() (uploaded, downloaded, left int64)
}

type Config struct {
	InfoHash [20]byte
	PeerID   [20]byte
	// Port is the listen port reported to the tracker.
	Port uint16
	// Size is reported as left when no Stats are attached.
	Size    int64
	Stats   StatsSource
	Timeout time.Duration
	Log     logrus.FieldLogger
}

func (c Config) trackerStats() (uploaded, downloaded, left int64) {
	if c.Stats == nil {
		return 0, 0, c.Size
	}
	return c.Stats.GetTrackerStats()
}

// New selects the tracker client for the scheme of announceURL.
func New(announceURL string, config Config) (Tracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTrackerProtocol, err)
	}
	if config.Log == nil {
		config.Log = logrus.StandardLogger()
	}
	log := config.Log.WithField("tracker", announceURL)

	switch u.Scheme {
	case "udp":
		return &udpTracker{
			host:   u.Host,
			config: config,
			key:    rand.Int31(),
			log:    log,
		}, nil
	case "http", "https":
		return newHTTPTracker(announceURL, config, log), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedTrackerProtocol, u.Scheme)
}

// ParseCompactPeers splits a compact peer list into 4 byte IPv4 addresses and
// 2 byte big-endian ports.
func ParseCompactPeers(peerAddrs []byte) ([]Peer, error) {
	if len(peerAddrs)%COMPACT_PEER_LENGTH != 0 {
		return nil, fmt.Errorf("%w: compact peer list of %d bytes", ErrTracker, len(peerAddrs))
	}
	peers := make([]Peer, 0, len(peerAddrs)/COMPACT_PEER_LENGTH)
	for i := 0; i < len(peerAddrs); i += COMPACT_PEER_LENGTH {
		peers = append(peers, Peer{
			IP:   net.IPv4(peerAddrs[i+0], peerAddrs[i+1], peerAddrs[i+2], peerAddrs[i+3]),
			Port: binary.BigEndian.Uint16(peerAddrs[i+4 : i+6]),
		})
	}
	return peers, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
