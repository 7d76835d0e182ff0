package peer

import (
	"net"
	"sync"

	"github.com/Charana123/leecher/go-torrent/config"
	"github.com/Charana123/leecher/go-torrent/piece"
	"github.com/Charana123/leecher/go-torrent/stats"
	"github.com/Charana123/leecher/go-torrent/storage"
	"github.com/Charana123/leecher/go-torrent/torrent"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var newPeer = NewPeer

// PeerManager owns the set of live peer connections of one download.
type PeerManager interface {
	AddPeer(id string, conn net.Conn) (added bool)
	RemovePeer(id string)
	GetPeerList() []Peer
	NumPeers() int
	StopPeers()
	BroadcastHave(fromID string, pieceIndex int)
	BanPeer(id string)
	IsBanned(id string) bool
	Completed()
	// Done is closed once every block has been received.
	Done() <-chan struct{}
	// Idle receives a value whenever the last live peer is removed.
	Idle() <-chan struct{}
}

type peerManager struct {
	sync.RWMutex
	localID     torrent.PeerID
	torrent     *torrent.Torrent
	pieceMgr    piece.PieceManager
	storage     storage.Storage
	stats       stats.Stats
	config      *config.Config
	uploadLimit *rate.Limiter
	log         logrus.FieldLogger

	peers       map[string]Peer
	bannedPeers mapset.Set
	stopped     bool

	done         chan struct{}
	completeOnce sync.Once
	idle         chan struct{}
}

func NewPeerManager(
	localID torrent.PeerID,
	torrent *torrent.Torrent,
	pieceMgr piece.PieceManager,
	storage storage.Storage,
	stats stats.Stats,
	config *config.Config,
	log logrus.FieldLogger) PeerManager {

	pm := &peerManager{
		localID:     localID,
		torrent:     torrent,
		pieceMgr:    pieceMgr,
		storage:     storage,
		stats:       stats,
		config:      config,
		log:         log,
		peers:       make(map[string]Peer),
		bannedPeers: mapset.NewSet(),
		done:        make(chan struct{}),
		idle:        make(chan struct{}, 1),
	}
	if config.UploadRateLimit > 0 {
		burst := config.UploadRateLimit
		if burst < MAX_REQUEST_LENGTH {
			burst = MAX_REQUEST_LENGTH
		}
		pm.uploadLimit = rate.NewLimiter(rate.Limit(config.UploadRateLimit), burst)
	}
	return pm
}

// AddPeer starts a connection to id ("host:port"). conn is an accepted
// inbound connection, or nil to dial out. Banned, duplicate and surplus peers
// are refused.
func (pm *peerManager) AddPeer(id string, conn net.Conn) bool {
	pm.Lock()
	defer pm.Unlock()

	refuse := func(reason string) bool {
		pm.log.WithField("peer", id).Debug(reason)
		if conn != nil {
			conn.Close()
		}
		return false
	}
	if pm.stopped {
		return refuse("peer manager stopped")
	}
	if pm.bannedPeers.Contains(id) {
		return refuse("peer is banned")
	}
	if pm.config.MaxPeers > 0 && len(pm.peers) >= pm.config.MaxPeers {
		return refuse("connected to too many peers")
	}
	if _, ok := pm.peers[id]; ok {
		return refuse("already connected to peer")
	}

	peer := newPeer(
		id,
		conn,
		pm.localID,
		pm.torrent,
		pm.storage,
		pm,
		pm.pieceMgr,
		pm.stats,
		pm.config,
		pm.uploadLimit,
		pm.log,
	)
	pm.peers[id] = peer
	go peer.Start()
	return true
}

func (pm *peerManager) RemovePeer(id string) {
	pm.Lock()
	defer pm.Unlock()

	if _, ok := pm.peers[id]; !ok {
		return
	}
	delete(pm.peers, id)
	if len(pm.peers) == 0 {
		select {
		case pm.idle <- struct{}{}:
		default:
		}
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, peer := range pm.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (pm *peerManager) NumPeers() int {
	pm.RLock()
	defer pm.RUnlock()

	return len(pm.peers)
}

// StopPeers closes every connection and refuses new ones.
func (pm *peerManager) StopPeers() {
	pm.Lock()
	pm.stopped = true
	pm.Unlock()

	for _, peer := range pm.GetPeerList() {
		peer.Stop(nil)
	}
}

// BroadcastHave announces pieceIndex to every peer but the one that sent it.
func (pm *peerManager) BroadcastHave(fromID string, pieceIndex int) {
	for _, peer := range pm.GetPeerList() {
		if peer.GetPeerInfo().ID == fromID {
			continue
		}
		if err := peer.SendHave(pieceIndex); err != nil {
			pm.log.WithError(err).WithField("piece", pieceIndex).Debug("failed to send have")
		}
	}
}

func (pm *peerManager) BanPeer(id string) {
	pm.bannedPeers.Add(id)
}

func (pm *peerManager) IsBanned(id string) bool {
	return pm.bannedPeers.Contains(id)
}

func (pm *peerManager) Completed() {
	pm.completeOnce.Do(func() {
		close(pm.done)
	})
}

func (pm *peerManager) Done() <-chan struct{} {
	return pm.done
}

func (pm *peerManager) Idle() <-chan struct{} {
	return pm.idle
}
