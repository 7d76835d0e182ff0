package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Charana123/leecher/go-torrent/config"
	"github.com/Charana123/leecher/go-torrent/piece"
	"github.com/Charana123/leecher/go-torrent/stats"
	"github.com/Charana123/leecher/go-torrent/storage"
	"github.com/Charana123/leecher/go-torrent/torrent"
	"github.com/Charana123/leecher/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// MAX_REQUEST_LENGTH caps the block size served to a peer.
	MAX_REQUEST_LENGTH = 1 << 17
)

var (
	newWire = wire.NewWire
	dial    = net.DialTimeout

	// errDownloadComplete ends a connection once every block is received.
	errDownloadComplete = errors.New("download complete")
)

type Peer interface {
	Start()
	Stop(err error)
	GetPeerInfo() PeerInfo
	SendHave(pieceIndex int) error
	SendChoke() error
	SendUnchoke() error
}

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

type peer struct {
	sync.Mutex
	id          string
	conn        net.Conn
	wire        wire.Wire
	localID     torrent.PeerID
	torrent     *torrent.Torrent
	storage     storage.Storage
	peerMgr     PeerManager
	pieceMgr    piece.PieceManager
	stats       stats.Stats
	config      *config.Config
	uploadLimit *rate.Limiter
	log         logrus.FieldLogger

	// Owned by the goroutine running Start.
	queue        *piece.Queue
	peerBitfield bitmap.Bitmap

	state      connState
	handshaken atomic.Bool
	lastPiece  atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewPeer creates the engine for one connection. conn is nil for outbound
// peers, which are dialed by Start.
func NewPeer(
	id string,
	conn net.Conn,
	localID torrent.PeerID,
	tor *torrent.Torrent,
	storage storage.Storage,
	peerMgr PeerManager,
	pieceMgr piece.PieceManager,
	stats stats.Stats,
	config *config.Config,
	uploadLimit *rate.Limiter,
	log logrus.FieldLogger) Peer {

	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		id:           id,
		conn:         conn,
		localID:      localID,
		torrent:      tor,
		storage:      storage,
		peerMgr:      peerMgr,
		pieceMgr:     pieceMgr,
		stats:        stats,
		config:       config,
		uploadLimit:  uploadLimit,
		log:          log.WithField("peer", id),
		queue:        piece.NewQueue(tor),
		peerBitfield: bitmap.New(tor.NumPieces),
		state: connState{
			peerChoking:   true,
			clientChoking: true,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the connection until it fails, is stopped, or the download
// completes.
func (p *peer) Start() {
	p.Lock()
	conn := p.conn
	p.Unlock()
	if conn == nil {
		var err error
		conn, err = dial("tcp", p.id, p.config.DialTimeout)
		if err != nil {
			p.Stop(err)
			return
		}
	}
	p.Lock()
	p.conn = conn
	p.wire = newWire(conn, p.config.PeerTimeout)
	p.Unlock()
	if p.ctx.Err() != nil {
		p.wire.Close()
		return
	}
	p.log.Debug("connected")

	if err := p.wire.SendHandshake(p.torrent.InfoHash, p.localID); err != nil {
		p.Stop(err)
		return
	}
	p.log.Debug("sent handshake")

	go p.keepAlive()

	err := p.wire.ReadFrames(p.handleFrame)
	if err == errDownloadComplete {
		err = nil
	}
	p.Stop(err)
}

func (p *peer) keepAlive() {
	ticker := time.NewTicker(p.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			if err := p.sendKeepAlive(now); err != nil {
				return
			}
		}
	}
}

// sendKeepAlive sends a keep-alive only if nothing else went out during the
// last interval.
func (p *peer) sendKeepAlive(now time.Time) error {
	if p.wire.GetLastMessageSent().After(now.Add(-p.config.KeepAliveInterval)) {
		return nil
	}
	return p.wire.SendKeepAlive()
}

// Stop closes the connection and removes the peer. Peers that broke the
// protocol are banned.
func (p *peer) Stop(err error) {
	p.stopOnce.Do(func() {
		p.cancel()
		p.Lock()
		w, conn := p.wire, p.conn
		p.Unlock()
		if w != nil {
			w.Close()
		} else if conn != nil {
			conn.Close()
		}

		switch {
		case err == nil:
			p.log.Info("connection closed")
		case errors.Is(err, wire.ErrProtocolViolation):
			p.log.WithError(err).Warn("dropping peer")
			p.peerMgr.BanPeer(p.id)
		default:
			p.log.WithError(err).Info("connection lost")
		}
		p.stats.RemovePeer(p.id)
		p.peerMgr.RemovePeer(p.id)
	})
}

type PeerInfo struct {
	ID    string
	State connState
	// LastPiece is the unix time of the last block received.
	LastPiece int64
}

func (p *peer) GetPeerInfo() PeerInfo {
	p.Lock()
	defer p.Unlock()

	return PeerInfo{
		ID:        p.id,
		State:     p.state,
		LastPiece: p.lastPiece.Load(),
	}
}

func (p *peer) SendHave(pieceIndex int) error {
	if !p.handshaken.Load() {
		return nil
	}
	return p.wire.SendHave(pieceIndex)
}

func (p *peer) SendChoke() error {
	if !p.handshaken.Load() {
		return nil
	}
	p.Lock()
	p.state.clientChoking = true
	p.Unlock()
	return p.wire.SendChoke()
}

func (p *peer) SendUnchoke() error {
	if !p.handshaken.Load() {
		return nil
	}
	p.Lock()
	p.state.clientChoking = false
	p.Unlock()
	return p.wire.SendUnchoke()
}

func (p *peer) handleFrame(frame []byte) error {
	if !p.handshaken.Load() {
		return p.handleHandshake(frame)
	}

	msg, err := wire.Parse(frame)
	if err != nil {
		return err
	}
	if msg.KeepAlive {
		return nil
	}
	p.log.WithField("message", msg).Debug("received")

	switch msg.ID {
	case wire.CHOKE:
		p.queue.Choked = true
		p.setState(func(s *connState) { s.peerChoking = true })
		return nil
	case wire.UNCHOKE:
		p.queue.Choked = false
		p.setState(func(s *connState) { s.peerChoking = false })
		return p.requestPiece()
	case wire.INTERESTED:
		p.setState(func(s *connState) { s.peerInterested = true })
		return nil
	case wire.NOT_INTERESTED:
		p.setState(func(s *connState) { s.peerInterested = false })
		return nil
	case wire.HAVE:
		return p.handleHave(msg.Index)
	case wire.BITFIELD:
		return p.handleBitfield(msg.Payload)
	case wire.REQUEST:
		return p.handleRequest(msg)
	case wire.BLOCK:
		return p.handlePiece(msg)
	}
	// cancel and port need no action: requests are served as they arrive and
	// there is no DHT.
	return nil
}

func (p *peer) setState(update func(s *connState)) {
	p.Lock()
	defer p.Unlock()
	update(&p.state)
}

func (p *peer) handleHandshake(frame []byte) error {
	if !wire.IsHandshake(frame, p.torrent.InfoHash) {
		return fmt.Errorf("%w: expected handshake, got %d byte frame", wire.ErrProtocolViolation, len(frame))
	}
	remoteID := wire.HandshakePeerID(frame)
	p.log.WithField("id", string(remoteID[:])).Info("handshake verified")
	p.handshaken.Store(true)

	if err := p.wire.SendInterested(); err != nil {
		return err
	}
	p.setState(func(s *connState) { s.clientInterested = true })

	bitfield := wire.Bitfield(p.pieceMgr.GetBitField())
	for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
		if bitfield.Has(pieceIndex) {
			return p.wire.SendBitField(bitfield)
		}
	}
	return nil
}

func (p *peer) announce(pieceIndex int) error {
	if pieceIndex < 0 || pieceIndex >= p.torrent.NumPieces {
		return fmt.Errorf("%w: piece %d of %d announced", wire.ErrProtocolViolation, pieceIndex, p.torrent.NumPieces)
	}
	if p.peerBitfield.Get(pieceIndex) {
		return nil
	}
	p.peerBitfield.Set(pieceIndex, true)
	return p.queue.Add(pieceIndex)
}

func (p *peer) handleHave(pieceIndex int) error {
	wasEmpty := p.queue.Len() == 0
	if err := p.announce(pieceIndex); err != nil {
		return err
	}
	if wasEmpty {
		return p.requestPiece()
	}
	return nil
}

func (p *peer) handleBitfield(payload []byte) error {
	if len(payload) != (p.torrent.NumPieces+7)/8 {
		return fmt.Errorf("%w: bitfield of %d bytes for %d pieces", wire.ErrProtocolViolation, len(payload), p.torrent.NumPieces)
	}
	bitfield := wire.Bitfield(payload)
	for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
		if bitfield.Has(pieceIndex) {
			if err := p.announce(pieceIndex); err != nil {
				return err
			}
		}
	}
	return p.requestPiece()
}

// handleRequest serves a block from the output file. Requests that cannot be
// served are logged and dropped without a reply.
func (p *peer) handleRequest(msg *wire.Message) error {
	log := p.log.WithFields(logrus.Fields{
		"piece":  msg.Index,
		"begin":  msg.Begin,
		"length": msg.Length,
	})
	if msg.Length <= 0 || msg.Length > MAX_REQUEST_LENGTH {
		log.Warn("dropping oversized request")
		return nil
	}
	if p.uploadLimit != nil {
		if err := p.uploadLimit.WaitN(p.ctx, msg.Length); err != nil {
			return err
		}
	}
	block, err := p.storage.BlockReadRequest(msg.Index, msg.Begin, msg.Length)
	if err != nil {
		log.WithError(err).Warn("dropping request")
		return nil
	}
	if err := p.wire.SendBlock(msg.Index, msg.Begin, block); err != nil {
		return err
	}
	p.stats.UpdatePeer(p.id, len(block), 0)
	return nil
}

func (p *peer) handlePiece(msg *wire.Message) error {
	block := piece.Block{Index: msg.Index, Begin: msg.Begin, Length: len(msg.Block)}
	log := p.log.WithFields(logrus.Fields{
		"piece": block.Index,
		"begin": block.Begin,
	})
	expected, err := p.blockLength(block)
	if err != nil || expected != block.Length {
		log.WithField("length", block.Length).Warn("dropping unexpected block")
		return p.requestPiece()
	}

	p.lastPiece.Store(time.Now().Unix())
	p.stats.UpdatePeer(p.id, 0, block.Length)

	if !p.pieceMgr.BeginWrite(block) {
		log.Debug("dropping duplicate block")
		return p.requestPiece()
	}
	if err := p.storage.BlockWriteRequest(block.Index, block.Begin, msg.Block); err != nil {
		p.pieceMgr.AbortWrite(block)
		log.WithError(err).Error("failed to write block")
		return err
	}

	pieceDone, err := p.pieceMgr.AddReceived(block)
	if errors.Is(err, storage.ErrChecksum) {
		log.WithError(err).Warn("piece failed verification, requesting it again")
		if err := p.queue.Add(block.Index); err != nil {
			return err
		}
		return p.requestPiece()
	} else if err != nil {
		return err
	}
	if pieceDone {
		log.Debug("piece complete")
	}

	p.peerMgr.BroadcastHave(p.id, block.Index)
	p.stats.ReportProgress(p.pieceMgr.Progress())

	if p.pieceMgr.IsDone() {
		p.peerMgr.Completed()
		return errDownloadComplete
	}
	return p.requestPiece()
}

func (p *peer) blockLength(block piece.Block) (int, error) {
	if block.Begin%torrent.BLOCK_LENGTH != 0 {
		return 0, fmt.Errorf("unaligned block offset %d", block.Begin)
	}
	return p.torrent.BlockLength(block.Index, block.Begin/torrent.BLOCK_LENGTH)
}

// requestPiece sends at most one request: the first queued block that is
// still needed. Nothing is sent while the peer chokes us.
func (p *peer) requestPiece() error {
	if p.queue.Choked {
		return nil
	}
	for p.queue.Len() > 0 {
		block, _ := p.queue.Poll()
		if !p.pieceMgr.Reserve(block) {
			continue
		}
		return p.wire.SendRequest(block.Index, block.Begin, block.Length)
	}
	return nil
}
