package download

import (
	"context"
	"errors"
	"fmt"

	"github.com/Charana123/leecher/go-torrent/config"
	"github.com/Charana123/leecher/go-torrent/peer"
	"github.com/Charana123/leecher/go-torrent/piece"
	"github.com/Charana123/leecher/go-torrent/server"
	"github.com/Charana123/leecher/go-torrent/stats"
	"github.com/Charana123/leecher/go-torrent/storage"
	"github.com/Charana123/leecher/go-torrent/torrent"
	"github.com/Charana123/leecher/go-torrent/tracker"
	mapset "github.com/deckarep/golang-set"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ErrIncomplete is returned when every peer connection ended before the last
// block arrived.
var ErrIncomplete = errors.New("download: no peers left before completion")

type Download interface {
	Run(ctx context.Context) error
	// Path of the output file.
	Path() string
}

type download struct {
	torrent  *torrent.Torrent
	peerID   torrent.PeerID
	config   *config.Config
	log      logrus.FieldLogger
	storage  storage.Storage
	pieceMgr piece.PieceManager
	stats    stats.Stats
	peerMgr  peer.PeerManager
	choke    peer.Choke
	server   server.Server
}

// NewDownload opens the output file and wires the components of one download.
// The listener is only started when config.ListenPort is set.
func NewDownload(
	tor *torrent.Torrent,
	peerID torrent.PeerID,
	cfg *config.Config,
	log logrus.FieldLogger) (Download, error) {

	log = log.WithField("torrent", tor.Name())
	st, err := storage.NewStorage(tor, cfg.OutputDir, log)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	var verify piece.Verifier
	if cfg.VerifyPieces {
		verify = st.VerifyPiece
	}
	pieceMgr := piece.NewPieceManager(tor, verify, log)
	d := &download{
		torrent:  tor,
		peerID:   peerID,
		config:   cfg,
		log:      log,
		storage:  st,
		pieceMgr: pieceMgr,
		stats:    stats.NewStats(tor.TotalSize(), pieceMgr, cfg.ProgressInterval, log),
	}
	d.peerMgr = peer.NewPeerManager(peerID, tor, d.pieceMgr, st, d.stats, cfg, log)
	d.choke = peer.NewChoke(d.peerMgr, d.stats, peer.CHOKE_INTERVAL, log)
	if cfg.ListenPort > 0 {
		d.server, err = server.NewServer(cfg.ListenPort, d.peerMgr, log)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *download) Path() string {
	return d.storage.Path()
}

// Run downloads until every block is received, every peer is gone, or ctx is
// cancelled. The output file is synced and closed before Run returns.
func (d *download) Run(ctx context.Context) (err error) {
	defer func() {
		if serr := d.storage.Sync(); serr != nil && err == nil {
			err = serr
		}
		if cerr := d.storage.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if d.server != nil {
		go d.server.Serve()
		defer d.server.Stop()
	}
	go d.choke.Start()
	defer d.choke.Stop()
	defer d.peerMgr.StopPeers()

	d.log.WithFields(logrus.Fields{
		"size":   humanize.Bytes(uint64(d.torrent.TotalSize())),
		"pieces": d.torrent.NumPieces,
	}).Info("starting download")

	peers, err := d.announce(ctx)
	if err != nil {
		return err
	}
	added := 0
	for _, p := range peers {
		if d.peerMgr.AddPeer(p.String(), nil) {
			added++
		}
	}
	d.log.WithField("peers", added).Info("connecting to peers")
	if added == 0 && d.server == nil {
		return ErrIncomplete
	}

	select {
	case <-d.peerMgr.Done():
	case <-d.peerMgr.Idle():
	case <-ctx.Done():
		return ctx.Err()
	}
	if !d.pieceMgr.IsDone() {
		return ErrIncomplete
	}
	uploaded, downloaded, _ := d.stats.GetTrackerStats()
	d.log.WithFields(logrus.Fields{
		"path":       d.storage.Path(),
		"downloaded": humanize.Bytes(uint64(downloaded)),
		"uploaded":   humanize.Bytes(uint64(uploaded)),
	}).Info("download complete")
	return nil
}

// announce asks each tracker in turn, announce-list tiers first, and returns
// the peers of the first one that has any.
func (d *download) announce(ctx context.Context) ([]tracker.Peer, error) {
	trackerConfig := tracker.Config{
		InfoHash: d.torrent.InfoHash,
		PeerID:   d.peerID,
		Port:     d.config.GetAnnouncePort(),
		Size:     d.torrent.TotalSize(),
		Stats:    d.stats,
		Timeout:  d.config.TrackerTimeout,
		Log:      d.log,
	}

	usable := 0
	var lastErr error
	for _, announceURL := range d.torrent.Announces() {
		log := d.log.WithField("tracker", announceURL)
		tr, err := tracker.New(announceURL, trackerConfig)
		if err != nil {
			log.WithError(err).Warn("skipping tracker")
			lastErr = err
			continue
		}
		usable++
		peers, err := tr.GetPeers(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Warn("announce failed")
			lastErr = err
			continue
		}
		peers = dedupe(peers)
		log.WithField("peers", len(peers)).Info("received peers")
		if len(peers) > 0 {
			return peers, nil
		}
	}
	if usable == 0 {
		if lastErr == nil {
			lastErr = tracker.ErrUnsupportedTrackerProtocol
		}
		return nil, fmt.Errorf("no usable tracker: %w", lastErr)
	}
	if lastErr != nil && d.server == nil {
		return nil, fmt.Errorf("no peers from any tracker: %w", lastErr)
	}
	return nil, nil
}

func dedupe(peers []tracker.Peer) []tracker.Peer {
	seen := mapset.NewSet()
	unique := make([]tracker.Peer, 0, len(peers))
	for _, p := range peers {
		if seen.Add(p.String()) {
			unique = append(unique, p)
		}
	}
	return unique
}
