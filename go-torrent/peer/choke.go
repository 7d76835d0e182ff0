package peer

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Charana123/leecher/go-torrent/stats"
	"github.com/sirupsen/logrus"
)

const (
	SNUBBED_PERIOD = 60
	CHOKE_INTERVAL = 10 * time.Second
	DOWNLOADERS    = 5
)

// Choke periodically decides which peers we advertise as unchoked.
type Choke interface {
	Start()
	Stop()
}

type choke struct {
	peerMgr  PeerManager
	stats    stats.Stats
	interval time.Duration
	log      logrus.FieldLogger
	quit     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
	shuffle  func(n int, swap func(i, j int))
}

type candidate struct {
	PeerInfo
	peer          Peer
	speed         int
	shouldUnchoke bool
	snubbedClient bool
}

func NewChoke(
	peerMgr PeerManager,
	stats stats.Stats,
	interval time.Duration,
	log logrus.FieldLogger) Choke {

	if interval <= 0 {
		interval = CHOKE_INTERVAL
	}
	return &choke{
		peerMgr:  peerMgr,
		stats:    stats,
		interval: interval,
		log:      log,
		quit:     make(chan struct{}),
		now:      time.Now,
		shuffle:  rand.Shuffle,
	}
}

func sortBySpeed(peers []*candidate) {
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

func (c *choke) choke() {
	peers := c.peerMgr.GetPeerList()
	peerStats := c.stats.GetPeerStats()

	candidates := make([]*candidate, 0, len(peers))
	interested := make([]*candidate, 0)
	notInterested := make([]*candidate, 0)
	for _, peer := range peers {
		cand := &candidate{PeerInfo: peer.GetPeerInfo(), peer: peer}
		if peerStat, ok := peerStats[cand.ID]; ok {
			cand.speed = peerStat.DownloadRate
		}
		// A peer that unchoked us but sends nothing is not rewarded.
		if cand.State.clientInterested && !cand.State.peerChoking && cand.LastPiece != 0 &&
			c.now().Unix()-cand.LastPiece > SNUBBED_PERIOD {
			cand.snubbedClient = true
		}
		if cand.State.peerInterested && !cand.snubbedClient {
			interested = append(interested, cand)
		} else {
			notInterested = append(notInterested, cand)
		}
		candidates = append(candidates, cand)
	}

	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// The fastest interested peers keep sending to us.
	speedThreshold := 0
	for i := 0; i < len(interested) && i < DOWNLOADERS-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// Faster uninterested peers are unchoked so they start with us when they
	// become interested.
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}
	// Optimistic unchoke.
	if len(interested) > DOWNLOADERS-1 {
		rest := interested[DOWNLOADERS-1:]
		c.shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		rest[0].shouldUnchoke = true
	}

	for _, cand := range candidates {
		var err error
		switch {
		case cand.shouldUnchoke && cand.State.clientChoking:
			c.log.WithField("peer", cand.ID).Debug("unchoking")
			err = cand.peer.SendUnchoke()
		case !cand.shouldUnchoke && !cand.State.clientChoking:
			c.log.WithField("peer", cand.ID).Debug("choking")
			err = cand.peer.SendChoke()
		}
		if err != nil {
			c.log.WithError(err).WithField("peer", cand.ID).Debug("choke update failed")
		}
	}
}

func (c *choke) Start() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.choke()
		}
	}
}

func (c *choke) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
	})
}
