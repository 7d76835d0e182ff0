package stats

import (
	"sync"
	"time"

	underscore "github.com/ahl5esoft/golang-underscore"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Stats interface {
	GetTrackerStats() (uploaded int64, downloaded int64, left int64)
	GetPeerStats() (peerStats map[string]PeerStat)
	UpdatePeer(id string, uploaded int, downloaded int)
	RemovePeer(id string)
	ReportProgress(received, total int)
}

const (
	PONDERATION_TIME = 10
)

// Remaining reports the bytes still missing from the download.
type Remaining interface {
	Left() int64
}

type stats struct {
	sync.Mutex

	size         int64
	remaining    Remaining
	trackerStats *TrackerStats
	clientStats  *ClientStats
	peerStats    map[string]*PeerStat

	progress     rate.Sometimes
	lastReported int
	log          logrus.FieldLogger
}

type TrackerStats struct {
	TotalUpload   int64
	TotalDownload int64
	Left          int64
}

type ClientStats struct {
	UploadRate       int
	DownloadRate     int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

// PeerStat holds per-peer transfer rates in bytes per sampling period,
// averaged over the last PONDERATION_TIME samples.
type PeerStat struct {
	UploadRate       int
	DownloadRate     int
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

// NewStats tracks transfer for a download of size bytes. The tracker's left
// figure comes from remaining, or size when remaining is nil. Progress is
// logged at most once per progressInterval.
func NewStats(
	size int64,
	remaining Remaining,
	progressInterval time.Duration,
	log logrus.FieldLogger) Stats {

	s := &stats{
		size:      size,
		remaining: remaining,
		trackerStats: &TrackerStats{
			Left: size,
		},
		clientStats:  &ClientStats{},
		peerStats:    make(map[string]*PeerStat),
		lastReported: -1,
		log:          log,
	}
	if progressInterval > 0 {
		s.progress.Interval = progressInterval
	} else {
		s.progress.Every = 1
	}
	return s
}

func (s *stats) GetTrackerStats() (int64, int64, int64) {
	left := s.size
	if s.remaining != nil {
		left = s.remaining.Left()
	}

	s.Lock()
	defer s.Unlock()

	s.trackerStats.Left = left
	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload, s.trackerStats.Left
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	peerStat.currentUpload += uploaded
	peerStat.currentDownload += downloaded

	s.trackerStats.TotalUpload += int64(uploaded)
	s.trackerStats.TotalDownload += int64(downloaded)
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// GetPeerStats closes the current sampling period and returns a copy of
// every peer's averaged rates.
func (s *stats) GetPeerStats() map[string]PeerStat {
	s.Lock()
	defer s.Unlock()

	clientCurrentUpload := 0
	clientCurrentDownload := 0
	snapshot := make(map[string]PeerStat, len(s.peerStats))
	for id, peerStat := range s.peerStats {
		peerStat.uploadActivity[peerStat.i] = peerStat.currentUpload
		peerStat.downloadActivity[peerStat.i] = peerStat.currentDownload
		underscore.Chain(peerStat.uploadActivity).Reduce(0, sumReduce).Value(&peerStat.UploadRate)
		peerStat.UploadRate /= PONDERATION_TIME
		underscore.Chain(peerStat.downloadActivity).Reduce(0, sumReduce).Value(&peerStat.DownloadRate)
		peerStat.DownloadRate /= PONDERATION_TIME
		peerStat.i = (peerStat.i + 1) % PONDERATION_TIME

		clientCurrentUpload += peerStat.currentUpload
		clientCurrentDownload += peerStat.currentDownload
		peerStat.currentUpload = 0
		peerStat.currentDownload = 0
		snapshot[id] = *peerStat
	}

	s.clientStats.uploadActivity[s.clientStats.i] = clientCurrentUpload
	s.clientStats.downloadActivity[s.clientStats.i] = clientCurrentDownload
	underscore.Chain(s.clientStats.uploadActivity).Reduce(0, sumReduce).Value(&s.clientStats.UploadRate)
	s.clientStats.UploadRate /= PONDERATION_TIME
	underscore.Chain(s.clientStats.downloadActivity).Reduce(0, sumReduce).Value(&s.clientStats.DownloadRate)
	s.clientStats.DownloadRate /= PONDERATION_TIME
	s.clientStats.i = (s.clientStats.i + 1) % PONDERATION_TIME

	s.log.WithFields(logrus.Fields{
		"download": humanize.Bytes(uint64(s.clientStats.DownloadRate)) + "/s",
		"upload":   humanize.Bytes(uint64(s.clientStats.UploadRate)) + "/s",
		"peers":    len(s.peerStats),
	}).Debug("transfer rates")
	return snapshot
}

// ReportProgress logs the percentage of blocks received when it has grown
// since the last report.
func (s *stats) ReportProgress(received, total int) {
	if total <= 0 {
		return
	}
	percent := received * 100 / total

	s.Lock()
	defer s.Unlock()
	if percent <= s.lastReported {
		return
	}
	s.progress.Do(func() {
		s.lastReported = percent
		s.log.WithFields(logrus.Fields{
			"received":   received,
			"total":      total,
			"downloaded": humanize.Bytes(uint64(s.trackerStats.TotalDownload)),
			"size":       humanize.Bytes(uint64(s.size)),
		}).Infof("progress: %d%%", percent)
	})
}
