package stats

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRemaining struct {
	left int64
}

func (r *stubRemaining) Left() int64 { return r.left }

func TestTrackerStats(t *testing.T) {
	logger, _ := test.NewNullLogger()
	remaining := &stubRemaining{left: 1000}
	s := NewStats(1000, remaining, time.Second, logger)

	uploaded, downloaded, left := s.GetTrackerStats()
	assert.Equal(t, int64(0), uploaded)
	assert.Equal(t, int64(0), downloaded)
	assert.Equal(t, int64(1000), left)

	s.UpdatePeer("10.0.0.1:6881", 0, 400)
	s.UpdatePeer("10.0.0.2:6881", 50, 300)
	remaining.left = 600
	uploaded, downloaded, left = s.GetTrackerStats()
	assert.Equal(t, int64(50), uploaded)
	assert.Equal(t, int64(700), downloaded)
	assert.Equal(t, int64(600), left)
}

func TestLeftIgnoresRedundantTransfer(t *testing.T) {
	logger, _ := test.NewNullLogger()
	remaining := &stubRemaining{left: 1000}
	s := NewStats(1000, remaining, time.Second, logger)

	// Duplicates and pieces that failed verification count as downloaded
	// but never shrink left.
	s.UpdatePeer("a", 0, 1000)
	s.UpdatePeer("b", 0, 1000)
	_, downloaded, left := s.GetTrackerStats()
	assert.Equal(t, int64(2000), downloaded)
	assert.Equal(t, int64(1000), left)

	remaining.left = 0
	_, _, left = s.GetTrackerStats()
	assert.Equal(t, int64(0), left)
}

func TestLeftDefaultsToSize(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewStats(1000, nil, time.Second, logger)

	s.UpdatePeer("a", 0, 400)
	_, _, left := s.GetTrackerStats()
	assert.Equal(t, int64(1000), left)
}

func TestPeerStats(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewStats(1000, nil, time.Second, logger)

	s.UpdatePeer("a", 100, 1000)
	peerStats := s.GetPeerStats()
	require.Contains(t, peerStats, "a")
	assert.Equal(t, 10, peerStats["a"].UploadRate)
	assert.Equal(t, 100, peerStats["a"].DownloadRate)

	// The sample stays in the window for PONDERATION_TIME periods.
	peerStats = s.GetPeerStats()
	assert.Equal(t, 100, peerStats["a"].DownloadRate)

	s.RemovePeer("a")
	assert.NotContains(t, s.GetPeerStats(), "a")
}

func TestReportProgressThrottled(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := NewStats(1000, nil, time.Hour, logger)

	s.ReportProgress(1, 10)
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "progress: 10%", hook.LastEntry().Message)

	// Within the interval further progress is not logged.
	s.ReportProgress(5, 10)
	assert.Len(t, hook.Entries, 1)
}

func TestReportProgressOnlyWhenGrowing(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := NewStats(1000, nil, 0, logger)

	s.ReportProgress(1, 10)
	s.ReportProgress(1, 10)
	s.ReportProgress(0, 10)
	assert.Len(t, hook.Entries, 1)

	s.ReportProgress(10, 10)
	require.Len(t, hook.Entries, 2)
	assert.Equal(t, "progress: 100%", hook.LastEntry().Message)

	s.ReportProgress(0, 0)
	assert.Len(t, hook.Entries, 2)
}
