package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Charana123/leecher/go-torrent/bencode"
	"github.com/sirupsen/logrus"
)

const MAX_RESPONSE_SIZE = 1 << 20

type httpTracker struct {
	announceURL string
	config      Config
	client      *http.Client
	log         logrus.FieldLogger
}

func newHTTPTracker(announceURL string, config Config, log logrus.FieldLogger) *httpTracker {
	return &httpTracker{
		announceURL: announceURL,
		config:      config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		log: log,
	}
}

// percentEncode writes every byte as a %XX pair. Generic query escaping is
// not safe for arbitrary binary.
func percentEncode(b []byte) string {
	sb := &strings.Builder{}
	for _, c := range b {
		fmt.Fprintf(sb, "%%%02X", c)
	}
	return sb.String()
}

func (tr *httpTracker) requestURL() string {
	uploaded, downloaded, left := tr.config.trackerStats()

	q := url.Values{}
	q.Set("peer_id", string(tr.config.PeerID[:]))
	q.Set("port", strconv.Itoa(int(tr.config.Port)))
	q.Set("uploaded", strconv.FormatInt(uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(downloaded, 10))
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("event", "started")
	q.Set("compact", "1")

	sep := "?"
	if strings.Contains(tr.announceURL, "?") {
		sep = "&"
	}
	return tr.announceURL + sep + q.Encode() + "&info_hash=" + percentEncode(tr.config.InfoHash[:])
}

func (tr *httpTracker) GetPeers(ctx context.Context) ([]Peer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tr.requestURL(), nil)
	if err != nil {
		return nil, err
	}
	tr.log.Debug("sending announce request")
	resp, err := tr.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MAX_RESPONSE_SIZE))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http tracker responded %s", resp.Status)
	}

	peers, err := tr.parseResponse(body)
	if err != nil {
		return nil, err
	}
	tr.log.WithField("peers", len(peers)).Info("received announce response")
	return peers, nil
}

// parseResponse accepts a bencoded dictionary and, from trackers that skip
// the dictionary, a bare compact peer list.
func (tr *httpTracker) parseResponse(body []byte) ([]Peer, error) {
	decoded, err := bencode.Decode(body)
	response, ok := decoded.(map[string]interface{})
	if err != nil || !ok {
		tr.log.Debug("response is not a bencoded dictionary, reading it as a compact peer list")
		return ParseCompactPeers(body)
	}

	if reason, ok := response["failure reason"]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTracker, asString(reason))
	}
	if warning, ok := response["warning message"]; ok {
		tr.log.WithField("warning", asString(warning)).Warn("tracker warning")
	}

	switch peers := response["peers"].(type) {
	case string:
		return ParseCompactPeers([]byte(peers))
	case []byte:
		return ParseCompactPeers(peers)
	case []interface{}:
		return parseNonCompactPeers(peers)
	case nil:
		return []Peer{}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected peers value %T", ErrTracker, peers)
	}
}

// parseNonCompactPeers reads a list of {ip, port, peer id} dictionaries.
func parseNonCompactPeers(peerList []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(peerList))
	for _, item := range peerList {
		peerDict, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: invalid non-compact peer %T", ErrTracker, item)
		}
		ip := net.ParseIP(asString(peerDict["ip"]))
		port, ok := peerDict["port"].(int64)
		if ip == nil || !ok || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid non-compact peer %v", ErrTracker, peerDict)
		}
		peers = append(peers, Peer{IP: ip, Port: uint16(port)})
	}
	return peers, nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}
