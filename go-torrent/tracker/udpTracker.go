package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"

	"github.com/sirupsen/logrus"
)

const (
	PROTOCOL_ID = 0x41727101980

	ACTION_CONNECT  = 0
	ACTION_ANNOUNCE = 1
	ACTION_ERROR    = 3

	MAX_DATAGRAM_SIZE = 65536
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent
type udpTracker struct {
	host   string
	config Config
	key    int32
	log    logrus.FieldLogger
}

func (tr *udpTracker) GetPeers(ctx context.Context) ([]Peer, error) {
	ctx, cancel := withTimeout(ctx, tr.config.Timeout)
	defer cancel()

	dialer := &net.Dialer{}
	trackerConn, err := dialer.DialContext(ctx, "udp", tr.host)
	if err != nil {
		return nil, err
	}
	defer trackerConn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		trackerConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		trackerConn.Close()
	})
	defer stop()

	peers, err := tr.query(trackerConn)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("udp tracker %s: %w", tr.host, ctx.Err())
	}
	return peers, err
}

func (tr *udpTracker) query(trackerConn net.Conn) ([]Peer, error) {
	connectionID, err := tr.connectUDP(trackerConn)
	if err != nil {
		return nil, err
	}
	return tr.announceUDP(trackerConn, connectionID)
}

func (tr *udpTracker) connectUDP(trackerConn net.Conn) (int64, error) {
	connectRequest := &bytes.Buffer{}
	binary.Write(connectRequest, binary.BigEndian, int64(PROTOCOL_ID))
	binary.Write(connectRequest, binary.BigEndian, int32(ACTION_CONNECT))
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	tr.log.Debug("sending connect request")
	if _, err := trackerConn.Write(connectRequest.Bytes()); err != nil {
		return 0, err
	}

	resp, err := tr.readResponse(trackerConn, ACTION_CONNECT, transactionID, 16)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(resp[8:16])), nil
}

func (tr *udpTracker) announceUDP(trackerConn net.Conn, connectionID int64) ([]Peer, error) {
	uploaded, downloaded, left := tr.config.trackerStats()

	announceRequest := &bytes.Buffer{}
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	binary.Write(announceRequest, binary.BigEndian, int32(ACTION_ANNOUNCE))
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	announceRequest.Write(tr.config.InfoHash[:])
	announceRequest.Write(tr.config.PeerID[:])
	binary.Write(announceRequest, binary.BigEndian, downloaded)
	binary.Write(announceRequest, binary.BigEndian, left)
	binary.Write(announceRequest, binary.BigEndian, uploaded)
	binary.Write(announceRequest, binary.BigEndian, int32(NONE))
	binary.Write(announceRequest, binary.BigEndian, uint32(0)) // default ip
	binary.Write(announceRequest, binary.BigEndian, tr.key)
	binary.Write(announceRequest, binary.BigEndian, int32(-1)) // numwant
	binary.Write(announceRequest, binary.BigEndian, tr.config.Port)

	tr.log.Debug("sending announce request")
	if _, err := trackerConn.Write(announceRequest.Bytes()); err != nil {
		return nil, err
	}

	resp, err := tr.readResponse(trackerConn, ACTION_ANNOUNCE, transactionID, 20)
	if err != nil {
		return nil, err
	}
	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	// A trailing partial address is dropped rather than failing the announce.
	peerAddrs := resp[20:]
	peerAddrs = peerAddrs[:len(peerAddrs)-len(peerAddrs)%COMPACT_PEER_LENGTH]
	peers, err := ParseCompactPeers(peerAddrs)
	if err != nil {
		return nil, err
	}
	tr.log.WithFields(logrus.Fields{
		"interval": interval,
		"leechers": leechers,
		"seeders":  seeders,
		"peers":    len(peers),
	}).Info("received announce response")
	return peers, nil
}

// readResponse waits for a datagram carrying action and transactionID.
// Datagrams for other transactions or with unknown actions are skipped.
func (tr *udpTracker) readResponse(trackerConn net.Conn, action, transactionID int32, minLength int) ([]byte, error) {
	data := make([]byte, MAX_DATAGRAM_SIZE)
	for {
		n, err := trackerConn.Read(data)
		if err != nil {
			return nil, err
		}
		resp := data[:n]
		if n < 8 {
			tr.log.WithField("length", n).Warn("ignoring short tracker datagram")
			continue
		}
		respAction := int32(binary.BigEndian.Uint32(resp[0:4]))
		respTransactionID := int32(binary.BigEndian.Uint32(resp[4:8]))
		if respTransactionID != transactionID {
			tr.log.WithField("transaction", respTransactionID).Warn("ignoring response for another transaction")
			continue
		}
		switch respAction {
		case ACTION_ERROR:
			return nil, fmt.Errorf("%w: %s", ErrTracker, string(resp[8:]))
		case action:
			if n < minLength {
				return nil, fmt.Errorf("%w: malformed response of %d bytes", ErrTracker, n)
			}
			return resp, nil
		default:
			tr.log.WithField("action", respAction).Warn("ignoring unknown response type")
		}
	}
}
