package torrent

import (
	"crypto/rand"
	"fmt"
)

// PeerID identifies this client to trackers and peers.
type PeerID [20]byte

// GeneratePeerID returns an id made of prefix (Azureus style, e.g. "-LC0001-")
// padded with random decimal digits.
func GeneratePeerID(prefix string) (PeerID, error) {
	var id PeerID
	if len(prefix) >= len(id) {
		return id, fmt.Errorf("peer id prefix %q is too long", prefix)
	}
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return id, err
	}
	for i := n; i < len(id); i++ {
		id[i] = '0' + id[i]%10
	}
	return id, nil
}

func (id PeerID) String() string {
	return string(id[:])
}
