package config

import "time"

type Config struct {
	// OutputDir receives the downloaded file.
	OutputDir string
	// ListenPort accepts inbound peer connections. Zero disables the listener.
	ListenPort int
	// AnnouncePort is the port reported to trackers; zero means ListenPort.
	AnnouncePort int

	KeepAliveInterval time.Duration
	DialTimeout       time.Duration
	// PeerTimeout bounds a write and the silence allowed between reads.
	PeerTimeout    time.Duration
	TrackerTimeout time.Duration

	VerifyPieces bool
	// UploadRateLimit in bytes per second, zero for unlimited.
	UploadRateLimit int
	MaxPeers        int

	ProgressInterval time.Duration
	PeerIDPrefix     string
}

func DefaultConfig() *Config {
	return &Config{
		OutputDir:         ".",
		ListenPort:        6887,
		KeepAliveInterval: 90 * time.Second,
		DialTimeout:       5 * time.Second,
		PeerTimeout:       3 * time.Minute,
		TrackerTimeout:    15 * time.Second,
		VerifyPieces:      true,
		MaxPeers:          50,
		ProgressInterval:  time.Second,
		PeerIDPrefix:      "-LC0001-",
	}
}

// GetAnnouncePort is the port advertised to trackers.
func (c *Config) GetAnnouncePort() uint16 {
	if c.AnnouncePort != 0 {
		return uint16(c.AnnouncePort)
	}
	return uint16(c.ListenPort)
}
