package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Charana123/leecher/go-torrent/config"
	"github.com/Charana123/leecher/go-torrent/download"
	"github.com/Charana123/leecher/go-torrent/torrent"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.OutputDir, "o", cfg.OutputDir, "Directory to write the download to")
	flag.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "Port to accept peers on, 0 to disable")
	flag.IntVar(&cfg.AnnouncePort, "announce-port", cfg.AnnouncePort, "Port reported to trackers (default: -port)")
	flag.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "Maximum number of peer connections")
	flag.IntVar(&cfg.UploadRateLimit, "upload-rate", cfg.UploadRateLimit, "Upload limit in bytes per second, 0 for unlimited")
	flag.BoolVar(&cfg.VerifyPieces, "verify", cfg.VerifyPieces, "Check every piece against its SHA-1 hash")
	flag.DurationVar(&cfg.TrackerTimeout, "tracker-timeout", cfg.TrackerTimeout, "Timeout of one tracker announce")
	flag.DurationVar(&cfg.ProgressInterval, "progress", cfg.ProgressInterval, "Minimum interval between progress reports")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <file.torrent>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	data, err := afero.ReadFile(appFS, flag.Arg(0))
	if err != nil {
		log.WithError(err).Fatal("failed to read torrent file")
	}
	tor, err := torrent.Open(data)
	if err != nil {
		log.WithError(err).Fatal("failed to parse torrent file")
	}
	peerID, err := torrent.GeneratePeerID(cfg.PeerIDPrefix)
	if err != nil {
		log.WithError(err).Fatal("failed to generate peer id")
	}
	log.WithFields(logrus.Fields{
		"name":      tor.Name(),
		"size":      humanize.Bytes(uint64(tor.TotalSize())),
		"pieces":    tor.NumPieces,
		"info_hash": fmt.Sprintf("%x", tor.InfoHash),
		"peer_id":   peerID.String(),
	}).Info("loaded torrent")

	d, err := download.NewDownload(tor, peerID, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to start download")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = d.Run(ctx)
	switch {
	case err == nil:
		log.WithField("path", d.Path()).Info("done")
	case errors.Is(err, context.Canceled):
		log.Warn("download interrupted")
		os.Exit(130)
	default:
		log.WithError(err).Error("download failed")
		os.Exit(1)
	}
}
