package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/LuizSSampaio/terrent/config"
	"github.com/LuizSSampaio/terrent/metainfo"
	"github.com/LuizSSampaio/terrent/session"
	"github.com/LuizSSampaio/terrent/storage"
	"github.com/LuizSSampaio/terrent/tracker"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to the .torrent file")
	outPath := flag.String("out", "", "download target (defaults to the name in the torrent)")
	configPath := flag.String("config", "", "optional yaml configuration file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	if *torrentPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*torrentPath, *outPath, *configPath, log); err != nil {
		log.Fatal().Err(err).Msg("download failed")
	}
}

func run(torrentPath, outPath, configPath string, log zerolog.Logger) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return err
		}
	}

	file, err := os.Open(torrentPath)
	if err != nil {
		return err
	}
	info, err := metainfo.Parse(file)
	file.Close()
	if err != nil {
		return err
	}
	log.Info().Str("name", info.Name).Int("pieces", info.PieceCount()).
		Int("length", info.TotalLength).Msg("torrent loaded")

	if outPath == "" {
		outPath = info.Name
	}
	sink, err := storage.NewFileSink(outPath, info)
	if err != nil {
		return err
	}
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peerID := tracker.NewPeerID()
	feed := make(chan tracker.Addr, 32)
	sess := session.New(info, cfg, sink, feed, peerID, log)
	announcer := tracker.NewClient(peerID, cfg.ListenPort, log)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(feed)
		announcer.Run(ctx, info, sess.TrackerProgress, feed)
		return nil
	})
	group.Go(func() error {
		return sess.Run(ctx)
	})
	group.Go(func() error {
		showProgress(ctx, info, sess.Notifications())
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info().Str("file", outPath).Msg("done")
	return nil
}

// showProgress renders a piece-count progress bar off the session's
// notification stream until completion or cancellation.
func showProgress(ctx context.Context, info *metainfo.Info, notes <-chan session.Notification) {
	bar := pb.New(info.PieceCount())
	bar.ShowTimeLeft = true
	bar.Start()
	defer bar.Finish()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notes:
			bar.Set(n.Progress.VerifiedPieces)
			if n.Type == session.Completed {
				return
			}
		}
	}
}
