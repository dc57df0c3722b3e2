package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"streambit/internal/config"
	"streambit/internal/session"
	"streambit/internal/stream"
	"streambit/internal/torrent"
	"streambit/pkg/btor"
	"streambit/pkg/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "streambit",
	Short: "streambit is a streaming-first BitTorrent engine",
	Long: `streambit downloads torrents with sequential piece selection and
serves their files over HTTP with range support, so media players can
start playback long before the download completes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(infoCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [torrent or magnet]...",
	Short: "Run the engine and stream added torrents over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		log.Logger = logger.New(cfg.LogLevel)

		s := session.New(sessionConfig(cfg))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := s.Init(ctx); err != nil {
			return err
		}
		defer s.Stop()

		for _, src := range args {
			t, err := addTorrent(s, src)
			if err != nil {
				log.Err(err).Str("source", src).Msg("failed to add torrent")
				continue
			}

			fmt.Printf("%s\n  stream: http://localhost%s/torrents/%s/files/0\n",
				t.Name(), cfg.StreamAddr, t.Metadata().HexHash())
		}

		srv := stream.ListenAndServe(cfg.StreamAddr, s.Resolve)
		defer srv.Shutdown(context.Background())

		log.Info().Str("addr", cfg.StreamAddr).Uint16("port", s.Port()).Msg("engine running")

		<-ctx.Done()
		log.Info().Msg("shutting down")

		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <torrent or magnet>",
	Short: "Download a torrent to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		log.Logger = logger.New(cfg.LogLevel)

		s := session.New(sessionConfig(cfg))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := s.Init(ctx); err != nil {
			return err
		}
		defer s.Stop()

		t, err := addTorrent(s, args[0])
		if err != nil {
			return err
		}

		start := time.Now()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			st := t.Status()
			fmt.Printf("\r%s  %5.1f%%  %s/s  peers %d", t.Name(), st.Progress*100, st.DownloadRate, st.Peers)

			switch st.State {
			case torrent.StateCompleted, torrent.StateSeeding:
				fmt.Printf("\nDownload complete (%s)\n", time.Since(start).Round(time.Second))
				return nil
			case torrent.StateError:
				fmt.Println()
				return t.Err()
			}
		}
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <torrent or magnet>",
	Short: "Print a torrent's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := loadMeta(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Name:  %s\n", meta.Name())
		fmt.Printf("Hash:  %s\n", meta.HexHash())

		if !meta.HasInfo() {
			fmt.Println("Metadata not resolved; add the magnet to fetch it from the swarm")
			return nil
		}

		fmt.Printf("Size:  %s\n", meta.Length())
		fmt.Printf("Piece: %s x %d\n", meta.PieceLength(), meta.NumPieces())

		fmt.Println("Files:")
		for i, f := range meta.Files() {
			fmt.Printf("  %3d  %-50s %s\n", i, f.FullPath, f.Length)
		}

		if tiers := meta.AnnounceList(); len(tiers) > 0 {
			fmt.Println("Trackers:")
			for _, tier := range tiers {
				for _, url := range tier {
					fmt.Printf("  %s\n", url)
				}
			}
		}

		return nil
	},
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		BaseDir:         cfg.BaseDir,
		DownloadDir:     cfg.DownloadDir,
		IP:              cfg.IP,
		Ports:           cfg.Ports,
		MaxConnections:  cfg.MaxConnections,
		DownloadRate:    cfg.DownloadRate,
		UploadRate:      cfg.UploadRate,
		ReadAheadPieces: cfg.ReadAheadPieces,
		TailPinPieces:   cfg.TailPinPieces,
		Seed:            cfg.Seed,
		BootstrapNodes:  cfg.BootstrapNodes,
		DisableUPnP:     cfg.DisableUPnP,
		DisableDHT:      cfg.DisableDHT,
	}
}

func loadMeta(src string) (*btor.Torrent, error) {
	if strings.HasPrefix(src, "magnet:") {
		return btor.LoadMagnet(src)
	}

	return btor.Load(src)
}

func addTorrent(s *session.Session, src string) (*torrent.Torrent, error) {
	meta, err := loadMeta(src)
	if err != nil {
		return nil, err
	}

	return s.Add(meta)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
