package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"bitferry/client"
	"bitferry/file"
	"bitferry/seeder"
	"bitferry/torrent"
	"bitferry/tracker"
)

const usage = `usage: bitferry <command> [flags] [args]

commands:
  info     <file.torrent>                 print descriptor fields
  create   -announce URL <file>           write <file>.torrent
  download <file.torrent>                 fetch the file from the swarm
  seed     <file.torrent> <file>          serve a complete file
  tracker                                 run an HTTP tracker
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "info":
		err = runInfo(args)
	case "create":
		err = runCreate(args)
	case "download":
		err = runDownload(ctx, args)
	case "seed":
		err = runSeed(ctx, args)
	case "tracker":
		err = runTracker(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "bitferry:", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("info: expected one descriptor path")
	}
	tf, err := file.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(tf)
	for _, url := range tf.AnnounceList {
		fmt.Println("Backup tracker:", url)
	}
	for i, h := range tf.PieceHashes {
		fmt.Printf("%6d %x\n", i, h)
	}
	return nil
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	announce := fs.String("announce", "", "tracker announce URL")
	out := fs.String("o", "", "descriptor path (default <file>.torrent)")
	pieceLength := fs.Int("piece-length", file.DefaultPieceLength, "piece length in bytes")
	fs.Parse(args)
	if fs.NArg() != 1 || *announce == "" {
		return errors.New("create: expected -announce URL and one file")
	}

	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	desc, err := file.Create(data, filepath.Base(path), *announce, *pieceLength)
	if err != nil {
		return err
	}
	if *out == "" {
		*out = path + ".torrent"
	}
	if err := os.WriteFile(*out, desc, 0o644); err != nil {
		return err
	}
	infoHash, err := client.ComputeInfoHash(desc)
	if err != nil {
		return err
	}
	fmt.Printf("%s %x\n", *out, infoHash)
	return nil
}

func runDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	out := fs.String("o", "", "output path (default: name from the descriptor)")
	port := fs.Uint("port", client.DefaultPort, "port announced to the tracker")
	maxPeers := fs.Int("peers", torrent.DefaultConfig().MaxPeers, "concurrent peer connections")
	retries := fs.Int("retries", torrent.DefaultConfig().MaxRetries, "hash mismatches allowed per piece")
	dialRate := fs.Float64("dial-rate", 0, "new peer connections per second (0: unlimited)")
	progress := fs.Bool("progress", true, "show a progress bar")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("download: expected one descriptor path")
	}

	logger := newLogger(*verbose)
	tf, err := file.Open(fs.Arg(0))
	if err != nil {
		return err
	}

	c := client.New(
		client.WithPort(uint16(*port)),
		client.WithLogger(logger),
		client.WithSwarmOptions(
			torrent.WithMaxPeers(*maxPeers),
			torrent.WithMaxRetries(*retries),
			torrent.WithDialRate(*dialRate),
			torrent.WithProgress(*progress),
		),
	)
	res, err := c.Download(ctx, tf)
	if err != nil {
		return err
	}

	path := *out
	if path == "" {
		path = filepath.Base(res.Name)
	}
	if err := os.WriteFile(path, res.Data, 0o644); err != nil {
		return err
	}
	logger.Info().Str("path", path).Int("bytes", len(res.Data)).Msg("saved")
	return nil
}

func runSeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	port := fs.Int("port", client.DefaultPort, "listening port")
	limit := fs.Int("rate", 0, "upload limit in bytes per second (0: unlimited)")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("seed: expected a descriptor path and a file path")
	}

	logger := newLogger(*verbose)
	tf, err := file.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	data, err := os.ReadFile(fs.Arg(1))
	if err != nil {
		return err
	}
	for i := range tf.PieceHashes {
		begin, end := tf.PieceBounds(i)
		if end > len(data) || file.PieceHash(data[begin:end]) != tf.PieceHashes[i] {
			return fmt.Errorf("seed: %s does not match the descriptor at piece %d", fs.Arg(1), i)
		}
	}

	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(*port)))
	if err != nil {
		return err
	}
	c := client.New(client.WithLogger(logger))
	return c.Seed(ctx, tf, data, l, seeder.WithRateLimit(*limit))
}

func runTracker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tracker", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	interval := fs.Duration("interval", tracker.DefaultInterval, "announce interval sent to peers")
	peerTimeout := fs.Duration("peer-timeout", tracker.DefaultPeerTimeout, "forget peers silent for this long")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)

	logger := newLogger(*verbose)
	srv := &http.Server{
		Addr: *addr,
		Handler: tracker.NewServer(
			tracker.WithInterval(*interval),
			tracker.WithPeerTimeout(*peerTimeout),
			tracker.WithServerLogger(logger),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info().Str("addr", *addr).Msg("tracker listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
