// Command hruft is the front-end for the HRUFT bulk file transfer
// protocol: it parses flags into a session configuration, runs a sender
// or receiver engine, and renders transfer progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/JinBiLianShao/HRUFT/internal/crypto"
	"github.com/JinBiLianShao/HRUFT/internal/receiver"
	"github.com/JinBiLianShao/HRUFT/internal/sender"
	"github.com/JinBiLianShao/HRUFT/internal/session"
)

func main() {
	var (
		mode     = flag.String("mode", "", "transfer mode: send or recv")
		file     = flag.String("file", "", "file to send, or destination path when receiving (defaults to the sender's filename)")
		remote   = flag.String("remote", "", "remote IP address (send mode)")
		port     = flag.Int("port", 10000, "control channel UDP port")
		dataPort = flag.Int("data-port", 0, "local base data port (default: control port+1 when receiving, ephemeral when sending)")
		sockets  = flag.Int("sockets", 4, "number of data-plane UDP sockets")
		workers  = flag.Int("workers", 8, "sender worker threads (1-64)")
		chunkMB  = flag.Int("chunk-mb", 4, "chunk size in MiB (1-1024)")
		window   = flag.Int("window", 16, "sliding window size in chunks (1-256)")
		packet   = flag.Int("packet", 1400, "data packet payload size in bytes")
		key      = flag.String("key", "", "pre-shared encryption key (32 characters, enables encryption)")
		rate     = flag.Int64("rate", 0, "target send rate in bytes/sec (0 = fixed per-packet pacing)")
		genkey   = flag.Bool("genkey", false, "generate a random encryption key and exit")
		quiet    = flag.Bool("quiet", false, "suppress the progress bar")
		verbose  = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	if *genkey {
		k, err := crypto.GenerateKey(crypto.KeySize)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hruft: generating key:", err)
			os.Exit(1)
		}
		fmt.Println(k)
		return
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	cfg := session.DefaultConfig()
	cfg.Filename = *file
	cfg.RemoteIP = *remote
	cfg.ControlPort = *port
	cfg.DataSocketCount = *sockets
	cfg.Workers = *workers
	cfg.ChunkSizeMB = *chunkMB
	cfg.WindowSize = *window
	cfg.PacketSize = *packet
	cfg.TargetBytesPerSecond = *rate
	if *key != "" {
		cfg.EncryptionKey = []byte(*key)
		cfg.EnableEncryption = true
	}

	switch *mode {
	case "send":
		cfg.Mode = session.ModeSend
		cfg.LocalDataPort = *dataPort
	case "recv":
		cfg.Mode = session.ModeReceive
		cfg.LocalDataPort = *dataPort
		if cfg.LocalDataPort == 0 {
			cfg.LocalDataPort = cfg.ControlPort + 1
		}
	default:
		fmt.Fprintln(os.Stderr, "hruft: -mode must be send or recv")
		flag.Usage()
		os.Exit(2)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "hruft:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn().Msg("interrupted, shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, log, !*quiet); err != nil {
		log.Error().Err(err).Msg("transfer failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg session.Config, log zerolog.Logger, showProgress bool) error {
	var state *session.State
	var runErr = make(chan error, 1)

	switch cfg.Mode {
	case session.ModeSend:
		s, err := sender.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()
		state = s.State()
		go func() { runErr <- s.Run(ctx) }()
	case session.ModeReceive:
		r, err := receiver.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer r.Close()
		state = r.State()
		go func() { runErr <- r.Run(ctx) }()
	}

	var prog *progress
	if showProgress {
		prog = newProgress(cfg.Mode.String())
		defer prog.finish()
	}

	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case err := <-runErr:
			if err != nil {
				return err
			}
			snap := state.Snapshot()
			if prog != nil {
				prog.draw(snap)
				prog.finish()
				prog = nil
			}
			elapsed := time.Since(start).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(snap.BytesTransferred) / elapsed
			}
			log.Info().
				Str("bytes", strings.TrimSpace(fmtSize(float64(snap.BytesTransferred)))).
				Str("speed", strings.TrimSpace(fmtSize(speed))+"/s").
				Str("elapsed", fmtTime(elapsed)).
				Msg("transfer complete")
			return nil
		case <-ticker.C:
			if prog != nil {
				prog.draw(state.Snapshot())
			}
		}
	}
}

// progress renders a terminal progress bar from session snapshots.
type progress struct {
	label    string
	finished atomic.Bool
}

func newProgress(label string) *progress {
	return &progress{label: label}
}

func (p *progress) draw(snap session.Progress) {
	if p.finished.Load() {
		return
	}
	total := snap.TotalChunks
	if total < 1 {
		total = 1
	}
	pct := float64(snap.CompletedChunks) / float64(total)
	width := 28
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	fmt.Fprintf(os.Stderr, "\r  %-12s [%s] %5.1f%%  %s/s  %s",
		p.label, bar, pct*100, fmtSize(snap.SpeedBytesPerSec), snap.Phase)
}

func (p *progress) finish() {
	if p.finished.Swap(true) {
		return
	}
	fmt.Fprintln(os.Stderr)
}

func fmtSize(n float64) string {
	for _, u := range []string{"B", "KB", "MB", "GB"} {
		if n < 1024 {
			return fmt.Sprintf("%6.1f %s", n, u)
		}
		n /= 1024
	}
	return fmt.Sprintf("%6.1f TB", n)
}

func fmtTime(s float64) string {
	if s < 60 {
		return fmt.Sprintf("%.0fs", s)
	}
	return fmt.Sprintf("%.0fm%02ds", s/60, int(s)%60)
}
