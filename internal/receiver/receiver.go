// Package receiver implements the HRUFT receiver engine: handshake
// with disk-space admission control, packet ingestion into the
// chunker, a proactive-NACK monitor, per-chunk verification, and the
// final atomic-rename commit. Data-plane packets fan in from every
// transport socket into the chunker; the control plane carries the
// handshake, chunk metadata, confirmations, and NACKs.
package receiver

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JinBiLianShao/HRUFT/internal/chunker"
	"github.com/JinBiLianShao/HRUFT/internal/control"
	cryptoenv "github.com/JinBiLianShao/HRUFT/internal/crypto"
	"github.com/JinBiLianShao/HRUFT/internal/session"
	"github.com/JinBiLianShao/HRUFT/internal/transport"
	"github.com/JinBiLianShao/HRUFT/internal/wire"
)

// nackMonitorInterval is the proactive-NACK monitor cadence (20 Hz).
const nackMonitorInterval = 50 * time.Millisecond

// Receiver drives a single inbound transfer.
type Receiver struct {
	cfg  session.Config
	log  zerolog.Logger
	ctrl *control.Channel
	data *transport.Transport

	prober          FreeSpaceProber
	probeAllocation bool

	state *session.State
	crypt *cryptoenv.Envelope

	chunks     *chunker.Manager
	outPath    string
	tmpPath    string
	senderAddr *net.UDPAddr

	metaMu   sync.Mutex
	metaHash map[uint32][32]byte

	verifiedMu sync.Mutex
	verified   map[uint32]bool

	fileDoneCh chan wire.FileDonePayload
}

// Option configures a Receiver beyond the session.Config fields that
// drive the sender symmetrically.
type Option func(*Receiver)

// WithFreeSpaceProber overrides the default statfs-based probe, mainly
// for tests that want a deterministic available-space figure.
func WithFreeSpaceProber(p FreeSpaceProber) Option {
	return func(r *Receiver) { r.prober = p }
}

// WithAllocationProbe toggles the 10 MiB test-write probe, on by
// default.
func WithAllocationProbe(enabled bool) Option {
	return func(r *Receiver) { r.probeAllocation = enabled }
}

// New constructs a Receiver bound to cfg's control and data ports, ready
// for Run. The destination file is not created until a SYN arrives.
func New(ctx context.Context, cfg session.Config, log zerolog.Logger, opts ...Option) (*Receiver, error) {
	if cfg.Mode != session.ModeReceive {
		return nil, errors.New("receiver: config is not in receive mode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessionID := session.NewSessionID()
	log = log.With().Str("session_id", sessionID.String()).Str("role", "receiver").Logger()

	ctrl, err := control.New(ctx, cfg.ControlPort, log)
	if err != nil {
		return nil, err
	}
	data, err := transport.New(ctx, cfg.LocalDataPort, cfg.DataSocketCount, log)
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	if cfg.EnableEncryption && len(cfg.EncryptionKey) != cryptoenv.KeySize {
		ctrl.Close()
		data.Close()
		return nil, cryptoenv.ErrKeySize
	}

	r := &Receiver{
		cfg:             cfg,
		log:             log,
		ctrl:            ctrl,
		data:            data,
		prober:          DefaultFreeSpaceProbe,
		probeAllocation: true,
		state:           session.NewState(0),
		metaHash:        make(map[uint32][32]byte),
		verified:        make(map[uint32]bool),
		fileDoneCh:      make(chan wire.FileDonePayload, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases all resources. Safe to call after Run returns.
func (r *Receiver) Close() error {
	r.ctrl.Close()
	r.data.Close()
	if r.chunks != nil {
		return r.chunks.Close()
	}
	return nil
}

// State exposes the session's progress snapshot accessor.
func (r *Receiver) State() *session.State { return r.state }

// Run drives the full receive session: handshake, transfer, verification
// and commit. It blocks until the session reaches COMPLETED or ERROR.
func (r *Receiver) Run(ctx context.Context) error {
	r.state.Transition(session.PhaseHandshake)
	if err := r.handshake(ctx); err != nil {
		r.state.Fail(err)
		return err
	}

	// The async handler stays installed through verification so a
	// FILE_DONE racing the end of the transfer phase still lands in
	// fileDoneCh rather than the synchronous queue.
	r.ctrl.SetHandler(func(msg control.Message) { r.handleControlMessage(msg) })
	defer r.ctrl.SetHandler(nil)

	r.state.Transition(session.PhaseTransfer)
	if err := r.transfer(ctx); err != nil {
		r.state.Fail(err)
		return err
	}

	r.state.Transition(session.PhaseVerification)
	if err := r.verifyAndCommit(ctx); err != nil {
		r.state.Fail(err)
		return err
	}

	r.state.Transition(session.PhaseCompleted)
	return nil
}

// handshake waits for a SYN, probes free disk space, replies SYN_ACK,
// and creates and maps the destination file on accept.
func (r *Receiver) handshake(ctx context.Context) error {
	msg, err := r.ctrl.ReceiveWithTimeout(ctx, r.cfg.HandshakeTimeout)
	if err != nil {
		return session.ErrHandshakeTimeout
	}
	if msg.Header.Type != wire.SYN {
		return session.ErrHandshakeTimeout
	}
	syn, err := wire.DecodeSynPayload(msg.Payload)
	if err != nil {
		return session.ErrHandshakeTimeout
	}

	if r.cfg.EnableEncryption {
		// Both peers derive the same IV binding from the SYN parameters;
		// nothing secret crosses the wire.
		binding := cryptoenv.TransferBinding(syn.FileSize, syn.ChunkSize, syn.TotalChunks, syn.Filename)
		envelope, err := cryptoenv.NewEnvelope(r.cfg.EncryptionKey, binding)
		if err != nil {
			return err
		}
		r.crypt = envelope
	}

	outPath := r.cfg.Filename
	if outPath == "" {
		// Never trust path components from the wire.
		outPath = filepath.Base(syn.Filename)
	}
	dir := dirOf(outPath)

	available, ok, reason := checkSpace(r.prober, dir, syn.FileSize)
	if ok && r.probeAllocation {
		if err := probeAllocation(dir); err != nil {
			ok = false
			reason = err.Error()
		}
	}

	ack := wire.SynAckPayload{
		AvailableSpace: available,
		MaxChunkSize:   uint32(r.cfg.ChunkSizeBytes()),
		Accept:         ok,
		Reason:         reason,
	}
	udpAddr, addrOK := msg.Addr.(*net.UDPAddr)
	if !addrOK {
		return session.ErrHandshakeTimeout
	}
	r.senderAddr = udpAddr
	if err := r.ctrl.Send(udpAddr, wire.SynAck, 0, wire.EncodeSynAckPayload(ack)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrInsufficientSpace, reason)
	}

	r.outPath = outPath
	r.tmpPath = outPath + ".tmp"
	chunks, err := chunker.InitForReceive(r.tmpPath, int64(syn.FileSize), int64(syn.ChunkSize), r.cfg.PacketSize)
	if err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	r.chunks = chunks
	r.state.SetTotalChunks(int64(chunks.TotalChunks()))
	r.log.Info().Uint64("file_size", syn.FileSize).Uint32("total_chunks", syn.TotalChunks).Msg("accepted transfer")
	return nil
}

// transfer ingests data-plane packets into the chunker and runs the
// proactive-NACK monitor until every chunk verifies.
func (r *Receiver) transfer(ctx context.Context) error {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	ingestWorkers := r.cfg.Workers
	if ingestWorkers < 1 {
		ingestWorkers = 1
	}
	wg.Add(ingestWorkers + 1)
	for i := 0; i < ingestWorkers; i++ {
		go func() {
			defer wg.Done()
			r.ingestLoop(tctx)
		}()
	}
	go func() {
		defer wg.Done()
		r.nackMonitor(tctx)
	}()

	done := make(chan struct{})
	go func() {
		r.waitAllVerified(tctx)
		close(done)
	}()

	select {
	case <-done:
		cancel()
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	}
	wg.Wait()
	return nil
}

func (r *Receiver) waitAllVerified(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.chunks.AllChunksVerified() {
				return
			}
		}
	}
}

func (r *Receiver) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dgram, ok := <-r.data.Receive():
			if !ok {
				return
			}
			r.handleDatagram(dgram)
		}
	}
}

func (r *Receiver) handleDatagram(dgram transport.Datagram) {
	header, payload, err := wire.DecodeDataFrame(dgram.Data)
	if err != nil {
		r.log.Debug().Err(err).Msg("dropping invalid data frame")
		return
	}

	if header.IsEncrypted() {
		if r.crypt == nil {
			r.log.Debug().Msg("dropping encrypted frame, encryption not configured")
			return
		}
		plainLen := len(payload) - sha256.Size
		if plainLen < 0 {
			return
		}
		macHeader := wire.EncodeDataHeader(wire.DataHeader{
			ChunkID: header.ChunkID, Seq: header.Seq, Offset: header.Offset,
			DataLen: uint16(plainLen), Flags: header.Flags,
		})
		nonce := chunkSeqNonce(header.ChunkID, header.Seq)
		plain, err := r.crypt.Decapsulate(macHeader, payload, nonce)
		if err != nil {
			r.log.Debug().Err(err).Msg("dropping frame, HMAC verification failed")
			return
		}
		payload = plain
	}

	if err := r.chunks.ProcessReceivedPacket(header.ChunkID, header.Seq, payload); err != nil {
		r.log.Debug().Err(err).Uint32("chunk_id", header.ChunkID).Uint32("seq", header.Seq).Msg("dropping packet")
		return
	}
	r.state.AddBytesTransferred(int64(len(payload)))
	r.maybeVerify(header.ChunkID)
}

// chunkSeqNonce mirrors the sender's deterministic per-packet nonce
// derivation (internal/sender.chunkSeqNonce) so Decapsulate recomputes
// the same IV the sender used to Encapsulate.
func chunkSeqNonce(chunkID, seq uint32) uint64 {
	return uint64(chunkID)<<32 | uint64(seq)
}

func (r *Receiver) handleControlMessage(msg control.Message) {
	switch msg.Header.Type {
	case wire.ChunkMeta:
		meta, err := wire.DecodeChunkMetaPayload(msg.Payload)
		if err != nil {
			return
		}
		r.metaMu.Lock()
		r.metaHash[msg.Header.ChunkID] = meta.Hash
		r.metaMu.Unlock()
		r.maybeVerify(msg.Header.ChunkID)
	case wire.FileDone:
		done, err := wire.DecodeFileDonePayload(msg.Payload)
		if err != nil {
			return
		}
		select {
		case r.fileDoneCh <- done:
		default:
		}
	case wire.Heartbeat:
		r.log.Debug().Msg("received heartbeat")
	}
}

// maybeVerify tolerates CHUNK_META arriving after the first data
// packet of its chunk: it is a no-op until both the chunk's bitset is
// full and its expected hash is known.
func (r *Receiver) maybeVerify(chunkID uint32) {
	r.verifiedMu.Lock()
	if r.verified[chunkID] {
		r.verifiedMu.Unlock()
		return
	}
	r.verifiedMu.Unlock()

	if !r.chunks.IsChunkComplete(chunkID) {
		return
	}
	r.metaMu.Lock()
	hash, ok := r.metaHash[chunkID]
	r.metaMu.Unlock()
	if !ok {
		return
	}

	match, err := r.chunks.VerifyChunk(chunkID, hash)
	if err != nil {
		return
	}
	if match {
		r.verifiedMu.Lock()
		r.verified[chunkID] = true
		r.verifiedMu.Unlock()
		r.state.CompleteChunk()
		if r.senderAddr != nil {
			_ = r.ctrl.Send(r.senderAddr, wire.ChunkConfirm, chunkID, nil)
		}
		return
	}

	// ChunkHashMismatch: request the full chunk retransmit by
	// listing every packet index via CHUNK_RETRY.
	desc, err := r.chunks.Descriptor(chunkID)
	if err != nil || r.senderAddr == nil {
		return
	}
	missing := make([]uint32, desc.PacketCount)
	for i := range missing {
		missing[i] = uint32(i)
	}
	payload := wire.EncodeChunkNackPayload(wire.ChunkNackPayload{MissingPackets: missing})
	_ = r.ctrl.Send(r.senderAddr, wire.ChunkRetry, chunkID, payload)
	r.log.Warn().Uint32("chunk_id", chunkID).Msg("chunk hash mismatch, requesting full retransmit")
}

// nackMonitor periodically drains the chunker's NACK candidates and
// reports them to the sender.
func (r *Receiver) nackMonitor(ctx context.Context) {
	ticker := time.NewTicker(nackMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.senderAddr == nil {
				continue
			}
			for _, nack := range r.chunks.ProactiveNacks() {
				payload := wire.EncodeChunkNackPayload(wire.ChunkNackPayload{MissingPackets: nack.MissingPackets})
				if err := r.ctrl.Send(r.senderAddr, wire.ChunkNack, nack.ChunkID, payload); err != nil {
					r.log.Debug().Err(err).Msg("failed to send proactive nack")
				}
			}
		}
	}
}

// verifyAndCommit waits for FILE_DONE, verifies the whole-file hash,
// then atomically commits the tmp file.
func (r *Receiver) verifyAndCommit(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.ChunkTimeout)
	defer timer.Stop()

	var done wire.FileDonePayload
	select {
	case done = <-r.fileDoneCh:
	case <-timer.C:
		return fmt.Errorf("receiver: timed out waiting for FILE_DONE")
	case <-ctx.Done():
		return ctx.Err()
	}

	actual := r.chunks.FileHash()
	if actual != done.FileHash {
		r.chunks.Close()
		os.Remove(r.tmpPath)
		return session.ErrFileHashMismatch
	}

	if err := r.chunks.Sync(); err != nil {
		return fmt.Errorf("receiver: sync: %w", err)
	}
	if err := r.chunks.Close(); err != nil {
		return fmt.Errorf("receiver: close mapping: %w", err)
	}
	return commitFile(r.tmpPath, r.outPath)
}

// commitFile renames the tmp file into place, falling back to
// copy-then-unlink if the rename fails across filesystems.
func commitFile(tmpPath, finalPath string) error {
	if err := os.Rename(tmpPath, finalPath); err == nil {
		return nil
	}

	src, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("receiver: commit: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(finalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("receiver: commit: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(finalPath)
		return fmt.Errorf("receiver: commit copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("receiver: commit copy: %w", err)
	}
	return os.Remove(tmpPath)
}
