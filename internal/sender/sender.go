// Package sender implements the HRUFT sender engine: handshake,
// per-worker chunk pump, retransmit worker, deadlock watchdog, and final
// hash exchange. Workers acquire chunk ids from the sliding window,
// stream each chunk's packets over the data transport, and rely on the
// receiver's confirmations and NACKs arriving on the control channel.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
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
	"github.com/JinBiLianShao/HRUFT/internal/window"
)

// deadlockCheckInterval and deadlockStallThreshold set the watchdog
// cadence and how long progress may stall before slots are forced free.
const (
	deadlockCheckInterval  = 5 * time.Second
	deadlockStallThreshold = 30 * time.Second
	retransmitPollInterval = 20 * time.Millisecond
)

// Sender drives a single outbound transfer.
type Sender struct {
	cfg  session.Config
	log  zerolog.Logger
	ctrl *control.Channel
	data *transport.Transport

	chunks *chunker.Manager
	win    *window.Window
	state  *session.State
	pacer  Pacer
	crypt  *cryptoenv.Envelope

	remoteCtrlAddr *net.UDPAddr
	remoteDataAddr *net.UDPAddr

	remoteMaxChunkSize uint32

	retransmitOnce  sync.Once
	retransmitQueue chan window.RetransmitCandidate

	// confirmed tracks which chunk ids the receiver has CHUNK_CONFIRM'd.
	// This is distinct from chunks.AllChunksComplete(), which is
	// always true on the sender side (InitForSend marks every chunk
	// notionally complete at load); only the receiver's confirmations
	// tell the sender it is actually done.
	confirmedMu sync.Mutex
	confirmed   map[uint32]bool
}

// New constructs a Sender for cfg.Filename, ready for Run.
func New(ctx context.Context, cfg session.Config, log zerolog.Logger) (*Sender, error) {
	if cfg.Mode != session.ModeSend {
		return nil, errors.New("sender: config is not in send mode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessionID := session.NewSessionID()
	log = log.With().Str("session_id", sessionID.String()).Str("role", "sender").Logger()

	chunks, err := chunker.InitForSend(cfg.Filename, cfg.ChunkSizeBytes(), cfg.PacketSize)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}

	ctrl, err := control.New(ctx, 0, log)
	if err != nil {
		chunks.Close()
		return nil, err
	}
	data, err := transport.New(ctx, cfg.LocalDataPort, cfg.DataSocketCount, log)
	if err != nil {
		ctrl.Close()
		chunks.Close()
		return nil, err
	}

	var pacer Pacer
	if cfg.TargetBytesPerSecond > 0 {
		pacer = NewTokenBucketPacer(cfg.TargetBytesPerSecond)
	} else {
		pacer = NewFixedSleepPacer()
	}

	var envelope *cryptoenv.Envelope
	if cfg.EnableEncryption {
		// The IV binding is derived from the handshake parameters so
		// the receiver can reconstruct it from the SYN alone.
		binding := cryptoenv.TransferBinding(
			uint64(chunks.FileSize()), uint32(cfg.ChunkSizeBytes()),
			uint32(chunks.TotalChunks()), filepath.Base(cfg.Filename))
		envelope, err = cryptoenv.NewEnvelope(cfg.EncryptionKey, binding)
		if err != nil {
			ctrl.Close()
			data.Close()
			chunks.Close()
			return nil, err
		}
	}

	s := &Sender{
		cfg:    cfg,
		log:    log,
		ctrl:   ctrl,
		data:   data,
		chunks: chunks,
		win:    window.New(cfg.WindowSize),
		state:  session.NewState(int64(chunks.TotalChunks())),
		pacer:  pacer,
		crypt:  envelope,
		remoteCtrlAddr: &net.UDPAddr{
			IP:   net.ParseIP(cfg.RemoteIP),
			Port: cfg.ControlPort,
		},
		confirmed: make(map[uint32]bool, chunks.TotalChunks()),
	}
	return s, nil
}

// Close releases all resources. Safe to call after Run returns.
func (s *Sender) Close() error {
	s.ctrl.Close()
	s.data.Close()
	return s.chunks.Close()
}

// State exposes the session's progress snapshot accessor.
func (s *Sender) State() *session.State { return s.state }

// Run drives the full transfer: handshake, transfer, completion. It
// blocks until the session reaches COMPLETED or ERROR.
func (s *Sender) Run(ctx context.Context) error {
	s.state.Transition(session.PhaseHandshake)
	if err := s.handshake(ctx); err != nil {
		s.state.Fail(err)
		return err
	}

	s.state.Transition(session.PhaseTransfer)
	if err := s.transfer(ctx); err != nil {
		s.state.Fail(err)
		return err
	}

	if err := s.finish(ctx); err != nil {
		s.state.Fail(err)
		return err
	}
	s.state.Transition(session.PhaseCompleted)
	return nil
}

// handshake sends SYN and waits for a SYN_ACK accepting the transfer.
func (s *Sender) handshake(ctx context.Context) error {
	syn := wire.EncodeSynPayload(wire.SynPayload{
		FileSize:    uint64(s.chunks.FileSize()),
		ChunkSize:   uint32(s.cfg.ChunkSizeBytes()),
		TotalChunks: uint32(s.chunks.TotalChunks()),
		Filename:    filepath.Base(s.cfg.Filename),
	})
	if err := s.ctrl.Send(s.remoteCtrlAddr, wire.SYN, 0, syn); err != nil {
		return err
	}

	msg, err := s.ctrl.ReceiveWithTimeout(ctx, s.cfg.HandshakeTimeout)
	if err != nil {
		return session.ErrHandshakeTimeout
	}
	if msg.Header.Type != wire.SynAck {
		return session.ErrHandshakeTimeout
	}
	ack, err := wire.DecodeSynAckPayload(msg.Payload)
	if err != nil {
		return session.ErrHandshakeTimeout
	}
	if !ack.Accept {
		return fmt.Errorf("%w: %s", session.ErrHandshakeRejected, ack.Reason)
	}

	s.remoteMaxChunkSize = ack.MaxChunkSize
	if udpAddr, ok := msg.Addr.(*net.UDPAddr); ok {
		s.remoteDataAddr = &net.UDPAddr{IP: udpAddr.IP, Port: s.cfg.ControlPort + 1}
	} else {
		s.remoteDataAddr = &net.UDPAddr{IP: s.remoteCtrlAddr.IP, Port: s.cfg.ControlPort + 1}
	}
	return nil
}

// transfer runs the worker pool, retransmit worker, and deadlock
// watchdog, all cooperatively cancelable via ctx.
func (s *Sender) transfer(ctx context.Context) error {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	reportErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	s.ctrl.SetHandler(func(msg control.Message) { s.handleControlMessage(msg) })
	defer s.ctrl.SetHandler(nil)

	var wg sync.WaitGroup
	wg.Add(s.cfg.Workers + 2)

	for i := 0; i < s.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			s.worker(tctx)
		}()
	}
	go func() {
		defer wg.Done()
		s.retransmitWorker(tctx)
	}()
	go func() {
		defer wg.Done()
		s.deadlockWatchdog(tctx, reportErr)
	}()

	done := make(chan struct{})
	go func() {
		s.waitAllComplete(tctx)
		close(done)
	}()

	select {
	case <-done:
		cancel()
	case err := <-errCh:
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Sender) waitAllComplete(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.allChunksConfirmed() {
				return
			}
		}
	}
}

// allChunksConfirmed reports whether the receiver has CHUNK_CONFIRM'd
// every chunk, the gate for sending FILE_DONE.
func (s *Sender) allChunksConfirmed() bool {
	s.confirmedMu.Lock()
	defer s.confirmedMu.Unlock()
	return len(s.confirmed) >= s.chunks.TotalChunks()
}

// worker pumps chunks: acquire a slot, send the chunk, repeat.
func (s *Sender) worker(ctx context.Context) {
	totalChunks := uint32(s.chunks.TotalChunks())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, ok := s.win.TryAcquireSlot()
		if !ok {
			time.Sleep(time.Millisecond)
			for _, cand := range s.win.RetransmitCandidates() {
				s.retransmitCh() <- cand
			}
			continue
		}
		if id >= totalChunks {
			// Every chunk has already been dispatched; release the
			// surplus slot and idle rather than busy-spinning while the
			// remaining in-flight chunks await confirmation.
			s.win.ForceComplete(id)
			time.Sleep(time.Millisecond)
			continue
		}

		if err := s.sendChunk(id); err != nil {
			s.log.Warn().Err(err).Uint32("chunk_id", id).Msg("send chunk failed")
		}
	}
}

func (s *Sender) sendChunk(id uint32) error {
	desc, err := s.chunks.Descriptor(id)
	if err != nil {
		return err
	}
	data, err := s.chunks.ChunkData(id)
	if err != nil {
		return err
	}

	meta := wire.EncodeChunkMetaPayload(wire.ChunkMetaPayload{Hash: desc.Hash, PacketCount: uint32(desc.PacketCount)})
	if err := s.ctrl.Send(s.remoteCtrlAddr, wire.ChunkMeta, id, meta); err != nil {
		return err
	}

	for seq := 0; seq < desc.PacketCount; seq++ {
		start := seq * s.cfg.PacketSize
		end := start + s.cfg.PacketSize
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]

		var flags wire.PacketFlags
		if seq == desc.PacketCount-1 {
			flags |= wire.LastPacket
		}

		frame, err := s.buildDataFrame(id, uint32(seq), int64(start), payload, flags)
		if err != nil {
			return err
		}
		if err := s.data.Send(frame, s.remoteDataAddr); err != nil {
			return err
		}
		s.state.AddBytesTransferred(int64(len(payload)))
		s.pacer.WaitToken(len(payload))
	}
	return nil
}

// buildDataFrame encodes a data frame, running it through the encryption
// envelope first when enabled.
func (s *Sender) buildDataFrame(chunkID, seq uint32, offset int64, payload []byte, flags wire.PacketFlags) ([]byte, error) {
	if s.crypt == nil {
		return wire.EncodeDataFrame(chunkID, seq, uint64(offset), payload, flags), nil
	}

	flags |= wire.Encrypted
	nonce := chunkSeqNonce(chunkID, seq)
	macHeader := wire.EncodeDataHeader(wire.DataHeader{
		ChunkID: chunkID, Seq: seq, Offset: uint64(offset),
		DataLen: uint16(len(payload)), Flags: flags,
	})
	envelope, err := s.crypt.Encapsulate(macHeader, payload, nonce)
	if err != nil {
		return nil, err
	}
	return wire.EncodeDataFrame(chunkID, seq, uint64(offset), envelope, flags), nil
}

// chunkSeqNonce derives a deterministic per-packet nonce from (chunk,
// seq) rather than adding a nonce field the data header does not
// carry: retransmits of the same (chunk, seq) resend
// identical plaintext, so IV reuse here never exposes two different
// plaintexts under the same keystream.
func chunkSeqNonce(chunkID, seq uint32) uint64 {
	return uint64(chunkID)<<32 | uint64(seq)
}

// retransmitCh lazily creates the retransmit queue: one shared channel
// holding up to 100 candidates per window slot. It bounds the number of
// queued candidates, not the number of packets per chunk.
func (s *Sender) retransmitCh() chan window.RetransmitCandidate {
	s.retransmitOnce.Do(func() {
		s.retransmitQueue = make(chan window.RetransmitCandidate, 100*s.cfg.WindowSize)
	})
	return s.retransmitQueue
}

// retransmitWorker drains both the queue workers feed under window
// pressure and, on its own ticker, the window's retransmit candidates.
// The window is the single source of truth for retransmit intent, so
// NACKs landing while the window has spare capacity are still acted on.
func (s *Sender) retransmitWorker(ctx context.Context) {
	ticker := time.NewTicker(retransmitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cand := <-s.retransmitCh():
			s.retransmitChunk(cand)
		case <-ticker.C:
			for _, id := range s.win.CheckTimeouts(s.cfg.ChunkTimeout) {
				s.win.MarkForRetransmit(id, s.allPacketSeqs(id))
			}
			for _, cand := range s.win.RetransmitCandidates() {
				s.retransmitChunk(cand)
			}
		}
	}
}

// allPacketSeqs lists every packet index of a chunk, for regenerating a
// chunk whose slot timed out without any NACK narrowing the loss down.
func (s *Sender) allPacketSeqs(chunkID uint32) []uint32 {
	desc, err := s.chunks.Descriptor(chunkID)
	if err != nil {
		return nil
	}
	seqs := make([]uint32, desc.PacketCount)
	for i := range seqs {
		seqs[i] = uint32(i)
	}
	return seqs
}

func (s *Sender) retransmitChunk(cand window.RetransmitCandidate) {
	desc, err := s.chunks.Descriptor(cand.ChunkID)
	if err != nil {
		return
	}
	data, err := s.chunks.ChunkData(cand.ChunkID)
	if err != nil {
		return
	}

	// The candidate list is sent as-is, in one pass: it is neither capped
	// nor split into batches. A list from a NACK holds at most one
	// receiver batch, but a CHUNK_RETRY or a slot timeout lists every
	// packet of the chunk.
	for _, seq := range cand.MissingPackets {
		start := int(seq) * s.cfg.PacketSize
		if start >= len(data) {
			continue
		}
		end := start + s.cfg.PacketSize
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]

		flags := wire.Retransmit
		if int(seq) == desc.PacketCount-1 {
			flags |= wire.LastPacket
		}
		frame, err := s.buildDataFrame(cand.ChunkID, seq, int64(start), payload, flags)
		if err != nil {
			continue
		}
		_ = s.data.Send(frame, s.remoteDataAddr)
	}
}

// deadlockWatchdog is a liveness guarantee, not a correctness one: a
// saturated, stale window is forced open so the session fails loudly
// rather than hanging.
func (s *Sender) deadlockWatchdog(ctx context.Context, reportErr func(error)) {
	ticker := time.NewTicker(deadlockCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.win.IsUrgent() && time.Since(s.state.LastUpdate()) <= deadlockStallThreshold {
				continue
			}
			s.win.ClearUrgent()
			stale := s.win.ForceCompleteStale(deadlockStallThreshold)
			if len(stale) == 0 {
				continue
			}
			s.log.Warn().Int("count", len(stale)).Msg("deadlock watchdog forcing stale slots complete")
			retries := s.state.IncrementRetryCount()
			_ = s.ctrl.Send(s.remoteCtrlAddr, wire.Heartbeat, 0, nil)
			if int(retries) > s.cfg.MaxRetries {
				reportErr(session.ErrPeerStalled)
				return
			}
		}
	}
}

func (s *Sender) handleControlMessage(msg control.Message) {
	switch msg.Header.Type {
	case wire.ChunkConfirm:
		s.win.Acknowledge(msg.Header.ChunkID)
		s.confirmedMu.Lock()
		alreadyConfirmed := s.confirmed[msg.Header.ChunkID]
		s.confirmed[msg.Header.ChunkID] = true
		s.confirmedMu.Unlock()
		if !alreadyConfirmed {
			s.state.CompleteChunk()
		}
	case wire.ChunkNack, wire.ChunkRetry:
		nack, err := wire.DecodeChunkNackPayload(msg.Payload)
		if err != nil {
			return
		}
		s.win.MarkForRetransmit(msg.Header.ChunkID, nack.MissingPackets)
	case wire.Heartbeat:
		s.log.Debug().Msg("received heartbeat")
	}
}

// finish sends FILE_DONE carrying the whole-file hash.
func (s *Sender) finish(ctx context.Context) error {
	done := wire.EncodeFileDonePayload(wire.FileDonePayload{FileHash: s.chunks.FileHash()})
	return s.ctrl.Send(s.remoteCtrlAddr, wire.FileDone, 0, done)
}
