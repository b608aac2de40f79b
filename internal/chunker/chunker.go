// Package chunker implements the HRUFT file chunker: it maps a file
// into fixed-size chunks and each chunk into fixed-size packets, tracks
// per-packet receipt with a bitset, computes per-chunk and whole-file
// SHA-256, and produces proactive NACK candidates for the receiver's gap
// detector. The manager owns the file mapping and every chunk's state
// for the lifetime of one transfer.
package chunker

import (
	"crypto/sha256"
	"errors"
	"sort"
	"sync"
	"time"
)

// Gap-detection and proactive-NACK constants.
const (
	urgentThreshold = 10
	normalThreshold = 3
	nackCooldown    = 100 * time.Millisecond
	nackBatchCap    = 50
)

var (
	ErrEmptyFile         = errors.New("chunker: file is empty")
	ErrUnknownChunk      = errors.New("chunker: unknown chunk id")
	ErrPacketOutOfBounds = errors.New("chunker: packet offset exceeds chunk size")
)

// Chunk is the chunker's per-chunk bookkeeping.
type Chunk struct {
	ID             uint32
	Offset         int64
	Size           int64
	PacketReceived []bool
	Hash           [32]byte
	Completed      bool
	Verified       bool

	// Gap-tracking fields, receiver side only.
	NextExpectedSeq uint32
	PendingNacks    []uint32
	LastNackTime    time.Time
	UrgentNack      bool
}

// NackInfo is one chunk's proactive-NACK candidate batch.
type NackInfo struct {
	ChunkID        uint32
	MissingPackets []uint32
	Urgent         bool
}

// Descriptor is a ready-to-send chunk handed to a sender worker:
// its identity, its mapped byte range, and its precomputed hash.
type Descriptor struct {
	ID          uint32
	Offset      int64
	Size        int64
	Hash        [32]byte
	PacketCount int
}

// Manager owns the file mapping and every chunk's state for one
// transfer's lifetime. All chunk-state mutation goes through
// Manager's mutex; the memory map itself is not locked because each
// chunk owns a disjoint byte range.
type Manager struct {
	mu sync.Mutex

	mapper      *fileMapper
	chunkSize   int64
	packetSize  int
	fileSize    int64
	totalChunks int
	chunks      []*Chunk

	sendCursor uint32
}

// InitForSend memory-maps path read-only and precomputes every chunk's
// SHA-256 from the mapped bytes.
func InitForSend(path string, chunkSize int64, packetSize int) (*Manager, error) {
	fm, err := openForRead(path)
	if err != nil {
		return nil, err
	}
	m := newManager(fm, fm.size, chunkSize, packetSize)
	for _, c := range m.chunks {
		c.Hash = sha256.Sum256(fm.bytesAt(c.Offset, int(c.Size)))
		// Sender-side chunks are notionally all-received already.
		for i := range c.PacketReceived {
			c.PacketReceived[i] = true
		}
		c.Completed = true
	}
	return m, nil
}

// InitForReceive creates a sparse file of exactly fileSize bytes, maps it
// read-write, and initializes every chunk's bitset all-false.
func InitForReceive(path string, fileSize, chunkSize int64, packetSize int) (*Manager, error) {
	fm, err := openForWrite(path, fileSize)
	if err != nil {
		return nil, err
	}
	return newManager(fm, fileSize, chunkSize, packetSize), nil
}

func newManager(fm *fileMapper, fileSize, chunkSize int64, packetSize int) *Manager {
	totalChunks := int((fileSize + chunkSize - 1) / chunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}
	chunks := make([]*Chunk, totalChunks)
	for i := 0; i < totalChunks; i++ {
		offset := int64(i) * chunkSize
		size := chunkSize
		if offset+size > fileSize {
			size = fileSize - offset
		}
		packetsPerChunk := int((size + int64(packetSize) - 1) / int64(packetSize))
		chunks[i] = &Chunk{
			ID:             uint32(i),
			Offset:         offset,
			Size:           size,
			PacketReceived: make([]bool, packetsPerChunk),
		}
	}
	return &Manager{
		mapper:      fm,
		chunkSize:   chunkSize,
		packetSize:  packetSize,
		fileSize:    fileSize,
		totalChunks: totalChunks,
		chunks:      chunks,
	}
}

// TotalChunks returns the number of chunks the file was divided into.
func (m *Manager) TotalChunks() int { return m.totalChunks }

// FileSize returns the total file size in bytes.
func (m *Manager) FileSize() int64 { return m.fileSize }

// NextChunkToSend returns the next not-yet-dispatched chunk descriptor,
// or false when exhausted.
func (m *Manager) NextChunkToSend() (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(m.sendCursor) >= m.totalChunks {
		return Descriptor{}, false
	}
	c := m.chunks[m.sendCursor]
	m.sendCursor++
	return Descriptor{
		ID:          c.ID,
		Offset:      c.Offset,
		Size:        c.Size,
		Hash:        c.Hash,
		PacketCount: len(c.PacketReceived),
	}, true
}

// Descriptor returns chunkID's descriptor directly, for callers (the
// sender engine) that derive chunk ids from the sliding window rather
// than from NextChunkToSend's own cursor.
func (m *Manager) Descriptor(chunkID uint32) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(chunkID) >= len(m.chunks) {
		return Descriptor{}, ErrUnknownChunk
	}
	c := m.chunks[chunkID]
	return Descriptor{
		ID:          c.ID,
		Offset:      c.Offset,
		Size:        c.Size,
		Hash:        c.Hash,
		PacketCount: len(c.PacketReceived),
	}, nil
}

// ChunkData returns the mapped byte range for a chunk, for the sender's
// worker to read packet payloads out of.
func (m *Manager) ChunkData(chunkID uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(chunkID) >= len(m.chunks) {
		return nil, ErrUnknownChunk
	}
	c := m.chunks[chunkID]
	return m.mapper.bytesAt(c.Offset, int(c.Size)), nil
}

// ProcessReceivedPacket bounds-checks and writes packet payload bytes
// into the mapping, updates the chunk's bitset, and runs gap detection
// the first time a given sequence number's bit is set.
func (m *Manager) ProcessReceivedPacket(chunkID, seq uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(chunkID) >= len(m.chunks) {
		return ErrUnknownChunk
	}
	c := m.chunks[chunkID]
	if int(seq) >= len(c.PacketReceived) {
		return ErrPacketOutOfBounds
	}
	offset := int64(seq) * int64(m.packetSize)
	if offset+int64(len(data)) > c.Size {
		return ErrPacketOutOfBounds
	}

	firstArrival := !c.PacketReceived[seq]
	copy(m.mapper.bytesAt(c.Offset+offset, len(data)), data)
	c.PacketReceived[seq] = true

	if firstArrival {
		m.detectGapLocked(c, seq)
	}

	if !c.Completed && allTrue(c.PacketReceived) {
		c.Completed = true
	}
	return nil
}

func allTrue(bits []bool) bool {
	for _, b := range bits {
		if !b {
			return false
		}
	}
	return true
}

// detectGapLocked advances the in-order cursor or queues NACK
// candidates for the skipped range. The caller must hold m.mu.
func (m *Manager) detectGapLocked(c *Chunk, seq uint32) {
	if seq == c.NextExpectedSeq {
		for int(c.NextExpectedSeq) < len(c.PacketReceived) && c.PacketReceived[c.NextExpectedSeq] {
			c.NextExpectedSeq++
		}
		return
	}

	switch {
	case seq > c.NextExpectedSeq+urgentThreshold:
		for i := c.NextExpectedSeq; i < seq; i++ {
			if int(i) < len(c.PacketReceived) && !c.PacketReceived[i] {
				c.PendingNacks = append(c.PendingNacks, i)
			}
		}
		c.PendingNacks = append(c.PendingNacks, seq)
		c.UrgentNack = true
	case seq > c.NextExpectedSeq+normalThreshold:
		for i := c.NextExpectedSeq; i < seq; i++ {
			if int(i) < len(c.PacketReceived) && !c.PacketReceived[i] {
				c.PendingNacks = append(c.PendingNacks, i)
			}
		}
	default:
		return
	}

	c.PendingNacks = sortUniqueUint32(c.PendingNacks)
}

func sortUniqueUint32(in []uint32) []uint32 {
	sort.Slice(in, func(i, j int) bool { return in[i] < in[j] })
	out := in[:0]
	var last uint32
	for i, v := range in {
		if i == 0 || v != last {
			out = append(out, v)
		}
		last = v
	}
	return out
}

// VerifyChunk recomputes a chunk's SHA-256 from the mapping and compares
// it against expectedHash, setting Verified on match.
func (m *Manager) VerifyChunk(chunkID uint32, expectedHash [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(chunkID) >= len(m.chunks) {
		return false, ErrUnknownChunk
	}
	c := m.chunks[chunkID]
	actual := sha256.Sum256(m.mapper.bytesAt(c.Offset, int(c.Size)))
	c.Verified = actual == expectedHash
	return c.Verified, nil
}

// ProactiveNacks drains up to nackBatchCap entries per chunk per
// invocation, honoring a 100ms cooldown per chunk unless that chunk's
// NACK is urgent, in which case the cooldown is bypassed once and the
// urgent flag resets.
func (m *Manager) ProactiveNacks() []NackInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []NackInfo
	for _, c := range m.chunks {
		if c.Completed || len(c.PendingNacks) == 0 {
			continue
		}
		if !c.UrgentNack && now.Sub(c.LastNackTime) < nackCooldown {
			continue
		}

		n := len(c.PendingNacks)
		if n > nackBatchCap {
			n = nackBatchCap
		}
		batch := make([]uint32, n)
		copy(batch, c.PendingNacks[:n])
		c.PendingNacks = c.PendingNacks[n:]
		c.LastNackTime = now

		out = append(out, NackInfo{ChunkID: c.ID, MissingPackets: batch, Urgent: c.UrgentNack})
		c.UrgentNack = false
	}
	return out
}

// IsChunkComplete reports whether every bit in chunkID's bitset is set.
func (m *Manager) IsChunkComplete(chunkID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(chunkID) >= len(m.chunks) {
		return false
	}
	return m.chunks[chunkID].Completed
}

// AllChunksComplete reports whether every chunk's bitset is full.
func (m *Manager) AllChunksComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if !c.Completed {
			return false
		}
	}
	return true
}

// AllChunksVerified reports whether every chunk has passed verification.
func (m *Manager) AllChunksVerified() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if !c.Verified {
			return false
		}
	}
	return true
}

// FileHash computes SHA-256 over the whole mapped file, for final
// verification.
func (m *Manager) FileHash() [32]byte {
	return sha256.Sum256(m.mapper.bytesAt(0, int(m.fileSize)))
}

// Sync flushes dirty mapped pages to the backing file.
func (m *Manager) Sync() error {
	return m.mapper.sync()
}

// Close unmaps the file and closes the underlying descriptor.
func (m *Manager) Close() error {
	return m.mapper.close()
}
