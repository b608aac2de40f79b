// Package session owns the HRUFT session configuration and phase state
// machine shared by the sender and receiver engines.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JinBiLianShao/HRUFT/internal/wire"
)

// Mode selects which side of a transfer a session drives.
type Mode int

const (
	ModeSend Mode = iota
	ModeReceive
)

const (
	minChunkSizeMB  = 1
	maxChunkSizeMB  = 1024
	minWindowChunks = 1
	maxWindowChunks = 256
	minWorkers      = 1
	maxWorkers      = 64

	// MaxDatagramSize bounds packet_size + header overhead.
	MaxDatagramSize = 65507
)

var (
	ErrChunkSizeRange           = errors.New("session: chunk size out of range (1-1024 MiB)")
	ErrWindowSizeRange          = errors.New("session: window size out of range (1-256 chunks)")
	ErrWorkerRange              = errors.New("session: worker count out of range (1-64)")
	ErrWorkersGreaterThanWindow = errors.New("session: worker count must not exceed window size")
	ErrPacketTooLarge           = errors.New("session: packet size plus header overhead exceeds 65507 bytes")
	ErrMissingRemote            = errors.New("session: remote address is required")
	ErrMissingFilename          = errors.New("session: filename is required")
)

// Config is the immutable-after-start session configuration.
type Config struct {
	Mode Mode

	RemoteIP        string
	ControlPort     int
	LocalDataPort   int
	RemoteDataPort  int
	DataSocketCount int

	Filename string

	ChunkSizeMB int
	PacketSize  int
	WindowSize  int
	Workers     int

	HandshakeTimeout time.Duration
	ChunkTimeout     time.Duration
	MaxRetries       int

	EncryptionKey    []byte
	EnableEncryption bool

	// TargetBytesPerSecond selects the sender's pacer: 0 uses the default
	// fixed per-packet sleep, >0 switches to a token-bucket pacer.
	TargetBytesPerSecond int64
}

// DefaultConfig returns a Config populated with the protocol defaults.
func DefaultConfig() Config {
	return Config{
		ControlPort:      10000,
		LocalDataPort:    10001,
		DataSocketCount:  4,
		ChunkSizeMB:      4,
		PacketSize:       1400,
		WindowSize:       16,
		Workers:          8,
		HandshakeTimeout: 5 * time.Second,
		ChunkTimeout:     30 * time.Second,
		MaxRetries:       5,
	}
}

// ChunkSizeBytes returns the configured chunk size in bytes.
func (c Config) ChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMB) * 1 << 20
}

// PacketsPerChunk returns ⌈chunk_size / packet_size⌉.
func (c Config) PacketsPerChunk() int {
	chunkSize := c.ChunkSizeBytes()
	packets := chunkSize / int64(c.PacketSize)
	if chunkSize%int64(c.PacketSize) != 0 {
		packets++
	}
	return int(packets)
}

// Validate checks the configured ranges and derived invariants.
func (c Config) Validate() error {
	if c.ChunkSizeMB < minChunkSizeMB || c.ChunkSizeMB > maxChunkSizeMB {
		return ErrChunkSizeRange
	}
	if c.WindowSize < minWindowChunks || c.WindowSize > maxWindowChunks {
		return ErrWindowSizeRange
	}
	if c.Workers < minWorkers || c.Workers > maxWorkers {
		return ErrWorkerRange
	}
	if c.Workers > c.WindowSize {
		return ErrWorkersGreaterThanWindow
	}
	if c.PacketSize+wire.DataHeaderSize > MaxDatagramSize {
		return ErrPacketTooLarge
	}
	if c.Mode == ModeSend && c.RemoteIP == "" {
		return ErrMissingRemote
	}
	if c.Mode == ModeSend && c.Filename == "" {
		return ErrMissingFilename
	}
	return nil
}

// NewSessionID returns a fresh correlation identifier for logging; it
// never crosses the wire. The encryption envelope does not use it (its
// IV binding comes from crypto.TransferBinding).
func NewSessionID() uuid.UUID {
	return uuid.New()
}

func (m Mode) String() string {
	switch m {
	case ModeSend:
		return "send"
	case ModeReceive:
		return "receive"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}
