package session

import "errors"

// Error kinds surfaced by the core engines.
var (
	// ErrHandshakeTimeout: terminal; session → ERROR.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
	// ErrHandshakeRejected: terminal; wraps the peer's human-readable reason.
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	// ErrFileHashMismatch: terminal at verification; session → ERROR; tmp file removed.
	ErrFileHashMismatch = errors.New("session: whole-file hash mismatch")
	// ErrInsufficientSpace: receiver rejects at SYN_ACK or fails at init.
	ErrInsufficientSpace = errors.New("session: insufficient disk space")
	// ErrPeerStalled: watchdog-detected stall that persisted past max_retries.
	ErrPeerStalled = errors.New("session: peer stalled past max retries")
)
