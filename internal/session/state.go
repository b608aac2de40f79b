package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is a session's position in its one-way lifecycle.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseHandshake
	PhaseTransfer
	PhaseVerification
	PhaseCompleted
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseHandshake:
		return "HANDSHAKE"
	case PhaseTransfer:
		return "TRANSFER"
	case PhaseVerification:
		return "VERIFICATION"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Progress is a point-in-time snapshot of a session's state, safe to pass
// by value to a front-end that wants to render a progress bar.
type Progress struct {
	Phase            Phase
	CompletedChunks  int64
	TotalChunks      int64
	BytesTransferred int64
	RetryCount       int64
	// SpeedBytesPerSec is bytes transferred since the previous
	// add-bytes call divided by the elapsed time.
	SpeedBytesPerSec float64
	Err              error
}

// State is the session state machine: an atomically-observable phase
// plus progress counters, with no locks required for readers.
type State struct {
	phase            atomic.Int32
	completedChunks  atomic.Int64
	totalChunks      atomic.Int64
	bytesTransferred atomic.Int64
	retryCount       atomic.Int64

	mu         sync.Mutex
	lastUpdate time.Time
	lastSpeed  float64
	err        error
}

// NewState returns a State in PhaseInit for a transfer of totalChunks.
func NewState(totalChunks int64) *State {
	s := &State{}
	s.totalChunks.Store(totalChunks)
	s.lastUpdate = time.Now()
	return s
}

// Phase returns the current phase without locking.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// SetTotalChunks records the chunk count once the handshake has learned
// it; the receiver constructs its State before the SYN arrives.
func (s *State) SetTotalChunks(n int64) {
	s.totalChunks.Store(n)
}

// phaseOrder gives each phase its position for one-way transition checks.
func phaseOrder(p Phase) int {
	switch p {
	case PhaseInit:
		return 0
	case PhaseHandshake:
		return 1
	case PhaseTransfer:
		return 2
	case PhaseVerification:
		return 3
	case PhaseCompleted:
		return 4
	default:
		return -1
	}
}

// Transition moves the session to phase next. Any phase other than
// COMPLETED may transition to PhaseError (once COMPLETED or ERROR is
// reached, Transition changes nothing; Fail moves to PhaseError from any
// phase); otherwise transitions must move strictly forward through
// INIT→HANDSHAKE→TRANSFER→VERIFICATION→COMPLETED. Invalid
// transitions are ignored rather than panicking, since a late-arriving
// event racing a terminal phase is expected, not a bug.
func (s *State) Transition(next Phase) {
	for {
		cur := Phase(s.phase.Load())
		if cur == PhaseError || cur == PhaseCompleted {
			return
		}
		if next != PhaseError && phaseOrder(next) <= phaseOrder(cur) {
			return
		}
		if s.phase.CompareAndSwap(int32(cur), int32(next)) {
			return
		}
	}
}

// Fail transitions to PhaseError and records err for Snapshot to report.
func (s *State) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.phase.Store(int32(PhaseError))
}

// AddBytesTransferred advances the byte counter and the "last update"
// timestamp used to derive transfer speed.
func (s *State) AddBytesTransferred(n int64) {
	s.bytesTransferred.Add(n)

	now := time.Now()
	s.mu.Lock()
	elapsed := now.Sub(s.lastUpdate).Seconds()
	if elapsed > 0 {
		s.lastSpeed = float64(n) / elapsed
	}
	s.lastUpdate = now
	s.mu.Unlock()
}

// CompleteChunk increments the completed-chunk counter.
func (s *State) CompleteChunk() {
	s.completedChunks.Add(1)
}

// IncrementRetryCount increments the session-wide retry counter (used by
// the deadlock watchdog's max_retries cycle bound).
func (s *State) IncrementRetryCount() int64 {
	return s.retryCount.Add(1)
}

// RetryCount returns the current retry counter value.
func (s *State) RetryCount() int64 {
	return s.retryCount.Load()
}

// LastUpdate returns the timestamp of the most recent AddBytesTransferred
// call, used by the deadlock watchdog to measure staleness.
func (s *State) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// Snapshot returns the current progress as a value type, safe for a
// front-end to poll on a ticker without touching internal locks.
func (s *State) Snapshot() Progress {
	s.mu.Lock()
	speed := s.lastSpeed
	err := s.err
	s.mu.Unlock()

	return Progress{
		Phase:            s.Phase(),
		CompletedChunks:  s.completedChunks.Load(),
		TotalChunks:      s.totalChunks.Load(),
		BytesTransferred: s.bytesTransferred.Load(),
		RetryCount:       s.retryCount.Load(),
		SpeedBytesPerSec: speed,
		Err:              err,
	}
}
