package cloud

import (
	"sync"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
)

// session owns one request/response exchange end to end. It is mutated
// from two contexts, the bridge goroutine (deadline checks, cancellation)
// and the transport goroutine (connect, data, close, error events), so
// every entry point takes the mutex, checks the phase and ignores events
// that arrive after the session reached a terminal phase. The connection
// handle is attached at most once and released exactly once, on the
// transition into Closed.
type session struct {
	mu          sync.Mutex
	phase       Phase
	outcome     Phase // Completed, TimedOut or Failed once closed
	conn        Conn
	buf         []byte
	err         error
	deadline    time.Time
	request     []byte
	maxResponse int
	done        chan struct{} // closed exactly once, on entering Closed
}

func newSession(request []byte, deadline time.Time, maxResponse int) *session {
	return &session{
		phase:       PhaseIdle,
		request:     request,
		deadline:    deadline,
		maxResponse: maxResponse,
		done:        make(chan struct{}),
	}
}

// begin starts the exchange: the hostname is about to be resolved.
func (s *session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseIdle {
		s.phase = PhaseResolving
	}
}

// handleResolved moves the session to Connecting. A false return means
// the session ended while resolution was in flight.
func (s *session) handleResolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseResolving {
		return false
	}
	s.phase = PhaseConnecting
	return true
}

// handleConnected attaches the established connection and moves to
// Sending. A false return means the session ended while the handshake
// was in flight; the caller still owns the fresh handle and must release
// it itself.
func (s *session) handleConnected(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseConnecting {
		return false
	}
	s.conn = conn
	s.phase = PhaseSending
	return true
}

// handleSent records that the transport accepted the full request.
func (s *session) handleSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseSending {
		return false
	}
	s.phase = PhaseReceiving
	return true
}

// handleData appends one inbound chunk. The return value acknowledges
// the bytes; a false return tells the transport to stop delivering.
func (s *session) handleData(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseReceiving {
		return false
	}

	if s.maxResponse > 0 && len(s.buf)+len(p) > s.maxResponse {
		s.err = errors.New().WithData(ErrResponseTooLarge, s.maxResponse)
		s.outcome = PhaseFailed
		s.closeLocked()
		return false
	}

	s.buf = append(s.buf, p...)
	return true
}

// handleRemoteClose treats a remote end-of-stream as the end of the
// reply. The accumulated buffer is the final response whether or not it
// is a complete HTTP message.
func (s *session) handleRemoteClose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return
	}

	if s.phase == PhaseReceiving {
		s.outcome = PhaseCompleted
	} else {
		s.err = errors.New().New(ErrRemoteClosed)
		s.outcome = PhaseFailed
	}
	s.closeLocked()
}

// handleError ends the session with a classified failure. Errors after
// the first terminal transition are ignored, so the stored error is set
// at most once.
func (s *session) handleError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return
	}

	s.err = err
	s.outcome = PhaseFailed
	s.closeLocked()
}

// handlePoll is the periodic liveness check. It reports whether this
// call expired the session.
func (s *session) handlePoll(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() || now.Before(s.deadline) {
		return false
	}

	s.err = errors.New().New(ErrRequestTimeout)
	s.outcome = PhaseTimedOut
	s.closeLocked()
	return true
}

// closeLocked releases the connection handle exactly once and marks the
// session Closed. A failed graceful close escalates to an abort; when the
// exchange already completed this demotes to a warning rather than
// overturning the result. Callers must hold s.mu.
func (s *session) closeLocked() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			logger.Warn().Err(err).Msg("Graceful close failed, aborting connection")
			s.conn.Abort()
		}
		s.conn = nil
	}
	s.phase = PhaseClosed
	close(s.done)
}

// result returns the terminal outcome. It must only be called after the
// done channel is closed.
func (s *session) result() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome == PhaseCompleted {
		return s.buf, nil
	}
	return nil, s.err
}

func (s *session) currentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}
