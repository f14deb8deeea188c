package cloud

import (
	"io"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	t.Helper()
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// countingConn counts release calls so tests can prove the handle is
// released exactly once.
type countingConn struct {
	mu       sync.Mutex
	closes   int
	aborts   int
	closeErr error
}

func (c *countingConn) Write(_ []byte) error { return nil }

func (c *countingConn) Read() ([]byte, error) { return nil, io.EOF }

func (c *countingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

func (c *countingConn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborts++
}

func (c *countingConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *countingConn) abortCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborts
}

func (s *session) snapshotError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) bufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func TestSessionHappyPath(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	s := newSession([]byte("POST /"), deadline, 0)
	conn := &countingConn{}

	s.begin()
	assert.Equal(t, PhaseResolving, s.currentPhase())

	require.True(t, s.handleResolved())
	assert.Equal(t, PhaseConnecting, s.currentPhase())

	require.True(t, s.handleConnected(conn))
	assert.Equal(t, PhaseSending, s.currentPhase())

	require.True(t, s.handleSent())
	assert.Equal(t, PhaseReceiving, s.currentPhase())

	require.True(t, s.handleData([]byte("SET")))
	require.True(t, s.handleData([]byte("POINT=123")))
	require.True(t, s.handleData([]byte(" end")))

	s.handleRemoteClose()
	assert.Equal(t, PhaseClosed, s.currentPhase())

	select {
	case <-s.done:
	default:
		t.Fatal("done channel not closed after remote close")
	}

	body, err := s.result()
	require.NoError(t, err)
	assert.Equal(t, "SETPOINT=123 end", string(body), "Chunks must concatenate in delivery order")
	assert.Equal(t, 1, conn.closeCount(), "Connection must be released exactly once")
	assert.Equal(t, 0, conn.abortCount())

	value, ok := ParseSetpointCommand(body)
	require.True(t, ok)
	assert.InDelta(t, 123.0, value, 0.0001)
}

func TestSessionTimeout(t *testing.T) {
	deadline := time.Now().Add(50 * time.Millisecond)
	s := newSession([]byte("r"), deadline, 0)
	conn := &countingConn{}

	s.begin()
	require.True(t, s.handleResolved())
	require.True(t, s.handleConnected(conn))
	require.True(t, s.handleSent())

	assert.False(t, s.handlePoll(deadline.Add(-time.Millisecond)), "Poll before the deadline must not expire the session")
	assert.Equal(t, PhaseReceiving, s.currentPhase())

	require.True(t, s.handlePoll(deadline.Add(time.Millisecond)))
	assert.Equal(t, PhaseClosed, s.currentPhase())

	_, err := s.result()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrRequestTimeout), "Expected cloud_request_timeout, got %v", err)
	assert.Equal(t, 1, conn.closeCount(), "Timeout must release the handle exactly once")

	// Further polls are no-ops on a closed session
	assert.False(t, s.handlePoll(deadline.Add(time.Hour)))
	assert.Equal(t, 1, conn.closeCount())
}

func TestSessionTransportError(t *testing.T) {
	s := newSession([]byte("r"), time.Now().Add(time.Hour), 0)
	conn := &countingConn{}

	s.begin()
	require.True(t, s.handleResolved())
	require.True(t, s.handleConnected(conn))

	first := errors.New().New(ErrWriteFailed)
	s.handleError(first)
	assert.Equal(t, PhaseClosed, s.currentPhase())

	_, err := s.result()
	assert.True(t, errors.HasCode(err, ErrWriteFailed))

	// A later error never overwrites the first classification
	s.handleError(errors.New().New(ErrRemoteClosed))
	assert.True(t, errors.HasCode(s.snapshotError(), ErrWriteFailed), "Stored error must be set at most once")
	assert.Equal(t, 1, conn.closeCount())
}

func TestSessionRemoteCloseBeforeReceiving(t *testing.T) {
	s := newSession([]byte("r"), time.Now().Add(time.Hour), 0)
	conn := &countingConn{}

	s.begin()
	require.True(t, s.handleResolved())
	require.True(t, s.handleConnected(conn))

	// Stream ended while still sending: that is a failure, not a response
	s.handleRemoteClose()

	_, err := s.result()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrRemoteClosed))
	assert.Equal(t, 1, conn.closeCount())
}

func TestSessionResponseCap(t *testing.T) {
	s := newSession([]byte("r"), time.Now().Add(time.Hour), 8)
	conn := &countingConn{}

	s.begin()
	require.True(t, s.handleResolved())
	require.True(t, s.handleConnected(conn))
	require.True(t, s.handleSent())

	require.True(t, s.handleData([]byte("12345678")))
	assert.False(t, s.handleData([]byte("9")), "Chunk past the cap must be refused")

	_, err := s.result()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrResponseTooLarge))
	assert.Equal(t, PhaseClosed, s.currentPhase())
	assert.Equal(t, 1, conn.closeCount())
}

func TestSessionCloseFailureEscalatesToAbort(t *testing.T) {
	s := newSession([]byte("r"), time.Now().Add(time.Hour), 0)
	conn := &countingConn{closeErr: errors.New().New(errors.ErrShutdownFailed)}

	s.begin()
	require.True(t, s.handleResolved())
	require.True(t, s.handleConnected(conn))
	require.True(t, s.handleSent())
	require.True(t, s.handleData([]byte("ok")))

	s.handleRemoteClose()

	// The exchange already completed: a failed graceful close is demoted to
	// a warning and the response stands.
	body, err := s.result()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, 1, conn.abortCount(), "Failed close must escalate to abort")
}

func TestSessionLateEventsIgnored(t *testing.T) {
	s := newSession([]byte("r"), time.Now().Add(time.Hour), 0)
	conn := &countingConn{}

	s.begin()
	require.True(t, s.handleResolved())
	require.True(t, s.handleConnected(conn))
	require.True(t, s.handleSent())
	require.True(t, s.handleData([]byte("reply")))
	s.handleRemoteClose()

	before := s.bufferLen()
	assert.False(t, s.handleData([]byte("late")), "Data after Closed must be refused")
	assert.Equal(t, before, s.bufferLen(), "Buffer must not change after Closed")

	assert.False(t, s.handleResolved())
	assert.False(t, s.handleConnected(&countingConn{}))
	assert.False(t, s.handleSent())
	s.handleRemoteClose()
	s.handleError(errors.New().New(ErrRemoteClosed))

	assert.Equal(t, PhaseClosed, s.currentPhase())
	assert.Equal(t, 1, conn.closeCount(), "Late events must not release the handle again")
	assert.NoError(t, s.snapshotError())
}

func TestSessionConnectedAfterCloseRejectsHandle(t *testing.T) {
	deadline := time.Now().Add(time.Minute)
	s := newSession([]byte("r"), deadline, 0)

	s.begin()
	require.True(t, s.handleResolved())

	// Deadline fires while the handshake is still in flight
	require.True(t, s.handlePoll(deadline.Add(time.Second)))

	late := &countingConn{}
	assert.False(t, s.handleConnected(late), "A handle arriving after Closed stays with the caller")
	assert.Equal(t, 0, late.closeCount(), "Session must not touch a handle it never owned")
}

// TestSessionEventSequences drives random event sequences against the
// session and checks the structural invariants: the phase never moves
// backwards, Closed is absorbing, the error is set at most once, and an
// attached handle is released exactly once.
func TestSessionEventSequences(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	base := time.Now()
	deadline := base.Add(time.Hour)

	for i := 0; i < rounds; i++ {
		s := newSession([]byte("r"), deadline, 64)
		s.begin()

		conn := &countingConn{}
		attached := false
		var firstErr error

		lastPhase := s.currentPhase()
		steps := rng.Intn(40) + 1
		for j := 0; j < steps; j++ {
			switch rng.Intn(8) {
			case 0:
				s.handleResolved()
			case 1:
				if s.handleConnected(conn) {
					attached = true
				}
			case 2:
				s.handleSent()
			case 3:
				s.handleData([]byte{byte(j)})
			case 4:
				s.handleRemoteClose()
			case 5:
				s.handleError(errors.New().New(ErrRemoteClosed))
			case 6:
				s.handlePoll(base) // before the deadline: must be a no-op
			case 7:
				s.handlePoll(deadline.Add(time.Second))
			}

			phase := s.currentPhase()
			require.GreaterOrEqual(t, phase, lastPhase,
				"Round %d step %d: phase moved backwards from %s to %s", i, j, lastPhase, phase)
			lastPhase = phase

			if err := s.snapshotError(); err != nil {
				if firstErr == nil {
					firstErr = err
				} else {
					require.Same(t, firstErr, err, "Round %d: error overwritten", i)
				}
			}
		}

		// Force a terminal state, then verify Closed is absorbing.
		s.handleError(errors.New().New(ErrRemoteClosed))
		require.Equal(t, PhaseClosed, s.currentPhase())

		select {
		case <-s.done:
		default:
			t.Fatalf("Round %d: done channel not closed in terminal state", i)
		}

		bufLen := s.bufferLen()
		require.False(t, s.handleData([]byte("late")), "Round %d: data accepted after Closed", i)
		require.Equal(t, bufLen, s.bufferLen(), "Round %d: buffer mutated after Closed", i)
		require.False(t, s.handleResolved(), "Round %d: resolve accepted after Closed", i)
		require.False(t, s.handleSent(), "Round %d: sent accepted after Closed", i)
		require.False(t, s.handlePoll(deadline.Add(time.Hour)), "Round %d: poll expired a closed session", i)

		if attached {
			require.Equal(t, 1, conn.closeCount(), "Round %d: handle released %d times", i, conn.closeCount())
		} else {
			require.Equal(t, 0, conn.closeCount(), "Round %d: session released a handle it never owned", i)
		}
	}
}
