package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	errSessionClosed  = errors.New("session closed")
	errDuplicateReply = errors.New("duplicate reply")
)

// session is one local application connection carried over the tunnel.
type session struct {
	id   uint32
	conn net.Conn
	log  logrus.FieldLogger

	// requested is set once the Request packet went out, so the server may
	// hold state for this id.
	requested atomic.Bool

	mu        sync.Mutex
	remoteID  uint32
	hasRemote bool
	closing   bool

	ready     chan struct{}
	done      chan struct{}
	abortOnce sync.Once
}

func newSession(id uint32, conn net.Conn, log logrus.FieldLogger) *session {
	return &session{
		id:    id,
		conn:  conn,
		log:   log.WithField("session", id),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// establish records the remote id. It fails if one was already set or the
// session is being torn down.
func (s *session) establish(remoteID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errSessionClosed
	}
	if s.hasRemote {
		return errDuplicateReply
	}
	s.remoteID = remoteID
	s.hasRemote = true
	s.log = s.log.WithField("remote", remoteID)
	close(s.ready)
	return nil
}

func (s *session) remote() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID, s.hasRemote
}

func (s *session) logger() logrus.FieldLogger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// claim marks s as closing and reports true to the first caller only. For
// that caller, then runs under the session lock with the established state,
// so no Reply can establish s concurrently.
func (s *session) claim(then func(established bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.closing = true
	if then != nil {
		then(s.hasRemote)
	}
	return true
}

// abort closes the local connection and unblocks waiters.
func (s *session) abort() {
	s.abortOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) aborted() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) waitEstablished(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
