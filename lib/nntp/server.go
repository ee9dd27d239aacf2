package nntp

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/auth"
	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/control"
	"github.com/forever-august/renews/lib/filters"
	"github.com/forever-august/renews/lib/limits"
	"github.com/forever-august/renews/lib/storage"
)

// an nntp server. one Server instance drives every listener; each
// accepted connection runs as its own goroutine.
type Server struct {
	// server's name, used in Path and generated message-ids
	Name string
	// article storage
	Storage storage.Storage
	// credential and role store
	Auth auth.Provider
	// live configuration snapshots
	Conf *config.Store
	// article ingestion pipeline
	Filters *filters.Chain
	// per-user connection and bandwidth accounting
	Limits *limits.Tracker
	// post-commit control message hook
	Control *control.Processor

	// bounds concurrent ingestion pipeline runs
	ingestSem chan struct{}

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// SetupIngestLimit sizes the ingestion semaphore from the worker
// count; call before Serve.
func (s *Server) SetupIngestLimit(workers int) {
	if workers <= 0 {
		workers = 4
	}
	s.ingestSem = make(chan struct{}, workers)
}

// Serve accepts connections from l until the listener closes.
// secure marks connections whose transport allows posting (TLS or the
// websocket bridge over TLS).
func (s *Server) Serve(l net.Listener, secure bool) error {
	log.WithFields(log.Fields{
		"pkg":    "nntp-server",
		"addr":   l.Addr(),
		"secure": secure,
	}).Info("serving")
	for {
		c, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			log.WithFields(log.Fields{
				"pkg": "nntp-server",
			}).Error("failed to accept inbound connection: ", err)
			return err
		}
		go s.handleInboundConnection(c, secure)
	}
}

// ServeConn runs a session over an already established connection,
// such as one tunneled through the websocket bridge.
func (s *Server) ServeConn(c net.Conn, secure bool) {
	s.handleInboundConnection(c, secure)
}

func (s *Server) handleInboundConnection(c net.Conn, secure bool) {
	log.WithFields(log.Fields{
		"pkg":  "nntp-server",
		"addr": c.RemoteAddr(),
	}).Debug("handling inbound connection")
	sess := newSession(s, c, secure)
	if !s.track(sess) {
		c.Close()
		return
	}
	defer s.untrack(sess)
	sess.Process()
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.sessions == nil {
		s.sessions = make(map[*session]struct{})
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Shutdown stops accepting sessions and asks live ones to drain with
// a 400 response.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.shutdown()
	}
	log.WithFields(log.Fields{
		"pkg":      "nntp-server",
		"sessions": len(sessions),
	}).Info("server shut down")
}

// acquire a slot in the ingestion pipeline
func (s *Server) acquireIngest() func() {
	if s.ingestSem == nil {
		return func() {}
	}
	s.ingestSem <- struct{}{}
	return func() { <-s.ingestSem }
}
