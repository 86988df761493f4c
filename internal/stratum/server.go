package stratum

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/manager"
	"github.com/bardlex/kawpool/internal/validation"
	"github.com/bardlex/kawpool/pkg/log"
)

// JobManager is the part of the manager the server drives.
type JobManager interface {
	AllocateExtraNonce() (string, error)
	HandleShare(jobID uint64, w *validation.Worker, s *validation.Submission) validation.Result
	CurrentJob() *job.Job
}

// ServerConfig configures the listener and the sessions it creates.
type ServerConfig struct {
	Addr           string
	MaxConnections int
	Session        SessionConfig
	// Params enables payout address checks on authorize when set.
	Params *chaincfg.Params
}

// Server accepts miner connections and routes their requests to the manager.
type Server struct {
	cfg     ServerConfig
	logger  *log.Logger
	manager JobManager

	listener net.Listener
	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	connections atomic.Int64
}

func NewServer(cfg ServerConfig, mgr JobManager, logger *log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.WithComponent("stratum"),
		manager:  mgr,
		sessions: make(map[string]*Session),
	}
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx ends or the listener is
// closed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("server listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.connections.Load() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	s.connections.Inc()
	defer s.connections.Dec()

	session := NewSession(uuid.NewString(), conn, s.logger, s.cfg.Session)

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.ID())
		s.mu.Unlock()
	}()

	if err := session.Start(ctx, s); err != nil && !stderrors.Is(err, context.Canceled) {
		s.logger.WithError(err).Debug("session ended")
	}
}

// Broadcast sends a new job to every authorized session.
func (s *Server) Broadcast(j *job.Job) {
	s.mu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.IsAuthorized() {
			targets = append(targets, session)
		}
	}
	s.mu.RUnlock()

	for _, session := range targets {
		if err := session.SendJob(j); err != nil {
			s.logger.WithError(err).Warn("failed to send job", "session_id", session.ID())
		}
	}
	s.logger.LogJobDistribution(j.ID, j.Height, j.CleanJobs, len(targets))
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown closes the listener and every session, then waits for the
// connection handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// HandleMessage implements MessageHandler.
func (s *Server) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	if !msg.IsRequest() {
		s.logger.Debug("ignoring non-request message", "method", msg.Method)
		return nil
	}

	switch msg.Method {
	case MethodSubscribe:
		return s.handleSubscribe(session, msg)
	case MethodAuthorize:
		return s.handleAuthorize(session, msg)
	case MethodSubmit:
		return s.handleSubmit(ctx, session, msg)
	case MethodExtranonceSubscribe:
		return session.SendResponse(msg.ID, true)
	default:
		return session.SendError(msg.ID, ErrorMethodNotFound, "Method not found")
	}
}

func (s *Server) handleSubscribe(session *Session, msg *Message) error {
	if session.IsSubscribed() {
		return session.SendResponse(msg.ID, []any{nil, session.ExtraNonce1()})
	}
	req := ParseSubscribeRequest(msg.Params)

	extraNonce1, err := s.manager.AllocateExtraNonce()
	if err != nil {
		return session.SendError(msg.ID, ErrorOther, "extranonce space exhausted")
	}
	session.Subscribe(extraNonce1)

	s.logger.WithWorker("", extraNonce1).Info("miner subscribed", "user_agent", req.UserAgent)
	return session.SendResponse(msg.ID, []any{nil, extraNonce1})
}

func (s *Server) handleAuthorize(session *Session, msg *Message) error {
	if !session.IsSubscribed() {
		return session.SendError(msg.ID, ErrorNotSubscribed, "Not subscribed")
	}

	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}
	if s.cfg.Params != nil {
		if _, err := job.DecodeAddress(req.Address, s.cfg.Params); err != nil {
			s.logger.WithError(err).Info("authorize rejected", "username", req.Username)
			return session.SendError(msg.ID, ErrorUnauthorized, "Invalid address")
		}
	}

	session.Authorize(req.Address, req.Worker)
	s.logger.WithWorker(req.Worker, session.ExtraNonce1()).Info("miner authorized", "address", req.Address)

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}
	if err := session.SendTarget(); err != nil {
		return err
	}
	if j := s.manager.CurrentJob(); j != nil {
		return session.SendJob(j)
	}
	return nil
}

func (s *Server) handleSubmit(_ context.Context, session *Session, msg *Message) error {
	if !session.IsAuthorized() {
		return session.SendError(msg.ID, ErrorUnauthorized, "Unauthorized worker")
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	started := time.Now()
	var res validation.Result
	jobID, err := manager.ParseJobID(req.JobID)
	if err != nil {
		res = validation.Result{Error: validation.ErrJobNotFound}
	} else {
		res = s.manager.HandleShare(jobID, session.Worker(), &validation.Submission{
			Nonce:      req.Nonce,
			HeaderHash: req.HeaderHash,
			MixHash:    req.MixHash,
		})
	}
	s.logger.LogDuration("share_validation", time.Since(started))

	if err := session.Send(NewShareResponse(msg.ID, res)); err != nil {
		return err
	}
	if !res.Accepted {
		return nil
	}

	if diff, changed := session.RecordShare(); changed {
		s.logger.Info("adjusting difficulty", "session_id", session.ID(), "difficulty", diff)
		return session.SendTarget()
	}
	return nil
}
