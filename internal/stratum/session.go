package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/validation"
	"github.com/bardlex/kawpool/pkg/log"
)

const (
	maxLineSize    = 4096
	outboundBuffer = 100
)

// Session represents a Stratum mining session
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger
	now    func() time.Time

	// Session state
	subscribed         bool
	authorized         bool
	address            string
	workerName         string
	extraNonce1        string
	difficulty         float64
	previousDifficulty float64
	vardiff            *vardiff

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// SessionConfig holds the per-connection settings.
type SessionConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	InitialDifficulty float64
	Vardiff           VardiffConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewSession creates a new Stratum session
func NewSession(id string, conn net.Conn, logger *log.Logger, cfg SessionConfig) *Session {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		now:          now,
		difficulty:   cfg.InitialDifficulty,
		vardiff:      newVardiff(cfg.Vardiff, now()),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		outbound:     make(chan []byte, outboundBuffer),
		done:         make(chan struct{}),
	}
}

// Start runs the session until the peer disconnects or ctx ends.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop(ctx)
	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				return err
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				select {
				case <-s.done:
					return nil
				default:
				}
				s.logger.WithError(err).Warn("read failed")
				return err
			}
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Warn("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message", "method", msg.Method)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("connection close", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.writeTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
					s.Close()
					return
				}
			}
			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Warn("failed to write message")
				s.Close()
				return
			}
			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// Send queues v for the writer. It never blocks: a full queue means the
// miner is not reading and the message is dropped with an error.
func (s *Session) Send(v any) error {
	data, err := MarshalLine(v)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}
	select {
	case s.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound channel full")
	}
}

func (s *Session) SendResponse(id, result any) error {
	return s.Send(NewResponse(id, result))
}

func (s *Session) SendError(id any, code int, message string) error {
	return s.Send(NewErrorResponse(id, code, message))
}

func (s *Session) SendNotification(method string, params []any) error {
	return s.Send(NewNotification(method, params))
}

// SendJob sends mining.notify for j at the session's current difficulty.
func (s *Session) SendJob(j *job.Job) error {
	return s.SendNotification(MethodNotify, NotifyParams(j, s.Difficulty()))
}

// SendTarget sends mining.set_target for the current difficulty.
func (s *Session) SendTarget() error {
	return s.SendNotification(MethodSetTarget, SetTargetParams(s.Difficulty()))
}

// Close closes the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("connection close", "error", err)
		}
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Subscribe binds the session to its extranonce1.
func (s *Session) Subscribe(extraNonce1 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce1 = extraNonce1
	s.subscribed = true
}

func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// Authorize records the payout address and worker name.
func (s *Session) Authorize(address, workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = address
	s.workerName = workerName
	s.authorized = true
}

func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// ExtraNonce1 returns the ExtraNonce1 value for this session.
func (s *Session) ExtraNonce1() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// Difficulty returns the current share difficulty.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty changes the share difficulty. The old value stays
// acceptable until the next change.
func (s *Session) SetDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if difficulty == s.difficulty {
		return
	}
	s.previousDifficulty = s.difficulty
	s.difficulty = difficulty
}

// Worker returns a snapshot of the session for the share validator.
func (s *Session) Worker() *validation.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &validation.Worker{
		ID:                 s.id,
		Name:               s.workerName,
		ExtraNonce1:        s.extraNonce1,
		PrimaryAddress:     s.address,
		Difficulty:         s.difficulty,
		PreviousDifficulty: s.previousDifficulty,
	}
}

// RecordShare feeds an accepted share to vardiff. It returns the new
// difficulty when one was applied.
func (s *Session) RecordShare() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, changed := s.vardiff.record(s.now(), s.difficulty)
	if !changed {
		return s.difficulty, false
	}
	s.previousDifficulty = s.difficulty
	s.difficulty = next
	return next, true
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
