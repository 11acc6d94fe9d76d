package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const WelcomePrompt = "Welcome to budgetchat! What shall I call you?"

var errWrite = errorString("write_failed")

type State int

const (
	StateNegotiating State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// SessionOptions carries the per-connection limits taken from server config.
type SessionOptions struct {
	MaxLineLength int
	WriteTimeout  time.Duration

	// NameTimeout bounds the wait for the name line; zero waits forever.
	NameTimeout time.Duration
}

// Session drives one connection: name negotiation, then relaying between
// the socket and the bus until either side fails.
type Session struct {
	ID     SessionID
	conn   net.Conn
	reader *LineReader
	writer *LineWriter
	reg    *Registry
	bus    *Bus
	logger *slog.Logger
	opts   SessionOptions

	state  State
	name   string
	joined bool
	sub    *Subscription
}

func NewSession(id SessionID, conn net.Conn, reg *Registry, bus *Bus, opts SessionOptions, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:     id,
		conn:   conn,
		reader: NewLineReader(conn, opts.MaxLineLength),
		writer: NewLineWriter(conn, opts.WriteTimeout),
		reg:    reg,
		bus:    bus,
		opts:   opts,
		logger: logger.With("session_id", id, "remote_addr", remoteAddr(conn)),
		state:  StateNegotiating,
	}
}

// Run blocks until the session reaches StateClosed and returns the cause.
// Cancelling ctx closes the connection.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	if err := s.negotiate(); err != nil {
		err = causeOf(ctx, err)
		s.close(ctx, err)
		return err
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	lines := make(chan lineResult)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLines(lines, done)
	}()

	err := causeOf(ctx, s.loop(ctx, lines))
	close(done)
	s.close(ctx, err)
	wg.Wait()
	return err
}

func (s *Session) negotiate() error {
	if err := s.send(WelcomePrompt); err != nil {
		return err
	}

	if s.opts.NameTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.NameTimeout)); err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
	name, err := s.reader.ReadTerminatedLine()
	if err != nil {
		return err
	}
	if s.opts.NameTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}

	if !ValidName(name) {
		return ErrInvalidName
	}

	joined := Event{Type: EventJoined, Origin: s.ID, Name: name}
	var sub *Subscription
	others, err := s.reg.Join(s.ID, name, func() error {
		var err error
		if sub, err = s.bus.Subscribe(); err != nil {
			return err
		}
		if _, err = s.bus.Publish(joined); err != nil {
			sub.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	s.name = name
	s.joined = true
	s.sub = sub
	s.state = StateActive
	s.logger = s.logger.With("name", name)
	SessionsTotal.WithLabelValues("joined").Inc()
	s.logger.Info("session joined", "present", len(others))

	return s.send(ParticipantList(others))
}

type lineResult struct {
	line string
	err  error
}

// readLines feeds socket lines to the control loop until a read fails or
// done is closed.
func (s *Session) readLines(lines chan<- lineResult, done <-chan struct{}) {
	for {
		line, err := s.reader.ReadLine()
		select {
		case lines <- lineResult{line: line, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) loop(ctx context.Context, lines <-chan lineResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.sub.Ready():
			if err := s.deliver(); err != nil {
				return err
			}
		case res := <-lines:
			if res.err != nil {
				return res.err
			}
			chat := Event{Type: EventChat, Origin: s.ID, Name: s.name, Text: res.line}
			if _, err := s.bus.Publish(chat); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
		}
	}
}

// deliver writes every queued event not originating from this session.
func (s *Session) deliver() error {
	for {
		ev, ok, err := s.sub.Poll()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if ev.Origin == s.ID {
			continue
		}
		if err := s.send(ev.Render()); err != nil {
			return err
		}
	}
}

func (s *Session) send(line string) error {
	if err := s.writer.WriteLine(line); err != nil {
		return fmt.Errorf("%w: %w", errWrite, err)
	}
	return nil
}

// close unwinds the session. It is idempotent.
func (s *Session) close(ctx context.Context, cause error) {
	if s.state == StateClosed {
		return
	}
	wasActive := s.state == StateActive
	s.state = StateClosed

	if s.sub != nil {
		s.sub.Close()
	}
	if s.joined {
		left := Event{Type: EventLeft, Origin: s.ID, Name: s.name}
		_, err := s.reg.Leave(s.ID, func(string) {
			if _, err := s.bus.Publish(left); err != nil {
				s.logger.Warn("leave announcement dropped", "error", err)
			}
		})
		if err != nil {
			s.logger.Warn("leave failed", "error", err)
		}
	}
	_ = s.conn.Close()

	reason := closeReason(ctx, cause)
	switch {
	case wasActive:
	case errors.Is(cause, ErrInvalidName):
		SessionsTotal.WithLabelValues("rejected").Inc()
	default:
		SessionsTotal.WithLabelValues("aborted").Inc()
	}
	s.logger.Info("session closed", "reason", reason, "joined", s.joined)
	if reason == "read" || reason == "write" || reason == "error" {
		s.logger.Debug("session close cause", "error", cause)
	}
}

// ValidName reports whether name is a non-empty run of ASCII letters and digits.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		default:
			return false
		}
	}
	return true
}

// ParticipantList formats the snapshot line sent to a newly joined session.
func ParticipantList(names []string) string {
	return "* List of participants: [" + strings.Join(names, ", ") + "]"
}

// causeOf reports ctx's error in place of err once ctx is done.
func causeOf(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return ctxErr
	}
	return err
}

func closeReason(ctx context.Context, err error) string {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return "shutdown"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrLineTooLong):
		return "line_too_long"
	case isLagged(err):
		return "lagged"
	case errors.Is(err, ErrBusClosed), errors.Is(err, ErrRegistryStopped):
		return "shutdown"
	case errors.Is(err, errWrite):
		return "write"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case err != nil:
		return "read"
	}
	return "error"
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
