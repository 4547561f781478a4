// Package ussd implements a single-slot interactive USSD session: send,
// reply and cancel, correlating the reply to either the same command
// exchange or a later asynchronous +CUSD: URC.
package ussd

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomodem/modem/at"
)

// Ussd is one USSD exchange result: Active is true while the network
// expects a further reply.
type Ussd struct {
	Active  bool
	Message string
}

// Session is the modem's single USSD slot - at most one session may be
// in flight at a time.
type Session struct {
	a      *at.AT
	logger *log.Logger

	mu       sync.Mutex
	waiter   chan Ussd
	active   bool
	lastText string
}

// Option configures New.
type Option func(*Session)

// WithLogger attaches a logger used to trace each exchange by a per-send
// correlation id.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New creates a Session over a.
func New(a *at.AT, opts ...Option) *Session {
	s := &Session{a: a}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// ErrBusy indicates a USSD exchange is already in flight.
var ErrBusy = errors.New("ussd session busy")

// ErrNoActiveSession indicates Reply or Cancel was called with no session
// in progress.
var ErrNoActiveSession = errors.New("no active ussd session")

// Send issues AT+CUSD=1,"<digits>",15 and returns the result, either from
// the same command exchange or from a subsequent async URC, up to
// timeout.
func (s *Session) Send(ctx context.Context, digits string, timeout time.Duration) (Ussd, error) {
	cid := uuid.NewString()
	s.mu.Lock()
	if s.waiter != nil {
		s.mu.Unlock()
		return Ussd{}, ErrBusy
	}
	waiter := make(chan Ussd, 1)
	s.waiter = waiter
	s.mu.Unlock()

	s.logf("ussd[%s]: sending %s", cid, digits)
	lines, err := s.a.Command(ctx, fmt.Sprintf(`+CUSD=1,"%s",15`, digits))
	if err != nil {
		s.clearWaiter()
		s.logf("ussd[%s]: failed: %v", cid, err)
		return Ussd{}, errors.WithMessage(err, "AT+CUSD")
	}
	if u, ok := parseBatch(lines); ok {
		s.finish(u)
		return u, nil
	}

	tctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case u := <-waiter:
		return u, nil
	case <-tctx.Done():
		s.clearWaiter()
		return Ussd{}, errors.Wrap(tctx.Err(), "waiting for +CUSD")
	}
}

// Reply sends digits as the next turn of an active session.
func (s *Session) Reply(ctx context.Context, digits string, timeout time.Duration) (Ussd, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return Ussd{}, ErrNoActiveSession
	}
	return s.Send(ctx, digits, timeout)
}

// Cancel releases an active session with AT+CUSD=2.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	active := s.active
	s.active = false
	s.mu.Unlock()
	if !active {
		return ErrNoActiveSession
	}
	_, err := s.a.Command(ctx, "+CUSD=2")
	return err
}

// HandleURC processes a +CUSD: URC batch delivered by the dispatcher,
// completing any armed waiter.
func (s *Session) HandleURC(lines []string) {
	if u, ok := parseBatch(lines); ok {
		s.finish(u)
	}
}

func (s *Session) finish(u Ussd) {
	s.mu.Lock()
	s.active = u.Active
	s.lastText = u.Message
	waiter := s.waiter
	s.waiter = nil
	s.mu.Unlock()
	if waiter != nil {
		waiter <- u
	}
}

func (s *Session) clearWaiter() {
	s.mu.Lock()
	s.waiter = nil
	s.mu.Unlock()
}

var cusdLine = regexp.MustCompile(`^\+CUSD:\s*(\d+)(?:,"([^"]*)",(\d+))?`)

// parseBatch implements the n=1/continue, n!=1/close, n=2-is-a-non-
// overwriting-release rule from spec.md §4.G across every +CUSD: line in
// one URC batch or command response.
func parseBatch(lines []string) (Ussd, bool) {
	var u Ussd
	found := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		m := cusdLine.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		msg := m[2]
		if n == 1 {
			u = Ussd{Active: true, Message: msg}
			found = true
			continue
		}
		// any other value closes the session; n=2 is a release that
		// must not overwrite a message already captured in this batch.
		if !found {
			u = Ussd{Active: false, Message: msg}
			found = true
		} else {
			u.Active = false
		}
	}
	return u, found
}
