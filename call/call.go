// Package call tracks active voice calls, drives the outgoing dial state
// machine (vendor dialect dependent), and dispatches incoming ring/CLIP
// notifications.
package call

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomodem/modem/at"
	"github.com/gomodem/modem/dialect"
)

// Direction distinguishes a call this driver originated from one it
// received.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Call is one active voice call.
type Call struct {
	ID        int
	Direction Direction
	Type      int // 0 = voice, per 3GPP TS 27.007
	Number    string
	CallerTON int

	mu       sync.Mutex
	ringing  bool
	answered bool
	active   bool
	ringCount int

	onUpdate func(*Call)
}

func (c *Call) setRinging() {
	c.mu.Lock()
	c.ringing = true
	c.mu.Unlock()
}

func (c *Call) setAnswered() {
	c.mu.Lock()
	c.ringing = false
	c.answered = true
	c.active = true
	c.mu.Unlock()
}

func (c *Call) deactivate() {
	c.mu.Lock()
	c.ringing = false
	c.active = false
	c.mu.Unlock()
}

// Answered reports whether the call has been answered.
func (c *Call) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// Active reports whether the call is still tracked as live.
func (c *Call) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Call) notify() {
	if c.onUpdate != nil {
		c.onUpdate(c)
	}
}

// dialInit is the (id, type) pair a call-initiated URC carries, delivered
// to whichever Dial call armed the waiter.
type dialInit struct {
	id  int
	typ int
}

// Engine is the call subsystem: an active-call table plus the dial state
// machine chosen by the probed dialect.
type Engine struct {
	a        *at.AT
	urcs     dialect.CallURCs
	logger   *log.Logger
	onIncoming func(*Call)

	mu         sync.Mutex
	calls      map[int]*Call
	dialWaiter chan dialInit
}

// Option configures an Engine created by New.
type Option func(*Engine)

// WithLogger attaches a logger used to report generic-dialect poll
// failures.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIncomingCallback registers the handler invoked when a new incoming
// call is created.
func WithIncomingCallback(fn func(*Call)) Option {
	return func(e *Engine) { e.onIncoming = fn }
}

// New creates an Engine using the call-URC table the dialect probe chose.
func New(a *at.AT, urcs dialect.CallURCs, opts ...Option) *Engine {
	e := &Engine{a: a, urcs: urcs, calls: make(map[int]*Call)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Calls returns a snapshot of the active-call table.
func (e *Engine) Calls() []*Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Call, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c)
	}
	return out
}

func (e *Engine) nextID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls) + 1
}

func (e *Engine) add(c *Call) {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	e.mu.Lock()
	e.calls[c.ID] = c
	e.mu.Unlock()
}

func (e *Engine) remove(id int) {
	e.mu.Lock()
	delete(e.calls, id)
	e.mu.Unlock()
}

func (e *Engine) find(id int) *Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

// armDialWaiter opens a one-shot slot for the next call-initiated URC to
// report the id and type the modem actually assigned, mirroring the
// ussd.Session waiter. Only one Dial may be outstanding at a time.
func (e *Engine) armDialWaiter() (chan dialInit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dialWaiter != nil {
		return nil, ErrDialInProgress
	}
	w := make(chan dialInit, 1)
	e.dialWaiter = w
	return w, nil
}

func (e *Engine) clearDialWaiter() {
	e.mu.Lock()
	e.dialWaiter = nil
	e.mu.Unlock()
}

// deliverDialWaiter completes an armed dial waiter, if any, and reports
// whether one was waiting.
func (e *Engine) deliverDialWaiter(init dialInit) bool {
	e.mu.Lock()
	w := e.dialWaiter
	e.dialWaiter = nil
	e.mu.Unlock()
	if w == nil {
		return false
	}
	w <- init
	return true
}

// firstOutgoingUnanswered resolves a URC that omits the call id, per
// spec.md §4.F, to the first matching outgoing call.
func (e *Engine) firstOutgoingUnanswered() *Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.calls {
		if c.Direction == Outgoing && !c.Answered() {
			return c
		}
	}
	return nil
}

// Dial implements spec.md §4.F's Dial, dispatching to the dial strategy
// the probed dialect's call-URC table calls for. The Call object returned
// to the caller is always the one later mutated by HandleInitiated,
// HandleAnswered, HandleEnded or the +CLCC poller - never a locally
// guessed stand-in - so the caller's onUpdate keeps firing for the life
// of the call.
func (e *Engine) Dial(ctx context.Context, number string, onUpdate func(*Call)) (*Call, error) {
	cid := uuid.NewString()
	e.logf("call[%s]: dialing %s", cid, number)
	switch {
	case e.urcs.HasInitiatedURC:
		return e.dialWithInitiatedURC(ctx, number, onUpdate)
	case e.urcs.AnsweredPrefix == "CONNECT" && !e.urcs.HasInitiatedURC:
		return e.dialZTE(ctx, number, onUpdate)
	default:
		return e.dialGeneric(ctx, number, onUpdate)
	}
}

// dialWithInitiatedURC implements Huawei/Wavecom-style dialing: the Call
// is built only once the initiated URC reports the id and type the modem
// actually assigned, by arming a one-shot waiter that HandleInitiated
// fills. For Wavecom, ATD itself only completes (with OK) once the call
// is answered, so it is issued from a background goroutine whose result
// feeds setAnswered on the Call the waiter produced.
func (e *Engine) dialWithInitiatedURC(ctx context.Context, number string, onUpdate func(*Call)) (*Call, error) {
	waiter, err := e.armDialWaiter()
	if err != nil {
		return nil, err
	}

	var answeredOnOK chan error
	if e.urcs.DialWaitsForAnswerOnly {
		answeredOnOK = make(chan error, 1)
		go func() {
			_, err := e.a.Command(ctx, "D"+number+";")
			answeredOnOK <- err
		}()
	} else if _, err := e.a.Command(ctx, "D"+number+";"); err != nil {
		e.clearDialWaiter()
		if e.urcs.RejectedIsBareOK {
			return nil, ErrRejected
		}
		return nil, errors.WithMessage(err, "ATD")
	}

	select {
	case init := <-waiter:
		c := &Call{ID: init.id, Direction: Outgoing, Type: init.typ, Number: number, onUpdate: onUpdate, ringing: true}
		e.add(c)
		c.notify()
		if answeredOnOK != nil {
			go func() {
				if err := <-answeredOnOK; err == nil {
					c.setAnswered()
					c.notify()
				}
			}()
		}
		return c, nil
	case <-ctx.Done():
		e.clearDialWaiter()
		return nil, ctx.Err()
	}
}

// dialZTE implements ZTE-style dialing: there is no initiated URC and no
// id-bearing event ever reports a call id, so the local counter is the
// only source of one. HandleAnswered/HandleEnded already fall back to
// firstOutgoingUnanswered when a URC's id doesn't resolve, which is the
// only id ZTE ever has anyway.
func (e *Engine) dialZTE(ctx context.Context, number string, onUpdate func(*Call)) (*Call, error) {
	if _, err := e.a.Command(ctx, "D"+number+";"); err != nil {
		if e.urcs.RejectedIsBareOK {
			return nil, ErrRejected
		}
		return nil, errors.WithMessage(err, "ATD")
	}
	// ATD's own completion (CONNECT/OK/ERROR) is the first signal; the
	// transport already consumed the CONNECT/OK terminator.
	c := &Call{ID: e.nextID(), Direction: Outgoing, Number: number, onUpdate: onUpdate}
	c.setAnswered()
	e.add(c)
	c.notify()
	return c, nil
}

// dialGeneric implements the Generic-dialect branch of Dial: snapshot the
// ids AT+CLCC currently reports, issue ATD, then poll AT+CLCC until a new
// outgoing entry appears, using ITS id (not a locally guessed one) to
// build the Call before handing polling off to pollCLCC.
func (e *Engine) dialGeneric(ctx context.Context, number string, onUpdate func(*Call)) (*Call, error) {
	before := e.snapshotCLCCIds(ctx)
	if _, err := e.a.Command(ctx, "D"+number+";"); err != nil {
		return nil, errors.WithMessage(err, "ATD")
	}
	init, err := e.waitForNewCLCCEntry(ctx, before)
	if err != nil {
		return nil, err
	}
	c := &Call{ID: init.id, Direction: Outgoing, Type: init.typ, Number: number, onUpdate: onUpdate, ringing: true}
	e.add(c)
	go e.pollCLCC(ctx, c)
	return c, nil
}

var clccLine = regexp.MustCompile(`^\+CLCC:\s*(\d+),(\d+),(\d+),(\d+),(\d+)(?:,"([^"]*)",(\d+))?`)

// snapshotCLCCIds records the call ids AT+CLCC currently reports, so a
// freshly dialed call can be told apart from calls already in progress.
func (e *Engine) snapshotCLCCIds(ctx context.Context) map[int]bool {
	ids := make(map[int]bool)
	lines, err := e.a.Command(ctx, "+CLCC")
	if err != nil {
		return ids
	}
	for _, l := range lines {
		if m := clccLine.FindStringSubmatch(l); m != nil {
			if id, err := strconv.Atoi(m[1]); err == nil {
				ids[id] = true
			}
		}
	}
	return ids
}

// waitForNewCLCCEntry polls AT+CLCC every 500ms until a mobile-originated
// entry absent from before appears, returning the id and type it reports.
func (e *Engine) waitForNewCLCCEntry(ctx context.Context, before map[int]bool) (dialInit, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return dialInit{}, ctx.Err()
		case <-ticker.C:
			lines, err := e.a.Command(ctx, "+CLCC")
			if err != nil {
				e.logf("call: +CLCC poll failed: %v", err)
				continue
			}
			for _, l := range lines {
				m := clccLine.FindStringSubmatch(l)
				if m == nil {
					continue
				}
				id, _ := strconv.Atoi(m[1])
				dir, _ := strconv.Atoi(m[2])
				if before[id] || dir != 0 { // dir 0 = mobile originated
					continue
				}
				typ, _ := strconv.Atoi(m[4])
				return dialInit{id: id, typ: typ}, nil
			}
		}
	}
}

// pollCLCC polls AT+CLCC every 500ms for the Generic dialect, advancing
// the call through dialing/alerting(0) -> active(1) -> ended(2) until
// the context is done.
func (e *Engine) pollCLCC(ctx context.Context, c *Call) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lines, err := e.a.Command(ctx, "+CLCC")
			if err != nil {
				e.logf("call: +CLCC poll failed: %v", err)
				continue
			}
			if !e.clccStillPresent(lines, c) {
				c.deactivate()
				e.remove(c.ID)
				c.notify()
				return
			}
			if e.clccIsActive(lines, c) && !c.Answered() {
				c.setAnswered()
				c.notify()
			}
		}
	}
}

func (e *Engine) clccStillPresent(lines []string, c *Call) bool {
	for _, l := range lines {
		if m := clccLine.FindStringSubmatch(l); m != nil {
			if id, _ := strconv.Atoi(m[1]); id == c.ID {
				return true
			}
		}
	}
	return false
}

func (e *Engine) clccIsActive(lines []string, c *Call) bool {
	for _, l := range lines {
		if m := clccLine.FindStringSubmatch(l); m != nil {
			id, _ := strconv.Atoi(m[1])
			stat, _ := strconv.Atoi(m[3])
			if id == c.ID && stat == 0 { // 0 = active per +CLCC <stat>
				return true
			}
		}
	}
	return false
}

// HandleInitiated processes a dialect's "call initiated" URC (e.g.
// Huawei's ^ORIG: or Wavecom's +WIND: 5,). If a Dial call is waiting on
// this URC to learn the id and type the modem assigned, it is delivered
// there and Dial builds the Call; otherwise (no Dial in flight, or a
// second initiated URC for a call already tracked) the URC's id is
// looked up directly.
func (e *Engine) HandleInitiated(line string) {
	id, typ := parseInitiated(line, e.urcs.InitiatedPrefix)
	if e.deliverDialWaiter(dialInit{id: id, typ: typ}) {
		return
	}
	c := e.find(id)
	if c == nil {
		c = &Call{ID: id, Direction: Outgoing, Type: typ, ringing: true}
		e.add(c)
	}
	c.setRinging()
	c.notify()
}

func parseInitiated(line, prefix string) (id int, typ int) {
	rest := strings.TrimPrefix(line, prefix)
	parts := strings.Split(rest, ",")
	if len(parts) > 0 {
		id, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	}
	if len(parts) > 1 {
		typ, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return id, typ
}

// HandleAnswered processes a dialect's "answered" URC (e.g. Huawei's
// ^CONN: or a ZTE bare CONNECT).
func (e *Engine) HandleAnswered(line string) {
	id := parseLeadingID(line, e.urcs.AnsweredPrefix)
	c := e.resolve(id)
	if c == nil {
		return
	}
	c.setAnswered()
	c.notify()
}

// HandleEnded processes a dialect's "ended" URC (Huawei ^CEND:, Wavecom
// +WIND: 6,, ZTE HANGUP:), removing the call from the active table.
func (e *Engine) HandleEnded(line string) {
	id := parseLeadingID(line, e.urcs.EndedPrefix)
	c := e.resolve(id)
	if c == nil {
		return
	}
	c.deactivate()
	e.remove(c.ID)
	c.notify()
}

func (e *Engine) resolve(id int) *Call {
	if c := e.find(id); c != nil {
		return c
	}
	return e.firstOutgoingUnanswered()
}

func parseLeadingID(line, prefix string) int {
	rest := strings.TrimPrefix(line, prefix)
	rest = strings.TrimSpace(rest)
	parts := strings.SplitN(rest, ",", 2)
	id, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	return id
}

// HandleRing processes a RING URC, optionally followed by a +CLIP: line
// carrying the caller number and TON.
func (e *Engine) HandleRing(clipLine string) {
	number, ton := parseCLIP(clipLine)
	for _, c := range e.Calls() {
		if c.Direction == Incoming && c.Number == number {
			c.mu.Lock()
			c.ringCount++
			c.mu.Unlock()
			c.notify()
			return
		}
	}
	c := &Call{ID: e.nextID(), Direction: Incoming, Number: number, CallerTON: ton, ringing: true}
	e.add(c)
	if e.onIncoming != nil {
		e.onIncoming(c)
	}
}

var clipFields = regexp.MustCompile(`^\+CLIP:\s*"([^"]*)",(\d+)`)

func parseCLIP(line string) (number string, ton int) {
	if m := clipFields.FindStringSubmatch(line); m != nil {
		ton, _ = strconv.Atoi(m[2])
		return m[1], ton
	}
	return "", 0
}

// SendDTMF sends one DTMF tone on an answered call, using the dialect's
// command template.
func (e *Engine) SendDTMF(ctx context.Context, callID int, tone byte) error {
	c := e.find(callID)
	if c == nil || !c.Answered() {
		return ErrNotAnswered
	}
	_, err := e.a.Command(ctx, e.urcs.DTMFCommand(callID, tone))
	if ce, ok := err.(at.CMEError); ok && (ce == "30" || ce == "3") {
		return ErrInterrupted
	}
	return err
}

// Hangup ends an active call with ATH and removes it from the table.
func (e *Engine) Hangup(ctx context.Context, callID int) error {
	c := e.find(callID)
	if c == nil {
		return nil
	}
	if c.Active() {
		if _, err := e.a.Command(ctx, "H"); err != nil {
			return errors.WithMessage(err, "ATH")
		}
	}
	c.deactivate()
	e.remove(callID)
	c.notify()
	return nil
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

var (
	// ErrDialInProgress indicates Dial was called while another dial is
	// still waiting on its initiated URC.
	ErrDialInProgress = errors.New("dial already in progress")
	// ErrRejected indicates a dialed call was rejected (ZTE's bare OK
	// with no CONNECT).
	ErrRejected = errors.New("call rejected")
	// ErrNotAnswered indicates DTMF was attempted on a call that isn't
	// (yet) answered.
	ErrNotAnswered = errors.New("call not answered")
	// ErrInterrupted indicates a mid-call teardown interrupted a DTMF
	// send (CME 30 "no service" or 3 "operation not allowed").
	ErrInterrupted = errors.New("interrupted")
)
