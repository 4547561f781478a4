// Package sms implements sending, receiving, listing and deleting SMS
// messages in either text or PDU mode, correlating delivery status
// reports with prior sends by TP-MR reference.
package sms

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
	"github.com/gomodem/modem/pdu"
)

// Status is the derived delivery status of a Sent message.
type Status int

const (
	Enroute Status = iota
	Delivered
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "enroute"
	}
}

// StatusReport is a delivery confirmation/failure notification correlated
// back to a Sent message by reference.
type StatusReport struct {
	Reference      uint8
	Sent           time.Time
	Finalized      time.Time
	DeliveryStatus uint8 // 0 = delivered, 68 = failed, per 3GPP TS 23.040
}

func (r StatusReport) status() Status {
	if r.DeliveryStatus == 0 {
		return Delivered
	}
	return Failed
}

// Sent is the record returned by Send. Report is nil until a matching
// StatusReport arrives; it is mutated exactly once.
type Sent struct {
	Destination string
	Text        string
	Reference   uint8
	// CorrelationID identifies this send in logs/traces independently of
	// the TP-MR reference, which the modem may reuse across sends.
	CorrelationID string

	mu     sync.Mutex
	report *StatusReport
	done   chan struct{}
}

// Status returns the derived enroute/delivered/failed state.
func (s *Sent) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report == nil {
		return Enroute
	}
	return s.report.status()
}

// Report returns the StatusReport attached to this Sent, if any.
func (s *Sent) Report() *StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

func (s *Sent) attach(r StatusReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report != nil {
		return // invariant: mutated exactly once
	}
	s.report = &r
	close(s.done)
}

// Received is an incoming SMS read off the modem's storage, via either a
// live +CMTI notification or a listStoredSms scan.
type Received struct {
	Status string // the modem's own text-mode stat string (e.g. "REC UNREAD"), not normalized; empty for PDU-mode reads
	Index  int
	Number string
	Time   time.Time
	Text   string
	SMSC   string
	UDH    []byte
}

// sentTable is the reference-keyed table a StatusReport is correlated
// against. It holds an ordinary pointer to each Sent until take removes it
// or a later put with the same reference replaces it; entries are not
// released otherwise.
type sentTable struct {
	mu      sync.Mutex
	entries map[uint8]*Sent
}

func newSentTable() *sentTable {
	return &sentTable{entries: make(map[uint8]*Sent)}
}

func (t *sentTable) put(s *Sent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[s.Reference] = s
}

func (t *sentTable) take(ref uint8) *Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entries[ref]
	delete(t.entries, ref)
	return s
}

// Engine is the SMS subsystem: it owns the reference counter, the
// reference-keyed sent-message table, and the PDU codec collaborator, and drives the
// at.AT transport for every SMS-related command.
type Engine struct {
	a     *at.AT
	codec *pdu.Codec
	coll  *pdu.Collector

	mu        sync.Mutex
	reference uint8
	pduMode   bool
	sent      *sentTable

	onReceived     func(*Received)
	onStatusReport func(*StatusReport)
	logger         *log.Logger
}

// Option configures an Engine created by New.
type Option func(*Engine)

// WithLogger attaches a logger used to report a received-SMS callback
// panic or a +CDS PDU decode failure (spec.md §9b: surfaced, not swallowed).
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithReceivedCallback registers the handler invoked for each incoming
// SMS. The message is deleted from modem storage only if fn returns
// without panicking.
func WithReceivedCallback(fn func(*Received)) Option {
	return func(e *Engine) { e.onReceived = fn }
}

// WithStatusReportCallback registers the handler invoked for every
// incoming status report, whether or not it correlates to a live Sent.
func WithStatusReportCallback(fn func(*StatusReport)) Option {
	return func(e *Engine) { e.onStatusReport = fn }
}

// New creates an Engine. pduMode should match the AT+CMGF setting applied
// during capability probing.
func New(a *at.AT, codec *pdu.Codec, pduMode bool, opts ...Option) *Engine {
	e := &Engine{
		a:       a,
		codec:   codec,
		coll:    pdu.NewCollector(time.Hour, nil),
		pduMode: pduMode,
		sent:    newSentTable(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var cmgsRef = regexp.MustCompile(`^\+CMGS:\s*(\d+)`)

// Send implements spec.md §4.E's Send: it picks text or PDU mode based on
// GSM-7 encodability and the 160 character cutover, writes the command(s),
// and returns a Sent record with the parsed reference. If
// waitForDeliveryReport, it blocks (up to timeout) for a correlated
// StatusReport.
func (e *Engine) Send(ctx context.Context, destination, text string, waitForDeliveryReport bool, timeout time.Duration, sendFlash bool) (*Sent, error) {
	cid := uuid.NewString()
	usePDU := e.pduMode || !pdu.Fits7Bit(text) || len(text) > 160
	e.logf("sms[%s]: sending to %s (pdu=%v)", cid, destination, usePDU)

	var ref uint8
	var err error
	if usePDU {
		ref, err = e.sendPDU(ctx, destination, text, sendFlash)
	} else {
		ref, err = e.sendText(ctx, destination, text)
	}
	if err != nil {
		e.logf("sms[%s]: send failed: %v", cid, err)
		return nil, err
	}

	s := &Sent{Destination: destination, Text: text, Reference: ref, CorrelationID: cid, done: make(chan struct{})}
	e.sent.put(s)
	e.advanceReference()

	if waitForDeliveryReport {
		tctx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			tctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		select {
		case <-s.done:
		case <-tctx.Done():
			return s, errors.Wrap(tctx.Err(), "waiting for delivery report")
		}
	}
	return s, nil
}

func (e *Engine) sendText(ctx context.Context, destination, text string) (uint8, error) {
	lines, err := e.a.SMSCommand(ctx, fmt.Sprintf(`+CMGS="%s"`, destination), text)
	if err != nil {
		return 0, errors.WithMessage(err, "AT+CMGS")
	}
	return parseRef(lines)
}

func (e *Engine) sendPDU(ctx context.Context, destination, text string, sendFlash bool) (uint8, error) {
	if !e.pduMode {
		if _, err := e.a.Command(ctx, "+CMGF=0"); err != nil {
			return 0, errors.WithMessage(err, "AT+CMGF=0")
		}
		e.pduMode = true
	}
	cscs := "GSM"
	if !pdu.Fits7Bit(text) {
		cscs = "UCS2"
	}
	e.a.Command(ctx, fmt.Sprintf(`+CSCS="%s"`, cscs))

	e.mu.Lock()
	ref := e.reference
	e.mu.Unlock()

	submits, err := e.codec.EncodeSubmit(destination, text, ref, sendFlash)
	if err != nil {
		return 0, errors.WithMessage(err, "encode submit")
	}
	var last uint8
	for _, sub := range submits {
		lines, err := e.a.SMSCommand(ctx, fmt.Sprintf("+CMGS=%d", sub.TPDULength), sub.Hex)
		if err != nil {
			return 0, errors.WithMessage(err, "AT+CMGS")
		}
		last, err = parseRef(lines)
		if err != nil {
			return 0, err
		}
	}
	return last, nil
}

func parseRef(lines []string) (uint8, error) {
	for _, l := range lines {
		if m := cmgsRef.FindStringSubmatch(l); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return 0, errors.Wrap(err, "parse +CMGS reference")
			}
			return uint8(n), nil
		}
	}
	return 0, errors.New("no +CMGS reference in response")
}

func (e *Engine) advanceReference() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reference++ // mod-256 wrap is implicit in uint8 arithmetic
}

// HandleCMTI implements the +CMTI receive path (spec.md §4.E): select the
// notified storage with AT+CPMS (sent on every call, whether or not that
// storage is already selected), read the message, invoke the received-SMS
// callback, and delete on a clean return.
func (e *Engine) HandleCMTI(ctx context.Context, mem string, index int) {
	e.a.Command(ctx, fmt.Sprintf(`+CPMS="%s"`, mem))
	lines, err := e.a.Command(ctx, fmt.Sprintf("+CMGR=%d", index))
	if err != nil {
		e.logf("sms: +CMGR=%d failed: %v", index, err)
		return
	}
	r, err := e.parseCMGR(index, lines)
	if err != nil {
		e.logf("sms: parse +CMGR=%d failed: %v", index, err)
		return
	}
	if r == nil {
		return // partial concatenated PDU, not yet complete
	}
	if e.deliverReceived(r) {
		e.a.Command(ctx, fmt.Sprintf("+CMGD=%d,0", index))
	}
}

// ReadStored reads one stored message by index via AT+CMGR without
// deleting it or invoking the received-SMS callback.
func (e *Engine) ReadStored(ctx context.Context, index int) (*Received, error) {
	lines, err := e.a.Command(ctx, fmt.Sprintf("+CMGR=%d", index))
	if err != nil {
		return nil, err
	}
	return e.parseCMGR(index, lines)
}

// deliverReceived invokes the received-SMS callback, recovering any panic
// so the caller (the URC dispatcher) is never taken down, and reports
// whether it is safe to delete the stored message.
func (e *Engine) deliverReceived(r *Received) (clean bool) {
	if e.onReceived == nil {
		return true
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logf("sms: received-sms callback panicked: %v", rec)
			clean = false
		}
	}()
	e.onReceived(r)
	return true
}

var cmgrText = regexp.MustCompile(`^\+CMGR:\s*"([^"]*)","([^"]*)",[^,]*,"([^"]*)"`)

func (e *Engine) parseCMGR(index int, lines []string) (*Received, error) {
	if len(lines) == 0 {
		return nil, errors.New("empty +CMGR response")
	}
	header := lines[0]
	if m := cmgrText.FindStringSubmatch(header); m != nil {
		body := strings.Join(lines[1:], "\n")
		return &Received{
			Status: m[1],
			Index:  index,
			Number: m[2],
			Time:   parseSCTS(m[3]),
			Text:   body,
		}, nil
	}
	// PDU mode: header carries +CMGR: <stat>,[alpha],<length>, the PDU
	// hex follows on the next line.
	if len(lines) < 2 {
		return nil, errors.New("truncated pdu +CMGR response")
	}
	d, err := e.codec.Decode(e.coll, lines[1])
	if err != nil {
		return nil, err
	}
	if d == nil || d.IsStatusReport {
		return nil, errors.New("+CMGR pdu is not an SMS-DELIVER")
	}
	return &Received{Index: index, Number: d.Originator, Time: d.Sent, Text: d.Text}, nil
}

// HandleCDSI implements the +CDSI stored status-report path: it reads and
// decodes the indexed status report exactly like a CMTI read.
func (e *Engine) HandleCDSI(ctx context.Context, mem string, index int) {
	e.a.Command(ctx, fmt.Sprintf(`+CPMS="%s"`, mem))
	lines, err := e.a.Command(ctx, fmt.Sprintf("+CMGR=%d", index))
	if err != nil {
		e.logf("sms: +CMGR=%d (status report) failed: %v", index, err)
		return
	}
	if len(lines) == 0 {
		return
	}
	e.decodeAndDeliverReport(lines[len(lines)-1])
	e.a.Command(ctx, fmt.Sprintf("+CMGD=%d,0", index))
}

// HandleCDS implements the +CDS:<len> path: the following URC line is the
// raw PDU, decoded directly with no storage read.
func (e *Engine) HandleCDS(pduHex string) {
	e.decodeAndDeliverReport(pduHex)
}

// decodeAndDeliverReport resolves spec.md §9b: a PDU that fails to decode
// surfaces as a logged error, rather than being silently dropped.
func (e *Engine) decodeAndDeliverReport(pduHex string) {
	d, err := e.codec.Decode(e.coll, pduHex)
	if err != nil {
		e.logf("sms: status report pdu decode failed: %v", err)
		return
	}
	if d == nil || !d.IsStatusReport {
		e.logf("sms: expected status report pdu, got something else")
		return
	}
	r := StatusReport{
		Reference:      d.Reference,
		Finalized:      d.Discharge,
		DeliveryStatus: uint8(d.Status),
	}
	if s := e.sent.take(r.Reference); s != nil {
		s.attach(r)
	}
	if e.onStatusReport != nil {
		e.onStatusReport(&r)
	}
}

// ListStored implements the list/delete operation of spec.md §4.E.
func (e *Engine) ListStored(ctx context.Context, status string, delete bool) ([]*Received, error) {
	cmd := fmt.Sprintf(`+CMGL="%s"`, status)
	if e.pduMode {
		cmd = fmt.Sprintf("+CMGL=%d", pduListStatus(status))
	}
	lines, err := e.a.Command(ctx, cmd)
	if err != nil {
		return nil, errors.WithMessage(err, "AT+CMGL")
	}
	out, err := e.parseCMGL(lines)
	if err != nil {
		return nil, err
	}
	if delete {
		if status == "all" {
			e.a.Command(ctx, "+CMGD=1,4")
		} else {
			for _, r := range out {
				e.a.Command(ctx, fmt.Sprintf("+CMGD=%d,0", r.Index))
			}
		}
	}
	return out, nil
}

var cmglText = regexp.MustCompile(`^\+CMGL:\s*(\d+),"([^"]*)","([^"]*)",[^,]*,"([^"]*)"`)

func (e *Engine) parseCMGL(lines []string) ([]*Received, error) {
	var out []*Received
	var cur *Received
	var body []string
	flush := func() {
		if cur != nil {
			cur.Text = strings.Join(body, "\n")
			out = append(out, cur)
		}
		cur = nil
		body = nil
	}
	for _, l := range lines {
		if m := cmglText.FindStringSubmatch(l); m != nil {
			flush()
			idx, _ := strconv.Atoi(m[1])
			cur = &Received{Status: m[2], Index: idx, Number: m[3], Time: parseSCTS(m[4])}
			continue
		}
		if cur != nil {
			body = append(body, l)
		}
	}
	flush()
	return out, nil
}

func pduListStatus(status string) int {
	switch status {
	case "unread":
		return 0
	case "read":
		return 1
	case "stored-unsent":
		return 2
	case "stored-sent":
		return 3
	default:
		return 4 // all
	}
}

// DeleteStored deletes a single stored message by index.
func (e *Engine) DeleteStored(ctx context.Context, index int) error {
	_, err := e.a.Command(ctx, fmt.Sprintf("+CMGD=%d,0", index))
	return err
}

// DeleteMultiple deletes stored messages per AT+CMGD's delFlag (1..4).
func (e *Engine) DeleteMultiple(ctx context.Context, delFlag int) error {
	_, err := e.a.Command(ctx, fmt.Sprintf("+CMGD=1,%d", delFlag))
	return err
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

var sctsLayout = "06-01-02,15:04:05-07"

func parseSCTS(s string) time.Time {
	// AT+CMGR/+CMGL report the timestamp as "yy/MM/dd,HH:mm:ss+zz"; the
	// timezone is in quarter-hours, which time.Parse can't express
	// directly, so it's normalized to a signed hour offset first.
	s = strings.Replace(s, "/", "-", 2)
	if i := strings.LastIndexAny(s, "+-"); i > 0 {
		sign := s[i]
		qtrHours := s[i+1:]
		if n, err := strconv.Atoi(qtrHours); err == nil {
			s = fmt.Sprintf("%s%c%02d", s[:i], sign, n/4)
		}
	}
	t, err := time.Parse(sctsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
