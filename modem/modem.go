// Package modem is the public façade: it composes the AT transport, the
// capability prober, and the SMS/call/USSD engines into the cohesive set
// of operations and callbacks an application uses.
package modem

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gomodem/modem/at"
	"github.com/gomodem/modem/call"
	"github.com/gomodem/modem/dialect"
	"github.com/gomodem/modem/pdu"
	"github.com/gomodem/modem/sms"
	"github.com/gomodem/modem/urc"
	"github.com/gomodem/modem/ussd"
)

// Modem is a probed, ready-to-use modem session. Create one with Open.
type Modem struct {
	a    *at.AT
	caps *dialect.Capabilities
	disp *urc.Dispatcher

	sms  *sms.Engine
	call *call.Engine
	ussd *ussd.Session

	logger *log.Logger

	onIncomingCall     func(*call.Call)
	onSmsReceived      func(*sms.Received)
	onSmsStatusReport  func(*sms.StatusReport)
	onCallStatusUpdate func(*call.Call)
}

// Option configures Open.
type Option func(*config)

type config struct {
	pin              string
	smsc             string
	pduMode          bool
	deliveryReports  bool
	wantSmsCallbacks bool
	logger           *log.Logger

	onIncomingCall     func(*call.Call)
	onSmsReceived      func(*sms.Received)
	onSmsStatusReport  func(*sms.StatusReport)
	onCallStatusUpdate func(*call.Call)
}

// WithPin supplies the SIM PIN to use if the SIM is locked.
func WithPin(pin string) Option { return func(c *config) { c.pin = pin } }

// WithSMSC sets the default SMS service centre number.
func WithSMSC(smsc string) Option { return func(c *config) { c.smsc = smsc } }

// WithPDUMode selects PDU mode over the default text mode.
func WithPDUMode(pdu bool) Option { return func(c *config) { c.pduMode = pdu } }

// WithDeliveryReports requests SMS status reports from the network.
func WithDeliveryReports(b bool) Option { return func(c *config) { c.deliveryReports = b } }

// WithSmsCallbacks enables AT+CNMI new-message notifications, required
// for OnSmsReceived/OnSmsStatusReport to ever fire.
func WithSmsCallbacks(b bool) Option { return func(c *config) { c.wantSmsCallbacks = b } }

// WithLogger attaches a logger for probe diagnostics and otherwise
// swallowed callback/handler failures.
func WithLogger(l *log.Logger) Option { return func(c *config) { c.logger = l } }

// OnIncomingCall registers the callback fired when a new incoming call
// is created.
func OnIncomingCall(fn func(*call.Call)) Option {
	return func(c *config) { c.onIncomingCall = fn }
}

// OnSmsReceived registers the callback fired for each incoming SMS.
func OnSmsReceived(fn func(*sms.Received)) Option {
	return func(c *config) { c.onSmsReceived = fn }
}

// OnSmsStatusReport registers the callback fired for every incoming
// delivery status report.
func OnSmsStatusReport(fn func(*sms.StatusReport)) Option {
	return func(c *config) { c.onSmsStatusReport = fn }
}

// OnCallStatusUpdate registers the callback fired on lifecycle transitions
// (ringing/answered/ended) of calls placed with Dial when Dial is given no
// callback of its own. Calls not placed through Dial do not report to it.
func OnCallStatusUpdate(fn func(*call.Call)) Option {
	return func(c *config) { c.onCallStatusUpdate = fn }
}

// Open probes a connected modem (spec.md §4.D) and wires the SMS, call and
// USSD engines atop the result, ready for use.
func Open(ctx context.Context, rw io.ReadWriter, opts ...Option) (*Modem, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	atOpts := []at.Option{}
	if cfg.logger != nil {
		atOpts = append(atOpts, at.WithLogger(cfg.logger))
	}
	a := at.New(rw, atOpts...)
	if err := a.Init(ctx); err != nil {
		return nil, errors.WithMessage(err, "init")
	}

	caps, err := dialect.Probe(ctx, a, dialect.Options{
		Pin:              cfg.pin,
		SMSC:             cfg.smsc,
		PDUMode:          cfg.pduMode,
		DeliveryReports:  cfg.deliveryReports,
		WantSmsCallbacks: cfg.wantSmsCallbacks,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "probe")
	}

	m := &Modem{
		a:                  a,
		caps:               caps,
		logger:             cfg.logger,
		onIncomingCall:     cfg.onIncomingCall,
		onSmsReceived:       cfg.onSmsReceived,
		onSmsStatusReport:   cfg.onSmsStatusReport,
		onCallStatusUpdate:  cfg.onCallStatusUpdate,
	}

	m.sms = sms.New(a, pdu.New(), cfg.pduMode,
		sms.WithLogger(cfg.logger),
		sms.WithReceivedCallback(m.handleSmsReceived),
		sms.WithStatusReportCallback(m.handleSmsStatusReport))

	m.call = call.New(a, caps.CallURCs,
		call.WithLogger(cfg.logger),
		call.WithIncomingCallback(m.handleIncomingCall))

	ussdOpts := []ussd.Option{}
	if cfg.logger != nil {
		ussdOpts = append(ussdOpts, ussd.WithLogger(cfg.logger))
	}
	m.ussd = ussd.New(a, ussdOpts...)

	m.disp = urc.New(a, urc.WithLogger(cfg.logger))
	m.wireDispatcher(caps)

	return m, nil
}

func (m *Modem) handleIncomingCall(c *call.Call) {
	if m.onIncomingCall != nil {
		m.onIncomingCall(c)
	}
}

func (m *Modem) handleSmsReceived(r *sms.Received) {
	if m.onSmsReceived != nil {
		m.onSmsReceived(r)
	}
}

func (m *Modem) handleSmsStatusReport(r *sms.StatusReport) {
	if m.onSmsStatusReport != nil {
		m.onSmsStatusReport(r)
	}
}

var cmtiLine = regexp.MustCompile(`^\+CMTI:\s*"([^"]*)",(\d+)`)
var cdsiLine = regexp.MustCompile(`^\+CDSI:\s*"([^"]*)",(\d+)`)
var cdsLenLine = regexp.MustCompile(`^\+CDS:\s*(\d+)`)

// wireDispatcher installs the built-in URC handlers (§4.C) plus the
// dialect-specific call-URC sub-table chosen at probe time.
func (m *Modem) wireDispatcher(caps *dialect.Capabilities) {
	bg := context.Background()

	m.disp.Handle("+CMTI:", 0, func(lines []string) {
		if len(lines) == 0 {
			return
		}
		mm := cmtiLine.FindStringSubmatch(lines[0])
		if mm == nil {
			return
		}
		idx, _ := strconv.Atoi(mm[2])
		m.sms.HandleCMTI(bg, mm[1], idx)
	})
	m.disp.Handle("+CDSI:", 0, func(lines []string) {
		if len(lines) == 0 {
			return
		}
		mm := cdsiLine.FindStringSubmatch(lines[0])
		if mm == nil {
			return
		}
		idx, _ := strconv.Atoi(mm[2])
		m.sms.HandleCDSI(bg, mm[1], idx)
	})
	// +CDS:<len> promises the following line is the raw PDU (a one-line
	// carry-over), so it's registered with a single trailing line.
	m.disp.Handle("+CDS:", 1, func(lines []string) {
		if len(lines) < 2 {
			return
		}
		if !cdsLenLine.MatchString(lines[0]) {
			return
		}
		m.sms.HandleCDS(lines[1])
	})
	m.disp.Handle("+CUSD:", 0, m.ussd.HandleURC)

	if caps.ClipSupported {
		// The modem emits RING immediately followed by +CLIP: as one
		// pair per ring; capture both in a single batch so the call
		// engine never sees a bare, number-less ring first.
		m.disp.Handle("RING", 1, func(lines []string) {
			clip := ""
			if len(lines) > 1 {
				clip = lines[1]
			}
			m.call.HandleRing(clip)
		})
	} else {
		m.disp.Handle("RING", 0, func(lines []string) {
			m.call.HandleRing("")
		})
	}

	urcs := caps.CallURCs
	if urcs.HasInitiatedURC {
		m.disp.Handle(urcs.InitiatedPrefix, 0, func(lines []string) {
			if len(lines) > 0 {
				m.call.HandleInitiated(lines[0])
			}
		})
	}
	if urcs.AnsweredPrefix != "" && urcs.AnsweredPrefix != "CONNECT" {
		m.disp.Handle(urcs.AnsweredPrefix, 0, func(lines []string) {
			if len(lines) > 0 {
				m.call.HandleAnswered(lines[0])
			}
		})
	}
	if urcs.EndedPrefix != "" {
		m.disp.Handle(urcs.EndedPrefix, 0, func(lines []string) {
			if len(lines) > 0 {
				m.call.HandleEnded(lines[0])
			}
		})
	}
}

// Close releases the dispatcher's handlers. The underlying transport is
// closed by closing the io.ReadWriter supplied to Open.
func (m *Modem) Close() {
	m.disp.Close()
}

// Closed returns a channel that blocks while the modem connection is
// live, matching at.AT.Closed.
func (m *Modem) Closed() <-chan struct{} {
	return m.a.Closed()
}

func firstInfoValue(lines []string, prefix string) string {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(l, prefix))
		}
	}
	return ""
}

// SignalStrength returns AT+CSQ's RSSI mapped to 0-31, or -1 if unknown
// (the modem reported 99).
func (m *Modem) SignalStrength(ctx context.Context) (int, error) {
	lines, err := m.a.Command(ctx, "+CSQ")
	if err != nil {
		return -1, err
	}
	v := firstInfoValue(lines, "+CSQ:")
	parts := strings.Split(v, ",")
	if len(parts) == 0 {
		return -1, errors.New("malformed +CSQ response")
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return -1, errors.Wrap(err, "parse +CSQ")
	}
	if n == 99 {
		return -1, nil
	}
	return n, nil
}

// Manufacturer returns AT+CGMI's reported manufacturer string.
func (m *Modem) Manufacturer(ctx context.Context) (string, error) {
	return m.simpleQuery(ctx, "+CGMI")
}

// Model returns AT+CGMM's reported model string.
func (m *Modem) Model(ctx context.Context) (string, error) {
	return m.simpleQuery(ctx, "+CGMM")
}

// Revision returns AT+CGMR's reported firmware revision string.
func (m *Modem) Revision(ctx context.Context) (string, error) {
	return m.simpleQuery(ctx, "+CGMR")
}

// IMEI returns AT+CGSN's reported device IMEI.
func (m *Modem) IMEI(ctx context.Context) (string, error) {
	return m.simpleQuery(ctx, "+CGSN")
}

// IMSI returns AT+CIMI's reported subscriber IMSI.
func (m *Modem) IMSI(ctx context.Context) (string, error) {
	return m.simpleQuery(ctx, "+CIMI")
}

func (m *Modem) simpleQuery(ctx context.Context, cmd string) (string, error) {
	lines, err := m.a.Command(ctx, cmd)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.TrimSpace(lines[0]), nil
}

var cnumLine = regexp.MustCompile(`^\+CNUM:\s*[^,]*,"([^"]*)"`)

// OwnNumber returns the modem's own MSISDN via AT+CNUM, if the SIM has one
// provisioned.
func (m *Modem) OwnNumber(ctx context.Context) (string, error) {
	lines, err := m.a.Command(ctx, "+CNUM")
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if mm := cnumLine.FindStringSubmatch(l); mm != nil {
			return mm[1], nil
		}
	}
	return "", nil
}

var copsLine = regexp.MustCompile(`^\+COPS:\s*\d+,\d+,"([^"]*)"`)

// NetworkName returns the current operator name via AT+COPS?.
func (m *Modem) NetworkName(ctx context.Context) (string, error) {
	lines, err := m.a.Command(ctx, "+COPS?")
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if mm := copsLine.FindStringSubmatch(l); mm != nil {
			return mm[1], nil
		}
	}
	return "", nil
}

// SmsTextMode reports whether the modem is currently configured for SMS
// text mode (AT+CMGF=1) over PDU mode.
func (m *Modem) SmsTextMode(ctx context.Context) (bool, error) {
	lines, err := m.a.Command(ctx, "+CMGF?")
	if err != nil {
		return false, err
	}
	return firstInfoValue(lines, "+CMGF:") == "1", nil
}

// SetSmsTextMode switches between SMS text and PDU mode.
func (m *Modem) SetSmsTextMode(ctx context.Context, text bool) error {
	mode := "0"
	if text {
		mode = "1"
	}
	_, err := m.a.Command(ctx, "+CMGF="+mode)
	return err
}

// SmsEncoding returns the SMS character set currently configured via
// AT+CSCS?.
func (m *Modem) SmsEncoding(ctx context.Context) (string, error) {
	lines, err := m.a.Command(ctx, "+CSCS?")
	if err != nil {
		return "", err
	}
	return strings.Trim(firstInfoValue(lines, "+CSCS:"), `"`), nil
}

// SetSmsEncoding sets the SMS character set via AT+CSCS.
func (m *Modem) SetSmsEncoding(ctx context.Context, encoding string) error {
	_, err := m.a.Command(ctx, fmt.Sprintf(`+CSCS="%s"`, encoding))
	return err
}

// SMSC returns the configured SMS service centre number.
func (m *Modem) SMSC(ctx context.Context) (string, error) {
	lines, err := m.a.Command(ctx, "+CSCA?")
	if err != nil {
		return "", err
	}
	return strings.Trim(firstInfoValue(lines, "+CSCA:"), `"`), nil
}

// SetSMSC sets the SMS service centre number.
func (m *Modem) SetSMSC(ctx context.Context, smsc string) error {
	_, err := m.a.Command(ctx, fmt.Sprintf(`+CSCA="%s"`, smsc))
	if err != nil {
		return err
	}
	return nil
}

// SendSms sends an SMS and returns the Sent record (spec.md §4.E).
func (m *Modem) SendSms(ctx context.Context, destination, text string, waitForDeliveryReport bool, timeout time.Duration, sendFlash bool) (*sms.Sent, error) {
	return m.sms.Send(ctx, destination, text, waitForDeliveryReport, timeout, sendFlash)
}

// ListStoredSms lists messages in the given status category, optionally
// deleting them after listing.
func (m *Modem) ListStoredSms(ctx context.Context, status string, delete bool) ([]*sms.Received, error) {
	return m.sms.ListStored(ctx, status, delete)
}

// ReadStoredSms reads one stored message by index via AT+CMGR, without
// deleting it.
func (m *Modem) ReadStoredSms(ctx context.Context, index int) (*sms.Received, error) {
	return m.sms.ReadStored(ctx, index)
}

// DeleteStoredSms deletes one stored message by index.
func (m *Modem) DeleteStoredSms(ctx context.Context, index int) error {
	return m.sms.DeleteStored(ctx, index)
}

// DeleteMultipleStoredSms deletes stored messages per AT+CMGD's delFlag
// (1..4: read, read+sent, read+sent+unsent, all).
func (m *Modem) DeleteMultipleStoredSms(ctx context.Context, delFlag int) error {
	return m.sms.DeleteMultiple(ctx, delFlag)
}

// SendUssd starts a USSD session.
func (m *Modem) SendUssd(ctx context.Context, digits string, timeout time.Duration) (ussd.Ussd, error) {
	return m.ussd.Send(ctx, digits, timeout)
}

// ReplyUssd continues an active USSD session.
func (m *Modem) ReplyUssd(ctx context.Context, digits string, timeout time.Duration) (ussd.Ussd, error) {
	return m.ussd.Reply(ctx, digits, timeout)
}

// CancelUssd releases an active USSD session.
func (m *Modem) CancelUssd(ctx context.Context) error {
	return m.ussd.Cancel(ctx)
}

// Dial places an outgoing call.
func (m *Modem) Dial(ctx context.Context, number string, onUpdate func(*call.Call)) (*call.Call, error) {
	if onUpdate == nil {
		onUpdate = m.onCallStatusUpdate
	}
	return m.call.Dial(ctx, number, onUpdate)
}

// SendDTMF sends one DTMF tone on an answered call.
func (m *Modem) SendDTMF(ctx context.Context, callID int, tone byte) error {
	return m.call.SendDTMF(ctx, callID, tone)
}

// Hangup ends a call.
func (m *Modem) Hangup(ctx context.Context, callID int) error {
	return m.call.Hangup(ctx, callID)
}

// ProcessStoredSms iterates every stored message, invoking the received-
// SMS callback per message and deleting each on a clean return - the
// backlog equivalent of the live +CMTI path.
func (m *Modem) ProcessStoredSms(ctx context.Context) error {
	received, err := m.sms.ListStored(ctx, "all", false)
	if err != nil {
		return err
	}
	for _, r := range received {
		idx := r.Index
		m.sms.HandleCMTI(ctx, "SM", idx)
	}
	return nil
}

// WaitForNetworkCoverage polls AT+CREG? until registered (home or
// roaming), then AT+CSQ until it reports a strength above 0, per spec.md §4.H.
func (m *Modem) WaitForNetworkCoverage(ctx context.Context, timeout time.Duration) (int, error) {
	tctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		lines, err := m.a.Command(tctx, "+CREG?")
		if err == nil {
			if status, ok := parseCREGStatus(lines); ok {
				switch status {
				case 1, 5:
					return m.pollSignal(tctx, ticker)
				case 3:
					return -1, errors.New("registration denied")
				case 0:
					return -1, errors.New("not searching")
				}
			}
		}
		select {
		case <-tctx.Done():
			return -1, tctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Modem) pollSignal(ctx context.Context, ticker *time.Ticker) (int, error) {
	for {
		n, err := m.SignalStrength(ctx)
		if err == nil && n > 0 {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

var cregLine = regexp.MustCompile(`^\+CREG:\s*\d+,(\d+)`)

func parseCREGStatus(lines []string) (int, bool) {
	for _, l := range lines {
		if m := cregLine.FindStringSubmatch(l); m != nil {
			n, err := strconv.Atoi(m[1])
			return n, err == nil
		}
	}
	return 0, false
}

// SetForwarding registers unconditional call forwarding (AT+CCFC reason 0)
// to number, or erases it when number is "". No class argument is sent, so
// the modem's default class applies.
func (m *Modem) SetForwarding(ctx context.Context, number string) error {
	if number == "" {
		_, err := m.a.Command(ctx, "+CCFC=0,4")
		return err
	}
	_, err := m.a.Command(ctx, fmt.Sprintf(`+CCFC=0,3,"%s"`, number))
	return err
}

var ccfcLine = regexp.MustCompile(`^\+CCFC:\s*(\d+)(?:,\d+,"([^"]*)")?`)

// CheckForwarding queries unconditional call forwarding status; enabled
// reports whether it's active, and number is the forwarded-to number
// when enabled.
func (m *Modem) CheckForwarding(ctx context.Context) (enabled bool, number string, err error) {
	lines, err := m.a.Command(ctx, "+CCFC=0,2")
	if err != nil {
		return false, "", err
	}
	for _, l := range lines {
		if mm := ccfcLine.FindStringSubmatch(l); mm != nil {
			return mm[1] == "1", mm[2], nil
		}
	}
	return false, "", nil
}

// Capabilities returns the probed, immutable capability set.
func (m *Modem) Capabilities() *dialect.Capabilities {
	return m.caps
}
