// Package dialect probes a connected modem's supported AT commands and
// selects the vendor-specific strategy (Huawei, Wavecom, ZTE, SIMCom or a
// generic 3GPP fallback) used for call-state tracking and DTMF.
package dialect

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomodem/modem/at"
	"github.com/gomodem/modem/info"
)

// Dialect identifies the vendor-specific call-handling strategy a modem
// was probed into.
type Dialect int

const (
	Generic Dialect = iota
	Huawei
	Wavecom
	ZTE
	SIMCom
)

func (d Dialect) String() string {
	switch d {
	case Huawei:
		return "huawei"
	case Wavecom:
		return "wavecom"
	case ZTE:
		return "zte"
	case SIMCom:
		return "simcom"
	default:
		return "generic"
	}
}

// CallURCs describes the dialect-specific command templates and URC
// prefixes the call engine needs, chosen once at probe time so the engine
// itself stays branch-free at steady state.
type CallURCs struct {
	// HasInitiatedURC is true when the dialect emits an asynchronous
	// "call initiated" notification that the dial state machine waits on
	// to learn the call id, rather than relying on ATD's own completion.
	HasInitiatedURC bool
	InitiatedPrefix string
	AnsweredPrefix  string // empty means "bare OK completes ATD"
	EndedPrefix     string
	// DialWaitsForAnswerOnly is true when ATD itself only completes with
	// OK once the call is answered (Wavecom), rather than acknowledging
	// the dial attempt immediately.
	DialWaitsForAnswerOnly bool
	// RejectedIsBareOK is true when a bare OK response to ATD (with no
	// CONNECT) means the call was rejected (ZTE).
	RejectedIsBareOK bool

	// DTMFCommand builds the AT command (without the "AT" prefix) used
	// to send one DTMF tone on an answered call.
	DTMFCommand func(callID int, tone byte) string
}

func vtsDTMF(_ int, tone byte) string {
	return "+VTS=" + string(tone)
}

func huaweiDTMF(callID int, tone byte) string {
	return "^DTMF=" + strconv.Itoa(callID) + "," + string(tone)
}

// Capabilities is the immutable result of Probe: every AT token observed
// to be supported, the selected Dialect, its call-URC table, and which
// optional subsystems (SMS read/receive, caller id) probing was able to
// turn on.
type Capabilities struct {
	Tokens   map[string]bool
	Dialect  Dialect
	CallURCs CallURCs

	SmsReadSupported    bool
	SmsReceiveSupported bool
	ClipSupported       bool
	ExtendedRing        bool
	GSMCapable          bool
}

func (c *Capabilities) Supports(token string) bool {
	return c.Tokens[token]
}

// Options configures Probe.
type Options struct {
	Pin string

	// SMSC is the default service centre number, or "" to leave the
	// modem's own default untouched.
	SMSC string
	// PDUMode selects AT+CMGF=0 over the default text mode.
	PDUMode bool
	// DeliveryReports enables AT+CSMP status-report requests.
	DeliveryReports bool
	// WantSmsCallbacks enables AT+CNMI new-message notifications; leave
	// false for a driver that only polls/reads on demand.
	WantSmsCallbacks bool
}

var probedTokens = []string{"^CVOICE", "+VTS", "^DTMF", "^USSDMODE", "+WIND", "+ZPAS", "+CSCS", "+CNUM"}

// Probe runs the capability-probe/dialect-selection sequence (spec §4.D)
// against a freshly created at.AT and returns the resulting Capabilities.
func Probe(ctx context.Context, a *at.AT, opts Options) (*Capabilities, error) {
	if err := resetAndUnlock(ctx, a, opts.Pin); err != nil {
		return nil, err
	}
	if _, err := a.Command(ctx, "E0"); err != nil {
		return nil, errors.WithMessage(err, "ATE0")
	}
	if info, err := a.Command(ctx, "+CFUN?"); err == nil {
		if v := firstInfoValue(info, "+CFUN:"); v != "" && v != "1" {
			a.Command(ctx, "+CFUN=1")
		}
	}
	a.Command(ctx, "+CMEE=1")
	if err := ensurePinReady(ctx, a, opts.Pin); err != nil {
		return nil, err
	}

	tokens, err := probeTokens(ctx, a)
	if err != nil {
		return nil, err
	}

	manufacturer, _ := a.Command(ctx, "+CGMI")

	d, urcs := probeDialect(tokens, manufacturer)
	c := &Capabilities{Tokens: tokens, Dialect: d, CallURCs: urcs}
	c.GSMCapable = probeGSMCapable(ctx, a)

	if err := applyDialectSideEffects(ctx, a, c); err != nil {
		return nil, err
	}
	if err := configureGeneral(ctx, a, opts); err != nil {
		return nil, err
	}
	if err := probeStorage(ctx, a, c); err != nil {
		return nil, err
	}
	if opts.WantSmsCallbacks {
		configureNotifications(ctx, a, c)
	}
	configureCallerID(ctx, a, c)

	return c, nil
}

// resetAndUnlock issues ATZ, and on failure enables verbose errors, unlocks
// the SIM with pin, and retries ATZ once, per spec step 1.
func resetAndUnlock(ctx context.Context, a *at.AT, pin string) error {
	if _, err := a.Command(ctx, "Z"); err == nil {
		return nil
	}
	a.Command(ctx, "+CMEE=1")
	if pin != "" {
		a.Command(ctx, `+CPIN="`+pin+`"`)
	}
	if _, err := a.Command(ctx, "Z"); err != nil {
		return errors.WithMessage(err, "ATZ")
	}
	return nil
}

// ensurePinReady implements step 5: if the SIM isn't already unlocked,
// check +CPIN? and supply the PIN, or fail with ErrPinRequired.
func ensurePinReady(ctx context.Context, a *at.AT, pin string) error {
	lines, err := a.Command(ctx, "+CPIN?")
	if err == nil && firstInfoValue(lines, "+CPIN:") == "READY" {
		return nil
	}
	if pin == "" {
		return ErrPinRequired
	}
	if _, err := a.Command(ctx, `+CPIN="`+pin+`"`); err != nil {
		return errors.WithMessage(ErrIncorrectPin, err.Error())
	}
	return nil
}

// probeTokens implements step 6: prefer AT+CLAC; fall back to an
// interactive probe of a short list of commands.
func probeTokens(ctx context.Context, a *at.AT) (map[string]bool, error) {
	tokens := make(map[string]bool)
	lines, err := a.Command(ctx, "+CLAC")
	if err == nil {
		for _, l := range lines {
			for _, cmd := range info.Fields(strings.TrimPrefix(l, "+CLAC:")) {
				cmd = strings.TrimSpace(info.Unquote(cmd))
				if cmd != "" {
					tokens[cmd] = true
				}
			}
		}
		if len(tokens) > 0 {
			return tokens, nil
		}
	}
	for _, cmd := range probedTokens {
		if _, err := a.Command(ctx, cmd+"=?"); err == nil {
			tokens[cmd] = true
		}
	}
	return tokens, nil
}

// probeGSMCapable queries AT+GCAP and reports whether the modem advertises
// the +CGSM command set. A modem lacking it can still be driven - most of
// the command set this package configures is 3GPP-common, not GSM-specific
// - so failure here is informational, not fatal.
func probeGSMCapable(ctx context.Context, a *at.AT) bool {
	lines, err := a.Command(ctx, "+GCAP")
	if err != nil {
		return false
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "+GCAP") {
			for _, cap := range strings.Split(strings.TrimPrefix(l, "+GCAP"), ",") {
				if strings.TrimSpace(strings.Trim(cap, ":")) == "+CGSM" {
					return true
				}
			}
		}
	}
	return false
}

// probeDialect implements step 7's selection table, resolving the
// SIMCom/Huawei precedence open question (SPEC_FULL.md §9a): SIMCom is
// checked first and, if matched, locks out the Huawei check entirely.
func probeDialect(tokens map[string]bool, manufacturerLines []string) (Dialect, CallURCs) {
	manufacturer := strings.ToLower(strings.Join(manufacturerLines, " "))

	if tokens["^DTMF"] && !tokens["+CLAC"] && strings.Contains(manufacturer, "simcom") {
		return SIMCom, CallURCs{DTMFCommand: huaweiDTMF}
	}
	if strings.Contains(manufacturer, "huawei") || (!tokens["+WIND"] && tokens["^ORIG"]) {
		return Huawei, CallURCs{
			HasInitiatedURC: true,
			InitiatedPrefix: "^ORIG:",
			AnsweredPrefix:  "^CONN:",
			EndedPrefix:     "^CEND:",
			DTMFCommand:     huaweiDTMF,
		}
	}
	if tokens["+WIND"] {
		return Wavecom, CallURCs{
			HasInitiatedURC:        true,
			InitiatedPrefix:        "+WIND: 5,",
			EndedPrefix:            "+WIND: 6,",
			DialWaitsForAnswerOnly: true,
			DTMFCommand:            vtsDTMF,
		}
	}
	if tokens["+ZPAS"] {
		return ZTE, CallURCs{
			HasInitiatedURC:  false,
			AnsweredPrefix:   "CONNECT",
			EndedPrefix:      "HANGUP:",
			RejectedIsBareOK: true,
			DTMFCommand:      vtsDTMF,
		}
	}
	return Generic, CallURCs{DTMFCommand: vtsDTMF}
}

// applyDialectSideEffects implements the dialect-specific step 7 footnote:
// Wavecom enables +WIND=50 if it currently differs; other dialects have
// nothing further to do at probe time (their command templates are
// already captured in CallURCs).
func applyDialectSideEffects(ctx context.Context, a *at.AT, c *Capabilities) error {
	if c.Dialect != Wavecom {
		return nil
	}
	lines, err := a.Command(ctx, "+WIND?")
	if err == nil && firstInfoValue(lines, "+WIND:") != "50" {
		a.Command(ctx, "+WIND=50")
	}
	return nil
}

// configureGeneral implements step 8: operator name format, SMS mode,
// SMSC, and delivery-report request flags.
func configureGeneral(ctx context.Context, a *at.AT, opts Options) error {
	a.Command(ctx, "+COPS=3,0")
	mode := "1"
	if opts.PDUMode {
		mode = "0"
	}
	a.Command(ctx, "+CMGF="+mode)
	if opts.SMSC != "" {
		a.Command(ctx, `+CSCA="`+opts.SMSC+`"`)
	}
	csmp := "17,167,0,0"
	if opts.DeliveryReports {
		csmp = "49,167,0,0"
	}
	if _, err := a.Command(ctx, "+CSMP="+csmp); err == nil && opts.SMSC != "" {
		// AT+CSMP may reset the configured SMSC on some modems; reassert it.
		a.Command(ctx, `+CSCA="`+opts.SMSC+`"`)
	}
	return nil
}

// probeStorage implements step 9: probe AT+CPMS=? and select "SM" for
// each slot it reports.
func probeStorage(ctx context.Context, a *at.AT, c *Capabilities) error {
	lines, err := a.Command(ctx, "+CPMS=?")
	if err != nil {
		return nil
	}
	slots := 0
	for _, l := range lines {
		slots += strings.Count(l, "\"SM\"")
	}
	if slots == 0 {
		return nil
	}
	args := make([]string, slots)
	for i := range args {
		args[i] = `"SM"`
	}
	if _, err := a.Command(ctx, "+CPMS="+strings.Join(args, ",")); err == nil {
		c.SmsReadSupported = true
	}
	return nil
}

// configureNotifications implements step 10: enable AT+CNMI, with a
// reduced fallback, or mark SMS-receive unsupported.
func configureNotifications(ctx context.Context, a *at.AT, c *Capabilities) {
	if _, err := a.Command(ctx, "+CNMI=2,1,0,2"); err == nil {
		c.SmsReceiveSupported = true
		return
	}
	if _, err := a.Command(ctx, "+CNMI=2,1,0,1,0"); err == nil {
		c.SmsReceiveSupported = true
		return
	}
	c.SmsReceiveSupported = false
}

// configureCallerID implements step 11: enable CLIP/CRC, record whichever
// succeeds, and permit ATH hangup via CVHU=0.
func configureCallerID(ctx context.Context, a *at.AT, c *Capabilities) {
	if _, err := a.Command(ctx, "+CLIP=1"); err == nil {
		c.ClipSupported = true
	}
	if _, err := a.Command(ctx, "+CRC=1"); err == nil {
		c.ExtendedRing = true
	}
	a.Command(ctx, "+CVHU=0")
}

func firstInfoValue(lines []string, prefix string) string {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(l, prefix))
		}
	}
	return ""
}

var (
	// ErrPinRequired indicates the SIM is locked and no PIN was supplied.
	ErrPinRequired = errors.New("pin required")
	// ErrIncorrectPin indicates the supplied PIN was rejected by the SIM.
	ErrIncorrectPin = errors.New("incorrect pin")
)
