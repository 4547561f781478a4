// Package pdu is the narrow boundary between the driver and the external
// GSM 03.38/23.040 PDU codec (github.com/warthog618/sms). Nothing in this
// package reimplements PDU or GSM-7 encoding; it only shapes the codec's
// types into what the sms engine needs.
package pdu

import (
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/gsm7"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"
)

// Submit is one SMS-SUBMIT TPDU ready to be written to the modem via
// AT+CMGS=<len> (the hex string is the full PDU, SMSC octet included).
type Submit struct {
	TPDULength int
	Hex        string
}

// Delivered is a decoded incoming message: either a reassembled
// SMS-DELIVER or an SMS-STATUS-REPORT correlated back to a sent reference.
type Delivered struct {
	IsStatusReport bool

	// SMS-DELIVER fields.
	Originator string
	Text       string
	Sent       time.Time

	// SMS-STATUS-REPORT fields.
	Reference uint8
	Recipient string
	Discharge time.Time
	Delivered bool
	Status    tpdu.Status
}

// Codec wraps the external PDU library with the SMSC override the dialect
// or caller may have configured via AT+CSCA.
type Codec struct {
	sca pdumode.SMSCAddress
}

// New returns a Codec using the modem's currently configured SMSC.
func New() *Codec {
	return &Codec{}
}

// SetSCA overrides the SMSC address used to encode outgoing submits. An
// empty address leaves SMSC selection to the network, which is the default.
func (c *Codec) SetSCA(sca string) error {
	if sca == "" {
		c.sca = pdumode.SMSCAddress{}
		return nil
	}
	addr, err := pdumode.NewSMSCAddress(sca)
	if err != nil {
		return errors.Wrap(err, "parse smsc address")
	}
	c.sca = addr
	return nil
}

// EncodeSubmit builds the SMS-SUBMIT TPDU(s) for text sent to destination,
// segmenting into concatenated parts when text doesn't fit one PDU.
// reference seeds the TP-MR of the first segment; segments beyond the
// first carry references assigned by the underlying segmenter.
func (c *Codec) EncodeSubmit(destination, text string, reference uint8, flash bool) ([]Submit, error) {
	opts := []sms.EncodeOption{sms.To(destination), sms.WithAllCharsets, sms.WithTPMR(reference)}
	if flash {
		opts = append(opts, sms.WithFlash)
	}
	tpdus, err := sms.Encode([]byte(text), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "encode submit")
	}
	out := make([]Submit, len(tpdus))
	for i, tp := range tpdus {
		raw, err := tp.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal tpdu")
		}
		pm := pdumode.PDU{SMSC: c.sca, TPDU: raw}
		hexStr, err := pm.MarshalHexString()
		if err != nil {
			return nil, errors.Wrap(err, "marshal pdu")
		}
		out[i] = Submit{TPDULength: len(raw), Hex: hexStr}
	}
	return out, nil
}

// Fits7Bit reports whether text encodes losslessly in the GSM 7-bit
// default alphabet (plus extension table), which is what decides between
// the 160 and 70 character SMS length cutovers.
func Fits7Bit(text string) bool {
	_, err := gsm7.NewEncoder().Encode([]byte(text))
	return err == nil
}

// Collector reassembles concatenated SMS-DELIVER TPDUs into complete
// messages, discarding parts that never complete within the reassembly
// window.
type Collector struct {
	c    *sms.Collector
	codec *Codec
}

// NewCollector creates a Collector. incomplete is invoked with the parts
// of any message that never fully reassembles within timeout.
func NewCollector(timeout time.Duration, incomplete func([]*tpdu.TPDU)) *Collector {
	return &Collector{
		c: sms.NewCollector(sms.WithReassemblyTimeout(timeout, incomplete)),
	}
}

// Close releases resources held by the collector's reassembly timers.
func (cl *Collector) Close() {
	cl.c.Close()
}

// Decode unmarshals a single +CMGR/+CMT PDU (hex, SMSC prefix included)
// and, for SMS-DELIVER, feeds it through the reassembly collector. It
// returns nil, nil when the PDU is one part of a still-incomplete
// concatenated message.
func (c *Codec) Decode(cl *Collector, hexStr string) (*Delivered, error) {
	pm, err := pdumode.UnmarshalHexString(hexStr)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal pdu")
	}
	tp := &tpdu.TPDU{}
	if err := tp.UnmarshalBinary(pm.TPDU); err != nil {
		return nil, errors.Wrap(err, "unmarshal tpdu")
	}
	switch tp.MTI() {
	case tpdu.MtDeliver:
		tpdus, err := cl.c.Collect(*tp)
		if err != nil {
			return nil, errors.Wrap(err, "reassemble")
		}
		if tpdus == nil {
			return nil, nil
		}
		msg, err := sms.Decode(tpdus)
		if err != nil {
			return nil, errors.Wrap(err, "decode message")
		}
		return &Delivered{
			Originator: tpdus[0].OA.Number(),
			Text:       msg,
			Sent:       tpdus[0].SCTS.Time(),
		}, nil
	case tpdu.MtStatusReport:
		return &Delivered{
			IsStatusReport: true,
			Reference:      tp.MR,
			Recipient:      tp.RA.Number(),
			Discharge:      tp.DT.Time(),
			Status:         tp.ST,
			Delivered:      tp.ST <= 0x02,
		}, nil
	default:
		return nil, errors.Errorf("unsupported pdu mti %v", tp.MTI())
	}
}
