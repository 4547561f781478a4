// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package sms_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomodem/modem/at"
	"github.com/gomodem/modem/pdu"
	"github.com/gomodem/modem/sms"
)

type mockModem struct {
	cmdSet map[string][]string
	r      chan []byte
	closed bool
}

func (m *mockModem) Read(p []byte) (int, error) {
	data, ok := <-m.r
	if !ok {
		return 0, errors.New("closed")
	}
	copy(p, data)
	return len(data), nil
}

func (m *mockModem) Write(p []byte) (int, error) {
	if m.closed {
		return 0, errors.New("closed")
	}
	v := m.cmdSet[string(p)]
	if len(v) == 0 {
		m.r <- []byte("\r\nERROR\r\n")
	} else {
		for _, l := range v {
			m.r <- []byte(l)
		}
	}
	return len(p), nil
}

func (m *mockModem) Close() {
	if !m.closed {
		m.closed = true
		close(m.r)
	}
}

// writeSpy wraps mockModem and records whether any command written
// through it began with prefix.
type writeSpy struct {
	*mockModem
	prefix string
	seen   bool
}

func (w *writeSpy) Write(p []byte) (int, error) {
	if strings.HasPrefix(string(p), w.prefix) {
		w.seen = true
	}
	return w.mockModem.Write(p)
}

func TestSendTextMode(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CMGS=\"+15551234\"\r": {"\n>"},
		"hi" + string(26):        {"\r\n+CMGS: 42\r\n", "OK\r\n"},
	}
	mm := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 64)}
	defer mm.Close()
	a := at.New(mm)
	e := sms.New(a, pdu.New(), false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := e.Send(ctx, "+15551234", "hi", false, 0, false)
	require.Nil(t, err)
	require.NotNil(t, s)
	assert.EqualValues(t, 42, s.Reference)
	assert.Equal(t, sms.Enroute, s.Status())
}

func TestSendRepeatsWithMaxByteReference(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CMGS=\"+1\"\r": {"\n>"},
		"x" + string(26):  {"\r\n+CMGS: 255\r\n", "OK\r\n"},
	}
	mm := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 64)}
	defer mm.Close()
	a := at.New(mm)
	e := sms.New(a, pdu.New(), false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := e.Send(ctx, "+1", "x", false, 0, false)
	require.Nil(t, err)
	// a second send reuses the same scripted exchange, in which the modem
	// again reports reference 255; this checks that the repeat send
	// succeeds. The engine's own TP-MR counter is unexported and is not
	// observed here.
	_, err = e.Send(ctx, "+1", "x", false, 0, false)
	require.Nil(t, err)
}

func TestHandleCMTIReceivesAndDeletes(t *testing.T) {
	cmdSet := map[string][]string{
		`AT+CPMS="SM"` + "\r\n": {"\r\nOK\r\n"},
		"AT+CMGR=3\r\n": {
			"\r\n",
			`+CMGR: "REC UNREAD","+15551234",,"23/01/01,12:00:00+00"` + "\r\n",
			"hello there\r\n",
			"OK\r\n",
		},
		"AT+CMGD=3,0\r\n": {"\r\nOK\r\n"},
	}
	mm := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 64)}
	defer mm.Close()
	spy := &writeSpy{mockModem: mm, prefix: "AT+CMGD=3,0\r\n"}
	a := at.New(spy)

	var got *sms.Received
	e := sms.New(a, pdu.New(), false, sms.WithReceivedCallback(func(r *sms.Received) {
		got = r
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.HandleCMTI(ctx, "SM", 3)

	require.NotNil(t, got)
	assert.Equal(t, "+15551234", got.Number)
	assert.Equal(t, "hello there", got.Text)
	assert.True(t, spy.seen, "AT+CMGD=3,0 was not sent")
}

func TestHandleCMTISkipsDeleteOnCallbackPanic(t *testing.T) {
	cmdSet := map[string][]string{
		`AT+CPMS="SM"` + "\r\n": {"\r\nOK\r\n"},
		"AT+CMGR=4\r\n": {
			"\r\n",
			`+CMGR: "REC UNREAD","+15551234",,"23/01/01,12:00:00+00"` + "\r\n",
			"boom\r\n",
			"OK\r\n",
		},
	}
	mm := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 64)}
	defer mm.Close()
	spy := &writeSpy{mockModem: mm, prefix: "AT+CMGD"}
	a := at.New(spy)

	e := sms.New(a, pdu.New(), false, sms.WithReceivedCallback(func(r *sms.Received) {
		panic("boom")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.HandleCMTI(ctx, "SM", 4)

	deleted := spy.seen
	assert.False(t, deleted)
}
