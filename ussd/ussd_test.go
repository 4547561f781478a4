// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package ussd_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomodem/modem/at"
	"github.com/gomodem/modem/urc"
	"github.com/gomodem/modem/ussd"
)

type mockModem struct {
	cmdSet map[string][]string
	r      chan []byte
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

func TestUssdTwoTurn(t *testing.T) {
	cmdSet := map[string][]string{
		`AT+CUSD=1,"*100#",15` + "\r\n": {"\r\nOK\r\n"},
		`AT+CUSD=1,"1",15` + "\r\n":     {"\r\nOK\r\n"},
	}
	mm := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 16)}
	a := at.New(mm)
	s := ussd.New(a)

	d := urc.New(a)
	defer d.Close()
	require.Nil(t, d.Handle("+CUSD:", 0, s.HandleURC))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := make(chan ussd.Ussd, 1)
	errs := make(chan error, 1)
	go func() {
		u, err := s.Send(ctx, "*100#", time.Second)
		if err != nil {
			errs <- err
			return
		}
		result <- u
	}()

	time.Sleep(20 * time.Millisecond)
	mm.r <- []byte("\r\n+CUSD: 1,\"Balance:5\",15\r\n")

	select {
	case u := <-result:
		assert.True(t, u.Active)
		assert.Equal(t, "Balance:5", u.Message)
	case err := <-errs:
		t.Fatalf("Send returned error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ussd result")
	}

	result2 := make(chan ussd.Ussd, 1)
	errs2 := make(chan error, 1)
	go func() {
		u, err := s.Reply(ctx, "1", time.Second)
		if err != nil {
			errs2 <- err
			return
		}
		result2 <- u
	}()

	time.Sleep(20 * time.Millisecond)
	mm.r <- []byte("\r\n+CUSD: 0,\"Thanks\",15\r\n")

	select {
	case u := <-result2:
		assert.False(t, u.Active)
		assert.Equal(t, "Thanks", u.Message)
	case err := <-errs2:
		t.Fatalf("Reply returned error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ussd reply result")
	}
}
