// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package call_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomodem/modem/at"
	"github.com/gomodem/modem/call"
	"github.com/gomodem/modem/dialect"
)

type mockModem struct {
	r chan []byte
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
	m.r <- []byte("\r\nOK\r\n")
	return len(p), nil
}

// huaweiURCs mirrors dialect.probeDialect's Huawei table directly, since
// that selection function is unexported.
func huaweiURCs() dialect.CallURCs {
	return dialect.CallURCs{
		HasInitiatedURC: true,
		InitiatedPrefix: "^ORIG:",
		AnsweredPrefix:  "^CONN:",
		EndedPrefix:     "^CEND:",
		DTMFCommand: func(cid int, tone byte) string {
			return "^DTMF=" + string(rune('0'+cid)) + "," + string(tone)
		},
	}
}

func TestHuaweiDialLifecycle(t *testing.T) {
	// S1: ^ORIG:1,0 -> ^CONN:1,0 -> ^CEND:1,0,10,16
	mm := &mockModem{r: make(chan []byte, 8)}
	a := at.New(mm)
	e := call.New(a, huaweiURCs())

	e.HandleInitiated("^ORIG:1,0")
	calls := e.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].ID)
	assert.Equal(t, 0, calls[0].Type)
	assert.False(t, calls[0].Answered())

	e.HandleAnswered("^CONN:1,0")
	assert.True(t, e.Calls()[0].Answered())

	e.HandleEnded("^CEND:1,0,10,16")
	assert.Empty(t, e.Calls())
}

// wavecomURCs mirrors dialect.probeDialect's Wavecom table directly,
// since that selection function is unexported.
func wavecomURCs() dialect.CallURCs {
	return dialect.CallURCs{
		HasInitiatedURC:        true,
		InitiatedPrefix:        "+WIND: 5,",
		EndedPrefix:            "+WIND: 6,",
		DialWaitsForAnswerOnly: true,
		DTMFCommand: func(cid int, tone byte) string {
			return "+VTS=" + string(tone)
		},
	}
}

func TestDialWavecomAnswersWhenATDCompletes(t *testing.T) {
	// Wavecom's ATD only returns OK once the call is answered; that OK
	// must itself drive the Call returned by Dial to answered, since
	// there is no separate answered URC for this dialect.
	mm := &mockModem{r: make(chan []byte, 8)}
	a := at.New(mm)
	e := call.New(a, wavecomURCs())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := make(chan *call.Call, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := e.Dial(ctx, "+15551234", nil)
		if err != nil {
			errs <- err
			return
		}
		result <- c
	}()

	time.Sleep(20 * time.Millisecond)
	e.HandleInitiated("+WIND: 5,3")

	var dialed *call.Call
	select {
	case dialed = <-result:
		assert.Equal(t, 3, dialed.ID)
	case err := <-errs:
		t.Fatalf("Dial returned error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Dial")
	}

	require.Eventually(t, dialed.Answered, time.Second, 10*time.Millisecond,
		"ATD's own OK must set the call answered for Wavecom")
}

func TestDialDeliversInitiatedURCToSameCall(t *testing.T) {
	// Dial must not guess its own call id: arm the URC waiter, issue ATD,
	// then let ^ORIG: report an id a naive nextID() counter would never
	// produce, and confirm the Call Dial returns is the one the later
	// ^CONN: URC updates.
	mm := &mockModem{r: make(chan []byte, 8)}
	a := at.New(mm)
	e := call.New(a, huaweiURCs())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := make(chan *call.Call, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := e.Dial(ctx, "+15551234", nil)
		if err != nil {
			errs <- err
			return
		}
		result <- c
	}()

	time.Sleep(20 * time.Millisecond)
	e.HandleInitiated("^ORIG:7,0")

	var dialed *call.Call
	select {
	case dialed = <-result:
		assert.Equal(t, 7, dialed.ID)
		assert.False(t, dialed.Answered())
	case err := <-errs:
		t.Fatalf("Dial returned error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Dial")
	}

	e.HandleAnswered("^CONN:7,0")
	assert.True(t, dialed.Answered(), "the URC must update the exact Call Dial returned")

	e.HandleEnded("^CEND:7,0,10,16")
	assert.Empty(t, e.Calls())
}

func TestIncomingRingCreatesCall(t *testing.T) {
	mm := &mockModem{r: make(chan []byte, 8)}
	a := at.New(mm)

	var got *call.Call
	e := call.New(a, dialect.CallURCs{}, call.WithIncomingCallback(func(c *call.Call) {
		got = c
	}))
	e.HandleRing(`+CLIP: "+15551234",145`)

	require.NotNil(t, got)
	assert.Equal(t, "+15551234", got.Number)
	assert.Equal(t, call.Incoming, got.Direction)
}

func TestHangupRemovesActiveCall(t *testing.T) {
	mm := &mockModem{r: make(chan []byte, 8)}
	a := at.New(mm)
	e := call.New(a, huaweiURCs())
	e.HandleInitiated("^ORIG:1,0")
	e.HandleAnswered("^CONN:1,0")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Nil(t, e.Hangup(ctx, 1))
	assert.Empty(t, e.Calls())
}
