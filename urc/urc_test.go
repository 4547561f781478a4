// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package urc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomodem/modem/at"
	"github.com/gomodem/modem/urc"
)

// mockModem is a minimal io.ReadWriter that only needs to emit
// pre-seeded lines - the dispatcher tests never issue AT commands.
type mockModem struct {
	r      chan []byte
	closed bool
}

func newMockModem() *mockModem {
	return &mockModem{r: make(chan []byte, 10)}
}

func (m *mockModem) Read(p []byte) (int, error) {
	data, ok := <-m.r
	if !ok {
		return 0, assert.AnError
	}
	copy(p, data)
	return len(data), nil
}

func (m *mockModem) Write(p []byte) (int, error) {
	return len(p), nil
}

func (m *mockModem) Close() {
	if !m.closed {
		m.closed = true
		close(m.r)
	}
}

func TestDispatcherHandle(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)

	var mu sync.Mutex
	var got []string
	d := urc.New(a)
	defer d.Close()
	err := d.Handle("+CRING:", 0, func(lines []string) {
		mu.Lock()
		got = append(got, lines[0])
		mu.Unlock()
	})
	require.Nil(t, err)

	mm.r <- []byte("\r\n+CRING: VOICE\r\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, "+CRING: VOICE", got[0])
	mu.Unlock()
}

func TestDispatcherHandlerPanicIsolated(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)

	d := urc.New(a)
	defer d.Close()
	err := d.Handle("+BAD:", 0, func(lines []string) {
		panic("boom")
	})
	require.Nil(t, err)

	var mu sync.Mutex
	var got []string
	err = d.Handle("+GOOD:", 0, func(lines []string) {
		mu.Lock()
		got = append(got, lines[0])
		mu.Unlock()
	})
	require.Nil(t, err)

	mm.r <- []byte("\r\n+BAD: x\r\n")
	mm.r <- []byte("\r\n+GOOD: y\r\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
}

func TestDispatcherUnhandle(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)

	d := urc.New(a)
	defer d.Close()
	calls := 0
	var mu sync.Mutex
	err := d.Handle("+CRING:", 0, func(lines []string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.Nil(t, err)
	d.Unhandle("+CRING:")

	// feed a line with the now unregistered prefix, allow it to settle,
	// then confirm the handler was not invoked.
	mm.r <- []byte("\r\n+CRING: VOICE\r\n")
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
}
