// Package urc dispatches unsolicited result codes (URCs) - modem-initiated
// lines such as an incoming call or a received SMS notification - to
// independent handlers, each running in its own goroutine so that a slow or
// panicking handler cannot stall the others or the modem's command pump.
package urc

import (
	"log"
	"sync"

	"github.com/gomodem/modem/at"
)

// Dispatcher routes prefixed indication lines from an at.AT to registered
// handlers.
type Dispatcher struct {
	a      *at.AT
	logger *log.Logger

	mu       sync.Mutex
	prefixes []string
	wg       sync.WaitGroup
}

// Option modifies a Dispatcher created by New.
type Option func(*Dispatcher)

// WithLogger attaches a logger used to report a handler panic, so one
// faulty handler doesn't silently stop delivering to the others.
func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New creates a Dispatcher over a.
func New(a *at.AT, opts ...Option) *Dispatcher {
	d := &Dispatcher{a: a}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers fn to be called, in its own goroutine, for every line set
// beginning with prefix - the prefix line itself plus trailingLines further
// lines. fn is called once per occurrence until the Dispatcher is closed or
// Unhandle(prefix) is called.
func (d *Dispatcher) Handle(prefix string, trailingLines int, fn func([]string)) error {
	ch, err := d.a.AddIndication(prefix, trailingLines)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.prefixes = append(d.prefixes, prefix)
	d.mu.Unlock()
	d.wg.Add(1)
	go d.serve(prefix, ch, fn)
	return nil
}

// Unhandle removes a previously registered handler for prefix.
func (d *Dispatcher) Unhandle(prefix string) {
	d.a.CancelIndication(prefix)
}

// Close removes all registered handlers and waits for their goroutines to
// drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	prefixes := d.prefixes
	d.prefixes = nil
	d.mu.Unlock()
	for _, p := range prefixes {
		d.a.CancelIndication(p)
	}
	d.wg.Wait()
}

func (d *Dispatcher) serve(prefix string, ch <-chan []string, fn func([]string)) {
	defer d.wg.Done()
	for lines := range ch {
		d.dispatch(prefix, lines, fn)
	}
}

// dispatch invokes fn, recovering any panic so it is reported rather than
// taking down the dispatcher.
func (d *Dispatcher) dispatch(prefix string, lines []string, fn func([]string)) {
	defer func() {
		if r := recover(); r != nil {
			d.logf("urc: handler for %q panicked: %v", prefix, r)
		}
	}()
	fn(lines)
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
