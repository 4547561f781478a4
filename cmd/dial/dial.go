// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// dial places a voice call using the modem, logs its status updates and
// hangs up after a wait period, exiting earlier if the call ends first,
// demonstrating the call engine and its dialect selection.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"time"

	"github.com/gomodem/modem/call"
	"github.com/gomodem/modem/modem"
	"github.com/gomodem/modem/serial"
	"github.com/gomodem/modem/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	num := flag.String("n", "", "number to dial, in international format")
	pin := flag.String("pin", "", "SIM PIN, if the SIM is locked")
	wait := flag.Duration("w", 30*time.Second, "time to wait for the call before hanging up")
	verbose := flag.Bool("v", false, "log modem interactions")
	flag.Parse()
	if *num == "" {
		log.Fatal("no number provided, use -n")
	}

	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *verbose {
		mio = trace.New(m)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, err := modem.Open(ctx, mio, modem.WithPin(*pin),
		modem.OnCallStatusUpdate(func(c *call.Call) {
			log.Printf("call %d: answered=%v active=%v\n", c.ID, c.Answered(), c.Active())
		}))
	if err != nil {
		log.Fatal(err)
	}
	defer g.Close()

	dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := g.Dial(dctx, *num, nil)
	dcancel()
	if err != nil {
		log.Fatal(err)
	}

	deadline := time.After(*wait)
	for {
		select {
		case <-deadline:
			hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.Hangup(hctx, c.ID); err != nil {
				log.Println(err)
			}
			hcancel()
			return
		case <-time.After(time.Second):
			if !c.Active() {
				return
			}
		}
	}
}
