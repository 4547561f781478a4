// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// waitsms waits for SMSs to be received by the modem, and dumps them to
// stdout.
//
// This provides an example of using the received-SMS callback, as well as a
// test that the library works with the modem.
//
// The modem device provided must support notifications, or no SMSs will be
// seen (the notification port is typically USB2, hence the default).
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"time"

	"github.com/gomodem/modem/modem"
	"github.com/gomodem/modem/serial"
	"github.com/gomodem/modem/sms"
	"github.com/gomodem/modem/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB2", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	period := flag.Duration("p", 10*time.Minute, "period to wait")
	pin := flag.String("pin", "", "SIM PIN, if the SIM is locked")
	verbose := flag.Bool("v", false, "log modem interactions")
	hex := flag.Bool("x", false, "hex dump modem responses")
	flag.Parse()
	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Println(err)
		return
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *hex {
		mio = trace.New(m, trace.WithReadFormat("r: %v"))
	} else if *verbose {
		mio = trace.New(m)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *period)
	defer cancel()

	g, err := modem.Open(ctx, mio,
		modem.WithPin(*pin),
		modem.WithSmsCallbacks(true),
		modem.OnSmsReceived(func(r *sms.Received) {
			log.Printf("%s: %s\n", r.Number, r.Text)
		}))
	if err != nil {
		log.Println(err)
		return
	}
	defer g.Close()

	go pollSignalQuality(ctx, g)
	<-ctx.Done()
	log.Println("exiting...")
}

// pollSignalQuality polls the modem to read signal quality every minute.
//
// This is run in parallel to demonstrate separate goroutines interacting
// with the modem.
func pollSignalQuality(ctx context.Context, g *modem.Modem) {
	for {
		select {
		case <-time.After(time.Minute):
			n, err := g.SignalStrength(ctx)
			if err != nil {
				log.Println(err)
			} else {
				log.Printf("Signal quality: %v\n", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
