// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// sendsms sends an SMS using the modem.
//
// This provides an example of using the SendSms command, as well as a test
// that the library works with the modem.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/gomodem/modem/modem"
	"github.com/gomodem/modem/serial"
	"github.com/gomodem/modem/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	num := flag.String("n", "+12345", "number to send to, in international format")
	msg := flag.String("m", "Zoot Zoot", "the message to send")
	timeout := flag.Duration("t", 5000*time.Millisecond, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	pdumode := flag.Bool("p", false, "send in PDU mode")
	flash := flag.Bool("f", false, "send as a flash (class 0) message")
	pin := flag.String("pin", "", "SIM PIN, if the SIM is locked")
	hex := flag.Bool("x", false, "hex dump modem responses")
	flag.Parse()

	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Fatal(err)
	}
	var mio io.ReadWriter = m
	if *hex {
		mio = trace.New(m, trace.WithLogger(log.New(os.Stdout, "", log.LstdFlags)), trace.WithReadFormat("r: %v"))
	} else if *verbose {
		mio = trace.New(m, trace.WithLogger(log.New(os.Stdout, "", log.LstdFlags)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	g, err := modem.Open(ctx, mio, modem.WithPin(*pin), modem.WithPDUMode(*pdumode))
	if err != nil {
		log.Fatal(err)
	}
	defer g.Close()

	s, err := g.SendSms(ctx, *num, *msg, false, 0, *flash)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("sent, reference %d\n", s.Reference)
}
