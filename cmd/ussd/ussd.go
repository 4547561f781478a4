// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// ussd sends a USSD message using the modem.
//
// This provides an example of using the USSD session API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/gomodem/modem/modem"
	"github.com/gomodem/modem/serial"
	"github.com/gomodem/modem/trace"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	msg := flag.String("m", "*101#", "the message to send")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	pin := flag.String("pin", "", "SIM PIN, if the SIM is locked")
	verbose := flag.Bool("v", false, "log modem interactions")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}
	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Fatal(err)
	}
	var mio io.ReadWriter = m
	if *verbose {
		mio = trace.New(m)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	g, err := modem.Open(ctx, mio, modem.WithPin(*pin))
	if err != nil {
		log.Fatal(err)
	}
	defer g.Close()

	u, err := g.SendUssd(ctx, *msg, *timeout)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(u.Message)
	if u.Active {
		fmt.Println("(session remains active - reply required)")
	}
}
