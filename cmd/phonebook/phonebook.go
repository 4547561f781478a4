// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// phonebook dumps the contents of the modem SIM phonebook.
//
// This provides an example of processing the info returned by the modem.
// The phonebook is read directly over the AT transport: it sits outside
// the driver's own phonebook support, which is limited to the modem's own
// MSISDN (AT+CNUM).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/gomodem/modem/at"
	"github.com/gomodem/modem/info"
	"github.com/gomodem/modem/serial"
	"github.com/gomodem/modem/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	timeout := flag.Duration("t", 2*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	flag.Parse()
	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Println(err)
		return
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *verbose {
		mio = trace.New(m)
	}
	a := at.New(mio)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err = a.Init(ctx)
	cancel()
	if err != nil {
		log.Println(err)
		return
	}
	ctx, cancel = context.WithTimeout(context.Background(), *timeout)
	i, err := a.Command(ctx, "+CPBR=1,99")
	cancel()
	if err != nil {
		log.Println(err)
		return
	}
	for _, l := range i {
		if !info.HasPrefix(l, "+CPBR") {
			continue
		}
		entry := strings.Split(info.TrimPrefix(l, "+CPBR"), ",")
		if len(entry) < 4 {
			continue
		}
		nameh := []byte(strings.Trim(entry[3], "\""))
		name := make([]byte, hex.DecodedLen(len(nameh)))
		n, err := hex.Decode(name, nameh)
		if err != nil {
			log.Printf("decode error: %v", err)
			continue
		}
		fmt.Printf("%2s %-10s %s\n", entry[0], strings.Trim(entry[1], "\""), name[:n])
	}
}
