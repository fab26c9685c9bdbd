// cmd/uartcat/main.go
// Bridge a serial port to stdin/stdout through the interrupt-driven driver.
//
//	uartcat -list
//	uartcat [-baud N] [-dev N] <port>

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/embworks/uartdrv/uartdrv"
)

func main() {
	list := flag.Bool("list", false, "list serial ports and exit")
	baud := flag.Int("baud", 115200, "baud rate")
	dev := flag.Uint("dev", 1, "logical device id for the flag registry")
	flag.Parse()

	if *list {
		ports, err := uartdrv.Ports()
		if err != nil {
			log.Fatal(err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if flag.NArg() != 1 {
		log.Fatal("usage: uartcat [-baud N] [-dev N] <port>")
	}

	port, err := uartdrv.OpenHostPort(flag.Arg(0), *baud)
	if err != nil {
		log.Fatal(err)
	}
	defer port.Close()

	reg := uartdrv.NewFlagRegistry()
	drv := uartdrv.New(port, reg)
	drv.Initialize(uartdrv.DeviceID(*dev))
	defer drv.DeInitialize()

	// stdin → driver. Write blocks on driver backpressure, which is the
	// pacing we want here.
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := drv.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// driver → stdout, reporting line errors as they accumulate.
	ctx := context.Background()
	buf := make([]byte, 256)
	var lastErr uint32
	for {
		n, err := drv.ReadBlocking(ctx, buf)
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(buf[:n])
		if e := drv.GetError(); e != lastErr {
			log.Printf("line errors: %#x", e)
			lastErr = e
		}
	}
}
