package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mons/smtpkit/internal/logging"
	"github.com/mons/smtpkit/smtpclient"
)

func runSend() {
	var (
		host     = flag.String("host", "", "Delivery host, bypassing MX resolution")
		port     = flag.Int("port", 25, "SMTP port")
		helo     = flag.String("helo", "", "HELO identity (default: local hostname)")
		from     = flag.String("from", "", "Sender address (required)")
		to       = flag.String("to", "", "Recipient address list (required)")
		file     = flag.String("file", "", "Message file; default is stdin")
		timeout  = flag.Duration("timeout", time.Minute, "Per-operation timeout")
		logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		debug    = flag.Bool("debug", false, "Log full SMTP transactions")
	)
	flag.Parse()

	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "usage: smtpkit send -from addr -to addr[,addr...] [-host host] [-file message]")
		os.Exit(1)
	}

	var (
		data []byte
		err  error
	)
	if *file != "" {
		data, err = os.ReadFile(*file)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading message: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(*logLevel)

	res, err := smtpclient.Send(context.Background(), smtpclient.Request{
		Host:    *host,
		Port:    *port,
		Helo:    *helo,
		From:    *from,
		To:      []string{*to},
		Data:    data,
		Timeout: *timeout,
		Debug:   *debug,
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "send error: %v\n", err)
		os.Exit(1)
	}

	for rcpt, reply := range res.OK {
		fmt.Printf("%s: %s\n", rcpt, reply)
	}
	for rcpt, reason := range res.Err {
		fmt.Fprintf(os.Stderr, "%s: %s\n", rcpt, reason)
	}
	if len(res.Err) > 0 {
		os.Exit(1)
	}
}
