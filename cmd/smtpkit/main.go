package main

import (
	"fmt"
	"os"
	"strings"
)

// commands maps a subcommand name to its entry point. Each entry point
// parses its own flags, so the name is stripped from os.Args before the
// call; a bare invocation serves.
var commands = map[string]func(){
	"serve": runServe,
	"send":  runSend,
}

func main() {
	name := "serve"
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		name = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	run, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "smtpkit: unknown subcommand %q\n", name)
		fmt.Fprintln(os.Stderr, "usage: smtpkit [serve|send] [flags]")
		os.Exit(2)
	}
	run()
}
