// Command journalctl is a playground/diagnostic CLI for inspecting and
// administering a zonejournal directory: print its visible serial range,
// run a consistency check, flush or drop history, export a point-in-time
// snapshot, or poke around interactively.
//
// Usage:
//
//	journalctl [-c config] [-d dir] [-z zone] info
//	journalctl [-c config] [-d dir] [-z zone] check [--full]
//	journalctl [-c config] [-d dir] [-z zone] flush
//	journalctl [-c config] [-d dir] [-z zone] drop
//	journalctl [-c config] [-d dir] [-z zone] export <out-file>
//	journalctl [-c config] [-d dir] [-z zone] repl
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	env := envMap(os.Environ())
	os.Exit(Run(os.Args[1:], env, os.Stdout, os.Stderr))
}

func envMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				env[e[:i]] = e[i+1:]
				break
			}
		}
	}

	return env
}

func fprintln(w io.Writer, a ...any) {
	fmt.Fprintln(w, a...)
}
