package main

import (
	"context"
	"io"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/zonejournal/pkg/journal"
)

// Run parses global flags, resolves configuration, opens the journal named
// by the effective directory, and dispatches to the requested subcommand.
// Returns a process exit code.
func Run(args []string, env map[string]string, out, errOut io.Writer) int {
	globalFlags := flag.NewFlagSet("journalctl", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(io.Discard)

	flagDir := globalFlags.StringP("dir", "d", "", "Journal `directory` (default: current directory)")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagZone := globalFlags.StringP("zone", "z", "", "Zone `name` in dotted form (e.g. example.com)")
	flagSizeMiB := globalFlags.Int("size-mib", 0, "Size limit override in MiB")

	if err := globalFlags.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut)

		return 1
	}

	cfg, err := loadConfig(*flagConfig, env)
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	if *flagDir != "" {
		cfg.Dir = *flagDir
	}

	if *flagZone != "" {
		cfg.Zone = *flagZone
	}

	if *flagSizeMiB > 0 {
		cfg.SizeLimitMiB = *flagSizeMiB
	}

	if cfg.Dir == "" {
		cfg.Dir = "."
	}

	rest := globalFlags.Args()
	if len(rest) == 0 {
		fprintln(errOut, "error: no subcommand given")
		printUsage(errOut)

		return 1
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		fprintln(errOut, "error: resolving directory:", err)
		return 1
	}

	ctx := context.Background()

	switch rest[0] {
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	case "info":
		return cmdInfo(ctx, out, errOut, dir, cfg)
	case "check":
		return cmdCheck(ctx, out, errOut, dir, cfg, rest[1:])
	case "flush":
		return cmdFlush(ctx, out, errOut, dir, cfg)
	case "drop":
		return cmdDrop(ctx, out, errOut, dir, cfg, rest[1:])
	case "export":
		return cmdExport(ctx, out, errOut, dir, cfg, rest[1:])
	case "repl":
		return cmdRepl(ctx, out, errOut, dir, cfg)
	default:
		fprintln(errOut, "error: unknown subcommand:", rest[0])
		printUsage(errOut)

		return 1
	}
}

func printUsage(w io.Writer) {
	fprintln(w, `journalctl - zonejournal diagnostic CLI

Usage:
  journalctl [-d dir] [-c config] [-z zone] <command> [args]

Commands:
  info                 Print the visible serial range
  check [--full]       Run a consistency check (default: quick)
  flush                Mark all stored history as externally flushed
  drop [--yes]         Delete all stored history (irreversible)
  export <out-file>    Atomically write an info+check snapshot as JSON
  repl                 Start an interactive session

Global flags:
  -d, --dir string      Journal directory (default: current directory)
  -c, --config string   JSONC config file
  -z, --zone string     Zone name in dotted form (e.g. example.com)
      --size-mib int    Size limit override in MiB`)
}

func openJournal(ctx context.Context, dir string, cfg Config) (*journal.Journal, error) {
	opts := journal.Options{
		SizeLimit: uint64(cfg.SizeLimitMiB) << 20,
		ZoneName:  encodeZoneName(cfg.Zone),
		Policy:    journal.DefaultPolicy(),
	}

	return journal.Open(ctx, dir, nil, opts)
}
