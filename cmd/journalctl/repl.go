package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/calvinalkan/zonejournal/pkg/journal"
)

// repl is the interactive line-editing command loop for poking at a
// journal.
type repl struct {
	journal *journal.Journal
	dir     string
	out     io.Writer
	liner   *liner.State
}

func cmdRepl(ctx context.Context, out, errOut io.Writer, dir string, cfg Config) int {
	j, err := openJournal(ctx, dir, cfg)
	if err != nil {
		fprintln(errOut, "error: opening journal:", err)
		return 1
	}
	defer j.Close()

	r := &repl{journal: j, dir: dir, out: out}
	if err := r.run(ctx); err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	return 0
}

func replHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".journalctl_history")
}

var replCommands = []string{"info", "check", "flush", "drop", "export", "help", "exit"}

func (r *repl) completer(line string) []string {
	var out []string

	for _, c := range replCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	return out
}

func (r *repl) run(ctx context.Context) error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(replHistoryFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintf(r.out, "journalctl - interactive session (%s)\n", r.dir)
	fmt.Fprintln(r.out, "Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("journalctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(r.out, "\nbye")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		fields := strings.Fields(line)
		cmd := strings.ToLower(fields[0])
		args := fields[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Fprintln(r.out, "bye")
			r.saveHistory()

			return nil
		case "help", "?":
			r.printHelp()
		case "info":
			r.cmdInfo(ctx)
		case "check":
			r.cmdCheck(ctx, args)
		case "flush":
			r.cmdFlush(ctx)
		case "drop":
			r.cmdDrop(ctx, args)
		default:
			fmt.Fprintf(r.out, "unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *repl) saveHistory() {
	path := replHistoryFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.out, `Commands:
  info              Print the visible serial range
  check [--full]    Run a consistency check
  flush             Mark all stored history as externally flushed
  drop --yes        Delete all stored history (irreversible)
  help              Show this help
  exit              Leave the session`)
}

func (r *repl) cmdInfo(ctx context.Context) {
	info, err := r.journal.MetadataInfo(ctx)
	if err != nil {
		fmt.Fprintln(r.out, "error:", err)
		return
	}

	if info.Empty {
		fmt.Fprintln(r.out, "journal is empty")
		return
	}

	fmt.Fprintln(r.out, "from:", info.From)
	fmt.Fprintln(r.out, "to:", info.To)
}

func (r *repl) cmdCheck(ctx context.Context, args []string) {
	level := journal.CheckQuick
	for _, a := range args {
		if a == "--full" {
			level = journal.CheckFull
		}
	}

	report, err := r.journal.Check(ctx, level)
	if err != nil {
		fmt.Fprintln(r.out, "error:", err)
		return
	}

	printCheckReport(r.out, report)
}

func (r *repl) cmdFlush(ctx context.Context) {
	if err := r.journal.Flush(ctx); err != nil {
		fmt.Fprintln(r.out, "error:", err)
		return
	}

	fmt.Fprintln(r.out, "flushed")
}

func (r *repl) cmdDrop(ctx context.Context, args []string) {
	confirmed := false

	for _, a := range args {
		if a == "--yes" {
			confirmed = true
		}
	}

	if !confirmed {
		fmt.Fprintln(r.out, "drop is irreversible, pass --yes to confirm")
		return
	}

	if err := r.journal.DropJournal(ctx); err != nil {
		fmt.Fprintln(r.out, "error:", err)
		return
	}

	fmt.Fprintln(r.out, "dropped")
}
