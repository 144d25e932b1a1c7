package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/calvinalkan/zonejournal/pkg/journal"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
)

func cmdInfo(ctx context.Context, out, errOut io.Writer, dir string, cfg Config) int {
	j, err := openJournal(ctx, dir, cfg)
	if err != nil {
		fprintln(errOut, "error: opening journal:", err)
		return 1
	}
	defer j.Close()

	info, err := j.MetadataInfo(ctx)
	if err != nil {
		fprintln(errOut, "error: reading metadata:", err)
		return 1
	}

	if info.Empty {
		fprintln(out, "journal is empty")
		return 0
	}

	fprintln(out, "from:", info.From)
	fprintln(out, "to:", info.To)

	return 0
}

func cmdCheck(ctx context.Context, out, errOut io.Writer, dir string, cfg Config, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	full := fs.Bool("full", false, "walk the entire continuity chain")

	if err := fs.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	j, err := openJournal(ctx, dir, cfg)
	if err != nil {
		fprintln(errOut, "error: opening journal:", err)
		return 1
	}
	defer j.Close()

	level := journal.CheckQuick
	if *full {
		level = journal.CheckFull
	}

	report, err := j.Check(ctx, level)
	if err != nil {
		fprintln(errOut, "error: check failed:", err)
		return 1
	}

	printCheckReport(out, report)

	if !report.OK {
		return 1
	}

	return 0
}

func printCheckReport(out io.Writer, report journal.CheckReport) {
	fprintln(out, "ok:", report.OK)
	fprintln(out, "changesets:", report.ChangesetCount)
	fprintln(out, "total_bytes:", report.TotalBytes)

	for _, p := range report.Problems {
		fprintln(out, "problem:", p)
	}

	for _, w := range report.Warnings {
		fprintln(out, "warning:", w)
	}
}

func cmdFlush(ctx context.Context, out, errOut io.Writer, dir string, cfg Config) int {
	j, err := openJournal(ctx, dir, cfg)
	if err != nil {
		fprintln(errOut, "error: opening journal:", err)
		return 1
	}
	defer j.Close()

	if err := j.Flush(ctx); err != nil {
		fprintln(errOut, "error: flush failed:", err)
		return 1
	}

	fprintln(out, "flushed")

	return 0
}

func cmdDrop(ctx context.Context, out, errOut io.Writer, dir string, cfg Config, args []string) int {
	fs := flag.NewFlagSet("drop", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	confirmed := fs.Bool("yes", false, "skip the confirmation prompt")

	if err := fs.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	if !*confirmed {
		fprintln(errOut, "error: drop is irreversible, pass --yes to confirm")
		return 1
	}

	j, err := openJournal(ctx, dir, cfg)
	if err != nil {
		fprintln(errOut, "error: opening journal:", err)
		return 1
	}
	defer j.Close()

	if err := j.DropJournal(ctx); err != nil {
		fprintln(errOut, "error: drop failed:", err)
		return 1
	}

	fprintln(out, "dropped")

	return 0
}

// exportSnapshot is the JSON document written by the export subcommand.
type exportSnapshot struct {
	Info  journal.MetadataInfo `json:"info"`
	Check journal.CheckReport  `json:"check"`
}

func cmdExport(ctx context.Context, out, errOut io.Writer, dir string, cfg Config, args []string) int {
	if len(args) != 1 {
		fprintln(errOut, "error: export requires exactly one output file argument")
		return 1
	}

	j, err := openJournal(ctx, dir, cfg)
	if err != nil {
		fprintln(errOut, "error: opening journal:", err)
		return 1
	}
	defer j.Close()

	info, err := j.MetadataInfo(ctx)
	if err != nil {
		fprintln(errOut, "error: reading metadata:", err)
		return 1
	}

	report, err := j.Check(ctx, journal.CheckFull)
	if err != nil {
		fprintln(errOut, "error: check failed:", err)
		return 1
	}

	snapshot := exportSnapshot{Info: info, Check: report}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fprintln(errOut, "error: marshaling snapshot:", err)
		return 1
	}

	data = append(data, '\n')

	if err := atomic.WriteFile(args[0], bytes.NewReader(data)); err != nil {
		fprintln(errOut, "error: writing snapshot:", err)
		return 1
	}

	fprintln(out, "wrote", args[0])

	return 0
}
