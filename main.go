// Command mscab lists, tests and extracts Microsoft cabinet files.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
)

type config struct {
	list, test, pipe bool
	fix, lower       bool
	filter           string
	dir              string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("mscab", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var cfg config
	var quiet, verbose bool
	flags.BoolVar(&cfg.list, "l", false, "list the contents of the cabinets")
	flags.BoolVar(&cfg.test, "t", false, "decode every file and print its xxhash digest")
	flags.BoolVar(&cfg.pipe, "p", false, "write file contents to standard output")
	flags.BoolVar(&cfg.fix, "f", false, "salvage as much as possible from damaged cabinets")
	flags.StringVar(&cfg.filter, "F", "", "only process files matching this `pattern`")
	flags.StringVar(&cfg.dir, "d", ".", "extract into this `directory`")
	flags.BoolVar(&cfg.lower, "L", false, "make extracted file names lowercase")
	flags.BoolVar(&quiet, "q", false, "only report errors")
	flags.BoolVar(&verbose, "v", false, "report debugging detail")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: mscab [options] cabinet...\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	level := slog.LevelWarn
	if quiet {
		level = slog.LevelError
	} else if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	x, err := newExtractor(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "mscab: %v\n", err)
		return 1
	}
	defer x.Close()

	for _, name := range flags.Args() {
		x.process(name)
	}
	if x.errors > 0 {
		if !quiet {
			fmt.Fprintf(stderr, "mscab: %d errors\n", x.errors)
		}
		return 1
	}
	return 0
}
