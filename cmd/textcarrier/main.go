// Command textcarrier scans, writes, or reads a covert bitstream carried
// in the direction bits of an x86/x86-64 ELF binary's .text section.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nullsector/textcarrier/internal/carrier"
	"github.com/nullsector/textcarrier/internal/elflocate"
	"github.com/nullsector/textcarrier/internal/mapper"
	"github.com/nullsector/textcarrier/internal/obslog"
	"github.com/nullsector/textcarrier/internal/report"
)

var log = obslog.NamedLogger("cmd", "textcarrier")

type runMode int

const (
	modeNone runMode = iota
	modeScan
	modeWrite
	modeRead
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		scanFlag  bool
		writeFlag bool
		readN     int
		outPath   string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:           "textcarrier [flags] elf_file",
		Short:         "embed or extract a covert bitstream in an ELF's .text direction bits",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obslog.SetVerbose(verbose)

			mode := resolveMode(os.Args[1:])
			if mode == modeNone {
				return fmt.Errorf("one of -s, -w, or -r must be given")
			}
			if outPath == "" {
				outPath = "out"
			}

			return run(mode, args[0], readN, outPath)
		},
	}

	cmd.Flags().BoolVarP(&scanFlag, "scan", "s", false, "scan the elf_file and report the max amount of bytes available to add")
	cmd.Flags().BoolVarP(&writeFlag, "write", "w", false, `writes all of stdin into a copy of elf_file (default output: "out", change with -o)`)
	cmd.Flags().IntVarP(&readN, "read", "r", 0, "reads N bytes from elf_file and writes them to stdout (0 means read everything)")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "overrides the default output file (pairs with -w)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

// resolveMode scans the raw argument list for the last occurrence of -s,
// -w, or -r (and their long forms), since pflag's Changed tracking does
// not preserve cross-flag call order and the CLI surface is mode
// exclusive with "last mode flag wins".
func resolveMode(args []string) runMode {
	mode := modeNone
	for _, a := range args {
		switch {
		case a == "-s" || a == "--scan":
			mode = modeScan
		case a == "-w" || a == "--write":
			mode = modeWrite
		case a == "-r" || a == "--read" || hasPrefix(a, "-r=") || hasPrefix(a, "--read="):
			mode = modeRead
		}
	}
	return mode
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func run(mode runMode, path string, readN int, outPath string) error {
	loc, f, err := elflocate.Locate(path)
	if err != nil {
		return err
	}

	codec := carrier.NewCodec(loc.Machine == elflocate.X86_64, log)

	switch mode {
	case modeScan:
		win, err := mapper.OpenReadOnly(f, loc)
		if err != nil {
			return err
		}
		defer win.Close()

		res, err := codec.Scan(win.TextBytes())
		if err != nil {
			return err
		}
		report.ScanSummary(os.Stdout, res)
		report.MnemonicBreakdown(os.Stdout, res)

	case modeWrite:
		win, err := mapper.OpenForWrite(f, loc, outPath)
		if err != nil {
			return err
		}

		res, err := codec.Write(win.TextBytes(), os.Stdin)
		if closeErr := win.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}

		report.WriteSummary(os.Stdout, res)
		if res.CapacityExhausted {
			color.Yellow("capacity exhausted before input was fully consumed")
		}

	case modeRead:
		win, err := mapper.OpenReadOnly(f, loc)
		if err != nil {
			return err
		}
		defer win.Close()

		res, err := codec.Read(win.TextBytes(), readN*8, os.Stdout)
		if err != nil {
			return err
		}
		report.ReadSummary(os.Stderr, res)
	}

	return nil
}
