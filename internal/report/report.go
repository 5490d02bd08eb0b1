// Package report renders the scan/write/read summaries (the CLI prints the
// scan and write ones to stdout and the read one to stderr, which keeps
// stdout free for the extracted payload), matching the literal two-line format of the original tool while adding a
// per-mnemonic breakdown table.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/nullsector/textcarrier/internal/carrier"
)

// ScanSummary writes the scan-mode report.
func ScanSummary(w io.Writer, res carrier.ScanResult) {
	fmt.Fprintf(w, "Scan summary:\n"+
		"%d bytes available (%d inst patcheables, out of %d (~%d %%))\n",
		res.BytesAvailable(), res.CarrierInstructions, res.TotalInstructions, res.Percent())
}

// WriteSummary writes the write-mode report, including the capacity warning
// when the input stream still had unread bits after .text was exhausted.
func WriteSummary(w io.Writer, res carrier.WriteResult) {
	fmt.Fprintf(w, "Write summary:\n"+
		"Wrote %d bits (%d bytes)\n", res.BitsWritten, res.BitsWritten/8)

	if res.CapacityExhausted {
		fmt.Fprintf(w, "WARNING: Entire input was not written!\n"+
			"Please check the max amnt of bytes available to write!\n")
	}
}

// ReadSummary writes the read-mode report.
func ReadSummary(w io.Writer, res carrier.ReadResult) {
	fmt.Fprintf(w, "Read summary:\n"+
		"Extracted %d bits (%d bytes)\n", res.BitsExtracted, res.BitsExtracted/8)
}

// MnemonicBreakdown renders a table of carrier-eligible instruction counts
// by mnemonic, found during a scan pass.
func MnemonicBreakdown(w io.Writer, res carrier.ScanResult) {
	if len(res.MnemonicCounts) == 0 {
		return
	}

	mnemonics := make([]string, 0, len(res.MnemonicCounts))
	for m := range res.MnemonicCounts {
		mnemonics = append(mnemonics, m)
	}
	sort.Strings(mnemonics)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Mnemonic", "Carriers"})
	for _, m := range mnemonics {
		tw.AppendRow(table.Row{m, res.MnemonicCounts[m]})
	}
	tw.Render()
}
