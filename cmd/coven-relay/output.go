// ABOUTME: Terminal rendering for CLI subcommands
// ABOUTME: Colored delivery failure listing and argument parsing helpers

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/store"
)

const defaultFailureLimit = 20

func parseLimit(args []string) (int, error) {
	if len(args) == 0 {
		return defaultFailureLimit, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive number, got %q", args[0])
	}
	return n, nil
}

func printFailures(w io.Writer, failures []*store.DeliveryFailure) {
	if len(failures) == 0 {
		fmt.Fprintln(w, "No delivery failures recorded.")
		return
	}

	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)
	for _, f := range failures {
		red.Fprintf(w, "✗ %s", f.Operation)
		fmt.Fprintf(w, " → %s (%s, %d attempts)\n", f.Destination, f.PayloadKind, f.Attempts)
		gray.Fprintf(w, "  %s  %s\n", f.CreatedAt.Format("2006-01-02 15:04:05"), f.ID)
		if f.SourceRef != "" {
			gray.Fprintf(w, "  source: %s\n", f.SourceRef)
		}
		fmt.Fprintf(w, "  %s\n", f.Error)
	}
}
