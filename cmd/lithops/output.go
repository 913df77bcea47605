package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/tomwhite/lithops/internal/invoke"
	"github.com/tomwhite/lithops/internal/protocol"
	"github.com/tomwhite/lithops/internal/runtimekey"
)

// useTable reports whether results are rendered as a table. The auto format
// picks a table for terminals and JSON otherwise.
func useTable() bool {
	switch outputFormat {
	case "table":
		return true
	case "json":
		return false
	default:
		return term.IsTerminal(int(os.Stdout.Fd()))
	}
}

type runtimeRow struct {
	Image    string `json:"image"`
	MemoryMB int    `json:"memory_mb"`
	Service  string `json:"service"`
}

func printRuntimes(w io.Writer, keys []runtimekey.Key) error {
	rows := make([]runtimeRow, 0, len(keys))
	for _, key := range keys {
		name, err := runtimekey.Encode(key)
		if err != nil {
			return err
		}
		rows = append(rows, runtimeRow{Image: key.Image.String(), MemoryMB: key.MemoryMB, Service: name})
	}
	if !useTable() {
		return writeJSON(w, rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tMEMORY\tSERVICE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%dMB\t%s\n", r.Image, r.MemoryMB, r.Service)
	}
	return tw.Flush()
}

func printMetadata(w io.Writer, meta protocol.Metadata) error {
	if !useTable() {
		return writeJSON(w, meta)
	}
	fmt.Fprintf(w, "language version: %s\n", meta.LanguageVersion)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tPACKAGE")
	for _, m := range meta.Preinstalls {
		fmt.Fprintf(tw, "%s\t%t\n", m.Name, m.IsPackage)
	}
	return tw.Flush()
}

func printResult(w io.Writer, res invoke.Result) error {
	if res.Body != nil {
		return writeJSON(w, res.Body)
	}
	if !useTable() {
		return writeJSON(w, protocol.ActivationResponse{ActivationID: res.ActivationID})
	}
	_, err := fmt.Fprintf(w, "activation %s\n", res.ActivationID)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
