// Command luxdump prints lux traffic found in a pcap capture of the UDP
// bridge port.
//
//	luxdump [-port 1365] [-summary] [-json] capture.pcap
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/banshee-data/lux/internal/lux/bridge"
	"github.com/banshee-data/lux/internal/lux/capture"
)

type summaryJSON struct {
	File      string         `json:"file"`
	Datagrams int            `json:"datagrams"`
	Pings     int            `json:"pings"`
	Frames    int            `json:"frames"`
	Errors    int            `json:"errors"`
	Commands  map[string]int `json:"commands"`
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("luxdump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	port := fs.Uint("port", bridge.DefaultPort, "UDP port of the bridge")
	summaryOnly := fs.Bool("summary", false, "Print only the summary")
	asJSON := fs.Bool("json", false, "Print the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || *port > 0xFFFF {
		fmt.Fprintln(stderr, "usage: luxdump [-port n] [-summary] [-json] <capture.pcap|->")
		return 2
	}

	path := fs.Arg(0)
	in := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(stderr, "luxdump: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	quiet := *summaryOnly || *asJSON
	sum, err := capture.Decode(in, uint16(*port), func(r capture.Record) error {
		if !quiet {
			fmt.Fprintln(stdout, r)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "luxdump: %v\n", err)
		return 1
	}

	if *asJSON {
		out := summaryJSON{
			File:      path,
			Datagrams: sum.Datagrams,
			Pings:     sum.Pings,
			Frames:    sum.Frames,
			Errors:    sum.Errors,
			Commands:  make(map[string]int, len(sum.Commands)),
		}
		for cmd, n := range sum.Commands {
			out.Commands[cmd.String()] = n
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "luxdump: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "%d datagrams, %d pings, %d frames, %d bad frames\n",
		sum.Datagrams, sum.Pings, sum.Frames, sum.Errors)
	names := make([]string, 0, len(sum.Commands))
	counts := make(map[string]int, len(sum.Commands))
	for cmd, n := range sum.Commands {
		names = append(names, cmd.String())
		counts[cmd.String()] = n
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "  %-20s %d\n", name, counts[name])
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
