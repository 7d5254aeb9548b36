// Command luxctl runs diagnostic commands against a lux node.
//
//	luxctl <lux_uri> <commands...>
//
// Commands are executed serially, in the order given, and may be repeated.
// The first failing command stops the run with a nonzero exit status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/lux/internal/db"
	"github.com/banshee-data/lux/internal/lux/node"
	"github.com/banshee-data/lux/internal/lux/protocol"
	"github.com/banshee-data/lux/internal/lux/transport"
	"github.com/banshee-data/lux/internal/monitoring"
	"github.com/banshee-data/lux/internal/timeutil"
	"github.com/banshee-data/lux/internal/version"
)

const (
	floodPixels = 300
	blinkPeriod = 200 * time.Millisecond
)

// step is one queued command.
type step struct {
	flag string
	arg  uint32
}

// stepValue appends a step to the shared queue each time its flag is seen,
// preserving command-line order across different flags.
type stepValue struct {
	name    string
	boolean bool
	steps   *[]step
}

func (v *stepValue) String() string { return "" }

func (v *stepValue) IsBoolFlag() bool { return v.boolean }

func (v *stepValue) Set(s string) error {
	var arg uint32
	if !v.boolean {
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return fmt.Errorf("bad number %q", s)
		}
		arg = uint32(n)
	}
	*v.steps = append(*v.steps, step{flag: v.name, arg: arg})
	return nil
}

type env struct {
	stdout, stderr io.Writer
	open           transport.Opener
	clock          timeutil.Clock
}

type options struct {
	uri     string
	timeout time.Duration
	dbPath  string
	steps   []step
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("luxctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }

	opts := &options{}
	fs.DurationVar(&opts.timeout, "timeout", protocol.DefaultTimeout, "Response timeout per attempt")
	fs.StringVar(&opts.dbPath, "db", "", "Record -s statistics snapshots in this sqlite database")

	cmds := []struct {
		name    string
		boolean bool
		usage   string
	}{
		{"a", false, "Use address for subsequent commands"},
		{"A", false, "Change the address of the device and use it for subsequent commands"},
		{"f", false, "Flood n FRAME packets"},
		{"i", false, "Flood n GET_ID commands"},
		{"b", false, "Blink the LED n times"},
		{"s", true, "Read packet statistics"},
		{"S", true, "Reset packet statistics"},
		{"L", false, "Set strip length"},
		{"C", true, "Commit config"},
		{"I", true, "Read the device ID"},
		{"D", false, "Read descriptor slice n"},
		{"R", false, "Reset the device with the given flags"},
	}
	for _, c := range cmds {
		fs.Var(&stepValue{name: c.name, boolean: c.boolean, steps: &opts.steps}, c.name, c.usage)
	}

	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		// Allow global options and -h before the URI.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			usage(stderr)
			return nil, errors.New("missing lux URI")
		}
		args = fs.Args()
		if len(opts.steps) > 0 {
			return nil, errors.New("commands must follow the lux URI")
		}
	}
	opts.uri = args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

func usage(w io.Writer) {
	fmt.Fprint(w, `
  Usage: luxctl [-timeout d] [-db path] <lux_uri> <commands...>
    Commands are executed serially, in order.
    Flags specify commands, and can be used multiple times

  Lux URIs:
    serial:///dev/ttyACM0
    udp://127.0.0.1:1365

  Commands:
    -a <address>        Use address for subsequent commands
    -A <address>        Change the address of the device and
                        use the new address for subsequent commands
    -f <n>              Flood n FRAME packets
    -i <n>              Flood n GET_ID commands
    -b <n>              Blink the LED n times
    -s                  Read packet statistics
    -S                  Reset packet statistics
    -L <len>            Set strip length
    -C                  Commit config
    -I                  Read device ID
    -D <n>              Read descriptor slice n
    -R <flags>          Reset the device
`)
}

func run(ctx context.Context, args []string, e env) int {
	opts, err := parseArgs(args, e.stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 1
		}
		fmt.Fprintf(e.stderr, "luxctl: %v\n", err)
		return 2
	}

	tr, err := e.open(ctx, opts.uri, transport.Options{})
	if err != nil {
		fmt.Fprintf(e.stderr, "Unable to open Lux URI '%s': %v\n", opts.uri, err)
		return 1
	}
	conn := protocol.New(tr, protocol.Options{Timeout: opts.timeout})
	defer conn.Close()

	var store *db.DB
	if opts.dbPath != "" {
		store, err = db.Open(opts.dbPath)
		if err != nil {
			fmt.Fprintf(e.stderr, "luxctl: %v\n", err)
			return 1
		}
		defer store.Close()
	}

	c := node.New(conn, node.DefaultAddress)
	c.Clock = e.clock
	for _, s := range opts.steps {
		if err := execute(ctx, c, s, opts.uri, store, e); err != nil {
			fmt.Fprintf(e.stderr, "-%s: %v\n", s.flag, err)
			fmt.Fprintln(e.stderr, "Command failed; quitting")
			return 1
		}
	}
	return 0
}

func execute(ctx context.Context, c *node.Client, s step, uri string, store *db.DB, e env) error {
	out := e.stdout
	switch s.flag {
	case "a":
		c.Address = s.arg
		fmt.Fprintf(out, "Using address 0x%08x\n", c.Address)
	case "A":
		old := c.Address
		if err := c.AssignAddress(ctx, s.arg); err != nil {
			return err
		}
		fmt.Fprintf(out, "Changed address 0x%08x to 0x%08x\n", old, s.arg)
	case "f":
		rep, err := c.FloodFrames(ctx, int(s.arg), floodPixels, 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Sent %d frames to 0x%08x: %s\n", rep.Count, c.Address, rep)
	case "i":
		rep, err := c.FloodID(ctx, int(s.arg))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Got %d IDs (%q) from 0x%08x: %s\n", rep.Count, rep.LastID, c.Address, rep)
	case "b":
		if err := c.Blink(ctx, int(s.arg), blinkPeriod); err != nil {
			return err
		}
		fmt.Fprintf(out, "Blinked 0x%08x %d times\n", c.Address, s.arg)
	case "s":
		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Packet stats for 0x%08x: %s\n", c.Address, stats)
		if store != nil {
			snap := db.NodeStats{Time: e.clock.Now(), Address: c.Address, URI: uri, Stats: stats}
			if err := store.RecordNodeStats(ctx, snap); err != nil {
				return err
			}
		}
	case "S":
		if err := c.ResetStats(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "Reset packet stats for 0x%08x\n", c.Address)
	case "L":
		if s.arg > 0xFFFF {
			return fmt.Errorf("length %d too large", s.arg)
		}
		if err := c.SetLength(ctx, uint16(s.arg)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Set length of address 0x%08x to %d\n", c.Address, s.arg)
	case "C":
		if err := c.CommitConfig(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "Committed config for 0x%08x\n", c.Address)
	case "I":
		id, err := c.ID(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "ID of 0x%08x: %s\n", c.Address, id)
	case "D":
		if s.arg > 0xFF {
			return fmt.Errorf("descriptor index %d too large", s.arg)
		}
		desc, err := c.Descriptor(ctx, uint8(s.arg))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Descriptor %d of 0x%08x: %q\n", s.arg, c.Address, desc)
	case "R":
		if s.arg > 0xFF {
			return fmt.Errorf("reset flags %d too large", s.arg)
		}
		if err := c.Reset(ctx, uint8(s.arg)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Reset 0x%08x\n", c.Address)
	default:
		return fmt.Errorf("unknown command -%s", s.flag)
	}
	return nil
}

func main() {
	if len(os.Args) == 2 && os.Args[1] == "-version" {
		fmt.Println(version.String("luxctl"))
		return
	}
	monitoring.SetLogger(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], env{
		stdout: os.Stdout,
		stderr: os.Stderr,
		open:   transport.Open,
		clock:  timeutil.RealClock{},
	})
	stop()
	os.Exit(code)
}
