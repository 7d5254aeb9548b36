// Command lux-bridge relays lux frames between UDP clients and a serial bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/lux/internal/config"
	"github.com/banshee-data/lux/internal/lux/bridge"
	"github.com/banshee-data/lux/internal/lux/transport"
	"github.com/banshee-data/lux/internal/monitoring"
	"github.com/banshee-data/lux/internal/version"
)

var (
	serialPath    = flag.String("serial", "/dev/ttyACM0", "Serial device of the lux bus")
	listen        = flag.String("listen", fmt.Sprintf("0.0.0.0:%d", bridge.DefaultPort), "UDP listen address")
	baud          = flag.Int("baud", transport.DefaultBaudRate, "Serial baud rate")
	dummy         = flag.Bool("dummy", false, "Answer pings only; do not open a serial port")
	statsInterval = flag.Duration("stats-interval", time.Minute, "How often to log traffic counters (0 disables)")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

type bridgeOptions struct {
	serial        string
	listen        string
	baud          int
	dummy         bool
	statsInterval time.Duration
}

// serve opens the serial port unless in dummy mode, then relays until ctx is
// done. ready, if set, receives the bridge once it is listening.
func serve(ctx context.Context, opts bridgeOptions, open transport.SerialPortOpener, logger *zap.Logger, ready func(*bridge.Bridge)) error {
	var port transport.SerialPorter
	if !opts.dummy {
		mode, err := transport.PortOptions{BaudRate: opts.baud}.SerialMode()
		if err != nil {
			return err
		}
		port, err = open(opts.serial, mode)
		if err != nil {
			return fmt.Errorf("open %s: %w", opts.serial, err)
		}
		defer port.Close()
		logger.Info("serial port open", zap.String("path", opts.serial), zap.Int("baud", mode.BaudRate))
	}

	b, err := bridge.Listen(opts.listen, port, bridge.Options{Logger: logger})
	if err != nil {
		return err
	}
	if ready != nil {
		ready(b)
	}

	if opts.statsInterval > 0 {
		go func() {
			t := time.NewTicker(opts.statsInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					s := b.Stats()
					logger.Info("bridge stats",
						zap.Uint64("pings", s.Pings),
						zap.Uint64("to_serial", s.ToSerial),
						zap.Uint64("from_serial", s.FromSerial),
						zap.Uint64("dropped", s.Dropped))
				}
			}
		}()
	}

	return b.Serve(ctx)
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("lux-bridge"))
		return
	}

	logger, err := monitoring.InitLogger(config.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, bridgeOptions{
		serial:        *serialPath,
		listen:        *listen,
		baud:          *baud,
		dummy:         *dummy,
		statsInterval: *statsInterval,
	}, transport.OpenSerialPort, logger, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bridge stopped", zap.Error(err))
		os.Exit(1)
	}
}
