// Command luxd streams pixel data to configured lux devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/banshee-data/lux/internal/config"
	"github.com/banshee-data/lux/internal/db"
	"github.com/banshee-data/lux/internal/lux/bus"
	"github.com/banshee-data/lux/internal/lux/layout"
	"github.com/banshee-data/lux/internal/monitoring"
	"github.com/banshee-data/lux/internal/version"
)

var (
	configPath  = flag.String("config", "", "Config file (YAML, JSON or TOML); defaults to $LUX_CONFIG or ./lux.yaml")
	dumpConfig  = flag.Bool("dump-config", false, "Print the effective configuration and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

type daemon struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *db.DB
	reg     *prometheus.Registry
	metrics *monitoring.LuxMetrics
	bus     *bus.Bus
	raster  *layout.Rasterizer
}

// newDaemon opens the store and the bus and prepares the pixel source. The
// extra options are applied after the daemon's own.
func newDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger, extra ...bus.Option) (*daemon, error) {
	d := &daemon{cfg: cfg, log: logger, reg: monitoring.NewRegistry()}
	d.metrics = monitoring.NewLuxMetrics(d.reg)

	opts := []bus.Option{bus.WithLogger(logger), bus.WithMetrics(d.metrics)}
	if cfg.Store.Path != "" {
		store, err := db.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		d.store = store
		opts = append(opts, bus.WithStore(store))
	}
	opts = append(opts, extra...)

	busCfg := cfg.BusConfig()
	b, err := bus.Open(ctx, busCfg, opts...)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.bus = b
	d.reg.MustRegister(monitoring.NewChannelCollector(b))

	d.raster, err = layout.NewRasterizer(busCfg.Devices, b)
	if err != nil {
		d.Close()
		return nil, err
	}
	if cfg.Bus.Canvas != "" {
		img, err := layout.LoadCanvas(cfg.Bus.Canvas)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.raster.SetCanvas(img)
		logger.Info("canvas loaded", zap.String("path", cfg.Bus.Canvas), zap.Stringer("bounds", img.Bounds()))
	}
	return d, nil
}

func (d *daemon) mux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	if d.cfg.Metrics.Enable {
		mux.Handle(d.cfg.Metrics.Path, monitoring.Handler(d.reg))
	}
	d.bus.AttachAdminRoutes(mux)
	if d.store != nil {
		if err := d.store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// run streams until ctx is done. SIGHUP requests a bus refresh.
func (d *daemon) run(ctx context.Context) error {
	var wg sync.WaitGroup

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-hup:
				d.log.Info("SIGHUP received, refreshing bus")
				d.bus.RequestRefresh()
			case <-ctx.Done():
				return
			}
		}
	}()

	if d.cfg.HTTP.Addr != "" {
		mux, err := d.mux()
		if err != nil {
			return err
		}
		server := &http.Server{Addr: d.cfg.HTTP.Addr, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					d.log.Error("HTTP server failed", zap.Error(err))
				}
			}()
			d.log.Info("HTTP server listening", zap.String("addr", d.cfg.HTTP.Addr))

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				d.log.Warn("HTTP server shutdown error", zap.Error(err))
				server.Close()
			}
		}()
	}

	err := d.bus.Run(ctx, d.raster, bus.RunOptions{
		FrameRate:        d.cfg.Bus.FrameRate,
		DiscoverInterval: d.cfg.Bus.DiscoverInterval,
	})
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *daemon) Close() error {
	var errs []error
	if d.bus != nil {
		errs = append(errs, d.bus.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("luxd"))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dumpConfig {
		if err := cfg.Dump(os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	logger, err := monitoring.InitLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()
	monitoring.UseZap(logger)
	logger.Info("starting", zap.String("version", version.Version), zap.String("git_sha", version.GitSHA))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer d.Close()

	if err := d.run(ctx); err != nil {
		logger.Error("bus stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("graceful shutdown complete")
}
