package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gpusched/internal/common/fsutil"
	"gpusched/internal/config"
	"gpusched/internal/device"
	"gpusched/internal/httpapi"
	"gpusched/internal/logging"
	"gpusched/internal/resilience"
	"gpusched/internal/scheduler"
	"gpusched/internal/telemetry"
	"gpusched/internal/tracing"
	"gpusched/pkg/types"
)

const serviceName = "gpusched"

func newServeCmd() *cobra.Command {
	var (
		cfgPath string
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its HTTP API",
		Example: "  gpusched serve --config gpusched.yaml\n" +
			"  GPUSCHED_ADDR=:9090 gpusched serve",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Config file (yaml, json or toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, overrides server.addr")
	return cmd
}

// configSearchPath is consulted in order when --config is not given.
var configSearchPath = []string{
	"gpusched.yaml",
	"~/.config/gpusched/config.yaml",
	"/etc/gpusched/config.yaml",
}

// loadConfig reads path (or the first file on the search path, or defaults),
// applies the environment and validates the result.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path == "" {
		path = fsutil.FirstFile(append([]string{os.Getenv("GPUSCHED_CONFIG")}, configSearchPath...)...)
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.LoggingConfig(), serviceName)
	shutdownTracing, err := tracing.Init(ctx, cfg.TracingConfig(), serviceName)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	return a.run(ctx, ln)
}

// app is the wired process: registry, scheduler, telemetry and HTTP.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	reg     *device.Registry
	sched   *scheduler.Scheduler
	hub     *httpapi.Hub
	poller  *telemetry.Poller
	mqtt    *telemetry.MQTTSubscriber
	influx  *telemetry.InfluxSink
	handler http.Handler
	baseCtx context.Context
	cancel  context.CancelFunc
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	a.baseCtx, a.cancel = context.WithCancel(context.Background())

	a.reg = device.NewRegistry(cfg.DeviceConfig(), device.WithLogger(log))
	src, err := buildSource(cfg, log)
	if err != nil {
		a.reg.Close()
		return nil, err
	}
	ids, err := a.reg.Discover(ctx, src)
	if err != nil {
		// an unreachable monitor is not fatal; the poller keeps trying
		log.Warn().Err(err).Msg("initial device discovery failed")
	}
	log.Info().Strs("devices", ids).Msg("device discovery complete")
	a.poller = telemetry.NewPoller(src, a.reg, cfg.Devices.RefreshInterval.Std(), log)

	a.hub = httpapi.NewHub(log)
	pubs := scheduler.MultiPublisher{a.hub}
	a.influx, err = telemetry.ConnectInflux(ctx, cfg.InfluxConfig(), log)
	switch {
	case err == nil:
		pubs = append(pubs, a.influx)
	case errors.Is(err, telemetry.ErrDisabled):
	default:
		log.Warn().Err(err).Msg("influx export disabled")
	}
	if cfg.Telemetry.MQTT.Enabled {
		a.mqtt = telemetry.NewMQTTSubscriber(cfg.MQTTConfig(), a.reg, log)
	}

	a.sched = scheduler.New(cfg.SchedulerConfig(), a.reg,
		scheduler.WithLogger(log),
		scheduler.WithPublisher(pubs),
		scheduler.WithExecutor(buildExecutor(cfg)),
	)

	reqLog := log.With().Str("component", "http").Logger()
	a.handler = httpapi.NewMux(a.sched, a.reg, httpapi.Options{
		Logger:           &reqLog,
		RequestLogLevel:  cfg.Log.Level,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		CORSOrigins:      cfg.Server.CORSOrigins,
		SubmitRatePerSec: cfg.Server.SubmitRatePerSec,
		SubmitBurst:      cfg.Server.SubmitBurst,
		BaseContext:      a.baseCtx,
		Hub:              a.hub,
		StartedAt:        time.Now(),
	})
	return a, nil
}

func buildSource(cfg config.Config, log zerolog.Logger) (device.Source, error) {
	switch cfg.Telemetry.Source {
	case "http":
		return telemetry.NewHTTPSource(cfg.Telemetry.URL,
			telemetry.WithTimeout(cfg.Resilience.CallTimeout.Std()),
			telemetry.WithRetry(cfg.RetryPolicy()),
			telemetry.WithBreaker(resilience.NewBreaker("telemetry:http", cfg.BreakerConfig())),
			telemetry.WithSourceLogger(log),
		), nil
	default:
		inv := append([]types.DeviceMetrics(nil), cfg.Devices.Inventory...)
		if cfg.Telemetry.InventoryFile != "" {
			more, err := config.LoadInventoryFile(cfg.Telemetry.InventoryFile)
			if err != nil {
				return nil, err
			}
			inv = append(inv, more...)
		}
		return telemetry.StaticSource(telemetry.ToMetricsList(inv)), nil
	}
}

func buildExecutor(cfg config.Config) scheduler.Executor {
	if cfg.Executor.Mode == "http" {
		return &scheduler.HTTPExecutor{BaseURL: cfg.Executor.URL, DeviceURLs: cfg.Executor.DeviceURLs}
	}
	return &scheduler.SimExecutor{Scale: cfg.Executor.SimScale}
}

// run serves on ln and supervises the background loops until ctx is done or
// one of them fails, then shuts everything down.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}

	g.Go(func() error { return a.sched.Run(gctx) })
	g.Go(func() error { return a.reg.RunHealthLoop(gctx) })
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.hub.Run(gctx) })
	if a.mqtt != nil {
		g.Go(func() error {
			// telemetry push is optional; polling keeps devices fresh without it
			if err := a.mqtt.Run(gctx); err != nil {
				a.log.Warn().Err(err).Msg("mqtt telemetry unavailable")
			}
			return nil
		})
	}
	if a.influx != nil {
		g.Go(func() error {
			return a.influx.RunDeviceExport(gctx, a.reg, a.cfg.Telemetry.Influx.ExportInterval.Std())
		})
	}
	g.Go(func() error {
		a.log.Info().Str("addr", ln.Addr().String()).Msg("gpusched listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.log.Warn().Err(err).Msg("graceful shutdown error")
		}
		a.close(sctx)
		return nil
	})

	err := g.Wait()
	a.log.Info().Msg("gpusched stopped")
	return err
}

// close releases everything newApp built. The scheduler goes first so its
// final events still reach the sinks.
func (a *app) close(ctx context.Context) {
	a.cancel()
	if err := a.sched.Close(ctx); err != nil {
		a.log.Warn().Err(err).Msg("scheduler close")
	}
	a.hub.Close()
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.influx != nil {
		a.influx.Close()
	}
	a.reg.Close()
}
