package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/robertosilvah/rdtmgr/internal/config"
	"github.com/robertosilvah/rdtmgr/internal/gpio"
	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/metrics"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/mqtt"
	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/shift"
	"github.com/robertosilvah/rdtmgr/internal/status"
	"github.com/robertosilvah/rdtmgr/internal/store"
	"github.com/robertosilvah/rdtmgr/internal/web"
	"github.com/robertosilvah/rdtmgr/internal/ws"
)

const (
	statusInterval  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	gpioReport      = time.Second
)

func newServeCmd(configFile *string) *cobra.Command {
	var (
		broker    string
		port      int
		logLevel  string
		lines     string
		heartbeat time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the line processes, HTTP API and websocket hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			cfg, log, err := setup(*configFile, func(c *config.Config) error {
				if flags.Changed("broker") {
					c.MQTT.Broker = config.BrokerURL(broker)
				}
				if flags.Changed("port") {
					if port < 1 || port > 65535 {
						return fmt.Errorf("port %d out of range", port)
					}
					c.HTTP.Port = port
				}
				if flags.Changed("log-level") {
					c.Log.Level = logLevel
				}
				if flags.Changed("lines") {
					c.Process.LinesFile = lines
				}
				return nil
			})
			if err != nil {
				return err
			}
			return serve(cfg, log, heartbeat)
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker address (overrides config)")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "HTTP port (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	cmd.Flags().StringVar(&lines, "lines", "", "telemetry field mapping file (overrides config)")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 15*time.Minute, "heartbeat interval (0 to disable)")
	return cmd
}

func serve(cfg *config.Config, log *slog.Logger, heartbeat time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fields, err := loadFields(cfg.Process.LinesFile, log)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, fields, log)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	tracker := status.NewTracker(time.Now(), status.Config{
		Broker:        cfg.MQTT.Broker,
		HTTPAddr:      cfg.HTTP.Addr(),
		WSAddr:        cfg.HTTP.WSAddr(),
		Store:         storeName(cfg),
		SaveOnDB:      cfg.Database.Save,
		NotifyClients: cfg.Process.NotifyClients,
		StateTopic:    cfg.MQTT.StateTopic,
		Relay:         cfg.Redis.URL != "",
	})

	svc := process.NewService(st, log, process.Config{
		DefaultStandardID: cfg.Process.DefaultStandardID,
		Fields:            fields,
		DebugMessages:     cfg.Process.DebugMessages,
		Observer:          process.Observers(tracker, m),
	})
	defer svc.Close()

	client, err := mqtt.NewRealClient(mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		BufferSize:  cfg.MQTT.BufferSize,
		Logger:      log,
		OnReconnect: func() { m.BrokerConnected(true) },
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer client.Close()
	m.BrokerConnected(true)
	tracker.SetMQTTConnected(true)

	hub := ws.NewHub(log, hubObserver{tracker: tracker, metrics: m})
	go hub.Run(ctx)

	var sink ws.Sink = hub
	if cfg.Redis.URL != "" {
		relay, err := ws.NewRedisRelay(cfg.Redis.URL, cfg.Redis.Channel, hub, log)
		if err != nil {
			return fmt.Errorf("init relay: %w", err)
		}
		defer relay.Close()
		if err := relay.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("relay stopped", "error", err)
			}
		}()
		sink = relay
	}

	persister := process.NewPersister(st, svc, log, m, cfg.Database.Save)
	go persister.Run(ctx, svc.Segments()) //nolint:errcheck

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start lines: %w", err)
	}
	lines, err := svc.List(ctx)
	if err != nil {
		return fmt.Errorf("list lines: %w", err)
	}
	for _, l := range lines {
		if l.HasState {
			tracker.SetLine(l.Snapshot)
		} else {
			tracker.AddLine(l.Location)
		}
	}

	if err := client.Subscribe(mqtt.TopicTelemetry, telemetryHandler(ctx, svc, log)); err != nil {
		return fmt.Errorf("subscribe telemetry: %w", err)
	}

	if path := cfg.Process.LinesFile; path != "" {
		go func() {
			if err := config.WatchLines(ctx, path, log, svc.UpdateFields); err != nil {
				log.Warn("not watching lines file", "path", path, "error", err)
			}
		}()
	}

	if cfg.GPIO.Enabled {
		if err := startGPIO(ctx, cfg.GPIO, svc, log); err != nil {
			return err
		}
	}

	opts := web.Options{
		Tracker:  tracker,
		Lines:    retiringLines{Service: svc, metrics: m},
		Store:    st,
		Realtime: hub,
		Observer: m,
		Metrics:  m.Handler(),
		Logger:   log,
	}
	wsAddr := cfg.HTTP.WSAddr()
	if wsAddr == "" {
		opts.WS = hub
	}
	srv := web.New(cfg.HTTP.Addr(), opts)
	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", "addr", cfg.HTTP.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var wsSrv *http.Server
	if wsAddr != "" {
		wsSrv = &http.Server{Addr: wsAddr, Handler: hub, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("websocket listening", "addr", wsAddr)
			if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("websocket server: %w", err)
			}
		}()
	}

	startup := mqtt.SystemEvent{
		Timestamp:  time.Now(),
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(tracker.Snapshot(), "STARTUP", ""),
	}
	if err := mqtt.PublishSystem(client, startup); err != nil {
		log.Warn("publish startup event", "error", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	statusTick := time.NewTicker(statusInterval)
	defer statusTick.Stop()
	var hb <-chan time.Time
	if heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		hb = t.C
	}

	var push func(context.Context, process.Update) error
	if cfg.Process.NotifyClients {
		push = ws.NewBroadcaster(sink, log).Handle
	}

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- runLoop(ctx, loop{
			publisher:  client,
			conn:       client,
			tracker:    tracker,
			gauges:     m,
			push:       push,
			stateTopic: cfg.MQTT.StateTopic,
			now:        time.Now,
			log:        log,
		}, svc.Updates(), statusTick.C, hb, sig)
	}()

	select {
	case err = <-loopErr:
	case err = <-errCh:
		log.Error("listener failed, shutting down", "error", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if wsSrv != nil {
		if err := wsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("websocket shutdown", "error", err)
		}
	}
	return err
}

// loadFields reads the field mapping. A missing file leaves every line
// without fields until the file appears.
func loadFields(path string, log *slog.Logger) (map[int64]model.Fields, error) {
	if path == "" {
		return map[int64]model.Fields{}, nil
	}
	fields, err := config.LoadLines(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("lines file not found, no telemetry will be mapped", "path", path)
		return map[int64]model.Fields{}, nil
	}
	return fields, err
}

func storeName(cfg *config.Config) string {
	if cfg.Database.URL == "" {
		return "memory"
	}
	return "postgres"
}

// openStore connects to Postgres when a URL is configured. Otherwise the
// lines of the field mapping are created in memory with a three shift
// rotation and the default standard.
func openStore(ctx context.Context, cfg *config.Config, fields map[int64]model.Fields, log *slog.Logger) (store.Store, error) {
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return pg, nil
	}

	mem := store.NewMemory()
	if err := store.Seed(ctx, mem, memoryFixtures(fields, cfg.Process.DefaultStandardID)); err != nil {
		return nil, err
	}
	log.Warn("no database configured, using in-memory store", "lines", len(fields))
	return mem, nil
}

func memoryFixtures(fields map[int64]model.Fields, standardID int64) []store.Fixture {
	ids := make([]int64, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]store.Fixture, 0, len(ids))
	for i, id := range ids {
		f := store.Fixture{
			Location:   model.Location{ID: id, Name: fmt.Sprintf("Line %d", id), Enabled: true},
			Definition: shift.Definition{StartTime: shift.NewClock(6, 0, 0), Count: 3, Enabled: true},
			Product:    model.Product{ID: standardID, Name: "Default", Enabled: true},
		}
		// One standard row; every line falls back to it by id.
		if i == 0 {
			f.Standard = logic.Standard{ID: standardID, Value: 60, Unit: "pcs/h", Enabled: true}
		}
		out = append(out, f)
	}
	return out
}

func startGPIO(ctx context.Context, cfg config.GPIOConfig, svc *process.Service, log *slog.Logger) error {
	reader, err := gpio.NewRealReader(cfg.Chip, cfg.Pin)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	counter := gpio.NewPulseCounter(reader)
	emit := func(ctx context.Context, msg process.Message) error {
		return svc.DispatchTo(ctx, cfg.LocationID, msg)
	}
	go func() {
		defer reader.Close()
		err := counter.Run(ctx, cfg.SampleInterval, gpioReport, emit, func(err error) {
			log.Warn("gpio reading rejected", "location", cfg.LocationID, "error", err)
		})
		if err != nil {
			log.Error("gpio stopped", "error", err)
		}
	}()
	log.Info("gpio counter started", "chip", cfg.Chip, "pin", cfg.Pin, "location", cfg.LocationID)
	return nil
}

type dispatcher interface {
	Dispatch(ctx context.Context, raw map[string]any) error
}

// telemetryHandler feeds broker messages to the line processes.
func telemetryHandler(ctx context.Context, d dispatcher, log *slog.Logger) mqtt.Handler {
	return func(topic string, payload []byte) {
		raw, err := mqtt.ParseTelemetry(payload)
		if err != nil {
			log.Warn("invalid telemetry", "topic", topic, "error", err)
			return
		}
		if err := d.Dispatch(ctx, raw); err != nil {
			log.Warn("dispatch telemetry", "error", err)
		}
	}
}

// retiringLines drops the metric series of a line when it is retired.
type retiringLines struct {
	*process.Service
	metrics *metrics.Metrics
}

func (r retiringLines) Retire(id int64) bool {
	r.metrics.ForgetLine(id)
	return r.Service.Retire(id)
}

// hubObserver reports websocket clients to the status page and metrics.
type hubObserver struct {
	tracker *status.Tracker
	metrics *metrics.Metrics
}

func (o hubObserver) ClientsConnected(n int) {
	o.tracker.SetWSClients(n)
	o.metrics.ClientsConnected(n)
}

func (o hubObserver) ClientDropped() { o.metrics.ClientDropped() }
