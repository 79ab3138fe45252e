package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/config"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/database"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/logging"
	ins "github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/plm"
	"github.com/nerrad567/insteon-bridge/internal/scenes"
	"github.com/nerrad567/insteon-bridge/migrations"
)

// stack is the modem side of the bridge: database, link, send engine,
// registry and scene syncer. It is shared by run, sync and import-scenes.
type stack struct {
	cfg *config.Config
	log *logging.Logger

	db       *database.DB
	influx   *influxdb.Client
	link     *plm.Link
	engine   *plm.Engine
	registry *device.Registry
	syncer   *scenes.Syncer

	group   *errgroup.Group
	cancel  context.CancelFunc
	closers []func()
}

// linkWriter hands engine writes to the link once it is open. The engine
// is built before the link because the link's decoder consults the
// registry, which needs the engine.
type linkWriter struct {
	link atomic.Pointer[plm.Link]
}

func (w *linkWriter) WriteFrame(ctx context.Context, frame []byte) error {
	l := w.link.Load()
	if l == nil {
		return &ins.LinkDownError{Err: plm.ErrNotConnected}
	}
	return l.WriteFrame(ctx, frame)
}

// openDatabase opens the SQLite database and applies migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)
	return db, nil
}

// openStack connects to the modem and brings up every modem-side
// component. The send engine runs until Close.
//
// Parameters:
//   - ctx: Context for startup; cancelling it also stops the engine
//   - cfg: Loaded configuration
//   - log: Root logger
//
// Returns:
//   - *stack: Running stack; call Close when done
//   - error: If any component fails to start
func openStack(ctx context.Context, cfg *config.Config, log *logging.Logger) (_ *stack, err error) {
	s := &stack{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.db, err = openDatabase(ctx, cfg, log); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() {
		log.Info("closing database")
		if closeErr := s.db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	})

	var observer plm.Observer
	var telemetry *influxdb.Telemetry
	if cfg.InfluxDB.Enabled {
		if s.influx, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID); err != nil {
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		s.closers = append(s.closers, func() {
			log.Info("closing InfluxDB connection")
			if closeErr := s.influx.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		})
		s.influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxdb.NewTelemetry(s.influx)
		observer = telemetry
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	writer := &linkWriter{}
	s.engine = plm.NewEngine(plm.EngineOptions{
		Config:   cfg.EngineConfig(),
		Writer:   writer,
		Logger:   log.Component("plm"),
		Observer: observer,
	})
	s.registry = device.NewRegistry(device.RegistryOptions{
		Sender:     s.engine,
		Cache:      linkdb.NewSQLiteCache(s.db.DB),
		Repository: device.NewSQLiteRepository(s.db.DB),
		Engine:     s.engine,
		Logger:     log.Component("device"),
	})

	s.link, err = plm.OpenLink(ctx, cfg.LinkConfig(), nil, ins.DecodeOptions{
		Scheme: s.registry.InboundChecksum,
	})
	if err != nil {
		return nil, fmt.Errorf("opening modem link: %w", err)
	}
	s.link.SetLogger(log.Component("link"))
	s.link.SetOnFrame(s.engine.HandleFrame)
	s.link.SetOnState(func(connected bool) {
		s.engine.SetLinkUp(connected)
		if telemetry != nil {
			telemetry.LinkState(connected)
		}
	})
	writer.link.Store(s.link)
	s.closers = append(s.closers, func() {
		log.Info("closing modem link")
		if closeErr := s.link.Close(); closeErr != nil {
			log.Error("error closing modem link", "error", closeErr)
		}
	})
	log.Info("modem link open", "type", cfg.Modem.Type)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)
	s.group.Go(func() error {
		if runErr := s.engine.Run(runCtx); !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	})

	if err = s.loadNetwork(ctx); err != nil {
		return nil, err
	}

	s.syncer = scenes.NewSyncer(scenes.SyncerOptions{
		Network:     s.registry,
		Path:        cfg.Scenes.File,
		Parallelism: cfg.Scenes.Parallelism,
		Logger:      log.Component("scenes"),
	})
	return s, nil
}

// loadNetwork registers the modem and every configured or remembered
// device, identifies the modem when its address is unknown, and loads the
// cached link tables.
func (s *stack) loadNetwork(ctx context.Context) error {
	modemAddr, _ := s.cfg.ModemAddress()
	s.registry.SetModem(device.Info{Address: modemAddr, Name: "modem", IsModem: true})

	infos, err := s.cfg.DeviceInfos()
	if err != nil {
		return fmt.Errorf("reading devices: %w", err)
	}
	for _, info := range infos {
		if _, err := s.registry.Add(ctx, info); err != nil {
			return fmt.Errorf("registering %s: %w", info.Address, err)
		}
	}
	if err := s.registry.LoadRepository(ctx); err != nil {
		return err
	}

	modem := s.registry.Modem()
	if modem.Addr().IsZero() {
		info, err := modem.Identify(ctx)
		if err != nil {
			return fmt.Errorf("identifying modem: %w", err)
		}
		if err := s.registry.PersistModem(ctx); err != nil {
			s.log.Warn("storing modem identity failed", "error", err)
		}
		s.log.Info("modem address learned", "address", info.Address.String())
	}

	// A missing or damaged cache only means the first command against a
	// device downloads its table.
	if err := s.registry.LoadCache(ctx); err != nil {
		s.log.Warn("link cache incomplete", "error", err)
	}
	s.log.Info("network loaded",
		"modem", modem.Addr().String(),
		"devices", len(s.registry.Devices()),
	)
	return nil
}

// Close stops the engine and releases everything in reverse order of
// opening. Safe to call on a partially opened stack.
func (s *stack) Close() {
	if s.cancel != nil {
		s.cancel()
		if err := s.group.Wait(); err != nil {
			s.log.Error("send engine stopped with error", "error", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// nodeName returns a device's configured name, or its address when it has
// none.
func (s *stack) nodeName(addr ins.Address) string {
	if n, err := s.registry.Node(addr); err == nil && n.Name() != "" {
		return n.Name()
	}
	return addr.String()
}
