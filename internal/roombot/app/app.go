// Package app wires roombot together and runs its event loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/roombot/internal/roombot/audit"
	"github.com/bdobrica/roombot/internal/roombot/commands"
	"github.com/bdobrica/roombot/internal/roombot/config"
	"github.com/bdobrica/roombot/internal/roombot/health"
	"github.com/bdobrica/roombot/internal/roombot/matrix"
	"github.com/bdobrica/roombot/internal/roombot/metrics"
	"github.com/bdobrica/roombot/internal/roombot/muc"
	"github.com/bdobrica/roombot/internal/roombot/store"
)

// Transport is a chat service that also delivers inbound messages.
type Transport interface {
	muc.Service
	// Connect authenticates and joins the home room.
	Connect(ctx context.Context) error
	// Run receives events until ctx is cancelled.
	Run(ctx context.Context) error
	Messages() <-chan muc.Message
}

// App is the running bot.
type App struct {
	cfg       config.Config
	store     *store.Store
	transport Transport
	session   *commands.Session
	router    *commands.Router
	monitor   *health.Monitor
	health    *HealthServer
	// auditRoom receives audit notices; "" when notices are off.
	auditRoom string
}

// New opens the database, creates the Matrix client and wires every
// component.
func New(cfg config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	session := commands.NewSession(cfg.Alias, cfg.HomeRoom(), cfg.ReplayWindow)

	slog.Info("connecting to Matrix", "homeserver", cfg.Server, "type", cfg.HomeserverType)
	client, err := matrix.New(matrix.Config{
		Homeserver:     cfg.Server,
		HomeserverType: cfg.HomeserverType,
		Identity:       cfg.JID,
		Password:       cfg.Pass,
		AccessToken:    cfg.AccessToken,
		HomeRoom:       cfg.HomeRoom(),
		ConfDomain:     cfg.ConfDomain,
		DB:             st.DB(),
		OnSessionStart: session.MarkJoined,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	return Assemble(cfg, st, client, session), nil
}

// Assemble wires the command engine, the health monitor and the status
// server around an existing store and transport.
func Assemble(cfg config.Config, st *store.Store, tr Transport, session *commands.Session) *App {
	norm := cfg.Normalizer()

	var auditRoom string
	notifiers := audit.Multi{audit.NewJournal(st)}
	if cfg.AuditRoom != "" {
		auditRoom = norm.Room(cfg.AuditRoom)
		notifiers = append(notifiers, audit.NewRoomNotifier(tr, auditRoom))
	}

	router := commands.NewRouter(commands.RouterConfig{
		Session:   session,
		Allowlist: commands.NewAllowlist(cfg.AdminIdentities()),
		Parser:    commands.Parser{Normalizer: norm},
		Handlers: commands.NewHandlers(commands.HandlersConfig{
			MUC:    tr,
			Nick:   cfg.Alias,
			Settle: cfg.Settle(),
		}),
		Resolver: tr,
		Replies:  commands.NewReplies(tr),
		Notifier: notifiers,
	})

	monCfg := health.MonitorConfig{
		Rooms:    cfg.ProbeRooms(),
		Interval: cfg.ProbeInterval,
		Pinger:   tr,
		Recorder: st,
	}
	if cfg.GraphiteAddr != "" {
		monCfg.Sink = metrics.NewGraphite(cfg.GraphiteAddr, metrics.DefaultTimeout)
	} else {
		slog.Warn("graphite_addr is empty; probe results are not exported")
	}
	monitor := health.NewMonitor(monCfg)

	a := &App{
		cfg:       cfg,
		store:     st,
		transport: tr,
		session:   session,
		router:    router,
		monitor:   monitor,
		auditRoom: auditRoom,
	}
	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, st, monitor)
	}
	return a
}

// Run connects, starts the sync goroutine and runs the event loop until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	if err := a.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	a.session.MarkJoined(time.Now())

	if a.auditRoom != "" {
		if err := a.transport.Join(ctx, a.auditRoom, a.session.Nick); err != nil {
			slog.Warn("failed to join audit room; notices will not be delivered", "room", a.auditRoom, "err", err)
		}
	}

	syncErr := make(chan error, 1)
	go func() { syncErr <- a.transport.Run(ctx) }()

	var ticks <-chan time.Time
	if rooms := a.monitor.Rooms(); len(rooms) > 0 {
		ticker := time.NewTicker(a.monitor.Interval())
		defer ticker.Stop()
		ticks = ticker.C
		slog.Info("health monitor running", "rooms", rooms, "interval", a.monitor.Interval())
	}

	slog.Info("roombot is running", "room", a.session.HomeRoom, "nick", a.session.Nick)
	a.loop(ctx, a.transport.Messages(), ticks)

	cancel()
	if err := <-syncErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("shutting down")
	return nil
}

// loop handles commands and probe ticks one at a time, in arrival order.
func (a *App) loop(ctx context.Context, msgs <-chan muc.Message, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			a.router.Handle(ctx, msg)
		case <-ticks:
			a.monitor.Tick(ctx)
		}
	}
}

// Close releases the database.
func (a *App) Close() {
	slog.Info("closing database")
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close database", "err", err)
	}
}
