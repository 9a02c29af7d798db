package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tutorwiseapp/cas/internal/breaker"
	"github.com/tutorwiseapp/cas/internal/checkpoint"
	"github.com/tutorwiseapp/cas/internal/config"
	"github.com/tutorwiseapp/cas/internal/engine"
	"github.com/tutorwiseapp/cas/internal/logging"
	"github.com/tutorwiseapp/cas/internal/orchestrator"
	"github.com/tutorwiseapp/cas/internal/scheduler"
	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/internal/transport"
	"github.com/tutorwiseapp/cas/internal/validation"
	casmcp "github.com/tutorwiseapp/cas/pkg/mcp"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

// daemon owns every long-lived component.
type daemon struct {
	mu  sync.Mutex
	cfg *config.Config

	level  *slog.LevelVar
	logger *slog.Logger
	logs   *logging.RingBuffer

	db    *store.LibSQLStore
	tr    transport.Transport
	sqlTr *transport.SQLTransport
	hub   *streaming.MemoryHub
	brk   *breaker.Breaker
	cp    *checkpoint.Checkpointer
	rt    engine.Runtime
	orch  *orchestrator.Orchestrator
	sched *scheduler.Scheduler
	mcp   *casmcp.Server
}

// newLogger builds the handler chain: correlation IDs, then the per-role
// ring buffer, then text or JSON output.
func newLogger(format string, level *slog.LevelVar, w io.Writer, logs *logging.RingBuffer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if format == "json" {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(logging.NewRingHandler(base, logs)))
}

// sqlDSN turns a plain file path into a libsql DSN.
func sqlDSN(path string) string {
	if strings.Contains(path, ":") {
		return path
	}
	return "file:" + path
}

// newDaemon opens the store and builds and starts every component except
// the MCP stdio loop. On error everything already opened is closed.
func newDaemon(ctx context.Context, cfg *config.Config, logOut io.Writer) (d *daemon, err error) {
	d = &daemon{cfg: cfg, level: new(slog.LevelVar)}
	d.level.Set(cfg.Level())
	d.logs = logging.NewRingBuffer(logging.DefaultRingSize, slog.LevelDebug)
	d.logger = newLogger(cfg.LogFormat, d.level, logOut, d.logs)
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if !strings.Contains(cfg.DBPath, ":") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	d.db, err = store.NewLibSQLStore(sqlDSN(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	if err := d.db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	envelopes, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	switch cfg.Transport.Kind {
	case "memory":
		d.tr = transport.NewMemoryTransport(envelopes)
	default:
		d.sqlTr = transport.NewSQLTransport(d.db.DB(), transport.SQLConfig{
			PollInterval:      cfg.Transport.PollInterval.Std(),
			VisibilityTimeout: cfg.Transport.VisibilityTimeout.Std(),
			Validator:         envelopes,
			Logger:            d.logger,
		})
		d.tr = d.sqlTr
	}

	d.hub = streaming.NewMemoryHub()
	d.brk = breaker.New(d.db, cfg.BreakerSettings(), breaker.WithLogger(d.logger), breaker.WithEventHub(d.hub))
	d.cp = checkpoint.New(d.db, d.logger)

	kind, err := engine.ParseKind(cfg.Engine)
	if err != nil {
		return nil, err
	}
	d.rt, err = engine.New(kind, engine.Deps{
		Transport:    d.tr,
		Store:        d.db,
		Checkpoints:  d.cp,
		Breaker:      d.brk,
		Hub:          d.hub,
		Validator:    envelopes,
		Logger:       d.logger,
		Logs:         d.logs,
		PollInterval: cfg.Transport.PollInterval.Std(),
		Parallelism:  cfg.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	if err := d.rt.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := d.registerAgents(ctx); err != nil {
		return nil, err
	}
	if cfg.WorkflowsDir != "" {
		defs, err := loadWorkflows(cfg.WorkflowsDir)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if err := d.rt.RegisterWorkflow(def); err != nil {
				return nil, fmt.Errorf("workflow %s: %w", def.Name, err)
			}
		}
	}

	d.orch, err = orchestrator.New(ctx, d.db, cfg.OrchestratorSettings(),
		orchestrator.WithExecutor(d.rt),
		orchestrator.WithLogger(d.logger),
		orchestrator.WithEventHub(d.hub),
	)
	if err != nil {
		return nil, err
	}

	d.sched = scheduler.NewScheduler(d.logger)
	targets := scheduler.Targets{Checkpoints: d.cp, History: d.db}
	if d.sqlTr != nil {
		targets.Events = d.sqlTr
	}
	if err := d.sched.AddRetention(cfg.RetentionSettings(), targets); err != nil {
		return nil, err
	}
	if err := d.sched.Start(ctx); err != nil {
		return nil, err
	}

	d.mcp = casmcp.NewServer(casmcp.ServerDeps{
		Orchestrator: d.orch,
		Breaker:      d.brk,
		Checkpoints:  d.cp,
		Hub:          d.hub,
		Logger:       d.logger,
	})
	return d, nil
}

// registerAgents hosts an in-process worker for every role that names one.
func (d *daemon) registerAgents(ctx context.Context) error {
	roles := make([]string, 0, len(d.cfg.Agents))
	for name := range d.cfg.Agents {
		roles = append(roles, name)
	}
	slices.Sort(roles)
	for _, name := range roles {
		a := d.cfg.Agents[name]
		w, err := builtinWorker(a.Worker)
		if err != nil {
			return fmt.Errorf("agents.%s: %w", name, err)
		}
		if w == nil {
			continue
		}
		err = d.rt.RegisterAgent(ctx, schema.Role(name), engine.AgentConfig{
			Worker:      w,
			Concurrency: a.Concurrency,
			Timeout:     a.Timeout.Std(),
			Guarded:     a.Guarded,
		})
		if err != nil {
			return fmt.Errorf("agents.%s: %w", name, err)
		}
	}
	return nil
}

// apply takes the parts of next that can change while running and warns
// about the rest.
func (d *daemon) apply(next *config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	diff := config.Compare(d.cfg, next)
	if diff.LogLevelChanged {
		d.level.Set(next.Level())
		d.logger.Info("log level changed", "level", next.LogLevel)
	}
	if diff.BreakerChanged {
		d.brk.SetConfig(next.BreakerSettings())
		d.logger.Info("breaker settings changed")
	}
	if len(diff.RestartNeeded) > 0 {
		d.logger.Warn("ignoring settings that need a restart", "fields", diff.RestartNeeded)
	}
	// Keep restart-only fields as running so the warning repeats only when
	// they change again.
	applied := *d.cfg
	applied.LogLevel = next.LogLevel
	applied.Breaker = next.Breaker
	d.cfg = &applied
}

// reload re-reads the settings file, as on SIGHUP.
func (d *daemon) reload(path string) {
	next, err := config.Load(path)
	if err != nil {
		d.logger.Warn("settings reload failed, keeping previous configuration", "error", err)
		return
	}
	d.apply(next)
}

// close stops components in reverse start order. It tolerates a partly
// built daemon.
func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.sched != nil {
		_ = d.sched.Stop()
	}
	if d.orch != nil {
		d.orch.Close()
	}
	if d.rt != nil {
		if err := d.rt.Shutdown(ctx); err != nil {
			d.logger.Warn("runtime shutdown", "error", err)
		}
	}
	if d.tr != nil {
		_ = d.tr.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}

// serve runs the daemon until ctx is done or the MCP client disconnects.
func serve(ctx context.Context, settingsPath string, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := newDaemon(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer d.close()

	removePID, err := writePIDFile(pidPath())
	if err != nil {
		d.logger.Warn("pid file not written; reload by signal is unavailable", "error", err)
	} else {
		defer removePID()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := config.Watch(ctx, settingsPath, cfg, d.logger, func(next *config.Config, _ config.Diff) {
			d.apply(next)
		}); err != nil {
			d.logger.Warn("settings watch stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				d.logger.Info("SIGHUP received, reloading settings")
				d.reload(settingsPath)
			}
		}
	}()
	go func() {
		defer wg.Done()
		if err := d.mcp.ForwardEvents(ctx); err != nil {
			d.logger.Warn("event forwarding stopped", "error", err)
		}
	}()

	d.logger.Info("casd started",
		"version", version,
		"engine", cfg.Engine,
		"transport", cfg.Transport.Kind,
		"db", cfg.DBPath,
	)
	err = d.mcp.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	d.logger.Info("casd stopping")
	return nil
}
