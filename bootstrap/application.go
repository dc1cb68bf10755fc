package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/najoast/skein/cluster"
	"github.com/najoast/skein/config"
	"github.com/najoast/skein/core"
)

// Service names registered by the application itself
const (
	ServiceRuntime = "runtime"
	ServiceGateway = "gateway"
	ServiceWatcher = "config-watcher"
)

type options struct {
	configFile string
	watch      bool
	logger     *Logger
	signals    bool
	services   []registration
}

type registration struct {
	name    string
	service Service
	deps    []string
}

// Option configures an Application
type Option func(*options)

// WithConfigFile watches file for changes; log level changes are applied
// without a restart.
func WithConfigFile(file string) Option {
	return func(o *options) {
		o.configFile = file
		o.watch = true
	}
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithoutSignals stops Run from reacting to SIGINT and SIGTERM.
func WithoutSignals() Option {
	return func(o *options) {
		o.signals = false
	}
}

// WithService registers a user service. It always starts after the
// runtime and, when enabled, the gateway.
func WithService(name string, service Service, deps ...string) Option {
	return func(o *options) {
		o.services = append(o.services, registration{name: name, service: service, deps: deps})
	}
}

// Application owns a runtime, an optional gateway and the services that
// run on them.
type Application struct {
	cfg       *config.Config
	logger    *Logger
	ownLogger bool
	runtime   *core.Runtime
	gateway   *cluster.Gateway
	watcher   *config.Watcher
	lifecycle *DefaultLifecycleManager
	signals   bool

	mu      sync.Mutex
	running bool
}

// Load reads file (or searches the default locations when file is empty)
// and builds an Application from it.
func Load(file string, opts ...Option) (*Application, error) {
	loader := config.NewLoader()

	var (
		cfg *config.Config
		err error
	)
	if file == "" {
		cfg, err = loader.AutoLoad()
	} else {
		cfg, err = loader.LoadFromFile(file)
		opts = append([]Option{WithConfigFile(file)}, opts...)
	}
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// New builds the logger, runtime and gateway described by cfg. The runtime
// accepts spawns immediately; the gateway listens only after Start.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	o := options{signals: true}
	for _, opt := range opts {
		opt(&o)
	}

	app := &Application{cfg: cfg, signals: o.signals, logger: o.logger}
	if app.logger == nil {
		l, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Service: "logger", Err: err}
		}
		app.logger = l
		app.ownLogger = true
	}
	log := app.logger.With("app", cfg.App.Name)
	app.lifecycle = NewLifecycleManager(log)

	if err := app.build(o, log); err != nil {
		if app.watcher != nil {
			_ = app.watcher.Stop()
		}
		app.release()
		return nil, err
	}
	return app, nil
}

func (app *Application) build(o options, log *slog.Logger) error {
	rtOpts, err := app.cfg.RuntimeOptions()
	if err != nil {
		return &ApplicationError{Operation: "configure", Service: ServiceRuntime, Err: err}
	}
	rtOpts.Logger = log
	app.runtime, err = core.NewRuntime(rtOpts)
	if err != nil {
		return &ApplicationError{Operation: "configure", Service: ServiceRuntime, Err: err}
	}
	if err := app.lifecycle.Register(ServiceRuntime, &runtimeService{app: app}); err != nil {
		return err
	}

	base := []string{ServiceRuntime}
	if app.cfg.Remote.Enabled {
		gwOpts, err := app.cfg.GatewayOptions()
		if err != nil {
			return &ApplicationError{Operation: "configure", Service: ServiceGateway, Err: err}
		}
		gwOpts.Logger = log
		app.gateway, err = cluster.NewGateway(app.runtime, gwOpts)
		if err != nil {
			return &ApplicationError{Operation: "configure", Service: ServiceGateway, Err: err}
		}
		if err := app.lifecycle.Register(ServiceGateway, &gatewayService{gw: app.gateway}, ServiceRuntime); err != nil {
			return err
		}
		base = append(base, ServiceGateway)
	}

	if o.watch && o.configFile != "" {
		app.watcher, err = config.NewWatcher(o.configFile, config.NewLoader(), log)
		if err != nil {
			return &ApplicationError{Operation: "configure", Service: ServiceWatcher, Err: err}
		}
		app.watcher.OnConfigChange(app.applyConfig)
		if err := app.lifecycle.Register(ServiceWatcher, &watcherService{w: app.watcher}); err != nil {
			return err
		}
	}

	for _, r := range o.services {
		deps := append(append([]string(nil), base...), r.deps...)
		if err := app.lifecycle.Register(r.name, r.service, deps...); err != nil {
			return err
		}
	}
	return nil
}

// applyConfig applies the settings that can change at runtime. Anything
// else needs a restart and is only logged.
func (app *Application) applyConfig(old, cfg *config.Config) {
	if old.Log.Level != cfg.Log.Level && app.logger.Level != nil {
		app.logger.Level.Set(cfg.Log.Level.SlogLevel())
		app.logger.Info("log level changed", "from", old.Log.Level, "to", cfg.Log.Level)
	}
	if old.Actor != cfg.Actor || old.Supervision != cfg.Supervision {
		app.logger.Warn("actor settings changed; restart to apply")
	}
}

// Config returns the configuration the application was built from
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Logger returns the application logger
func (app *Application) Logger() *Logger {
	return app.logger
}

// Runtime returns the actor runtime
func (app *Application) Runtime() *core.Runtime {
	return app.runtime
}

// Gateway returns the gateway, or nil when remote is disabled
func (app *Application) Gateway() *cluster.Gateway {
	return app.gateway
}

// Lifecycle returns the lifecycle manager
func (app *Application) Lifecycle() *DefaultLifecycleManager {
	return app.lifecycle
}

// Health reports every registered service
func (app *Application) Health(ctx context.Context) (map[string]HealthStatus, error) {
	return app.lifecycle.Health(ctx)
}

// Start starts all services
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.running {
		return errors.New("application is already running")
	}
	if err := app.lifecycle.Start(ctx); err != nil {
		return err
	}
	app.running = true
	app.logger.Info("application started",
		"name", app.cfg.App.Name,
		"version", app.cfg.App.Version,
		"environment", app.cfg.App.Environment.String(),
		"node", app.runtime.Node(),
		"services", app.lifecycle.StartOrder())
	return nil
}

// Run starts the application and blocks until ctx is done or, unless
// disabled, SIGINT or SIGTERM arrives. It then shuts down.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	if app.signals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}
	<-ctx.Done()
	app.logger.Info("shutting down", "cause", context.Cause(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// Shutdown stops all services in reverse order and releases the logger.
// An application that was never started only releases its runtime.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if !app.running {
		app.release()
		return nil
	}
	app.running = false

	err := app.lifecycle.Stop(ctx)
	app.logger.Info("application stopped", "err", err)
	app.release()
	return err
}

func (app *Application) shutdownTimeout() time.Duration {
	if d := app.cfg.Actor.ShutdownTimeout.D(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// release stops whatever the lifecycle did not. Both Stop and Shutdown
// are no-ops the second time.
func (app *Application) release() {
	ctx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
	defer cancel()

	if app.gateway != nil {
		_ = app.gateway.Stop(ctx)
	}
	if app.runtime != nil {
		_ = app.runtime.Shutdown(ctx)
	}
	if app.ownLogger {
		_ = app.logger.Close()
	}
}

type runtimeService struct {
	app *Application
}

func (s *runtimeService) Name() string { return ServiceRuntime }

func (s *runtimeService) Start(context.Context) error { return nil }

func (s *runtimeService) Stop(ctx context.Context) error {
	return s.app.runtime.Shutdown(ctx)
}

func (s *runtimeService) Health(context.Context) (HealthStatus, error) {
	st := s.app.runtime.Stats()
	return HealthStatus{
		State:   HealthHealthy,
		Message: "runtime running",
		Data: map[string]interface{}{
			"actors":       st.Actors,
			"workers":      st.Workers,
			"busy_workers": st.BusyWorkers,
			"ready_queue":  st.ReadyQueue,
			"dead_letters": st.DeadLetters,
		},
	}, nil
}

type gatewayService struct {
	gw *cluster.Gateway
}

func (s *gatewayService) Name() string { return ServiceGateway }

func (s *gatewayService) Start(ctx context.Context) error { return s.gw.Start(ctx) }

func (s *gatewayService) Stop(ctx context.Context) error { return s.gw.Stop(ctx) }

// Health is unhealthy while any configured peer is failed.
func (s *gatewayService) Health(context.Context) (HealthStatus, error) {
	peers := s.gw.Peers()
	status := HealthStatus{
		State:   HealthHealthy,
		Message: "gateway running",
		Data: map[string]interface{}{
			"addr":       s.gw.Addr(),
			"peers":      peers,
			"statistics": s.gw.Statistics(),
		},
	}
	for _, p := range peers {
		if p.State == cluster.NodeStateFailed {
			status.State = HealthUnhealthy
			status.Message = "peer " + string(p.ID) + " unreachable"
			break
		}
	}
	return status, nil
}

type watcherService struct {
	w *config.Watcher
}

func (s *watcherService) Name() string { return ServiceWatcher }

func (s *watcherService) Start(context.Context) error { return s.w.Start() }

func (s *watcherService) Stop(context.Context) error { return s.w.Stop() }

func (s *watcherService) Health(context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy, Message: "watching configuration"}, nil
}
