package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"

	"github.com/najoast/skein/config"
	"github.com/najoast/skein/core"
)

// recorder collects start and stop calls across services in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type testService struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
	health   error
}

func (s *testService) Name() string { return s.name }

func (s *testService) Start(context.Context) error {
	s.rec.add("start " + s.name)
	return s.startErr
}

func (s *testService) Stop(context.Context) error {
	s.rec.add("stop " + s.name)
	return s.stopErr
}

func (s *testService) Health(context.Context) (HealthStatus, error) {
	if s.health != nil {
		return HealthStatus{}, s.health
	}
	return HealthStatus{State: HealthHealthy}, nil
}

func quietLogger() *Logger {
	level := new(slog.LevelVar)
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level})),
		Level:  level,
	}
}

func TestLifecycleOrder(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycleManager(quietLogger().Logger)

	var events []string
	var evMu sync.Mutex
	lm.AddListener(func(e LifecycleEvent) {
		evMu.Lock()
		events = append(events, e.Type)
		evMu.Unlock()
	})
	lm.AddListener(func(LifecycleEvent) { panic("listener panics are contained") })

	require.NoError(t, lm.Register("db", &testService{name: "db", rec: rec}))
	require.NoError(t, lm.Register("api", &testService{name: "api", rec: rec}, "cache", "db"))
	require.NoError(t, lm.Register("cache", &testService{name: "cache", rec: rec}, "db"))

	ctx := context.Background()
	require.NoError(t, lm.Start(ctx))
	assert.True(t, lm.IsStarted())
	assert.Equal(t, []string{"db", "cache", "api"}, lm.StartOrder())
	assert.Error(t, lm.Start(ctx), "double start")
	assert.Error(t, lm.Register("late", &testService{name: "late", rec: rec}))

	require.NoError(t, lm.Stop(ctx))
	assert.NoError(t, lm.Stop(ctx), "stop is idempotent")

	assert.Equal(t, []string{
		"start db", "start cache", "start api",
		"stop api", "stop cache", "stop db",
	}, rec.list())

	evMu.Lock()
	defer evMu.Unlock()
	assert.Contains(t, events, EventLifecycleStarted)
	assert.Contains(t, events, EventLifecycleStopped)
	assert.Equal(t, EventServiceRegistered, events[0])
}

func TestLifecycleStartFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycleManager(quietLogger().Logger)
	boom := errors.New("boom")

	require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}))
	require.NoError(t, lm.Register("b", &testService{name: "b", rec: rec, startErr: boom}, "a"))
	require.NoError(t, lm.Register("c", &testService{name: "c", rec: rec}, "b"))

	err := lm.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "b", appErr.Service)

	assert.Equal(t, []string{"start a", "start b", "stop a"}, rec.list())
	assert.False(t, lm.IsStarted())
}

func TestLifecycleStopContinuesAfterError(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycleManager(quietLogger().Logger)

	require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}))
	require.NoError(t, lm.Register("b", &testService{name: "b", rec: rec, stopErr: errors.New("stuck")}, "a"))
	require.NoError(t, lm.Start(context.Background()))

	err := lm.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, rec.list())
}

func TestLifecycleDependencyErrors(t *testing.T) {
	rec := &recorder{}

	lm := NewLifecycleManager(nil)
	require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}, "missing"))
	assert.ErrorContains(t, lm.Start(context.Background()), "not registered")

	lm = NewLifecycleManager(nil)
	require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}, "b"))
	require.NoError(t, lm.Register("b", &testService{name: "b", rec: rec}, "a"))
	assert.ErrorContains(t, lm.Start(context.Background()), "circular")

	assert.Error(t, lm.Register("a", &testService{name: "a", rec: rec}), "duplicate")
	assert.Error(t, lm.Register("", &testService{name: "x", rec: rec}))
	assert.Error(t, lm.Register("nil", nil))
	assert.Empty(t, rec.list())
}

func TestLifecycleHealth(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycleManager(nil)
	require.NoError(t, lm.Register("ok", &testService{name: "ok", rec: rec}))
	require.NoError(t, lm.Register("bad", &testService{name: "bad", rec: rec, health: errors.New("disk full")}))

	health, err := lm.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health["ok"].State)
	assert.Equal(t, HealthUnhealthy, health["bad"].State)
	assert.Equal(t, "disk full", health["bad"].Message)
	assert.False(t, health["ok"].LastCheck.IsZero())
	assert.Equal(t, []string{"bad", "ok"}, lm.Services())
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := NewLogger(config.LogConfig{Level: config.LogLevelWarn, Format: "json", Output: path})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", "k", "v")
	l.Level.Set(slog.LevelDebug)
	l.Debug("now visible")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
	assert.Contains(t, out, "now visible")

	_, err = NewLogger(config.LogConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

func TestApplicationLocal(t *testing.T) {
	rec := &recorder{}
	app, err := New(config.DefaultConfig(),
		WithLogger(quietLogger()),
		WithService("worker", &testService{name: "worker", rec: rec}))
	require.NoError(t, err)
	assert.Nil(t, app.Gateway())

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	assert.Equal(t, []string{ServiceRuntime, "worker"}, app.Lifecycle().StartOrder())

	out := make(chan string, 1)
	addr, err := app.Runtime().Spawn(func() core.Behavior {
		return core.BehaviorFunc(func(_ *core.Context, env core.Envelope) core.Effect {
			out <- string(env.Payload)
			return core.Continue()
		})
	}, core.DefaultActorOptions())
	require.NoError(t, err)
	require.NoError(t, app.Runtime().Send(ctx, addr, []byte("hello")))
	assert.Equal(t, "hello", <-out)

	health, err := app.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health[ServiceRuntime].State)
	assert.Equal(t, 1, health[ServiceRuntime].Data["actors"])

	require.NoError(t, app.Shutdown(ctx))
	assert.Equal(t, []string{"start worker", "stop worker"}, rec.list())
	assert.ErrorIs(t, app.Runtime().Send(ctx, addr, nil), core.ErrRuntimeStopped)
}

func TestApplicationWithGateway(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Remote.Enabled = true
	cfg.Remote.NodeID = "node-a"
	cfg.Remote.BindAddr = fmt.Sprintf("127.0.0.1:%d", dynaport.Get(1)[0])

	app, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NotNil(t, app.Gateway())
	assert.Equal(t, "node-a", app.Runtime().Node())

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	assert.Equal(t, []string{ServiceRuntime, ServiceGateway}, app.Lifecycle().StartOrder())
	assert.Equal(t, cfg.Remote.BindAddr, app.Gateway().Addr())

	health, err := app.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health[ServiceGateway].State)
}

func TestApplicationRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Actor.MailboxSize = 0

	_, err := New(cfg, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidMailboxSize)
}

func TestApplicationRunStopsOnCancel(t *testing.T) {
	app, err := New(config.DefaultConfig(), WithLogger(quietLogger()), WithoutSignals())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.Lifecycle().IsStarted()
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, app.Lifecycle().IsStarted())
}

func TestApplicationReloadsLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skein.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	logger := quietLogger()
	app, err := Load(path, WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	assert.Contains(t, app.Lifecycle().StartOrder(), ServiceWatcher)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	require.Eventually(t, func() bool {
		return logger.Level.Level() == slog.LevelDebug
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApplicationErrorMessage(t *testing.T) {
	err := &ApplicationError{Operation: "start", Service: "gateway", Err: errors.New("port in use")}
	assert.True(t, strings.HasPrefix(err.Error(), "start failed for service gateway"))
	assert.Equal(t, "stop failed: x", (&ApplicationError{Operation: "stop", Err: errors.New("x")}).Error())
}
