package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/atomic"
)

const instrumentationName = "github.com/najoast/skein/core"

// EventKind identifies a lifecycle event.
type EventKind uint8

const (
	EventSpawn EventKind = iota
	EventDeliver
	EventFail
	EventRestart
	EventStop
	EventDeadLetter
	EventSupervisionExhausted
	EventNodeDown
	EventNodeUp
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventSpawn:
		return "spawn"
	case EventDeliver:
		return "deliver"
	case EventFail:
		return "fail"
	case EventRestart:
		return "restart"
	case EventStop:
		return "stop"
	case EventDeadLetter:
		return "dead_letter"
	case EventSupervisionExhausted:
		return "supervision_exhausted"
	case EventNodeDown:
		return "node_down"
	case EventNodeUp:
		return "node_up"
	default:
		return "unknown"
	}
}

// Event is published to subscribers for every lifecycle transition.
type Event struct {
	Kind    EventKind
	Address Address
	Phase   Phase
	Node    string
	Reason  error
	Time    time.Time
}

// observer fans lifecycle events out to tracing, metrics, the logger and
// subscribers.
type observer struct {
	logger  *slog.Logger
	tracing bool
	tracer  trace.Tracer
	counter metric.Int64Counter

	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextSub uint64
	nsubs   *atomic.Int32
	closed  bool
	dropped *atomic.Uint64
}

func newObserver(opts Options) (*observer, error) {
	tp := opts.TracerProvider
	mp := opts.MeterProvider
	if opts.Tracing {
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
	} else {
		tp = tracenoop.NewTracerProvider()
		if mp == nil {
			mp = metricnoop.NewMeterProvider()
		}
	}

	counter, err := mp.Meter(instrumentationName).Int64Counter("skein.actor.lifecycle",
		metric.WithDescription("Actor lifecycle events by kind"))
	if err != nil {
		return nil, err
	}

	return &observer{
		logger:  opts.Logger,
		tracing: opts.Tracing,
		tracer:  tp.Tracer(instrumentationName),
		counter: counter,
		subs:    make(map[uint64]chan Event),
		nsubs:   atomic.NewInt32(0),
		dropped: atomic.NewUint64(0),
	}, nil
}

func (o *observer) emit(ev Event) {
	ev.Time = time.Now()
	ctx := context.Background()
	kind := ev.Kind.String()

	if o.tracing {
		_, span := o.tracer.Start(ctx, "actor."+kind, trace.WithAttributes(
			attribute.String("actor.address", ev.Address.String()),
			attribute.String("actor.phase", ev.Phase.String()),
			attribute.String("actor.event", kind),
		))
		if ev.Reason != nil {
			span.RecordError(ev.Reason)
			span.SetStatus(codes.Error, ev.Reason.Error())
		}
		span.End()
	}
	o.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("actor.event", kind)))

	level := slog.LevelDebug
	switch ev.Kind {
	case EventFail, EventSupervisionExhausted, EventNodeDown:
		level = slog.LevelWarn
	}
	if o.logger.Enabled(ctx, level) {
		attrs := []any{"address", ev.Address.String(), "phase", ev.Phase.String()}
		if ev.Node != "" {
			attrs = append(attrs, "node", ev.Node)
		}
		if ev.Reason != nil {
			attrs = append(attrs, "err", ev.Reason)
		}
		o.logger.Log(ctx, level, "actor "+kind, attrs...)
	}

	o.publish(ev)
}

// delivered is the per-envelope hook. It costs nothing unless someone is
// listening.
func (o *observer) delivered(c *cell, env Envelope) {
	if !o.tracing && o.nsubs.Load() == 0 && !o.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	o.emit(Event{Kind: EventDeliver, Address: c.addr, Phase: c.Phase()})
}

func (o *observer) publish(ev Event) {
	if o.nsubs.Load() == 0 {
		return
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			o.dropped.Inc()
		}
	}
}

func (o *observer) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.nsubs.Inc()
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				o.nsubs.Dec()
				close(c)
			}
		})
	}
}

func (o *observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.nsubs.Store(0)
}
