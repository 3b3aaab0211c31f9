package kernel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"kproc/pkg/signal"
)

const instrumentationScope = "kproc/kernel"

// metrics are the kernel's counters. Instruments that fail to build are
// replaced by no-ops inside the SDK, so errors are dropped.
type metrics struct {
	clones     metric.Int64Counter
	execs      metric.Int64Counter
	exits      metric.Int64Counter
	sent       metric.Int64Counter
	delivered  metric.Int64Counter
	futexWaits metric.Int64Counter
	futexWakes metric.Int64Counter
}

func newMetrics(m metric.Meter) *metrics {
	clones, _ := m.Int64Counter("kproc.clones",
		metric.WithDescription("Threads and processes created by clone"),
	)
	execs, _ := m.Int64Counter("kproc.execs",
		metric.WithDescription("Successful execve calls"),
	)
	exits, _ := m.Int64Counter("kproc.exits",
		metric.WithDescription("Processes that became zombies"),
	)
	sent, _ := m.Int64Counter("kproc.signals.sent",
		metric.WithDescription("Signals made pending"),
	)
	delivered, _ := m.Int64Counter("kproc.signals.delivered",
		metric.WithDescription("Signals dispatched on return to user mode"),
	)
	futexWaits, _ := m.Int64Counter("kproc.futex.waits",
		metric.WithDescription("futex wait calls"),
	)
	futexWakes, _ := m.Int64Counter("kproc.futex.woken",
		metric.WithDescription("Tasks woken by futex wake"),
	)
	return &metrics{
		clones:     clones,
		execs:      execs,
		exits:      exits,
		sent:       sent,
		delivered:  delivered,
		futexWaits: futexWaits,
		futexWakes: futexWakes,
	}
}

func outcomeName(o signal.Outcome) string {
	switch o {
	case signal.Ignored:
		return "ignored"
	case signal.Fatal:
		return "fatal"
	case signal.Handled:
		return "handled"
	}
	return "none"
}

func (m *metrics) signalDelivered(d signal.Delivery) {
	m.delivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", outcomeName(d.Outcome)),
		attribute.String("signal", d.Signal.String()),
	))
}
