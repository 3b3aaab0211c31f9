package kernel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"kproc/pkg/abi"
	"kproc/pkg/kernel"
)

// counter sums the data points of the named counter whose attributes
// include attrs.
func counter(rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
		points:
			for _, dp := range sum.DataPoints {
				for _, kv := range attrs {
					if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m := newMachine(t)
	m.cfg.Meter = provider.Meter("kproc/kernel/test")
	handler := m.at(func(*kernel.Task) {})
	child := m.at(func(*kernel.Task) {})
	thread := m.at(func(*kernel.Task) {})
	m.install("/bin/next", func(t *kernel.Task) {
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, abi.Sigaction{Handler: handler}))
		kill(t, 1, abi.SIGUSR1)
		futexWait(t, shared, 1)
	})
	m.boot(func(t *kernel.Task) {
		wait4(t, fork(t, child, forkFlags), 0)
		fork(t, thread, threadFlags)
		for t.Process().LiveThreads() > 1 {
			t.Preempt()
		}
		execve(m.t, t, "/bin/next", []string{"next"}, nil)
	})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), counter(rm, "kproc.clones", attribute.String("kind", "process")))
	assert.Equal(t, int64(1), counter(rm, "kproc.clones", attribute.String("kind", "thread")))
	assert.Equal(t, int64(1), counter(rm, "kproc.execs"))
	assert.Equal(t, int64(2), counter(rm, "kproc.exits"))
	assert.Equal(t, int64(1), counter(rm, "kproc.signals.sent", attribute.String("signal", "SIGUSR1")))
	assert.Equal(t, int64(1), counter(rm, "kproc.signals.delivered",
		attribute.String("kind", "handled"), attribute.String("signal", "SIGUSR1")))
	assert.Equal(t, int64(1), counter(rm, "kproc.futex.waits"))
}
