package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

// jetstreamMetrics tracks the streams and consumers this client touched.
// Stats are polled, so every value is a gauge of the last observation.
type jetstreamMetrics struct {
	streamMessages  *prometheus.GaugeVec
	streamBytes     *prometheus.GaugeVec
	consumerPending *prometheus.GaugeVec
	consumerAckPend *prometheus.GaugeVec
	redelivered     *prometheus.GaugeVec
	errors          *prometheus.CounterVec

	mu        sync.RWMutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
}

func newJetStreamMetrics(registry *metric.MetricsRegistry) (*jetstreamMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &jetstreamMetrics{
		streamMessages:  gauge("stream_messages", "Messages held by the stream", "stream"),
		streamBytes:     gauge("stream_bytes", "Bytes held by the stream", "stream"),
		consumerPending: gauge("consumer_pending_messages", "Messages not yet delivered to the consumer", "stream", "consumer"),
		consumerAckPend: gauge("consumer_ack_pending_messages", "Messages delivered but not acknowledged", "stream", "consumer"),
		redelivered:     gauge("consumer_redelivered_messages", "Messages redelivered at least once", "stream", "consumer"),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      "operation_errors_total",
			Help:      "JetStream operation failures",
		}, []string{"operation"}),
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}

	for name, g := range map[string]*prometheus.GaugeVec{
		"stream_messages":               m.streamMessages,
		"stream_bytes":                  m.streamBytes,
		"consumer_pending_messages":     m.consumerPending,
		"consumer_ack_pending_messages": m.consumerAckPend,
		"consumer_redelivered_messages": m.redelivered,
	} {
		if err := registry.RegisterGaugeVec("jetstream", name, g); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterCounterVec("jetstream", "operation_errors_total", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *jetstreamMetrics) trackStream(name string, s jetstream.Stream) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.streams[name] = s
	m.mu.Unlock()
}

func (m *jetstreamMetrics) trackConsumer(stream, name string, c jetstream.Consumer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.consumers[stream+":"+name] = c
	m.mu.Unlock()
}

func (m *jetstreamMetrics) recordError(op string) {
	if m != nil {
		m.errors.WithLabelValues(op).Inc()
	}
}

func (m *jetstreamMetrics) updateStats(ctx context.Context) {
	m.mu.RLock()
	streams := make(map[string]jetstream.Stream, len(m.streams))
	for k, v := range m.streams {
		streams[k] = v
	}
	consumers := make([]jetstream.Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.RUnlock()

	for name, s := range streams {
		info, err := s.Info(ctx)
		if err != nil {
			continue
		}
		m.streamMessages.WithLabelValues(name).Set(float64(info.State.Msgs))
		m.streamBytes.WithLabelValues(name).Set(float64(info.State.Bytes))
	}
	for _, c := range consumers {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}
		m.consumerPending.WithLabelValues(info.Stream, info.Name).Set(float64(info.NumPending))
		m.consumerAckPend.WithLabelValues(info.Stream, info.Name).Set(float64(info.NumAckPending))
		m.redelivered.WithLabelValues(info.Stream, info.Name).Set(float64(info.NumRedelivered))
	}
}

// startPoller refreshes stats every interval until the returned cancel
// is called.
func (m *jetstreamMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateStats(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
