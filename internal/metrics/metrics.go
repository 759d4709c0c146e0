package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 流水线指标，所有方法对nil接收者安全
type Metrics struct {
	engineRequests  *prometheus.CounterVec
	engineLatency   *prometheus.HistogramVec
	fileTransitions *prometheus.CounterVec
	embeddedChunks  *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	panics          *prometheus.CounterVec
	kafkaMessages   *prometheus.CounterVec
	inflightUnits   prometheus.Gauge
}

// New 注册流水线指标，reg为nil时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		engineRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_engine_requests_total",
			Help: "Knowledge engine calls by backend, operation and result",
		}, []string{"backend", "operation", "result"}),
		engineLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_engine_request_duration_seconds",
			Help:    "Knowledge engine call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend", "operation"}),
		fileTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_file_transitions_total",
			Help: "File status transitions",
		}, []string{"from", "to"}),
		embeddedChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_embedded_chunks_total",
			Help: "Chunks processed during embedding by outcome",
		}, []string{"backend", "outcome"}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_sweep_tasks_total",
			Help: "Stale extraction tasks handled by the reconcile sweep",
		}, []string{"action"}),
		panics: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_recovered_panics_total",
			Help: "Panics recovered at background unit boundaries",
		}, []string{"unit"}),
		kafkaMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_kafka_messages_total",
			Help: "Kafka messages produced or consumed",
		}, []string{"topic", "direction", "result"}),
		inflightUnits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_inflight_units",
			Help: "Background extraction and embedding units currently running",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveEngineCall 记录一次引擎调用
func (m *Metrics) ObserveEngineCall(backend, operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.engineRequests.WithLabelValues(backend, operation, result(err)).Inc()
	m.engineLatency.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}

// FileTransition 记录状态迁移
func (m *Metrics) FileTransition(from, to string) {
	if m == nil {
		return
	}
	m.fileTransitions.WithLabelValues(from, to).Inc()
}

// EmbeddedChunks 记录向量化结果
func (m *Metrics) EmbeddedChunks(backend string, saved, failed, blocked int) {
	if m == nil {
		return
	}
	m.embeddedChunks.WithLabelValues(backend, "saved").Add(float64(saved))
	m.embeddedChunks.WithLabelValues(backend, "failed").Add(float64(failed))
	m.embeddedChunks.WithLabelValues(backend, "blocked").Add(float64(blocked))
}

// SweepTask 记录巡检对单个任务的处理动作
func (m *Metrics) SweepTask(action string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(action).Inc()
}

// PanicRecovered 记录被捕获的panic
func (m *Metrics) PanicRecovered(unit string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(unit).Inc()
}

// KafkaMessage 记录kafka消息
func (m *Metrics) KafkaMessage(topic, direction string, err error) {
	if m == nil {
		return
	}
	m.kafkaMessages.WithLabelValues(topic, direction, result(err)).Inc()
}

// UnitStarted 后台单元开始
func (m *Metrics) UnitStarted() {
	if m == nil {
		return
	}
	m.inflightUnits.Inc()
}

// UnitFinished 后台单元结束
func (m *Metrics) UnitFinished() {
	if m == nil {
		return
	}
	m.inflightUnits.Dec()
}
