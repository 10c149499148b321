package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_events_dispatched_total", Help: "分发的事件数（按类型）"},
		[]string{"type"},
	)
	PushDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chat_push_delivered_total", Help: "推送通道即时投递成功数"},
	)
	PushChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chat_push_channels", Help: "当前打开的推送通道数"},
	)
	PollRequests = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chat_poll_requests_total", Help: "轮询请求数"},
	)
	EventsDrained = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chat_events_drained_total", Help: "轮询取走的事件数"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chat_signal_queue_depth", Help: "信令队列总深度（全部用户）"},
	)
	MessageSendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chat_send_latency_ms", Help: "消息发送端到端延迟(近似)", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
)

func Init() {
	prometheus.MustRegister(EventsDispatched)
	prometheus.MustRegister(PushDelivered)
	prometheus.MustRegister(PushChannels)
	prometheus.MustRegister(PollRequests)
	prometheus.MustRegister(EventsDrained)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MessageSendLatency)
}
