package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of sessions currently present in the room",
	})

	SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sessions_total",
		Help: "Sessions ended or admitted, by negotiation result",
	}, []string{"result"})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total events published by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each registry or bus operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	LaggedSubscribersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_lagged_subscribers_total",
		Help: "Subscriptions terminated because they fell behind the bus",
	})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(LaggedSubscribersTotal)
}
