package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	eventPublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_event_publish_errors_total",
			Help: "Total number of domain event publish errors.",
		},
		[]string{"driver"},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_presence_online_users",
			Help: "Number of users with a registered live connection.",
		},
	)
	messagesSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_submitted_total",
			Help: "Messages accepted and persisted, by payload kind.",
		},
		[]string{"kind"},
	)
	messagesDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_delivered_total",
			Help: "Messages flagged delivered, by delivery path.",
		},
		[]string{"path"},
	)
	pushFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_push_failures_total",
			Help: "Live pushes that could not be enqueued on the recipient connection.",
		},
	)
	typingSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_typing_signals_total",
			Help: "Typing signals by outcome.",
		},
		[]string{"outcome"},
	)
	submitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_submit_duration_seconds",
			Help:    "Time spent persisting a submitted message.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		eventPublishErrorsTotal,
		onlineUsers,
		messagesSubmittedTotal,
		messagesDeliveredTotal,
		pushFailuresTotal,
		typingSignalsTotal,
		submitDuration,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncEventPublishError(driver string) {
	eventPublishErrorsTotal.WithLabelValues(driver).Inc()
}

func SetOnlineUsers(n int) {
	onlineUsers.Set(float64(n))
}

func IncMessageSubmitted(kind string) {
	messagesSubmittedTotal.WithLabelValues(kind).Inc()
}

// AddDelivered counts messages flagged delivered via path (push, reconnect or read).
func AddDelivered(path string, n int) {
	if n <= 0 {
		return
	}
	messagesDeliveredTotal.WithLabelValues(path).Add(float64(n))
}

func IncPushFailure() {
	pushFailuresTotal.Inc()
}

func IncTyping(outcome string) {
	typingSignalsTotal.WithLabelValues(outcome).Inc()
}

func ObserveSubmit(d time.Duration) {
	submitDuration.Observe(d.Seconds())
}
