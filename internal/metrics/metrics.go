package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "checkin"

var (
	once sync.Once

	checkIns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_ins_total",
			Help:      "Count of check-ins by outcome.",
		},
		[]string{"outcome"},
	)

	checkOuts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_outs_total",
			Help:      "Count of check-outs by outcome.",
		},
		[]string{"outcome"},
	)

	businessRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "business_rejections_total",
			Help:      "Count of operations refused by a business rule, by error code.",
		},
		[]string{"code"},
	)

	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Count of feed refreshes by entity kind and result.",
		},
		[]string{"kind", "result"},
	)

	activeLoops = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_loops_active",
			Help:      "Number of running polling loops by entity kind.",
		},
		[]string{"kind"},
	)

	requestDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_decisions_total",
			Help:      "Count of check-in request transitions by resulting status.",
		},
		[]string{"status"},
	)

	requestsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_swept_total",
			Help:      "Count of pending requests expired by the sweeper.",
		},
	)

	notificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Count of guardian notifications dropped because the queue was full.",
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(checkIns, checkOuts, businessRejections, pollTicks,
			activeLoops, requestDecisions, requestsSwept, notificationsDropped)
	})
}

func IncCheckIn(outcome string) {
	checkIns.WithLabelValues(outcome).Inc()
}

func IncCheckOut(outcome string) {
	checkOuts.WithLabelValues(outcome).Inc()
}

func IncBusinessRejection(code string) {
	businessRejections.WithLabelValues(code).Inc()
}

func IncPollTick(kind, result string) {
	pollTicks.WithLabelValues(kind, result).Inc()
}

// LoopStarted and LoopStopped track the number of live polling loops.
func LoopStarted(kind string) {
	activeLoops.WithLabelValues(kind).Inc()
}

func LoopStopped(kind string) {
	activeLoops.WithLabelValues(kind).Dec()
}

func IncRequestDecision(status string) {
	requestDecisions.WithLabelValues(status).Inc()
}

func AddRequestsSwept(n int) {
	requestsSwept.Add(float64(n))
}

func IncNotificationDropped() {
	notificationsDropped.Inc()
}
