package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"billdesk/backend/internal/store"
)

// Collector owns the service's prometheus registry. A nil *Collector is a
// valid no-op.
type Collector struct {
	registry        *prometheus.Registry
	reconciliations *prometheus.CounterVec
	lockWait        prometheus.Histogram
	unitsMoved      *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billdesk",
			Name:      "reconciliations_total",
			Help:      "Bill reconciliations by bill kind and outcome.",
		}, []string{"kind", "outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "billdesk",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring item and bill locks.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		unitsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billdesk",
			Name:      "stock_units_moved_total",
			Help:      "Stock units taken from or returned to the shelf.",
		}, []string{"direction"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billdesk",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
	}
	c.registry.MustRegister(
		c.reconciliations,
		c.lockWait,
		c.unitsMoved,
		c.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveReconciliation(kind string, err error) {
	if c == nil {
		return
	}
	c.reconciliations.WithLabelValues(kind, Outcome(err)).Inc()
}

func (c *Collector) ObserveLockWait(d time.Duration) {
	if c == nil {
		return
	}
	c.lockWait.Observe(d.Seconds())
}

func (c *Collector) ObserveStockMove(delta int) {
	if c == nil || delta == 0 {
		return
	}
	if delta < 0 {
		c.unitsMoved.WithLabelValues("out").Add(float64(-delta))
		return
	}
	c.unitsMoved.WithLabelValues("in").Add(float64(delta))
}

func (c *Collector) ObserveHTTP(route string, status int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Outcome maps an error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrBusy):
		return "busy"
	case errors.Is(err, store.ErrAlreadyLinked):
		return "already_linked"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvalidBill), errors.Is(err, store.ErrInvalidTransition):
		return "rejected"
	case errors.Is(err, store.ErrLineageCycle):
		return "lineage_cycle"
	default:
		return "error"
	}
}
