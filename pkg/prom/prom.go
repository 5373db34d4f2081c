package prom

import (
	"fmt"
	"sync"

	xhttp "github.com/nimasrn/support-desk/pkg/http"
	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemSupport = "support"
	SystemRetry   = "retry"
)

const (
	MetricInboundMessages       = "inbound_messages_total"
	MetricReplies               = "replies_total"
	MetricEmailDeliveryDuration = "email_delivery_duration_seconds"
	MetricRedeliveries          = "redeliveries_total"
	MetricRetryQueuePending     = "queue_pending_messages"
)

const (
	TypeCounterVec   = "counterVec"
	TypeHistogramVec = "histogramVec"
	TypeGaugeVec     = "gaugeVec"
)

var (
	lockCreateMetric = &sync.Mutex{}
	namespace        = "none"
	defaultLabels    prometheus.Labels
)

// MetricSystemEnabled turns every Add/Inc/Set helper into a no-op when false,
// which is the case for tests and binaries that never call Create.
var MetricSystemEnabled = false

var (
	MetricCollectionCounterVec   = make(map[string]*prometheus.CounterVec)
	MetricCollectionGaugeVec     = make(map[string]*prometheus.GaugeVec)
	MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)
)

func Create(host string, env string, nameSpace string) error {
	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(CreateMetric(TypeCounterVec, SystemSupport, MetricInboundMessages, "resolution"))
	hasError(CreateMetric(TypeCounterVec, SystemSupport, MetricReplies, "delivery"))
	hasError(CreateMetric(TypeHistogramVec, SystemSupport, MetricEmailDeliveryDuration, "provider", "outcome"))
	hasError(CreateMetric(TypeCounterVec, SystemRetry, MetricRedeliveries, "outcome"))
	hasError(CreateMetric(TypeGaugeVec, SystemRetry, MetricRetryQueuePending, "queue"))

	return err
}

func CreateMetric(metricType, subsystem, name string, labels ...string) error {
	lockCreateMetric.Lock()
	defer lockCreateMetric.Unlock()

	key := subsystem + name
	switch metricType {
	case TypeCounterVec:
		MetricCollectionCounterVec[key] = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			ConstLabels: defaultLabels,
		}, labels)
		return prometheus.Register(MetricCollectionCounterVec[key])
	case TypeHistogramVec:
		MetricCollectionHistogramVec[key] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			ConstLabels: defaultLabels,
			Buckets:     []float64{.05, .1, .25, .5, 1, 2, 3, 5},
		}, labels)
		return prometheus.Register(MetricCollectionHistogramVec[key])
	case TypeGaugeVec:
		MetricCollectionGaugeVec[key] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			ConstLabels: defaultLabels,
		}, labels)
		return prometheus.Register(MetricCollectionGaugeVec[key])
	}
	return fmt.Errorf("metric type %s is not defined", metricType)
}

// ListenAndServe exposes the default registry on addr+path.
func ListenAndServe(addr string, path string) error {
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.GET(path, fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	logger.Info("[metrics-server] listening", "addr", addr, "path", path)
	return s.ListenAndServe(addr)
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionCounterVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionGaugeVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Set(num)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionHistogramVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

func IncInboundMessage(resolution string) {
	IncCounterVec(SystemSupport, MetricInboundMessages, resolution)
}

func IncReply(delivery string) {
	IncCounterVec(SystemSupport, MetricReplies, delivery)
}

func AddEmailDeliveryDuration(seconds float64, provider, outcome string) {
	AddHistogramVec(SystemSupport, MetricEmailDeliveryDuration, seconds, provider, outcome)
}

func IncRedelivery(outcome string) {
	IncCounterVec(SystemRetry, MetricRedeliveries, outcome)
}

func SetRetryQueuePending(queue string, pending int64) {
	SetGaugeVec(SystemRetry, MetricRetryQueuePending, float64(pending), queue)
}
