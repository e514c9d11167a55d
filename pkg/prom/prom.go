package prom

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	xhttp "github.com/nimasrn/notifyhub-gateway/pkg/http"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemHTTP      = "http"
	SystemDelivery  = "delivery"
	SystemScheduler = "scheduler"
	SystemSecurity  = "security"
)
const (
	MetricHTTPRequests       = "requests_total"
	MetricHTTPDuration       = "request_duration_seconds"
	MetricDeliveryAttempts   = "attempts_total"
	MetricTransportDuration  = "transport_duration_seconds"
	MetricSchedulerCycles    = "cycles_total"
	MetricSchedulerRetried   = "retried_total"
	MetricSchedulerSwept     = "swept_total"
	MetricSchedulerBatch     = "last_batch_size"
	MetricSecurityBans       = "bans_total"
	MetricSecurityDenied     = "denied_total"
	MetricSecurityAuthFailed = "auth_failed_total"
)

type metricType int

const (
	typeCounterVec metricType = iota
	typeHistogramVec
	typeGaugeVec
)

type definition struct {
	kind      metricType
	subsystem string
	name      string
	labels    []string
}

var definitions = []definition{
	{typeCounterVec, SystemHTTP, MetricHTTPRequests, []string{"method", "code"}},
	{typeHistogramVec, SystemHTTP, MetricHTTPDuration, []string{"method"}},
	{typeCounterVec, SystemDelivery, MetricDeliveryAttempts, []string{"kind", "result"}},
	{typeHistogramVec, SystemDelivery, MetricTransportDuration, []string{"transport", "result"}},
	{typeCounterVec, SystemScheduler, MetricSchedulerCycles, nil},
	{typeCounterVec, SystemScheduler, MetricSchedulerRetried, []string{"result"}},
	{typeCounterVec, SystemScheduler, MetricSchedulerSwept, nil},
	{typeGaugeVec, SystemScheduler, MetricSchedulerBatch, nil},
	{typeCounterVec, SystemSecurity, MetricSecurityBans, []string{"reason"}},
	{typeCounterVec, SystemSecurity, MetricSecurityDenied, nil},
	{typeCounterVec, SystemSecurity, MetricSecurityAuthFailed, nil},
}

// metrics is nil until Create; every recording helper is a no-op before that.
type metrics struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

var (
	mu      sync.RWMutex
	current *metrics
)

// Create registers the collectors in a fresh registry. host and env are
// attached to every series as constant labels.
func Create(host string, env string, namespace string) error {
	m := &metrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
	constLabels := prometheus.Labels{"env": env, "instance": host}

	if err := m.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}

	for _, d := range definitions {
		key := d.subsystem + d.name
		help := helpText(d.subsystem, d.name)
		var c prometheus.Collector
		switch d.kind {
		case typeCounterVec:
			v := prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: d.subsystem, Name: d.name, Help: help, ConstLabels: constLabels,
			}, d.labels)
			m.counters[key], c = v, v
		case typeHistogramVec:
			v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Subsystem: d.subsystem, Name: d.name, Help: help, ConstLabels: constLabels,
				Buckets: prometheus.DefBuckets,
			}, d.labels)
			m.histograms[key], c = v, v
		case typeGaugeVec:
			v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: d.subsystem, Name: d.name, Help: help, ConstLabels: constLabels,
			}, d.labels)
			m.gauges[key], c = v, v
		}
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}

	mu.Lock()
	current = m
	mu.Unlock()
	return nil
}

func get() *metrics {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// MetricsServer returns an engine serving the registry on url.
func MetricsServer(url string) *xhttp.Engine {
	opt := xhttp.DefaultServerOption
	opt.Name = "metrics"
	s := xhttp.NewServer(opt)
	if m := get(); m != nil {
		s.GET(url, fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))
	}
	return s
}

// ListenAndServer serves the metrics on addr until ctx is done.
func ListenAndServer(ctx context.Context, addr string, url string) error {
	s := MetricsServer(url)
	go s.ShutdownOnDone(ctx)
	logger.Info("[metrics-server] listening...", "addr", addr, "url", url)
	if err := s.ListenAndServe(addr); err != nil {
		logger.Error("[metrics-server] http listen error", "error", err)
		return err
	}
	return nil
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	m := get()
	if m == nil {
		return
	}
	if v, ok := m.counters[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	m := get()
	if m == nil {
		return
	}
	if v, ok := m.histograms[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram not found", "subsystem", subsystem, "name", name)
}

func SetGaugeVec(subsystem, name string, value float64, labelValues ...string) {
	m := get()
	if m == nil {
		return
	}
	if v, ok := m.gauges[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Set(value)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

// Middleware records request counts by status code and latency by method.
func Middleware(next xhttp.RequestHandler) xhttp.RequestHandler {
	return func(ctx *xhttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		method := string(ctx.Method())
		IncCounterVec(SystemHTTP, MetricHTTPRequests, method, strconv.Itoa(ctx.Response.StatusCode()))
		AddHistogramVec(SystemHTTP, MetricHTTPDuration, time.Since(start).Seconds(), method)
	}
}

// IncDeliveryAttempt counts one transport attempt, kind is send or retry.
func IncDeliveryAttempt(kind, result string) {
	IncCounterVec(SystemDelivery, MetricDeliveryAttempts, kind, result)
}

func ObserveTransport(transport, result string, seconds float64) {
	AddHistogramVec(SystemDelivery, MetricTransportDuration, seconds, transport, result)
}

func IncSchedulerCycle() {
	IncCounterVec(SystemScheduler, MetricSchedulerCycles)
}

func SetSchedulerBatch(n int) {
	SetGaugeVec(SystemScheduler, MetricSchedulerBatch, float64(n))
}

func IncSchedulerRetried(result string) {
	IncCounterVec(SystemScheduler, MetricSchedulerRetried, result)
}

func AddSwept(n int64) {
	AddCounterVec(SystemScheduler, MetricSchedulerSwept, float64(n))
}

func IncBan(reason string) {
	IncCounterVec(SystemSecurity, MetricSecurityBans, reason)
}

func IncDenied() {
	IncCounterVec(SystemSecurity, MetricSecurityDenied)
}

func IncAuthFailed() {
	IncCounterVec(SystemSecurity, MetricSecurityAuthFailed)
}

func helpText(subsystem, name string) string {
	return strings.ReplaceAll(subsystem+" "+name, "_", " ")
}
