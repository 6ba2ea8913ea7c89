//go:build !noprom

package metrics

import (
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

type promRecorder struct {
	storeTotal   *prom.CounterVec
	storeSeconds *prom.HistogramVec
	cacheTotal   *prom.CounterVec
	cacheSeconds *prom.HistogramVec
}

func (p *promRecorder) IncStoreOpTotal(op string, success bool) {
	p.storeTotal.WithLabelValues(op, fmt.Sprintf("%t", success)).Inc()
}

func (p *promRecorder) ObserveStoreOpSeconds(op string, success bool, seconds float64) {
	p.storeSeconds.WithLabelValues(op, fmt.Sprintf("%t", success)).Observe(seconds)
}

func (p *promRecorder) IncCacheOpTotal(cache, op string, success bool) {
	p.cacheTotal.WithLabelValues(cache, op, fmt.Sprintf("%t", success)).Inc()
}

func (p *promRecorder) ObserveCacheOpSeconds(cache, op string, success bool, seconds float64) {
	p.cacheSeconds.WithLabelValues(cache, op, fmt.Sprintf("%t", success)).Observe(seconds)
}

func enablePrometheus(addr string) error {
	registry := prom.NewRegistry()
	p := &promRecorder{
		storeTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "store_ops_total",
			Help: "Total number of graph/result-cache store operations",
		}, []string{"op", "success"}),
		storeSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "store_op_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"op", "success"}),
		cacheTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "cache_ops_total",
			Help: "Total number of named-cache operations",
		}, []string{"cache", "op", "success"}),
		cacheSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "cache_op_seconds",
			Help:    "Named-cache operation duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"cache", "op", "success"}),
	}

	registry.MustRegister(p.storeTotal, p.storeSeconds, p.cacheTotal, p.cacheSeconds)
	SetRecorder(p)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	go func() { _ = http.ListenAndServe(addr, mux) }()
	return nil
}
