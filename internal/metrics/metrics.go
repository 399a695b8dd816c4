package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qq1064990473/open-xiaoai/internal/music"
)

// Metrics holds the Prometheus collectors of the bridge.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry

	CatalogRequests *prometheus.CounterVec
	CatalogDuration *prometheus.HistogramVec
	WalksTotal      *prometheus.CounterVec
	WalksActive     prometheus.Gauge
}

// New creates a registry with the bridge collectors registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "open_xiaoai"
	}

	registry := prometheus.NewRegistry()

	catalogRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_requests_total",
			Help:      "Music catalog requests by operation and result",
		},
		[]string{"operation", "result"},
	)

	catalogDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_request_duration_seconds",
			Help:      "Music catalog request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	walksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playlist_walks_total",
			Help:      "Finished playlist walks by result",
		},
		[]string{"result"},
	)

	walksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playlist_walks_active",
			Help:      "Playlist walks in progress",
		},
	)

	registry.MustRegister(catalogRequests, catalogDuration, walksTotal, walksActive)

	return &Metrics{
		namespace:       namespace,
		registry:        registry,
		CatalogRequests: catalogRequests,
		CatalogDuration: catalogDuration,
		WalksTotal:      walksTotal,
		WalksActive:     walksActive,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGauge reports fn as a 0/1 gauge sampled at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() bool) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: m.namespace, Name: name, Help: help},
		func() float64 {
			if fn() {
				return 1
			}
			return 0
		},
	))
}

// RecordCatalog records one catalog request.
func (m *Metrics) RecordCatalog(operation string, err error, duration time.Duration) {
	m.CatalogRequests.WithLabelValues(operation, resultOf(err)).Inc()
	m.CatalogDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Catalog wraps a music.Catalog with request metrics.
type Catalog struct {
	next    music.Catalog
	metrics *Metrics
}

var _ music.Catalog = (*Catalog)(nil)

// InstrumentCatalog wraps next.
func (m *Metrics) InstrumentCatalog(next music.Catalog) *Catalog {
	return &Catalog{next: next, metrics: m}
}

// Search executes the search method.
func (c *Catalog) Search(ctx context.Context, query string, page int) ([]music.Track, error) {
	start := time.Now()
	tracks, err := c.next.Search(ctx, query, page)
	c.metrics.RecordCatalog("search", err, time.Since(start))
	return tracks, err
}

// PlayURL executes the playURL method.
func (c *Catalog) PlayURL(ctx context.Context, trackID string) (string, error) {
	start := time.Now()
	url, err := c.next.PlayURL(ctx, trackID)
	c.metrics.RecordCatalog("play_url", err, time.Since(start))
	return url, err
}

// QueryPlayer starts a playlist walk for a query. *playback.Walker satisfies it.
type QueryPlayer interface {
	PlayQuery(ctx context.Context, query string) error
}

// Player wraps a QueryPlayer with walk metrics.
type Player struct {
	next    QueryPlayer
	metrics *Metrics
}

// InstrumentPlayer wraps next.
func (m *Metrics) InstrumentPlayer(next QueryPlayer) *Player {
	return &Player{next: next, metrics: m}
}

// PlayQuery executes the playQuery method.
func (p *Player) PlayQuery(ctx context.Context, query string) error {
	p.metrics.WalksActive.Inc()
	defer p.metrics.WalksActive.Dec()
	err := p.next.PlayQuery(ctx, query)
	p.metrics.WalksTotal.WithLabelValues(resultOf(err)).Inc()
	return err
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, music.ErrNotFound):
		return "not_found"
	case errors.Is(err, music.ErrNoPlayURL):
		return "no_url"
	default:
		return "error"
	}
}
