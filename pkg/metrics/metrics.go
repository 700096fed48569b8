// Package metrics exports pass statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulschiretz/pgl-replica/pkg/pathsync"
	"github.com/paulschiretz/pgl-replica/pkg/plog"
)

const namespace = "pgl_replica"

// PassObservation is everything recorded about one completed pass.
type PassObservation struct {
	Stats     pathsync.PassStats
	Duration  time.Duration
	Skipped   int
	Err       error
	CacheSize int
	Evicted   int
	Finished  time.Time
}

// Recorder receives one observation per pass.
type Recorder interface {
	ObservePass(o PassObservation)
}

// Exporter is a Recorder backed by its own Prometheus registry.
type Exporter struct {
	registry *prometheus.Registry

	passesTotal        *prometheus.CounterVec
	passDuration       prometheus.Histogram
	skippedTotal       prometheus.Counter
	filesTotal         *prometheus.CounterVec
	dirsTotal          *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	cacheEntries       prometheus.Gauge
	cacheEvictedTotal  prometheus.Counter
	lastSuccessSeconds prometheus.Gauge
}

// NewExporter creates an Exporter with all collectors registered.
func NewExporter() *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Exporter{
		registry: reg,
		passesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Total number of completed passes",
			},
			[]string{"result"},
		),
		passDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Wall-clock duration of a pass in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		skippedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_intervals_total",
				Help:      "Intervals skipped because a pass overran",
			},
		),
		filesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_total",
				Help:      "Files handled by passes, by action",
			},
			[]string{"action"},
		),
		dirsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dirs_total",
				Help:      "Directories handled by passes, by action",
			},
			[]string{"action"},
		),
		bytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Bytes processed by passes, by operation",
			},
			[]string{"op"},
		),
		cacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Entries in the metadata cache after the last prune",
			},
		),
		cacheEvictedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evicted_total",
				Help:      "Entries evicted from the metadata cache",
			},
		),
		lastSuccessSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful pass",
			},
		),
	}
}

// ObservePass records one pass.
func (e *Exporter) ObservePass(o PassObservation) {
	result := "success"
	if o.Err != nil {
		result = "error"
	}
	e.passesTotal.WithLabelValues(result).Inc()
	e.passDuration.Observe(o.Duration.Seconds())
	e.skippedTotal.Add(float64(o.Skipped))

	s := o.Stats
	e.filesTotal.WithLabelValues("created").Add(float64(s.FilesCreated))
	e.filesTotal.WithLabelValues("updated").Add(float64(s.FilesUpdated))
	e.filesTotal.WithLabelValues("deleted").Add(float64(s.FilesDeleted))
	e.filesTotal.WithLabelValues("uptodate").Add(float64(s.FilesUpToDate))
	e.filesTotal.WithLabelValues("restamped").Add(float64(s.FilesRestamped))
	e.filesTotal.WithLabelValues("ignored").Add(float64(s.SpecialsIgnored))
	e.dirsTotal.WithLabelValues("created").Add(float64(s.DirsCreated))
	e.dirsTotal.WithLabelValues("deleted").Add(float64(s.DirsDeleted))
	e.dirsTotal.WithLabelValues("uptodate").Add(float64(s.DirsUpToDate))
	e.dirsTotal.WithLabelValues("permission_denied").Add(float64(s.DirsPermissionDenied))
	e.dirsTotal.WithLabelValues("restamped").Add(float64(s.DirsRestamped))
	e.bytesTotal.WithLabelValues("copied").Add(float64(s.BytesCopied))
	e.bytesTotal.WithLabelValues("hashed").Add(float64(s.BytesHashed))

	e.cacheEntries.Set(float64(o.CacheSize))
	e.cacheEvictedTotal.Add(float64(o.Evicted))
	if o.Err == nil {
		e.lastSuccessSeconds.Set(float64(o.Finished.Unix()))
	}
}

// Handler returns the HTTP handler serving the exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// Serve exposes h under /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", addr, err)
	}
	return serve(ctx, ln, h)
}

func serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		plog.Info("Serving metrics", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown failed: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func (NoopRecorder) ObservePass(PassObservation) {}

// Statically assert that our types implement the interface.
var _ Recorder = (*Exporter)(nil)
var _ Recorder = NoopRecorder{}
