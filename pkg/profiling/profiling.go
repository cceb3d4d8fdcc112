// SPDX-License-Identifier: Apache-2.0

// Package profiling implements named profiling regions, matching the
// upstream C runtime's vaccel_prof_region / vaccel_prof_regions_* API,
// plus an opentelemetry/Jaeger span per region start/stop and a
// prometheus histogram recording each region's duration.
package profiling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	otelTrace "go.opentelemetry.io/otel/trace"
)

var log = logrus.WithField("subsystem", "profiling")

// SetLogger rewires this package's logger.
func SetLogger(logger *logrus.Entry) {
	fields := log.Data
	log = logger.WithFields(fields)
}

// enabled gates both the prof.h region bookkeeping and the opentelemetry
// span creation, mirroring vaccel_prof_enabled()'s role as a single
// runtime switch.
var enabled bool

// Enabled reports whether profiling is currently on, matching
// vaccel_prof_enabled.
func Enabled() bool { return enabled }

// SetEnabled turns profiling on or off for the process, called from
// bootstrap once the configuration is known.
func SetEnabled(v bool) { enabled = v }

var regionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "vaccel",
	Subsystem: "profiling",
	Name:      "region_duration_seconds",
	Help:      "Duration of a named profiling region.",
	Buckets:   prometheus.DefBuckets,
}, []string{"region"})

func init() {
	prometheus.MustRegister(regionDuration)
}

// Sample is a single (start, elapsed) observation, matching
// struct vaccel_prof_sample.
type Sample struct {
	Start   time.Time
	Elapsed time.Duration
}

// Region accumulates samples for one named profiling region, matching
// struct vaccel_prof_region. A Region is safe for concurrent Start/Stop
// from multiple goroutines racing on the same named operation.
type Region struct {
	Name string

	mu      sync.Mutex
	samples []Sample

	running   bool
	startedAt time.Time
	span      otelTrace.Span
	spanCtx   context.Context
}

// NewRegion constructs an uninitialized region, matching
// vaccel_prof_region_init.
func NewRegion(name string) *Region {
	return &Region{Name: name}
}

// Start begins timing the region, matching vaccel_prof_region_start. It
// is a no-op (but not an error) when profiling is disabled, the way the
// upstream C runtime's vaccel_prof_region_start short-circuits via
// vaccel_prof_enabled().
func (r *Region) Start(ctx context.Context) context.Context {
	if !enabled {
		return ctx
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.startedAt = time.Now()
	r.running = true

	tracer := otel.Tracer("vaccel")
	spanCtx, span := tracer.Start(ctx, r.Name)
	r.span = span
	r.spanCtx = spanCtx
	return spanCtx
}

// Stop ends timing the region, recording a Sample and a prometheus
// observation, matching vaccel_prof_region_stop.
func (r *Region) Stop() {
	if !enabled {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false

	elapsed := time.Since(r.startedAt)
	r.samples = append(r.samples, Sample{Start: r.startedAt, Elapsed: elapsed})
	regionDuration.WithLabelValues(r.Name).Observe(elapsed.Seconds())

	if r.span != nil {
		r.span.End()
		r.span = nil
	}
}

// Samples returns a copy of the region's collected samples.
func (r *Region) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Print logs the region's accumulated statistics, matching
// vaccel_prof_region_print.
func (r *Region) Print() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total time.Duration
	for _, s := range r.samples {
		total += s.Elapsed
	}
	avg := time.Duration(0)
	if len(r.samples) > 0 {
		avg = total / time.Duration(len(r.samples))
	}
	log.WithFields(logrus.Fields{
		"region":  r.Name,
		"samples": len(r.samples),
		"total":   total,
		"average": avg,
	}).Info("profiling region")
}

// RegionSet is a named array of regions, matching the
// vaccel_prof_regions_* family, used by a plugin or subsystem that wants
// one region per operation it times.
type RegionSet struct {
	mu      sync.Mutex
	regions map[string]*Region
}

// NewRegionSet builds an empty RegionSet, matching vaccel_prof_regions_init.
func NewRegionSet() *RegionSet {
	return &RegionSet{regions: make(map[string]*Region)}
}

// ByName returns the region named name, creating it if it doesn't exist
// yet, matching vaccel_prof_regions_start_by_name/stop_by_name's
// find-or-skip lookup generalized to find-or-create.
func (s *RegionSet) ByName(name string) *Region {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[name]
	if !ok {
		r = NewRegion(name)
		s.regions[name] = r
	}
	return r
}

// StartByName starts the named region's timer, matching
// vaccel_prof_regions_start_by_name.
func (s *RegionSet) StartByName(ctx context.Context, name string) context.Context {
	return s.ByName(name).Start(ctx)
}

// StopByName stops the named region's timer, matching
// vaccel_prof_regions_stop_by_name.
func (s *RegionSet) StopByName(name string) {
	s.ByName(name).Stop()
}

// PrintAll logs every region in the set, matching
// vaccel_prof_regions_print_all.
func (s *RegionSet) PrintAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.regions))
	for n := range s.regions {
		names = append(names, n)
	}
	s.mu.Unlock()

	for _, n := range names {
		s.ByName(n).Print()
	}
}

// SprintAll renders every region's statistics into a string, matching
// vaccel_prof_regions_print_all_to_buf.
func (s *RegionSet) SprintAll() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ""
	for name, r := range s.regions {
		r.mu.Lock()
		var total time.Duration
		for _, smp := range r.samples {
			total += smp.Elapsed
		}
		out += fmt.Sprintf("%s: %d samples, %s total\n", name, len(r.samples), total)
		r.mu.Unlock()
	}
	return out
}

// tracerProvider is kept so StopTracing can flush it; nil when tracing
// was never started (profiling disabled, or Jaeger export unavailable).
var tracerProvider *sdktrace.TracerProvider

// JaegerConfig carries the Jaeger collector endpoint and credentials.
type JaegerConfig struct {
	Endpoint string
	User     string
	Password string
}

// StartTracing wires the global opentelemetry tracer provider to a
// Jaeger exporter. When profiling is disabled it installs a no-op
// tracer instead, so Region.Start/Stop's span creation stays cheap.
func StartTracing(serviceName string, cfg JaegerConfig) error {
	if !enabled {
		otel.SetTracerProvider(otelTrace.NewNoopTracerProvider())
		return nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:14268/api/traces"
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(endpoint),
		jaeger.WithUsername(cfg.User),
		jaeger.WithPassword(cfg.Password),
	))
	if err != nil {
		return err
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("exporter", "jaeger"),
		)),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

// StopTracing flushes and shuts down the tracer provider.
func StopTracing(ctx context.Context) {
	if tracerProvider == nil {
		return
	}
	tracerProvider.ForceFlush(ctx)
	tracerProvider.Shutdown(ctx)
}
