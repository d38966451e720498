// Package server exposes the operational HTTP surface of a lock daemon:
// a health check, a listing of the locks living in the bucket and an
// optional Prometheus scrape endpoint.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	promclient "github.com/prometheus/client_golang/prometheus"
	otelchimetric "github.com/riandyrn/otelchi/metric"

	"github.com/bucketlock/bucketlock/pkg/lock"
	"github.com/bucketlock/bucketlock/pkg/storage"

	lockbucket "github.com/bucketlock/bucketlock/pkg/lock/bucket"
)

const (
	routeIndex   = "/"
	routeLocks   = "/locks"
	routeMetrics = "/metrics"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"

	tracerName = "github.com/bucketlock/bucketlock/pkg/server"
)

//nolint:gochecknoglobals
var prometheusHandler http.Handler

// SetPrometheusGatherer installs the Prometheus gatherer served at
// /metrics. Until it is called, /metrics responds with 404.
func SetPrometheusGatherer(g promclient.Gatherer) {
	prometheusHandler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Server represents the main HTTP server.
type Server struct {
	bucket storage.Bucket
	router *chi.Mux

	tracer trace.Tracer

	hostname string
	version  string
}

// lockEntry is one element of the /locks response.
type lockEntry struct {
	Name     string             `json:"name"`
	Released bool               `json:"released"`
	Record   *lockbucket.Record `json:"record,omitempty"`
}

// New returns a new server listing the locks found in bucket.
func New(bucket storage.Bucket) *Server {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	s := &Server{
		bucket:   bucket,
		tracer:   otel.Tracer(tracerName),
		hostname: hostname,
	}

	s.createRouter()

	return s
}

// SetVersion configures the version reported by the index route.
func (s *Server) SetVersion(v string) { s.version = v }

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	mp := otel.GetMeterProvider()
	baseCfg := otelchimetric.NewBaseConfig(tracerName, otelchimetric.WithMeterProvider(mp))

	s.router.Use(middleware.Heartbeat("/healthz"))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)
	s.router.Use(requestLogger)

	s.router.Get(routeIndex, s.getIndex)
	s.router.Get(routeLocks, s.getLocks)
	s.router.Get(routeMetrics, s.getMetrics)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.RequestURI).
			Str("from", r.RemoteAddr).
			Logger()

		if span.SpanContext().HasTraceID() {
			log = log.
				With().
				Str("trace-id", span.SpanContext().TraceID().String()).
				Logger()
		}

		if span.SpanContext().HasSpanID() {
			log = log.
				With().
				Str("span-id", span.SpanContext().SpanID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log = log.With().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Logger()

			if r.Method == http.MethodHead || r.Method == http.MethodGet {
				log = log.With().Int("bytes", ww.BytesWritten()).Logger()
			}

			log.Info().Msg("handled request")
		}()

		// embed the modified logger in the request.
		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Add(contentType, contentTypeJSON)
	w.WriteHeader(http.StatusOK)

	body := struct {
		Hostname string `json:"hostname"`
		Version  string `json:"version,omitempty"`
	}{
		Hostname: s.hostname,
		Version:  s.version,
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}

// getLocks walks the bucket and reports every lock object it finds.
// Release markers are excluded unless the all query parameter is
// truthy.
func (s *Server) getLocks(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"getLocks",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	includeReleased, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	entries := make([]lockEntry, 0)

	err := s.bucket.Walk(ctx, "", func(info storage.ObjectInfo) error {
		name := info.Key

		released := strings.HasSuffix(name, lock.UnlockedSuffix)
		if released {
			if !includeReleased {
				return nil
			}

			name = strings.TrimSuffix(name, lock.UnlockedSuffix)
		}

		entry := lockEntry{Name: name, Released: released}

		payload, err := s.bucket.Get(ctx, info.Key)
		if err != nil {
			// The object can disappear between the walk and the read.
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}

			return err
		}

		var rec lockbucket.Record
		if err := json.Unmarshal(payload, &rec); err == nil {
			entry.Record = &rec
		} else {
			zerolog.Ctx(ctx).
				Warn().
				Err(err).
				Str("key", info.Key).
				Msg("error parsing the lock record")
		}

		entries = append(entries, entry)

		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error walking the bucket")

		return
	}

	w.Header().Add(contentType, contentTypeJSON)

	if err := json.NewEncoder(w).Encode(entries); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	if prometheusHandler == nil {
		http.NotFound(w, r)

		return
	}

	prometheusHandler.ServeHTTP(w, r)
}
