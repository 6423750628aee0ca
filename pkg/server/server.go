// Package server exposes the shortening and redirect endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	otelchimetric "github.com/riandyrn/otelchi/metric"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortd/shortd/pkg/shortener"
)

const (
	routeCreate   = "/url"
	routeRedirect = "/{hash:[0-9A-Za-z]+}"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"

	// headerPrincipal carries the caller identity set by the authenticating
	// proxy in front of this service. Requests without it are anonymous.
	headerPrincipal = "X-User-Id"

	// headerCacheHit tells whether the redirect was served from the cache.
	headerCacheHit = "X-Cache-Hit"

	// maxRequestBody bounds the create request body. Long URLs are capped
	// well below this by validation.
	maxRequestBody = 64 << 10

	tracerName = "github.com/shortd/shortd/pkg/server"
)

// Shortener is the application core the server fronts.
type Shortener interface {
	CreateShort(ctx context.Context, rawURL, principal string) (string, error)
	Resolve(ctx context.Context, hash string) (shortener.Resolution, error)
}

// Server represents the main HTTP server.
type Server struct {
	service Shortener
	router  *chi.Mux

	tracer trace.Tracer
}

// New returns a new Server.
func New(service Shortener) *Server {
	s := &Server{
		service: service,
		tracer:  otel.Tracer(tracerName),
	}

	s.createRouter()

	return s
}

// ServeHTTP implements http.Handler and turns Server into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// SetPrometheusGatherer mounts a Prometheus scrape endpoint at /metrics.
func (s *Server) SetPrometheusGatherer(gatherer promclient.Gatherer) {
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	baseCfg := otelchimetric.NewBaseConfig(tracerName,
		otelchimetric.WithMeterProvider(otel.GetMeterProvider()))

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

	s.router.Post(routeCreate, s.createShortURL)
	s.router.Get(routeRedirect, s.redirect)
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
			log.Info().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Msg("handled request")
		}()

		// embed the modified logger in the request.
		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

type createRequest struct {
	URL string `json:"url"`
}

type createResponse struct {
	ShortURL string `json:"short_url"`
}

func (s *Server) createShortURL(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"server.createShortURL",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	shortURL, err := s.service.CreateShort(ctx, req.URL, r.Header.Get(headerPrincipal))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Add(contentType, contentTypeJSON)
	w.WriteHeader(http.StatusCreated)

	if err := json.NewEncoder(w).Encode(createResponse{ShortURL: shortURL}); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	ctx, span := s.tracer.Start(
		r.Context(),
		"server.redirect",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("hash", hash),
		),
	)
	defer span.End()

	res, err := s.service.Resolve(ctx, hash)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if res.FromCache {
		w.Header().Set(headerCacheHit, "true")
	} else {
		w.Header().Set(headerCacheHit, "false")
	}

	http.Redirect(w, r, res.URL, http.StatusFound)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int

	switch {
	case errors.Is(err, shortener.ErrInvalidURL):
		status = http.StatusBadRequest
	case errors.Is(err, shortener.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, shortener.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, shortener.ErrUnavailable):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError

		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("request failed")
	}

	http.Error(w, http.StatusText(status), status)
}
