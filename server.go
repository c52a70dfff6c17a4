package feedgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/feedworks/feedgate/internal/httpapi"
	"github.com/feedworks/feedgate/internal/metadata"
	"github.com/feedworks/feedgate/internal/resolve"
	"github.com/feedworks/feedgate/internal/storage"
	"github.com/feedworks/feedgate/internal/storage/azure"
)

// Server wraps the HTTP server, the resolution engine, and its metadata and
// storage dependencies.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	engine     *resolve.Engine
	handler    *httpapi.Handler
	httpSrv    *http.Server
	metricsSrv *http.Server
	pprofSrv   *http.Server
	listener   net.Listener
	registry   *prometheus.Registry

	meta      resolve.MetadataStore
	ownedMeta *metadata.Store

	mu           sync.Mutex
	shutdown     bool
	readyOnce    sync.Once
	readyCh      chan struct{}
	lastServeErr error
}

// Option configures server instances.
type Option func(*serverOptions)

type serverOptions struct {
	Logger      pslog.Logger
	Metadata    resolve.MetadataStore
	Directories storage.Factory
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *serverOptions) {
		o.Logger = l
	}
}

// WithMetadataStore injects a pre-built metadata store (useful for tests).
func WithMetadataStore(m resolve.MetadataStore) Option {
	return func(o *serverOptions) {
		o.Metadata = m
	}
}

// WithDirectoryFactory injects a pre-built storage directory factory.
func WithDirectoryFactory(f storage.Factory) Option {
	return func(o *serverOptions) {
		o.Directories = f
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// NewServer constructs a feedgate server according to cfg. When no metadata
// store is injected it connects to MongoDB during construction so a broken
// metadata URI fails fast.
func NewServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	cfgCopy := cfg
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	meta := o.Metadata
	var ownedMeta *metadata.Store
	if meta == nil {
		store, err := metadata.Connect(ctx, metadata.Config{
			URI:                   cfg.MongoURI,
			UploadsDatabase:       cfg.UploadsDatabase,
			UploadsCollection:     cfg.UploadsCollection,
			IntegrationDatabase:   cfg.IntegrationDatabase,
			IntegrationCollection: cfg.IntegrationCollection,
		})
		if err != nil {
			return nil, err
		}
		meta = store
		ownedMeta = store
	}

	directories := o.Directories
	if directories == nil {
		directories = azure.NewFactory(azure.Config{
			EndpointPattern: cfg.AzureEndpointPattern,
			ClientID:        cfg.AzureClientID,
			AccountKeys:     cfg.AzureAccountKeys,
			MaxFetchBytes:   cfg.MaxContentBytes,
		}, logger.With("svc", "storage"))
	}

	profiles := make(map[string]resolve.Profile, len(cfg.Applications))
	for name, app := range cfg.Applications {
		profiles[name] = resolve.Profile{
			Account:    app.Account,
			Containers: app.Containers,
		}
	}
	engine, err := resolve.NewEngine(resolve.Config{
		Profiles:      profiles,
		Metadata:      meta,
		Directories:   directories,
		Logger:        logger,
		LinkTTL:       cfg.LinkTTL,
		AccountColumn: cfg.AccountColumn,
	})
	if err != nil {
		if ownedMeta != nil {
			_ = ownedMeta.Close(context.Background())
		}
		return nil, err
	}

	var registry *prometheus.Registry
	var metrics *httpapi.Metrics
	if cfg.MetricsListen != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = httpapi.NewMetrics(registry)
	}

	var ready func(ctx context.Context) error
	if p, ok := meta.(pinger); ok {
		ready = p.Ping
	}

	handler := httpapi.NewHandler(httpapi.Config{
		Resolver:       engine,
		Logger:         logger,
		Metrics:        metrics,
		RatePerHour:    cfg.RatePerHour,
		Ready:          ready,
		TracingEnabled: cfg.TracingEnabled,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	return &Server{
		cfg:       cfg,
		logger:    logger.With("svc", "server"),
		engine:    engine,
		handler:   handler,
		httpSrv:   &http.Server{Addr: cfg.Listen, Handler: mux},
		registry:  registry,
		meta:      meta,
		ownedMeta: ownedMeta,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so feedgate can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.listener = ln
	if err := s.startMetrics(); err != nil {
		_ = ln.Close()
		return err
	}
	if err := s.startPprof(); err != nil {
		_ = ln.Close()
		return err
	}
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"applications", len(s.cfg.Applications),
		"rate_per_hour", s.cfg.RatePerHour,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) startMetrics() error {
	if s.cfg.MetricsListen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("metrics listen (%s): %w", s.cfg.MetricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	s.metricsSrv = srv
	logger := s.logger
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics.serve_error", "error", err)
		}
	}()
	s.logger.Info("metrics.enabled", "listen", s.cfg.MetricsListen)
	return nil
}

func (s *Server) startPprof() error {
	if s.cfg.PprofListen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.PprofListen)
	if err != nil {
		return fmt.Errorf("pprof listen (%s): %w", s.cfg.PprofListen, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Handler: mux}
	s.pprofSrv = srv
	logger := s.logger
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("pprof.serve_error", "error", err)
		}
	}()
	s.logger.Info("pprof.enabled", "listen", s.cfg.PprofListen)
	return nil
}

// Shutdown gracefully stops the server and releases its dependencies. The
// returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
		s.metricsSrv = nil
	}
	if s.pprofSrv != nil {
		_ = s.pprofSrv.Shutdown(ctx)
		s.pprofSrv = nil
	}
	s.handler.Close()
	if s.ownedMeta != nil {
		if err := s.ownedMeta.Close(ctx); err != nil {
			return fmt.Errorf("metadata close: %w", err)
		}
		s.ownedMeta = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error returned by Serve.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}
